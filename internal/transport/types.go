// Package transport defines the ports the core speaks through. The
// queue, dispatcher and notifier depend only on these types; concrete
// adapters live in subpackages.
package transport

import (
	"context"
	"io"
)

// Media is one resolved content item inside a publish batch. Caption
// is set on at most one item (the first) per batch.
type Media struct {
	Name    string
	Data    io.Reader
	Caption string
}

// Button is optional link metadata published after the media batch.
// Empty Text means no button.
type Button struct {
	Text string
	URL  string
}

// Batch is a single atomic post: either the whole batch publishes or
// none of it counts as published.
type Batch struct {
	ID     string
	Media  []Media
	Button Button
}

// Publisher delivers a batch to the output channel. Implementations
// must honor ctx cancellation; the dispatcher calls with a bounded
// timeout and treats any error as "nothing was published".
type Publisher interface {
	Publish(ctx context.Context, b Batch) error
}

// Notifier delivers best-effort operator notifications. Failures are
// swallowed by the caller and never affect dispatch outcome.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

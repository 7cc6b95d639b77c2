package queue

import (
	"errors"
	"time"
)

// Source identifies where an item entered the queue from. It doubles as
// the selection tier: suggestions always publish before feed content,
// feed content before the bulk archive.
type Source string

const (
	SourceSuggestion Source = "suggestion"
	SourceFeed       Source = "feed"
	SourceArchive    Source = "archive"
)

// Rank returns the selection tier, lower publishes first. Unknown
// sources sort last.
func (s Source) Rank() int {
	switch s {
	case SourceSuggestion:
		return 1
	case SourceFeed:
		return 2
	case SourceArchive:
		return 3
	default:
		return 4
	}
}

func (s Source) Valid() bool {
	switch s {
	case SourceSuggestion, SourceFeed, SourceArchive:
		return true
	}
	return false
}

// Status is the moderation state of a queued item. Both states are
// eligible for selection; the distinction only matters for reporting.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
)

// Order selects how a batch is drawn from the queue.
type Order string

const (
	// OrderPriority sorts by source tier, then oldest first.
	OrderPriority Order = "priority"
	// OrderRandom draws a uniform sample without replacement.
	OrderRandom Order = "random"
)

// ParseOrder maps a settings value onto an Order, defaulting to
// priority for anything unrecognized.
func ParseOrder(v string) Order {
	if Order(v) == OrderRandom {
		return OrderRandom
	}
	return OrderPriority
}

// Item is one queued piece of content.
type Item struct {
	ID             int64
	Locator        string
	Fingerprint    string
	Source         Source
	ExternalPostID int64 // feed items only, 0 otherwise
	Status         Status
	Posted         bool
	CreatedAt      time.Time
}

// Insert carries the fields a caller supplies when enqueueing.
type Insert struct {
	Locator        string
	Fingerprint    string
	Source         Source
	Status         Status
	ExternalPostID int64
}

var (
	// ErrDuplicate reports that content with the same fingerprint is
	// already queued. The caller owns discarding the redundant copy.
	ErrDuplicate = errors.New("queue: duplicate fingerprint")
)

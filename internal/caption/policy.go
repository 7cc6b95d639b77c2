// Package caption decides whether a dispatch attaches the configured
// caption, rotating state across dispatches.
package caption

import (
	"context"
	"strconv"
	"strings"
	"time"

	"postbot/internal/settings"
	logx "postbot/pkg/logx"
)

// Mode values for the caption_mode setting.
const (
	ModeNever     = "never"
	ModeAlways    = "always"
	ModeEveryN    = "every_n"
	ModeOnceDaily = "once_daily"
)

// Policy reads its mode and rotation state from the settings store, so
// operator edits take effect without restart.
type Policy struct {
	settings *settings.Store
	log      logx.Logger
}

func NewPolicy(st *settings.Store, log logx.Logger) *Policy {
	return &Policy{settings: st, log: log.With(logx.String("comp", "caption"))}
}

// Text returns the configured caption text.
func (p *Policy) Text(ctx context.Context) string {
	return p.settings.Get(ctx, settings.KeyCaptionText, "")
}

// Button is optional inline-button metadata forwarded alongside a
// published batch. Empty Text disables the button.
type Button struct {
	Text string
	URL  string
}

func (p *Policy) ButtonMeta(ctx context.Context) Button {
	return Button{
		Text: strings.TrimSpace(p.settings.Get(ctx, settings.KeyInlineButtonText, "")),
		URL:  strings.TrimSpace(p.settings.Get(ctx, settings.KeyInlineButtonURL, "")),
	}
}

// ShouldAttach reports whether the current dispatch gets the caption.
// Evaluation never advances rotation state; only RecordAttached does.
func (p *Policy) ShouldAttach(ctx context.Context, now time.Time) bool {
	if strings.TrimSpace(p.Text(ctx)) == "" {
		return false
	}
	switch p.settings.Get(ctx, settings.KeyCaptionMode, ModeNever) {
	case ModeAlways:
		return true
	case ModeEveryN:
		interval := p.interval(ctx)
		counter := p.settings.GetInt(ctx, settings.KeyCaptionCounter, 0)
		// Attach on the Nth dispatch of the cycle (zero-indexed).
		return counter >= interval-1
	case ModeOnceDaily:
		last := p.settings.Get(ctx, settings.KeyLastCaptionDate, "")
		return last != p.localDate(ctx, now)
	default:
		return false
	}
}

// RecordDispatch advances the rotation state. Call exactly once per
// successful publish, never for a failed one; advancing state for a
// failed publish would desynchronize the cycle. every_n counts every
// dispatch toward the next attachment; once_daily remembers the local
// date only when the caption actually went out.
func (p *Policy) RecordDispatch(ctx context.Context, now time.Time, attached bool) error {
	switch p.settings.Get(ctx, settings.KeyCaptionMode, ModeNever) {
	case ModeEveryN:
		interval := p.interval(ctx)
		counter := p.settings.GetInt(ctx, settings.KeyCaptionCounter, 0) + 1
		if counter >= interval {
			counter = 0
		}
		return p.settings.Set(ctx, settings.KeyCaptionCounter, strconv.Itoa(counter))
	case ModeOnceDaily:
		if !attached {
			return nil
		}
		return p.settings.Set(ctx, settings.KeyLastCaptionDate, p.localDate(ctx, now))
	default:
		return nil
	}
}

func (p *Policy) interval(ctx context.Context) int {
	n := p.settings.GetInt(ctx, settings.KeyCaptionInterval, 5)
	if n < 1 {
		n = 1
	}
	return n
}

func (p *Policy) localDate(ctx context.Context, now time.Time) string {
	return p.settings.LocalNow(ctx, now).Format("2006-01-02")
}

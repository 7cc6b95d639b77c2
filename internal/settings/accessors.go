package settings

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is an hour/minute pair in the configured local timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// FixedTimes parses the fixed_times list. Parsing is deliberately
// tolerant: entries without a colon or with a non-numeric or
// out-of-range hour/minute are skipped, and whatever parsed is used.
func (s *Store) FixedTimes(ctx context.Context) []TimeOfDay {
	raw := s.Get(ctx, KeyFixedTimes, defaults[KeyFixedTimes])
	var out []TimeOfDay
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		h, m, ok := splitHHMM(part)
		if !ok {
			continue
		}
		out = append(out, TimeOfDay{Hour: h, Minute: m})
	}
	return out
}

func splitHHMM(s string) (int, int, bool) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(strings.TrimSpace(s[:i]))
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(strings.TrimSpace(s[i+1:]))
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

// TimezoneOffset is the configured offset in hours from the process
// clock to the operator's local time.
func (s *Store) TimezoneOffset(ctx context.Context) int {
	return s.GetInt(ctx, KeyTimezoneOffset, 7)
}

// LocalNow shifts now into the configured local timezone. The process
// clock is treated as UTC, matching how fixed times are registered.
func (s *Store) LocalNow(ctx context.Context, now time.Time) time.Time {
	return now.UTC().Add(time.Duration(s.TimezoneOffset(ctx)) * time.Hour)
}

// IsQuietHours reports whether the local hour falls inside the quiet
// window. A window whose start is later than its end wraps midnight:
// start=23 end=6 suppresses 23:00 through 05:59.
func (s *Store) IsQuietHours(ctx context.Context, now time.Time) bool {
	start := s.GetInt(ctx, KeyQuietHoursStart, 23)
	end := s.GetInt(ctx, KeyQuietHoursEnd, 6)
	h := s.LocalNow(ctx, now).Hour()
	return inQuietWindow(h, start, end)
}

func inQuietWindow(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start > end {
		return hour >= start || hour < end
	}
	return hour >= start && hour < end
}

// IsPaused reports whether scheduled publishing is suspended.
func (s *Store) IsPaused(ctx context.Context) bool {
	return s.GetBool(ctx, KeyIsPaused, false)
}

// ScheduleMode returns "fixed" or "interval", defaulting to fixed for
// unrecognized values.
func (s *Store) ScheduleMode(ctx context.Context) string {
	if s.Get(ctx, KeyScheduleMode, ScheduleModeFixed) == ScheduleModeInterval {
		return ScheduleModeInterval
	}
	return ScheduleModeFixed
}

// IntervalHours returns the interval-mode cadence, clamped to at least
// one hour.
func (s *Store) IntervalHours(ctx context.Context) int {
	n := s.GetInt(ctx, KeyIntervalHours, 4)
	if n < 1 {
		n = 1
	}
	return n
}

// PhotosPerPost returns the batch size, clamped to 1..10 (the album
// size the publish transport accepts).
func (s *Store) PhotosPerPost(ctx context.Context) int {
	n := s.GetInt(ctx, KeyPhotosPerPost, 6)
	if n < 1 {
		n = 1
	}
	if n > 10 {
		n = 10
	}
	return n
}

package settings

import "context"

// Setting keys. String-typed on disk; typed accessors live in
// accessors.go.
const (
	KeyScheduleMode     = "schedule_mode" // "fixed" or "interval"
	KeyFixedTimes       = "fixed_times"   // comma-separated HH:MM, local time
	KeyIntervalHours    = "interval_hours"
	KeyPostsPerDay      = "posts_per_day"
	KeyQuietHoursStart  = "quiet_hours_start"
	KeyQuietHoursEnd    = "quiet_hours_end"
	KeyTimezoneOffset   = "timezone_offset" // hours relative to the process clock
	KeyPhotosPerPost    = "photos_per_post"
	KeyCaptionText      = "caption_text"
	KeyCaptionMode      = "caption_mode" // never, always, every_n, once_daily
	KeyCaptionInterval  = "caption_interval"
	KeyCaptionCounter   = "caption_counter"
	KeyLastCaptionDate  = "last_caption_date"
	KeyInlineButtonText = "inline_button_text"
	KeyInlineButtonURL  = "inline_button_url"
	KeyPostOrder        = "post_order" // priority or random
	KeyNotifyOnPost     = "notify_on_post"
	KeyIsPaused         = "is_paused"
	KeyPostsToday       = "posts_today"
	KeyLastPostDate     = "last_post_date"
)

const (
	ScheduleModeFixed    = "fixed"
	ScheduleModeInterval = "interval"
)

// defaults seeds every key the scheduler and dispatcher read, so the
// first scheduling computation never sees an absent key.
var defaults = map[string]string{
	KeyScheduleMode:     ScheduleModeFixed,
	KeyFixedTimes:       "06:00,15:00,22:00",
	KeyIntervalHours:    "4",
	KeyPostsPerDay:      "3",
	KeyQuietHoursStart:  "23",
	KeyQuietHoursEnd:    "6",
	KeyTimezoneOffset:   "7",
	KeyPhotosPerPost:    "6",
	KeyCaptionText:      "",
	KeyCaptionMode:      "never",
	KeyCaptionInterval:  "5",
	KeyCaptionCounter:   "0",
	KeyLastCaptionDate:  "",
	KeyInlineButtonText: "",
	KeyInlineButtonURL:  "",
	KeyPostOrder:        "priority",
	KeyNotifyOnPost:     "false",
	KeyIsPaused:         "false",
	KeyPostsToday:       "0",
	KeyLastPostDate:     "",
}

// EnsureDefaults inserts any missing keys without touching existing
// values. Must run before the first schedule computation.
func (s *Store) EnsureDefaults(ctx context.Context) error {
	for k, v := range defaults {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO settings(key, value) VALUES(?,?)`, k, v,
		); err != nil {
			return err
		}
	}
	s.Invalidate()
	return nil
}

package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Content  ContentConfig  `json:"content"`

	// Scheduler controls the trigger service (cron/interval workers).
	// Posting times themselves live in the settings store, not here:
	// they are operator-mutable at runtime and must survive restarts.
	Scheduler SchedulerConfig `json:"scheduler"`

	Dispatch DispatchConfig `json:"dispatch"`

	// Notifier controls the best-effort admin notification pipeline.
	// If the whole section is omitted it defaults to enabled.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Settings SettingsConfig `json:"settings,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChannelID is the publish target (e.g. "@my_channel" or a numeric id).
	ChannelID string `json:"channel_id"`
	// AdminIDs receive post notifications and operational messages.
	AdminIDs []int64 `json:"admin_ids"`
	// SendTimeout is a Go duration string bounding a single publish call.
	SendTimeout string `json:"send_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig locates the sqlite database holding the queue, settings
// and pending suggestions.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// ContentConfig controls locator resolution.
//
// Root, when set, confines relative locators to a base directory.
type ContentConfig struct {
	Root string `json:"root,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	Workers int  `json:"workers,omitempty"`
	// DefaultTimeout is a Go duration string applied to triggered jobs
	// without an explicit timeout. Use "0s" to disable.
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type DispatchConfig struct {
	// PublishTimeout bounds the external publish call so a hung send
	// cannot wedge the next scheduled firing. Go duration string.
	PublishTimeout string `json:"publish_timeout,omitempty"`
}

type NotifierConfig struct {
	Enabled    bool `json:"enabled"`
	QueueSize  int  `json:"queue_size,omitempty"`
	RatePerSec int  `json:"rate_per_sec,omitempty"`
}

type SettingsConfig struct {
	// CacheTTL is the staleness window of the settings cache.
	// Go duration string; default "60s".
	CacheTTL string `json:"cache_ttl,omitempty"`
}

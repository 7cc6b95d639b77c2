package app

import (
	"context"
	"fmt"
	"strings"

	"postbot/internal/config"
	"postbot/internal/notifier"
	"postbot/internal/scheduler"
)

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	timeout, err := config.ParseDurationOrDefault("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Workers:        cfg.Scheduler.Workers,
		DefaultTimeout: timeout,
		HistorySize:    cfg.Scheduler.HistorySize,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	// An omitted notifier section means "enabled with defaults".
	if cfg.Notifier == nil {
		return notifier.Config{Enabled: true}
	}
	return notifier.Config{
		Enabled:    cfg.Notifier.Enabled,
		QueueSize:  cfg.Notifier.QueueSize,
		RatePerSec: float64(cfg.Notifier.RatePerSec),
	}
}

// validateConfig rejects bad hot-reloads before they are committed.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if strings.TrimSpace(cfg.Telegram.ChannelID) == "" {
		return fmt.Errorf("telegram.channel_id is required")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if cfg.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	if cfg.Scheduler.HistorySize < 0 {
		return fmt.Errorf("scheduler.history_size must be >= 0")
	}
	if _, err := config.ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("dispatch.publish_timeout", cfg.Dispatch.PublishTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("telegram.send_timeout", cfg.Telegram.SendTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("settings.cache_ttl", cfg.Settings.CacheTTL); err != nil {
		return err
	}
	if cfg.Notifier != nil {
		if cfg.Notifier.QueueSize < 0 {
			return fmt.Errorf("notifier.queue_size must be >= 0")
		}
		if cfg.Notifier.RatePerSec < 0 {
			return fmt.Errorf("notifier.rate_per_sec must be >= 0")
		}
	}
	return nil
}

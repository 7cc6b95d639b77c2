// Package app wires configuration, storage and services into one
// process and owns their lifecycle.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"postbot/internal/caption"
	"postbot/internal/config"
	"postbot/internal/content"
	"postbot/internal/dispatch"
	"postbot/internal/eventbus"
	"postbot/internal/notifier"
	"postbot/internal/queue"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/schedule"
	"postbot/internal/scheduler"
	"postbot/internal/settings"
	"postbot/internal/storage"
	"postbot/internal/suggest"
	"postbot/internal/transport"
	"postbot/internal/transport/telegram"
	logx "postbot/pkg/logx"
)

// scheduleSyncEvery is how often the planner reconciles triggers with
// the settings store; settings may be edited by another process.
const scheduleSyncEvery = time.Minute

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   *sql.DB

	settings  *settings.Store
	queue     *queue.Store
	suggest   *suggest.Store
	policy    *caption.Policy
	publisher transport.Publisher
	notif     *notifier.Service
	sched     *scheduler.Service
	planner   *schedule.Planner
	disp      *dispatch.Dispatcher
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	cacheTTL, err := config.ParseDurationOrDefault("settings.cache_ttl", cfg.Settings.CacheTTL, settings.DefaultCacheTTL)
	if err != nil {
		return nil, err
	}
	settingsStore := settings.NewStore(db, cacheTTL, root)
	queueStore := queue.NewStore(db, root)
	resolver := content.NewFileResolver(cfg.Content.Root)
	suggestStore := suggest.NewStore(db, queueStore, resolver, root)
	policy := caption.NewPolicy(settingsStore, root)

	sendTimeout, err := config.ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	// Transport failures stay on the console even when the file sink
	// is misconfigured.
	bootLog := logx.NewConsole(cfg.Logging.Level)
	pub, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		ChannelID:   cfg.Telegram.ChannelID,
		AdminIDs:    cfg.Telegram.AdminIDs,
		SendTimeout: sendTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	ncfg := mapNotifierConfig(cfg)
	notif := notifier.New(ncfg, pub, root)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, root)

	publishTimeout, err := config.ParseDurationOrDefault("dispatch.publish_timeout", cfg.Dispatch.PublishTimeout, 60*time.Second)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispatch.Config{PublishTimeout: publishTimeout},
		settingsStore, queueStore, policy, resolver, pub,
		func(text string) error { return notif.Notify(text) },
		bus, root)

	planner := schedule.NewPlanner(settingsStore, sched, publishTimeout+30*time.Second, disp.RunScheduled, root)

	return &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		db:        db,
		settings:  settingsStore,
		queue:     queueStore,
		suggest:   suggestStore,
		policy:    policy,
		publisher: pub,
		notif:     notif,
		sched:     sched,
		planner:   planner,
		disp:      disp,
	}, nil
}

// Queue exposes the content queue for ingestion collaborators.
func (a *App) Queue() *queue.Store { return a.queue }

// Suggestions exposes the moderation staging store.
func (a *App) Suggestions() *suggest.Store { return a.suggest }

// Dispatcher exposes the dispatch pipeline (manual "post now").
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

// Done is closed when the app run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetValidator(validateConfig)

	if err := a.settings.EnsureDefaults(runCtx); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}

	if a.sched.Enabled() {
		a.sched.Start(runCtx)
		if err := a.planner.Reschedule(runCtx); err != nil {
			return fmt.Errorf("build posting schedule: %w", err)
		}
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleRebuilt})
		if err := a.sched.AddInterval("schedule.sync", scheduleSyncEvery, 30*time.Second, a.planner.Sync); err != nil {
			return err
		}
	}

	// Debug visibility into dispatch lifecycle events.
	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts, apply only the newest.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if schedCfg, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config, keeping previous", logx.Err(err))
	} else {
		prev := a.sched.Enabled()
		a.sched.Apply(schedCfg)
		switch {
		case prev && !schedCfg.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !prev && schedCfg.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
			if err := a.planner.Reschedule(ctx); err != nil {
				a.log.Warn("reschedule after enable failed", logx.Err(err))
			}
			if err := a.sched.AddInterval("schedule.sync", scheduleSyncEvery, 30*time.Second, a.planner.Sync); err != nil {
				a.log.Warn("schedule sync job registration failed", logx.Err(err))
			}
		}
	}

	prevNotif := a.notif.Enabled()
	ncfg := mapNotifierConfig(cfg)
	a.notif.Apply(ncfg)
	switch {
	case prevNotif && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prevNotif && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Bound each shutdown step so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("step", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached", logx.String("step", name))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 1*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.db.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

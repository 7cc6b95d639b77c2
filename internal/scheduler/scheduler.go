// Package scheduler runs named recurring jobs on cron specs through a
// small worker pool. Triggers only enqueue; workers execute with a
// per-job timeout so a slow job never delays trigger bookkeeping.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "postbot/pkg/logx"
)

type Config struct {
	Enabled        bool
	Workers        int
	DefaultTimeout time.Duration
	HistorySize    int
}

// HistoryItem records one job execution for introspection.
type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type task struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

type scheduleDef struct {
	name    string
	spec    string // cron spec or @every
	timeout time.Duration
	entry   cron.EntryID
	job     func(ctx context.Context) error
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*scheduleDef

	queue  chan task
	stopCh chan struct{}

	hmu     sync.Mutex
	histMax int
	history []HistoryItem
}

func New(cfg Config, log logx.Logger) *Service {
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "scheduler")),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:    map[string]*scheduleDef{},
		histMax: cfg.HistorySize,
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.hmu.Lock()
	s.histMax = cfg.HistorySize
	s.hmu.Unlock()
	// Worker pool resizing needs a restart; timeouts apply to jobs
	// registered after this point.
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	stopCh := make(chan struct{})
	s.stopCh = stopCh

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	queue := make(chan task, 64)
	s.queue = queue

	// Cron runs in UTC; local-time conversion happens upstream where
	// specs are computed from settings.
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(time.UTC))
	for _, d := range s.defs {
		s.registerLocked(d)
	}

	// Workers hold the channels of their own generation; a later
	// Stop/Start cycle must never redirect a running worker.
	for i := 0; i < workers; i++ {
		go s.worker(ctx, stopCh, queue)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("workers", workers))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	if s.c != nil {
		stopCtx := s.c.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
		s.c = nil
	}
	s.log.Info("scheduler stopped")
}

// AddCron registers (or replaces) a named job on a cron spec. Names are
// unique; re-adding a name swaps its trigger.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return errors.New("scheduler not started")
	}
	if old, ok := s.defs[name]; ok {
		s.c.Remove(old.entry)
	}
	d := &scheduleDef{name: name, spec: spec, timeout: s.resolveTimeout(timeout), job: job}
	if err := s.registerLocked(d); err != nil {
		delete(s.defs, name)
		return err
	}
	s.defs[name] = d
	return nil
}

// AddInterval registers a named job firing every `every`, starting one
// interval from now.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) error {
	if every <= 0 {
		return fmt.Errorf("scheduler: non-positive interval %s", every)
	}
	return s.AddCron(name, fmt.Sprintf("@every %s", every.String()), timeout, job)
}

// Remove unregisters the named job. Unknown names are a no-op.
func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok {
		return
	}
	if s.c != nil {
		s.c.Remove(d.entry)
	}
	delete(s.defs, name)
}

// Names returns the registered job names.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for name := range s.defs {
		out = append(out, name)
	}
	return out
}

func (s *Service) registerLocked(d *scheduleDef) error {
	queue := s.queue
	id, err := s.c.AddFunc(d.spec, func() {
		s.enqueue(queue, task{name: d.name, timeout: d.timeout, run: d.job})
	})
	if err != nil {
		return fmt.Errorf("register %q (%s): %w", d.name, d.spec, err)
	}
	d.entry = id
	return nil
}

func (s *Service) resolveTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return s.cfg.DefaultTimeout
}

func (s *Service) enqueue(queue chan task, t task) {
	select {
	case queue <- t:
	default:
		s.log.Warn("scheduler queue full, dropping task", logx.String("task", t.name))
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan task) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.execOne(ctx, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, t task) {
	start := time.Now()
	runCtx := ctx
	if t.timeout > 0 {
		var cancel func()
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	err := t.run(runCtx)

	item := HistoryItem{Name: t.name, Started: start, Duration: time.Since(start)}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("job failed", logx.String("job", t.name), logx.Err(err))
	} else {
		s.log.Debug("job ok", logx.String("job", t.name), logx.Duration("took", item.Duration))
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if s.histMax > 0 && len(s.history) > s.histMax {
		s.history = s.history[len(s.history)-s.histMax:]
	}
	s.hmu.Unlock()
}

// History returns a copy of recent executions, newest last.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

// Package notifier is a best-effort operator notification pipeline:
// bounded queue, single worker, rate limit. Overflow drops the message
// and delivery failures are swallowed; nothing here may ever affect a
// dispatch outcome.
package notifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	rtsup "postbot/internal/runtime/supervisor"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
)

type Config struct {
	Enabled    bool
	QueueSize  int
	RatePerSec float64
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	target transport.Notifier

	cfg     Config
	limiter *rate.Limiter

	queue   chan string
	sup     *rtsup.Supervisor
	dropped atomic.Uint64
}

func New(cfg Config, target transport.Notifier, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{target: target, log: log.With(logx.String("comp", "notifier"))}
	s.applyLocked(cfg)
	return s
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.queue = make(chan string, s.cfg.QueueSize)
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	queue := s.queue
	s.sup.Go0("notifier.worker", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case text := <-queue:
				s.deliver(c, text)
			}
		}
	})
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("notifier stopped", logx.Uint64("dropped_total", s.dropped.Load()))
}

// Notify queues a message. It never blocks: a full queue drops the
// message and reports ErrQueueFull, which callers may ignore.
func (s *Service) Notify(text string) error {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	queue := s.queue
	s.mu.Unlock()

	if !enabled || s.target == nil {
		return ErrDisabled
	}
	if queue == nil {
		return ErrDisabled
	}
	select {
	case queue <- text:
		return nil
	default:
		s.log.Warn("notification dropped, queue full", logx.Uint64("dropped_total", s.dropped.Add(1)))
		return ErrQueueFull
	}
}

func (s *Service) deliver(ctx context.Context, text string) {
	s.mu.Lock()
	limiter := s.limiter
	s.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.target.Notify(sendCtx, text); err != nil {
		s.log.Warn("notification send failed", logx.Err(err))
	}
}

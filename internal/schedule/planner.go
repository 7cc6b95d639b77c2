// Package schedule turns operator settings into posting triggers.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"postbot/internal/scheduler"
	"postbot/internal/settings"
	logx "postbot/pkg/logx"
)

// triggerPrefix namespaces posting triggers inside the shared
// scheduler so a reschedule never touches unrelated jobs.
const triggerPrefix = "post:"

// Planner owns the posting triggers. All schedule-affecting settings
// changes go through Reschedule, which rebuilds the trigger set
// wholesale; there is no incremental patching.
type Planner struct {
	settings  *settings.Store
	scheduler *scheduler.Service
	log       logx.Logger

	// dispatch runs one scheduled posting cycle.
	dispatch func(ctx context.Context) error
	timeout  time.Duration

	mu      sync.Mutex
	lastSig string
}

func NewPlanner(st *settings.Store, sched *scheduler.Service, timeout time.Duration, dispatch func(ctx context.Context) error, log logx.Logger) *Planner {
	return &Planner{
		settings:  st,
		scheduler: sched,
		log:       log.With(logx.String("comp", "schedule")),
		dispatch:  dispatch,
		timeout:   timeout,
	}
}

// Reschedule removes every posting trigger and recreates the set from
// current settings. Fixed mode registers one daily trigger per
// configured local time, converted to the scheduler's UTC clock by
// subtracting the timezone offset. Interval mode registers a single
// recurring trigger counted from registration time.
func (p *Planner) Reschedule(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rescheduleLocked(ctx)
}

func (p *Planner) rescheduleLocked(ctx context.Context) error {
	sig := p.signature(ctx)
	for _, name := range p.scheduler.Names() {
		if strings.HasPrefix(name, triggerPrefix) {
			p.scheduler.Remove(name)
		}
	}

	mode := p.settings.ScheduleMode(ctx)
	offset := p.settings.TimezoneOffset(ctx)

	switch mode {
	case settings.ScheduleModeInterval:
		every := time.Duration(p.settings.IntervalHours(ctx)) * time.Hour
		name := triggerPrefix + "interval"
		if err := p.scheduler.AddInterval(name, every, p.timeout, p.dispatch); err != nil {
			return err
		}
		// Only a fully registered trigger set counts as live; a partial
		// rebuild leaves the old signature so Sync retries.
		p.lastSig = sig
		p.log.Info("schedule rebuilt",
			logx.String("mode", mode),
			logx.Duration("every", every),
		)
		return nil

	default: // fixed
		times := p.settings.FixedTimes(ctx)
		registered := 0
		for _, tod := range times {
			utcHour := ((tod.Hour-offset)%24 + 24) % 24
			name := fmt.Sprintf("%s%02d:%02d", triggerPrefix, tod.Hour, tod.Minute)
			spec := fmt.Sprintf("%d %d * * *", tod.Minute, utcHour)
			if err := p.scheduler.AddCron(name, spec, p.timeout, p.dispatch); err != nil {
				return err
			}
			registered++
		}
		p.lastSig = sig
		p.log.Info("schedule rebuilt",
			logx.String("mode", mode),
			logx.Int("triggers", registered),
			logx.Int("tz_offset", offset),
		)
		return nil
	}
}

// signature captures every schedule-affecting setting. Any change in
// it warrants a wholesale rebuild.
func (p *Planner) signature(ctx context.Context) string {
	return fmt.Sprintf("%s|%s|%d|%d",
		p.settings.ScheduleMode(ctx),
		p.settings.Get(ctx, settings.KeyFixedTimes, ""),
		p.settings.IntervalHours(ctx),
		p.settings.TimezoneOffset(ctx),
	)
}

// Sync rebuilds the triggers only when a schedule-affecting setting
// changed since the last rebuild. Settings can be edited by another
// process, so the app runs this periodically.
func (p *Planner) Sync(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signature(ctx) == p.lastSig {
		return nil
	}
	p.log.Info("schedule settings changed, rebuilding triggers")
	return p.rescheduleLocked(ctx)
}

// TriggerNames returns the currently registered posting triggers.
func (p *Planner) TriggerNames() []string {
	var out []string
	for _, name := range p.scheduler.Names() {
		if strings.HasPrefix(name, triggerPrefix) {
			out = append(out, name)
		}
	}
	return out
}

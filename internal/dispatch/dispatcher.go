// Package dispatch runs the select→caption→publish→mark pipeline.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"postbot/internal/caption"
	"postbot/internal/content"
	"postbot/internal/eventbus"
	"postbot/internal/queue"
	"postbot/internal/settings"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// ErrQueueEmpty reports that no content was available. It is the
// normal steady state once the queue drains, not a failure.
var ErrQueueEmpty = errors.New("dispatch: queue empty")

// Notify is the best-effort operator notification hook. Errors are
// ignored by the dispatcher.
type Notify func(text string) error

type Config struct {
	PublishTimeout time.Duration
}

// Dispatcher glues the queue, caption policy, content resolver and
// publish transport together. A mutex serializes runs so a manual
// "post now" and a scheduled firing can never select overlapping
// items.
type Dispatcher struct {
	mu sync.Mutex

	cfg       Config
	settings  *settings.Store
	queue     *queue.Store
	policy    *caption.Policy
	resolver  content.Resolver
	publisher transport.Publisher
	notify    Notify
	bus       eventbus.Bus
	log       logx.Logger

	now func() time.Time
}

func New(cfg Config, st *settings.Store, q *queue.Store, policy *caption.Policy, resolver content.Resolver, publisher transport.Publisher, notify Notify, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 60 * time.Second
	}
	return &Dispatcher{
		cfg:       cfg,
		settings:  st,
		queue:     q,
		policy:    policy,
		resolver:  resolver,
		publisher: publisher,
		notify:    notify,
		bus:       bus,
		log:       log.With(logx.String("comp", "dispatch")),
		now:       time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// RunScheduled is the trigger entrypoint. Pause and quiet hours are
// deliberate skips, an empty queue is a logged non-event; none of
// these are errors, so the trigger stays registered and fires again
// next time.
func (d *Dispatcher) RunScheduled(ctx context.Context) error {
	now := d.now()
	if d.settings.IsPaused(ctx) {
		d.log.Info("dispatch skipped", logx.String("reason", "paused"))
		d.publishEvent(eventbus.TypeDispatchSkipped, map[string]any{"reason": "paused"})
		return nil
	}
	if d.settings.IsQuietHours(ctx, now) {
		d.log.Info("dispatch skipped", logx.String("reason", "quiet_hours"))
		d.publishEvent(eventbus.TypeDispatchSkipped, map[string]any{"reason": "quiet_hours"})
		return nil
	}

	_, err := d.Run(ctx)
	if errors.Is(err, ErrQueueEmpty) {
		d.log.Info("dispatch skipped", logx.String("reason", "queue_empty"))
		d.publishEvent(eventbus.TypeDispatchSkipped, map[string]any{"reason": "queue_empty"})
		return nil
	}
	return err
}

// Run executes one dispatch cycle and returns how many items were
// published. On any failure no queue or caption state is mutated, so
// the batch stays available for the next attempt.
func (d *Dispatcher) Run(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	batchID := uuid.NewString()
	log := d.log.With(logx.String("batch", batchID))
	now := d.now()

	want := d.settings.PhotosPerPost(ctx)
	order := queue.ParseOrder(d.settings.Get(ctx, settings.KeyPostOrder, string(queue.OrderPriority)))

	items, media, err := d.collect(ctx, want, order, log)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, ErrQueueEmpty
	}
	defer closeMedia(media)

	attach := d.policy.ShouldAttach(ctx, now)
	if attach {
		media[0].Caption = d.policy.Text(ctx)
	}

	batch := transport.Batch{ID: batchID, Media: media}
	if b := d.policy.ButtonMeta(ctx); b.Text != "" && b.URL != "" {
		batch.Button = transport.Button{Text: b.Text, URL: b.URL}
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	err = d.publisher.Publish(pubCtx, batch)
	cancel()
	if err != nil {
		log.Error("publish failed", logx.Int("items", len(items)), logx.Err(err))
		d.publishEvent(eventbus.TypeDispatchFailed, map[string]any{"batch": batchID, "err": err.Error()})
		return 0, fmt.Errorf("publish: %w", err)
	}

	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	if err := d.queue.MarkPosted(ctx, ids); err != nil {
		// The post is out; a mark failure means these items may be
		// republished next cycle. Surface it loudly.
		log.Error("mark posted failed after publish", logx.Err(err))
		return len(items), fmt.Errorf("mark posted: %w", err)
	}
	if err := d.policy.RecordDispatch(ctx, now, attach); err != nil {
		log.Warn("caption state update failed", logx.Err(err))
	}

	log.Info("batch published",
		logx.Int("items", len(items)),
		logx.Bool("caption", attach),
		logx.String("order", string(order)),
	)
	d.publishEvent(eventbus.TypeDispatchCompleted, map[string]any{"batch": batchID, "items": len(items)})

	if d.notify != nil && d.settings.GetBool(ctx, settings.KeyNotifyOnPost, false) {
		_ = d.notify(fmt.Sprintf("Published %d item(s)", len(items)))
	}
	return len(items), nil
}

// collect selects up to want items and resolves their content. Items
// whose content went missing are removed from the queue and replaced
// with the next candidates; a batch is never aborted over a missing
// item.
func (d *Dispatcher) collect(ctx context.Context, want int, order queue.Order, log logx.Logger) ([]queue.Item, []transport.Media, error) {
	var (
		items   []queue.Item
		media   []transport.Media
		exclude []int64
	)
	for len(items) < want {
		need := want - len(items)
		candidates, err := d.queue.SelectBatch(ctx, need, order, exclude...)
		if err != nil {
			closeMedia(media)
			return nil, nil, fmt.Errorf("select batch: %w", err)
		}
		if len(candidates) == 0 {
			break
		}
		for _, it := range candidates {
			exclude = append(exclude, it.ID)
			rc, err := d.resolver.Open(it.Locator)
			if errors.Is(err, content.ErrMissing) {
				log.Warn("content missing, removing item", logx.Int64("id", it.ID), logx.String("locator", it.Locator))
				if rerr := d.queue.Remove(ctx, it.ID); rerr != nil {
					log.Warn("remove of stale item failed", logx.Int64("id", it.ID), logx.Err(rerr))
				}
				continue
			}
			if err != nil {
				closeMedia(media)
				return nil, nil, fmt.Errorf("resolve %q: %w", it.Locator, err)
			}
			items = append(items, it)
			media = append(media, transport.Media{Name: it.Locator, Data: rc})
		}
	}
	return items, media, nil
}

func closeMedia(media []transport.Media) {
	for _, m := range media {
		if c, ok := m.Data.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}

func (d *Dispatcher) publishEvent(typ string, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// Stats is a point-in-time queue summary for operator reporting.
type Stats struct {
	Pending   int
	Posted    int
	BySource  map[queue.Source]int
	PerDay    int
	DaysLeft  int
	Paused    bool
	Suggested int
}

// QueueStats assembles the operator-facing queue summary. DaysLeft
// estimates how long the pending backlog lasts at the current batch
// size and fixed-times cadence.
func (d *Dispatcher) QueueStats(ctx context.Context) (Stats, error) {
	pending, err := d.queue.CountPending(ctx)
	if err != nil {
		return Stats{}, err
	}
	posted, err := d.queue.CountPosted(ctx)
	if err != nil {
		return Stats{}, err
	}
	bySource, err := d.queue.CountBySource(ctx)
	if err != nil {
		return Stats{}, err
	}

	perPost := d.settings.PhotosPerPost(ctx)
	// posts_per_day is the operator's stated cadence; fall back to the
	// one implied by the schedule when it was never set.
	postsPerDay := d.settings.GetInt(ctx, settings.KeyPostsPerDay, 0)
	if postsPerDay < 1 {
		postsPerDay = len(d.settings.FixedTimes(ctx))
		if d.settings.ScheduleMode(ctx) == settings.ScheduleModeInterval {
			postsPerDay = 24 / d.settings.IntervalHours(ctx)
		}
	}
	if postsPerDay < 1 {
		postsPerDay = 1
	}

	st := Stats{
		Pending:  pending,
		Posted:   posted,
		BySource: bySource,
		PerDay:   postsPerDay,
		Paused:   d.settings.IsPaused(ctx),
	}
	perDayItems := perPost * postsPerDay
	if perDayItems > 0 {
		st.DaysLeft = pending / perDayItems
	}
	return st, nil
}

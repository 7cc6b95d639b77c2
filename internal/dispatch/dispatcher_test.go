package dispatch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"postbot/internal/caption"
	"postbot/internal/content"
	"postbot/internal/queue"
	"postbot/internal/settings"
	"postbot/internal/storage"
	"postbot/internal/transport"
	logx "postbot/pkg/logx"
)

type fakePublisher struct {
	mu      sync.Mutex
	batches []publishedBatch
	fail    error
}

type publishedBatch struct {
	media  []string // locator names
	texts  []string // captions per item
	button transport.Button
}

func (f *fakePublisher) Publish(_ context.Context, b transport.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	pb := publishedBatch{button: b.Button}
	for _, m := range b.Media {
		// Drain so the reader lifecycle matches a real send.
		_, _ = io.Copy(io.Discard, m.Data)
		pb.media = append(pb.media, m.Name)
		pb.texts = append(pb.texts, m.Caption)
	}
	f.batches = append(f.batches, pb)
	return nil
}

type fixture struct {
	d        *Dispatcher
	queue    *queue.Store
	settings *settings.Store
	policy   *caption.Policy
	pub      *fakePublisher
	root     string
	notified []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "dispatch.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st := settings.NewStore(db, time.Minute, logx.Nop())
	if err := st.EnsureDefaults(context.Background()); err != nil {
		t.Fatalf("EnsureDefaults: %v", err)
	}
	q := queue.NewStore(db, logx.Nop())
	policy := caption.NewPolicy(st, logx.Nop())
	root := t.TempDir()
	pub := &fakePublisher{}

	f := &fixture{queue: q, settings: st, policy: policy, pub: pub, root: root}
	f.d = New(Config{PublishTimeout: time.Minute}, st, q, policy,
		content.NewFileResolver(root), pub,
		func(text string) error { f.notified = append(f.notified, text); return nil },
		nil, logx.Nop())
	return f
}

func (f *fixture) enqueueFile(t *testing.T, name string, src queue.Source) int64 {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.root, name), []byte("content of "+name), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fp, err := queue.FingerprintFile(filepath.Join(f.root, name))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	id, err := f.queue.Enqueue(context.Background(), queue.Insert{Locator: name, Fingerprint: fp, Source: src})
	if err != nil {
		t.Fatalf("enqueue %s: %v", name, err)
	}
	return id
}

func TestRunPublishesPriorityBatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_ = f.settings.Set(ctx, settings.KeyPhotosPerPost, "2")
	f.enqueueFile(t, "archive.jpg", queue.SourceArchive)
	sg1 := f.enqueueFile(t, "s1.jpg", queue.SourceSuggestion)
	sg2 := f.enqueueFile(t, "s2.jpg", queue.SourceSuggestion)

	n, err := f.d.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 2 {
		t.Fatalf("published %d, want 2", n)
	}
	if len(f.pub.batches) != 1 {
		t.Fatalf("publish calls = %d, want 1", len(f.pub.batches))
	}
	got := f.pub.batches[0].media
	if got[0] != "s1.jpg" || got[1] != "s2.jpg" {
		t.Fatalf("published media = %v, want suggestions first", got)
	}

	for _, id := range []int64{sg1, sg2} {
		it, ok, err := f.queue.Get(ctx, id)
		if err != nil || !ok || !it.Posted {
			t.Fatalf("item %d not marked posted (ok=%v err=%v)", id, ok, err)
		}
	}
	if pending, _ := f.queue.CountPending(ctx); pending != 1 {
		t.Fatalf("pending = %d, want the archive item left", pending)
	}
}

func TestRunQueueEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.d.Run(ctx); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("Run on empty queue = %v, want ErrQueueEmpty", err)
	}
	// The scheduled entrypoint treats it as a non-event.
	if err := f.d.RunScheduled(ctx); err != nil {
		t.Fatalf("RunScheduled on empty queue = %v, want nil", err)
	}
}

func TestRunRepairsMissingContent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_ = f.settings.Set(ctx, settings.KeyPhotosPerPost, "2")
	s1 := f.enqueueFile(t, "s1.jpg", queue.SourceSuggestion)
	f.enqueueFile(t, "s2.jpg", queue.SourceSuggestion)
	f.enqueueFile(t, "feed.jpg", queue.SourceFeed)

	// First candidate's backing file vanishes between enqueue and run.
	if err := os.Remove(filepath.Join(f.root, "s1.jpg")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	n, err := f.d.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 2 {
		t.Fatalf("published %d, want 2 (replacement pulled)", n)
	}
	got := f.pub.batches[0].media
	if got[0] != "s2.jpg" || got[1] != "feed.jpg" {
		t.Fatalf("published media = %v, want [s2.jpg feed.jpg]", got)
	}

	// The stale item is gone, not just unpublished.
	if _, ok, _ := f.queue.Get(ctx, s1); ok {
		t.Fatal("missing-content item should be removed from the queue")
	}
}

func TestRunFailureMutatesNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_ = f.settings.Set(ctx, settings.KeyCaptionText, "caption")
	_ = f.settings.Set(ctx, settings.KeyCaptionMode, caption.ModeEveryN)
	_ = f.settings.Set(ctx, settings.KeyCaptionInterval, "2")
	id := f.enqueueFile(t, "a.jpg", queue.SourceArchive)

	f.pub.fail = errors.New("telegram down")
	if _, err := f.d.Run(ctx); err == nil {
		t.Fatal("expected publish failure to surface")
	}

	it, _, _ := f.queue.Get(ctx, id)
	if it.Posted {
		t.Fatal("failed publish must not mark items posted")
	}
	if got := f.settings.GetInt(ctx, settings.KeyCaptionCounter, -1); got != 0 {
		t.Fatalf("caption counter advanced on failure: %d", got)
	}

	// The batch stays available for the next attempt.
	f.pub.fail = nil
	n, err := f.d.Run(ctx)
	if err != nil || n != 1 {
		t.Fatalf("retry Run = %d, %v, want 1 item", n, err)
	}
}

func TestRunScheduledSkipsPausedAndQuietHours(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.enqueueFile(t, "a.jpg", queue.SourceArchive)

	_ = f.settings.Set(ctx, settings.KeyIsPaused, "true")
	if err := f.d.RunScheduled(ctx); err != nil {
		t.Fatalf("RunScheduled paused: %v", err)
	}
	if len(f.pub.batches) != 0 {
		t.Fatal("paused run should not publish")
	}

	_ = f.settings.Set(ctx, settings.KeyIsPaused, "false")
	_ = f.settings.Set(ctx, settings.KeyTimezoneOffset, "0")
	_ = f.settings.Set(ctx, settings.KeyQuietHoursStart, "0")
	_ = f.settings.Set(ctx, settings.KeyQuietHoursEnd, "24")
	f.d.SetClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) })
	if err := f.d.RunScheduled(ctx); err != nil {
		t.Fatalf("RunScheduled quiet: %v", err)
	}
	if len(f.pub.batches) != 0 {
		t.Fatal("quiet-hours run should not publish")
	}
}

func TestRunAttachesCaptionToFirstItemOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_ = f.settings.Set(ctx, settings.KeyPhotosPerPost, "3")
	_ = f.settings.Set(ctx, settings.KeyCaptionText, "follow us")
	_ = f.settings.Set(ctx, settings.KeyCaptionMode, caption.ModeAlways)
	f.enqueueFile(t, "a.jpg", queue.SourceArchive)
	f.enqueueFile(t, "b.jpg", queue.SourceArchive)
	f.enqueueFile(t, "c.jpg", queue.SourceArchive)

	if _, err := f.d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	texts := f.pub.batches[0].texts
	if texts[0] != "follow us" {
		t.Fatalf("first item caption = %q", texts[0])
	}
	for i, txt := range texts[1:] {
		if txt != "" {
			t.Fatalf("item %d has unexpected caption %q", i+2, txt)
		}
	}
}

func TestRunForwardsButton(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_ = f.settings.Set(ctx, settings.KeyInlineButtonText, "Visit")
	_ = f.settings.Set(ctx, settings.KeyInlineButtonURL, "https://example.com")
	f.enqueueFile(t, "a.jpg", queue.SourceArchive)

	if _, err := f.d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	b := f.pub.batches[0].button
	if b.Text != "Visit" || b.URL != "https://example.com" {
		t.Fatalf("button = %+v", b)
	}
}

func TestRunNotifiesWhenEnabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.enqueueFile(t, "a.jpg", queue.SourceArchive)

	if _, err := f.d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.notified) != 0 {
		t.Fatal("notify_on_post off: no notification expected")
	}

	_ = f.settings.Set(ctx, settings.KeyNotifyOnPost, "true")
	f.enqueueFile(t, "b.jpg", queue.SourceArchive)
	if _, err := f.d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.notified) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notified))
	}
}

func TestQueueStats(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_ = f.settings.Set(ctx, settings.KeyPhotosPerPost, "2")
	_ = f.settings.Set(ctx, settings.KeyPostsPerDay, "2")
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg"} {
		f.enqueueFile(t, name, queue.SourceArchive)
	}
	f.enqueueFile(t, "s.jpg", queue.SourceSuggestion)

	st, err := f.d.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if st.Pending != 5 || st.Posted != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if st.BySource[queue.SourceArchive] != 4 || st.BySource[queue.SourceSuggestion] != 1 {
		t.Fatalf("by source = %v", st.BySource)
	}
	// 2 per post, 2 posts per day: 5 pending lasts 1 full day.
	if st.PerDay != 2 || st.DaysLeft != 1 {
		t.Fatalf("per day = %d, days left = %d", st.PerDay, st.DaysLeft)
	}

	// With posts_per_day unset the cadence comes from the schedule.
	_ = f.settings.Set(ctx, settings.KeyPostsPerDay, "0")
	_ = f.settings.Set(ctx, settings.KeyFixedTimes, "06:00,12:00,18:00")
	st, err = f.d.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if st.PerDay != 3 {
		t.Fatalf("fallback per day = %d, want 3", st.PerDay)
	}
}

func TestConcurrentRunsNeverShareItems(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_ = f.settings.Set(ctx, settings.KeyPhotosPerPost, "2")
	// No quiet window; the scheduled path must reach selection.
	_ = f.settings.Set(ctx, settings.KeyQuietHoursStart, "0")
	_ = f.settings.Set(ctx, settings.KeyQuietHoursEnd, "0")
	names := []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg"}
	for _, name := range names {
		f.enqueueFile(t, name, queue.SourceArchive)
	}

	// A manual run and a scheduled firing land at the same time; each
	// item must go out exactly once.
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.d.Run(ctx)
		errs <- err
	}()
	go func() {
		defer wg.Done()
		errs <- f.d.RunScheduled(ctx)
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent run: %v", err)
		}
	}

	seen := map[string]int{}
	for _, b := range f.pub.batches {
		for _, m := range b.media {
			seen[m]++
		}
	}
	for _, name := range names {
		if seen[name] != 1 {
			t.Fatalf("item %s published %d times (batches %v)", name, seen[name], f.pub.batches)
		}
	}
	if pending, _ := f.queue.CountPending(ctx); pending != 0 {
		t.Fatalf("pending = %d, want 0", pending)
	}
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "queue.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, logx.Nop())
}

func TestEnqueueDuplicateFingerprint(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, Insert{Locator: "a.jpg", Fingerprint: "fp-1", Source: SourceArchive})
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero id")
	}

	if _, err := s.Enqueue(ctx, Insert{Locator: "b.jpg", Fingerprint: "fp-1", Source: SourceFeed}); err != ErrDuplicate {
		t.Fatalf("second enqueue error = %v, want ErrDuplicate", err)
	}

	ok, err := s.HasFingerprint(ctx, "fp-1")
	if err != nil || !ok {
		t.Fatalf("HasFingerprint = %v, %v, want true", ok, err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, Insert{Locator: "x", Source: SourceArchive}); err == nil {
		t.Fatal("expected error for empty fingerprint")
	}
	if _, err := s.Enqueue(ctx, Insert{Locator: "x", Fingerprint: "fp", Source: Source("unknown")}); err == nil {
		t.Fatal("expected error for unknown source")
	}
}

func TestHasExternalPost(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, Insert{Locator: "f.jpg", Fingerprint: "fp-f", Source: SourceFeed, ExternalPostID: 4242}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ok, err := s.HasExternalPost(ctx, 4242)
	if err != nil || !ok {
		t.Fatalf("HasExternalPost(4242) = %v, %v, want true", ok, err)
	}
	ok, err = s.HasExternalPost(ctx, 9999)
	if err != nil || ok {
		t.Fatalf("HasExternalPost(9999) = %v, %v, want false", ok, err)
	}
}

func TestSelectBatchPriorityOrder(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	// Inserted deliberately out of tier order.
	arID, err := s.Enqueue(ctx, Insert{Locator: "archive.jpg", Fingerprint: "fp-a", Source: SourceArchive})
	if err != nil {
		t.Fatalf("enqueue archive: %v", err)
	}
	feedID, err := s.Enqueue(ctx, Insert{Locator: "feed.jpg", Fingerprint: "fp-b", Source: SourceFeed})
	if err != nil {
		t.Fatalf("enqueue feed: %v", err)
	}
	sg1, err := s.Enqueue(ctx, Insert{Locator: "s1.jpg", Fingerprint: "fp-c", Source: SourceSuggestion, Status: StatusApproved})
	if err != nil {
		t.Fatalf("enqueue suggestion: %v", err)
	}
	sg2, err := s.Enqueue(ctx, Insert{Locator: "s2.jpg", Fingerprint: "fp-d", Source: SourceSuggestion, Status: StatusApproved})
	if err != nil {
		t.Fatalf("enqueue suggestion: %v", err)
	}

	batch, err := s.SelectBatch(ctx, 10, OrderPriority)
	if err != nil {
		t.Fatalf("SelectBatch: %v", err)
	}
	want := []int64{sg1, sg2, feedID, arID}
	if len(batch) != len(want) {
		t.Fatalf("batch size = %d, want %d", len(batch), len(want))
	}
	for i, it := range batch {
		if it.ID != want[i] {
			t.Fatalf("batch[%d].ID = %d, want %d", i, it.ID, want[i])
		}
	}
}

func TestSelectBatchLimitAndExclude(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sg1, _ := s.Enqueue(ctx, Insert{Locator: "s1", Fingerprint: "fp-1", Source: SourceSuggestion})
	sg2, _ := s.Enqueue(ctx, Insert{Locator: "s2", Fingerprint: "fp-2", Source: SourceSuggestion})
	feedID, _ := s.Enqueue(ctx, Insert{Locator: "f1", Fingerprint: "fp-3", Source: SourceFeed})

	// Two suggestions plus one feed item: a batch of two takes the
	// suggestions in insertion order and leaves the feed item behind.
	batch, err := s.SelectBatch(ctx, 2, OrderPriority)
	if err != nil {
		t.Fatalf("SelectBatch: %v", err)
	}
	if len(batch) != 2 || batch[0].ID != sg1 || batch[1].ID != sg2 {
		t.Fatalf("batch = %+v, want suggestions %d,%d", batch, sg1, sg2)
	}

	// Excluding the suggestions pulls the feed item instead.
	batch, err = s.SelectBatch(ctx, 2, OrderPriority, sg1, sg2)
	if err != nil {
		t.Fatalf("SelectBatch with exclusions: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != feedID {
		t.Fatalf("batch = %+v, want only feed item %d", batch, feedID)
	}
}

func TestSelectBatchSkipsPosted(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	id1, _ := s.Enqueue(ctx, Insert{Locator: "a", Fingerprint: "fp-1", Source: SourceArchive})
	id2, _ := s.Enqueue(ctx, Insert{Locator: "b", Fingerprint: "fp-2", Source: SourceArchive})

	if err := s.MarkPosted(ctx, []int64{id1}); err != nil {
		t.Fatalf("MarkPosted: %v", err)
	}

	batch, err := s.SelectBatch(ctx, 10, OrderPriority)
	if err != nil {
		t.Fatalf("SelectBatch: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != id2 {
		t.Fatalf("batch = %+v, want only unposted item %d", batch, id2)
	}
}

func TestMarkPostedIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.Enqueue(ctx, Insert{Locator: "a", Fingerprint: "fp-1", Source: SourceArchive})

	if err := s.MarkPosted(ctx, []int64{id}); err != nil {
		t.Fatalf("first MarkPosted: %v", err)
	}
	if err := s.MarkPosted(ctx, []int64{id}); err != nil {
		t.Fatalf("second MarkPosted: %v", err)
	}

	it, ok, err := s.Get(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if !it.Posted {
		t.Fatal("item should remain posted")
	}
}

func TestRemoveAndCounts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	id1, _ := s.Enqueue(ctx, Insert{Locator: "a", Fingerprint: "fp-1", Source: SourceSuggestion})
	_, _ = s.Enqueue(ctx, Insert{Locator: "b", Fingerprint: "fp-2", Source: SourceArchive})
	id3, _ := s.Enqueue(ctx, Insert{Locator: "c", Fingerprint: "fp-3", Source: SourceArchive})

	if err := s.MarkPosted(ctx, []int64{id3}); err != nil {
		t.Fatalf("MarkPosted: %v", err)
	}
	if err := s.Remove(ctx, id1); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	pending, err := s.CountPending(ctx)
	if err != nil || pending != 1 {
		t.Fatalf("CountPending = %d, %v, want 1", pending, err)
	}
	posted, err := s.CountPosted(ctx)
	if err != nil || posted != 1 {
		t.Fatalf("CountPosted = %d, %v, want 1", posted, err)
	}

	bySource, err := s.CountBySource(ctx)
	if err != nil {
		t.Fatalf("CountBySource: %v", err)
	}
	if bySource[SourceArchive] != 1 || bySource[SourceSuggestion] != 0 {
		t.Fatalf("CountBySource = %v", bySource)
	}

	if _, ok, err := s.Get(ctx, id1); err != nil || ok {
		t.Fatalf("removed item still present: ok=%v err=%v", ok, err)
	}
}

func TestSelectBatchRandomDrawsAll(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ids := map[int64]bool{}
	for _, fp := range []string{"r1", "r2", "r3"} {
		id, err := s.Enqueue(ctx, Insert{Locator: fp, Fingerprint: fp, Source: SourceArchive})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids[id] = true
	}

	batch, err := s.SelectBatch(ctx, 3, OrderRandom)
	if err != nil {
		t.Fatalf("SelectBatch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	seen := map[int64]bool{}
	for _, it := range batch {
		if !ids[it.ID] {
			t.Fatalf("unexpected id %d", it.ID)
		}
		if seen[it.ID] {
			t.Fatalf("id %d drawn twice", it.ID)
		}
		seen[it.ID] = true
	}
}

func TestEnqueueConcurrentSameFingerprint(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	// Several ingesters race the same content; exactly one insert wins.
	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Enqueue(ctx, Insert{
				Locator:     fmt.Sprintf("copy-%d.jpg", i),
				Fingerprint: "fp-race",
				Source:      SourceFeed,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	inserted, duplicates := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			inserted++
		case errors.Is(err, ErrDuplicate):
			duplicates++
		default:
			t.Fatalf("unexpected enqueue error: %v", err)
		}
	}
	if inserted != 1 || duplicates != workers-1 {
		t.Fatalf("inserted = %d, duplicates = %d", inserted, duplicates)
	}
	if n, _ := s.CountPending(ctx); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
}

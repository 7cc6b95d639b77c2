package settings

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "postbot/pkg/logx"
)

// Store is the operator-mutable key/value configuration backed by the
// settings table. Reads go through an in-process snapshot refreshed
// lazily once it is older than the TTL, so another process's write may
// be invisible for up to one TTL. A writer's own Set updates the
// snapshot synchronously, keeping single-process read-after-write
// fresh.
type Store struct {
	db  *sql.DB
	log logx.Logger

	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	snapshot  map[string]string
	fetchedAt time.Time
}

const DefaultCacheTTL = 60 * time.Second

func NewStore(db *sql.DB, ttl time.Duration, log logx.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Store{
		db:  db,
		log: log.With(logx.String("comp", "settings")),
		ttl: ttl,
		now: time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Get returns the value for key, or def if the key does not exist.
func (s *Store) Get(ctx context.Context, key, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.snapshotLocked(ctx)
	if err != nil {
		s.log.Warn("settings read failed", logx.String("key", key), logx.Err(err))
		return def
	}
	v, ok := snap[key]
	if !ok {
		return def
	}
	return v
}

// GetInt parses the value as an integer, falling back to def on a
// missing key or malformed value.
func (s *Store) GetInt(ctx context.Context, key string, def int) int {
	raw := s.Get(ctx, key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return n
}

// GetBool treats "1", "true", "yes" and "on" as true (case-insensitive),
// "0", "false", "no" and "off" as false, anything else as def.
func (s *Store) GetBool(ctx context.Context, key string, def bool) bool {
	raw := strings.ToLower(strings.TrimSpace(s.Get(ctx, key, "")))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// Set persists the value and updates the local snapshot in the same
// critical section.
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	if err != nil {
		return err
	}
	if s.snapshot != nil {
		s.snapshot[key] = value
	}
	return nil
}

// Invalidate drops the snapshot so the next read hits the database.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.snapshot = nil
	s.mu.Unlock()
}

func (s *Store) snapshotLocked(ctx context.Context) (map[string]string, error) {
	if s.snapshot != nil && s.now().Sub(s.fetchedAt) < s.ttl {
		return s.snapshot, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		// Keep serving the stale snapshot if we have one.
		if s.snapshot != nil {
			return s.snapshot, nil
		}
		return nil, err
	}
	defer rows.Close()

	snap := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		snap[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.snapshot = snap
	s.fetchedAt = s.now()
	s.log.Trace("snapshot refreshed", logx.Int("keys", len(snap)))
	return snap, nil
}

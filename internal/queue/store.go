package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "postbot/pkg/logx"
)

// Store is the sqlite-backed content queue. The UNIQUE index on
// fingerprint makes Enqueue an atomic check-and-insert, so concurrent
// ingesters can never slip the same content in twice.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func NewStore(db *sql.DB, log logx.Logger) *Store {
	return &Store{db: db, log: log.With(logx.String("comp", "queue"))}
}

// Enqueue inserts a new item and returns its id. A fingerprint already
// present yields ErrDuplicate; the caller is responsible for discarding
// the redundant backing content.
func (s *Store) Enqueue(ctx context.Context, in Insert) (int64, error) {
	if strings.TrimSpace(in.Fingerprint) == "" {
		return 0, errors.New("queue: fingerprint is required")
	}
	if !in.Source.Valid() {
		return 0, fmt.Errorf("queue: unknown source %q", in.Source)
	}
	status := in.Status
	if status == "" {
		status = StatusPending
	}

	var extID any
	if in.ExternalPostID != 0 {
		extID = in.ExternalPostID
	}

	// INSERT OR IGNORE keeps uniqueness enforcement inside sqlite; a
	// zero rows-affected result is the duplicate signal.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO queue(locator, fingerprint, source, external_post_id, status, posted, created_at)
		 VALUES(?,?,?,?,?,0,?)`,
		in.Locator, in.Fingerprint, string(in.Source), extID, string(status),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrDuplicate
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.log.Debug("item enqueued",
		logx.Int64("id", id),
		logx.String("source", string(in.Source)),
	)
	return id, nil
}

// HasFingerprint reports whether content with this digest is already
// queued (posted or not).
func (s *Store) HasFingerprint(ctx context.Context, fp string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM queue WHERE fingerprint = ?`, fp).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// HasExternalPost reports whether an upstream post id was already
// ingested, letting the feed collaborator skip re-downloading it.
func (s *Store) HasExternalPost(ctx context.Context, postID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM queue WHERE external_post_id = ?`, postID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SelectBatch returns up to n unposted items. Priority order is source
// tier first (suggestions, then feed, then archive), oldest first
// within a tier; random order is a uniform sample. excludeIDs lets the
// dispatcher pull replacement candidates after dropping items with
// missing content.
func (s *Store) SelectBatch(ctx context.Context, n int, order Order, excludeIDs ...int64) ([]Item, error) {
	if n <= 0 {
		return nil, nil
	}

	var b strings.Builder
	b.WriteString(`SELECT id, locator, fingerprint, source, COALESCE(external_post_id, 0), status, posted, created_at
		 FROM queue
		 WHERE posted = 0 AND status IN ('pending','approved')`)

	args := make([]any, 0, len(excludeIDs)+1)
	if len(excludeIDs) > 0 {
		b.WriteString(" AND id NOT IN (")
		for i, id := range excludeIDs {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString("?")
			args = append(args, id)
		}
		b.WriteString(")")
	}

	switch order {
	case OrderRandom:
		b.WriteString(" ORDER BY RANDOM()")
	default:
		b.WriteString(` ORDER BY CASE source
			WHEN 'suggestion' THEN 1
			WHEN 'feed' THEN 2
			WHEN 'archive' THEN 3
			ELSE 4 END, created_at ASC, id ASC`)
	}
	b.WriteString(" LIMIT ?")
	args = append(args, n)

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkPosted flips posted=true for the given ids. Re-marking an
// already-posted id is a no-op.
func (s *Store) MarkPosted(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(`UPDATE queue SET posted = 1, status = 'approved' WHERE id IN (`)
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("?")
		args = append(args, id)
	}
	b.WriteString(")")
	_, err := s.db.ExecContext(ctx, b.String(), args...)
	return err
}

// Remove deletes an item outright. Used for consistency repair when
// backing content went missing, and by bulk moderation rejects.
func (s *Store) Remove(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id)
	return err
}

// Get fetches a single item by id.
func (s *Store) Get(ctx context.Context, id int64) (Item, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, locator, fingerprint, source, COALESCE(external_post_id, 0), status, posted, created_at
		 FROM queue WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	return it, true, nil
}

// CountPending returns how many items are still awaiting publish.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	return s.countWhere(ctx, `posted = 0 AND status IN ('pending','approved')`)
}

// CountPosted returns how many items have been published.
func (s *Store) CountPosted(ctx context.Context) (int, error) {
	return s.countWhere(ctx, `posted = 1`)
}

func (s *Store) countWhere(ctx context.Context, cond string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue WHERE `+cond).Scan(&n)
	return n, err
}

// CountBySource breaks pending counts down per source tier.
func (s *Store) CountBySource(ctx context.Context) (map[Source]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, COUNT(*) FROM queue
		 WHERE posted = 0 AND status IN ('pending','approved')
		 GROUP BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Source]int)
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return nil, err
		}
		out[Source(src)] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (Item, error) {
	var (
		it      Item
		src     string
		status  string
		posted  int
		created string
	)
	if err := r.Scan(&it.ID, &it.Locator, &it.Fingerprint, &src, &it.ExternalPostID, &status, &posted, &created); err != nil {
		return Item{}, err
	}
	it.Source = Source(src)
	it.Status = Status(status)
	it.Posted = posted != 0
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		it.CreatedAt = t
	}
	return it, nil
}

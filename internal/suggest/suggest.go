// Package suggest is the moderation staging area for user-submitted
// content. A suggestion lives in its own table until an admin approves
// it into the queue or rejects it; either way the staging row goes
// away.
package suggest

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"postbot/internal/content"
	"postbot/internal/queue"
	logx "postbot/pkg/logx"
)

// ErrNotFound reports an unknown suggestion id.
var ErrNotFound = errors.New("suggest: not found")

type Suggestion struct {
	ID        int64
	Locator   string
	UserID    int64
	Username  string
	CreatedAt time.Time
}

type Store struct {
	db       *sql.DB
	queue    *queue.Store
	resolver content.Resolver
	log      logx.Logger
}

func NewStore(db *sql.DB, q *queue.Store, resolver content.Resolver, log logx.Logger) *Store {
	return &Store{
		db:       db,
		queue:    q,
		resolver: resolver,
		log:      log.With(logx.String("comp", "suggest")),
	}
}

// Add stages a new suggestion. The content must already be resolvable;
// staging a dangling locator would only surface as a repair later.
func (s *Store) Add(ctx context.Context, locator string, userID int64, username string) (int64, error) {
	if !s.resolver.Exists(locator) {
		return 0, content.ErrMissing
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_suggestions(locator, user_id, username, created_at) VALUES(?,?,?,?)`,
		locator, userID, username, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// List returns staged suggestions, oldest first.
func (s *Store) List(ctx context.Context) ([]Suggestion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, locator, COALESCE(user_id, 0), COALESCE(username, ''), created_at
		 FROM pending_suggestions ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Suggestion
	for rows.Next() {
		var sg Suggestion
		var created string
		if err := rows.Scan(&sg.ID, &sg.Locator, &sg.UserID, &sg.Username, &created); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			sg.CreatedAt = t
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_suggestions`).Scan(&n)
	return n, err
}

func (s *Store) get(ctx context.Context, id int64) (Suggestion, error) {
	var sg Suggestion
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, locator, COALESCE(user_id, 0), COALESCE(username, ''), created_at
		 FROM pending_suggestions WHERE id = ?`, id).
		Scan(&sg.ID, &sg.Locator, &sg.UserID, &sg.Username, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Suggestion{}, ErrNotFound
	}
	if err != nil {
		return Suggestion{}, err
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		sg.CreatedAt = t
	}
	return sg, nil
}

func (s *Store) removeRow(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_suggestions WHERE id = ?`, id)
	return err
}

// Approve moves a suggestion into the queue. Content that duplicates
// an existing queue item is discarded and the staging row removed; the
// approval reports false in that case. Missing backing content removes
// the stale row as a consistency repair.
func (s *Store) Approve(ctx context.Context, id int64) (bool, error) {
	sg, err := s.get(ctx, id)
	if err != nil {
		return false, err
	}

	rc, err := s.resolver.Open(sg.Locator)
	if errors.Is(err, content.ErrMissing) {
		s.log.Warn("suggestion content missing, removing", logx.Int64("id", id))
		return false, s.removeRow(ctx, id)
	}
	if err != nil {
		return false, err
	}
	fp, err := queue.Fingerprint(rc)
	_ = rc.Close()
	if err != nil {
		return false, err
	}

	_, err = s.queue.Enqueue(ctx, queue.Insert{
		Locator:     sg.Locator,
		Fingerprint: fp,
		Source:      queue.SourceSuggestion,
		Status:      queue.StatusApproved,
	})
	if errors.Is(err, queue.ErrDuplicate) {
		if derr := s.resolver.Discard(sg.Locator); derr != nil {
			s.log.Warn("discard of duplicate content failed", logx.String("locator", sg.Locator), logx.Err(derr))
		}
		return false, s.removeRow(ctx, id)
	}
	if err != nil {
		return false, err
	}
	return true, s.removeRow(ctx, id)
}

// Reject discards the backing content and removes the staging row.
func (s *Store) Reject(ctx context.Context, id int64) error {
	sg, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.resolver.Discard(sg.Locator); err != nil {
		s.log.Warn("discard of rejected content failed", logx.String("locator", sg.Locator), logx.Err(err))
	}
	return s.removeRow(ctx, id)
}

// ApproveAll approves every staged suggestion, returning how many were
// enqueued and how many were skipped as duplicates or missing.
func (s *Store) ApproveAll(ctx context.Context) (approved, skipped int, err error) {
	list, err := s.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, sg := range list {
		ok, err := s.Approve(ctx, sg.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return approved, skipped, err
		}
		if ok {
			approved++
		} else {
			skipped++
		}
	}
	return approved, skipped, nil
}

// RejectAll rejects every staged suggestion.
func (s *Store) RejectAll(ctx context.Context) (int, error) {
	list, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sg := range list {
		if err := s.Reject(ctx, sg.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return n, err
		}
		n++
	}
	return n, nil
}

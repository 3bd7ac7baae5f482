package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/liquiditylab/aggbook/internal/domain"
)

// SessionStore implements domain.SessionStore using PostgreSQL.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a new SessionStore backed by the given pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

const sessionColumns = `id, venue, symbol, started_at, ended_at, end_reason,
	snapshots, diffs, gaps`

// Create persists a new feed session row.
func (s *SessionStore) Create(ctx context.Context, fs domain.FeedSession) error {
	const query = `
		INSERT INTO feed_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.pool.Exec(ctx, query,
		fs.ID, string(fs.Venue), fs.Symbol, fs.StartedAt, fs.EndedAt,
		fs.EndReason, fs.Snapshots, fs.Diffs, fs.Gaps,
	)
	if err != nil {
		return fmt.Errorf("postgres: create feed session %s: %w", fs.ID, err)
	}
	return nil
}

// End marks a session as finished with the given reason.
func (s *SessionStore) End(ctx context.Context, id, reason string, at time.Time) error {
	const query = `UPDATE feed_sessions SET ended_at = $2, end_reason = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, at, reason)
	if err != nil {
		return fmt.Errorf("postgres: end feed session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AddCounts increments a session's snapshot/diff/gap counters.
func (s *SessionStore) AddCounts(ctx context.Context, id string, snapshots, diffs, gaps int64) error {
	const query = `
		UPDATE feed_sessions
		SET snapshots = snapshots + $2, diffs = diffs + $3, gaps = gaps + $4
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, snapshots, diffs, gaps)
	if err != nil {
		return fmt.Errorf("postgres: add counts to feed session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns one session by its ID, or domain.ErrNotFound.
func (s *SessionStore) GetByID(ctx context.Context, id string) (domain.FeedSession, error) {
	const query = `SELECT ` + sessionColumns + ` FROM feed_sessions WHERE id = $1`
	fs, err := scanSession(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.FeedSession{}, domain.ErrNotFound
		}
		return domain.FeedSession{}, fmt.Errorf("postgres: get feed session %s: %w", id, err)
	}
	return fs, nil
}

// ListRecent returns a venue's sessions, newest first.
func (s *SessionStore) ListRecent(ctx context.Context, venue domain.Venue, limit int) ([]domain.FeedSession, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT ` + sessionColumns + `
		FROM feed_sessions WHERE venue = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, string(venue), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list feed sessions %s: %w", venue, err)
	}
	defer rows.Close()

	var out []domain.FeedSession
	for rows.Next() {
		fs, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan feed session: %w", err)
		}
		out = append(out, fs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: feed session rows: %w", err)
	}
	return out, nil
}

// DeleteBefore removes sessions that ended before the cutoff and returns how
// many rows were deleted. Open sessions are never deleted.
func (s *SessionStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM feed_sessions WHERE ended_at IS NOT NULL AND ended_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete feed sessions before cutoff: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row rowScanner) (domain.FeedSession, error) {
	var fs domain.FeedSession
	var venue string
	err := row.Scan(
		&fs.ID, &venue, &fs.Symbol, &fs.StartedAt, &fs.EndedAt,
		&fs.EndReason, &fs.Snapshots, &fs.Diffs, &fs.Gaps,
	)
	if err != nil {
		return domain.FeedSession{}, err
	}
	fs.Venue = domain.Venue(venue)
	return fs, nil
}

// Compile-time interface check.
var _ domain.SessionStore = (*SessionStore)(nil)

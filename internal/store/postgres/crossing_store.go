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

// CrossingStore implements domain.CrossingStore using PostgreSQL.
type CrossingStore struct {
	pool *pgxpool.Pool
}

// NewCrossingStore creates a new CrossingStore backed by the given pool.
func NewCrossingStore(pool *pgxpool.Pool) *CrossingStore {
	return &CrossingStore{pool: pool}
}

const crossingColumns = `id, symbol, bid_price, ask_price, bid_size, ask_size,
	bid_venues, ask_venues, spread_bps, overlap_usd, observed_at`

// Insert persists one crossing observation.
func (s *CrossingStore) Insert(ctx context.Context, c domain.Crossing) error {
	const query = `
		INSERT INTO crossings (` + crossingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.pool.Exec(ctx, query,
		c.ID, c.Symbol, c.BidPrice, c.AskPrice, c.BidSize, c.AskSize,
		venueStrings(c.BidVenues), venueStrings(c.AskVenues),
		c.SpreadBps, c.OverlapUSD, c.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert crossing %s: %w", c.ID, err)
	}
	return nil
}

// GetByID returns one crossing by its ID, or domain.ErrNotFound.
func (s *CrossingStore) GetByID(ctx context.Context, id string) (domain.Crossing, error) {
	const query = `SELECT ` + crossingColumns + ` FROM crossings WHERE id = $1`
	c, err := scanCrossing(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Crossing{}, domain.ErrNotFound
		}
		return domain.Crossing{}, fmt.Errorf("postgres: get crossing %s: %w", id, err)
	}
	return c, nil
}

// ListRecent returns the most recent crossings, newest first.
func (s *CrossingStore) ListRecent(ctx context.Context, limit int) ([]domain.Crossing, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT ` + crossingColumns + `
		FROM crossings ORDER BY observed_at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent crossings: %w", err)
	}
	defer rows.Close()
	return collectCrossings(rows)
}

// ListByVenue returns crossings in which venue quoted either crossing side.
func (s *CrossingStore) ListByVenue(ctx context.Context, venue domain.Venue, opts domain.ListOpts) ([]domain.Crossing, error) {
	query := `SELECT ` + crossingColumns + `
		FROM crossings WHERE ($1 = ANY(bid_venues) OR $1 = ANY(ask_venues))`
	args := []any{string(venue)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND observed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND observed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY observed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list crossings by venue %s: %w", venue, err)
	}
	defer rows.Close()
	return collectCrossings(rows)
}

// Count returns the total number of stored crossings.
func (s *CrossingStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM crossings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count crossings: %w", err)
	}
	return n, nil
}

// DeleteBefore removes crossings observed before the cutoff and returns how
// many rows were deleted. Used by the archiver after a successful upload.
func (s *CrossingStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM crossings WHERE observed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete crossings before cutoff: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCrossing(row rowScanner) (domain.Crossing, error) {
	var c domain.Crossing
	var bidVenues, askVenues []string
	err := row.Scan(
		&c.ID, &c.Symbol, &c.BidPrice, &c.AskPrice, &c.BidSize, &c.AskSize,
		&bidVenues, &askVenues, &c.SpreadBps, &c.OverlapUSD, &c.ObservedAt,
	)
	if err != nil {
		return domain.Crossing{}, err
	}
	c.BidVenues = toVenues(bidVenues)
	c.AskVenues = toVenues(askVenues)
	return c, nil
}

func collectCrossings(rows pgx.Rows) ([]domain.Crossing, error) {
	var out []domain.Crossing
	for rows.Next() {
		c, err := scanCrossing(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan crossing: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: crossing rows: %w", err)
	}
	return out, nil
}

func venueStrings(vs []domain.Venue) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v)
	}
	return out
}

func toVenues(ss []string) []domain.Venue {
	out := make([]domain.Venue, len(ss))
	for i, s := range ss {
		out[i] = domain.Venue(s)
	}
	return out
}

// Compile-time interface check.
var _ domain.CrossingStore = (*CrossingStore)(nil)

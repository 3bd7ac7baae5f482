package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// CrossingStore persists observed crossed-book conditions.
type CrossingStore interface {
	Insert(ctx context.Context, c Crossing) error
	GetByID(ctx context.Context, id string) (Crossing, error)
	ListRecent(ctx context.Context, limit int) ([]Crossing, error)
	ListByVenue(ctx context.Context, venue Venue, opts ListOpts) ([]Crossing, error)
	Count(ctx context.Context) (int64, error)
}

// SessionStore persists venue feed sessions.
type SessionStore interface {
	Create(ctx context.Context, s FeedSession) error
	End(ctx context.Context, id, reason string, at time.Time) error
	AddCounts(ctx context.Context, id string, snapshots, diffs, gaps int64) error
	GetByID(ctx context.Context, id string) (FeedSession, error)
	ListRecent(ctx context.Context, venue Venue, limit int) ([]FeedSession, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

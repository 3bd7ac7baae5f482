package domain

import (
	"context"
	"time"
)

// RateCache persists quote-currency USD rates so a restart can warm the
// converter without waiting on the rate source.
type RateCache interface {
	SetRate(ctx context.Context, currency string, rate float64, ts time.Time) error
	GetRate(ctx context.Context, currency string) (float64, time.Time, error)
}

// BookMirror stores live orderbook state for out-of-process readers.
type BookMirror interface {
	SetSnapshot(ctx context.Context, venue Venue, snap BookSnapshot) error
	GetSnapshot(ctx context.Context, venue Venue) (BookSnapshot, error)
	UpdateLevel(ctx context.Context, venue Venue, side Side, price, size float64) error
	GetBBO(ctx context.Context, venue Venue) (BBO, error)
	SetAggregate(ctx context.Context, symbol string, bids, asks []DepthLevel) error
	ClearVenue(ctx context.Context, venue Venue) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus provides pub/sub and durable streams.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

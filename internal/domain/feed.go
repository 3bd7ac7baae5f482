package domain

import "context"

// FeedMessage is one message from a venue stream: either a full book
// replacement or a diff batch. Exactly one field is set. Venues that open
// their stream with an in-band snapshot (okx books, coinbase level2)
// deliver it here; diff-only streams (binance) never set Snapshot.
type FeedMessage struct {
	Snapshot *BookSnapshot
	Diff     *BookDiff
}

// BookSource is one venue's feed adapter: a REST snapshot plus a streaming
// feed, already parsed and sequence-checked. The core trusts the ordering a
// source delivers; a source that detects a gap returns an error wrapping
// ErrSequenceGap and the runner resyncs from a fresh snapshot.
type BookSource interface {
	// Venue returns the identity this source feeds.
	Venue() Venue

	// Snapshot fetches the current full book up to depth levels per side.
	Snapshot(ctx context.Context, depth int) (BookSnapshot, error)

	// Stream delivers feed messages on out until the context ends or the
	// connection breaks. It blocks for the life of the stream. A clean
	// context cancellation returns ctx.Err(); a broken connection returns
	// an error wrapping ErrWSDisconnect; a detected sequence gap returns
	// an error wrapping ErrSequenceGap.
	Stream(ctx context.Context, out chan<- FeedMessage) error
}

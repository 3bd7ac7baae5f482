// Package feed runs one connection loop per venue: REST snapshot, stream
// consumption, and resync with backoff when the stream breaks.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/liquiditylab/aggbook/internal/domain"
	"github.com/liquiditylab/aggbook/internal/metrics"
)

// errResyncRequested ends a session when an operator forces a resync.
var errResyncRequested = errors.New("resync requested")

// snapshotRateLimit caps REST snapshot fetches per venue so a crash loop
// cannot hammer the venue API.
const (
	snapshotRateLimit  = 6
	snapshotRateWindow = time.Minute
)

// Sink consumes the messages a Runner produces. BookService is the
// production implementation.
type Sink interface {
	HandleSnapshot(ctx context.Context, snap domain.BookSnapshot) error
	HandleDiff(ctx context.Context, diff domain.BookDiff) error
	MarkResyncing(ctx context.Context, venue domain.Venue) error
}

// Runner owns the feed lifecycle for a single venue: fetch a snapshot,
// consume the stream, and on any failure mark the venue resyncing and
// start over with backoff. Sequence-gap detection lives in the venue
// sources; the Runner only reacts to the errors they return.
type Runner struct {
	source   domain.BookSource
	sink     Sink
	sessions domain.SessionStore
	limiter  domain.RateLimiter
	metrics  *metrics.Metrics
	logger   *slog.Logger

	snapshotDepth int
	resync        chan struct{}
}

// NewRunner creates a Runner. sessions and limiter may be nil; session
// accounting and snapshot pacing are then skipped.
func NewRunner(source domain.BookSource, sink Sink, sessions domain.SessionStore, limiter domain.RateLimiter, m *metrics.Metrics, snapshotDepth int, logger *slog.Logger) *Runner {
	return &Runner{
		source:   source,
		sink:     sink,
		sessions: sessions,
		limiter:  limiter,
		metrics:  m,
		logger: logger.With(
			slog.String("component", "feed_runner"),
			slog.String("venue", string(source.Venue())),
		),
		snapshotDepth: snapshotDepth,
		resync:        make(chan struct{}, 1),
	}
}

// Venue returns the venue this runner feeds.
func (r *Runner) Venue() domain.Venue {
	return r.source.Venue()
}

// TriggerResync asks the runner to drop its current session and refetch
// a snapshot. Non-blocking; a pending trigger is not duplicated.
func (r *Runner) TriggerResync() {
	select {
	case r.resync <- struct{}{}:
	default:
	}
}

// Run loops sessions until ctx is cancelled. Backoff resets after a
// session that survived long enough to be considered healthy.
func (r *Runner) Run(ctx context.Context) error {
	bo := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Jitter: true,
	}
	r.logger.Info("feed runner started")
	defer r.logger.Info("feed runner stopped")

	for {
		started := time.Now()
		err := r.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		reason := endReason(err)
		r.metrics.ReconnectsTotal.WithLabelValues(string(r.Venue()), reason).Inc()
		if time.Since(started) > time.Minute {
			bo.Reset()
		}
		delay := bo.Duration()
		r.logger.Warn("feed session ended, reconnecting",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runSession is one snapshot-then-stream cycle. It always returns a
// non-nil error unless ctx ended.
func (r *Runner) runSession(ctx context.Context) error {
	venue := r.Venue()

	if err := r.sink.MarkResyncing(ctx, venue); err != nil {
		r.logger.Warn("mark resyncing failed", slog.String("error", err.Error()))
	}
	if err := r.waitSnapshotBudget(ctx, venue); err != nil {
		return err
	}

	snap, err := r.source.Snapshot(ctx, r.snapshotDepth)
	if err != nil {
		return err
	}
	if err := r.sink.HandleSnapshot(ctx, snap); err != nil {
		return err
	}
	r.metrics.SnapshotsTotal.WithLabelValues(string(venue)).Inc()

	sessionID := uuid.NewString()
	counts := sessionCounts{snapshots: 1}
	if r.sessions != nil {
		if err := r.sessions.Create(ctx, domain.FeedSession{
			ID:        sessionID,
			Venue:     venue,
			Symbol:    snap.Symbol,
			StartedAt: time.Now(),
		}); err != nil {
			r.logger.Warn("session create failed", slog.String("error", err.Error()))
		}
	}

	err = r.consumeStream(ctx, &counts)
	r.endSession(sessionID, counts, err)
	return err
}

type sessionCounts struct {
	snapshots int64
	diffs     int64
	gaps      int64
}

func (r *Runner) consumeStream(ctx context.Context, counts *sessionCounts) error {
	venue := r.Venue()
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan domain.FeedMessage, 256)
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- r.source.Stream(streamCtx, msgs)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-r.resync:
			r.metrics.ResyncsTotal.WithLabelValues(string(venue)).Inc()
			return errResyncRequested

		case err := <-streamErr:
			if err == nil {
				err = domain.ErrWSDisconnect
			}
			if errors.Is(err, domain.ErrSequenceGap) {
				counts.gaps++
				r.metrics.GapsTotal.WithLabelValues(string(venue)).Inc()
			}
			return err

		case msg := <-msgs:
			start := time.Now()
			switch {
			case msg.Snapshot != nil:
				if err := r.sink.HandleSnapshot(ctx, *msg.Snapshot); err != nil {
					return err
				}
				counts.snapshots++
				r.metrics.SnapshotsTotal.WithLabelValues(string(venue)).Inc()
			case msg.Diff != nil:
				err := r.sink.HandleDiff(ctx, *msg.Diff)
				if errors.Is(err, domain.ErrNoSnapshot) {
					// Update arrived before any snapshot landed; the
					// only recovery is a fresh snapshot.
					counts.gaps++
					r.metrics.GapsTotal.WithLabelValues(string(venue)).Inc()
					return err
				}
				if err != nil {
					return err
				}
				counts.diffs++
				r.metrics.UpdatesTotal.WithLabelValues(string(venue)).Inc()
			default:
				continue
			}
			r.metrics.UpdateLatencyMs.WithLabelValues(string(venue)).
				Observe(float64(time.Since(start).Microseconds()) / 1000.0)
		}
	}
}

// endSession writes final counts and the end reason. Session bookkeeping
// must not block shutdown, so it runs on a short detached context.
func (r *Runner) endSession(id string, counts sessionCounts, cause error) {
	if r.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.sessions.AddCounts(ctx, id, counts.snapshots, counts.diffs, counts.gaps); err != nil {
		r.logger.Warn("session counts failed", slog.String("error", err.Error()))
	}
	if err := r.sessions.End(ctx, id, endReason(cause), time.Now()); err != nil {
		r.logger.Warn("session end failed", slog.String("error", err.Error()))
	}
}

// waitSnapshotBudget blocks until the distributed limiter admits a
// snapshot fetch for this venue.
func (r *Runner) waitSnapshotBudget(ctx context.Context, venue domain.Venue) error {
	if r.limiter == nil {
		return nil
	}
	key := "feed:snapshot:" + string(venue)
	for {
		allowed, err := r.limiter.Allow(ctx, key, snapshotRateLimit, snapshotRateWindow)
		if err != nil {
			// Limiter trouble should not stall the feed.
			r.logger.Warn("snapshot limiter failed", slog.String("error", err.Error()))
			return nil
		}
		if allowed {
			return nil
		}
		r.logger.Debug("snapshot fetch rate limited, waiting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func endReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "shutdown"
	case errors.Is(err, errResyncRequested):
		return "resync"
	case errors.Is(err, domain.ErrSequenceGap):
		return "gap"
	case errors.Is(err, domain.ErrNoSnapshot):
		return "no_snapshot"
	case errors.Is(err, domain.ErrWSDisconnect):
		return "disconnect"
	default:
		return "error"
	}
}

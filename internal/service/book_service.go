package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/liquiditylab/aggbook/internal/book"
	"github.com/liquiditylab/aggbook/internal/domain"
	"github.com/liquiditylab/aggbook/internal/metrics"
)

// aggMirrorInterval throttles aggregate writes to the book mirror; diffs
// arrive far faster than out-of-process readers need.
const aggMirrorInterval = time.Second

// BookService routes venue feed messages into the book manager and fans
// the results out: the Redis mirror for out-of-process readers, the event
// bus for the crossing detector and WebSocket hub, and Prometheus gauges.
type BookService struct {
	manager  *book.Manager
	mirror   domain.BookMirror
	bus      domain.EventBus
	metrics  *metrics.Metrics
	aggDepth int
	logger   *slog.Logger

	mu            sync.Mutex
	lastAggMirror time.Time
}

// NewBookService creates a BookService. mirror and bus may be nil in
// reduced modes; the corresponding fan-out is then skipped.
func NewBookService(
	manager *book.Manager,
	mirror domain.BookMirror,
	bus domain.EventBus,
	m *metrics.Metrics,
	aggDepth int,
	logger *slog.Logger,
) *BookService {
	return &BookService{
		manager:  manager,
		mirror:   mirror,
		bus:      bus,
		metrics:  m,
		aggDepth: aggDepth,
		logger:   logger,
	}
}

// HandleSnapshot replaces a venue's book and re-publishes derived state.
// The manager's observational conditions are absorbed here: a stale rate
// defers the venue's aggregate fold, a crossed aggregate rides into the
// published event. Neither ends the feed session.
func (s *BookService) HandleSnapshot(ctx context.Context, snap domain.BookSnapshot) error {
	if err := s.manager.ApplySnapshot(snap); err != nil {
		switch {
		case errors.Is(err, domain.ErrRateStale):
			// Book half installed; the refresher refolds the venue into
			// the aggregate once a fresh rate lands.
			s.logger.WarnContext(ctx, "book_service: aggregate fold deferred, rate stale",
				slog.String("venue", string(snap.Venue)),
			)
		case errors.Is(err, domain.ErrCrossedBook):
			// The event below carries the crossed flag; recording the
			// observation is the detector's call.
		default:
			return fmt.Errorf("book_service: apply snapshot %s: %w", snap.Venue, err)
		}
	}

	if s.mirror != nil {
		if err := s.mirror.SetSnapshot(ctx, snap.Venue, snap); err != nil {
			s.logger.WarnContext(ctx, "book_service: mirror snapshot failed",
				slog.String("venue", string(snap.Venue)),
				slog.String("error", err.Error()),
			)
		}
		s.mirrorAggregate(ctx, true)
	}

	s.publishBookEvent(ctx, snap.Venue, domain.BookEventSnapshot)
	s.updateGauges(snap.Venue)
	return nil
}

// HandleDiff applies an incremental update and re-publishes derived state.
// Stale-rate deferral and the crossed condition are absorbed the same way
// as HandleSnapshot; diffs arrive too often to warn on every one.
func (s *BookService) HandleDiff(ctx context.Context, diff domain.BookDiff) error {
	if err := s.manager.ApplyDiff(diff); err != nil {
		switch {
		case errors.Is(err, domain.ErrRateStale):
			s.logger.DebugContext(ctx, "book_service: aggregate fold deferred, rate stale",
				slog.String("venue", string(diff.Venue)),
			)
		case errors.Is(err, domain.ErrCrossedBook):
		default:
			return fmt.Errorf("book_service: apply diff %s: %w", diff.Venue, err)
		}
	}

	if s.mirror != nil {
		for _, lv := range diff.Bids {
			if err := s.mirror.UpdateLevel(ctx, diff.Venue, domain.SideBid, lv.Price, lv.Size); err != nil {
				s.logger.WarnContext(ctx, "book_service: mirror level failed",
					slog.String("venue", string(diff.Venue)),
					slog.String("error", err.Error()),
				)
				break
			}
		}
		for _, lv := range diff.Asks {
			if err := s.mirror.UpdateLevel(ctx, diff.Venue, domain.SideAsk, lv.Price, lv.Size); err != nil {
				s.logger.WarnContext(ctx, "book_service: mirror level failed",
					slog.String("venue", string(diff.Venue)),
					slog.String("error", err.Error()),
				)
				break
			}
		}
		s.mirrorAggregate(ctx, false)
	}

	s.publishBookEvent(ctx, diff.Venue, domain.BookEventDiff)
	s.updateGauges(diff.Venue)
	return nil
}

// MarkResyncing flips the venue back to snapshotted-pending state and
// clears its mirror so readers do not act on a book known to be stale.
func (s *BookService) MarkResyncing(ctx context.Context, venue domain.Venue) error {
	if err := s.manager.ResyncVenue(venue); err != nil {
		return fmt.Errorf("book_service: resync %s: %w", venue, err)
	}
	if s.mirror != nil {
		if err := s.mirror.ClearVenue(ctx, venue); err != nil {
			s.logger.WarnContext(ctx, "book_service: mirror clear failed",
				slog.String("venue", string(venue)),
				slog.String("error", err.Error()),
			)
		}
	}
	s.publishBookEvent(ctx, venue, domain.BookEventResync)
	return nil
}

// mirrorAggregate writes the folded aggregate to the mirror, at most once
// per aggMirrorInterval unless forced.
func (s *BookService) mirrorAggregate(ctx context.Context, force bool) {
	s.mu.Lock()
	due := force || time.Since(s.lastAggMirror) >= aggMirrorInterval
	if due {
		s.lastAggMirror = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}

	// Depth 0 means the whole book, same as the manager's fold depth.
	var bids, asks []domain.DepthLevel
	if s.aggDepth <= 0 {
		bids, asks = s.manager.AggregatedDepthAll()
	} else {
		bids, asks = s.manager.AggregatedDepth(s.aggDepth)
	}
	if err := s.mirror.SetAggregate(ctx, s.manager.Symbol(), bids, asks); err != nil {
		s.logger.WarnContext(ctx, "book_service: mirror aggregate failed",
			slog.String("error", err.Error()),
		)
	}
}

func (s *BookService) publishBookEvent(ctx context.Context, venue domain.Venue, kind domain.BookEventKind) {
	if s.bus == nil {
		return
	}
	ev := domain.BookEvent{
		Venue:     venue,
		Symbol:    s.manager.Symbol(),
		Kind:      kind,
		Crossed:   s.manager.Crossed(),
		Timestamp: time.Now(),
	}
	if bbo, err := s.manager.VenueBBO(venue); err == nil {
		ev.BestBid = bbo.BidPrice
		ev.BestAsk = bbo.AskPrice
	}
	agg := s.manager.AggregatedBBO()
	ev.AggBestBid = agg.BidPrice
	ev.AggBestAsk = agg.AskPrice

	payload, _ := json.Marshal(ev)
	if err := s.bus.Publish(ctx, "books", payload); err != nil {
		s.logger.WarnContext(ctx, "book_service: publish book event failed",
			slog.String("venue", string(venue)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *BookService) updateGauges(venue domain.Venue) {
	if s.metrics == nil {
		return
	}
	if bbo, err := s.manager.VenueBBO(venue); err == nil {
		s.metrics.BestBid.WithLabelValues(string(venue)).Set(bbo.BidPrice)
		s.metrics.BestAsk.WithLabelValues(string(venue)).Set(bbo.AskPrice)
	}
	agg := s.manager.AggregatedBBO()
	s.metrics.AggBestBid.Set(agg.BidPrice)
	s.metrics.AggBestAsk.Set(agg.AskPrice)
}

// Symbol returns the aggregate symbol being tracked.
func (s *BookService) Symbol() string {
	return s.manager.Symbol()
}

// VenueDepth returns the top n levels of one venue's book, USD-quantized.
func (s *BookService) VenueDepth(venue domain.Venue, n int) (bids, asks []domain.PriceLevel, err error) {
	bids, asks, err = s.manager.VenueDepth(venue, n)
	if err != nil {
		return nil, nil, fmt.Errorf("book_service: depth %s: %w", venue, err)
	}
	return bids, asks, nil
}

// VenueBBO returns one venue's best bid and offer.
func (s *BookService) VenueBBO(venue domain.Venue) (domain.BBO, error) {
	bbo, err := s.manager.VenueBBO(venue)
	if err != nil {
		return domain.BBO{}, fmt.Errorf("book_service: bbo %s: %w", venue, err)
	}
	return bbo, nil
}

// AggregateDepth returns the top n folded levels with venue attribution.
func (s *BookService) AggregateDepth(n int) (bids, asks []domain.DepthLevel) {
	return s.manager.AggregatedDepth(n)
}

// AggregateBBO returns the cross-venue best bid and offer.
func (s *BookService) AggregateBBO() domain.BBO {
	return s.manager.AggregatedBBO()
}

// BestSources returns the venues quoting at the aggregate best levels.
func (s *BookService) BestSources() (bidVenues, askVenues []domain.Venue) {
	return s.manager.BestSources()
}

// Crossed reports whether the aggregate book is currently crossed.
func (s *BookService) Crossed() bool {
	return s.manager.Crossed()
}

// VenueMetrics returns per-venue book statistics.
func (s *BookService) VenueMetrics() map[domain.Venue]domain.VenueMetrics {
	return s.manager.Metrics()
}

// VenueStates returns each venue's feed state.
func (s *BookService) VenueStates() map[domain.Venue]domain.BookState {
	return s.manager.VenueStates()
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/liquiditylab/aggbook/internal/domain"
	"github.com/liquiditylab/aggbook/internal/metrics"
	"github.com/liquiditylab/aggbook/internal/notify"
)

// CrossingService records observed crossed-book conditions: persists them,
// publishes them for downstream consumers, audits them, and pings the
// notifier. Detection itself lives in the crossing package.
type CrossingService struct {
	store    domain.CrossingStore
	bus      domain.EventBus
	audit    domain.AuditStore
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewCrossingService creates a CrossingService. audit and notifier may be
// nil; those side effects are then skipped.
func NewCrossingService(
	store domain.CrossingStore,
	bus domain.EventBus,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) *CrossingService {
	return &CrossingService{
		store:    store,
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
	}
}

// Record persists a crossing and fans it out. Persistence failure is the
// only fatal path; publish, audit, and notify failures are logged and
// swallowed so a flaky side channel cannot drop the record.
func (s *CrossingService) Record(ctx context.Context, c domain.Crossing) error {
	if err := s.store.Insert(ctx, c); err != nil {
		return fmt.Errorf("crossing_service: insert %q: %w", c.ID, err)
	}
	if s.metrics != nil {
		s.metrics.CrossingsTotal.Inc()
	}

	ev := domain.CrossingEvent{
		ID:        c.ID,
		Symbol:    c.Symbol,
		BidPrice:  c.BidPrice,
		AskPrice:  c.AskPrice,
		BidSize:   c.BidSize,
		AskSize:   c.AskSize,
		BidVenues: c.BidVenues,
		AskVenues: c.AskVenues,
		SpreadBps: c.SpreadBps,
		Timestamp: c.ObservedAt,
	}
	payload, _ := json.Marshal(ev)
	if err := s.bus.Publish(ctx, "crossings", payload); err != nil {
		s.logger.WarnContext(ctx, "crossing_service: publish failed",
			slog.String("id", c.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, "crossings", payload); err != nil {
		s.logger.WarnContext(ctx, "crossing_service: stream append failed",
			slog.String("id", c.ID),
			slog.String("error", err.Error()),
		)
	}

	if s.audit != nil {
		if err := s.audit.Log(ctx, "crossing_recorded", map[string]any{
			"id":          c.ID,
			"symbol":      c.Symbol,
			"bid_price":   c.BidPrice,
			"ask_price":   c.AskPrice,
			"spread_bps":  c.SpreadBps,
			"overlap_usd": c.OverlapUSD,
		}); err != nil {
			s.logger.WarnContext(ctx, "crossing_service: audit log failed",
				slog.String("id", c.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.notifier != nil {
		msg := fmt.Sprintf("Crossed book on %s: bid %.2f (%v) >= ask %.2f (%v), %.1f bps",
			c.Symbol, c.BidPrice, c.BidVenues, c.AskPrice, c.AskVenues, -c.SpreadBps)
		if err := s.notifier.Notify(ctx, notify.EventCrossedBook, "Crossed book", msg); err != nil {
			s.logger.WarnContext(ctx, "crossing_service: notify failed",
				slog.String("id", c.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "crossing_service: crossing recorded",
		slog.String("id", c.ID),
		slog.Float64("bid", c.BidPrice),
		slog.Float64("ask", c.AskPrice),
		slog.Float64("spread_bps", c.SpreadBps),
	)
	return nil
}

// ListRecent returns the most recent crossings up to limit.
func (s *CrossingService) ListRecent(ctx context.Context, limit int) ([]domain.Crossing, error) {
	out, err := s.store.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("crossing_service: list recent: %w", err)
	}
	return out, nil
}

// ListByVenue returns crossings where the given venue sat on either side.
func (s *CrossingService) ListByVenue(ctx context.Context, venue domain.Venue, opts domain.ListOpts) ([]domain.Crossing, error) {
	out, err := s.store.ListByVenue(ctx, venue, opts)
	if err != nil {
		return nil, fmt.Errorf("crossing_service: list by venue %s: %w", venue, err)
	}
	return out, nil
}

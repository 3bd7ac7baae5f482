// Package crossing watches the aggregate book for crossed conditions,
// where the cross-venue best bid meets or passes the best ask.
package crossing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/liquiditylab/aggbook/internal/domain"
	"github.com/liquiditylab/aggbook/internal/service"
)

// Detector subscribes to the books channel and records a crossing each time
// the aggregate flips from uncrossed to crossed. While it stays crossed,
// re-records are suppressed until the cooldown elapses so a persistent
// cross does not flood the store.
type Detector struct {
	books    *service.BookService
	crossSvc *service.CrossingService
	cooldown time.Duration
	logger   *slog.Logger

	// Single-goroutine state, touched only inside Run.
	wasCrossed   bool
	lastRecorded time.Time
}

// DetectorConfig configures the detector.
type DetectorConfig struct {
	Books    *service.BookService
	CrossSvc *service.CrossingService
	Cooldown time.Duration
	Logger   *slog.Logger
}

// NewDetector creates a detector. A zero cooldown defaults to 30 seconds.
func NewDetector(cfg DetectorConfig) *Detector {
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Detector{
		books:    cfg.Books,
		crossSvc: cfg.CrossSvc,
		cooldown: cooldown,
		logger:   cfg.Logger.With(slog.String("component", "crossing_detector")),
	}
}

// Run subscribes to the books channel and inspects the aggregate after each
// applied update. It blocks until ctx is cancelled.
func (d *Detector) Run(ctx context.Context, bus domain.EventBus) error {
	ch, err := bus.Subscribe(ctx, "books")
	if err != nil {
		return fmt.Errorf("crossing detector: subscribe books: %w", err)
	}
	d.logger.Info("crossing detector started", slog.Duration("cooldown", d.cooldown))
	defer d.logger.Info("crossing detector stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := d.handleMessage(ctx, data); err != nil {
				d.logger.Warn("crossing detector: handle message failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (d *Detector) handleMessage(ctx context.Context, data []byte) error {
	var ev domain.BookEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}

	if !ev.Crossed {
		d.wasCrossed = false
		return nil
	}

	// Still inside the same cross and its cooldown window.
	if d.wasCrossed && time.Since(d.lastRecorded) < d.cooldown {
		return nil
	}

	// The event only says "crossed"; read the live aggregate for sizes and
	// attribution. It may have uncrossed between publish and here.
	bbo := d.books.AggregateBBO()
	if !bbo.Crossed() {
		d.wasCrossed = false
		return nil
	}

	c := buildCrossing(d.books.Symbol(), bbo, d.books)
	d.wasCrossed = true
	d.lastRecorded = c.ObservedAt

	return d.crossSvc.Record(ctx, c)
}

func buildCrossing(symbol string, bbo domain.BBO, books *service.BookService) domain.Crossing {
	bidVenues, askVenues := books.BestSources()

	var spreadBps float64
	if mid := bbo.Mid(); mid > 0 {
		spreadBps = (bbo.AskPrice - bbo.BidPrice) / mid * 10000
	}
	overlap := bbo.BidSize
	if bbo.AskSize < overlap {
		overlap = bbo.AskSize
	}

	return domain.Crossing{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		BidPrice:   bbo.BidPrice,
		AskPrice:   bbo.AskPrice,
		BidSize:    bbo.BidSize,
		AskSize:    bbo.AskSize,
		BidVenues:  bidVenues,
		AskVenues:  askVenues,
		SpreadBps:  spreadBps,
		OverlapUSD: overlap * bbo.AskPrice,
		ObservedAt: time.Now(),
	}
}

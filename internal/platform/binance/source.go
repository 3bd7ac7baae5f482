// Package binance implements the Binance spot venue feed via go-binance:
// a REST depth snapshot plus the 100ms diff-depth WebSocket stream.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	gbinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/liquiditylab/aggbook/internal/domain"
)

// depthLimits are the snapshot depths the Binance REST API accepts.
var depthLimits = []int{5, 10, 20, 50, 100, 500, 1000, 5000}

// Source implements domain.BookSource for one Binance spot symbol.
type Source struct {
	client *gbinance.Client
	symbol string

	mu      sync.Mutex
	lastSeq int64 // last applied update ID (u); snapshots reset it
}

// NewSource creates a Binance book source for the venue-native symbol,
// e.g. "BTCUSDT". Market data endpoints need no credentials.
func NewSource(symbol string) *Source {
	client := gbinance.NewClient("", "")
	client.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	return &Source{client: client, symbol: symbol}
}

// Venue returns domain.VenueBinance.
func (s *Source) Venue() domain.Venue {
	return domain.VenueBinance
}

// Snapshot fetches the REST depth snapshot. The requested depth is rounded
// up to the nearest limit the API accepts.
func (s *Source) Snapshot(ctx context.Context, depth int) (domain.BookSnapshot, error) {
	limit := depthLimits[len(depthLimits)-1]
	for _, l := range depthLimits {
		if depth <= l {
			limit = l
			break
		}
	}

	resp, err := s.client.NewDepthService().Symbol(s.symbol).Limit(limit).Do(ctx)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("binance: depth snapshot %s: %w", s.symbol, err)
	}

	snap := domain.BookSnapshot{
		Venue:     domain.VenueBinance,
		Symbol:    s.symbol,
		Sequence:  resp.LastUpdateID,
		Timestamp: time.Now(),
	}
	for _, b := range resp.Bids {
		lv, err := parseLevel(b.Price, b.Quantity)
		if err != nil {
			return domain.BookSnapshot{}, fmt.Errorf("binance: snapshot bid: %w", err)
		}
		snap.Bids = append(snap.Bids, lv)
	}
	for _, a := range resp.Asks {
		lv, err := parseLevel(a.Price, a.Quantity)
		if err != nil {
			return domain.BookSnapshot{}, fmt.Errorf("binance: snapshot ask: %w", err)
		}
		snap.Asks = append(snap.Asks, lv)
	}

	s.mu.Lock()
	s.lastSeq = resp.LastUpdateID
	s.mu.Unlock()
	return snap, nil
}

// Stream serves the 100ms diff-depth WebSocket feed, enforcing the update-ID
// continuity rule: events entirely at or before the snapshot are dropped, and
// after the first applied event each successor must start at the previous
// event's UpdateID + 1. A violated rule surfaces as domain.ErrSequenceGap.
func (s *Source) Stream(ctx context.Context, out chan<- domain.FeedMessage) error {
	errC := make(chan error, 1)
	fail := func(err error) {
		select {
		case errC <- err:
		default:
		}
	}

	handler := func(ev *gbinance.WsDepthEvent) {
		s.mu.Lock()
		last := s.lastSeq
		s.mu.Unlock()

		// Drop events already covered by the snapshot.
		if ev.LastUpdateID <= last {
			return
		}
		// First applied event must straddle the snapshot; later events must
		// be contiguous.
		if ev.FirstUpdateID > last+1 {
			fail(fmt.Errorf("binance: stream %s: have %d, got [%d,%d]: %w",
				s.symbol, last, ev.FirstUpdateID, ev.LastUpdateID, domain.ErrSequenceGap))
			return
		}

		diff, err := toDiff(s.symbol, ev)
		if err != nil {
			fail(err)
			return
		}

		select {
		case out <- domain.FeedMessage{Diff: &diff}:
		case <-ctx.Done():
			fail(ctx.Err())
			return
		}

		s.mu.Lock()
		s.lastSeq = ev.LastUpdateID
		s.mu.Unlock()
	}
	errHandler := func(err error) {
		fail(fmt.Errorf("binance: stream %s: %v: %w", s.symbol, err, domain.ErrWSDisconnect))
	}

	doneC, stopC, err := gbinance.WsDepthServe100Ms(s.symbol, handler, errHandler)
	if err != nil {
		return fmt.Errorf("binance: stream %s: connect: %w", s.symbol, err)
	}

	select {
	case <-ctx.Done():
		close(stopC)
		<-doneC
		return ctx.Err()
	case err := <-errC:
		close(stopC)
		<-doneC
		return err
	case <-doneC:
		return fmt.Errorf("binance: stream %s: closed: %w", s.symbol, domain.ErrWSDisconnect)
	}
}

func toDiff(symbol string, ev *gbinance.WsDepthEvent) (domain.BookDiff, error) {
	diff := domain.BookDiff{
		Venue:     domain.VenueBinance,
		Symbol:    symbol,
		FirstSeq:  ev.FirstUpdateID,
		LastSeq:   ev.LastUpdateID,
		Timestamp: time.UnixMilli(ev.Time),
	}
	for _, b := range ev.Bids {
		lv, err := parseLevel(b.Price, b.Quantity)
		if err != nil {
			return domain.BookDiff{}, fmt.Errorf("binance: diff bid: %w", err)
		}
		diff.Bids = append(diff.Bids, lv)
	}
	for _, a := range ev.Asks {
		lv, err := parseLevel(a.Price, a.Quantity)
		if err != nil {
			return domain.BookDiff{}, fmt.Errorf("binance: diff ask: %w", err)
		}
		diff.Asks = append(diff.Asks, lv)
	}
	return diff, nil
}

// parseLevel parses wire-string price and size exactly before converting to
// float, so "0.00000001"-style inputs round once, not twice.
func parseLevel(price, size string) (domain.PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return domain.PriceLevel{}, fmt.Errorf("parse price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(size)
	if err != nil {
		return domain.PriceLevel{}, fmt.Errorf("parse size %q: %w", size, err)
	}
	return domain.PriceLevel{Price: p.InexactFloat64(), Size: q.InexactFloat64()}, nil
}

// Compile-time interface check.
var _ domain.BookSource = (*Source)(nil)

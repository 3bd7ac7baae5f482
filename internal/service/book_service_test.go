package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/liquiditylab/aggbook/internal/book"
	"github.com/liquiditylab/aggbook/internal/domain"
	"github.com/liquiditylab/aggbook/internal/metrics"
	"github.com/liquiditylab/aggbook/internal/rates"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMirror records mirror writes.
type fakeMirror struct {
	mu         sync.Mutex
	snapshots   map[domain.Venue]domain.BookSnapshot
	levels      int
	aggregates  int
	cleared     []domain.Venue
	lastAggBids []domain.DepthLevel
	lastAggAsks []domain.DepthLevel
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{snapshots: make(map[domain.Venue]domain.BookSnapshot)}
}

func (m *fakeMirror) SetSnapshot(ctx context.Context, venue domain.Venue, snap domain.BookSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[venue] = snap
	return nil
}

func (m *fakeMirror) GetSnapshot(ctx context.Context, venue domain.Venue) (domain.BookSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[venue]
	if !ok {
		return domain.BookSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (m *fakeMirror) UpdateLevel(ctx context.Context, venue domain.Venue, side domain.Side, price, size float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels++
	return nil
}

func (m *fakeMirror) GetBBO(ctx context.Context, venue domain.Venue) (domain.BBO, error) {
	return domain.BBO{}, domain.ErrNotFound
}

func (m *fakeMirror) SetAggregate(ctx context.Context, symbol string, bids, asks []domain.DepthLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregates++
	m.lastAggBids = bids
	m.lastAggAsks = asks
	return nil
}

func (m *fakeMirror) ClearVenue(ctx context.Context, venue domain.Venue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = append(m.cleared, venue)
	delete(m.snapshots, venue)
	return nil
}

// fakeBus collects published payloads per channel.
type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	appended  map[string][][]byte
	subs      map[string]chan []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		published: make(map[string][][]byte),
		appended:  make(map[string][][]byte),
		subs:      make(map[string]chan []byte),
	}
}

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	b.published[channel] = append(b.published[channel], payload)
	sub := b.subs[channel]
	b.mu.Unlock()
	if sub != nil {
		select {
		case sub <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 64)
	b.subs[channel] = ch
	return ch, nil
}

func (b *fakeBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appended[stream] = append(b.appended[stream], payload)
	return nil
}

func (b *fakeBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) events(channel string) []domain.BookEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.BookEvent
	for _, p := range b.published[channel] {
		var ev domain.BookEvent
		if err := json.Unmarshal(p, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

func newTestBookService(t *testing.T, mirror domain.BookMirror, bus domain.EventBus) *BookService {
	t.Helper()
	manager, err := book.NewManager(book.Config{
		Symbol:    "BTC-USD",
		Precision: 2,
		FoldDepth: 50,
	}, rates.NewConverter(time.Minute))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	for _, v := range []domain.Venue{domain.VenueBinance, domain.VenueCoinbase} {
		if err := manager.AddVenue(v, "", 2); err != nil {
			t.Fatalf("AddVenue(%s): %v", v, err)
		}
	}
	return NewBookService(manager, mirror, bus, metrics.New(), 50, testLogger())
}

func usdSnap(v domain.Venue, bid, ask float64) domain.BookSnapshot {
	return domain.BookSnapshot{
		Venue:     v,
		Symbol:    "BTC-USD",
		Bids:      []domain.PriceLevel{{Price: bid, Size: 1}},
		Asks:      []domain.PriceLevel{{Price: ask, Size: 1}},
		Timestamp: time.Now(),
	}
}

func TestBookServiceHandleSnapshot(t *testing.T) {
	mirror := newFakeMirror()
	bus := newFakeBus()
	svc := newTestBookService(t, mirror, bus)
	ctx := context.Background()

	if err := svc.HandleSnapshot(ctx, usdSnap(domain.VenueBinance, 100, 101)); err != nil {
		t.Fatalf("HandleSnapshot: %v", err)
	}

	if _, ok := mirror.snapshots[domain.VenueBinance]; !ok {
		t.Error("snapshot not mirrored")
	}
	if mirror.aggregates != 1 {
		t.Errorf("aggregate mirror writes = %d, want 1", mirror.aggregates)
	}

	events := bus.events("books")
	if len(events) != 1 {
		t.Fatalf("book events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Kind != domain.BookEventSnapshot {
		t.Errorf("event kind = %q, want %q", ev.Kind, domain.BookEventSnapshot)
	}
	if ev.BestBid != 100 || ev.BestAsk != 101 {
		t.Errorf("event bbo = (%v, %v), want (100, 101)", ev.BestBid, ev.BestAsk)
	}
	if ev.Crossed {
		t.Error("event crossed = true, want false")
	}
}

func TestBookServiceHandleDiffThrottlesAggregateMirror(t *testing.T) {
	mirror := newFakeMirror()
	bus := newFakeBus()
	svc := newTestBookService(t, mirror, bus)
	ctx := context.Background()

	if err := svc.HandleSnapshot(ctx, usdSnap(domain.VenueBinance, 100, 101)); err != nil {
		t.Fatalf("HandleSnapshot: %v", err)
	}
	diff := domain.BookDiff{
		Venue:     domain.VenueBinance,
		Symbol:    "BTC-USD",
		Bids:      []domain.PriceLevel{{Price: 99, Size: 2}},
		Asks:      []domain.PriceLevel{{Price: 102, Size: 2}},
		Timestamp: time.Now(),
	}
	if err := svc.HandleDiff(ctx, diff); err != nil {
		t.Fatalf("HandleDiff: %v", err)
	}

	if mirror.levels != 2 {
		t.Errorf("mirrored levels = %d, want 2", mirror.levels)
	}
	// The snapshot forced an aggregate write; a diff arriving inside the
	// throttle window must not write again.
	if mirror.aggregates != 1 {
		t.Errorf("aggregate mirror writes = %d, want 1", mirror.aggregates)
	}

	events := bus.events("books")
	if len(events) != 2 {
		t.Fatalf("book events = %d, want 2", len(events))
	}
	if events[1].Kind != domain.BookEventDiff {
		t.Errorf("event kind = %q, want %q", events[1].Kind, domain.BookEventDiff)
	}
}

func TestBookServiceCrossedEvent(t *testing.T) {
	mirror := newFakeMirror()
	bus := newFakeBus()
	svc := newTestBookService(t, mirror, bus)
	ctx := context.Background()

	// Binance bids above the coinbase ask: the aggregate is crossed even
	// though each venue book is internally consistent.
	if err := svc.HandleSnapshot(ctx, usdSnap(domain.VenueCoinbase, 99, 100)); err != nil {
		t.Fatalf("HandleSnapshot coinbase: %v", err)
	}
	if err := svc.HandleSnapshot(ctx, usdSnap(domain.VenueBinance, 101, 102)); err != nil {
		t.Fatalf("HandleSnapshot binance: %v", err)
	}

	if !svc.Crossed() {
		t.Fatal("Crossed() = false, want true")
	}
	events := bus.events("books")
	if got := events[len(events)-1]; !got.Crossed {
		t.Error("last event crossed = false, want true")
	}
}

func TestBookServiceMarkResyncing(t *testing.T) {
	mirror := newFakeMirror()
	bus := newFakeBus()
	svc := newTestBookService(t, mirror, bus)
	ctx := context.Background()

	if err := svc.HandleSnapshot(ctx, usdSnap(domain.VenueBinance, 100, 101)); err != nil {
		t.Fatalf("HandleSnapshot: %v", err)
	}
	if err := svc.MarkResyncing(ctx, domain.VenueBinance); err != nil {
		t.Fatalf("MarkResyncing: %v", err)
	}

	if len(mirror.cleared) != 1 || mirror.cleared[0] != domain.VenueBinance {
		t.Errorf("cleared venues = %v, want [binance]", mirror.cleared)
	}
	if bbo := svc.AggregateBBO(); bbo.BidSize != 0 || bbo.AskSize != 0 {
		t.Errorf("aggregate bbo after resync = %+v, want empty", bbo)
	}

	events := bus.events("books")
	if got := events[len(events)-1].Kind; got != domain.BookEventResync {
		t.Errorf("event kind = %q, want %q", got, domain.BookEventResync)
	}
}

func TestBookServiceStaleRateDefersAggregate(t *testing.T) {
	conv := rates.NewConverter(time.Minute)
	manager, err := book.NewManager(book.Config{
		Symbol:    "BTC-USD",
		Precision: 2,
		FoldDepth: 50,
	}, conv)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := manager.AddVenue(domain.VenueBinance, "USDT", 2); err != nil {
		t.Fatalf("AddVenue: %v", err)
	}
	mirror := newFakeMirror()
	bus := newFakeBus()
	svc := NewBookService(manager, mirror, bus, metrics.New(), 50, testLogger())
	ctx := context.Background()

	// No USDT rate was ever set: the fold is deferred, the session-facing
	// calls still succeed and the venue book fills.
	if err := svc.HandleSnapshot(ctx, usdSnap(domain.VenueBinance, 100, 101)); err != nil {
		t.Fatalf("HandleSnapshot with stale rate: %v", err)
	}
	diff := domain.BookDiff{
		Venue:     domain.VenueBinance,
		Symbol:    "BTC-USD",
		Bids:      []domain.PriceLevel{{Price: 99, Size: 2}},
		Timestamp: time.Now(),
	}
	if err := svc.HandleDiff(ctx, diff); err != nil {
		t.Fatalf("HandleDiff with stale rate: %v", err)
	}

	if _, ok := mirror.snapshots[domain.VenueBinance]; !ok {
		t.Error("snapshot not mirrored while rate stale")
	}
	bids, _, err := svc.VenueDepth(domain.VenueBinance, 10)
	if err != nil || len(bids) != 2 {
		t.Fatalf("venue depth = %v (%v), want both levels applied", bids, err)
	}
	if bbo := svc.AggregateBBO(); bbo.BidSize != 0 {
		t.Fatalf("aggregate bbo = %+v, want empty while rate is stale", bbo)
	}

	// A fresh rate plus a rebuild folds the venue in.
	if err := conv.SetRate("USDT", 1, time.Now()); err != nil {
		t.Fatalf("SetRate: %v", err)
	}
	if err := manager.RebuildAggregate(); err != nil {
		t.Fatalf("RebuildAggregate: %v", err)
	}
	if bbo := svc.AggregateBBO(); bbo.BidPrice != 100 {
		t.Fatalf("aggregate bbo after rebuild = %+v, want bid 100", bbo)
	}
}

func TestBookServiceFoldDepthZeroMirrorsFullAggregate(t *testing.T) {
	manager, err := book.NewManager(book.Config{
		Symbol:    "BTC-USD",
		Precision: 2,
		FoldDepth: 0,
	}, rates.NewConverter(time.Minute))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := manager.AddVenue(domain.VenueBinance, "", 2); err != nil {
		t.Fatalf("AddVenue: %v", err)
	}
	mirror := newFakeMirror()
	svc := NewBookService(manager, mirror, newFakeBus(), metrics.New(), 0, testLogger())

	snap := domain.BookSnapshot{
		Venue:     domain.VenueBinance,
		Symbol:    "BTC-USD",
		Bids:      []domain.PriceLevel{{Price: 100, Size: 1}, {Price: 99, Size: 2}},
		Asks:      []domain.PriceLevel{{Price: 101, Size: 1}},
		Timestamp: time.Now(),
	}
	if err := svc.HandleSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("HandleSnapshot: %v", err)
	}

	if got := len(mirror.lastAggBids); got != 2 {
		t.Errorf("mirrored aggregate bids = %d, want the whole book (2)", got)
	}
	if got := len(mirror.lastAggAsks); got != 1 {
		t.Errorf("mirrored aggregate asks = %d, want 1", got)
	}
}

func TestBookServiceCrossedSnapshotNotFatal(t *testing.T) {
	mirror := newFakeMirror()
	bus := newFakeBus()
	svc := newTestBookService(t, mirror, bus)
	ctx := context.Background()

	if err := svc.HandleSnapshot(ctx, usdSnap(domain.VenueCoinbase, 99, 100)); err != nil {
		t.Fatalf("HandleSnapshot coinbase: %v", err)
	}
	// The crossing snapshot surfaces ErrCrossedBook from the manager; the
	// service absorbs it and keeps the session alive.
	if err := svc.HandleSnapshot(ctx, usdSnap(domain.VenueBinance, 101, 102)); err != nil {
		t.Fatalf("HandleSnapshot crossing: %v", err)
	}
	diff := domain.BookDiff{
		Venue:     domain.VenueBinance,
		Symbol:    "BTC-USD",
		Bids:      []domain.PriceLevel{{Price: 101, Size: 3}},
		Timestamp: time.Now(),
	}
	if err := svc.HandleDiff(ctx, diff); err != nil {
		t.Fatalf("HandleDiff while crossed: %v", err)
	}
	if !svc.Crossed() {
		t.Fatal("Crossed() = false, want true")
	}
}

func TestBookServiceUnknownVenue(t *testing.T) {
	svc := newTestBookService(t, newFakeMirror(), newFakeBus())

	err := svc.HandleSnapshot(context.Background(), usdSnap(domain.VenueOKX, 100, 101))
	if !errors.Is(err, domain.ErrUnknownVenue) {
		t.Fatalf("HandleSnapshot error = %v, want ErrUnknownVenue", err)
	}
}

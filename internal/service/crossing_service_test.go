package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/liquiditylab/aggbook/internal/domain"
	"github.com/liquiditylab/aggbook/internal/metrics"
)

type fakeCrossingStore struct {
	inserted  []domain.Crossing
	insertErr error
}

func (s *fakeCrossingStore) Insert(ctx context.Context, c domain.Crossing) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, c)
	return nil
}

func (s *fakeCrossingStore) GetByID(ctx context.Context, id string) (domain.Crossing, error) {
	for _, c := range s.inserted {
		if c.ID == id {
			return c, nil
		}
	}
	return domain.Crossing{}, domain.ErrNotFound
}

func (s *fakeCrossingStore) ListRecent(ctx context.Context, limit int) ([]domain.Crossing, error) {
	if limit > len(s.inserted) {
		limit = len(s.inserted)
	}
	return s.inserted[:limit], nil
}

func (s *fakeCrossingStore) ListByVenue(ctx context.Context, venue domain.Venue, opts domain.ListOpts) ([]domain.Crossing, error) {
	var out []domain.Crossing
	for _, c := range s.inserted {
		for _, v := range append(append([]domain.Venue{}, c.BidVenues...), c.AskVenues...) {
			if v == venue {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (s *fakeCrossingStore) Count(ctx context.Context) (int64, error) {
	return int64(len(s.inserted)), nil
}

type fakeAuditStore struct {
	events []string
}

func (s *fakeAuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	s.events = append(s.events, event)
	return nil
}

func (s *fakeAuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func testCrossing() domain.Crossing {
	return domain.Crossing{
		ID:         "c-1",
		Symbol:     "BTC-USD",
		BidPrice:   101,
		AskPrice:   100,
		BidSize:    2,
		AskSize:    1,
		BidVenues:  []domain.Venue{domain.VenueBinance},
		AskVenues:  []domain.Venue{domain.VenueCoinbase},
		SpreadBps:  -99.5,
		OverlapUSD: 100,
		ObservedAt: time.Now(),
	}
}

func TestCrossingServiceRecord(t *testing.T) {
	store := &fakeCrossingStore{}
	bus := newFakeBus()
	audit := &fakeAuditStore{}
	svc := NewCrossingService(store, bus, audit, nil, metrics.New(), testLogger())

	if err := svc.Record(context.Background(), testCrossing()); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if len(store.inserted) != 1 {
		t.Fatalf("inserted = %d, want 1", len(store.inserted))
	}
	if got := len(bus.published["crossings"]); got != 1 {
		t.Errorf("published crossings = %d, want 1", got)
	}
	if got := len(bus.appended["crossings"]); got != 1 {
		t.Errorf("appended crossings = %d, want 1", got)
	}
	if len(audit.events) != 1 || audit.events[0] != "crossing_recorded" {
		t.Errorf("audit events = %v, want [crossing_recorded]", audit.events)
	}
}

func TestCrossingServiceRecordStoreFailure(t *testing.T) {
	insertErr := errors.New("connection refused")
	store := &fakeCrossingStore{insertErr: insertErr}
	bus := newFakeBus()
	svc := NewCrossingService(store, bus, nil, nil, metrics.New(), testLogger())

	err := svc.Record(context.Background(), testCrossing())
	if !errors.Is(err, insertErr) {
		t.Fatalf("Record error = %v, want wrapped insert error", err)
	}
	if got := len(bus.published["crossings"]); got != 0 {
		t.Errorf("published crossings = %d, want 0 after insert failure", got)
	}
}

func TestCrossingServiceListRecent(t *testing.T) {
	store := &fakeCrossingStore{}
	svc := NewCrossingService(store, newFakeBus(), nil, nil, metrics.New(), testLogger())
	ctx := context.Background()

	if err := svc.Record(ctx, testCrossing()); err != nil {
		t.Fatalf("Record: %v", err)
	}

	out, err := svc.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(out) != 1 || out[0].ID != "c-1" {
		t.Errorf("ListRecent = %v, want one crossing c-1", out)
	}

	byVenue, err := svc.ListByVenue(ctx, domain.VenueBinance, domain.ListOpts{Limit: 10})
	if err != nil {
		t.Fatalf("ListByVenue: %v", err)
	}
	if len(byVenue) != 1 {
		t.Errorf("ListByVenue = %d results, want 1", len(byVenue))
	}
}

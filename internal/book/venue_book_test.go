package book

import (
	"errors"
	"math"
	"testing"

	"github.com/liquiditylab/aggbook/internal/domain"
)

func lv(price, size float64) domain.PriceLevel {
	return domain.PriceLevel{Price: price, Size: size}
}

func newTestBook(t *testing.T, precision int) *VenueBook {
	t.Helper()
	b, err := NewVenueBook(precision)
	if err != nil {
		t.Fatalf("NewVenueBook(%d): %v", precision, err)
	}
	return b
}

func wantLevels(t *testing.T, got, want []domain.PriceLevel) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d levels %v, want %d levels %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("level %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestApplySnapshotIdempotent(t *testing.T) {
	b := newTestBook(t, 2)
	bids := []domain.PriceLevel{lv(100.25, 5), lv(100, 2)}
	asks := []domain.PriceLevel{lv(100.5, 4), lv(101, 1)}
	if err := b.ApplySnapshot(bids, asks); err != nil {
		t.Fatalf("first ApplySnapshot: %v", err)
	}
	gotBids1, gotAsks1 := b.Depth(10)
	if err := b.ApplySnapshot(bids, asks); err != nil {
		t.Fatalf("second ApplySnapshot: %v", err)
	}
	gotBids2, gotAsks2 := b.Depth(10)
	wantLevels(t, gotBids2, gotBids1)
	wantLevels(t, gotAsks2, gotAsks1)
}

func TestApplySnapshotReplaces(t *testing.T) {
	b := newTestBook(t, 2)
	if err := b.ApplySnapshot([]domain.PriceLevel{lv(100, 5)}, nil); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	if err := b.ApplySnapshot([]domain.PriceLevel{lv(99, 2)}, []domain.PriceLevel{lv(101, 3)}); err != nil {
		t.Fatalf("replace snapshot: %v", err)
	}
	bids, asks := b.Depth(10)
	wantLevels(t, bids, []domain.PriceLevel{lv(99, 2)})
	wantLevels(t, asks, []domain.PriceLevel{lv(101, 3)})
}

func TestApplySnapshotDropsZeroSize(t *testing.T) {
	b := newTestBook(t, 2)
	err := b.ApplySnapshot(
		[]domain.PriceLevel{lv(100, 0), lv(99, 5), lv(98.5, -1)},
		nil,
	)
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	bids, _ := b.Depth(10)
	wantLevels(t, bids, []domain.PriceLevel{lv(99, 5)})
}

func TestApplySnapshotAtomic(t *testing.T) {
	b := newTestBook(t, 2)
	if err := b.ApplySnapshot([]domain.PriceLevel{lv(100, 5)}, []domain.PriceLevel{lv(101, 1)}); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	err := b.ApplySnapshot(
		[]domain.PriceLevel{lv(99, 2)},
		[]domain.PriceLevel{lv(math.NaN(), 3)},
	)
	if !errors.Is(err, domain.ErrInvalidPrice) {
		t.Fatalf("bad snapshot err = %v, want ErrInvalidPrice", err)
	}
	bids, asks := b.Depth(10)
	wantLevels(t, bids, []domain.PriceLevel{lv(100, 5)})
	wantLevels(t, asks, []domain.PriceLevel{lv(101, 1)})
}

func TestUpdateIsAbsolute(t *testing.T) {
	b := newTestBook(t, 2)
	if err := b.Update(100, 5, true); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := b.Update(100, 2, true); err != nil {
		t.Fatalf("second update: %v", err)
	}
	bids, _ := b.Depth(10)
	wantLevels(t, bids, []domain.PriceLevel{lv(100, 2)})
}

func TestUpdateZeroDeletes(t *testing.T) {
	b := newTestBook(t, 2)
	if err := b.Update(100, 5, true); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := b.Update(100, 0, true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	bids, _ := b.Depth(10)
	if len(bids) != 0 {
		t.Fatalf("depth after delete = %v, want empty", bids)
	}
	// deleting an absent level is a no-op
	if err := b.Update(55, 0, true); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
}

func TestUpdateCollapsesToGrid(t *testing.T) {
	b := newTestBook(t, 2)
	if err := b.Update(100.004, 5, true); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := b.Update(100.001, 3, true); err != nil {
		t.Fatalf("update: %v", err)
	}
	bids, _ := b.Depth(10)
	wantLevels(t, bids, []domain.PriceLevel{lv(100, 3)})
}

func TestUpdateRejectsBadInput(t *testing.T) {
	b := newTestBook(t, 2)
	if err := b.Update(math.NaN(), 5, true); !errors.Is(err, domain.ErrInvalidPrice) {
		t.Errorf("NaN price err = %v, want ErrInvalidPrice", err)
	}
	if err := b.Update(100, math.NaN(), true); !errors.Is(err, domain.ErrInvalidPrice) {
		t.Errorf("NaN size err = %v, want ErrInvalidPrice", err)
	}
	if err := b.Update(-1, 5, false); !errors.Is(err, domain.ErrInvalidPrice) {
		t.Errorf("negative price err = %v, want ErrInvalidPrice", err)
	}
	bids, asks := b.Depth(10)
	if len(bids) != 0 || len(asks) != 0 {
		t.Errorf("rejected input must not be stored, got bids %v asks %v", bids, asks)
	}
}

func TestDepthOrdering(t *testing.T) {
	b := newTestBook(t, 2)
	err := b.ApplySnapshot(
		[]domain.PriceLevel{lv(99, 1), lv(100.5, 2), lv(100, 3), lv(98.25, 4)},
		[]domain.PriceLevel{lv(102, 1), lv(101, 2), lv(101.75, 3), lv(103, 4)},
	)
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	bids, asks := b.Depth(10)
	wantLevels(t, bids, []domain.PriceLevel{lv(100.5, 2), lv(100, 3), lv(99, 1), lv(98.25, 4)})
	wantLevels(t, asks, []domain.PriceLevel{lv(101, 2), lv(101.75, 3), lv(102, 1), lv(103, 4)})

	bids, asks = b.Depth(2)
	wantLevels(t, bids, []domain.PriceLevel{lv(100.5, 2), lv(100, 3)})
	wantLevels(t, asks, []domain.PriceLevel{lv(101, 2), lv(101.75, 3)})

	bids, asks = b.Depth(0)
	if len(bids) != 0 || len(asks) != 0 {
		t.Errorf("Depth(0) = %v / %v, want empty sides", bids, asks)
	}
}

func TestBBO(t *testing.T) {
	b := newTestBook(t, 2)
	if got := b.BBO(); got != (domain.BBO{}) {
		t.Fatalf("empty book BBO = %+v, want zero", got)
	}
	err := b.ApplySnapshot(
		[]domain.PriceLevel{lv(100, 5), lv(99.5, 1)},
		[]domain.PriceLevel{lv(100.25, 2), lv(101, 6)},
	)
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	got := b.BBO()
	want := domain.BBO{BidPrice: 100, BidSize: 5, AskPrice: 100.25, AskSize: 2}
	if got != want {
		t.Errorf("BBO = %+v, want %+v", got, want)
	}
	if got.Crossed() {
		t.Errorf("BBO %+v reported crossed", got)
	}
	if got.Mid() != 100.125 {
		t.Errorf("Mid = %v, want 100.125", got.Mid())
	}
}

func TestClear(t *testing.T) {
	b := newTestBook(t, 2)
	if err := b.ApplySnapshot([]domain.PriceLevel{lv(100, 5)}, []domain.PriceLevel{lv(101, 2)}); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	b.Clear()
	nb, na := b.Levels()
	if nb != 0 || na != 0 {
		t.Errorf("Levels after Clear = %d/%d, want 0/0", nb, na)
	}
	if b.Precision() != 2 {
		t.Errorf("Precision after Clear = %d, want 2", b.Precision())
	}
}

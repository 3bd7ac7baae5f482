package book

import (
	"testing"

	"github.com/liquiditylab/aggbook/internal/domain"
)

func newTestAgg(t *testing.T, precision int) *AggregatedBook {
	t.Helper()
	a, err := NewAggregatedBook(precision)
	if err != nil {
		t.Fatalf("NewAggregatedBook(%d): %v", precision, err)
	}
	return a
}

func aggUpdate(t *testing.T, a *AggregatedBook, price, size float64, isBid bool, venue domain.Venue) {
	t.Helper()
	if err := a.Update(price, size, isBid, venue); err != nil {
		t.Fatalf("Update(%v, %v, %v, %s): %v", price, size, isBid, venue, err)
	}
}

// checkSums walks every level on both sides and verifies the cached total
// matches the sum of the per-venue contributions.
func checkSums(t *testing.T, a *AggregatedBook) {
	t.Helper()
	bids, asks := a.Depth(1 << 20)
	for _, side := range [][]domain.DepthLevel{bids, asks} {
		for _, dl := range side {
			sum := 0.0
			for _, sz := range dl.Sources {
				sum += sz
			}
			if dl.Size != sum {
				t.Errorf("level %v total %v != contribution sum %v (%v)", dl.Price, dl.Size, sum, dl.Sources)
			}
		}
	}
}

func TestAggregateAttribution(t *testing.T) {
	a := newTestAgg(t, 2)
	aggUpdate(t, a, 100, 5, true, domain.VenueBinance)
	aggUpdate(t, a, 100, 3, true, domain.VenueCoinbase)
	bids, _ := a.Depth(10)
	if len(bids) != 1 {
		t.Fatalf("got %d bid levels, want 1", len(bids))
	}
	if bids[0].Price != 100 || bids[0].Size != 8 {
		t.Errorf("level = %v/%v, want 100/8", bids[0].Price, bids[0].Size)
	}
	if bids[0].Sources[domain.VenueBinance] != 5 || bids[0].Sources[domain.VenueCoinbase] != 3 {
		t.Errorf("sources = %v, want binance:5 coinbase:3", bids[0].Sources)
	}
	checkSums(t, a)
}

func TestAggregateZeroRemovesContribution(t *testing.T) {
	a := newTestAgg(t, 2)
	aggUpdate(t, a, 100, 5, true, domain.VenueBinance)
	aggUpdate(t, a, 100, 3, true, domain.VenueCoinbase)
	aggUpdate(t, a, 100, 0, true, domain.VenueBinance)
	bids, _ := a.Depth(10)
	if len(bids) != 1 || bids[0].Size != 3 {
		t.Fatalf("after removing binance got %v, want one level of size 3", bids)
	}
	if _, ok := bids[0].Sources[domain.VenueBinance]; ok {
		t.Errorf("binance still attributed: %v", bids[0].Sources)
	}
	aggUpdate(t, a, 100, 0, true, domain.VenueCoinbase)
	bids, _ = a.Depth(10)
	if len(bids) != 0 {
		t.Fatalf("empty level not removed: %v", bids)
	}
	// removing from an absent level is a no-op
	aggUpdate(t, a, 55, 0, true, domain.VenueBinance)
	checkSums(t, a)
}

func TestAggregateOverwriteContribution(t *testing.T) {
	a := newTestAgg(t, 2)
	aggUpdate(t, a, 100, 5, true, domain.VenueBinance)
	aggUpdate(t, a, 100, 2, true, domain.VenueBinance)
	bids, _ := a.Depth(10)
	if len(bids) != 1 || bids[0].Size != 2 {
		t.Fatalf("overwrite got %v, want one level of size 2", bids)
	}
	checkSums(t, a)
}

func TestClearVenueIsolation(t *testing.T) {
	a := newTestAgg(t, 2)
	aggUpdate(t, a, 100, 5, true, domain.VenueBinance)
	aggUpdate(t, a, 100, 3, true, domain.VenueCoinbase)
	aggUpdate(t, a, 99.5, 2, true, domain.VenueCoinbase)
	aggUpdate(t, a, 101, 4, false, domain.VenueBinance)
	aggUpdate(t, a, 101, 1, false, domain.VenueCoinbase)

	a.ClearVenue(domain.VenueCoinbase)

	bids, asks := a.Depth(10)
	if len(bids) != 1 {
		t.Fatalf("bids after clear = %v, want only the binance level", bids)
	}
	if bids[0].Price != 100 || bids[0].Size != 5 || bids[0].Sources[domain.VenueBinance] != 5 {
		t.Errorf("binance bid disturbed: %+v", bids[0])
	}
	if len(asks) != 1 || asks[0].Size != 4 || asks[0].Sources[domain.VenueBinance] != 4 {
		t.Errorf("binance ask disturbed: %+v", asks)
	}
	checkSums(t, a)
}

func TestAggregateSumInvariantSequence(t *testing.T) {
	a := newTestAgg(t, 2)
	type op struct {
		price, size float64
		isBid       bool
		venue       domain.Venue
	}
	// binary-exact sizes keep the running total comparable with ==
	seq := []op{
		{100, 1.5, true, domain.VenueBinance},
		{100, 2.25, true, domain.VenueOKX},
		{100, 0.75, true, domain.VenueCoinbase},
		{99.75, 4, true, domain.VenueBinance},
		{100, 0, true, domain.VenueOKX},
		{100.25, 8, false, domain.VenueBinance},
		{100.25, 1.25, false, domain.VenueOKX},
		{100, 3.5, true, domain.VenueBinance},
		{100.25, 0, false, domain.VenueBinance},
		{99.75, 0, true, domain.VenueBinance},
	}
	for _, o := range seq {
		aggUpdate(t, a, o.price, o.size, o.isBid, o.venue)
		checkSums(t, a)
	}
	a.ClearVenue(domain.VenueBinance)
	checkSums(t, a)
	a.ClearVenue(domain.VenueCoinbase)
	checkSums(t, a)
}

func TestAggregateTickCollapse(t *testing.T) {
	a := newTestAgg(t, 2)
	// distinct native prices rounding to the same grid point merge
	aggUpdate(t, a, 100.004, 5, true, domain.VenueBinance)
	aggUpdate(t, a, 100.001, 3, true, domain.VenueCoinbase)
	bids, _ := a.Depth(10)
	if len(bids) != 1 || bids[0].Price != 100 || bids[0].Size != 8 {
		t.Fatalf("collapse got %v, want one level 100/8", bids)
	}
	checkSums(t, a)
}

func TestAggregateCrossedObservation(t *testing.T) {
	a := newTestAgg(t, 2)
	if a.Crossed() {
		t.Fatal("empty aggregate reported crossed")
	}
	aggUpdate(t, a, 100, 5, true, domain.VenueBinance)
	if a.Crossed() {
		t.Fatal("one-sided aggregate reported crossed")
	}
	aggUpdate(t, a, 100.5, 2, false, domain.VenueCoinbase)
	if a.Crossed() {
		t.Fatalf("BBO %+v reported crossed", a.BBO())
	}
	aggUpdate(t, a, 99.5, 1, false, domain.VenueOKX)
	if !a.Crossed() {
		t.Fatalf("BBO %+v not reported crossed", a.BBO())
	}
}

func TestBestSources(t *testing.T) {
	a := newTestAgg(t, 2)
	aggUpdate(t, a, 100, 5, true, domain.VenueCoinbase)
	aggUpdate(t, a, 100, 3, true, domain.VenueBinance)
	aggUpdate(t, a, 99, 1, true, domain.VenueOKX)
	aggUpdate(t, a, 101, 2, false, domain.VenueOKX)
	bidVenues, askVenues := a.BestSources()
	if len(bidVenues) != 2 || bidVenues[0] != domain.VenueBinance || bidVenues[1] != domain.VenueCoinbase {
		t.Errorf("bid venues = %v, want [binance coinbase]", bidVenues)
	}
	if len(askVenues) != 1 || askVenues[0] != domain.VenueOKX {
		t.Errorf("ask venues = %v, want [okx]", askVenues)
	}
}

func TestAggregateDepthOrdering(t *testing.T) {
	a := newTestAgg(t, 2)
	aggUpdate(t, a, 99, 1, true, domain.VenueBinance)
	aggUpdate(t, a, 100.5, 2, true, domain.VenueBinance)
	aggUpdate(t, a, 100, 3, true, domain.VenueCoinbase)
	aggUpdate(t, a, 102, 1, false, domain.VenueBinance)
	aggUpdate(t, a, 101, 2, false, domain.VenueCoinbase)

	bids, asks := a.Depth(2)
	if len(bids) != 2 || bids[0].Price != 100.5 || bids[1].Price != 100 {
		t.Errorf("top bids = %v, want 100.5 then 100", bids)
	}
	if len(asks) != 2 || asks[0].Price != 101 || asks[1].Price != 102 {
		t.Errorf("top asks = %v, want 101 then 102", asks)
	}
	bids, asks = a.Depth(0)
	if len(bids) != 0 || len(asks) != 0 {
		t.Errorf("Depth(0) = %v / %v, want empty sides", bids, asks)
	}
}

// Depth hands back copies; mutating them must not touch the book.
func TestAggregateDepthCopies(t *testing.T) {
	a := newTestAgg(t, 2)
	aggUpdate(t, a, 100, 5, true, domain.VenueBinance)
	bids, _ := a.Depth(1)
	bids[0].Sources[domain.VenueBinance] = 999
	bids, _ = a.Depth(1)
	if bids[0].Sources[domain.VenueBinance] != 5 {
		t.Errorf("internal state mutated through depth result: %v", bids[0].Sources)
	}
}

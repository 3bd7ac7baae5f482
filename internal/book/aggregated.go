package book

import (
	"fmt"
	"math"
	"sort"

	"github.com/liquiditylab/aggbook/internal/domain"
)

// aggLevel is one aggregate price level: per-venue contributions plus a
// running total so reads never re-sum.
type aggLevel struct {
	total   float64
	sources map[domain.Venue]float64
}

// aggSide is one half of the aggregate: levels keyed by quantized price,
// plus the ordered key index.
type aggSide struct {
	levels map[int64]*aggLevel
	ix     keyIndex
}

func newAggSide(desc bool) *aggSide {
	return &aggSide{levels: make(map[int64]*aggLevel), ix: keyIndex{desc: desc}}
}

func (s *aggSide) update(key int64, venue domain.Venue, size float64) {
	lv, ok := s.levels[key]
	if size <= 0 {
		if !ok {
			return
		}
		if prev, had := lv.sources[venue]; had {
			delete(lv.sources, venue)
			lv.total -= prev
		}
		if len(lv.sources) == 0 {
			delete(s.levels, key)
			s.ix.remove(key)
		}
		return
	}
	if !ok {
		lv = &aggLevel{sources: make(map[domain.Venue]float64, 2)}
		s.levels[key] = lv
		s.ix.insert(key)
	}
	lv.total += size - lv.sources[venue]
	lv.sources[venue] = size
}

func (s *aggSide) clearVenue(venue domain.Venue) {
	for key, lv := range s.levels {
		prev, ok := lv.sources[venue]
		if !ok {
			continue
		}
		delete(lv.sources, venue)
		lv.total -= prev
		if len(lv.sources) == 0 {
			delete(s.levels, key)
			s.ix.remove(key)
		}
	}
}

// AggregatedBook merges venue liquidity onto one common price grid. Each
// level tracks the contribution of every quoting venue, so a single venue
// can be replaced or wiped without disturbing the others. Venues with a
// coarser native tick may collapse onto the same grid point; their sizes
// sum, which is the intended merge behavior.
type AggregatedBook struct {
	grid Grid
	bids *aggSide
	asks *aggSide
}

// NewAggregatedBook returns an empty aggregate on a grid with the given
// precision.
func NewAggregatedBook(precision int) (*AggregatedBook, error) {
	grid, err := NewGrid(precision)
	if err != nil {
		return nil, err
	}
	return &AggregatedBook{grid: grid, bids: newAggSide(true), asks: newAggSide(false)}, nil
}

// Update sets venue's contribution at price. size <= 0 removes the
// contribution, deleting the level once no venue remains; otherwise the
// contribution is overwritten and the level total adjusted in place.
func (a *AggregatedBook) Update(price, size float64, isBid bool, venue domain.Venue) error {
	key, err := a.grid.Quantize(price)
	if err != nil {
		return err
	}
	if math.IsNaN(size) || math.IsInf(size, 0) {
		return fmt.Errorf("book: level size %v at %v: %w", size, price, domain.ErrInvalidPrice)
	}
	s := a.asks
	if isBid {
		s = a.bids
	}
	s.update(key, venue, size)
	return nil
}

// ClearVenue removes venue's contribution from every level on both sides,
// deleting levels that end up empty. Used before re-seeding a venue so
// stale levels cannot linger after its last known price moved.
func (a *AggregatedBook) ClearVenue(venue domain.Venue) {
	a.bids.clearVenue(venue)
	a.asks.clearVenue(venue)
}

// Depth returns up to n aggregate levels per side in canonical order, each
// carrying its summed size and per-venue attribution. The attribution maps
// are copies; callers may hold them across further updates.
func (a *AggregatedBook) Depth(n int) (bids, asks []domain.DepthLevel) {
	return a.sideDepth(a.bids, n), a.sideDepth(a.asks, n)
}

// DepthAll returns every aggregate level on both sides in canonical order.
func (a *AggregatedBook) DepthAll() (bids, asks []domain.DepthLevel) {
	return a.sideDepth(a.bids, a.bids.ix.len()), a.sideDepth(a.asks, a.asks.ix.len())
}

func (a *AggregatedBook) sideDepth(s *aggSide, n int) []domain.DepthLevel {
	keys := s.ix.top(n)
	out := make([]domain.DepthLevel, 0, len(keys))
	for _, key := range keys {
		lv := s.levels[key]
		sources := make(map[domain.Venue]float64, len(lv.sources))
		for v, sz := range lv.sources {
			sources[v] = sz
		}
		out = append(out, domain.DepthLevel{Price: a.grid.Price(key), Size: lv.total, Sources: sources})
	}
	return out
}

// BBO returns the aggregate best bid and ask; a zero size means that side
// is empty.
func (a *AggregatedBook) BBO() domain.BBO {
	var out domain.BBO
	if key, ok := a.bids.ix.best(); ok {
		out.BidPrice, out.BidSize = a.grid.Price(key), a.bids.levels[key].total
	}
	if key, ok := a.asks.ix.best(); ok {
		out.AskPrice, out.AskSize = a.grid.Price(key), a.asks.levels[key].total
	}
	return out
}

// Crossed reports whether the best bid has reached or passed the best ask.
// The condition is surfaced for observers, never resolved here.
func (a *AggregatedBook) Crossed() bool {
	return a.BBO().Crossed()
}

// BestSources returns the venues quoting the current best bid and best ask,
// sorted for stable output.
func (a *AggregatedBook) BestSources() (bidVenues, askVenues []domain.Venue) {
	if key, ok := a.bids.ix.best(); ok {
		bidVenues = sortedVenues(a.bids.levels[key].sources)
	}
	if key, ok := a.asks.ix.best(); ok {
		askVenues = sortedVenues(a.asks.levels[key].sources)
	}
	return bidVenues, askVenues
}

func sortedVenues(sources map[domain.Venue]float64) []domain.Venue {
	out := make([]domain.Venue, 0, len(sources))
	for v := range sources {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Levels returns the number of occupied aggregate levels per side.
func (a *AggregatedBook) Levels() (nbids, nasks int) {
	return a.bids.ix.len(), a.asks.ix.len()
}

// Precision returns the common grid precision.
func (a *AggregatedBook) Precision() int {
	return a.grid.Precision()
}

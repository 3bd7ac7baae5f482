package book

import (
	"fmt"
	"math"

	"github.com/liquiditylab/aggbook/internal/domain"
)

// bookSide is one half of a venue book: resting size keyed by quantized
// price, plus the ordered key index.
type bookSide struct {
	sizes map[int64]float64
	ix    keyIndex
}

func newBookSide(desc bool) *bookSide {
	return &bookSide{sizes: make(map[int64]float64), ix: keyIndex{desc: desc}}
}

func (s *bookSide) set(key int64, size float64) {
	if _, ok := s.sizes[key]; !ok {
		s.ix.insert(key)
	}
	s.sizes[key] = size
}

func (s *bookSide) remove(key int64) {
	if _, ok := s.sizes[key]; !ok {
		return
	}
	delete(s.sizes, key)
	s.ix.remove(key)
}

func (s *bookSide) replace(sizes map[int64]float64) {
	s.sizes = sizes
	s.ix.reset()
	for key := range sizes {
		s.ix.insert(key)
	}
}

// VenueBook is a single venue's current bid/ask state: two ordered maps from
// quantized price to resting size, populated by one full snapshot and
// mutated thereafter by absolute per-level diffs.
type VenueBook struct {
	grid Grid
	bids *bookSide
	asks *bookSide
}

// NewVenueBook returns an empty book quantizing onto the given precision.
func NewVenueBook(precision int) (*VenueBook, error) {
	grid, err := NewGrid(precision)
	if err != nil {
		return nil, err
	}
	return &VenueBook{grid: grid, bids: newBookSide(true), asks: newBookSide(false)}, nil
}

// ApplySnapshot replaces the entire bid and ask state. Entries with size <= 0
// are dropped. The call is atomic: if any entry fails validation, nothing is
// replaced. Applying the same snapshot twice yields the same state.
func (b *VenueBook) ApplySnapshot(bids, asks []domain.PriceLevel) error {
	nb, err := b.quantizeLevels(bids)
	if err != nil {
		return err
	}
	na, err := b.quantizeLevels(asks)
	if err != nil {
		return err
	}
	b.bids.replace(nb)
	b.asks.replace(na)
	return nil
}

func (b *VenueBook) quantizeLevels(levels []domain.PriceLevel) (map[int64]float64, error) {
	out := make(map[int64]float64, len(levels))
	for _, lv := range levels {
		key, err := b.grid.Quantize(lv.Price)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(lv.Size) || math.IsInf(lv.Size, 0) {
			return nil, fmt.Errorf("book: level size %v at %v: %w", lv.Size, lv.Price, domain.ErrInvalidPrice)
		}
		if lv.Size <= 0 {
			continue
		}
		out[key] = lv.Size
	}
	return out, nil
}

// Update applies one absolute level change: size <= 0 removes the level
// (no-op when absent), anything else overwrites the resting size. Sequencing
// is the feed adapter's responsibility; the book applies what it is given.
func (b *VenueBook) Update(price, size float64, isBid bool) error {
	key, err := b.grid.Quantize(price)
	if err != nil {
		return err
	}
	if math.IsNaN(size) || math.IsInf(size, 0) {
		return fmt.Errorf("book: level size %v at %v: %w", size, price, domain.ErrInvalidPrice)
	}
	s := b.asks
	if isBid {
		s = b.bids
	}
	if size <= 0 {
		s.remove(key)
		return nil
	}
	s.set(key, size)
	return nil
}

// Depth returns up to n levels per side in canonical order: bids high to
// low, asks low to high. n == 0 returns empty sides; n past the available
// depth returns everything.
func (b *VenueBook) Depth(n int) (bids, asks []domain.PriceLevel) {
	return b.sideLevels(b.bids, n), b.sideLevels(b.asks, n)
}

// DepthAll returns every level on both sides in canonical order.
func (b *VenueBook) DepthAll() (bids, asks []domain.PriceLevel) {
	return b.sideLevels(b.bids, b.bids.ix.len()), b.sideLevels(b.asks, b.asks.ix.len())
}

func (b *VenueBook) sideLevels(s *bookSide, n int) []domain.PriceLevel {
	keys := s.ix.top(n)
	out := make([]domain.PriceLevel, 0, len(keys))
	for _, key := range keys {
		out = append(out, domain.PriceLevel{Price: b.grid.Price(key), Size: s.sizes[key]})
	}
	return out
}

// BBO returns the current best bid and ask; a zero size means that side is
// empty.
func (b *VenueBook) BBO() domain.BBO {
	var out domain.BBO
	if key, ok := b.bids.ix.best(); ok {
		out.BidPrice, out.BidSize = b.grid.Price(key), b.bids.sizes[key]
	}
	if key, ok := b.asks.ix.best(); ok {
		out.AskPrice, out.AskSize = b.grid.Price(key), b.asks.sizes[key]
	}
	return out
}

// Levels returns the number of occupied price levels per side.
func (b *VenueBook) Levels() (nbids, nasks int) {
	return b.bids.ix.len(), b.asks.ix.len()
}

// Clear empties both sides. The grid is untouched.
func (b *VenueBook) Clear() {
	b.bids.replace(make(map[int64]float64))
	b.asks.replace(make(map[int64]float64))
}

// Precision returns the book's quantization precision.
func (b *VenueBook) Precision() int {
	return b.grid.Precision()
}

package book

import (
	"fmt"
	"math"

	"github.com/liquiditylab/aggbook/internal/domain"
)

// Grid quantizes floating prices onto a fixed-precision integer grid so
// prices from venues with different tick sizes become comparable map keys.
// Precision is fixed at construction and never changes.
type Grid struct {
	precision int
	scale     float64
}

// NewGrid returns a grid with the given number of decimal digits.
func NewGrid(precision int) (Grid, error) {
	if precision < 0 || precision > 12 {
		return Grid{}, fmt.Errorf("book: grid precision %d: %w", precision, domain.ErrInvalidPrice)
	}
	return Grid{precision: precision, scale: math.Pow(10, float64(precision))}, nil
}

// Quantize maps price onto the grid key. Non-finite, non-positive, or
// overflowing prices are rejected with domain.ErrInvalidPrice and are never
// stored.
func (g Grid) Quantize(price float64) (int64, error) {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return 0, fmt.Errorf("book: quantize %v: %w", price, domain.ErrInvalidPrice)
	}
	scaled := math.Round(price * g.scale)
	if scaled >= math.MaxInt64 {
		return 0, fmt.Errorf("book: quantize %v: %w", price, domain.ErrInvalidPrice)
	}
	return int64(scaled), nil
}

// Price converts a grid key back to a display price.
func (g Grid) Price(key int64) float64 {
	return float64(key) / g.scale
}

// Precision returns the number of decimal digits on the grid.
func (g Grid) Precision() int {
	return g.precision
}

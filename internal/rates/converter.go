package rates

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/liquiditylab/aggbook/internal/domain"
)

// Converter caches quote-currency/USD rates with a TTL. A rate older than
// the TTL is treated as absent: Convert signals domain.ErrRateStale and a
// fresh rate must land through SetRate before conversion proceeds. The
// cache never serves a rate past its TTL. USD converts as identity and is
// never stale.
type Converter struct {
	mu    sync.RWMutex
	ttl   time.Duration
	rates map[string]rateEntry
}

type rateEntry struct {
	rate float64
	at   time.Time
}

// NewConverter returns a converter whose rates stay usable for ttl.
func NewConverter(ttl time.Duration) *Converter {
	return &Converter{ttl: ttl, rates: make(map[string]rateEntry)}
}

// Convert turns amount denominated in currency into USD.
func (c *Converter) Convert(currency string, amount float64) (float64, error) {
	cur := strings.ToUpper(currency)
	if cur == "USD" {
		return amount, nil
	}
	c.mu.RLock()
	e, ok := c.rates[cur]
	c.mu.RUnlock()
	if !ok || time.Since(e.at) > c.ttl {
		return 0, fmt.Errorf("rates: %s/USD: %w", cur, domain.ErrRateStale)
	}
	return amount * e.rate, nil
}

// Rate returns the cached fresh rate for currency and when it was observed.
func (c *Converter) Rate(currency string) (float64, time.Time, error) {
	cur := strings.ToUpper(currency)
	if cur == "USD" {
		return 1, time.Now(), nil
	}
	c.mu.RLock()
	e, ok := c.rates[cur]
	c.mu.RUnlock()
	if !ok || time.Since(e.at) > c.ttl {
		return 0, time.Time{}, fmt.Errorf("rates: %s/USD: %w", cur, domain.ErrRateStale)
	}
	return e.rate, e.at, nil
}

// SetRate installs a rate observed at the given time. Non-finite or
// non-positive rates are rejected; the USD identity rate cannot be changed.
func (c *Converter) SetRate(currency string, rate float64, at time.Time) error {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return fmt.Errorf("rates: set %s/USD to %v: %w", currency, rate, domain.ErrInvalidPrice)
	}
	cur := strings.ToUpper(currency)
	if cur == "USD" {
		return nil
	}
	c.mu.Lock()
	c.rates[cur] = rateEntry{rate: rate, at: at}
	c.mu.Unlock()
	return nil
}

// Fresh reports whether currency can convert right now.
func (c *Converter) Fresh(currency string) bool {
	_, _, err := c.Rate(currency)
	return err == nil
}

// TTL returns the configured staleness bound.
func (c *Converter) TTL() time.Duration {
	return c.ttl
}

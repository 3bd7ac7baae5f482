package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/liquiditylab/aggbook/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RateCache implements domain.RateCache using Redis hashes.
// Each currency's USD rate is stored as a hash at key "rate:{currency}" with
// fields "rate" and "ts" (Unix nanosecond timestamp). The cache lets a
// restarted process warm its converter without waiting on the rate source;
// the converter's own TTL still decides freshness.
type RateCache struct {
	rdb *redis.Client
}

// NewRateCache creates a RateCache backed by the given Client.
func NewRateCache(c *Client) *RateCache {
	return &RateCache{rdb: c.Underlying()}
}

func rateKey(currency string) string {
	return "rate:" + currency
}

// SetRate stores the latest USD rate and observation time for a currency.
func (rc *RateCache) SetRate(ctx context.Context, currency string, rate float64, ts time.Time) error {
	key := rateKey(currency)
	fields := map[string]interface{}{
		"rate": strconv.FormatFloat(rate, 'f', -1, 64),
		"ts":   strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := rc.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis: set rate %s: %w", currency, err)
	}
	return nil
}

// GetRate retrieves the latest USD rate and observation time for a currency.
// It returns domain.ErrNotFound when the key does not exist.
func (rc *RateCache) GetRate(ctx context.Context, currency string) (float64, time.Time, error) {
	key := rateKey(currency)
	vals, err := rc.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get rate %s: %w", currency, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	rateStr, ok := vals["rate"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	rate, err := strconv.ParseFloat(rateStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse rate %s: %w", currency, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse rate ts %s: %w", currency, err)
	}

	return rate, time.Unix(0, tsNano), nil
}

// Compile-time interface check.
var _ domain.RateCache = (*RateCache)(nil)

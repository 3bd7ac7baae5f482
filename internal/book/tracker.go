package book

import (
	"time"

	"github.com/liquiditylab/aggbook/internal/domain"
)

// tracker accumulates per-venue feed metrics. Written only from the update
// path under the manager lock.
type tracker struct {
	updates   int64 // level updates applied
	snapshots int64
	resyncs   int64
	samples   int64 // latency observations
	avgLatMs  float64
	lastAt    time.Time
}

// observe folds one processing-latency sample into the running average
// using avg' = (avg*n + x) / (n+1), with n the prior sample count.
func (t *tracker) observe(lat time.Duration, applied int64, at time.Time) {
	ms := float64(lat.Microseconds()) / 1e3
	if ms < 0 {
		ms = 0
	}
	n := float64(t.samples)
	t.avgLatMs = (t.avgLatMs*n + ms) / (n + 1)
	t.samples++
	t.updates += applied
	t.lastAt = at
}

func (t *tracker) metrics(venue domain.Venue, state domain.BookState, bbo domain.BBO) domain.VenueMetrics {
	return domain.VenueMetrics{
		Venue:        venue,
		State:        state,
		Updates:      t.updates,
		Snapshots:    t.snapshots,
		Resyncs:      t.resyncs,
		AvgLatencyMs: t.avgLatMs,
		BestBid:      bbo.BidPrice,
		BestAsk:      bbo.AskPrice,
		LastUpdate:   t.lastAt,
	}
}

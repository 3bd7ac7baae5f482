package domain

import "time"

// Side distinguishes the bid and ask halves of a book.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookSnapshot is a full replacement of one venue's bid/ask state,
// typically fetched over REST before streaming begins.
type BookSnapshot struct {
	Venue     Venue
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Sequence  int64
	Timestamp time.Time
}

// BookDiff is one batch of incremental level updates from a venue stream.
// Sizes are absolute: each entry states the new resting size at that price,
// and size 0 removes the level.
type BookDiff struct {
	Venue     Venue
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	FirstSeq  int64
	LastSeq   int64
	Timestamp time.Time
}

// BBO is the best bid and offer of a single book view.
type BBO struct {
	BidPrice float64
	BidSize  float64
	AskPrice float64
	AskSize  float64
}

// Crossed reports whether the best bid has reached or passed the best ask.
func (b BBO) Crossed() bool {
	return b.BidSize > 0 && b.AskSize > 0 && b.BidPrice >= b.AskPrice
}

// Mid returns the midpoint price, or 0 when either side is empty.
func (b BBO) Mid() float64 {
	if b.BidSize <= 0 || b.AskSize <= 0 {
		return 0
	}
	return (b.BidPrice + b.AskPrice) / 2
}

// DepthLevel is one aggregated price level with per-venue attribution.
// Size always equals the sum over Sources.
type DepthLevel struct {
	Price   float64           `json:"price"`
	Size    float64           `json:"size"`
	Sources map[Venue]float64 `json:"sources,omitempty"`
}

// VenueMetrics is the per-venue observability counter set. Written only by
// the update path, read only by monitoring.
type VenueMetrics struct {
	Venue        Venue     `json:"venue"`
	State        BookState `json:"state"`
	Updates      int64     `json:"updates"`
	Snapshots    int64     `json:"snapshots"`
	Resyncs      int64     `json:"resyncs"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	BestBid      float64   `json:"best_bid"`
	BestAsk      float64   `json:"best_ask"`
	LastUpdate   time.Time `json:"last_update"`
}

package domain

import "time"

// Crossing records one observed crossed-book condition in the aggregate:
// the best bid reached or passed the best ask. The condition is
// observational; the engine records it and moves on.
type Crossing struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	BidPrice   float64   `json:"bid_price"`
	AskPrice   float64   `json:"ask_price"`
	BidSize    float64   `json:"bid_size"`
	AskSize    float64   `json:"ask_size"`
	BidVenues  []Venue   `json:"bid_venues"`
	AskVenues  []Venue   `json:"ask_venues"`
	SpreadBps  float64   `json:"spread_bps"`
	OverlapUSD float64   `json:"overlap_usd"`
	ObservedAt time.Time `json:"observed_at"`
}

// FeedSession records one venue feed connection from snapshot to disconnect.
type FeedSession struct {
	ID        string     `json:"id"`
	Venue     Venue      `json:"venue"`
	Symbol    string     `json:"symbol"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason"`
	Snapshots int64      `json:"snapshots"`
	Diffs     int64      `json:"diffs"`
	Gaps      int64      `json:"gaps"`
}

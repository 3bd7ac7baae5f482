package domain

import "time"

// BookEventKind classifies what produced a book event.
type BookEventKind string

const (
	BookEventSnapshot BookEventKind = "snapshot"
	BookEventDiff     BookEventKind = "diff"
	BookEventResync   BookEventKind = "resync"
)

// BookEvent is published on the books channel after every applied snapshot,
// diff batch, or resync.
type BookEvent struct {
	Venue      Venue         `json:"venue"`
	Symbol     string        `json:"symbol"`
	Kind       BookEventKind `json:"kind"`
	BestBid    float64       `json:"best_bid"`
	BestAsk    float64       `json:"best_ask"`
	AggBestBid float64       `json:"agg_best_bid"`
	AggBestAsk float64       `json:"agg_best_ask"`
	Crossed    bool          `json:"crossed"`
	Timestamp  time.Time     `json:"ts"`
}

// RateEvent is published on the rates channel after every successful
// quote-currency rate refresh.
type RateEvent struct {
	Currency  string    `json:"currency"`
	Rate      float64   `json:"rate"`
	Timestamp time.Time `json:"ts"`
}

// CrossingEvent is published on the crossings channel when the aggregate
// book is observed crossed.
type CrossingEvent struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	BidPrice  float64   `json:"bid_price"`
	AskPrice  float64   `json:"ask_price"`
	BidSize   float64   `json:"bid_size"`
	AskSize   float64   `json:"ask_size"`
	BidVenues []Venue   `json:"bid_venues"`
	AskVenues []Venue   `json:"ask_venues"`
	SpreadBps float64   `json:"spread_bps"`
	Timestamp time.Time `json:"ts"`
}

// EngineStatus is a summary of the engine's current operational state.
type EngineStatus struct {
	Mode          string              `json:"mode"`
	Symbol        string              `json:"symbol"`
	Venues        map[Venue]BookState `json:"venues"`
	RateFresh     bool                `json:"rate_fresh"`
	UptimeSeconds int64               `json:"uptime_seconds"`
}

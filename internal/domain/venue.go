package domain

// Venue identifies one configured trading venue. Venues are a closed set:
// adding one means registering a new identity here plus wiring an adapter,
// never changing the aggregation logic.
type Venue string

const (
	VenueBinance  Venue = "binance"
	VenueOKX      Venue = "okx"
	VenueCoinbase Venue = "coinbase"
)

// KnownVenues lists every venue this build can ingest.
var KnownVenues = []Venue{VenueBinance, VenueOKX, VenueCoinbase}

// Valid reports whether v is a known venue identity.
func (v Venue) Valid() bool {
	for _, k := range KnownVenues {
		if v == k {
			return true
		}
	}
	return false
}

// BookState tracks a venue book through its feed lifecycle. Transitions are
// monotonic: registered -> snapshotted -> live. A resync drives the venue
// back to registered, never to an intermediate state.
type BookState string

const (
	BookStateRegistered  BookState = "registered"
	BookStateSnapshotted BookState = "snapshotted"
	BookStateLive        BookState = "live"
)

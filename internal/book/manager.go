package book

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/liquiditylab/aggbook/internal/domain"
)

// Converter turns a venue's quote-currency price into a USD value. A stale
// rate surfaces as domain.ErrRateStale; the update path then defers the
// venue's aggregate contribution instead of failing the book half.
type Converter interface {
	Convert(currency string, amount float64) (float64, error)
}

// Config bounds the manager's common grid and aggregate fold behavior.
type Config struct {
	Symbol    string
	Precision int
	FoldDepth int // venue levels folded into the aggregate per side; 0 folds the whole book
}

type venueEntry struct {
	venue domain.Venue
	quote string
	book  *VenueBook
	state domain.BookState
	dirty bool // aggregate contribution is behind the book, awaiting a fresh rate
	track tracker
}

// Manager owns one VenueBook per registered venue plus the aggregate view,
// and routes every snapshot and diff into both under a single lock so the
// two views never diverge for longer than one call. Venue books hold native
// prices; the aggregate holds USD prices on the common grid.
type Manager struct {
	mu     sync.RWMutex
	cfg    Config
	conv   Converter
	agg    *AggregatedBook
	venues map[domain.Venue]*venueEntry
}

// NewManager returns a manager with an empty aggregate on the configured
// common grid and no registered venues.
func NewManager(cfg Config, conv Converter) (*Manager, error) {
	if cfg.FoldDepth < 0 {
		return nil, fmt.Errorf("book: fold depth %d out of range", cfg.FoldDepth)
	}
	agg, err := NewAggregatedBook(cfg.Precision)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:    cfg,
		conv:   conv,
		agg:    agg,
		venues: make(map[domain.Venue]*venueEntry),
	}, nil
}

// AddVenue registers venue with its quote currency and native precision and
// creates its empty book. The venue contributes nothing to the aggregate
// until a snapshot lands. An empty quote means USD.
func (m *Manager) AddVenue(venue domain.Venue, quote string, precision int) error {
	if !venue.Valid() {
		return fmt.Errorf("book: add venue %q: %w", venue, domain.ErrUnknownVenue)
	}
	if quote == "" {
		quote = "USD"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.venues[venue]; ok {
		return fmt.Errorf("book: add venue %q: %w", venue, domain.ErrAlreadyExists)
	}
	vb, err := NewVenueBook(precision)
	if err != nil {
		return err
	}
	m.venues[venue] = &venueEntry{
		venue: venue,
		quote: quote,
		book:  vb,
		state: domain.BookStateRegistered,
	}
	return nil
}

// RemoveVenue deregisters venue, destroying its book and wiping its
// aggregate contribution.
func (m *Manager) RemoveVenue(venue domain.Venue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.venues[venue]; !ok {
		return fmt.Errorf("book: remove venue %q: %w", venue, domain.ErrUnknownVenue)
	}
	delete(m.venues, venue)
	m.agg.ClearVenue(venue)
	return nil
}

// ApplySnapshot replaces venue's book with the snapshot contents and
// re-seeds its aggregate contribution. The book install is atomic. With a
// stale conversion rate the aggregate half stays deferred and the call
// returns domain.ErrRateStale; the book half is still installed. A fold
// that leaves the aggregate crossed surfaces domain.ErrCrossedBook with the
// snapshot fully applied; the condition is observational, not a failure.
func (m *Manager) ApplySnapshot(snap domain.BookSnapshot) error {
	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.venues[snap.Venue]
	if !ok {
		return fmt.Errorf("book: snapshot for %q: %w", snap.Venue, domain.ErrUnknownVenue)
	}
	if err := e.book.ApplySnapshot(snap.Bids, snap.Asks); err != nil {
		return err
	}
	e.state = domain.BookStateSnapshotted
	e.track.snapshots++
	err := m.refoldLocked(e)
	e.track.observe(time.Since(start), 0, time.Now())
	if err != nil {
		return err
	}
	return m.crossedLocked()
}

// UpdateOrderbook applies one absolute level update to venue's book and to
// the aggregate in the same call. With a stale rate the venue half still
// applies, the venue is marked for refold, and domain.ErrRateStale comes
// back. Updates before the first snapshot are rejected with
// domain.ErrNoSnapshot. An update that leaves the aggregate crossed
// surfaces domain.ErrCrossedBook after applying fully.
func (m *Manager) UpdateOrderbook(venue domain.Venue, price, size float64, isBid bool) error {
	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.venues[venue]
	if !ok {
		return fmt.Errorf("book: update for %q: %w", venue, domain.ErrUnknownVenue)
	}
	if e.state == domain.BookStateRegistered {
		return fmt.Errorf("book: update for %q: %w", venue, domain.ErrNoSnapshot)
	}
	rate, rateErr := m.conv.Convert(e.quote, 1)
	if err := m.updateLevelLocked(e, rate, rateErr, price, size, isBid); err != nil {
		return err
	}
	e.state = domain.BookStateLive
	e.track.observe(time.Since(start), 1, time.Now())
	if rateErr != nil {
		e.dirty = true
		return fmt.Errorf("book: update for %q deferred: %w", venue, rateErr)
	}
	return m.crossedLocked()
}

// ApplyDiff applies one streaming batch in a single critical section. The
// first applied diff moves the venue to the live state. Stale-rate deferral
// and the crossed condition surface the same way as UpdateOrderbook.
func (m *Manager) ApplyDiff(diff domain.BookDiff) error {
	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.venues[diff.Venue]
	if !ok {
		return fmt.Errorf("book: diff for %q: %w", diff.Venue, domain.ErrUnknownVenue)
	}
	if e.state == domain.BookStateRegistered {
		return fmt.Errorf("book: diff for %q: %w", diff.Venue, domain.ErrNoSnapshot)
	}
	rate, rateErr := m.conv.Convert(e.quote, 1)
	applied := int64(0)
	for _, lv := range diff.Bids {
		if err := m.updateLevelLocked(e, rate, rateErr, lv.Price, lv.Size, true); err != nil {
			return err
		}
		applied++
	}
	for _, lv := range diff.Asks {
		if err := m.updateLevelLocked(e, rate, rateErr, lv.Price, lv.Size, false); err != nil {
			return err
		}
		applied++
	}
	e.state = domain.BookStateLive
	e.track.observe(time.Since(start), applied, time.Now())
	if rateErr != nil {
		e.dirty = true
		return fmt.Errorf("book: diff for %q deferred: %w", diff.Venue, rateErr)
	}
	return m.crossedLocked()
}

// crossedLocked reports a crossed aggregate as domain.ErrCrossedBook. The
// book never resolves a cross itself; callers treat the error as a signal
// to observe, not to retry.
func (m *Manager) crossedLocked() error {
	if !m.agg.Crossed() {
		return nil
	}
	bbo := m.agg.BBO()
	return fmt.Errorf("book: best bid %v >= best ask %v: %w", bbo.BidPrice, bbo.AskPrice, domain.ErrCrossedBook)
}

func (m *Manager) updateLevelLocked(e *venueEntry, rate float64, rateErr error, price, size float64, isBid bool) error {
	if err := e.book.Update(price, size, isBid); err != nil {
		return err
	}
	if rateErr != nil {
		return nil // aggregate half deferred until a fresh rate lands
	}
	return m.agg.Update(price*rate, size, isBid, e.venue)
}

// RebuildAggregate clears every venue's contribution and refolds each
// seeded venue book's current depth, correcting any accumulated drift.
// Venues whose quote rate is stale stay out of the aggregate, marked for
// refold, and surface collectively as domain.ErrRateStale.
func (m *Manager) RebuildAggregate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deferred []string
	for _, e := range m.sortedEntriesLocked() {
		if e.state == domain.BookStateRegistered {
			m.agg.ClearVenue(e.venue)
			continue
		}
		if err := m.refoldLocked(e); err != nil {
			if errors.Is(err, domain.ErrRateStale) {
				deferred = append(deferred, string(e.venue))
				continue
			}
			return err
		}
	}
	if len(deferred) > 0 {
		return fmt.Errorf("book: rebuild deferred for %s: %w", strings.Join(deferred, ","), domain.ErrRateStale)
	}
	return nil
}

// refoldLocked replaces e's aggregate contribution with its book's current
// top FoldDepth levels, converted at one rate resolution so a fold is never
// half old, half new.
func (m *Manager) refoldLocked(e *venueEntry) error {
	m.agg.ClearVenue(e.venue)
	rate, err := m.conv.Convert(e.quote, 1)
	if err != nil {
		e.dirty = true
		return fmt.Errorf("book: fold %q: %w", e.venue, err)
	}
	var bids, asks []domain.PriceLevel
	if m.cfg.FoldDepth <= 0 {
		bids, asks = e.book.DepthAll()
	} else {
		bids, asks = e.book.Depth(m.cfg.FoldDepth)
	}
	for _, lv := range bids {
		if err := m.agg.Update(lv.Price*rate, lv.Size, true, e.venue); err != nil {
			m.agg.ClearVenue(e.venue)
			e.dirty = true
			return err
		}
	}
	for _, lv := range asks {
		if err := m.agg.Update(lv.Price*rate, lv.Size, false, e.venue); err != nil {
			m.agg.ClearVenue(e.venue)
			e.dirty = true
			return err
		}
	}
	e.dirty = false
	return nil
}

// ResyncVenue drops venue back to the registered state: its book is emptied
// and its aggregate contribution wiped. The caller follows with a fresh
// snapshot.
func (m *Manager) ResyncVenue(venue domain.Venue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.venues[venue]
	if !ok {
		return fmt.Errorf("book: resync %q: %w", venue, domain.ErrUnknownVenue)
	}
	e.book.Clear()
	m.agg.ClearVenue(venue)
	e.state = domain.BookStateRegistered
	e.dirty = false
	e.track.resyncs++
	return nil
}

// VenueDepth returns up to n levels per side of venue's native-price book.
func (m *Manager) VenueDepth(venue domain.Venue, n int) (bids, asks []domain.PriceLevel, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.venues[venue]
	if !ok {
		return nil, nil, fmt.Errorf("book: depth for %q: %w", venue, domain.ErrUnknownVenue)
	}
	bids, asks = e.book.Depth(n)
	return bids, asks, nil
}

// VenueBBO returns venue's native-price best bid and ask.
func (m *Manager) VenueBBO(venue domain.Venue) (domain.BBO, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.venues[venue]
	if !ok {
		return domain.BBO{}, fmt.Errorf("book: bbo for %q: %w", venue, domain.ErrUnknownVenue)
	}
	return e.book.BBO(), nil
}

// AggregatedDepth returns up to n USD-price aggregate levels per side with
// per-venue attribution.
func (m *Manager) AggregatedDepth(n int) (bids, asks []domain.DepthLevel) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agg.Depth(n)
}

// AggregatedDepthAll returns the whole aggregate on both sides.
func (m *Manager) AggregatedDepthAll() (bids, asks []domain.DepthLevel) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agg.DepthAll()
}

// AggregatedBBO returns the aggregate best bid and ask in USD.
func (m *Manager) AggregatedBBO() domain.BBO {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agg.BBO()
}

// BestSources returns the venues quoting the aggregate best bid and ask.
func (m *Manager) BestSources() (bidVenues, askVenues []domain.Venue) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agg.BestSources()
}

// Crossed reports whether the aggregate book is currently crossed.
func (m *Manager) Crossed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agg.Crossed()
}

// HasDeferred reports whether any venue's aggregate contribution is behind
// its book, awaiting a fresh rate.
func (m *Manager) HasDeferred() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.venues {
		if e.dirty {
			return true
		}
	}
	return false
}

// Metrics returns a point-in-time copy of every venue's counters.
func (m *Manager) Metrics() map[domain.Venue]domain.VenueMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.Venue]domain.VenueMetrics, len(m.venues))
	for v, e := range m.venues {
		out[v] = e.track.metrics(v, e.state, e.book.BBO())
	}
	return out
}

// VenueStates returns each registered venue's lifecycle state.
func (m *Manager) VenueStates() map[domain.Venue]domain.BookState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.Venue]domain.BookState, len(m.venues))
	for v, e := range m.venues {
		out[v] = e.state
	}
	return out
}

// Venues returns the registered venues sorted by name.
func (m *Manager) Venues() []domain.Venue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Venue, 0, len(m.venues))
	for v := range m.venues {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Symbol returns the instrument this manager aggregates.
func (m *Manager) Symbol() string {
	return m.cfg.Symbol
}

func (m *Manager) sortedEntriesLocked() []*venueEntry {
	out := make([]*venueEntry, 0, len(m.venues))
	for _, e := range m.venues {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].venue < out[j].venue })
	return out
}

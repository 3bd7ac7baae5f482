package handler

import (
	"net/http"
	"time"

	"github.com/liquiditylab/aggbook/internal/domain"
)

// RateChecker reports quote-currency rate freshness.
type RateChecker interface {
	Fresh(currency string) bool
}

// StatusHandler serves the engine status summary.
type StatusHandler struct {
	mode      string
	currency  string
	books     BookReader
	rates     RateChecker
	startedAt time.Time
}

// NewStatusHandler creates a StatusHandler. rates may be nil when the
// quote currency is USD and no conversion runs.
func NewStatusHandler(mode, currency string, books BookReader, rates RateChecker, startedAt time.Time) *StatusHandler {
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	return &StatusHandler{
		mode:      mode,
		currency:  currency,
		books:     books,
		rates:     rates,
		startedAt: startedAt,
	}
}

// GetStatus responds with the engine mode, per-venue feed states, and rate
// freshness.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	rateFresh := true
	if h.rates != nil {
		rateFresh = h.rates.Fresh(h.currency)
	}
	uptime := int64(time.Since(h.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}

	writeJSON(w, http.StatusOK, domain.EngineStatus{
		Mode:          h.mode,
		Symbol:        h.books.Symbol(),
		Venues:        h.books.VenueStates(),
		RateFresh:     rateFresh,
		UptimeSeconds: uptime,
	})
}

package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/liquiditylab/aggbook/internal/domain"
)

// BookReader is the view of the book service the HTTP handlers need.
type BookReader interface {
	Symbol() string
	VenueDepth(venue domain.Venue, n int) (bids, asks []domain.PriceLevel, err error)
	VenueBBO(venue domain.Venue) (domain.BBO, error)
	AggregateDepth(n int) (bids, asks []domain.DepthLevel)
	AggregateBBO() domain.BBO
	BestSources() (bidVenues, askVenues []domain.Venue)
	Crossed() bool
	VenueMetrics() map[domain.Venue]domain.VenueMetrics
	VenueStates() map[domain.Venue]domain.BookState
}

// BookHandler serves per-venue order book endpoints.
type BookHandler struct {
	books  BookReader
	logger *slog.Logger
}

// NewBookHandler creates a BookHandler.
func NewBookHandler(books BookReader, logger *slog.Logger) *BookHandler {
	return &BookHandler{books: books, logger: logger}
}

// parseDepthLevels reads the levels query parameter. Default 20, max 500.
func parseDepthLevels(r *http.Request) int {
	levels := 20
	if v := r.URL.Query().Get("levels"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			levels = n
		}
	}
	if levels > 500 {
		levels = 500
	}
	return levels
}

// parseVenue validates the {venue} path parameter.
func parseVenue(r *http.Request) (domain.Venue, bool) {
	v := domain.Venue(pathParam(r, "venue"))
	return v, v.Valid()
}

// bboResponse is the JSON shape shared by venue and aggregate BBO endpoints.
type bboResponse struct {
	Symbol   string    `json:"symbol"`
	BidPrice float64   `json:"bid_price"`
	BidSize  float64   `json:"bid_size"`
	AskPrice float64   `json:"ask_price"`
	AskSize  float64   `json:"ask_size"`
	Mid      float64   `json:"mid"`
	Crossed  bool      `json:"crossed"`
	AsOf     time.Time `json:"as_of"`
}

// Depth returns the top levels of one venue's book, quantized to USD.
// GET /api/book/{venue}/depth?levels=20
func (h *BookHandler) Depth(w http.ResponseWriter, r *http.Request) {
	venue, ok := parseVenue(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown venue")
		return
	}
	levels := parseDepthLevels(r)

	bids, asks, err := h.books.VenueDepth(venue, levels)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownVenue) {
			writeError(w, http.StatusNotFound, "venue not configured")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: venue depth failed",
			slog.String("venue", string(venue)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read venue depth")
		return
	}

	if bids == nil {
		bids = []domain.PriceLevel{}
	}
	if asks == nil {
		asks = []domain.PriceLevel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"venue":  venue,
		"symbol": h.books.Symbol(),
		"bids":   bids,
		"asks":   asks,
	})
}

// BBO returns one venue's best bid and offer.
// GET /api/book/{venue}/bbo
func (h *BookHandler) BBO(w http.ResponseWriter, r *http.Request) {
	venue, ok := parseVenue(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown venue")
		return
	}

	bbo, err := h.books.VenueBBO(venue)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownVenue) {
			writeError(w, http.StatusNotFound, "venue not configured")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: venue bbo failed",
			slog.String("venue", string(venue)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read venue bbo")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"venue": venue,
		"bbo": bboResponse{
			Symbol:   h.books.Symbol(),
			BidPrice: bbo.BidPrice,
			BidSize:  bbo.BidSize,
			AskPrice: bbo.AskPrice,
			AskSize:  bbo.AskSize,
			Mid:      bbo.Mid(),
			Crossed:  bbo.Crossed(),
			AsOf:     time.Now().UTC(),
		},
	})
}

// VenueMetrics returns per-venue book statistics and feed states.
// GET /api/metrics/venues
func (h *BookHandler) VenueMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":  h.books.Symbol(),
		"metrics": h.books.VenueMetrics(),
		"states":  h.books.VenueStates(),
	})
}

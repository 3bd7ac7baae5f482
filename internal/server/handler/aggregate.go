package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/liquiditylab/aggbook/internal/domain"
)

// Resyncer forces venue feeds to drop their stream and refetch snapshots.
type Resyncer interface {
	Resync(venue domain.Venue) bool
	ResyncAll()
}

// AggregateHandler serves the cross-venue aggregate book endpoints.
type AggregateHandler struct {
	books    BookReader
	resyncer Resyncer
	locks    domain.LockManager // optional; serializes operator resyncs
	logger   *slog.Logger
}

// NewAggregateHandler creates an AggregateHandler.
func NewAggregateHandler(books BookReader, resyncer Resyncer, locks domain.LockManager, logger *slog.Logger) *AggregateHandler {
	return &AggregateHandler{books: books, resyncer: resyncer, locks: locks, logger: logger}
}

// depthLevel is the JSON shape of one aggregate level. Sources is omitted
// unless attribution is requested.
type depthLevel struct {
	Price   float64                  `json:"price"`
	Size    float64                  `json:"size"`
	Sources map[domain.Venue]float64 `json:"sources,omitempty"`
}

// Depth returns the folded aggregate book. Venue attribution per level is
// included when attribution=true.
// GET /api/aggregate/depth?levels=20&attribution=true
func (h *AggregateHandler) Depth(w http.ResponseWriter, r *http.Request) {
	levels := parseDepthLevels(r)
	attribution := r.URL.Query().Get("attribution") == "true"

	bids, asks := h.books.AggregateDepth(levels)
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":  h.books.Symbol(),
		"crossed": h.books.Crossed(),
		"bids":    toDepthLevels(bids, attribution),
		"asks":    toDepthLevels(asks, attribution),
	})
}

// BBO returns the cross-venue best bid and offer with venue attribution.
// GET /api/aggregate/bbo
func (h *AggregateHandler) BBO(w http.ResponseWriter, r *http.Request) {
	bbo := h.books.AggregateBBO()
	bidVenues, askVenues := h.books.BestSources()

	writeJSON(w, http.StatusOK, map[string]any{
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
		"bid_venues": bidVenues,
		"ask_venues": askVenues,
	})
}

// resyncRequest optionally narrows a resync to one venue.
type resyncRequest struct {
	Venue string `json:"venue"`
}

// Resync forces feeds to refetch snapshots, all venues or one. A
// distributed lock keeps concurrent operator requests from stacking up.
// POST /api/aggregate/resync
func (h *AggregateHandler) Resync(w http.ResponseWriter, r *http.Request) {
	if h.resyncer == nil {
		writeError(w, http.StatusNotImplemented, "no feeds running on this node")
		return
	}
	if h.locks != nil {
		unlock, err := h.locks.Acquire(r.Context(), "resync:"+h.books.Symbol(), 10*time.Second)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				writeError(w, http.StatusConflict, "resync already in progress")
				return
			}
			h.logger.ErrorContext(r.Context(), "handler: resync lock failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to acquire resync lock")
			return
		}
		defer unlock()
	}

	var req resyncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	scope := "all"
	if req.Venue != "" {
		venue := domain.Venue(req.Venue)
		if !venue.Valid() {
			writeError(w, http.StatusBadRequest, "unknown venue")
			return
		}
		if !h.resyncer.Resync(venue) {
			writeError(w, http.StatusNotFound, "venue not running")
			return
		}
		scope = string(venue)
	} else {
		h.resyncer.ResyncAll()
	}

	h.logger.InfoContext(r.Context(), "handler: resync requested",
		slog.String("scope", scope),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"scope":        scope,
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func toDepthLevels(in []domain.DepthLevel, attribution bool) []depthLevel {
	out := make([]depthLevel, 0, len(in))
	for _, lv := range in {
		dl := depthLevel{Price: lv.Price, Size: lv.Size}
		if attribution {
			dl.Sources = lv.Sources
		}
		out = append(out, dl)
	}
	return out
}

package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/liquiditylab/aggbook/internal/domain"
)

// CrossingLister is the view of the crossing service the handler requires.
type CrossingLister interface {
	ListRecent(ctx context.Context, limit int) ([]domain.Crossing, error)
	ListByVenue(ctx context.Context, venue domain.Venue, opts domain.ListOpts) ([]domain.Crossing, error)
}

// CrossingHandler serves recorded crossed-book conditions.
type CrossingHandler struct {
	crossings CrossingLister
	logger    *slog.Logger
}

// NewCrossingHandler creates a CrossingHandler.
func NewCrossingHandler(crossings CrossingLister, logger *slog.Logger) *CrossingHandler {
	return &CrossingHandler{crossings: crossings, logger: logger}
}

// ListRecent returns the most recent crossings, optionally filtered to those
// where a given venue sat on either side.
// GET /api/crossings/recent?limit=20&venue=binance
func (h *CrossingHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}

	var (
		list []domain.Crossing
		err  error
	)
	if v := r.URL.Query().Get("venue"); v != "" {
		venue := domain.Venue(v)
		if !venue.Valid() {
			writeError(w, http.StatusBadRequest, "unknown venue")
			return
		}
		opts := parseListOpts(r)
		opts.Limit = limit
		list, err = h.crossings.ListByVenue(r.Context(), venue, opts)
	} else {
		list, err = h.crossings.ListRecent(r.Context(), limit)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list crossings failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list crossings")
		return
	}

	if list == nil {
		list = []domain.Crossing{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"crossings": list})
}

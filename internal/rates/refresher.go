package rates

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/liquiditylab/aggbook/internal/domain"
	"github.com/liquiditylab/aggbook/internal/metrics"
)

// Source provides the current quote-currency/USD rate from a venue.
type Source interface {
	Name() string
	Rate(ctx context.Context) (float64, error)
}

// Rebuilder re-derives the aggregate view after a rate moves.
type Rebuilder interface {
	RebuildAggregate() error
	HasDeferred() bool
}

// RefresherConfig bounds one refresher loop.
type RefresherConfig struct {
	Currency string
	Interval time.Duration
}

// Refresher polls a rate source on an interval, installs fresh rates into
// the converter, mirrors them to the rate cache, publishes rate events, and
// triggers an aggregate rebuild whenever the applied rate moves or a venue
// sits deferred on a stale rate.
type Refresher struct {
	cfg     RefresherConfig
	conv    *Converter
	src     Source
	rebuild Rebuilder
	cache   domain.RateCache
	bus     domain.EventBus
	logger  *slog.Logger
	metrics *metrics.Metrics
	last    float64 // last applied rate, 0 until the first refresh
}

// NewRefresher wires a refresher. cache and bus may be nil.
func NewRefresher(
	cfg RefresherConfig,
	conv *Converter,
	src Source,
	rebuild Rebuilder,
	cache domain.RateCache,
	bus domain.EventBus,
	logger *slog.Logger,
) *Refresher {
	return &Refresher{
		cfg:     cfg,
		conv:    conv,
		src:     src,
		rebuild: rebuild,
		cache:   cache,
		bus:     bus,
		logger:  logger.With(slog.String("component", "rate_refresher")),
	}
}

// WithMetrics enables the USD rate gauge and stale-refresh counter.
func (r *Refresher) WithMetrics(m *metrics.Metrics) *Refresher {
	r.metrics = m
	return r
}

// Run warms the converter from the rate cache, refreshes once immediately,
// then refreshes on the configured interval until ctx ends.
func (r *Refresher) Run(ctx context.Context) error {
	r.warm(ctx)
	r.refresh(ctx)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) warm(ctx context.Context) {
	if r.cache == nil {
		return
	}
	rate, at, err := r.cache.GetRate(ctx, r.cfg.Currency)
	if err != nil {
		return
	}
	if time.Since(at) > r.conv.TTL() {
		return
	}
	if err := r.conv.SetRate(r.cfg.Currency, rate, at); err != nil {
		return
	}
	r.last = rate
	r.logger.Info("converter warmed from cache",
		slog.String("currency", r.cfg.Currency),
		slog.Float64("rate", rate),
	)
}

func (r *Refresher) refresh(ctx context.Context) {
	rate, err := r.src.Rate(ctx)
	if err != nil {
		r.logger.Warn("rate refresh failed",
			slog.String("source", r.src.Name()),
			slog.String("error", err.Error()),
		)
		if r.metrics != nil {
			r.metrics.RateStaleTotal.Inc()
		}
		return
	}
	at := time.Now()
	if err := r.conv.SetRate(r.cfg.Currency, rate, at); err != nil {
		r.logger.Warn("rate rejected",
			slog.Float64("rate", rate),
			slog.String("error", err.Error()),
		)
		return
	}
	if r.metrics != nil {
		r.metrics.UsdRate.WithLabelValues(r.cfg.Currency).Set(rate)
	}
	if r.cache != nil {
		if err := r.cache.SetRate(ctx, r.cfg.Currency, rate, at); err != nil {
			r.logger.Warn("rate cache write failed", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		payload, merr := json.Marshal(domain.RateEvent{Currency: r.cfg.Currency, Rate: rate, Timestamp: at})
		if merr == nil {
			if err := r.bus.Publish(ctx, "rates", payload); err != nil {
				r.logger.Warn("rate publish failed", slog.String("error", err.Error()))
			}
		}
	}
	moved := r.last != 0 && rate != r.last
	first := r.last == 0
	r.last = rate
	if r.rebuild == nil {
		return
	}
	if first || moved || r.rebuild.HasDeferred() {
		if err := r.rebuild.RebuildAggregate(); err != nil {
			r.logger.Warn("aggregate rebuild deferred", slog.String("error", err.Error()))
			return
		}
		if moved {
			r.logger.Info("aggregate rebuilt after rate move",
				slog.String("currency", r.cfg.Currency),
				slog.Float64("rate", rate),
			)
		}
	}
}

// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the engine writes, registered on a
// dedicated registry so tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	UpdatesTotal    *prometheus.CounterVec
	SnapshotsTotal  *prometheus.CounterVec
	GapsTotal       *prometheus.CounterVec
	ResyncsTotal    *prometheus.CounterVec
	ReconnectsTotal *prometheus.CounterVec
	UpdateLatencyMs *prometheus.HistogramVec
	BestBid         *prometheus.GaugeVec
	BestAsk         *prometheus.GaugeVec
	AggBestBid      prometheus.Gauge
	AggBestAsk      prometheus.Gauge
	CrossingsTotal  prometheus.Counter
	RateStaleTotal  prometheus.Counter
	UsdRate         *prometheus.GaugeVec
}

// New creates a Metrics instance with every collector registered, plus the
// standard Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		UpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggbook_updates_total",
			Help: "Book level updates applied, by venue",
		}, []string{"venue"}),
		SnapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggbook_snapshots_total",
			Help: "Venue snapshots installed, by venue",
		}, []string{"venue"}),
		GapsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggbook_gaps_total",
			Help: "Sequence gaps detected in venue diff streams, by venue",
		}, []string{"venue"}),
		ResyncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggbook_resyncs_total",
			Help: "Venue resyncs (clear + fresh snapshot), by venue",
		}, []string{"venue"}),
		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aggbook_ws_reconnects_total",
			Help: "Venue stream reconnects, by venue and reason",
		}, []string{"venue", "reason"}),
		UpdateLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aggbook_update_latency_ms",
			Help:    "Book update processing latency in milliseconds, by venue",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"venue"}),
		BestBid: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aggbook_best_bid",
			Help: "Venue best bid in native quote currency",
		}, []string{"venue"}),
		BestAsk: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aggbook_best_ask",
			Help: "Venue best ask in native quote currency",
		}, []string{"venue"}),
		AggBestBid: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aggbook_agg_best_bid_usd",
			Help: "Aggregate best bid in USD",
		}),
		AggBestAsk: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aggbook_agg_best_ask_usd",
			Help: "Aggregate best ask in USD",
		}),
		CrossingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggbook_crossings_total",
			Help: "Crossed-book conditions observed in the aggregate",
		}),
		RateStaleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggbook_rate_stale_total",
			Help: "Updates whose aggregate fold was deferred on a stale rate",
		}),
		UsdRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aggbook_usd_rate",
			Help: "Quote-currency/USD conversion rate in use",
		}, []string{"currency"}),
	}

	m.registry.MustRegister(
		m.UpdatesTotal, m.SnapshotsTotal, m.GapsTotal, m.ResyncsTotal,
		m.ReconnectsTotal, m.UpdateLatencyMs, m.BestBid, m.BestAsk,
		m.AggBestBid, m.AggBestAsk, m.CrossingsTotal, m.RateStaleTotal,
		m.UsdRate,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

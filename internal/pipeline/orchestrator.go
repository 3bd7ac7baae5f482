// Package pipeline schedules the background archival work: moving aged
// crossings and feed sessions to cold storage and capturing periodic
// aggregate depth snapshots.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/liquiditylab/aggbook/internal/domain"
)

// Orchestrator runs the archiver on a fixed interval and on demand.
type Orchestrator struct {
	archiver  domain.Archiver
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	trigger   chan struct{}
}

// NewOrchestrator creates an Orchestrator. retentionDays rows older than
// that stay in Postgres; everything older is exported and deleted.
func NewOrchestrator(archiver domain.Archiver, interval time.Duration, retentionDays int, logger *slog.Logger) *Orchestrator {
	if interval <= 0 {
		interval = time.Hour
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Orchestrator{
		archiver:  archiver,
		interval:  interval,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger.With(slog.String("component", "pipeline")),
		trigger:   make(chan struct{}, 1),
	}
}

// Trigger requests an immediate archival cycle. Non-blocking; a pending
// trigger is not duplicated.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Run archives on every tick and on every manual trigger until ctx ends.
// One cycle failing is logged, not fatal; the next tick retries.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("archival pipeline starting",
		slog.Duration("interval", o.interval),
		slog.Duration("retention", o.retention),
	)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("archival pipeline stopped")
			return ctx.Err()
		case <-ticker.C:
			o.runCycle(ctx)
		case <-o.trigger:
			o.runCycle(ctx)
		}
	}
}

func (o *Orchestrator) runCycle(ctx context.Context) {
	start := time.Now()
	cutoff := start.Add(-o.retention)

	crossings, err := o.archiver.ArchiveCrossings(ctx, cutoff)
	if err != nil {
		o.logger.Error("archive crossings failed", slog.String("error", err.Error()))
	}
	sessions, err := o.archiver.ArchiveSessions(ctx, cutoff)
	if err != nil {
		o.logger.Error("archive sessions failed", slog.String("error", err.Error()))
	}
	if err := o.archiver.ArchiveDepth(ctx, start); err != nil {
		o.logger.Error("archive depth snapshot failed", slog.String("error", err.Error()))
	}

	o.logger.Info("archival cycle finished",
		slog.Int64("crossings", crossings),
		slog.Int64("sessions", sessions),
		slog.Duration("took", time.Since(start)),
	)
}

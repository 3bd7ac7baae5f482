// Package app provides the top-level application lifecycle management for the
// aggregation engine. It wires together all dependencies (stores, caches, blob
// storage, services, and pipelines) and starts the appropriate goroutines
// based on the configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/liquiditylab/aggbook/internal/config"
)

// App is the root application object. It owns the wired dependencies and runs
// the engine in the configured mode until the context is cancelled.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	deps    *Dependencies
	cleanup func()
}

// New wires all dependencies for the configured mode and returns the app.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	deps, cleanup, err := Wire(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &App{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "app")),
		deps:    deps,
		cleanup: cleanup,
	}, nil
}

// Run executes the configured mode. It blocks until ctx is cancelled or a
// component fails fatally.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("app: starting",
		slog.String("mode", a.cfg.Mode),
		slog.String("symbol", a.cfg.Book.Symbol),
	)

	switch a.cfg.Mode {
	case "full":
		return a.runFull(ctx)
	case "feed":
		return a.runFeed(ctx)
	case "monitor":
		return a.runMonitor(ctx)
	case "archive":
		return a.runArchive(ctx)
	default:
		return fmt.Errorf("app: unknown mode %q", a.cfg.Mode)
	}
}

// Close releases all wired dependencies in reverse construction order.
func (a *App) Close() {
	if a.cleanup != nil {
		a.cleanup()
	}
	a.logger.Info("app: closed")
}

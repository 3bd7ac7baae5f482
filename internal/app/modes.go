package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/liquiditylab/aggbook/internal/blob/s3"
	"github.com/liquiditylab/aggbook/internal/book"
	"github.com/liquiditylab/aggbook/internal/crossing"
	"github.com/liquiditylab/aggbook/internal/domain"
	"github.com/liquiditylab/aggbook/internal/feed"
	"github.com/liquiditylab/aggbook/internal/pipeline"
	"github.com/liquiditylab/aggbook/internal/platform/binance"
	"github.com/liquiditylab/aggbook/internal/platform/coinbase"
	"github.com/liquiditylab/aggbook/internal/platform/okx"
	"github.com/liquiditylab/aggbook/internal/rates"
	"github.com/liquiditylab/aggbook/internal/server"
	"github.com/liquiditylab/aggbook/internal/server/handler"
	"github.com/liquiditylab/aggbook/internal/server/ws"
	"github.com/liquiditylab/aggbook/internal/service"
)

const (
	// API request throttling per client IP, enforced through Redis.
	apiRateLimit  = 120
	apiRateWindow = time.Minute

	// defaultCoinbaseREST serves spot-rate lookups even when the coinbase
	// book feed is disabled.
	defaultCoinbaseREST = "https://api.exchange.coinbase.com"

	// mirrorPollInterval is how often monitor mode rehydrates venue books
	// from the Redis mirror.
	mirrorPollInterval = time.Second

	shutdownTimeout = 10 * time.Second
)

// engine bundles the in-process aggregation core shared by the modes that
// keep a live book: the manager, its USD converter, and the service facade.
type engine struct {
	conv    *rates.Converter
	manager *book.Manager
	books   *service.BookService
}

// runnerSet lets HTTP handlers trigger venue resyncs on the feed runners.
type runnerSet map[domain.Venue]*feed.Runner

func (rs runnerSet) Resync(venue domain.Venue) bool {
	r, ok := rs[venue]
	if ok {
		r.TriggerResync()
	}
	return ok
}

func (rs runnerSet) ResyncAll() {
	for _, r := range rs {
		r.TriggerResync()
	}
}

// buildEngine constructs the book manager with every enabled venue registered
// and wraps it in the book service.
func (a *App) buildEngine() (*engine, error) {
	conv := rates.NewConverter(a.cfg.Rates.TTL.Duration)
	manager, err := book.NewManager(book.Config{
		Symbol:    a.cfg.Book.Symbol,
		Precision: a.cfg.Book.Precision,
		FoldDepth: a.cfg.Book.FoldDepth,
	}, conv)
	if err != nil {
		return nil, fmt.Errorf("app: book manager: %w", err)
	}

	for name, vc := range a.cfg.EnabledVenues() {
		quote := vc.Quote
		if strings.EqualFold(quote, "USD") {
			quote = ""
		}
		if err := manager.AddVenue(domain.Venue(name), quote, vc.Precision); err != nil {
			return nil, fmt.Errorf("app: register venue %s: %w", name, err)
		}
	}

	books := service.NewBookService(
		manager,
		a.deps.BookMirror,
		a.deps.EventBus,
		a.deps.Metrics,
		a.cfg.Book.FoldDepth,
		a.logger,
	)
	return &engine{conv: conv, manager: manager, books: books}, nil
}

// buildRunners constructs one feed runner per enabled venue, feeding the
// engine's book service.
func (a *App) buildRunners(eng *engine) (runnerSet, error) {
	runners := make(runnerSet)
	for name, vc := range a.cfg.EnabledVenues() {
		var src domain.BookSource
		switch name {
		case "binance":
			src = binance.NewSource(vc.Symbol)
		case "okx":
			src = okx.NewSource(vc.RestURL, vc.WsURL, vc.Symbol)
		case "coinbase":
			src = coinbase.NewSource(vc.RestURL, vc.WsURL, vc.Symbol)
		default:
			return nil, fmt.Errorf("app: venue %s: %w", name, domain.ErrUnknownVenue)
		}
		runners[src.Venue()] = feed.NewRunner(
			src,
			eng.books,
			a.deps.SessionStore,
			a.deps.RateLimiter,
			a.deps.Metrics,
			a.cfg.Book.SnapshotDepth,
			a.logger,
		)
	}
	return runners, nil
}

// newRefresher constructs the USD rate refresher. The rate source is always
// coinbase; its spot ticker covers the configured quote currency regardless
// of which book feeds are enabled.
func (a *App) newRefresher(eng *engine) *rates.Refresher {
	restURL := a.cfg.Venues.Coinbase.RestURL
	if restURL == "" {
		restURL = defaultCoinbaseREST
	}
	src := coinbase.NewRateSource(restURL, a.cfg.Rates.Currency)
	return rates.NewRefresher(
		rates.RefresherConfig{
			Currency: a.cfg.Rates.Currency,
			Interval: a.cfg.Rates.RefreshInterval.Duration,
		},
		eng.conv,
		src,
		eng.manager,
		a.deps.RateCache,
		a.deps.EventBus,
		a.logger,
	).WithMetrics(a.deps.Metrics)
}

// newArchiver wires the S3 archiver. depth may be nil for deployments that
// keep no live book.
func (a *App) newArchiver(depth s3blob.DepthSource) domain.Archiver {
	return s3blob.NewArchiver(
		a.deps.BlobWriter,
		a.deps.CrossingArchive,
		a.deps.SessionArchive,
		depth,
		a.cfg.Archive.DepthLevels,
		a.deps.AuditStore,
	)
}

// goUntilCancelled runs fn in the errgroup and swallows its error when the
// group context was already cancelled, so a clean shutdown is not reported
// as a component failure.
func goUntilCancelled(g *errgroup.Group, ctx context.Context, fn func(context.Context) error) {
	g.Go(func() error {
		if err := fn(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
}

// startHTTPServer builds the HTTP/WebSocket surface and registers its
// goroutines on the group. A nil resyncer disables the resync endpoint; a
// nil archive trigger omits the archive endpoint.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	eng *engine,
	resyncer handler.Resyncer,
	crossings handler.CrossingLister,
	archive handler.ArchiveTrigger,
) {
	startedAt := time.Now().UTC()
	hub := ws.NewHub(a.deps.EventBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		Symbol:    a.cfg.Book.Symbol,
		StartedAt: startedAt,
	})

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, a.cfg.Rates.Currency, eng.books, eng.conv, startedAt),
		Book:      handler.NewBookHandler(eng.books, a.logger),
		Aggregate: handler.NewAggregateHandler(eng.books, resyncer, a.deps.LockManager, a.logger),
		Crossings: handler.NewCrossingHandler(crossings, a.logger),
		Metrics:   a.deps.Metrics.Handler(),
	}
	if archive != nil {
		handlers.Archive = handler.NewArchiveHandler(archive, a.deps.BlobReader, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimiter: a.deps.RateLimiter,
		RateLimit:   apiRateLimit,
		RateWindow:  apiRateWindow,
	}, handlers, hub, a.logger)

	goUntilCancelled(g, ctx, hub.Run)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// runFull runs the complete engine: all feeds, rate refreshing, crossing
// detection, archival (when enabled), and the API server.
func (a *App) runFull(ctx context.Context) error {
	eng, err := a.buildEngine()
	if err != nil {
		return err
	}
	runners, err := a.buildRunners(eng)
	if err != nil {
		return err
	}
	refresher := a.newRefresher(eng)

	crossSvc := service.NewCrossingService(
		a.deps.CrossingStore,
		a.deps.EventBus,
		a.deps.AuditStore,
		a.deps.Notifier,
		a.deps.Metrics,
		a.logger,
	)
	detector := crossing.NewDetector(crossing.DetectorConfig{
		Books:    eng.books,
		CrossSvc: crossSvc,
		Logger:   a.logger,
	})

	g, ctx := errgroup.WithContext(ctx)

	for _, r := range runners {
		goUntilCancelled(g, ctx, r.Run)
	}
	goUntilCancelled(g, ctx, refresher.Run)
	goUntilCancelled(g, ctx, func(ctx context.Context) error {
		return detector.Run(ctx, a.deps.EventBus)
	})

	var archiveTrigger handler.ArchiveTrigger
	if a.cfg.Archive.Enabled {
		orch := pipeline.NewOrchestrator(
			a.newArchiver(eng.manager),
			a.cfg.Archive.Interval.Duration,
			a.cfg.Archive.RetentionDays,
			a.logger,
		)
		archiveTrigger = orch
		goUntilCancelled(g, ctx, orch.Run)
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, eng, runners, crossSvc, archiveTrigger)
	}

	return g.Wait()
}

// runFeed ingests venue feeds and publishes book state to Redis without
// persistence or an API surface. Monitor nodes serve reads from the mirror.
func (a *App) runFeed(ctx context.Context) error {
	eng, err := a.buildEngine()
	if err != nil {
		return err
	}
	runners, err := a.buildRunners(eng)
	if err != nil {
		return err
	}
	refresher := a.newRefresher(eng)

	if a.cfg.Server.Enabled {
		a.logger.Warn("app: server.enabled ignored in feed mode; run a monitor node to serve reads")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		goUntilCancelled(g, ctx, r.Run)
	}
	goUntilCancelled(g, ctx, refresher.Run)
	return g.Wait()
}

// runMonitor serves the API from the Redis book mirror written by feed
// nodes. No venue connections are opened; the local book manager is
// rehydrated from mirrored snapshots on a fixed cadence.
func (a *App) runMonitor(ctx context.Context) error {
	eng, err := a.buildEngine()
	if err != nil {
		return err
	}
	refresher := a.newRefresher(eng)

	crossSvc := service.NewCrossingService(
		a.deps.CrossingStore,
		a.deps.EventBus,
		a.deps.AuditStore,
		a.deps.Notifier,
		a.deps.Metrics,
		a.logger,
	)

	g, ctx := errgroup.WithContext(ctx)
	goUntilCancelled(g, ctx, refresher.Run)
	goUntilCancelled(g, ctx, func(ctx context.Context) error {
		return a.pollMirror(ctx, eng)
	})
	a.startHTTPServer(ctx, g, eng, nil, crossSvc, nil)
	return g.Wait()
}

// pollMirror rehydrates the local book manager from the Redis mirror.
func (a *App) pollMirror(ctx context.Context, eng *engine) error {
	ticker := time.NewTicker(mirrorPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, v := range eng.manager.Venues() {
				snap, err := a.deps.BookMirror.GetSnapshot(ctx, v)
				if err != nil {
					if !errors.Is(err, domain.ErrNotFound) {
						a.logger.Warn("app: mirror read failed",
							slog.String("venue", string(v)),
							slog.String("error", err.Error()),
						)
					}
					continue
				}
				if len(snap.Bids) == 0 && len(snap.Asks) == 0 {
					continue
				}
				err = eng.manager.ApplySnapshot(snap)
				if err != nil && !errors.Is(err, domain.ErrRateStale) && !errors.Is(err, domain.ErrCrossedBook) {
					a.logger.Warn("app: mirror apply failed",
						slog.String("venue", string(v)),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// runArchive runs only the archival pipeline. No live book exists, so depth
// snapshots are skipped; aged crossings and sessions move to S3.
func (a *App) runArchive(ctx context.Context) error {
	orch := pipeline.NewOrchestrator(
		a.newArchiver(nil),
		a.cfg.Archive.Interval.Duration,
		a.cfg.Archive.RetentionDays,
		a.logger,
	)
	if err := orch.Run(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

var _ handler.Resyncer = (runnerSet)(nil)

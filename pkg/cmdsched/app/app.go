// Package app wires the command scheduler's components together and manages
// their lifecycle: construct every stage in dependency order, launch the
// long-running goroutines, and tear down in reverse.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yuanfeiw/cmdsched/models"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/activity"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/advance"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/bus"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/clock"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/config"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/delivery"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/frontend"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/metrics"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/precondition"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/store"
)

// Config holds the top-level settings for the scheduler application.
type Config struct {
	Scheduler config.Config

	// Store is the persistence backend. Pass a *store.MemoryStore for the
	// in-memory variant or a *store.PostgresStore (already connected and
	// with EnsureSchema already called) for the durable variant.
	Store CombinedStore

	// Bus is where CommandScheduled events are read from. Use bus.New for
	// an in-process bus, or adapt an external broker to bus.Subscribable.
	Bus bus.Subscribable

	// Repository applies commands to the domain. Required.
	Repository delivery.Repository

	// Verifier answers the precondition gate. Defaults to precondition.Always.
	Verifier precondition.Verifier

	// ClockNameResolver/ClockLookupKeyResolver are the pluggable clock
	// resolution steps passed through to clock.Registry.
	ClockNameResolver      models.ClockNameResolver
	ClockLookupKeyResolver models.ClockLookupKeyResolver

	// NowFunc overrides the clock registry's wall-clock source, e.g. to bind
	// a virtualclock.Clock's Now method for tests. Defaults to time.Now.
	NowFunc func() time.Time
}

// CombinedStore is the union of the store and clock persistence contracts
// every backing store in this repository implements.
type CombinedStore interface {
	store.Store
	clock.Store
}

// App orchestrates clock registry, command store, delivery engine,
// scheduling front-end, and clock advancement driver. Create one with New,
// start it with Start, and stop it with Stop.
type App struct {
	cfg    Config
	logger *slog.Logger

	Registry *clock.Registry
	Stream   *activity.Stream
	Engine   *delivery.Engine
	Frontend *frontend.Frontend
	Advance  *advance.Driver
	Metrics  *metrics.Metrics

	unsubscribe func()
	cancel      context.CancelFunc
}

// New constructs an App. It does not start anything — call Start for that.
func New(cfg Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}

	schedCfg := cfg.Scheduler.WithDefaults()

	var reg prometheus.Registerer
	var m *metrics.Metrics
	if schedCfg.MetricsEnabled {
		reg = prometheus.NewRegistry()
		m = metrics.New(reg)
	}
	if setter, ok := cfg.Store.(interface{ SetMetrics(*metrics.Metrics) }); ok {
		setter.SetMetrics(m)
	}

	opts := []clock.Option{
		clock.WithDefaultClockName(schedCfg.DefaultClockName),
		clock.WithClockNameResolver(cfg.ClockNameResolver),
		clock.WithLookupKeyResolver(cfg.ClockLookupKeyResolver),
	}
	if cfg.NowFunc != nil {
		opts = append(opts, clock.WithNowFunc(cfg.NowFunc))
	}
	registry := clock.New(cfg.Store, logger, opts...)

	stream := activity.New(256, logger)
	engine := delivery.New(cfg.Repository, cfg.Store, stream, m, logger)
	if cfg.NowFunc != nil {
		engine.SetNowFunc(cfg.NowFunc)
	}
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = precondition.Always
	}

	front := frontend.New(frontend.Config{
		Registry:            registry,
		Store:               cfg.Store,
		Stream:              stream,
		Engine:              engine,
		Verifier:            verifier,
		Metrics:             m,
		PreconditionTimeout: schedCfg.PreconditionTimeout,
		NumWorkers:          schedCfg.FrontendWorkers,
		Logger:              logger,
	})

	driver := advance.New(registry, cfg.Store, engine, verifier, m, logger)

	return &App{
		cfg:      cfg,
		logger:   logger,
		Registry: registry,
		Stream:   stream,
		Engine:   engine,
		Frontend: front,
		Advance:  driver,
		Metrics:  m,
	}
}

// Start seeds any configured clock mappings, subscribes the scheduling
// front-end to the bus, and launches the front-end's delivery workers.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.Scheduler.ClockMappingSeedPath != "" {
		seeds, err := config.LoadClockMappingSeeds(a.cfg.Scheduler.ClockMappingSeedPath)
		if err != nil {
			return fmt.Errorf("app: load clock mapping seeds: %w", err)
		}
		for _, s := range seeds {
			if _, err := a.Registry.GetOrCreate(ctx, s.ClockName); err != nil {
				return fmt.Errorf("app: seed clock %q: %w", s.ClockName, err)
			}
			if err := a.cfg.Store.UpsertMapping(ctx, s.Value, s.ClockName); err != nil {
				return fmt.Errorf("app: seed mapping %q: %w", s.Value, err)
			}
		}
		a.logger.Info("app: clock mapping seeds loaded", "count", len(seeds))
	}

	pipeCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.Frontend.Start(pipeCtx)
	a.unsubscribe = a.cfg.Bus.SubscribeCommandScheduled(a.Frontend.OnCommandScheduled)

	a.logger.Info("app: scheduler started",
		"default_clock", a.cfg.Scheduler.DefaultClockName,
		"precondition_timeout", a.cfg.Scheduler.PreconditionTimeout,
		"frontend_workers", a.cfg.Scheduler.FrontendWorkers,
	)
	return nil
}

// Stop unsubscribes from the bus, cancels the front-end's context, and waits
// for its delivery workers to exit. Because the context is canceled first,
// deliveries still waiting in the queue at that point may be dropped rather
// than run.
func (a *App) Stop() {
	a.logger.Info("app: shutting down")
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.Frontend.Stop()
	a.logger.Info("app: shutdown complete")
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

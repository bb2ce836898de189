// Command cmdscheduler runs the durable command scheduler as a standalone
// service: a Postgres-backed command store, an in-process event bus, and the
// scheduling front-end/clock-advancement driver wired together by
// pkg/cmdsched/app.
//
// A real deployment supplies its own delivery.Repository (the aggregate
// persistence layer that CommandScheduled events are ultimately applied
// against) and its own bus adapter (Kafka, SQS, or an in-process dispatcher
// that fans domain events out to this process). This binary wires the
// default logging repository so the service is runnable standalone for
// smoke-testing the scheduler itself.
//
// Usage:
//
//	cmdscheduler [flags]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yuanfeiw/cmdsched/models"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/app"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/bus"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/config"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/precondition"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cmdscheduler: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		logLevel string
		logFmt   string

		databaseURL string
		inMemory    bool

		defaultClockName string
		preconditionSec  int
		frontendWorkers  int
		seedPath         string
		metricsOn        bool
	)

	flag.StringVar(&logLevel, "log.level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&logFmt, "log.fmt", "json", "Log format: json, text")
	flag.StringVar(&databaseURL, "store.database.url", "", "Postgres connection string (overrides CMDSCHED_DATABASE_URL)")
	flag.BoolVar(&inMemory, "store.in.memory", false, "Use the in-memory store instead of Postgres")
	flag.StringVar(&defaultClockName, "clock.default.name", "default", "Fallback clock name")
	flag.IntVar(&preconditionSec, "precondition.timeout.seconds", 0, "Precondition timeout in seconds (0 = use durable/in-memory default)")
	flag.IntVar(&frontendWorkers, "frontend.workers", 16, "Scheduling front-end delivery worker count")
	flag.StringVar(&seedPath, "clock.mapping.seed.path", "", "YAML clock mapping seed file")
	flag.BoolVar(&metricsOn, "metrics.enabled", true, "Register Prometheus metrics")

	flag.Parse()

	logger, err := buildLogger(logLevel, logFmt)
	if err != nil {
		return err
	}

	schedCfg := config.DurableDefaults()
	schedCfg.DefaultClockName = defaultClockName
	schedCfg.FrontendWorkers = frontendWorkers
	schedCfg.ClockMappingSeedPath = seedPath
	schedCfg.MetricsEnabled = metricsOn
	if preconditionSec > 0 {
		schedCfg.PreconditionTimeout = time.Duration(preconditionSec) * time.Second
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var combined app.CombinedStore
	if inMemory {
		schedCfg.Durable = false
		if preconditionSec <= 0 {
			schedCfg.PreconditionTimeout = config.InMemoryDefaults().PreconditionTimeout
		}
		combined = store.NewMemoryStore()
	} else {
		if databaseURL == "" {
			databaseURL = os.Getenv("CMDSCHED_DATABASE_URL")
		}
		if databaseURL == "" {
			return fmt.Errorf("store.database.url (or CMDSCHED_DATABASE_URL) is required unless -store.in.memory is set")
		}
		pool, err := pgxpool.New(ctx, databaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		pg := store.NewPostgresStore(pool, logger)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		combined = pg
	}

	b := bus.New(logger)

	application := app.New(app.Config{
		Scheduler:  schedCfg,
		Store:      combined,
		Bus:        b,
		Repository: loggingRepository{logger: logger},
		Verifier:   precondition.Always,
	}, logger)

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	logger.Info("cmdscheduler: running — press Ctrl-C to stop")

	<-ctx.Done()
	logger.Info("cmdscheduler: received shutdown signal")
	application.Stop()
	return nil
}

// loggingRepository is the default delivery.Repository for the standalone
// binary: it logs every command it receives and reports success. A real
// deployment replaces this with its own aggregate persistence layer.
type loggingRepository struct {
	logger *slog.Logger
}

func (r loggingRepository) ApplyScheduledCommand(_ context.Context, cmd *models.ScheduledCommand, verify precondition.Verifier) (models.Outcome, error) {
	r.logger.Info("repository: applying command",
		"aggregate_id", cmd.AggregateID,
		"sequence_number", cmd.SequenceNumber,
		"command_name", cmd.CommandName,
	)
	return models.Succeeded(), nil
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q (expected debug|info|warn|error)", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q (expected json|text)", format)
	}

	return slog.New(handler), nil
}

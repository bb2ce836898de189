// Package delivery implements the delivery engine: it binds a command
// context (a synthetic clock pinned to the command's due time), invokes
// the repository, publishes the outcome to the activity stream, and — for
// durable commands — atomically advances the store's state machine.
// Concurrent delivery attempts for the same command are serialized with a
// double-checked per-key lock.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yuanfeiw/cmdsched/models"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/activity"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/metrics"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/precondition"
)

// ─────────────────────────────────────────────────────────────────────────────
// Command context — synthetic clock binding
// ─────────────────────────────────────────────────────────────────────────────

type effectiveNowKey struct{}

// WithEffectiveNow returns a context carrying the domain time the aggregate
// should observe as "now" during command application. Explicit context
// passing, not a thread-local or process-global mutable singleton.
func WithEffectiveNow(ctx context.Context, now time.Time) context.Context {
	return context.WithValue(ctx, effectiveNowKey{}, now)
}

// EffectiveNowFromContext returns the domain time bound by WithEffectiveNow,
// or the zero Time and false if none is bound.
func EffectiveNowFromContext(ctx context.Context) (time.Time, bool) {
	now, ok := ctx.Value(effectiveNowKey{}).(time.Time)
	return now, ok
}

// ─────────────────────────────────────────────────────────────────────────────
// Repository
// ─────────────────────────────────────────────────────────────────────────────

// Repository is the scheduler's sole consumer-supplied collaborator.
// Application-level failure is reported through the returned Outcome; a
// non-nil error signals an infrastructure failure that should propagate
// rather than drive the state machine.
type Repository interface {
	ApplyScheduledCommand(ctx context.Context, cmd *models.ScheduledCommand, verify precondition.Verifier) (models.Outcome, error)
}

// Store is the subset of store.Store the engine needs to finalize a durable
// delivery attempt.
type Store interface {
	ApplyDeliveryOutcome(ctx context.Context, aggregateID string, sequenceNumber int64, now time.Time, outcome models.Outcome) (*models.ScheduledCommand, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Engine
// ─────────────────────────────────────────────────────────────────────────────

// Engine delivers a single ScheduledCommand to its repository.
type Engine struct {
	repo    Repository
	store   Store
	stream  *activity.Stream
	metrics *metrics.Metrics
	logger  *slog.Logger

	// nowFunc supplies domain time when the command carries no explicit
	// DueTime. Effective now equals the command's due time when one is
	// specified.
	nowFunc func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs an Engine. m may be nil to disable metrics.
func New(repo Repository, st Store, stream *activity.Stream, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Engine{
		repo:    repo,
		store:   st,
		stream:  stream,
		metrics: m,
		logger:  logger,
		nowFunc: time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// SetNowFunc overrides the fallback domain-time source, e.g. to bind a
// virtual clock's Now method.
func (e *Engine) SetNowFunc(now func() time.Time) { e.nowFunc = now }

func (e *Engine) lockFor(key string) *sync.Mutex {
	e.mu.Lock()
	l, ok := e.locks[key]
	e.mu.Unlock()
	if ok {
		return l
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok = e.locks[key]; ok {
		return l
	}
	l = &sync.Mutex{}
	e.locks[key] = l
	return l
}

// Deliver attempts delivery of cmd exactly once against the repository.
// At most one delivery attempt for a given (AggregateID, SequenceNumber)
// runs at a time; concurrent callers block on the per-command lock rather
// than racing the store update.
func (e *Engine) Deliver(ctx context.Context, cmd *models.ScheduledCommand, durable bool, verify precondition.Verifier) (models.Outcome, error) {
	key := fmt.Sprintf("%s/%d", cmd.AggregateID, cmd.SequenceNumber)
	lock := e.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	effectiveNow := e.nowFunc()
	if cmd.DueTime != nil {
		effectiveNow = *cmd.DueTime
	}
	cmdCtx := WithEffectiveNow(ctx, effectiveNow)

	attemptStart := time.Now()
	outcome, err := e.repo.ApplyScheduledCommand(cmdCtx, cmd, verify)
	if err != nil {
		return models.Outcome{}, fmt.Errorf("delivery: apply %s: %w", key, err)
	}
	e.metrics.ObserveDelivery(cmd.ClockName, outcomeLabel(outcome), time.Since(attemptStart))

	e.stream.Publish(activity.Event{
		Kind:           activity.KindDelivered,
		Time:           effectiveNow,
		ClockName:      cmd.ClockName,
		AggregateID:    cmd.AggregateID,
		SequenceNumber: cmd.SequenceNumber,
		Outcome:        &outcome,
	})

	if !durable {
		e.logger.Debug("delivery: non-durable command, skipping store update", "command", key)
		return outcome, nil
	}

	updated, err := e.store.ApplyDeliveryOutcome(ctx, cmd.AggregateID, cmd.SequenceNumber, effectiveNow, outcome)
	if err != nil {
		return outcome, fmt.Errorf("delivery: apply outcome %s: %w", key, err)
	}
	*cmd = *updated
	return outcome, nil
}

func outcomeLabel(o models.Outcome) string {
	switch {
	case o.Succeeded:
		return "succeeded"
	case o.Failure.IsRetryable():
		return "retried"
	default:
		return "abandoned"
	}
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

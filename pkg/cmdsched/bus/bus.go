// Package bus defines the CommandScheduled subscription contract the
// scheduling front-end consumes, plus an in-memory implementation for
// tests and single-process deployments. A production deployment backed by
// a real broker implements Subscribable itself.
package bus

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/yuanfeiw/cmdsched/models"
)

// Handler processes one CommandScheduled event. Returning an error does not
// stop the bus; Bus.Publish logs the error and goes on to the next handler
// (infrastructure failures from the store still propagate through the
// caller's own return path).
type Handler func(ctx context.Context, evt *models.CommandScheduledEvent) error

// Subscribable is the subset of a production event bus the front-end needs.
// A real deployment's bus implementation (Kafka, SQS, an in-process domain
// event dispatcher) satisfies this with a thin adapter.
type Subscribable interface {
	SubscribeCommandScheduled(handler Handler) (unsubscribe func())
}

// Bus is an in-memory Subscribable plus a Publish method, used for tests and
// for wiring the in-memory scheduler variant end-to-end without an external
// broker.
type Bus struct {
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int
}

// New constructs an empty in-memory Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Bus{logger: logger, handlers: make(map[int]Handler)}
}

func (b *Bus) SubscribeCommandScheduled(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Publish dispatches evt to every current subscriber synchronously, in
// registration order. Errors are logged, never returned: a handler that
// needs to react to a CommandScheduled event without blocking other
// handlers should arrange its own queue rather than lean on Publish's
// ordering.
func (b *Bus) Publish(ctx context.Context, evt *models.CommandScheduledEvent) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			b.logger.Error("bus: handler returned error", "error", err.Error(), "aggregate_id", evt.AggregateID)
		}
	}
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

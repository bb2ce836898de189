// Package advance implements the clock advancement driver: advance a
// named clock's now, then drain every command that becomes due as a
// result, dispatching each to the delivery engine and resolving once every
// dispatched delivery has completed. Advancement of a given clock name is
// serialized with the same double-checked per-key lock the delivery
// package uses for per-command serialization.
package advance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yuanfeiw/cmdsched/models"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/clock"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/metrics"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/precondition"
)

// Delivery is the subset of delivery.Engine the driver dispatches into.
type Delivery interface {
	Deliver(ctx context.Context, cmd *models.ScheduledCommand, durable bool, verify precondition.Verifier) (models.Outcome, error)
}

// Store is the subset of store.Store the driver needs to drain due
// commands.
type Store interface {
	DueOn(ctx context.Context, clockName string, asOf time.Time) ([]*models.ScheduledCommand, error)
}

// Driver advances a named clock and delivers every command that becomes due.
type Driver struct {
	registry *clock.Registry
	store    Store
	engine   Delivery
	verifier precondition.Verifier
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a Driver. m may be nil to disable metrics.
func New(registry *clock.Registry, st Store, engine Delivery, verifier precondition.Verifier, m *metrics.Metrics, logger *slog.Logger) *Driver {
	if verifier == nil {
		verifier = precondition.Always
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Driver{
		registry: registry,
		store:    st,
		engine:   engine,
		verifier: verifier,
		metrics:  m,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (d *Driver) lockFor(name string) *sync.Mutex {
	d.mu.Lock()
	l, ok := d.locks[name]
	d.mu.Unlock()
	if ok {
		return l
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok = d.locks[name]; ok {
		return l
	}
	l = &sync.Mutex{}
	d.locks[name] = l
	return l
}

// AdvanceClock advances the named clock to target and delivers every
// command newly due as a result. Multiple advancements to the same
// clock are serialized by holding the per-name lock for the entire call —
// dispatch through drain completion — so that two concurrent advancements
// of the same clock can never both observe the same due command.
// Advancements to different clocks proceed in parallel.
func (d *Driver) AdvanceClock(ctx context.Context, name string, target time.Time) (*models.Clock, error) {
	lock := d.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	clk, err := d.registry.Advance(ctx, name, target)
	if err != nil {
		return nil, fmt.Errorf("advance: %q to %s: %w", name, target, err)
	}
	d.metrics.ObserveAdvance(name)

	// infraFailed tracks commands whose Deliver call returned an
	// infrastructure error rather than an Outcome: the store never advanced
	// their state, so they stay pending-and-due and DueOn would hand them
	// back forever. Excluding them from redispatch bounds this loop to the
	// commands that can still make progress this advance.
	infraFailed := make(map[string]bool)
	var failedMu sync.Mutex

	for {
		due, err := d.store.DueOn(ctx, name, clk.Now)
		if err != nil {
			return nil, fmt.Errorf("advance: due_on %q: %w", name, err)
		}

		pending := due[:0]
		for _, cmd := range due {
			if !infraFailed[commandKey(cmd)] {
				pending = append(pending, cmd)
			}
		}
		if len(pending) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, cmd := range pending {
			wg.Add(1)
			go func(cmd *models.ScheduledCommand) {
				defer wg.Done()
				if _, err := d.engine.Deliver(ctx, cmd, true, d.verifier); err != nil {
					d.logger.Error("advance: delivery failed", "clock", name,
						"aggregate_id", cmd.AggregateID, "sequence_number", cmd.SequenceNumber,
						"error", err.Error())
					failedMu.Lock()
					infraFailed[commandKey(cmd)] = true
					failedMu.Unlock()
				}
			}(cmd)
		}
		wg.Wait()
	}

	return clk, nil
}

func commandKey(cmd *models.ScheduledCommand) string {
	return fmt.Sprintf("%s/%d", cmd.AggregateID, cmd.SequenceNumber)
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

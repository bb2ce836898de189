// Package frontend implements the scheduling front-end: the
// CommandScheduled bus handler that resolves a clock, persists (or elides)
// the command row, and arms immediate or precondition-gated delivery.
// Delivery itself runs on an internal worker queue rather than inline in
// the handler, so a bus handler invoked during delivery never recursively
// calls deliver within its own call stack.
package frontend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yuanfeiw/cmdsched/models"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/activity"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/clock"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/delivery"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/metrics"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/precondition"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/store"
)

// ─────────────────────────────────────────────────────────────────────────────
// wakeupBroadcaster — per-waiter signal fan-out
// ─────────────────────────────────────────────────────────────────────────────

// wakeupBroadcaster lets any number of precondition waiters learn that a new
// event has arrived, without the "channel closed, selects fire forever"
// pitfall of reusing a single closed channel. Each listener gets its own
// buffered channel; signal is a non-blocking send, matching the drop-rather-
// than-block discipline of activity.Stream.Publish.
type wakeupBroadcaster struct {
	mu      sync.Mutex
	waiters map[int]chan struct{}
	nextID  int
}

func newWakeupBroadcaster() *wakeupBroadcaster {
	return &wakeupBroadcaster{waiters: make(map[int]chan struct{})}
}

func (b *wakeupBroadcaster) listen() (precondition.Wakeup, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan struct{}, 1)
	b.waiters[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.waiters, id)
	}
	return ch, cancel
}

func (b *wakeupBroadcaster) signal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Frontend
// ─────────────────────────────────────────────────────────────────────────────

type deliveryTask struct {
	cmd     *models.ScheduledCommand
	durable bool
}

// Frontend implements the CommandScheduled bus handler.
type Frontend struct {
	registry *clock.Registry
	store    store.Store
	stream   *activity.Stream
	engine   *delivery.Engine
	verifier precondition.Verifier
	metrics  *metrics.Metrics
	logger   *slog.Logger

	preconditionTimeout time.Duration

	wakeup *wakeupBroadcaster

	numWorkers int
	queue      chan deliveryTask
	wg         sync.WaitGroup
}

// Config bundles Frontend's dependencies and tunables.
type Config struct {
	Registry            *clock.Registry
	Store               store.Store
	Stream              *activity.Stream
	Engine              *delivery.Engine
	Verifier            precondition.Verifier
	Metrics             *metrics.Metrics
	PreconditionTimeout time.Duration
	NumWorkers          int
	QueueSize           int
	Logger              *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Verifier == nil {
		c.Verifier = precondition.Always
	}
	if c.PreconditionTimeout <= 0 {
		c.PreconditionTimeout = 10 * time.Second
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 16
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.NumWorkers * 4
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return c
}

// New constructs a Frontend. Call Start before publishing any events.
func New(cfg Config) *Frontend {
	cfg = cfg.withDefaults()
	return &Frontend{
		registry:             cfg.Registry,
		store:                cfg.Store,
		stream:               cfg.Stream,
		engine:               cfg.Engine,
		verifier:             cfg.Verifier,
		metrics:              cfg.Metrics,
		logger:               cfg.Logger,
		preconditionTimeout:  cfg.PreconditionTimeout,
		wakeup:               newWakeupBroadcaster(),
		numWorkers:           cfg.NumWorkers,
		queue:                make(chan deliveryTask, cfg.QueueSize),
	}
}

// Start launches the internal delivery worker goroutines.
func (f *Frontend) Start(ctx context.Context) {
	for i := 0; i < f.numWorkers; i++ {
		f.wg.Add(1)
		go f.worker(ctx)
	}
}

// Stop closes the delivery queue and waits for in-flight deliveries to
// finish.
func (f *Frontend) Stop() {
	close(f.queue)
	f.wg.Wait()
}

func (f *Frontend) worker(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case task, ok := <-f.queue:
			if !ok {
				return
			}
			if _, err := f.engine.Deliver(ctx, task.cmd, task.durable, f.verifier); err != nil {
				f.logger.Error("frontend: delivery failed", "aggregate_id", task.cmd.AggregateID,
					"sequence_number", task.cmd.SequenceNumber, "error", err.Error())
			}
		case <-ctx.Done():
			return
		}
	}
}

func (f *Frontend) enqueue(cmd *models.ScheduledCommand, durable bool) {
	f.queue <- deliveryTask{cmd: cmd, durable: durable}
}

// OnCommandScheduled resolves the event's clock, persists or elides the
// command, and arms delivery. Register it with a bus.Subscribable via
// SubscribeCommandScheduled.
func (f *Frontend) OnCommandScheduled(ctx context.Context, evt *models.CommandScheduledEvent) error {
	clockName, err := f.registry.ResolveClock(ctx, evt)
	if err != nil {
		return fmt.Errorf("frontend: resolve clock: %w", err)
	}
	clk, err := f.registry.GetOrCreate(ctx, clockName)
	if err != nil {
		return fmt.Errorf("frontend: get or create clock %q: %w", clockName, err)
	}

	cmd := &models.ScheduledCommand{
		AggregateID:               evt.AggregateID,
		AggregateType:             evt.AggregateType,
		CommandName:               evt.Command.CommandName,
		SerializedCommand:         evt.Command.Payload,
		CreatedTime:               clk.Now,
		DueTime:                   evt.DueTime,
		ClockName:                 clockName,
		RequiresDurableScheduling: evt.Command.RequiresDurableScheduling,
	}

	due := cmd.DueTime == nil || !cmd.DueTime.After(clk.Now)
	durable := true

	if due && !cmd.RequiresDurableScheduling {
		cmd.NonDurable = true
		cmd.SequenceNumber = evt.SequenceNumber.CallerAssigned
		durable = false
	} else {
		inserted, err := f.store.Put(ctx, cmd, evt.SequenceNumber)
		if err != nil {
			return fmt.Errorf("frontend: put command: %w", err)
		}
		cmd = inserted
	}

	f.stream.Publish(activity.Event{
		Kind:           activity.KindScheduled,
		Time:           clk.Now,
		ClockName:      clockName,
		AggregateID:    cmd.AggregateID,
		SequenceNumber: cmd.SequenceNumber,
	})
	f.metrics.ObserveScheduled(clockName, cmd.NonDurable)
	f.wakeup.signal()

	if !due {
		return nil
	}

	if f.verifier.Verify(ctx, cmd) {
		f.enqueue(cmd, durable)
		return nil
	}

	ch, cancel := f.wakeup.listen()
	go func() {
		defer cancel()
		precondition.WaitUntilSatisfiedOrTimeout(ctx, f.verifier, cmd, ch, f.preconditionTimeout)
		f.enqueue(cmd, durable)
	}()
	return nil
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Package clock implements a registry of named logical clocks. A Clock is
// created on first reference and its Now only ever advances forward;
// ClockMapping rows let events be routed to a clock without carrying its
// name explicitly.
package clock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/yuanfeiw/cmdsched/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Persistence
// ─────────────────────────────────────────────────────────────────────────────

// Store is the persistence contract the registry depends on. The durable
// (postgres) and in-memory command stores both implement it structurally —
// the clock registry exclusively owns Clock and ClockMapping rows, but
// nothing in this package cares which backing store is used.
type Store interface {
	GetClock(ctx context.Context, name string) (*models.Clock, bool, error)
	CreateClock(ctx context.Context, name string, now time.Time) (*models.Clock, error)
	AdvanceClock(ctx context.Context, name string, target time.Time) (*models.Clock, error)
	LookupMapping(ctx context.Context, value string) (string, bool, error)
	UpsertMapping(ctx context.Context, value, clockName string) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Registry
// ─────────────────────────────────────────────────────────────────────────────

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithNowFunc overrides the source of "current domain time" used when a
// clock is first created. Defaults to time.Now. Tests inject a virtual
// clock's Now method here instead of relying on a package-level singleton.
func WithNowFunc(now func() time.Time) Option {
	return func(r *Registry) { r.nowFunc = now }
}

// WithClockNameResolver sets resolution step (b) of ResolveClock.
func WithClockNameResolver(fn models.ClockNameResolver) Option {
	return func(r *Registry) { r.clockNameResolver = fn }
}

// WithLookupKeyResolver sets resolution step (c) of ResolveClock.
func WithLookupKeyResolver(fn models.ClockLookupKeyResolver) Option {
	return func(r *Registry) { r.lookupKeyResolver = fn }
}

// WithDefaultClockName overrides the fixed fallback string used by step (d)
// of ResolveClock. Defaults to models.DefaultClockName ("default").
func WithDefaultClockName(name string) Option {
	return func(r *Registry) { r.defaultClockName = name }
}

// Registry resolves, creates, and advances named logical clocks.
type Registry struct {
	store  Store
	logger *slog.Logger

	nowFunc           func() time.Time
	clockNameResolver models.ClockNameResolver
	lookupKeyResolver models.ClockLookupKeyResolver
	defaultClockName  string
}

// New constructs a Registry backed by store.
func New(store Store, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	r := &Registry{
		store:            store,
		logger:           logger,
		nowFunc:          time.Now,
		defaultClockName: models.DefaultClockName,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// ResolveClock picks the clock an event should be scheduled on: the event's
// ClockName metadata attribute, then the clock-name resolver, then a
// ClockMapping lookup, then the fixed default name.
func (r *Registry) ResolveClock(ctx context.Context, evt *models.CommandScheduledEvent) (string, error) {
	if evt.Metadata != nil {
		if name, ok := evt.Metadata[models.ClockNameMetadataKey]; ok && name != "" {
			return name, nil
		}
	}
	if r.clockNameResolver != nil {
		if name := r.clockNameResolver(evt); name != "" {
			return name, nil
		}
	}
	if r.lookupKeyResolver != nil {
		key := r.lookupKeyResolver(evt)
		if key != "" {
			if clockName, ok, err := r.store.LookupMapping(ctx, key); err != nil {
				return "", fmt.Errorf("clock: lookup mapping %q: %w", key, err)
			} else if ok {
				return clockName, nil
			}
		}
	}
	return r.defaultClockName, nil
}

// GetOrCreate returns the named clock, creating it with Now = StartTime =
// current domain time if it does not yet exist.
func (r *Registry) GetOrCreate(ctx context.Context, name string) (*models.Clock, error) {
	if clk, ok, err := r.store.GetClock(ctx, name); err != nil {
		return nil, fmt.Errorf("clock: get %q: %w", name, err)
	} else if ok {
		return clk, nil
	}
	clk, err := r.store.CreateClock(ctx, name, r.nowFunc())
	if err != nil {
		return nil, fmt.Errorf("clock: create %q: %w", name, err)
	}
	r.logger.Info("clock: created", "clock", name, "start_time", clk.StartTime)
	return clk, nil
}

// Advance sets now := target for the named clock. target must be >= the
// clock's current now, otherwise ErrClockMovedBackward is returned. Advance
// does not itself serialize concurrent callers for the same clock — that
// guarantee belongs to the advancement driver; the store is still required
// to apply the update atomically so a backward check can never race against
// a concurrent forward advance.
func (r *Registry) Advance(ctx context.Context, name string, target time.Time) (*models.Clock, error) {
	clk, err := r.store.AdvanceClock(ctx, name, target)
	if err != nil {
		return nil, err
	}
	return clk, nil
}

// Now returns the current value of the named clock, creating it if absent.
func (r *Registry) Now(ctx context.Context, name string) (time.Time, error) {
	clk, err := r.GetOrCreate(ctx, name)
	if err != nil {
		return time.Time{}, err
	}
	return clk.Now, nil
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

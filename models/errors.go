package models

import "errors"

// Sentinel error kinds. Infrastructure errors (store, bus transport) are
// wrapped with context at the call site via fmt.Errorf and propagate to the
// caller unchanged in kind; application-level failures never leave the
// delivery engine as errors — they drive the state machine instead (see
// pkg/cmdsched/delivery).
var (
	// ErrDuplicateSchedule is returned by Store.Put when (AggregateID,
	// SequenceNumber) already exists and SequenceNumber was caller-assigned
	// (non-negative intent, i.e. SequenceAssignment.SchedulerAssigned=false).
	ErrDuplicateSchedule = errors.New("cmdsched: duplicate schedule")

	// ErrClockMovedBackward is returned by clock.Registry.Advance when the
	// requested target precedes the clock's current Now.
	ErrClockMovedBackward = errors.New("cmdsched: clock moved backward")

	// ErrNotFound is returned by Store.Load when no command matches the
	// given identity.
	ErrNotFound = errors.New("cmdsched: scheduled command not found")

	// ErrStoreUnavailable wraps a transient store error that was not a
	// unique-key collision.
	ErrStoreUnavailable = errors.New("cmdsched: store unavailable")

	// ErrVirtualClockInUse is returned when a second virtual clock is
	// installed as "current" without first disposing the first one.
	ErrVirtualClockInUse = errors.New("cmdsched: a virtual clock is already current")
)

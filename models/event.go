package models

import "time"

// ClockNameMetadataKey is the recognized metadata key carrying an explicit
// clock name on a CommandScheduled event.
const ClockNameMetadataKey = "ClockName"

// DefaultClockName is the fallback clock used when no other resolution step
// in ResolveClock produces a name.
const DefaultClockName = "default"

// CommandScheduledEvent is the event the scheduling front-end subscribes to
// on the bus. The target aggregate's type is carried as a plain string
// field rather than a generic type parameter — the scheduler never needs
// the Go type itself, only its name.
type CommandScheduledEvent struct {
	AggregateID    string
	AggregateType  string
	SequenceNumber SequenceAssignment

	Command CommandEnvelope

	// DueTime is nil for "deliver as soon as possible".
	DueTime *time.Time

	// Metadata is the extensible attribute map. The recognized key is
	// ClockNameMetadataKey.
	Metadata map[string]string

	// ETag is opaque optimistic-concurrency metadata carried through to the
	// repository; the scheduler does not interpret it.
	ETag string
}

// CommandEnvelope is the opaque command payload plus the scheduler-visible
// tags: an opaque byte blob plus a command-name tag the scheduler never
// interprets.
type CommandEnvelope struct {
	CommandName               string
	RequiresDurableScheduling bool
	Payload                   []byte
}

// ClockNameResolver maps an event to an explicit clock name. An empty
// result means "no opinion" and resolution falls through to the next step.
type ClockNameResolver func(evt *CommandScheduledEvent) string

// ClockLookupKeyResolver maps an event to a ClockMapping lookup key.
type ClockLookupKeyResolver func(evt *CommandScheduledEvent) string

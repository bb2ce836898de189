// Package store implements durable persistence for ScheduledCommand and
// CommandExecutionError rows, plus the Clock/ClockMapping persistence the
// clock registry depends on. Two implementations are provided: Postgres for
// production and Memory for tests and the in-memory scheduler variant.
package store

import (
	"context"
	"time"

	"github.com/yuanfeiw/cmdsched/models"
)

// Store is the command store contract.
type Store interface {
	// Put inserts cmd. When seq.SchedulerAssigned is true, a unique-key
	// collision causes the store to decrement the assigned sequence number
	// and retry until insertion succeeds. When seq is caller-assigned, a
	// collision is surfaced as models.ErrDuplicateSchedule.
	Put(ctx context.Context, cmd *models.ScheduledCommand, seq models.SequenceAssignment) (*models.ScheduledCommand, error)

	// Load returns the command identified by (aggregateID, sequenceNumber),
	// or models.ErrNotFound.
	Load(ctx context.Context, aggregateID string, sequenceNumber int64) (*models.ScheduledCommand, error)

	// DueOn yields every pending command on clockName whose DueTime is <=
	// asOf, ordered by DueTime ascending, SequenceNumber ascending as
	// tie-break.
	DueOn(ctx context.Context, clockName string, asOf time.Time) ([]*models.ScheduledCommand, error)

	MarkApplied(ctx context.Context, aggregateID string, sequenceNumber int64, at time.Time) error
	MarkAbandoned(ctx context.Context, aggregateID string, sequenceNumber int64, at time.Time) error
	Reschedule(ctx context.Context, aggregateID string, sequenceNumber int64, newDueTime time.Time) error
	IncrementAttempts(ctx context.Context, aggregateID string, sequenceNumber int64) (int, error)
	RecordError(ctx context.Context, aggregateID string, sequenceNumber int64, serializedError string) error

	// ApplyDeliveryOutcome performs IncrementAttempts followed by the
	// terminal-or-reschedule update and, on failure, RecordError, as one
	// atomic transaction: a crash between "repository applied" and "store
	// updated" must yield at most an extra attempt on recovery, never a lost
	// success.
	ApplyDeliveryOutcome(ctx context.Context, aggregateID string, sequenceNumber int64, now time.Time, outcome models.Outcome) (*models.ScheduledCommand, error)
}

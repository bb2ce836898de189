package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yuanfeiw/cmdsched/models"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/store"
)

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func newCommand(aggID string, due *time.Time) *models.ScheduledCommand {
	return &models.ScheduledCommand{
		AggregateID:               aggID,
		AggregateType:             "order",
		CommandName:               "ship",
		SerializedCommand:         []byte("payload"),
		CreatedTime:               time.Now().UTC(),
		DueTime:                   due,
		ClockName:                 "default",
		RequiresDurableScheduling: true,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Put / Load
// ─────────────────────────────────────────────────────────────────────────────

func TestPut_CallerAssigned_DuplicateRejected(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	if _, err := st.Put(ctx, newCommand("agg-1", nil), models.Caller(5)); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	_, err := st.Put(ctx, newCommand("agg-1", nil), models.Caller(5))
	if !errors.Is(err, models.ErrDuplicateSchedule) {
		t.Errorf("got %v, want ErrDuplicateSchedule", err)
	}
}

func TestPut_SchedulerAssigned_DecrementsOnCollision(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	first, err := st.Put(ctx, newCommand("agg-1", nil), models.Scheduler())
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	second, err := st.Put(ctx, newCommand("agg-1", nil), models.Scheduler())
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if first.SequenceNumber == second.SequenceNumber {
		t.Errorf("expected distinct sequence numbers, got %d twice", first.SequenceNumber)
	}
	if first.SequenceNumber >= 0 || second.SequenceNumber >= 0 {
		t.Errorf("scheduler-assigned sequence numbers should be negative, got %d and %d", first.SequenceNumber, second.SequenceNumber)
	}
}

func TestLoad_NotFound(t *testing.T) {
	st := store.NewMemoryStore()
	_, err := st.Load(context.Background(), "missing", 1)
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// DueOn ordering
// ─────────────────────────────────────────────────────────────────────────────

func TestDueOn_OrdersByDueTimeThenSequence(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	late := base.Add(time.Hour)
	early := base

	if _, err := st.Put(ctx, newCommand("agg-1", &late), models.Caller(2)); err != nil {
		t.Fatalf("Put late: %v", err)
	}
	if _, err := st.Put(ctx, newCommand("agg-1", &early), models.Caller(1)); err != nil {
		t.Fatalf("Put early: %v", err)
	}
	if _, err := st.Put(ctx, newCommand("agg-1", nil), models.Caller(0)); err != nil {
		t.Fatalf("Put nil due: %v", err)
	}

	due, err := st.DueOn(ctx, "default", late)
	if err != nil {
		t.Fatalf("DueOn: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("got %d due commands, want 3", len(due))
	}
	// nil DueTime sorts first, then ascending due time.
	if due[0].SequenceNumber != 0 || due[1].SequenceNumber != 1 || due[2].SequenceNumber != 2 {
		t.Errorf("unexpected order: %d, %d, %d", due[0].SequenceNumber, due[1].SequenceNumber, due[2].SequenceNumber)
	}
}

func TestDueOn_ExcludesNotYetDue(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := base.Add(time.Hour)

	if _, err := st.Put(ctx, newCommand("agg-1", &future), models.Caller(1)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	due, err := st.DueOn(ctx, "default", base)
	if err != nil {
		t.Fatalf("DueOn: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("got %d due commands, want 0", len(due))
	}
}

func TestDueOn_ExcludesTerminalCommands(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := st.Put(ctx, newCommand("agg-1", &now), models.Caller(1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := st.ApplyDeliveryOutcome(ctx, "agg-1", 1, now, models.Succeeded()); err != nil {
		t.Fatalf("ApplyDeliveryOutcome: %v", err)
	}

	due, err := st.DueOn(ctx, "default", now)
	if err != nil {
		t.Fatalf("DueOn: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("applied command should no longer be due, got %d", len(due))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// ApplyDeliveryOutcome state machine (state transitions)
// ─────────────────────────────────────────────────────────────────────────────

func TestApplyDeliveryOutcome_Success(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := st.Put(ctx, newCommand("agg-1", nil), models.Caller(1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	updated, err := st.ApplyDeliveryOutcome(ctx, "agg-1", 1, now, models.Succeeded())
	if err != nil {
		t.Fatalf("ApplyDeliveryOutcome: %v", err)
	}
	if updated.CurrentState() != models.StateApplied {
		t.Errorf("got state %s, want applied", updated.CurrentState())
	}
	if updated.Attempts != 1 {
		t.Errorf("got attempts=%d, want 1", updated.Attempts)
	}
}

func TestApplyDeliveryOutcome_RetryableFailureReschedules(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	backoff := 30 * time.Second

	if _, err := st.Put(ctx, newCommand("agg-1", nil), models.Caller(1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	outcome := models.Failed(models.Failure{RetryAfter: &backoff, Exception: "transient"})
	updated, err := st.ApplyDeliveryOutcome(ctx, "agg-1", 1, now, outcome)
	if err != nil {
		t.Fatalf("ApplyDeliveryOutcome: %v", err)
	}
	if updated.CurrentState() != models.StatePending {
		t.Errorf("got state %s, want pending", updated.CurrentState())
	}
	if updated.DueTime == nil || !updated.DueTime.Equal(now.Add(backoff)) {
		t.Errorf("got due time %v, want %s", updated.DueTime, now.Add(backoff))
	}
}

func TestApplyDeliveryOutcome_CanceledFailureAbandons(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := st.Put(ctx, newCommand("agg-1", nil), models.Caller(1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	outcome := models.Failed(models.Failure{IsCanceled: true, Exception: "canceled"})
	updated, err := st.ApplyDeliveryOutcome(ctx, "agg-1", 1, now, outcome)
	if err != nil {
		t.Fatalf("ApplyDeliveryOutcome: %v", err)
	}
	if updated.CurrentState() != models.StateAbandoned {
		t.Errorf("got state %s, want abandoned", updated.CurrentState())
	}
}

func TestApplyDeliveryOutcome_NoRetryAfterAbandons(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := st.Put(ctx, newCommand("agg-1", nil), models.Caller(1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	outcome := models.Failed(models.Failure{Exception: "no retry configured"})
	updated, err := st.ApplyDeliveryOutcome(ctx, "agg-1", 1, now, outcome)
	if err != nil {
		t.Fatalf("ApplyDeliveryOutcome: %v", err)
	}
	if updated.CurrentState() != models.StateAbandoned {
		t.Errorf("got state %s, want abandoned", updated.CurrentState())
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Clock persistence
// ─────────────────────────────────────────────────────────────────────────────

func TestAdvanceClock_RejectsBackward(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := st.AdvanceClock(ctx, "billing", start); err != nil {
		t.Fatalf("AdvanceClock: %v", err)
	}
	_, err := st.AdvanceClock(ctx, "billing", start.Add(-time.Minute))
	if !errors.Is(err, models.ErrClockMovedBackward) {
		t.Errorf("got %v, want ErrClockMovedBackward", err)
	}
}

func TestLookupMapping_UnknownValue(t *testing.T) {
	st := store.NewMemoryStore()
	_, ok, err := st.LookupMapping(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("LookupMapping: %v", err)
	}
	if ok {
		t.Error("expected ok=false for unknown mapping")
	}
}

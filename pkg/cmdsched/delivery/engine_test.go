package delivery_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/yuanfeiw/cmdsched/models"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/activity"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/delivery"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/precondition"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/store"
)

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// recordingRepository captures the effective-now each call observed and
// returns a fixed outcome (or error).
type recordingRepository struct {
	outcome     models.Outcome
	err         error
	observedNow []time.Time
}

func (r *recordingRepository) ApplyScheduledCommand(ctx context.Context, cmd *models.ScheduledCommand, _ precondition.Verifier) (models.Outcome, error) {
	now, ok := delivery.EffectiveNowFromContext(ctx)
	if !ok {
		return models.Outcome{}, fmt.Errorf("no effective now bound in context")
	}
	r.observedNow = append(r.observedNow, now)
	return r.outcome, r.err
}

func newCommand(due *time.Time) *models.ScheduledCommand {
	return &models.ScheduledCommand{
		AggregateID:    "agg-1",
		SequenceNumber: 1,
		ClockName:      "default",
		DueTime:        due,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Effective now binding
// ─────────────────────────────────────────────────────────────────────────────

func TestDeliver_BindsCommandDueTimeAsEffectiveNow(t *testing.T) {
	st := store.NewMemoryStore()
	due := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cmd, err := st.Put(context.Background(), newCommand(&due), models.Caller(1))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	repo := &recordingRepository{outcome: models.Succeeded()}
	engine := delivery.New(repo, st, activity.New(4, nil), nil, nil)

	if _, err := engine.Deliver(context.Background(), cmd, true, precondition.Always); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(repo.observedNow) != 1 || !repo.observedNow[0].Equal(due) {
		t.Errorf("got observed now %v, want [%s]", repo.observedNow, due)
	}
}

func TestDeliver_FallsBackToNowFuncWhenNoDueTime(t *testing.T) {
	st := store.NewMemoryStore()
	cmd, err := st.Put(context.Background(), newCommand(nil), models.Caller(1))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	fixed := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	repo := &recordingRepository{outcome: models.Succeeded()}
	engine := delivery.New(repo, st, activity.New(4, nil), nil, nil)
	engine.SetNowFunc(func() time.Time { return fixed })

	if _, err := engine.Deliver(context.Background(), cmd, true, precondition.Always); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(repo.observedNow) != 1 || !repo.observedNow[0].Equal(fixed) {
		t.Errorf("got observed now %v, want [%s]", repo.observedNow, fixed)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Durable vs non-durable store update
// ─────────────────────────────────────────────────────────────────────────────

func TestDeliver_DurableUpdatesStore(t *testing.T) {
	st := store.NewMemoryStore()
	cmd, err := st.Put(context.Background(), newCommand(nil), models.Caller(1))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	repo := &recordingRepository{outcome: models.Succeeded()}
	engine := delivery.New(repo, st, activity.New(4, nil), nil, nil)

	if _, err := engine.Deliver(context.Background(), cmd, true, precondition.Always); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	reloaded, err := st.Load(context.Background(), "agg-1", 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.CurrentState() != models.StateApplied {
		t.Errorf("got state %s, want applied", reloaded.CurrentState())
	}
}

func TestDeliver_NonDurableSkipsStoreUpdate(t *testing.T) {
	st := store.NewMemoryStore()
	cmd, err := st.Put(context.Background(), newCommand(nil), models.Caller(1))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	repo := &recordingRepository{outcome: models.Succeeded()}
	engine := delivery.New(repo, st, activity.New(4, nil), nil, nil)

	if _, err := engine.Deliver(context.Background(), cmd, false, precondition.Always); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	reloaded, err := st.Load(context.Background(), "agg-1", 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.CurrentState() != models.StatePending {
		t.Errorf("non-durable delivery should not update the store, got state %s", reloaded.CurrentState())
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Repository error propagation
// ─────────────────────────────────────────────────────────────────────────────

func TestDeliver_RepositoryErrorPropagates(t *testing.T) {
	st := store.NewMemoryStore()
	cmd, err := st.Put(context.Background(), newCommand(nil), models.Caller(1))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	repo := &recordingRepository{err: fmt.Errorf("infrastructure failure")}
	engine := delivery.New(repo, st, activity.New(4, nil), nil, nil)

	_, err = engine.Deliver(context.Background(), cmd, true, precondition.Always)
	if err == nil {
		t.Fatal("expected error to propagate")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Activity stream publication
// ─────────────────────────────────────────────────────────────────────────────

func TestDeliver_PublishesToActivityStream(t *testing.T) {
	st := store.NewMemoryStore()
	cmd, err := st.Put(context.Background(), newCommand(nil), models.Caller(1))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	stream := activity.New(4, nil)
	sub := stream.Subscribe()
	defer sub.Close()

	repo := &recordingRepository{outcome: models.Succeeded()}
	engine := delivery.New(repo, st, stream, nil, nil)

	if _, err := engine.Deliver(context.Background(), cmd, true, precondition.Always); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	select {
	case evt := <-sub.C():
		if evt.Kind != activity.KindDelivered {
			t.Errorf("got kind %v, want KindDelivered", evt.Kind)
		}
		if evt.Outcome == nil || !evt.Outcome.Succeeded {
			t.Errorf("got outcome %v, want succeeded", evt.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("activity stream did not receive the delivered event")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Per-command serialization
// ─────────────────────────────────────────────────────────────────────────────

func TestDeliver_SerializesConcurrentAttemptsForSameCommand(t *testing.T) {
	st := store.NewMemoryStore()
	cmd, err := st.Put(context.Background(), newCommand(nil), models.Caller(1))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	blockCh := make(chan struct{})
	started := make(chan struct{})
	repo := blockingRepository{started: started, block: blockCh, outcome: models.Succeeded()}
	engine := delivery.New(repo, st, activity.New(4, nil), nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		cp := *cmd
		engine.Deliver(context.Background(), &cp, true, precondition.Always)
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first delivery never started")
	}

	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		cp := *cmd
		engine.Deliver(context.Background(), &cp, true, precondition.Always)
	}()

	select {
	case <-secondDone:
		t.Fatal("second delivery completed before the first was unblocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(blockCh)
	<-done
	<-secondDone
}

type blockingRepository struct {
	started chan struct{}
	block   chan struct{}
	outcome models.Outcome
}

func (r blockingRepository) ApplyScheduledCommand(ctx context.Context, cmd *models.ScheduledCommand, _ precondition.Verifier) (models.Outcome, error) {
	select {
	case r.started <- struct{}{}:
	default:
	}
	<-r.block
	return r.outcome, nil
}

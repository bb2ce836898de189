package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yuanfeiw/cmdsched/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// MemoryStore — in-process Store + clock.Store implementation
// ─────────────────────────────────────────────────────────────────────────────

// MemoryStore is an in-memory implementation of Store and clock.Store. It
// backs the in-memory scheduler variant and the test suite; every mutation
// holds a single mutex, which trivially satisfies ApplyDeliveryOutcome's
// atomicity requirement.
type MemoryStore struct {
	mu sync.Mutex

	commands map[commandKey]*models.ScheduledCommand
	errors   []models.CommandExecutionError
	nextErr  int64

	clocks   map[string]*models.Clock
	mappings map[string]string // value -> clock name

	// nextScheduled tracks the next free scheduler-assigned sequence number
	// per aggregate, so the collision-decrement loop in Put terminates in
	// O(1) instead of retrying from -1 every time.
	nextScheduled map[string]int64
}

type commandKey struct {
	aggregateID    string
	sequenceNumber int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		commands:      make(map[commandKey]*models.ScheduledCommand),
		clocks:        make(map[string]*models.Clock),
		mappings:      make(map[string]string),
		nextScheduled: make(map[string]int64),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Store
// ─────────────────────────────────────────────────────────────────────────────

func (m *MemoryStore) Put(_ context.Context, cmd *models.ScheduledCommand, seq models.SequenceAssignment) (*models.ScheduledCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq.SchedulerAssigned {
		n, ok := m.nextScheduled[cmd.AggregateID]
		if !ok {
			n = -1
		}
		for {
			key := commandKey{cmd.AggregateID, n}
			if _, exists := m.commands[key]; !exists {
				break
			}
			n--
		}
		cmd.SequenceNumber = n
		m.nextScheduled[cmd.AggregateID] = n - 1
	} else {
		cmd.SequenceNumber = seq.CallerAssigned
		key := commandKey{cmd.AggregateID, cmd.SequenceNumber}
		if _, exists := m.commands[key]; exists {
			return nil, fmt.Errorf("store: put %s/%d: %w", cmd.AggregateID, cmd.SequenceNumber, models.ErrDuplicateSchedule)
		}
	}

	cp := *cmd
	m.commands[commandKey{cmd.AggregateID, cmd.SequenceNumber}] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) Load(_ context.Context, aggregateID string, sequenceNumber int64) (*models.ScheduledCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[commandKey{aggregateID, sequenceNumber}]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *cmd
	return &out, nil
}

func (m *MemoryStore) DueOn(_ context.Context, clockName string, asOf time.Time) ([]*models.ScheduledCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*models.ScheduledCommand
	for _, cmd := range m.commands {
		if cmd.ClockName != clockName {
			continue
		}
		if !cmd.IsDue(asOf) {
			continue
		}
		cp := *cmd
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool {
		ti, tj := due[i].DueTime, due[j].DueTime
		switch {
		case ti == nil && tj == nil:
			return due[i].SequenceNumber < due[j].SequenceNumber
		case ti == nil:
			return true
		case tj == nil:
			return false
		case !ti.Equal(*tj):
			return ti.Before(*tj)
		default:
			return due[i].SequenceNumber < due[j].SequenceNumber
		}
	})
	return due, nil
}

func (m *MemoryStore) MarkApplied(_ context.Context, aggregateID string, sequenceNumber int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[commandKey{aggregateID, sequenceNumber}]
	if !ok {
		return models.ErrNotFound
	}
	t := at
	cmd.AppliedTime = &t
	cmd.FinalAttemptTime = nil
	return nil
}

func (m *MemoryStore) MarkAbandoned(_ context.Context, aggregateID string, sequenceNumber int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[commandKey{aggregateID, sequenceNumber}]
	if !ok {
		return models.ErrNotFound
	}
	t := at
	cmd.FinalAttemptTime = &t
	cmd.AppliedTime = nil
	return nil
}

func (m *MemoryStore) Reschedule(_ context.Context, aggregateID string, sequenceNumber int64, newDueTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[commandKey{aggregateID, sequenceNumber}]
	if !ok {
		return models.ErrNotFound
	}
	t := newDueTime
	cmd.DueTime = &t
	return nil
}

func (m *MemoryStore) IncrementAttempts(_ context.Context, aggregateID string, sequenceNumber int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[commandKey{aggregateID, sequenceNumber}]
	if !ok {
		return 0, models.ErrNotFound
	}
	cmd.Attempts++
	return cmd.Attempts, nil
}

func (m *MemoryStore) RecordError(_ context.Context, aggregateID string, sequenceNumber int64, serializedError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.commands[commandKey{aggregateID, sequenceNumber}]; !ok {
		return models.ErrNotFound
	}
	m.nextErr++
	m.errors = append(m.errors, models.CommandExecutionError{
		ID:                m.nextErr,
		AggregateID:       aggregateID,
		SequenceNumber:    sequenceNumber,
		SerializedFailure: serializedError,
		RecordedTime:      time.Now(),
	})
	return nil
}

func (m *MemoryStore) ApplyDeliveryOutcome(_ context.Context, aggregateID string, sequenceNumber int64, now time.Time, outcome models.Outcome) (*models.ScheduledCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd, ok := m.commands[commandKey{aggregateID, sequenceNumber}]
	if !ok {
		return nil, models.ErrNotFound
	}

	cmd.Attempts++
	cmd.Result = &outcome

	switch {
	case outcome.Succeeded:
		t := now
		cmd.AppliedTime = &t
	case outcome.Failure.IsRetryable():
		next := now.Add(*outcome.Failure.RetryAfter)
		cmd.DueTime = &next
		m.nextErr++
		m.errors = append(m.errors, models.CommandExecutionError{
			ID:                m.nextErr,
			AggregateID:       aggregateID,
			SequenceNumber:    sequenceNumber,
			SerializedFailure: outcome.Failure.Exception,
			RecordedTime:      now,
		})
	default:
		t := now
		cmd.FinalAttemptTime = &t
		m.nextErr++
		m.errors = append(m.errors, models.CommandExecutionError{
			ID:                m.nextErr,
			AggregateID:       aggregateID,
			SequenceNumber:    sequenceNumber,
			SerializedFailure: outcome.Failure.Exception,
			RecordedTime:      now,
		})
	}

	out := *cmd
	return &out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// clock.Store
// ─────────────────────────────────────────────────────────────────────────────

func (m *MemoryStore) GetClock(_ context.Context, name string) (*models.Clock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clk, ok := m.clocks[name]
	if !ok {
		return nil, false, nil
	}
	out := *clk
	return &out, true, nil
}

func (m *MemoryStore) CreateClock(_ context.Context, name string, now time.Time) (*models.Clock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if clk, ok := m.clocks[name]; ok {
		out := *clk
		return &out, nil
	}
	clk := &models.Clock{Name: name, Now: now, StartTime: now}
	m.clocks[name] = clk
	out := *clk
	return &out, nil
}

func (m *MemoryStore) AdvanceClock(_ context.Context, name string, target time.Time) (*models.Clock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clk, ok := m.clocks[name]
	if !ok {
		clk = &models.Clock{Name: name, Now: target, StartTime: target}
		m.clocks[name] = clk
		out := *clk
		return &out, nil
	}
	if target.Before(clk.Now) {
		return nil, fmt.Errorf("store: advance %q to %s: %w", name, target, models.ErrClockMovedBackward)
	}
	clk.Now = target
	out := *clk
	return &out, nil
}

func (m *MemoryStore) LookupMapping(_ context.Context, value string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.mappings[value]
	return name, ok, nil
}

func (m *MemoryStore) UpsertMapping(_ context.Context, value, clockName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[value] = clockName
	return nil
}

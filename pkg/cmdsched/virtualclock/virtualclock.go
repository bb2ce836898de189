// Package virtualclock implements a deterministic, in-memory clock: a
// clock whose now only moves when told to, and whose AdvanceTo/AdvanceBy
// block until quiescent — every action scheduled at or before the new now
// has fired, including actions that schedule further actions of their own
// (e.g. a retry rescheduled within the same advance). Pending actions are
// a sorted list rather than real wall-clock timers, so advancement is a
// synchronous pop-and-fire loop.
package virtualclock

import (
	"container/heap"
	"sync"
	"time"

	"github.com/yuanfeiw/cmdsched/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// pending action queue
// ─────────────────────────────────────────────────────────────────────────────

type action struct {
	dueTime time.Time
	seq     int64 // insertion order, for stable tie-breaking
	fn      func()
	index   int
	active  bool
}

type actionQueue []*action

func (q actionQueue) Len() int { return len(q) }
func (q actionQueue) Less(i, j int) bool {
	if !q[i].dueTime.Equal(q[j].dueTime) {
		return q[i].dueTime.Before(q[j].dueTime)
	}
	return q[i].seq < q[j].seq
}
func (q actionQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *actionQueue) Push(x any) {
	a := x.(*action)
	a.index = len(*q)
	*q = append(*q, a)
}
func (q *actionQueue) Pop() any {
	old := *q
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	a.index = -1
	return a
}

// ─────────────────────────────────────────────────────────────────────────────
// CancelFunc / Clock
// ─────────────────────────────────────────────────────────────────────────────

// CancelFunc cancels a previously scheduled action. Calling it after the
// action has already fired is a no-op.
type CancelFunc func()

// Clock is a deterministic virtual clock.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	seq     int64
	pending actionQueue

	movementsMu sync.Mutex
	movements   []chan time.Time
}

// New constructs a Clock starting at start.
func New(start time.Time) *Clock {
	c := &Clock{now: start}
	heap.Init(&c.pending)
	return c
}

// Now returns the clock's current value.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Schedule registers fn to fire when the clock reaches dueTime, on behalf of
// cmd (carried only for the caller's own bookkeeping; the clock itself does
// not inspect it). If dueTime is not after the clock's current now, fn
// fires on the next AdvanceTo (or AdvanceBy) call, even one that does not
// itself move now forward — a caller that wants synchronous firing at the
// current instant should call AdvanceTo(c.Now()).
func (c *Clock) Schedule(cmd *models.ScheduledCommand, dueTime time.Time, fn func()) CancelFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	a := &action{dueTime: dueTime, seq: c.seq, fn: fn, active: true}
	c.seq++
	heap.Push(&c.pending, a)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		a.active = false
	}
}

// AdvanceBy advances the clock by d and blocks until quiescent.
func (c *Clock) AdvanceBy(d time.Duration) time.Time {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	return c.AdvanceTo(target)
}

// AdvanceTo sets now to target (if target is after the current now) and
// fires every pending action whose due time is <= the new now, including
// actions newly scheduled by an action that is itself firing — this is the
// clock's quiescence guarantee. AdvanceTo blocks until quiescent, then
// publishes the new now on the movements observable.
func (c *Clock) AdvanceTo(target time.Time) time.Time {
	c.mu.Lock()
	if target.After(c.now) {
		c.now = target
	}
	final := c.now
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *action
		for c.pending.Len() > 0 {
			candidate := c.pending[0]
			if candidate.dueTime.After(c.now) {
				break
			}
			heap.Pop(&c.pending)
			if candidate.active {
				next = candidate
				break
			}
		}
		c.mu.Unlock()

		if next == nil {
			break
		}
		next.fn()
	}

	c.publishMovement(final)
	return final
}

// Done reports whether no uncanceled scheduled action remains pending
// (regardless of due time): it returns false while any such action is still
// queued. A virtual clock with no more work is permanently done until a
// new Schedule call arrives — this is not the same as quiescence up to a
// specific instant (which AdvanceTo already enforces at its own target);
// Done answers the broader "anything left for any future instant".
func (c *Clock) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.pending {
		if a.active {
			return false
		}
	}
	return true
}

// Movements returns a channel that receives the new now after every
// AdvanceTo/AdvanceBy call. The returned channel is buffered; a caller that
// stops reading from it will not block future advancements, but may miss
// movements once the buffer (capacity 16) fills.
func (c *Clock) Movements() <-chan time.Time {
	ch := make(chan time.Time, 16)
	c.movementsMu.Lock()
	c.movements = append(c.movements, ch)
	c.movementsMu.Unlock()
	return ch
}

func (c *Clock) publishMovement(now time.Time) {
	c.movementsMu.Lock()
	defer c.movementsMu.Unlock()
	for _, ch := range c.movements {
		select {
		case ch <- now:
		default:
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Singleton discipline
// ─────────────────────────────────────────────────────────────────────────────

var (
	currentMu sync.Mutex
	current   *Clock
)

// Install makes c the process's current virtual clock. It returns
// models.ErrVirtualClockInUse if a virtual clock is already installed.
//
// Nothing elsewhere in this module consults Current — every component that
// needs a time source takes one by constructor injection instead. This
// singleton exists only for callers that want one ambient virtual clock for
// a process.
func Install(c *Clock) error {
	currentMu.Lock()
	defer currentMu.Unlock()
	if current != nil {
		return models.ErrVirtualClockInUse
	}
	current = c
	return nil
}

// Current returns the installed virtual clock, or nil if none is installed.
func Current() *Clock {
	currentMu.Lock()
	defer currentMu.Unlock()
	return current
}

// Dispose uninstalls the current virtual clock, restoring the ambient
// (wall-clock) clock for any caller that reads Current.
func Dispose() {
	currentMu.Lock()
	defer currentMu.Unlock()
	current = nil
}

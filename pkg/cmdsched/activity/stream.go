// Package activity implements an observable stream of scheduling and
// delivery events for external observers (metrics, logging, integration
// tests). Publish fans out to every live subscriber without blocking;
// a subscriber whose buffer is full has that event dropped rather than
// stall the publisher.
package activity

import (
	"log/slog"
	"sync"
	"time"

	"github.com/yuanfeiw/cmdsched/models"
)

// EventKind discriminates the two activity event shapes.
type EventKind int

const (
	// KindScheduled is published when a command is scheduled (persisted or
	// elided).
	KindScheduled EventKind = iota
	// KindDelivered is published after a delivery attempt completes.
	KindDelivered
)

// Event is a single activity-stream entry.
type Event struct {
	Kind      EventKind
	Time      time.Time
	ClockName string

	AggregateID    string
	SequenceNumber int64

	// Outcome is populated for KindDelivered.
	Outcome *models.Outcome
}

// Stream is a fan-out publisher: every Publish call is delivered to every
// current Subscribe-r without blocking the publisher. A subscriber that
// falls behind its buffer has events dropped for it with a logged warning,
// rather than stalling delivery for every other command in flight.
type Stream struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	bufferSize  int
}

// New constructs an empty Stream. bufferSize sets each subscriber channel's
// capacity; values <= 0 default to 256.
func New(bufferSize int, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Stream{
		logger:      logger,
		subscribers: make(map[int]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscription is a handle returned by Subscribe. Call Close to stop
// receiving events and release the underlying channel.
type Subscription struct {
	id     int
	ch     chan Event
	stream *Stream
}

// C returns the channel events are delivered on.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	if _, ok := s.stream.subscribers[s.id]; ok {
		delete(s.stream.subscribers, s.id)
		close(s.ch)
	}
}

// Subscribe registers a new listener.
func (st *Stream) Subscribe() *Subscription {
	st.mu.Lock()
	defer st.mu.Unlock()
	id := st.nextID
	st.nextID++
	ch := make(chan Event, st.bufferSize)
	st.subscribers[id] = ch
	return &Subscription{id: id, ch: ch, stream: st}
}

// Publish fans evt out to every subscriber. Never blocks: a subscriber whose
// buffer is full has this event dropped with a warning log instead.
func (st *Stream) Publish(evt Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, ch := range st.subscribers {
		select {
		case ch <- evt:
		default:
			st.logger.Warn("activity: subscriber buffer full, dropping event", "subscriber", id, "kind", evt.Kind)
		}
	}
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

package session

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of events a Bus retains when no capacity is
// configured.
const DefaultCapacity = 1000

// Query filters a Bus snapshot. A zero Since has no lower bound; Since is
// inclusive. A Limit of zero or less returns every match; otherwise only
// the most recent Limit matches are returned, oldest first.
type Query struct {
	Since time.Time
	Limit int
}

// BusOption configures a Bus at construction.
type BusOption func(*Bus)

// WithClock replaces time.Now as the source of event timestamps.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

// Bus is the bounded event history of one session. It is a fixed-size ring
// of events; once full, each emit overwrites the oldest event.
//
// Emit is serialised per bus: listeners observe the session's events in
// exact emission order, and a listener never sees a later emit begin before
// an earlier one has been delivered to every listener. Listeners run inline
// and must not call Emit on the same bus.
//
// All methods are safe for concurrent use.
type Bus struct {
	// emitMu serialises append+dispatch. mu guards the ring only, so
	// listeners may read snapshots while a dispatch is in progress.
	emitMu sync.Mutex
	mu     sync.Mutex

	events   []Event
	capacity int
	// head is the index of the oldest event; count is the number stored.
	head    int
	count   int
	lastSeq uint64

	now       func() time.Time
	listeners listenerSet[Event]
}

// NewBus creates a bus retaining at most capacity events. A non-positive
// capacity falls back to DefaultCapacity.
func NewBus(capacity int, opts ...BusOption) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus{
		events:    make([]Event, capacity),
		capacity:  capacity,
		now:       time.Now,
		listeners: listenerSet[Event]{name: "bus"},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit stamps ev with the current time and the next sequence number,
// appends it, and delivers it to every listener before returning. An event
// missing a required field is rejected with ErrInvalidEvent and leaves the
// bus untouched.
func (b *Bus) Emit(ev Event) (Event, error) {
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	ev = ev.Clone()

	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.mu.Lock()
	ev.Timestamp = b.now()
	b.lastSeq++
	ev.Seq = b.lastSeq
	b.append(ev)
	b.mu.Unlock()

	b.listeners.dispatch(ev)
	return ev, nil
}

// append writes ev at the tail, advancing head when full. Caller must hold b.mu.
func (b *Bus) append(ev Event) {
	tail := (b.head + b.count) % b.capacity
	b.events[tail] = ev
	if b.count < b.capacity {
		b.count++
		return
	}
	b.head = (b.head + 1) % b.capacity
}

// Events returns the buffered events matching q, oldest first.
func (b *Bus) Events(q Query) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	matches := make([]Event, 0, b.count)
	for i := 0; i < b.count; i++ {
		ev := b.events[(b.head+i)%b.capacity]
		if !q.Since.IsZero() && ev.Timestamp.Before(q.Since) {
			continue
		}
		matches = append(matches, ev)
	}
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[len(matches)-q.Limit:]
	}

	out := make([]Event, len(matches))
	for i, ev := range matches {
		out[i] = ev.Clone()
	}
	return out
}

// Count returns the number of buffered events.
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Capacity returns the maximum number of events the bus retains.
func (b *Bus) Capacity() int {
	return b.capacity
}

// Clear drops every buffered event. Listeners are not notified and stay
// registered. Sequence numbers keep increasing across a clear.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.events {
		b.events[i] = Event{}
	}
	b.head = 0
	b.count = 0
}

// drain runs detach, snapshots the buffer and empties it while holding the
// emit lock, so no emit can land between the snapshot and the reset.
func (b *Bus) drain(detach func()) []Event {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	detach()

	b.mu.Lock()
	defer b.mu.Unlock()
	history := make([]Event, b.count)
	for i := range b.count {
		history[i] = b.events[(b.head+i)%b.capacity].Clone()
	}
	for i := range b.events {
		b.events[i] = Event{}
	}
	b.head = 0
	b.count = 0
	return history
}

// Subscribe registers fn for every subsequent emit and returns a function
// that unregisters it. After unsubscribe returns, fn is not called for any
// emit that has not yet reached it. The event passed to fn shares memory
// with the buffer and must be treated as read-only.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	return b.listeners.add(fn)
}

// ListenerCount returns the number of registered listeners.
func (b *Bus) ListenerCount() int {
	return b.listeners.len()
}

package session

import (
	"sort"
	"sync"
)

// entry is one live session owned by a Directory.
type entry struct {
	bus      *Bus
	meta     *Metadata
	announce bool // session_created already fired
	detach   func()
}

// Directory owns the bus of every live session. Buses are created lazily on
// first reference and destroyed only by CloseSession. Each bus's events are
// re-published directory-wide, tagged with the session id, so a single
// subscriber can follow every session.
type Directory struct {
	mu       sync.Mutex
	sessions map[string]*entry
	capacity int
	busOpts  []BusOption

	events  listenerSet[Tagged]
	created listenerSet[Summary]
	closed  listenerSet[string]
}

// NewDirectory creates a directory whose buses retain capacity events each.
// opts are applied to every bus it creates.
func NewDirectory(capacity int, opts ...BusOption) *Directory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Directory{
		sessions: make(map[string]*entry),
		capacity: capacity,
		busOpts:  opts,
		events:   listenerSet[Tagged]{name: "directory event"},
		created:  listenerSet[Summary]{name: "session created"},
		closed:   listenerSet[string]{name: "session closed"},
	}
}

// GetOrCreateBus returns the bus for id, creating it if needed. Concurrent
// callers with the same id always receive the same bus.
func (d *Directory) GetOrCreateBus(id string) *Bus {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.sessions[id]; ok {
		return e.bus
	}

	bus := NewBus(d.capacity, d.busOpts...)
	e := &entry{bus: bus}
	e.detach = bus.Subscribe(func(ev Event) {
		d.events.dispatch(Tagged{SessionID: id, Event: ev})
	})
	d.sessions[id] = e
	return bus
}

// GetBus returns the bus for id without creating one.
func (d *Directory) GetBus(id string) (*Bus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.sessions[id]
	if !ok {
		return nil, false
	}
	return e.bus, true
}

// SetSessionMetadata attaches meta to an existing session. It reports
// false, storing nothing, when the session has no bus. The first successful
// call announces the session to OnSessionCreated listeners; later calls
// overwrite silently.
func (d *Directory) SetSessionMetadata(id string, meta Metadata) bool {
	d.mu.Lock()
	e, ok := d.sessions[id]
	if !ok {
		d.mu.Unlock()
		return false
	}
	e.meta = &meta
	first := !e.announce
	e.announce = true
	summary := Summary{ID: id, EventCount: e.bus.Count(), Metadata: e.meta.clone()}
	d.mu.Unlock()

	if first {
		d.created.dispatch(summary)
	}
	return true
}

// Metadata returns the metadata stored for id, if any.
func (d *Directory) Metadata(id string) (*Metadata, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.sessions[id]
	if !ok || e.meta == nil {
		return nil, false
	}
	return e.meta.clone(), true
}

// CloseSession removes the session and returns its full buffered history so
// an archiver can persist it. Closing an unknown session returns false and
// announces nothing.
func (d *Directory) CloseSession(id string) ([]Event, bool) {
	d.mu.Lock()
	e, ok := d.sessions[id]
	if !ok {
		d.mu.Unlock()
		return nil, false
	}
	delete(d.sessions, id)
	d.mu.Unlock()

	history := e.bus.drain(e.detach)

	d.closed.dispatch(id)
	return history, true
}

// GetAllSessions returns the ids of every live session, sorted.
func (d *Directory) GetAllSessions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetSessionSummaries returns a summary of every live session, sorted by id.
func (d *Directory) GetSessionSummaries() []Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	summaries := make([]Summary, 0, len(d.sessions))
	for id, e := range d.sessions {
		summaries = append(summaries, Summary{
			ID:         id,
			EventCount: e.bus.Count(),
			Metadata:   e.meta.clone(),
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries
}

// OnEvent registers fn for every event emitted on any session.
func (d *Directory) OnEvent(fn func(sessionID string, ev Event)) (unsubscribe func()) {
	return d.events.add(func(t Tagged) { fn(t.SessionID, t.Event) })
}

// OnSessionCreated registers fn for session announcements.
func (d *Directory) OnSessionCreated(fn func(Summary)) (unsubscribe func()) {
	return d.created.add(fn)
}

// OnSessionClosed registers fn for session closures.
func (d *Directory) OnSessionClosed(fn func(sessionID string)) (unsubscribe func()) {
	return d.closed.add(fn)
}

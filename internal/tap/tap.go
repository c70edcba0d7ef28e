// Package tap observes a JSON-RPC protocol server without changing its
// behaviour. Three independent interceptors feed canonical events into a
// session.Directory:
//
//   - WrapTaskStore decorates the server's task store and reports task
//     creation and every status transition.
//   - WrapSender decorates the duplex channel's send primitive and reports
//     outbound notifications and responses.
//   - Middleware sits at the HTTP boundary and reports inbound requests plus
//     response bodies, parsing event streams as each write happens.
//
// Observation failures are recorded in monitor.Health and never reach the
// wrapped component.
package tap

import (
	"log"
	"time"

	"github.com/wiretap-dev/wiretap/internal/monitor"
	"github.com/wiretap-dev/wiretap/internal/session"
)

// Tap names used in health reporting.
const (
	NameTaskStore = "task_store"
	NameSender    = "sender"
	NameHTTP      = "http"
)

const (
	DefaultSessionHeader  = "Mcp-Session-Id"
	DefaultUnknownSession = "unknown"
	DefaultMaxBodyBytes   = 4 << 20
)

// Options configures a Tap. Zero fields take the defaults above.
type Options struct {
	// SessionHeader carries the session id on requests and responses.
	SessionHeader string
	// UnknownSession buckets events whose session cannot be resolved.
	UnknownSession string
	// MaxBodyBytes bounds how much of a plain body, or of one unterminated
	// stream line, is buffered for parsing.
	MaxBodyBytes int64
	// Health receives failure counters. May be nil.
	Health *monitor.Health
	// OnSessionClosed, if set, receives the history of a session closed by
	// an HTTP DELETE, for archival.
	OnSessionClosed func(sessionID string, history []session.Event)
	// Now stamps session metadata. Defaults to time.Now.
	Now func() time.Time
}

// Tap routes observed traffic into a directory.
type Tap struct {
	dir  *session.Directory
	opts Options
}

// New creates a tap feeding dir.
func New(dir *session.Directory, opts Options) *Tap {
	if opts.SessionHeader == "" {
		opts.SessionHeader = DefaultSessionHeader
	}
	if opts.UnknownSession == "" {
		opts.UnknownSession = DefaultUnknownSession
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tap{dir: dir, opts: opts}
}

// emit records ev on the bus of sessionID, or of the unknown bucket when
// sessionID is empty. It never panics and never returns an error.
func (t *Tap) emit(tap, sessionID string, ev session.Event) {
	defer t.guard(tap)

	if sessionID == "" {
		sessionID = t.opts.UnknownSession
	}
	if _, err := t.dir.GetOrCreateBus(sessionID).Emit(ev); err != nil {
		log.Printf("tap: %s dropped %s event for %s: %v", tap, ev.Type, sessionID, err)
		t.opts.Health.RecordEmitError(tap, err)
		return
	}
	t.opts.Health.RecordObserved(tap)
}

// guard recovers a panic raised by observation code. It must be deferred
// directly.
func (t *Tap) guard(tap string) {
	if r := recover(); r != nil {
		log.Printf("tap: %s recovered: %v", tap, r)
		t.opts.Health.RecordPanic(tap, r)
	}
}

// closeSession closes id in the directory and hands its history to the
// archiver, if any.
func (t *Tap) closeSession(id string) {
	history, ok := t.dir.CloseSession(id)
	if !ok {
		return
	}
	log.Printf("tap: session %s closed with %d buffered events", id, len(history))
	if t.opts.OnSessionClosed != nil {
		t.opts.OnSessionClosed(id, history)
	}
}

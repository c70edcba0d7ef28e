package monitor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status summarises how a tap is coping with the traffic it observes.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
)

// DefaultThreshold is the number of consecutive failures after which a tap
// is reported degraded.
const DefaultThreshold = 3

// TapHealth is a point-in-time copy of one tap's counters.
type TapHealth struct {
	Name                string    `json:"name"`
	Status              Status    `json:"status"`
	Observed            uint64    `json:"observed"`
	Skipped             uint64    `json:"skipped"`
	Panics              uint64    `json:"panics"`
	EmitErrors          uint64    `json:"emitErrors"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastErrorAt         time.Time `json:"lastErrorAt,omitempty"`
}

// tapHealth tracks one tap. Fields are protected by mu because taps record
// from request goroutines while the health endpoint reads.
type tapHealth struct {
	mu                  sync.Mutex
	observed            uint64
	skipped             uint64
	panics              uint64
	emitErrors          uint64
	consecutiveFailures int
	lastErr             string
	lastErrAt           time.Time
}

// Health collects failure counters for every tap. Taps never surface their
// own failures to the server they observe, so this is where they end up.
// The zero value is not usable; call NewHealth.
type Health struct {
	threshold int

	mu   sync.Mutex
	taps map[string]*tapHealth
}

// NewHealth creates a tracker that reports a tap degraded after threshold
// consecutive failures. A non-positive threshold uses DefaultThreshold.
func NewHealth(threshold int) *Health {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Health{
		threshold: threshold,
		taps:      make(map[string]*tapHealth),
	}
}

func (h *Health) tap(name string) *tapHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.taps[name]
	if !ok {
		t = &tapHealth{}
		h.taps[name] = t
	}
	return t
}

// RecordObserved counts an event successfully emitted by a tap and resets
// its consecutive failure count.
func (h *Health) RecordObserved(name string) {
	if h == nil {
		return
	}
	t := h.tap(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observed++
	t.consecutiveFailures = 0
}

// RecordSkipped counts a payload the tap could not parse. Skips are
// expected on real traffic and do not count toward degradation.
func (h *Health) RecordSkipped(name string) {
	if h == nil {
		return
	}
	t := h.tap(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.skipped++
}

// RecordEmitError counts an event the directory rejected.
func (h *Health) RecordEmitError(name string, err error) {
	if h == nil {
		return
	}
	t := h.tap(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitErrors++
	t.failLocked(err.Error())
}

// RecordPanic counts a panic recovered inside a tap's observation code.
func (h *Health) RecordPanic(name string, recovered any) {
	if h == nil {
		return
	}
	t := h.tap(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.panics++
	t.failLocked(panicString(recovered))
}

// failLocked records a failure. Caller must hold t.mu.
func (t *tapHealth) failLocked(msg string) {
	t.consecutiveFailures++
	t.lastErr = msg
	t.lastErrAt = time.Now()
}

// Snapshot returns the state of every tap that has recorded anything,
// sorted by name.
func (h *Health) Snapshot() []TapHealth {
	h.mu.Lock()
	names := make([]string, 0, len(h.taps))
	for name := range h.taps {
		names = append(names, name)
	}
	h.mu.Unlock()
	sort.Strings(names)

	out := make([]TapHealth, 0, len(names))
	for _, name := range names {
		out = append(out, h.tapSnapshot(name))
	}
	return out
}

func (h *Health) tapSnapshot(name string) TapHealth {
	t := h.tap(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	status := StatusHealthy
	if t.consecutiveFailures >= h.threshold {
		status = StatusDegraded
	}
	return TapHealth{
		Name:                name,
		Status:              status,
		Observed:            t.observed,
		Skipped:             t.skipped,
		Panics:              t.panics,
		EmitErrors:          t.emitErrors,
		ConsecutiveFailures: t.consecutiveFailures,
		LastError:           t.lastErr,
		LastErrorAt:         t.lastErrAt,
	}
}

// Overall returns StatusDegraded if any tap is degraded.
func (h *Health) Overall() Status {
	for _, t := range h.Snapshot() {
		if t.Status == StatusDegraded {
			return StatusDegraded
		}
	}
	return StatusHealthy
}

func panicString(recovered any) string {
	if err, ok := recovered.(error); ok {
		return "panic: " + err.Error()
	}
	return fmt.Sprintf("panic: %v", recovered)
}

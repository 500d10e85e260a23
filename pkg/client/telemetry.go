package client

import (
	"sync"
	"time"
)

// Phase is the stage of a dispatch an Event reports.
type Phase string

// Dispatch phases.
const (
	// PhaseStart is reported right before the request is sent.
	PhaseStart Phase = "start"
	// PhaseFinish is reported when a response was received, whatever its
	// status.
	PhaseFinish Phase = "finish"
	// PhaseError is reported when no response was received.
	PhaseError Phase = "error"
)

// Event describes one dispatch.
type Event struct {
	Phase     Phase
	RequestID string
	Endpoint  string
	Method    string

	// Status is the HTTP status, 0 for transport errors and start events.
	Status   int
	Duration time.Duration
	Success  bool

	// Attempt is the 1-based dispatch number within the call.
	Attempt int

	// Degraded marks a finish event answered by the mock fallback.
	Degraded bool

	Kind ErrorKind
	Err  error
}

// Hooks receives telemetry for every dispatch. Implementations must be
// safe for concurrent use and must not block.
type Hooks interface {
	OnRequestStart(Event)
	OnRequestFinish(Event)
	OnRequestError(Event)
}

// HookFuncs adapts plain functions to Hooks. Nil fields are skipped.
type HookFuncs struct {
	Start  func(Event)
	Finish func(Event)
	Error  func(Event)
}

// OnRequestStart calls h.Start.
func (h HookFuncs) OnRequestStart(e Event) {
	if h.Start != nil {
		h.Start(e)
	}
}

// OnRequestFinish calls h.Finish.
func (h HookFuncs) OnRequestFinish(e Event) {
	if h.Finish != nil {
		h.Finish(e)
	}
}

// OnRequestError calls h.Error.
func (h HookFuncs) OnRequestError(e Event) {
	if h.Error != nil {
		h.Error(e)
	}
}

// MultiHooks fans events out to several hooks in order.
func MultiHooks(hooks ...Hooks) Hooks {
	var live multiHooks
	for _, h := range hooks {
		if h != nil {
			live = append(live, h)
		}
	}
	return live
}

type multiHooks []Hooks

func (m multiHooks) OnRequestStart(e Event) {
	for _, h := range m {
		h.OnRequestStart(e)
	}
}

func (m multiHooks) OnRequestFinish(e Event) {
	for _, h := range m {
		h.OnRequestFinish(e)
	}
}

func (m multiHooks) OnRequestError(e Event) {
	for _, h := range m {
		h.OnRequestError(e)
	}
}

// DefaultRecorderCapacity is the number of events a Recorder keeps.
const DefaultRecorderCapacity = 100

// Recorder keeps the most recent events in a ring buffer.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

// NewRecorder creates a recorder holding up to capacity events.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultRecorderCapacity
	}
	return &Recorder{events: make([]Event, capacity)}
}

// OnRequestStart records e.
func (r *Recorder) OnRequestStart(e Event) { r.record(e) }

// OnRequestFinish records e.
func (r *Recorder) OnRequestFinish(e Event) { r.record(e) }

// OnRequestError records e.
func (r *Recorder) OnRequestError(e Event) { r.record(e) }

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = e
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

// Events returns the recorded events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Event(nil), r.events[:r.next]...)
	}
	out := make([]Event, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	return append(out, r.events[:r.next]...)
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.events)
	}
	return r.next
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = make([]Event, len(r.events))
	r.next = 0
	r.full = false
}

package events

import (
	"sync"

	"nnschain/core/types"
)

// Event represents a structured state change emitted by a native module.
type Event interface {
	EventType() string
}

// Payload is implemented by events that can render their canonical
// attribute form.
type Payload interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Recorder keeps emitted payloads in memory in emission order. A zero
// Recorder is unbounded; one built with NewRecorder keeps only the newest
// capacity entries.
type Recorder struct {
	mu       sync.Mutex
	events   []types.Event
	capacity int
}

// NewRecorder returns a recorder retaining at most capacity events. A
// non-positive capacity means no limit.
func NewRecorder(capacity int) *Recorder {
	return &Recorder{capacity: capacity}
}

// Emit implements the Emitter interface. Events without a canonical payload
// are recorded by type only.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	var record types.Event
	if payload, ok := evt.(Payload); ok && payload.Event() != nil {
		record = payload.Event().Clone()
	} else {
		record = types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
	}
	r.mu.Lock()
	r.events = append(r.events, record)
	r.trim()
	r.mu.Unlock()
}

// Append records already rendered events.
func (r *Recorder) Append(evts ...types.Event) {
	if r == nil || len(evts) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, evt := range evts {
		r.events = append(r.events, evt.Clone())
	}
	r.trim()
}

func (r *Recorder) trim() {
	if r.capacity > 0 && len(r.events) > r.capacity {
		r.events = append([]types.Event(nil), r.events[len(r.events)-r.capacity:]...)
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []types.Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Event, len(r.events))
	for i := range r.events {
		out[i] = r.events[i].Clone()
	}
	return out
}

// Len reports the number of recorded events.
func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Truncate drops every event recorded after the first n entries. It is used
// to discard events emitted by a call that was rolled back.
func (r *Recorder) Truncate(n int) {
	if r == nil || n < 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n < len(r.events) {
		r.events = r.events[:n]
	}
}

// Buffer queues events bound for other emitters until the enclosing
// operation settles. Flush forwards them in emission order; Discard drops
// them.
type Buffer struct {
	mu      sync.Mutex
	pending []pendingEvent
}

type pendingEvent struct {
	target Emitter
	evt    Event
}

// Deferred returns an emitter that queues events for target in b.
func (b *Buffer) Deferred(target Emitter) Emitter {
	return deferredEmitter{buf: b, target: target}
}

// Len reports the number of queued events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush forwards every queued event to its target and empties the buffer.
func (b *Buffer) Flush() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, p := range pending {
		if p.target != nil {
			p.target.Emit(p.evt)
		}
	}
}

// Discard drops every queued event.
func (b *Buffer) Discard() {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
}

type deferredEmitter struct {
	buf    *Buffer
	target Emitter
}

func (d deferredEmitter) Emit(evt Event) {
	if evt == nil {
		return
	}
	d.buf.mu.Lock()
	d.buf.pending = append(d.buf.pending, pendingEvent{target: d.target, evt: evt})
	d.buf.mu.Unlock()
}

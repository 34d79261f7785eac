package agentloop

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies a live engine event.
type EventKind string

const (
	EventToolCall       EventKind = "tool_call"
	EventToolResult     EventKind = "tool_result"
	EventStatus         EventKind = "status"
	EventAssistantToken EventKind = "assistant_token"
	EventAssistantDone  EventKind = "assistant_done"
	EventWarning        EventKind = "warning"
	EventError          EventKind = "error"
	EventRunComplete    EventKind = "run_complete"
)

// Event is a live engine event. Payload values are JSON-encodable.
type Event struct {
	Kind      EventKind      `json:"kind"`
	RunID     string         `json:"runId"`
	SessionID string         `json:"sessionId"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Emitter broadcasts events, in emission order, to any number of
// subscribers. A subscriber whose buffer is full misses events rather than
// stalling the engine. A nil *Emitter discards everything.
type Emitter struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Int64
}

// NewEmitter returns an emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]chan Event)}
}

// Subscription is a registered receiver.
type Subscription struct {
	id int
	C  <-chan Event
}

// Subscribe registers a receiver with the given buffer size.
func (e *Emitter) Subscribe(buf int) *Subscription {
	if buf <= 0 {
		buf = 256
	}
	ch := make(chan Event, buf)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subs == nil {
		e.subs = make(map[int]chan Event)
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	return &Subscription{id: id, C: ch}
}

// Unsubscribe removes sub and closes its channel.
func (e *Emitter) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.subs[sub.id]; ok {
		delete(e.subs, sub.id)
		close(ch)
	}
}

// Emit delivers ev to every subscriber without blocking.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped on full buffers.
func (e *Emitter) Dropped() int64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}

// Close unsubscribes everyone.
func (e *Emitter) Close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}

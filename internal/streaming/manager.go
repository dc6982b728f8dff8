package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one progress update for a running query, consumed by the
// websocket stream and mirrored to Redis for external consumers.
type Event struct {
	QueryHandle string    `json:"query_handle"`
	Type        string    `json:"type"`
	TaskID      string    `json:"task_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Seq         uint64    `json:"seq"`
}

// Event types emitted by the scheduler.
const (
	EventQueryStarted   = "QUERY_STARTED"
	EventQueryCompleted = "QUERY_COMPLETED"
	EventTaskStarted    = "TASK_STARTED"
	EventTaskCompleted  = "TASK_COMPLETED"
	EventTaskFailed     = "TASK_FAILED"
	EventTaskAbandoned  = "TASK_ABANDONED"
)

// Manager provides in-memory pub/sub for query progress events, with a
// per-query ring buffer so late subscribers can replay recent history.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a query handle; the caller must
// drain it and call Unsubscribe.
func (m *Manager) Subscribe(queryHandle string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[queryHandle]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[queryHandle] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(queryHandle string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[queryHandle]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, queryHandle)
		}
	}
}

// Publish assigns a sequence number and fans the event out to subscribers.
// Slow subscribers drop events rather than block the publisher. Fan-out
// happens under the lock: sends never block, and Unsubscribe cannot close a
// channel while a send to it is in flight.
func (m *Manager) Publish(queryHandle string, evt Event) Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[queryHandle]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[queryHandle] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)

	for ch := range m.subscribers[queryHandle] {
		select {
		case ch <- evt:
		default:
		}
	}
	return evt
}

// ReplaySince returns events with Seq > since, best-effort within the ring's
// capacity.
func (m *Manager) ReplaySince(queryHandle string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[queryHandle]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops a finished query's history and subscriber bookkeeping.
func (m *Manager) Forget(queryHandle string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, queryHandle)
	if subs, ok := m.subscribers[queryHandle]; ok {
		for ch := range subs {
			close(ch)
		}
		delete(m.subscribers, queryHandle)
	}
}

// Marshal returns the event's JSON form for wire delivery.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

func unmarshalEvent(b []byte, evt *Event) error {
	return json.Unmarshal(b, evt)
}

type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

// Sequences start at 1 so a reconnecting client can pass last_event_id=0 to
// replay everything the ring still holds.
func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity), nextSeq: 1} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

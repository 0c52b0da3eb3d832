// Package streaming provides in-memory pub/sub for research status events,
// with a per-research replay ring so late subscribers can catch up from a
// last-seen sequence number.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/state"
)

// EventType classifies a status event.
type EventType string

const (
	EventPhaseChanged  EventType = "phase_changed"
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepRetrying  EventType = "step_retrying"
	EventStepAborted   EventType = "step_aborted"
	EventIssueRaised   EventType = "issue_raised"
	EventProgress      EventType = "progress"
	EventCancelled     EventType = "cancelled"
	EventFinished      EventType = "finished"
)

// Event is one material state change of a research, emitted to subscribers.
type Event struct {
	ResearchID             string        `json:"research_id"`
	Type                   EventType     `json:"type"`
	Phase                  string        `json:"phase"`
	Percentage             float64       `json:"percentage"`
	CurrentActivity        string        `json:"current_activity,omitempty"`
	EstimatedTimeRemaining time.Duration `json:"estimated_time_remaining"`
	Issues                 []state.Issue `json:"issues,omitempty"`
	Timestamp              time.Time     `json:"timestamp"`
	Seq                    uint64        `json:"seq"`
}

// Marshal returns the event as JSON for SSE payloads or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager fans research events out to subscribers. There is no process-wide
// instance; the engine owns its manager explicitly.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates a manager whose replay rings hold capacity events per
// research.
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

// Subscribe adds a subscriber channel for a research; the caller must drain
// it and call Unsubscribe when done.
func (m *Manager) Subscribe(researchID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[researchID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[researchID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(researchID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[researchID]; ok {
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, researchID)
		}
	}
}

// Publish assigns the event a sequence number, records it for replay, and
// delivers it to all subscribers without blocking. Slow subscribers miss
// events rather than stalling the engine; they can recover via ReplaySince.
func (m *Manager) Publish(researchID string, evt Event) {
	evt.ResearchID = researchID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rg := m.history[researchID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[researchID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)

	// Fan out under the lock: sends never block, and Unsubscribe closes
	// channels under the same lock, so no send can hit a closed channel.
	for ch := range m.subscribers[researchID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ReplaySince returns events with Seq > since, best-effort within the ring's
// capacity.
func (m *Manager) ReplaySince(researchID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[researchID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Drop discards a research's replay history, e.g. after retention sweep.
func (m *Manager) Drop(researchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, researchID)
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

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

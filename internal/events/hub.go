// Package events is an in-memory pub/sub for job lifecycle notifications,
// with a small ring buffer so late subscribers can catch up.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Job lifecycle event types, as they appear on the SSE stream.
const (
	TypeJobEnqueued = "job.enqueued"
	TypeJobStarted  = "job.started"
	TypeJobFinished = "job.finished"
	TypeJobFailed   = "job.failed"
)

type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"`
}

// JobEvent is the payload carried by every job lifecycle event.
type JobEvent struct {
	JobID    string `json:"job_id"`
	Module   string `json:"module,omitempty"`
	Target   string `json:"target,omitempty"`
	Status   string `json:"status,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`
	Error    string `json:"error,omitempty"`
	Terminal bool   `json:"terminal,omitempty"`
}

type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// JobEnqueued reports a job accepted into the queue.
func (h *Hub) JobEnqueued(jobID, module, target string) {
	h.Publish(TypeJobEnqueued, JobEvent{JobID: jobID, Module: module, Target: target})
}

// JobStarted reports a worker beginning an attempt.
func (h *Hub) JobStarted(jobID, module string, attempt int) {
	h.Publish(TypeJobStarted, JobEvent{JobID: jobID, Module: module, Attempt: attempt})
}

// JobFinished reports a job reaching its terminal success state.
func (h *Hub) JobFinished(jobID, module, status string) {
	h.Publish(TypeJobFinished, JobEvent{JobID: jobID, Module: module, Status: status})
}

// JobFailed reports a failed attempt. terminal marks failures that will not
// be redelivered.
func (h *Hub) JobFailed(jobID, module, errMsg string, terminal bool) {
	h.Publish(TypeJobFailed, JobEvent{JobID: jobID, Module: module, Error: errMsg, Terminal: terminal})
}

// Publish fans an event out to all subscribers. A nil hub drops events so
// callers without an event stream wired need no guard.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	id := h.nextID.Add(1)

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   id,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow clients block producers.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}

	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}

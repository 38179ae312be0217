package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Run lifecycle event types published by the coordinator.
const (
	TypeRunStarted     = "run.started"
	TypeStageStarted   = "stage.started"
	TypeStageCompleted = "stage.completed"
	TypeSyncCompleted  = "sync.completed"
	TypeRunCompleted   = "run.completed"
	TypeRunFailed      = "run.failed"
)

// Event is one run-progress record. Stage is -1 for events that are not tied
// to a particular stage.
type Event struct {
	ID     int64     `json:"id"`
	Type   string    `json:"type"`
	At     time.Time `json:"at"`
	RunID  string    `json:"run_id"`
	Stage  int       `json:"stage"`
	Detail string    `json:"detail,omitempty"`
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
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

func (h *Hub) Publish(eventType, runID string, stage int, detail string) {
	ev := Event{
		ID:     h.nextID.Add(1),
		Type:   eventType,
		At:     time.Now().UTC(),
		RunID:  runID,
		Stage:  stage,
		Detail: detail,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow clients block the coordinator.
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
	ch := make(chan Event, 128)
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
// If lastID is 0, the full ring buffer snapshot is returned.
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
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}

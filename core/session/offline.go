package session

import (
	"sync"
	"time"

	"github.com/telavida/medichat-go/core/wire"
)

// DefaultQueueCap bounds each room's offline queue. On overflow the oldest
// entry is dropped, so a late joiner sees the most recent backlog.
const DefaultQueueCap = 256

// QueueEntry is a plaintext snapshot of a message produced while no peer was
// present, retained for delivery on the next join. MessageID references the
// persisted record so the late delivery carries the same id.
type QueueEntry struct {
	MessageID  string
	Content    string
	SenderRole wire.Role
	SenderID   string
	Language   string
	Timestamp  time.Time
}

// Queue is the per-room offline FIFO. In-memory only; entries do not survive
// a restart.
type Queue struct {
	mu      sync.Mutex
	cap     int
	byRoom  map[string][]QueueEntry
	dropped func(roomID string) // overflow notification, may be nil
}

// NewQueue creates a Queue with the given per-room capacity. cap <= 0 uses
// DefaultQueueCap. onDrop, if non-nil, is called once per evicted entry.
func NewQueue(cap int, onDrop func(roomID string)) *Queue {
	if cap <= 0 {
		cap = DefaultQueueCap
	}
	return &Queue{
		cap:     cap,
		byRoom:  make(map[string][]QueueEntry),
		dropped: onDrop,
	}
}

// Enqueue appends an entry to the room's queue, evicting the oldest entry
// when the room is at capacity.
func (q *Queue) Enqueue(roomID string, e QueueEntry) {
	q.mu.Lock()
	entries := q.byRoom[roomID]
	var overflowed bool
	if len(entries) >= q.cap {
		entries = entries[1:]
		overflowed = true
	}
	q.byRoom[roomID] = append(entries, e)
	q.mu.Unlock()

	if overflowed && q.dropped != nil {
		q.dropped(roomID)
	}
}

// Drain returns and removes all entries for the room, oldest first.
func (q *Queue) Drain(roomID string) []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.byRoom[roomID]
	delete(q.byRoom, roomID)
	return entries
}

// Len returns the number of queued entries for the room.
func (q *Queue) Len(roomID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byRoom[roomID])
}

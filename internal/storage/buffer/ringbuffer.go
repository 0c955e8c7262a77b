package buffer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/memtier/internal/storage/types"
)

// Op is the kind of operation a queue entry replays.
type Op string

const (
	// OpStore replays a write into the primary tier.
	OpStore Op = "store"
)

// Entry is a pending promotion: a record that landed on a fallback tier
// and still has to reach the primary tier.
type Entry struct {
	Op         Op
	Record     types.Record
	Attempts   int
	EnqueuedAt time.Time
}

// Key returns the record id the entry promotes.
func (e Entry) Key() string { return e.Record.ID }

// Queue is a bounded FIFO ring of pending promotions. When full it
// rejects new entries; entries already queued are never displaced.
type Queue struct {
	mu       sync.Mutex
	data     []Entry
	head     int64 // Next write position
	tail     int64 // Oldest entry position
	count    int64
	capacity int64

	// Statistics
	pushCount   atomic.Int64
	drainCount  atomic.Int64
	dropCount   atomic.Int64
	removeCount atomic.Int64
}

// New creates a queue holding at most capacity entries.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		data:     make([]Entry, capacity),
		capacity: int64(capacity),
	}
}

// Push appends an entry.
// Returns false if the queue is full and the entry was rejected.
func (q *Queue) Push(e Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count >= q.capacity {
		q.dropCount.Add(1)
		return false
	}

	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}
	q.data[q.head%q.capacity] = e
	q.head++
	q.count++
	q.pushCount.Add(1)

	return true
}

// Drain atomically takes every queued entry, oldest first, and leaves an
// empty queue behind. Entries pushed while the caller processes the
// returned slice go to the fresh ring and are seen by the next Drain.
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	old, tail, count := q.data, q.tail, q.count
	if count == 0 {
		q.mu.Unlock()
		return nil
	}
	q.data = make([]Entry, q.capacity)
	q.head, q.tail, q.count = 0, 0, 0
	q.mu.Unlock()

	q.drainCount.Add(count)
	return collect(old, tail, count, q.capacity)
}

// Snapshot returns a copy of the queued entries without removing them.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return collect(q.data, q.tail, q.count, q.capacity)
}

func collect(data []Entry, tail, count, capacity int64) []Entry {
	if count == 0 {
		return nil
	}
	out := make([]Entry, count)
	for i := int64(0); i < count; i++ {
		out[i] = data[(tail+i)%capacity]
	}
	return out
}

// Remove drops every entry promoting key and returns how many were removed.
func (q *Queue) Remove(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := make([]Entry, 0, q.count)
	for i := int64(0); i < q.count; i++ {
		e := q.data[(q.tail+i)%q.capacity]
		if e.Key() != key {
			kept = append(kept, e)
		}
	}
	removed := int(q.count) - len(kept)
	if removed == 0 {
		return 0
	}

	clear(q.data)
	copy(q.data, kept)
	q.tail = 0
	q.head = int64(len(kept))
	q.count = int64(len(kept))
	q.removeCount.Add(int64(removed))

	return removed
}

// Contains reports whether an entry for key is queued.
func (q *Queue) Contains(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := int64(0); i < q.count; i++ {
		if q.data[(q.tail+i)%q.capacity].Key() == key {
			return true
		}
	}
	return false
}

// Len returns the current number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.count)
}

// Cap returns the capacity of the queue.
func (q *Queue) Cap() int {
	return int(q.capacity)
}

// IsFull returns true if the queue is full.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count >= q.capacity
}

// Stats returns queue statistics.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStats{
		Capacity:    int(q.capacity),
		Count:       int(q.count),
		UsageRatio:  float64(q.count) / float64(q.capacity),
		PushCount:   q.pushCount.Load(),
		DrainCount:  q.drainCount.Load(),
		DropCount:   q.dropCount.Load(),
		RemoveCount: q.removeCount.Load(),
	}
}

// QueueStats holds queue statistics.
type QueueStats struct {
	Capacity    int     `json:"capacity"`
	Count       int     `json:"count"`
	UsageRatio  float64 `json:"usage_ratio"`
	PushCount   int64   `json:"pushed"`
	DrainCount  int64   `json:"drained"`
	DropCount   int64   `json:"dropped"`
	RemoveCount int64   `json:"removed"`
}

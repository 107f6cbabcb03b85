// Package poster drains per-plant measurement queues into the
// upstream API with exponential backoff on failure. Queues are
// bounded and drop their oldest item first: freshness beats
// completeness for telemetry.
package poster

import (
	"sync"
	"time"
)

// Metric names posted upstream.
const (
	MetricSoc = "soc"
	MetricP   = "p"
	MetricQ   = "q"
	MetricV   = "v"
)

// Item is one queued measurement post.
type Item struct {
	Metric    string
	SeriesID  int
	Value     float64
	Timestamp time.Time
}

// Queue is a bounded FIFO. Single producer (sampler), single
// consumer (worker); the mutex also covers the drop counter.
type Queue struct {
	mu      sync.Mutex
	items   []Item
	maxlen  int
	dropped uint64
}

// NewQueue creates a queue bounded at maxlen items.
func NewQueue(maxlen int) *Queue {
	return &Queue{maxlen: maxlen}
}

// Push appends an item, dropping the oldest when the queue is full.
// Returns whether a drop happened.
func (q *Queue) Push(item Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := false
	for len(q.items) >= q.maxlen {
		q.items[0] = Item{}
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, item)
	return dropped
}

// Pop removes and returns the oldest item.
func (q *Queue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	return item, true
}

// Unshift returns a failed item to the head so ordering survives a
// retry.
func (q *Queue) Unshift(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]Item{item}, q.items...)
}

// Len returns the queued item count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the lifetime drop counter.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

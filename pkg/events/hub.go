package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// subscriberBuffer is the per-subscriber channel depth. A consumer that falls
// this far behind starts losing records; SSE clients detect the gap from the
// record IDs and re-fetch via the REST listing.
const subscriberBuffer = 64

// Hub fans activity records out to in-process subscribers. Publishing never
// blocks: slow subscribers drop records rather than stalling the writer.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan ActivityRecord
	nextID int
	closed bool

	dropped atomic.Int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan ActivityRecord)}
}

// Subscribe registers a consumer. The returned cancel function must be called
// when the consumer goes away; it closes the channel.
func (h *Hub) Subscribe() (<-chan ActivityRecord, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan ActivityRecord, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers rec to every subscriber, dropping it for any whose buffer
// is full.
func (h *Hub) Publish(rec ActivityRecord) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- rec:
		default:
			if h.dropped.Add(1)%1000 == 1 {
				slog.Warn("Slow activity subscriber dropping records",
					"total_dropped", h.dropped.Load())
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the total number of records dropped across subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close closes every subscriber channel. Subsequent publishes are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

package broker

import (
	"sync"
	"time"
)

// Message priorities.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// QueuedMessage is an outbound payload waiting for the connection to come up.
type QueuedMessage struct {
	Payload    []byte
	Priority   Priority
	EnqueuedAt time.Time
}

// MessageQueue buffers outbound messages while the broker connection is down.
// Each priority lane is bounded; when a lane fills, the oldest message in
// that lane is dropped to admit the new one. High priority messages drain
// before normal ones.
type MessageQueue struct {
	mu         sync.Mutex
	normal     []QueuedMessage
	high       []QueuedMessage
	maxNormal  int
	maxHigh    int
	dropped    int64
	totalQueue int64
}

// NewMessageQueue creates a queue with the given per-lane capacities.
func NewMessageQueue(maxNormal, maxHigh int) *MessageQueue {
	if maxNormal <= 0 {
		maxNormal = 10000
	}
	if maxHigh <= 0 {
		maxHigh = 1000
	}
	return &MessageQueue{
		maxNormal: maxNormal,
		maxHigh:   maxHigh,
	}
}

// Enqueue appends a message to its priority lane, evicting the oldest
// message in that lane when it is full.
func (q *MessageQueue) Enqueue(payload []byte, priority Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg := QueuedMessage{Payload: payload, Priority: priority, EnqueuedAt: time.Now()}
	q.totalQueue++

	if priority == PriorityHigh {
		if len(q.high) >= q.maxHigh {
			q.high = q.high[1:]
			q.dropped++
		}
		q.high = append(q.high, msg)
		return
	}

	if len(q.normal) >= q.maxNormal {
		q.normal = q.normal[1:]
		q.dropped++
	}
	q.normal = append(q.normal, msg)
}

// Dequeue removes and returns up to n messages, high priority lane first.
func (q *MessageQueue) Dequeue(n int) []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 {
		return nil
	}

	out := make([]QueuedMessage, 0, n)

	take := n
	if take > len(q.high) {
		take = len(q.high)
	}
	out = append(out, q.high[:take]...)
	q.high = q.high[take:]

	remaining := n - len(out)
	if remaining > len(q.normal) {
		remaining = len(q.normal)
	}
	out = append(out, q.normal[:remaining]...)
	q.normal = q.normal[remaining:]

	return out
}

// Requeue puts messages back at the front of their lanes in order, so an
// interrupted flush retries them in their original sequence. Lanes over
// capacity shed their oldest messages.
func (q *MessageQueue) Requeue(msgs []QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var high, normal []QueuedMessage
	for _, m := range msgs {
		if m.Priority == PriorityHigh {
			high = append(high, m)
		} else {
			normal = append(normal, m)
		}
	}
	q.high = q.prependLocked(high, q.high, q.maxHigh)
	q.normal = q.prependLocked(normal, q.normal, q.maxNormal)
}

func (q *MessageQueue) prependLocked(front, lane []QueuedMessage, max int) []QueuedMessage {
	if len(front) == 0 {
		return lane
	}
	merged := make([]QueuedMessage, 0, len(front)+len(lane))
	merged = append(merged, front...)
	merged = append(merged, lane...)
	for len(merged) > max {
		merged = merged[1:]
		q.dropped++
	}
	return merged
}

// Len returns the number of queued messages across both lanes.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.normal) + len(q.high)
}

// Dropped returns the number of messages evicted due to full lanes.
func (q *MessageQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// ClearOld drops messages that have waited longer than maxAge and returns
// how many were discarded. Market data older than a long outage is stale by
// the time the connection returns.
func (q *MessageQueue) ClearOld(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, lane := range []*[]QueuedMessage{&q.normal, &q.high} {
		kept := (*lane)[:0]
		for _, msg := range *lane {
			if msg.EnqueuedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, msg)
		}
		*lane = kept
	}
	q.dropped += int64(removed)
	return removed
}

// Clear discards all queued messages.
func (q *MessageQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.normal = nil
	q.high = nil
}

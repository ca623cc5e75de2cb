package broadcast

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// offlineQueue is a bounded FIFO of undelivered payloads for one user.
// Each queue carries its own lock so mutating one user's queue never
// blocks another's.
type offlineQueue struct {
	mu       sync.Mutex
	payloads [][]byte
	capacity int
	dropped  uint64
}

func newOfflineQueue(capacity int) *offlineQueue {
	return &offlineQueue{capacity: capacity}
}

// push appends a payload, dropping the oldest entry at capacity. Reports
// whether an entry was dropped, so the net queue depth is unchanged.
func (q *offlineQueue) push(payload []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := false
	if len(q.payloads) >= q.capacity {
		q.payloads = q.payloads[1:]
		q.dropped++
		dropped = true
	}
	q.payloads = append(q.payloads, payload)
	return dropped
}

// drain removes and returns all queued payloads in insertion order
func (q *offlineQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.payloads
	q.payloads = nil
	return out
}

func (q *offlineQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.payloads)
}

// enqueue stores a payload for an offline user
func (b *Broadcaster) enqueue(userID string, payload []byte) {
	v, _ := b.queues.LoadOrStore(userID, newOfflineQueue(b.cfg.QueueCapacity))
	if !v.(*offlineQueue).push(payload) {
		b.queueDepthDelta(1)
	}
	b.countOutcome("queued", 1)

	b.mu.Lock()
	b.queued++
	b.mu.Unlock()
}

// QueuedFor returns how many messages are waiting for a user
func (b *Broadcaster) QueuedFor(userID string) int {
	if v, ok := b.queues.Load(userID); ok {
		return v.(*offlineQueue).len()
	}
	return 0
}

// flushQueue replays queued messages to a user's personal room in their
// original order, then clears the queue. Messages that fail to emit during
// the flush are re-queued rather than lost.
func (b *Broadcaster) flushQueue(userID, room string) {

	v, ok := b.queues.Load(userID)
	if !ok {
		return
	}
	q := v.(*offlineQueue)

	payloads := q.drain()
	if len(payloads) == 0 {
		return
	}
	b.queueDepthDelta(-len(payloads))

	flushed := 0
	for i, payload := range payloads {
		if _, err := b.transport.Emit(room, payload); err != nil {
			log.WithFields(log.Fields{"user": userID, "error": err.Error()}).Warning("offline replay interrupted, re-queueing remainder")
			for _, p := range payloads[i:] {
				if !q.push(p) {
					b.queueDepthDelta(1)
				}
			}
			break
		}
		flushed++
	}

	b.countOutcome("emitted", flushed)

	if flushed > 0 {
		log.WithFields(log.Fields{"user": userID, "count": flushed}).Debug("flushed offline queue")
	}
}

package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/metrics"
)

// dequeuePollInterval is how often a blocking dequeue re-checks the queue.
const dequeuePollInterval = 100 * time.Millisecond

// QueueStats are the queue's lifetime counters plus current depths.
type QueueStats struct {
	MessagesQueued  int64            `json:"messages_queued"`
	MessagesExpired int64            `json:"messages_expired"`
	QueueFullErrors int64            `json:"queue_full_errors"`
	Dequeued        map[string]int64 `json:"dequeued"`
	Depths          map[string]int   `json:"depths"`
}

// MessageQueue is four bounded FIFO sub-queues indexed by priority. The
// total capacity is split equally; a full sub-queue rejects enqueues
// synchronously — there is no implicit blocking backpressure. Expiry is
// checked both at enqueue and at dequeue so an expired message is never
// handed to a consumer.
type MessageQueue struct {
	logger *zap.Logger

	mu       sync.Mutex
	queues   map[Priority][]*Message
	capacity int // per sub-queue

	queued   int64
	expired  int64
	full     int64
	dequeued map[Priority]int64
}

// NewMessageQueue creates a queue with the given total capacity split
// across the four priorities.
func NewMessageQueue(maxSize int, logger *zap.Logger) *MessageQueue {
	if maxSize < len(priorities) {
		maxSize = len(priorities)
	}
	q := &MessageQueue{
		logger:   logger.Named("queue"),
		queues:   make(map[Priority][]*Message, len(priorities)),
		capacity: maxSize / len(priorities),
		dequeued: make(map[Priority]int64, len(priorities)),
	}
	for _, p := range priorities {
		q.queues[p] = nil
	}
	return q
}

// Enqueue adds a message to its priority sub-queue. Returns false when the
// message is already expired or the sub-queue is full; both outcomes are
// counted.
func (q *MessageQueue) Enqueue(msg *Message) bool {
	now := time.Now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	if msg.Expired(now) {
		q.expired++
		metrics.MessagesExpired.Inc()
		q.logger.Warn("dropping expired message at enqueue",
			zap.String("message_id", msg.ID),
			zap.String("type", string(msg.Type)),
		)
		return false
	}

	if len(q.queues[msg.Priority]) >= q.capacity {
		q.full++
		q.logger.Error("queue full, rejecting message",
			zap.String("message_id", msg.ID),
			zap.String("priority", msg.Priority.String()),
		)
		return false
	}

	q.queues[msg.Priority] = append(q.queues[msg.Priority], msg)
	q.queued++
	metrics.QueueDepth.WithLabelValues(msg.Priority.String()).Set(float64(len(q.queues[msg.Priority])))
	return true
}

// Dequeue returns the next message in strict descending priority order, or
// nil when every sub-queue is empty. Messages found expired at dequeue time
// are silently dropped and counted, and the scan continues.
func (q *MessageQueue) Dequeue() *Message {
	now := time.Now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range priorities {
		for len(q.queues[p]) > 0 {
			msg := q.queues[p][0]
			q.queues[p] = q.queues[p][1:]
			metrics.QueueDepth.WithLabelValues(p.String()).Set(float64(len(q.queues[p])))

			if msg.Expired(now) {
				q.expired++
				metrics.MessagesExpired.Inc()
				q.logger.Warn("dropping expired message at dequeue",
					zap.String("message_id", msg.ID),
					zap.String("type", string(msg.Type)),
				)
				continue
			}

			q.dequeued[p]++
			return msg
		}
	}
	return nil
}

// DequeueBlocking polls the queue until a message is available, the timeout
// elapses, or ctx is cancelled.
func (q *MessageQueue) DequeueBlocking(ctx context.Context, timeout time.Duration) *Message {
	deadline := time.Now().Add(timeout)

	for {
		if msg := q.Dequeue(); msg != nil {
			return msg
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(dequeuePollInterval):
		}
	}
}

// Len returns the total number of queued messages across all priorities.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, msgs := range q.queues {
		total += len(msgs)
	}
	return total
}

// Stats returns a copy of the queue's counters and depths.
func (q *MessageQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{
		MessagesQueued:  q.queued,
		MessagesExpired: q.expired,
		QueueFullErrors: q.full,
		Dequeued:        make(map[string]int64, len(priorities)),
		Depths:          make(map[string]int, len(priorities)),
	}
	for _, p := range priorities {
		stats.Dequeued[p.String()] = q.dequeued[p]
		stats.Depths[p.String()] = len(q.queues[p])
	}
	return stats
}

package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/db"
)

// Scheduling priorities. These are distinct from the dispatcher's message
// priorities: a queued task's priority orders it against other tasks in
// the same sweep, it does not change the wire priority of its assignment.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
	PriorityUrgent = 3
)

// defaultMaxRetries is the per-task dispatch retry budget.
const defaultMaxRetries = 3

// QueuedTask is one scheduled execution of a task. It lives only inside
// the scheduler's queues and executing-set and is destroyed when the
// execution completes, is cancelled, or exhausts its retries.
type QueuedTask struct {
	Task            *db.Task
	Priority        int
	ScheduledTime   time.Time
	RetryCount      int
	MaxRetries      int
	AssignedAgentID uuid.UUID
	CreatedAt       time.Time

	seq   uint64 // insertion order, breaks remaining ties
	index int    // heap bookkeeping
}

// NewQueuedTask wraps a task for queueing at the given priority and
// scheduled time.
func NewQueuedTask(task *db.Task, priority int, scheduledTime time.Time) *QueuedTask {
	return &QueuedTask{
		Task:          task,
		Priority:      priority,
		ScheduledTime: scheduledTime,
		MaxRetries:    defaultMaxRetries,
		CreatedAt:     time.Now().UTC(),
	}
}

// CanRetry reports whether the execution has retry budget left.
func (t *QueuedTask) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// Ready reports whether the scheduled time has arrived.
func (t *QueuedTask) Ready(now time.Time) bool {
	return !t.ScheduledTime.After(now)
}

// before orders queued tasks: higher priority first, then earlier
// scheduled time, then insertion order.
func (t *QueuedTask) before(other *QueuedTask) bool {
	if t.Priority != other.Priority {
		return t.Priority > other.Priority
	}
	if !t.ScheduledTime.Equal(other.ScheduledTime) {
		return t.ScheduledTime.Before(other.ScheduledTime)
	}
	return t.seq < other.seq
}

// taskHeap implements container/heap over queued tasks.
type taskHeap []*QueuedTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].before(h[j]) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x any)         { t := x.(*QueuedTask); t.index = len(*h); *h = append(*h, t) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// QueueStatistics describe the main queue's contents.
type QueueStatistics struct {
	TotalTasks           int         `json:"total_tasks"`
	ReadyTasks           int         `json:"ready_tasks"`
	WaitingTasks         int         `json:"waiting_tasks"`
	AvgWaitSeconds       float64     `json:"avg_wait_seconds"`
	PriorityDistribution map[int]int `json:"priority_distribution"`
}

// priorityQueue is the main task queue: a heap ordered by priority with an
// id-set enforcing at-most-one entry per task. A single mutex guards both.
type priorityQueue struct {
	mu      sync.Mutex
	heap    taskHeap
	ids     map[uuid.UUID]struct{}
	maxSize int
	nextSeq uint64
}

func newPriorityQueue(maxSize int) *priorityQueue {
	return &priorityQueue{
		ids:     make(map[uuid.UUID]struct{}),
		maxSize: maxSize,
	}
}

// Put inserts a queued task. Fails when the queue is full or the task is
// already queued.
func (q *priorityQueue) Put(t *QueuedTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) >= q.maxSize {
		return false
	}
	if _, dup := q.ids[t.Task.ID]; dup {
		return false
	}

	t.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.heap, t)
	q.ids[t.Task.ID] = struct{}{}
	return true
}

// Get pops the highest-priority ready task, or nil when none is ready.
// Tasks scheduled for the future are held back without losing their heap
// position.
func (q *priorityQueue) Get(now time.Time) *QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var held []*QueuedTask
	var found *QueuedTask

	for len(q.heap) > 0 {
		t := heap.Pop(&q.heap).(*QueuedTask)
		if t.Ready(now) {
			found = t
			break
		}
		held = append(held, t)
	}
	for _, t := range held {
		heap.Push(&q.heap, t)
	}

	if found != nil {
		delete(q.ids, found.Task.ID)
	}
	return found
}

// Remove deletes a task from the queue by id.
func (q *priorityQueue) Remove(taskID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.ids[taskID]; !ok {
		return false
	}
	for i, t := range q.heap {
		if t.Task.ID == taskID {
			heap.Remove(&q.heap, i)
			break
		}
	}
	delete(q.ids, taskID)
	return true
}

// UpdatePriority changes a queued task's priority in place and restores
// the heap order.
func (q *priorityQueue) UpdatePriority(taskID uuid.UUID, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.ids[taskID]; !ok {
		return false
	}
	for i, t := range q.heap {
		if t.Task.ID == taskID {
			t.Priority = priority
			heap.Fix(&q.heap, i)
			return true
		}
	}
	return false
}

// Contains reports whether the task is queued.
func (q *priorityQueue) Contains(taskID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.ids[taskID]
	return ok
}

// Len returns the queue depth.
func (q *priorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Statistics summarizes the queue's contents.
func (q *priorityQueue) Statistics(now time.Time) QueueStatistics {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStatistics{
		TotalTasks:           len(q.heap),
		PriorityDistribution: make(map[int]int),
	}
	var waitSum float64
	for _, t := range q.heap {
		if t.Ready(now) {
			stats.ReadyTasks++
		} else {
			stats.WaitingTasks++
		}
		waitSum += now.Sub(t.CreatedAt).Seconds()
		stats.PriorityDistribution[t.Priority]++
	}
	if len(q.heap) > 0 {
		stats.AvgWaitSeconds = waitSum / float64(len(q.heap))
	}
	return stats
}

// fifoQueue is the retry queue: plain FIFO with the same id-set uniqueness
// and a ready-time gate.
type fifoQueue struct {
	mu      sync.Mutex
	items   []*QueuedTask
	ids     map[uuid.UUID]struct{}
	maxSize int
}

func newFIFOQueue(maxSize int) *fifoQueue {
	return &fifoQueue{
		ids:     make(map[uuid.UUID]struct{}),
		maxSize: maxSize,
	}
}

func (q *fifoQueue) Put(t *QueuedTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		return false
	}
	if _, dup := q.ids[t.Task.ID]; dup {
		return false
	}
	q.items = append(q.items, t)
	q.ids[t.Task.ID] = struct{}{}
	return true
}

// Get pops the first ready task in arrival order.
func (q *fifoQueue) Get(now time.Time) *QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.items {
		if t.Ready(now) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			delete(q.ids, t.Task.ID)
			return t
		}
	}
	return nil
}

func (q *fifoQueue) Remove(taskID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.ids[taskID]; !ok {
		return false
	}
	for i, t := range q.items {
		if t.Task.ID == taskID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	delete(q.ids, taskID)
	return true
}

func (q *fifoQueue) Contains(taskID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.ids[taskID]
	return ok
}

func (q *fifoQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// delayedEntry pairs an execution time with a queued task for the delayed
// heap.
type delayedEntry struct {
	executeAt time.Time
	task      *QueuedTask
}

type delayedHeap []delayedEntry

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].executeAt.Before(h[j].executeAt) }
func (h delayedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)        { *h = append(*h, x.(delayedEntry)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// delayedQueue holds tasks scheduled for a future time, ordered by
// execution time. The queue manager pumps ready entries into the main
// queue at one hertz.
type delayedQueue struct {
	mu   sync.Mutex
	heap delayedHeap
	ids  map[uuid.UUID]struct{}
}

func newDelayedQueue() *delayedQueue {
	return &delayedQueue{ids: make(map[uuid.UUID]struct{})}
}

func (q *delayedQueue) Schedule(t *QueuedTask, delay time.Duration) bool {
	executeAt := time.Now().UTC().Add(delay)
	t.ScheduledTime = executeAt

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.ids[t.Task.ID]; dup {
		return false
	}
	heap.Push(&q.heap, delayedEntry{executeAt: executeAt, task: t})
	q.ids[t.Task.ID] = struct{}{}
	return true
}

// PopReady removes and returns every entry whose time has arrived.
func (q *delayedQueue) PopReady(now time.Time) []*QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []*QueuedTask
	for len(q.heap) > 0 && !q.heap[0].executeAt.After(now) {
		e := heap.Pop(&q.heap).(delayedEntry)
		delete(q.ids, e.task.Task.ID)
		ready = append(ready, e.task)
	}
	return ready
}

func (q *delayedQueue) Remove(taskID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.ids[taskID]; !ok {
		return false
	}
	for i, e := range q.heap {
		if e.task.Task.ID == taskID {
			heap.Remove(&q.heap, i)
			break
		}
	}
	delete(q.ids, taskID)
	return true
}

func (q *delayedQueue) Contains(taskID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.ids[taskID]
	return ok
}

func (q *delayedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// QueueManagerStats aggregate the three queues.
type QueueManagerStats struct {
	Main         QueueStatistics `json:"main_queue"`
	RetrySize    int             `json:"retry_queue_size"`
	DelayedSize  int             `json:"delayed_queue_size"`
	TotalQueued  int             `json:"total_queued_tasks"`
}

// QueueManager owns the three scheduler queues and enforces the membership
// invariant: a task id lives in at most one of {main, retry, delayed} at
// any instant. The retry queue is drained ahead of the main queue and is
// deliberately smaller — a platform drowning in retries should shed them.
type QueueManager struct {
	main    *priorityQueue
	retry   *fifoQueue
	delayed *delayedQueue
	logger  *zap.Logger
}

// NewQueueManager creates the queue set with the given main-queue capacity.
func NewQueueManager(maxSize int, logger *zap.Logger) *QueueManager {
	retrySize := maxSize / 10
	if retrySize < 1 {
		retrySize = 1
	}
	return &QueueManager{
		main:    newPriorityQueue(maxSize),
		retry:   newFIFOQueue(retrySize),
		delayed: newDelayedQueue(),
		logger:  logger.Named("queues"),
	}
}

// Enqueue adds a task at the given priority, optionally delayed. Fails
// when the task is already queued anywhere or the target queue is full.
func (m *QueueManager) Enqueue(task *db.Task, priority int, delay time.Duration) bool {
	if m.Contains(task.ID) {
		m.logger.Debug("task already queued", zap.String("task_id", task.ID.String()))
		return false
	}

	qt := NewQueuedTask(task, priority, time.Now().UTC().Add(delay))
	if delay > 0 {
		return m.delayed.Schedule(qt, delay)
	}
	return m.main.Put(qt)
}

// Dequeue returns the next task to dispatch: retries first, then the main
// queue by priority.
func (m *QueueManager) Dequeue() *QueuedTask {
	now := time.Now().UTC()
	if t := m.retry.Get(now); t != nil {
		return t
	}
	return m.main.Get(now)
}

// Retry re-queues a failed execution after the given delay. Fails when the
// retry budget is exhausted or the retry queue is full.
func (m *QueueManager) Retry(t *QueuedTask, delay time.Duration) bool {
	if !t.CanRetry() {
		m.logger.Warn("task exhausted its retries",
			zap.String("task_id", t.Task.ID.String()),
			zap.Int("retries", t.RetryCount),
		)
		return false
	}
	t.RetryCount++
	t.ScheduledTime = time.Now().UTC().Add(delay)

	ok := m.retry.Put(t)
	if ok {
		m.logger.Info("task queued for retry",
			zap.String("task_id", t.Task.ID.String()),
			zap.Int("retry", t.RetryCount),
			zap.Duration("delay", delay),
		)
	}
	return ok
}

// Remove deletes the task from whichever queue holds it.
func (m *QueueManager) Remove(taskID uuid.UUID) bool {
	removed := m.main.Remove(taskID)
	removed = m.retry.Remove(taskID) || removed
	removed = m.delayed.Remove(taskID) || removed
	return removed
}

// Contains reports whether the task is in any queue.
func (m *QueueManager) Contains(taskID uuid.UUID) bool {
	return m.main.Contains(taskID) || m.retry.Contains(taskID) || m.delayed.Contains(taskID)
}

// UpdatePriority changes a main-queue task's priority.
func (m *QueueManager) UpdatePriority(taskID uuid.UUID, priority int) bool {
	return m.main.UpdatePriority(taskID, priority)
}

// PumpDelayed migrates every due delayed task into the main queue. Called
// at one hertz by the scheduler's pump job.
func (m *QueueManager) PumpDelayed() {
	for _, t := range m.delayed.PopReady(time.Now().UTC()) {
		if !m.main.Put(t) {
			m.logger.Warn("main queue rejected delayed task",
				zap.String("task_id", t.Task.ID.String()),
			)
		}
	}
}

// Stats aggregates the three queues.
func (m *QueueManager) Stats() QueueManagerStats {
	main := m.main.Statistics(time.Now().UTC())
	retry := m.retry.Len()
	delayed := m.delayed.Len()
	return QueueManagerStats{
		Main:        main,
		RetrySize:   retry,
		DelayedSize: delayed,
		TotalQueued: main.TotalTasks + retry + delayed,
	}
}

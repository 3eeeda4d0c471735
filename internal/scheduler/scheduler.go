// Package scheduler drives the periodic execution of measurement tasks
// under a global concurrency cap. It wraps gocron and integrates with
// TaskRepository (to discover due tasks and advance their next-run times),
// TaskResultRepository (to record synthetic timeout results), the Allocator
// (to pick an agent per execution), and the dispatcher's distributor (to
// push task_assignment frames to agents).
//
// Three singleton gocron jobs make up the runtime:
//
//	sweep  — every check_interval: discover due tasks, enqueue them, and
//	         drain the queues into dispatch up to max_concurrent_tasks
//	reaper — every 30 s: time out executions older than task_timeout,
//	         record a synthetic TIMEOUT result, and attempt reassignment
//	pump   — every second: migrate due delayed-queue entries into the
//	         main queue
//
// Dispatch failures re-queue on the retry queue with a 60-second delay
// until the per-execution retry budget runs out.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/allocator"
	"github.com/netpulse-io/netpulse/internal/config"
	"github.com/netpulse-io/netpulse/internal/db"
	"github.com/netpulse-io/netpulse/internal/dispatch"
	"github.com/netpulse-io/netpulse/internal/metrics"
	"github.com/netpulse-io/netpulse/internal/protocol"
	"github.com/netpulse-io/netpulse/internal/repositories"
)

const (
	// discoverLimit caps how many due tasks one sweep reads from the
	// repository.
	discoverLimit = 100

	// reaperInterval is how often timed-out executions are collected.
	reaperInterval = 30 * time.Second

	// pumpInterval is how often the delayed queue is drained.
	pumpInterval = 1 * time.Second

	// retryDelay is how long a failed dispatch waits before its retry.
	retryDelay = 60 * time.Second

	// Priority derivation bonuses.
	highFrequencyCutoff = 60 * time.Second
	midFrequencyCutoff  = 300 * time.Second
	severeLagCutoff     = 5 * time.Minute
	mildLagCutoff       = 1 * time.Minute
)

// Stats are the scheduler's lifetime counters.
type Stats struct {
	TotalScheduled int64 `json:"total_scheduled"`
	TotalExecuted  int64 `json:"total_executed"`
	TotalFailed    int64 `json:"total_failed"`
	TotalTimeout   int64 `json:"total_timeout"`
}

// ExecutingTask is a snapshot of one in-flight execution.
type ExecutingTask struct {
	TaskID     string    `json:"task_id"`
	TaskName   string    `json:"task_name"`
	AgentID    string    `json:"agent_id"`
	StartedAt  time.Time `json:"started_at"`
	RunningFor float64   `json:"running_for_seconds"`
	Priority   int       `json:"priority"`
	RetryCount int       `json:"retry_count"`
}

// Status is the scheduler's state snapshot for the ops surface.
type Status struct {
	Running            bool              `json:"running"`
	ExecutingTasks     int               `json:"executing_tasks"`
	MaxConcurrentTasks int               `json:"max_concurrent_tasks"`
	Queues             QueueManagerStats `json:"queues"`
	Execution          Stats             `json:"execution"`
	CheckInterval      string            `json:"check_interval"`
	TaskTimeout        string            `json:"task_timeout"`
}

// Scheduler owns the QueuedTask lifetime from discovery to result. The
// executing-set and start-times are guarded by a single mutex; the sweep
// dispatches serially within its job, while the reaper mutates the same
// maps under the shared lock from its own job.
type Scheduler struct {
	cfg     config.Scheduler
	queues  *QueueManager
	alloc   *allocator.Allocator
	reassn  *allocator.ReassignmentManager
	disp    *dispatch.Dispatcher
	tasks   repositories.TaskRepository
	results repositories.TaskResultRepository
	logger  *zap.Logger

	cron gocron.Scheduler

	mu         sync.Mutex
	executing  map[uuid.UUID]*QueuedTask
	startTimes map[uuid.UUID]time.Time
	stats      Stats
	running    bool
}

// New creates a Scheduler. Call Start to launch the background jobs.
func New(
	cfg config.Scheduler,
	queueSize int,
	alloc *allocator.Allocator,
	reassn *allocator.ReassignmentManager,
	disp *dispatch.Dispatcher,
	tasks repositories.TaskRepository,
	results repositories.TaskResultRepository,
	logger *zap.Logger,
) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	log := logger.Named("scheduler")
	return &Scheduler{
		cfg:        cfg,
		queues:     NewQueueManager(queueSize, log),
		alloc:      alloc,
		reassn:     reassn,
		disp:       disp,
		tasks:      tasks,
		results:    results,
		logger:     log,
		cron:       cron,
		executing:  make(map[uuid.UUID]*QueuedTask),
		startTimes: make(map[uuid.UUID]time.Time),
	}, nil
}

// Start registers the sweep, reaper, and pump jobs and starts gocron.
// Jobs run in singleton mode: a tick that fires while the previous one is
// still running is rescheduled, never overlapped.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	jobs := []struct {
		name     string
		interval time.Duration
		run      func()
	}{
		{"sweep", s.cfg.CheckInterval, s.sweep},
		{"reaper", reaperInterval, s.reap},
		{"pump", pumpInterval, s.queues.PumpDelayed},
	}
	for _, j := range jobs {
		_, err := s.cron.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(j.run),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule %s job: %w", j.name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("task scheduler started",
		zap.Duration("check_interval", s.cfg.CheckInterval),
		zap.Int("max_concurrent_tasks", s.cfg.MaxConcurrentTasks),
	)

	// The scheduler learns about finished tasks through the collector's
	// handler fan-out; registration happens in cmd/server so the wiring is
	// visible in one place.
	return nil
}

// Stop shuts the gocron scheduler down, waiting for running job functions
// to complete.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("task scheduler stopped")
	return nil
}

// sweep is one scheduling tick: discover due tasks, then drain the queues
// into dispatch while concurrency remains.
func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CheckInterval)
	defer cancel()

	s.discover(ctx)
	s.drain(ctx)
}

// discover queries for due tasks, derives their priorities, enqueues them,
// and advances their next-run times so the next sweep does not re-find
// them.
func (s *Scheduler) discover(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.tasks.ListDue(ctx, now, discoverLimit)
	if err != nil {
		s.logger.Error("failed to list due tasks", zap.Error(err))
		return
	}

	for i := range due {
		task := due[i]

		if s.queues.Contains(task.ID) || s.isExecuting(task.ID) {
			continue
		}

		priority := s.derivePriority(&task, now)
		if !s.queues.Enqueue(&task, priority, 0) {
			continue
		}

		s.mu.Lock()
		s.stats.TotalScheduled++
		s.mu.Unlock()

		task.UpdateNextRun(now)
		if err := s.tasks.UpdateNextRun(ctx, task.ID, task.NextRun); err != nil {
			s.logger.Warn("failed to advance task next run",
				zap.String("task_id", task.ID.String()),
				zap.Error(err),
			)
		}

		s.logger.Debug("task scheduled",
			zap.String("task_id", task.ID.String()),
			zap.Int("priority", priority),
		)
	}
}

// drain pops from the retry queue then the main queue while the
// executing-set has room. A failed dispatch goes back on the retry queue
// with the standard delay.
func (s *Scheduler) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		room := s.cfg.MaxConcurrentTasks - len(s.executing)
		s.mu.Unlock()
		if room <= 0 {
			return
		}

		qt := s.queues.Dequeue()
		if qt == nil {
			return
		}

		if !s.dispatchOne(ctx, qt) {
			s.queues.Retry(qt, retryDelay)
		}
	}
}

// dispatchOne selects an agent for the execution, records it in the
// executing-set, and sends the assignment. The executing-set entry is
// rolled back when the send fails so the retry path sees a clean slate.
func (s *Scheduler) dispatchOne(ctx context.Context, qt *QueuedTask) bool {
	agent, err := s.alloc.SelectAgent(ctx, qt.Task)
	if err != nil {
		s.logger.Warn("no agent for task",
			zap.String("task_id", qt.Task.ID.String()),
			zap.Error(err),
		)
		return false
	}

	qt.AssignedAgentID = agent.ID
	now := time.Now().UTC()

	s.mu.Lock()
	if len(s.executing) >= s.cfg.MaxConcurrentTasks {
		s.mu.Unlock()
		return false
	}
	s.executing[qt.Task.ID] = qt
	s.startTimes[qt.Task.ID] = now
	metrics.TasksExecuting.Set(float64(len(s.executing)))
	s.mu.Unlock()

	if !s.disp.Distributor().SendAssignment(qt.Task, agent.ID.String()) {
		s.removeExecuting(qt.Task.ID)
		return false
	}

	s.logger.Info("task dispatched",
		zap.String("task_id", qt.Task.ID.String()),
		zap.String("agent_id", agent.ID.String()),
		zap.Int("priority", qt.Priority),
		zap.Int("retry_count", qt.RetryCount),
	)
	return true
}

// reap times out executions older than task_timeout: each gets a synthetic
// TIMEOUT result and, if its reassignment budget allows, a new agent.
func (s *Scheduler) reap() {
	now := time.Now().UTC()

	s.mu.Lock()
	var expired []*QueuedTask
	for taskID, started := range s.startTimes {
		if now.Sub(started) > s.cfg.TaskTimeout {
			if qt, ok := s.executing[taskID]; ok {
				expired = append(expired, qt)
			}
		}
	}
	s.mu.Unlock()

	for _, qt := range expired {
		s.handleTimeout(qt)
	}
}

func (s *Scheduler) handleTimeout(qt *QueuedTask) {
	taskID := qt.Task.ID
	s.removeExecuting(taskID)

	s.logger.Warn("task execution timed out",
		zap.String("task_id", taskID.String()),
		zap.String("agent_id", qt.AssignedAgentID.String()),
		zap.Duration("timeout", s.cfg.TaskTimeout),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := &db.TaskResult{
		TaskID:        taskID,
		AgentID:       qt.AssignedAgentID,
		ExecutionTime: time.Now().UTC(),
		Duration:      s.cfg.TaskTimeout.Seconds() * 1000,
		Status:        db.ResultStatusTimeout,
		ErrorMessage:  "task execution timed out",
	}
	if err := s.results.Create(ctx, result); err != nil {
		s.logger.Error("failed to record timeout result",
			zap.String("task_id", taskID.String()),
			zap.Error(err),
		)
	}

	s.mu.Lock()
	s.stats.TotalExecuted++
	s.stats.TotalTimeout++
	s.mu.Unlock()
	metrics.TaskTimeouts.Inc()

	// A timeout counts as an agent failure: rerun allocation with the
	// timed-out agent excluded and dispatch to the replacement right away.
	newAgent, err := s.reassn.HandleTaskFailure(ctx, taskID, qt.AssignedAgentID)
	if err != nil {
		s.logger.Info("task not reassigned after timeout",
			zap.String("task_id", taskID.String()),
			zap.Error(err),
		)
		return
	}

	retry := NewQueuedTask(qt.Task, qt.Priority, time.Now().UTC())
	retry.RetryCount = qt.RetryCount
	retry.AssignedAgentID = newAgent.ID

	s.mu.Lock()
	s.executing[taskID] = retry
	s.startTimes[taskID] = time.Now().UTC()
	metrics.TasksExecuting.Set(float64(len(s.executing)))
	s.mu.Unlock()

	if !s.disp.Distributor().SendAssignment(retry.Task, newAgent.ID.String()) {
		s.removeExecuting(taskID)
	}
}

// HandleTaskResult clears the executing-set entry for a finished task and
// updates the counters. It is registered as a collector result handler in
// cmd/server; persistence already happened in the collector.
func (s *Scheduler) HandleTaskResult(taskID string, record *dispatch.ResultRecord) {
	id, err := uuid.Parse(taskID)
	if err != nil {
		return
	}
	s.removeExecuting(id)

	s.mu.Lock()
	s.stats.TotalExecuted++
	switch record.Status {
	case protocol.ResultSuccess:
	case protocol.ResultTimeout:
		s.stats.TotalTimeout++
	default:
		s.stats.TotalFailed++
	}
	s.mu.Unlock()
}

// PauseTask removes the task from the queues and marks it paused with a
// cleared next-run. Idempotent: pausing a paused task succeeds.
func (s *Scheduler) PauseTask(ctx context.Context, taskID uuid.UUID) error {
	s.queues.Remove(taskID)

	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("pause task: %w", err)
	}
	if task.Status == db.TaskStatusPaused {
		return nil
	}

	task.Pause()
	if err := s.tasks.Update(ctx, task); err != nil {
		return fmt.Errorf("pause task: %w", err)
	}
	s.logger.Info("task paused", zap.String("task_id", taskID.String()))
	return nil
}

// ResumeTask reactivates a paused task with a fresh next-run. Resuming an
// active task is a no-op.
func (s *Scheduler) ResumeTask(ctx context.Context, taskID uuid.UUID) error {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("resume task: %w", err)
	}
	if task.Status != db.TaskStatusPaused {
		return nil
	}

	task.Resume(time.Now().UTC())
	if err := s.tasks.Update(ctx, task); err != nil {
		return fmt.Errorf("resume task: %w", err)
	}
	s.logger.Info("task resumed", zap.String("task_id", taskID.String()))
	return nil
}

// CancelTask removes the task from the queues and, when it is executing,
// tells the assigned agent to abort.
func (s *Scheduler) CancelTask(taskID uuid.UUID) error {
	s.mu.Lock()
	qt, executing := s.executing[taskID]
	s.mu.Unlock()

	if executing {
		s.disp.Distributor().CancelTask(taskID.String(), qt.AssignedAgentID.String())
		s.removeExecuting(taskID)
	}
	s.queues.Remove(taskID)

	s.logger.Info("task cancelled", zap.String("task_id", taskID.String()))
	return nil
}

// UpdateTaskPriority updates the task's priority in the database and, when
// queued, in the main queue.
func (s *Scheduler) UpdateTaskPriority(ctx context.Context, taskID uuid.UUID, priority int) error {
	s.queues.UpdatePriority(taskID, priority)
	if err := s.tasks.UpdatePriority(ctx, taskID, priority); err != nil {
		return fmt.Errorf("update task priority: %w", err)
	}
	s.logger.Info("task priority updated",
		zap.String("task_id", taskID.String()),
		zap.Int("priority", priority),
	)
	return nil
}

// ForceExecuteTask dispatches the task immediately at urgent priority,
// bypassing the queues.
func (s *Scheduler) ForceExecuteTask(ctx context.Context, taskID uuid.UUID) error {
	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("force execute: %w", err)
	}

	qt := NewQueuedTask(task, PriorityUrgent, time.Now().UTC())
	if !s.dispatchOne(ctx, qt) {
		return fmt.Errorf("force execute: no agent accepted task %s", taskID)
	}
	s.logger.Info("task force-executed", zap.String("task_id", taskID.String()))
	return nil
}

// derivePriority computes a queued task's scheduling priority from its
// base priority, its cadence, and how far behind schedule it is.
func (s *Scheduler) derivePriority(task *db.Task, now time.Time) int {
	priority := task.Priority

	freq := time.Duration(task.Frequency) * time.Second
	switch {
	case freq <= highFrequencyCutoff:
		priority += 2
	case freq <= midFrequencyCutoff:
		priority += 1
	}

	if task.NextRun != nil {
		lag := now.Sub(*task.NextRun)
		switch {
		case lag > severeLagCutoff:
			priority += 3
		case lag > mildLagCutoff:
			priority += 1
		}
	}

	if priority < PriorityLow {
		return PriorityLow
	}
	if priority > PriorityUrgent {
		return PriorityUrgent
	}
	return priority
}

// ExecutingTasks returns a snapshot of the in-flight executions.
func (s *Scheduler) ExecutingTasks() []ExecutingTask {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ExecutingTask, 0, len(s.executing))
	for taskID, qt := range s.executing {
		started := s.startTimes[taskID]
		out = append(out, ExecutingTask{
			TaskID:     taskID.String(),
			TaskName:   qt.Task.Name,
			AgentID:    qt.AssignedAgentID.String(),
			StartedAt:  started,
			RunningFor: now.Sub(started).Seconds(),
			Priority:   qt.Priority,
			RetryCount: qt.RetryCount,
		})
	}
	return out
}

// ExecutingOnAgent returns the ids of tasks currently assigned to the
// agent. The reassignment manager calls this when an agent fails.
func (s *Scheduler) ExecutingOnAgent(agentID uuid.UUID) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	for taskID, qt := range s.executing {
		if qt.AssignedAgentID == agentID {
			ids = append(ids, taskID)
		}
	}
	return ids
}

// GetStatus returns the scheduler's state snapshot.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	running := s.running
	executing := len(s.executing)
	stats := s.stats
	s.mu.Unlock()

	return Status{
		Running:            running,
		ExecutingTasks:     executing,
		MaxConcurrentTasks: s.cfg.MaxConcurrentTasks,
		Queues:             s.queues.Stats(),
		Execution:          stats,
		CheckInterval:      s.cfg.CheckInterval.String(),
		TaskTimeout:        s.cfg.TaskTimeout.String(),
	}
}

// Queues exposes the queue manager for tests and the ops surface.
func (s *Scheduler) Queues() *QueueManager {
	return s.queues
}

func (s *Scheduler) isExecuting(taskID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.executing[taskID]
	return ok
}

func (s *Scheduler) removeExecuting(taskID uuid.UUID) {
	s.mu.Lock()
	delete(s.executing, taskID)
	delete(s.startTimes, taskID)
	metrics.TasksExecuting.Set(float64(len(s.executing)))
	s.mu.Unlock()
}

package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/db"
	"github.com/netpulse-io/netpulse/internal/metrics"
	"github.com/netpulse-io/netpulse/internal/protocol"
	"github.com/netpulse-io/netpulse/internal/repositories"
)

// resultRetention is how long a persisted result stays in the pending table
// for duplicate detection. Any later result for the same task id that
// arrives within this window is dropped as a duplicate, including the result
// of a new execution of that task (for example a force-executed one). A
// persisted result moves the task out of active status, so the scheduler's
// sweep does not dispatch it again on its own.
const resultRetention = 5 * time.Minute

// ResultRecord is one received task result as tracked by the collector.
type ResultRecord struct {
	TaskID        string             `json:"task_id"`
	AgentID       string             `json:"agent_id"`
	Status        string             `json:"status"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	ExecutionTime float64            `json:"execution_time"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	RawData       []byte             `json:"raw_data,omitempty"`
	ReceivedAt    time.Time          `json:"received_at"`
	Persisted     bool               `json:"persisted"`
}

// ResultHandler observes processed results. Handlers run after persistence
// and cannot veto it; a panicking handler is recovered and logged.
type ResultHandler func(taskID string, record *ResultRecord)

// CollectorStats are the collector's lifetime counters.
type CollectorStats struct {
	ResultsReceived    int64 `json:"results_received"`
	ResultsProcessed   int64 `json:"results_processed"`
	ProcessingFailures int64 `json:"processing_failures"`
	DuplicateResults   int64 `json:"duplicate_results"`
	PendingResults     int   `json:"pending_results"`
}

// Collector handles inbound task_result frames: duplicate suppression by
// task UUID, acknowledgement, persistence, task status transition, and
// handler fan-out. The ACK is sent before persistence — agents may observe
// it before the result is durable.
//
// The collector is the single place that maps a result status to a task
// status transition; the scheduler only maintains its executing-set through
// a registered handler.
type Collector struct {
	gateway AgentGateway
	results repositories.TaskResultRepository
	tasks   repositories.TaskRepository
	logger  *zap.Logger

	mu       sync.Mutex
	pending  map[string]*ResultRecord // task id -> latest record, retained for dedup
	handlers map[string]ResultHandler

	received   int64
	processed  int64
	failures   int64
	duplicates int64
}

// NewCollector creates a collector persisting through the given repositories.
func NewCollector(gateway AgentGateway, results repositories.TaskResultRepository, tasks repositories.TaskRepository, logger *zap.Logger) *Collector {
	return &Collector{
		gateway:  gateway,
		results:  results,
		tasks:    tasks,
		logger:   logger.Named("collector"),
		pending:  make(map[string]*ResultRecord),
		handlers: make(map[string]ResultHandler),
	}
}

// RegisterHandler installs a named result observer. The scheduler registers
// itself here to clear its executing-set when results arrive.
func (c *Collector) RegisterHandler(name string, h ResultHandler) {
	c.mu.Lock()
	c.handlers[name] = h
	c.mu.Unlock()
	c.logger.Debug("result handler registered", zap.String("name", name))
}

// UnregisterHandler removes a named result observer.
func (c *Collector) UnregisterHandler(name string) {
	c.mu.Lock()
	delete(c.handlers, name)
	c.mu.Unlock()
}

// HandleTaskResult processes one task_result frame from an agent. It has
// the connection manager's handler signature and is registered for the
// task_result type in cmd/server.
func (c *Collector) HandleTaskResult(ctx context.Context, agentID string, frame *protocol.Frame) error {
	var payload protocol.TaskResult
	if err := frame.Decode(&payload); err != nil {
		return err
	}
	if payload.TaskID == "" {
		c.logger.Warn("task result without task_id", zap.String("agent_id", agentID))
		return nil
	}

	now := time.Now().UTC()

	c.mu.Lock()
	c.purgeLocked(now)
	if _, dup := c.pending[payload.TaskID]; dup {
		c.duplicates++
		c.mu.Unlock()
		c.logger.Warn("duplicate task result dropped",
			zap.String("task_id", payload.TaskID),
			zap.String("agent_id", agentID),
		)
		return nil
	}

	record := &ResultRecord{
		TaskID:        payload.TaskID,
		AgentID:       agentID,
		Status:        payload.Status,
		ErrorMessage:  payload.ErrorMessage,
		ExecutionTime: payload.ExecutionTime,
		Metrics:       payload.Metrics,
		RawData:       payload.RawData,
		ReceivedAt:    now,
	}
	c.pending[payload.TaskID] = record
	c.received++
	c.mu.Unlock()

	metrics.TaskResults.WithLabelValues(payload.Status).Inc()
	c.logger.Info("task result received",
		zap.String("task_id", payload.TaskID),
		zap.String("agent_id", agentID),
		zap.String("status", payload.Status),
	)

	// ACK first — the agent only needs delivery confirmation, not
	// durability.
	if ack, err := protocol.NewFrame(protocol.TypeTaskResultAck, protocol.TaskResultAck{
		TaskID:   payload.TaskID,
		Received: true,
	}); err == nil {
		c.gateway.Send(agentID, ack)
	}

	c.process(ctx, record)
	return nil
}

// process persists the result, transitions the task status, and fans out to
// handlers. Persistence failures keep the record in the pending table for
// manual reconciliation and do not stop handler fan-out.
func (c *Collector) process(ctx context.Context, record *ResultRecord) {
	taskID, err := uuid.Parse(record.TaskID)
	if err != nil {
		c.logger.Warn("task result with malformed task id", zap.String("task_id", record.TaskID))
		c.mu.Lock()
		c.failures++
		c.mu.Unlock()
		return
	}

	agentID := uuid.Nil
	if id, err := uuid.Parse(record.AgentID); err == nil {
		agentID = id
	}

	result := &db.TaskResult{
		TaskID:        taskID,
		AgentID:       agentID,
		ExecutionTime: record.ReceivedAt,
		Duration:      record.ExecutionTime,
		Status:        persistedStatus(record.Status),
		ErrorMessage:  record.ErrorMessage,
		Metrics:       db.JSONFloatMap(record.Metrics),
		RawData:       string(record.RawData),
	}

	if err := c.results.Create(ctx, result); err != nil {
		c.logger.Error("failed to persist task result — retained for reconciliation",
			zap.String("task_id", record.TaskID),
			zap.Error(err),
		)
		c.mu.Lock()
		c.failures++
		c.mu.Unlock()
	} else {
		record.Persisted = true
		if err := c.tasks.UpdateStatus(ctx, taskID, taskStatusFor(record.Status)); err != nil {
			c.logger.Warn("failed to update task status",
				zap.String("task_id", record.TaskID),
				zap.Error(err),
			)
		}
		c.mu.Lock()
		c.processed++
		c.mu.Unlock()
	}

	c.mu.Lock()
	handlers := make(map[string]ResultHandler, len(c.handlers))
	for name, h := range c.handlers {
		handlers[name] = h
	}
	c.mu.Unlock()

	for name, h := range handlers {
		c.invokeHandler(name, h, record)
	}
}

// invokeHandler runs one observer, recovering panics so a broken handler
// cannot take down the connection's read goroutine.
func (c *Collector) invokeHandler(name string, h ResultHandler, record *ResultRecord) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("result handler panicked",
				zap.String("handler", name),
				zap.String("task_id", record.TaskID),
				zap.Any("panic", r),
			)
		}
	}()
	h(record.TaskID, record)
}

// PendingResults returns a copy of the pending-result table, including
// unpersisted records awaiting reconciliation.
func (c *Collector) PendingResults() map[string]ResultRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]ResultRecord, len(c.pending))
	for id, r := range c.pending {
		out[id] = *r
	}
	return out
}

// Stats returns a copy of the collector's counters.
func (c *Collector) Stats() CollectorStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CollectorStats{
		ResultsReceived:    c.received,
		ResultsProcessed:   c.processed,
		ProcessingFailures: c.failures,
		DuplicateResults:   c.duplicates,
		PendingResults:     len(c.pending),
	}
}

// purgeLocked drops persisted records older than the retention window.
// Unpersisted records stay until reconciled. Caller holds c.mu.
func (c *Collector) purgeLocked(now time.Time) {
	for id, r := range c.pending {
		if r.Persisted && now.Sub(r.ReceivedAt) > resultRetention {
			delete(c.pending, id)
		}
	}
}

// persistedStatus maps the wire result status to the stored status: the
// agent-reported "failed" becomes "error" in storage, alongside
// server-synthesized timeouts.
func persistedStatus(wire string) string {
	switch wire {
	case protocol.ResultSuccess:
		return db.ResultStatusSuccess
	case protocol.ResultTimeout:
		return db.ResultStatusTimeout
	default:
		return db.ResultStatusError
	}
}

// taskStatusFor maps a result status to the task status transition.
func taskStatusFor(wire string) string {
	if wire == protocol.ResultSuccess {
		return db.TaskStatusCompleted
	}
	return db.TaskStatusFailed
}

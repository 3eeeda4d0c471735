package allocator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netpulse-io/netpulse/internal/db"
	"github.com/netpulse-io/netpulse/internal/repositories"
)

// maxReassignments caps how many times one task may be moved between
// agents before the platform gives up and lets the failure surface.
const maxReassignments = 3

// historyRetention is how long reassignment records are kept before the
// periodic purge drops them.
const historyRetention = 7 * 24 * time.Hour

// Reassignment is one recorded move of a task between agents.
type Reassignment struct {
	Timestamp  time.Time `json:"timestamp"`
	OldAgentID uuid.UUID `json:"old_agent_id"`
	NewAgentID uuid.UUID `json:"new_agent_id"`
}

// ReassignmentStats summarize the manager's history.
type ReassignmentStats struct {
	TotalReassignments      int `json:"total_reassignments"`
	TasksWithReassignments  int `json:"tasks_with_reassignments"`
	MaxReassignmentsPerTask int `json:"max_reassignments_per_task"`
}

// ReassignmentManager moves tasks off failed agents. It tracks per-task
// history so a flapping task cannot bounce between agents forever, and
// purges records older than the retention window.
type ReassignmentManager struct {
	allocator *Allocator
	tasks     repositories.TaskRepository
	logger    *zap.Logger

	mu      sync.Mutex
	history map[uuid.UUID][]Reassignment
}

// NewReassignmentManager creates a manager reallocating through the given
// allocator.
func NewReassignmentManager(allocator *Allocator, tasks repositories.TaskRepository, logger *zap.Logger) *ReassignmentManager {
	return &ReassignmentManager{
		allocator: allocator,
		tasks:     tasks,
		logger:    logger.Named("reassignment"),
		history:   make(map[uuid.UUID][]Reassignment),
	}
}

// HandleTaskFailure reruns allocation for one task with the failed agent
// excluded. Returns the new agent, or an error when the task has exhausted
// its reassignment budget, is no longer active, or no other agent fits.
func (m *ReassignmentManager) HandleTaskFailure(ctx context.Context, taskID, failedAgentID uuid.UUID) (*db.Agent, error) {
	if !m.canReassign(taskID) {
		return nil, fmt.Errorf("task %s reached the reassignment limit (%d)", taskID, maxReassignments)
	}

	task, err := m.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("reassignment: load task: %w", err)
	}
	if task.Status != db.TaskStatusActive {
		return nil, fmt.Errorf("task %s is %s, not active", taskID, task.Status)
	}

	agent, err := m.allocator.SelectAgentExcluding(ctx, task, []uuid.UUID{failedAgentID})
	if err != nil {
		return nil, err
	}

	m.record(taskID, failedAgentID, agent.ID)
	m.logger.Info("task reassigned",
		zap.String("task_id", taskID.String()),
		zap.String("old_agent_id", failedAgentID.String()),
		zap.String("new_agent_id", agent.ID.String()),
		zap.Int("reassignment_count", m.Count(taskID)),
	)
	return agent, nil
}

// HandleAgentFailure reassigns a failed agent's in-flight tasks. The
// caller (the scheduler, which owns the executing-set) supplies the task
// ids. Returns the successful moves.
func (m *ReassignmentManager) HandleAgentFailure(ctx context.Context, failedAgentID uuid.UUID, inflight []uuid.UUID) map[uuid.UUID]*db.Agent {
	moved := make(map[uuid.UUID]*db.Agent, len(inflight))
	for _, taskID := range inflight {
		agent, err := m.HandleTaskFailure(ctx, taskID, failedAgentID)
		if err != nil {
			m.logger.Warn("could not reassign task from failed agent",
				zap.String("task_id", taskID.String()),
				zap.String("failed_agent_id", failedAgentID.String()),
				zap.Error(err),
			)
			continue
		}
		moved[taskID] = agent
	}
	return moved
}

// Count returns how many times the task has been reassigned.
func (m *ReassignmentManager) Count(taskID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history[taskID])
}

// History returns a copy of the task's reassignment records.
func (m *ReassignmentManager) History(taskID uuid.UUID) []Reassignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Reassignment(nil), m.history[taskID]...)
}

// PurgeOld drops records older than the retention window. Tasks whose
// entire history ages out regain their full reassignment budget.
func (m *ReassignmentManager) PurgeOld(now time.Time) {
	cutoff := now.Add(-historyRetention)

	m.mu.Lock()
	defer m.mu.Unlock()

	for taskID, records := range m.history {
		kept := records[:0]
		for _, r := range records {
			if r.Timestamp.After(cutoff) {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(m.history, taskID)
		} else {
			m.history[taskID] = kept
		}
	}
}

// Stats summarizes the current history.
func (m *ReassignmentManager) Stats() ReassignmentStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := ReassignmentStats{
		TasksWithReassignments: len(m.history),
	}
	for _, records := range m.history {
		stats.TotalReassignments += len(records)
		if len(records) > stats.MaxReassignmentsPerTask {
			stats.MaxReassignmentsPerTask = len(records)
		}
	}
	return stats
}

func (m *ReassignmentManager) canReassign(taskID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history[taskID]) < maxReassignments
}

func (m *ReassignmentManager) record(taskID, oldAgentID, newAgentID uuid.UUID) {
	m.mu.Lock()
	m.history[taskID] = append(m.history[taskID], Reassignment{
		Timestamp:  time.Now().UTC(),
		OldAgentID: oldAgentID,
		NewAgentID: newAgentID,
	})
	m.mu.Unlock()
}

// Package repositories defines the persistence interfaces consumed by the
// orchestration plane and their GORM implementations. The orchestration
// components (scheduler, allocator, dispatcher, connection manager) depend
// only on the interfaces, which keeps them testable with in-memory fakes
// and independent of the concrete database driver.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/netpulse-io/netpulse/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	GetByName(ctx context.Context, name string) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error

	// UpdateStatus updates only the status and last_heartbeat columns.
	// Called on every connection state transition and heartbeat — updating
	// two columns avoids write amplification on the full row.
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastHeartbeat time.Time) error

	// UpdateHeartbeat refreshes last_heartbeat without touching status.
	UpdateHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error

	// UpdateLoad mirrors the latest resource report into the agent row so
	// the allocator can score load from the database alone.
	UpdateLoad(ctx context.Context, id uuid.UUID, cpu, memory, disk, loadAvg float64) error

	// UpdateCapabilities records the protocol tags and version announced in
	// an agent_register frame.
	UpdateCapabilities(ctx context.Context, id uuid.UUID, capabilities []string, version string) error

	List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error)

	// ListAvailable returns agents that are online or busy, enabled, and have sent
	// a heartbeat within the given window. This is the allocator's first
	// filtering stage.
	ListAvailable(ctx context.Context, window time.Duration) ([]db.Agent, error)
}

// -----------------------------------------------------------------------------
// TaskRepository
// -----------------------------------------------------------------------------

type TaskRepository interface {
	// Create validates the task before insertion; db.ErrInvalidTask is
	// returned for out-of-bounds fields.
	Create(ctx context.Context, task *db.Task) error

	GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error)
	List(ctx context.Context, opts ListOptions) ([]db.Task, int64, error)
	ListByUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Task, int64, error)

	// ListDue returns up to limit active tasks whose next_run is at or
	// before now, or unset. The scheduler's discovery sweep calls this on
	// every tick.
	ListDue(ctx context.Context, now time.Time, limit int) ([]db.Task, error)

	// Update validates and persists all fields of an existing task.
	Update(ctx context.Context, task *db.Task) error

	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	UpdateNextRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error
	UpdatePriority(ctx context.Context, id uuid.UUID, priority int) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// TaskResultRepository
// -----------------------------------------------------------------------------

type TaskResultRepository interface {
	// Create appends one immutable result row. Results are never updated
	// or deleted through this interface.
	Create(ctx context.Context, result *db.TaskResult) error

	GetByID(ctx context.Context, id uuid.UUID) (*db.TaskResult, error)
	ListByTask(ctx context.Context, taskID uuid.UUID, opts ListOptions) ([]db.TaskResult, int64, error)

	// ListByAgentSince returns up to limit results executed by the agent at
	// or after since, newest first. The allocator's performance scoring
	// reads the last seven days through this.
	ListByAgentSince(ctx context.Context, agentID uuid.UUID, since time.Time, limit int) ([]db.TaskResult, error)

	// CountByAgentSince counts results executed by the agent since the
	// given time. The load balancer uses a short window of this as a proxy
	// for the agent's current task pressure.
	CountByAgentSince(ctx context.Context, agentID uuid.UUID, since time.Time) (int64, error)
}

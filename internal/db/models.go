package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent status values. An agent is dispatchable while online or busy;
// maintenance removes it from allocation without deleting the record.
const (
	AgentStatusOnline      = "online"
	AgentStatusOffline     = "offline"
	AgentStatusBusy        = "busy"
	AgentStatusMaintenance = "maintenance"
)

// heartbeatWindow is how recent an agent's last heartbeat must be for the
// agent to count as available for allocation.
const heartbeatWindow = 5 * time.Minute

// Agent represents a registered probe agent running on a remote host.
// Agents connect to the server via a persistent WebSocket channel and never
// expose ports of their own. The APIKey is the shared secret used to verify
// the signed auth handshake; it is issued out of band at enrollment time.
//
// The current_* columns mirror the latest resource report so the allocator
// can score load without a round trip to the connection manager. They are
// refreshed on every resource_report frame.
type Agent struct {
	base
	Name         string         `gorm:"not null;uniqueIndex"`
	Address      string         `gorm:"not null;default:''"`
	APIKey       string         `gorm:"not null"`
	Version      string         `gorm:"not null;default:''"`
	Capabilities JSONStringList `gorm:"type:text;default:'[]'"` // protocol tags; empty = universal

	// Geo and network placement, used by the allocator's location score.
	Country   string  `gorm:"not null;default:''"`
	City      string  `gorm:"not null;default:''"`
	Latitude  float64 `gorm:"default:0"`
	Longitude float64 `gorm:"default:0"`
	ISP       string  `gorm:"not null;default:''"`

	Status        string `gorm:"not null;default:'offline'"`
	Enabled       bool   `gorm:"not null;default:true"`
	LastHeartbeat *time.Time

	// Rolling performance figures maintained from task results.
	Availability    float64 `gorm:"not null;default:1"` // 0..1
	SuccessRate     float64 `gorm:"not null;default:1"` // 0..1
	AvgResponseTime float64 `gorm:"not null;default:0"` // milliseconds

	// Latest reported host load.
	CurrentCPUUsage    float64 `gorm:"not null;default:0"`
	CurrentMemoryUsage float64 `gorm:"not null;default:0"`
	CurrentDiskUsage   float64 `gorm:"not null;default:0"`
	CurrentLoadAvg     float64 `gorm:"not null;default:0"`

	// MaxConcurrentTasks caps how many tasks one planning round may park on
	// this agent. Distinct from the connection manager's per-agent
	// connection cap.
	MaxConcurrentTasks int `gorm:"not null;default:10"`
}

// IsAvailable reports whether the agent may receive work: enabled, in a
// dispatchable status, and heard from within the heartbeat window.
func (a *Agent) IsAvailable(now time.Time) bool {
	if !a.Enabled {
		return false
	}
	if a.Status != AgentStatusOnline && a.Status != AgentStatusBusy {
		return false
	}
	return a.LastHeartbeat != nil && now.Sub(*a.LastHeartbeat) <= heartbeatWindow
}

// SupportsProtocol reports whether the agent can execute tasks of the given
// protocol. An agent with no declared capabilities is assumed universal.
func (a *Agent) SupportsProtocol(proto string) bool {
	if len(a.Capabilities) == 0 {
		return true
	}
	for _, c := range a.Capabilities {
		if c == proto {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// Measurement protocols supported by the platform.
const (
	ProtocolICMP  = "icmp"
	ProtocolTCP   = "tcp"
	ProtocolUDP   = "udp"
	ProtocolHTTP  = "http"
	ProtocolHTTPS = "https"
)

// Task status values. Status transitions are driven by the result collector
// (completed/failed) and by the administrative pause/resume operations.
const (
	TaskStatusActive    = "active"
	TaskStatusPaused    = "paused"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// Validation bounds for task fields.
const (
	MinFrequencySeconds = 10
	MaxFrequencySeconds = 86400
	MinTimeoutSeconds   = 1
	MaxTimeoutSeconds   = 300
)

// Task defines a recurring measurement: what to probe, how often, and with
// what placement preferences. NextRun is advanced by the scheduler after
// each dispatch; a paused task has NextRun cleared.
type Task struct {
	base
	UserID     uuid.UUID `gorm:"type:text;not null;index"`
	Name       string    `gorm:"not null;default:''"`
	Protocol   string    `gorm:"not null"`
	Target     string    `gorm:"not null"`
	Port       *int
	Parameters string `gorm:"type:text;default:'{}'"` // protocol-specific, JSON
	Frequency  int    `gorm:"not null;default:60"`    // seconds between runs
	Timeout    int    `gorm:"not null;default:30"`    // seconds per execution
	Priority   int    `gorm:"not null;default:0"`
	Status     string `gorm:"not null;default:'active'"`
	NextRun    *time.Time

	// Placement preferences consumed by the allocator's location score.
	PreferredLocation string `gorm:"not null;default:''"`
	PreferredISP      string `gorm:"not null;default:''"`
}

// defaultPorts maps protocols to the port applied when the task omits one.
// ICMP carries no port; TCP and UDP have no sensible default and must be
// explicit.
var defaultPorts = map[string]int{
	ProtocolHTTP:  80,
	ProtocolHTTPS: 443,
}

// Validate checks the task's field bounds and fills the protocol default
// port when one exists. It is called from the repository on create and
// update so invalid tasks never reach the scheduler.
func (t *Task) Validate() error {
	switch t.Protocol {
	case ProtocolICMP, ProtocolTCP, ProtocolUDP, ProtocolHTTP, ProtocolHTTPS:
	default:
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidTask, t.Protocol)
	}
	if t.Target == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidTask)
	}
	if t.Frequency < MinFrequencySeconds || t.Frequency > MaxFrequencySeconds {
		return fmt.Errorf("%w: frequency %d outside [%d, %d]",
			ErrInvalidTask, t.Frequency, MinFrequencySeconds, MaxFrequencySeconds)
	}
	if t.Timeout < MinTimeoutSeconds || t.Timeout > MaxTimeoutSeconds {
		return fmt.Errorf("%w: timeout %d outside [%d, %d]",
			ErrInvalidTask, t.Timeout, MinTimeoutSeconds, MaxTimeoutSeconds)
	}
	if t.Port != nil && (*t.Port < 1 || *t.Port > 65535) {
		return fmt.Errorf("%w: port %d outside [1, 65535]", ErrInvalidTask, *t.Port)
	}
	if t.Port == nil {
		if p, ok := defaultPorts[t.Protocol]; ok {
			port := p
			t.Port = &port
		} else if t.Protocol == ProtocolTCP || t.Protocol == ProtocolUDP {
			return fmt.Errorf("%w: protocol %s requires a port", ErrInvalidTask, t.Protocol)
		}
	}
	return nil
}

// UpdateNextRun advances NextRun by one frequency interval from now.
// No-op for non-active tasks.
func (t *Task) UpdateNextRun(now time.Time) {
	if t.Status != TaskStatusActive || t.Frequency <= 0 {
		return
	}
	next := now.Add(time.Duration(t.Frequency) * time.Second)
	t.NextRun = &next
}

// Pause moves the task out of scheduling and clears its next run time.
func (t *Task) Pause() {
	t.Status = TaskStatusPaused
	t.NextRun = nil
}

// Resume reactivates a paused task and schedules its next run.
func (t *Task) Resume(now time.Time) {
	if t.Status != TaskStatusPaused {
		return
	}
	t.Status = TaskStatusActive
	t.UpdateNextRun(now)
}

// -----------------------------------------------------------------------------
// Task results
// -----------------------------------------------------------------------------

// Task result status values as persisted. These mirror the wire-level
// result statuses except that the agent-reported "failed" is stored as
// "error" alongside server-synthesized timeouts.
const (
	ResultStatusSuccess = "success"
	ResultStatusTimeout = "timeout"
	ResultStatusError   = "error"
)

// TaskResult is one immutable execution record. Rows are append-only: the
// platform never updates or deletes results, and the allocator's
// performance scoring reads the last seven days of them per agent.
type TaskResult struct {
	base
	TaskID        uuid.UUID    `gorm:"type:text;not null;index"`
	AgentID       uuid.UUID    `gorm:"type:text;index"`
	ExecutionTime time.Time    `gorm:"not null;index"`
	Duration      float64      `gorm:"default:0"` // milliseconds
	Status        string       `gorm:"not null"`
	ErrorMessage  string       `gorm:"type:text;default:''"`
	Metrics       JSONFloatMap `gorm:"type:text;default:'{}'"`
	RawData       string       `gorm:"type:text;default:''"`
}

package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/netpulse-io/netpulse/internal/db"
)

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: db}
}

// Create inserts a new agent record into the database.
func (r *gormAgentRepository) Create(ctx context.Context, agent *db.Agent) error {
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		return fmt.Errorf("agents: create: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by its UUID. Returns ErrNotFound if no record
// exists.
func (r *gormAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

// GetByName retrieves an agent by its unique name. Used at enrollment time
// to detect reconnecting agents. Returns ErrNotFound if no record exists.
func (r *gormAgentRepository) GetByName(ctx context.Context, name string) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by name: %w", err)
	}
	return &agent, nil
}

// Update persists all fields of an existing agent record.
func (r *gormAgentRepository) Update(ctx context.Context, agent *db.Agent) error {
	result := r.db.WithContext(ctx).Save(agent)
	if result.Error != nil {
		return fmt.Errorf("agents: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus updates only the status and last_heartbeat fields of an agent.
func (r *gormAgentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastHeartbeat time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         status,
			"last_heartbeat": lastHeartbeat,
		})
	if result.Error != nil {
		return fmt.Errorf("agents: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHeartbeat refreshes only the last_heartbeat column.
func (r *gormAgentRepository) UpdateHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Update("last_heartbeat", at)
	if result.Error != nil {
		return fmt.Errorf("agents: update heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLoad mirrors the latest resource report into the agent row.
func (r *gormAgentRepository) UpdateLoad(ctx context.Context, id uuid.UUID, cpu, memory, disk, loadAvg float64) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_cpu_usage":    cpu,
			"current_memory_usage": memory,
			"current_disk_usage":   disk,
			"current_load_avg":     loadAvg,
		})
	if result.Error != nil {
		return fmt.Errorf("agents: update load: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateCapabilities records the protocol tags and version announced during
// agent registration.
func (r *gormAgentRepository) UpdateCapabilities(ctx context.Context, id uuid.UUID, capabilities []string, version string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Agent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"capabilities": db.JSONStringList(capabilities),
			"version":      version,
		})
	if result.Error != nil {
		return fmt.Errorf("agents: update capabilities: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of agents and the total count.
func (r *gormAgentRepository) List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error) {
	var agents []db.Agent
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Agent{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&agents).Error; err != nil {
		return nil, 0, fmt.Errorf("agents: list: %w", err)
	}

	return agents, total, nil
}

// ListAvailable returns agents that are online or busy, enabled, and have a
// heartbeat within the window. Ordering by id keeps the result stable so
// allocation tie-breaks are deterministic.
func (r *gormAgentRepository) ListAvailable(ctx context.Context, window time.Duration) ([]db.Agent, error) {
	var agents []db.Agent
	cutoff := time.Now().UTC().Add(-window)

	if err := r.db.WithContext(ctx).
		Where("status IN ? AND enabled = ? AND last_heartbeat >= ?",
			[]string{db.AgentStatusOnline, db.AgentStatusBusy}, true, cutoff).
		Order("id ASC").
		Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list available: %w", err)
	}

	return agents, nil
}

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

// gormTaskResultRepository is the GORM implementation of TaskResultRepository.
type gormTaskResultRepository struct {
	db *gorm.DB
}

// NewTaskResultRepository returns a TaskResultRepository backed by the
// provided *gorm.DB.
func NewTaskResultRepository(db *gorm.DB) TaskResultRepository {
	return &gormTaskResultRepository{db: db}
}

// Create appends one immutable result row.
func (r *gormTaskResultRepository) Create(ctx context.Context, result *db.TaskResult) error {
	if err := r.db.WithContext(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("task results: create: %w", err)
	}
	return nil
}

// GetByID retrieves a result by its UUID. Returns ErrNotFound if no record exists.
func (r *gormTaskResultRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.TaskResult, error) {
	var result db.TaskResult
	err := r.db.WithContext(ctx).First(&result, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("task results: get by id: %w", err)
	}
	return &result, nil
}

// ListByTask returns a paginated list of one task's results, newest first.
func (r *gormTaskResultRepository) ListByTask(ctx context.Context, taskID uuid.UUID, opts ListOptions) ([]db.TaskResult, int64, error) {
	var results []db.TaskResult
	var total int64

	q := r.db.WithContext(ctx).Model(&db.TaskResult{}).Where("task_id = ?", taskID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("task results: list by task count: %w", err)
	}

	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("execution_time DESC").
		Find(&results).Error; err != nil {
		return nil, 0, fmt.Errorf("task results: list by task: %w", err)
	}

	return results, total, nil
}

// ListByAgentSince returns up to limit results executed by the agent at or
// after since, newest first.
func (r *gormTaskResultRepository) ListByAgentSince(ctx context.Context, agentID uuid.UUID, since time.Time, limit int) ([]db.TaskResult, error) {
	var results []db.TaskResult
	if err := r.db.WithContext(ctx).
		Where("agent_id = ? AND execution_time >= ?", agentID, since).
		Order("execution_time DESC").
		Limit(limit).
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("task results: list by agent since: %w", err)
	}
	return results, nil
}

// CountByAgentSince counts results executed by the agent since the given time.
func (r *gormTaskResultRepository) CountByAgentSince(ctx context.Context, agentID uuid.UUID, since time.Time) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.TaskResult{}).
		Where("agent_id = ? AND execution_time >= ?", agentID, since).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("task results: count by agent since: %w", err)
	}
	return count, nil
}

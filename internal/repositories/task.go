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

// gormTaskRepository is the GORM implementation of TaskRepository.
type gormTaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository returns a TaskRepository backed by the provided *gorm.DB.
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &gormTaskRepository{db: db}
}

// Create validates the task and inserts it. A task created without an
// explicit next_run is picked up on the scheduler's next discovery sweep.
func (r *gormTaskRepository) Create(ctx context.Context, task *db.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("tasks: create: %w", err)
	}
	return nil
}

// GetByID retrieves a task by its UUID. Returns ErrNotFound if no record exists.
func (r *gormTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error) {
	var task db.Task
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tasks: get by id: %w", err)
	}
	return &task, nil
}

// List returns a paginated list of tasks and the total count.
func (r *gormTaskRepository) List(ctx context.Context, opts ListOptions) ([]db.Task, int64, error) {
	var tasks []db.Task
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Task{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&tasks).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list: %w", err)
	}

	return tasks, total, nil
}

// ListByUser returns a paginated list of one user's tasks.
func (r *gormTaskRepository) ListByUser(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]db.Task, int64, error) {
	var tasks []db.Task
	var total int64

	q := r.db.WithContext(ctx).Model(&db.Task{}).Where("user_id = ?", userID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list by user count: %w", err)
	}

	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&tasks).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list by user: %w", err)
	}

	return tasks, total, nil
}

// ListDue returns up to limit active tasks whose next_run has passed or is
// unset, ordered so the longest-overdue tasks come first.
func (r *gormTaskRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]db.Task, error) {
	var tasks []db.Task
	if err := r.db.WithContext(ctx).
		Where("status = ? AND (next_run IS NULL OR next_run <= ?)", db.TaskStatusActive, now).
		Order("next_run ASC").
		Limit(limit).
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("tasks: list due: %w", err)
	}
	return tasks, nil
}

// Update validates and persists all fields of an existing task.
func (r *gormTaskRepository) Update(ctx context.Context, task *db.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Save(task)
	if result.Error != nil {
		return fmt.Errorf("tasks: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus updates only the status column.
func (r *gormTaskRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("tasks: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateNextRun updates only the next_run column. A nil nextRun clears it,
// which is how pausing removes a task from the discovery sweep.
func (r *gormTaskRepository) UpdateNextRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("id = ?", id).
		Update("next_run", nextRun)
	if result.Error != nil {
		return fmt.Errorf("tasks: update next run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePriority updates only the priority column.
func (r *gormTaskRepository) UpdatePriority(ctx context.Context, id uuid.UUID, priority int) error {
	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("id = ?", id).
		Update("priority", priority)
	if result.Error != nil {
		return fmt.Errorf("tasks: update priority: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a task. Its results are retained — task_results rows
// reference the task by UUID without a foreign key constraint.
func (r *gormTaskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Task{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("tasks: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

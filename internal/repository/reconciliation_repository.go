package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/helix-games/helix-ledger/internal/model"
)

var ErrReconciliationTaskNotFound = errors.New("reconciliation task not found")

// ReconciliationRepository 对账任务仓储
type ReconciliationRepository struct {
	*Repository
}

// NewReconciliationRepository 创建对账仓储
func NewReconciliationRepository(db *gorm.DB) *ReconciliationRepository {
	return &ReconciliationRepository{Repository: NewRepository(db)}
}

// CreateTask 创建对账任务
func (r *ReconciliationRepository) CreateTask(ctx context.Context, task *model.ReconciliationTask) error {
	if task.StartedAt == 0 {
		task.StartedAt = time.Now().UnixMilli()
	}
	if err := r.DB(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("create reconciliation task failed: %w", err)
	}
	return nil
}

// UpdateTask 更新任务汇总
func (r *ReconciliationRepository) UpdateTask(ctx context.Context, task *model.ReconciliationTask) error {
	result := r.DB(ctx).
		Model(&model.ReconciliationTask{}).
		Where("task_id = ?", task.TaskID).
		Updates(map[string]interface{}{
			"status":         task.Status,
			"checked_count":  task.CheckedCount,
			"adjusted_count": task.AdjustedCount,
			"failed_count":   task.FailedCount,
			"total_drift":    task.TotalDrift,
			"finished_at":    task.FinishedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("update reconciliation task failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrReconciliationTaskNotFound
	}
	return nil
}

// GetTask 按任务 ID 查询
func (r *ReconciliationRepository) GetTask(ctx context.Context, taskID string) (*model.ReconciliationTask, error) {
	var task model.ReconciliationTask
	result := r.DB(ctx).Where("task_id = ?", taskID).First(&task)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrReconciliationTaskNotFound
		}
		return nil, fmt.Errorf("get reconciliation task failed: %w", result.Error)
	}
	return &task, nil
}

// HasRunningTask 是否有进行中的对账任务。
// 进行中超过 maxAge 的任务视作进程崩溃的遗留，不再阻塞新任务
func (r *ReconciliationRepository) HasRunningTask(ctx context.Context, maxAge time.Duration) (bool, error) {
	var count int64
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	err := r.DB(ctx).
		Model(&model.ReconciliationTask{}).
		Where("status = ? AND started_at > ?", model.ReconciliationStatusRunning, cutoff).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count running reconciliation tasks failed: %w", err)
	}
	return count > 0, nil
}

// CreateAdjustment 写入对账明细
func (r *ReconciliationRepository) CreateAdjustment(ctx context.Context, adj *model.ReconciliationAdjustment) error {
	if err := r.DB(ctx).Create(adj).Error; err != nil {
		return fmt.Errorf("create reconciliation adjustment failed: %w", err)
	}
	return nil
}

// ListAdjustments 查询任务的对账明细
func (r *ReconciliationRepository) ListAdjustments(ctx context.Context, taskID string, page *Pagination) ([]*model.ReconciliationAdjustment, error) {
	db := r.DB(ctx).Where("task_id = ?", taskID)

	if page != nil {
		if err := db.Model(&model.ReconciliationAdjustment{}).Count(&page.Total).Error; err != nil {
			return nil, fmt.Errorf("count reconciliation adjustments failed: %w", err)
		}
		db = db.Offset(page.Offset()).Limit(page.Limit())
	}

	var adjustments []*model.ReconciliationAdjustment
	if err := db.Order("id ASC").Find(&adjustments).Error; err != nil {
		return nil, fmt.Errorf("list reconciliation adjustments failed: %w", err)
	}
	return adjustments, nil
}

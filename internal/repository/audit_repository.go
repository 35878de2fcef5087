package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/helix-games/helix-ledger/internal/model"
)

var (
	ErrAuditLogNotFound = errors.New("audit log not found")

	// ErrDuplicateAudit 同一操作类型下业务单号已有流水，
	// 事件重放撞上该错误说明资金变动早已入账
	ErrDuplicateAudit = errors.New("duplicate audit reference")
)

// AuditLogFilter 流水查询过滤条件
type AuditLogFilter struct {
	Type        *model.OperationType
	ReferenceID string
	TimeRange   *TimeRange
}

// AuditRepository 资金流水仓储接口
// 流水只追加，不提供更新和删除
type AuditRepository interface {
	// Transaction 执行事务
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	// Create 追加一条流水
	Create(ctx context.Context, log *model.AuditLog) error

	// GetByReference 按操作类型和业务单号查询流水
	GetByReference(ctx context.Context, op model.OperationType, referenceID string) (*model.AuditLog, error)

	// ListByWallet 查询某地址的流水
	ListByWallet(ctx context.Context, wallet string, filter *AuditLogFilter, page *Pagination) ([]*model.AuditLog, error)

	// SumDeltas 汇总资金变动流水的净额
	// 全部账户从零开始，净额应与余额表总和一致，供核对使用
	SumDeltas(ctx context.Context) (decimal.Decimal, error)

	// CountByType 统计某类型流水数量
	CountByType(ctx context.Context, op model.OperationType) (int64, error)
}

type auditRepository struct {
	*Repository
}

// NewAuditRepository 创建流水仓储
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{
		Repository: NewRepository(db),
	}
}

// Create 追加一条流水
func (r *auditRepository) Create(ctx context.Context, log *model.AuditLog) error {
	if !log.OperationType.Valid() {
		return fmt.Errorf("invalid operation type: %q", log.OperationType)
	}
	if err := r.DB(ctx).Create(log).Error; err != nil {
		if IsUniqueViolation(err) {
			return ErrDuplicateAudit
		}
		return fmt.Errorf("create audit log failed: %w", err)
	}
	return nil
}

// GetByReference 按操作类型和业务单号查询流水
func (r *auditRepository) GetByReference(ctx context.Context, op model.OperationType, referenceID string) (*model.AuditLog, error) {
	var log model.AuditLog
	result := r.DB(ctx).
		Where("operation_type = ? AND reference_id = ?", op, referenceID).
		First(&log)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAuditLogNotFound
		}
		return nil, fmt.Errorf("get audit log failed: %w", result.Error)
	}
	return &log, nil
}

// ListByWallet 查询某地址的流水
func (r *auditRepository) ListByWallet(ctx context.Context, wallet string, filter *AuditLogFilter, page *Pagination) ([]*model.AuditLog, error) {
	db := r.DB(ctx).Where("wallet = ?", wallet)

	if filter != nil {
		if filter.Type != nil {
			db = db.Where("operation_type = ?", *filter.Type)
		}
		if filter.ReferenceID != "" {
			db = db.Where("reference_id = ?", filter.ReferenceID)
		}
		if filter.TimeRange.IsValid() {
			db = db.Where("created_at >= ? AND created_at <= ?", filter.TimeRange.Start, filter.TimeRange.End)
		}
	}

	if page != nil {
		if err := db.Model(&model.AuditLog{}).Count(&page.Total).Error; err != nil {
			return nil, fmt.Errorf("count audit logs failed: %w", err)
		}
		db = db.Offset(page.Offset()).Limit(page.Limit())
	}

	var logs []*model.AuditLog
	if err := db.Order("id DESC").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("list audit logs failed: %w", err)
	}
	return logs, nil
}

// SumDeltas 汇总资金变动流水的净额
func (r *auditRepository) SumDeltas(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	row := r.DB(ctx).
		Model(&model.AuditLog{}).
		Select("COALESCE(SUM(balance_after - balance_before), 0)").
		Row()
	if err := row.Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("sum audit deltas failed: %w", err)
	}
	return total, nil
}

// CountByType 统计某类型流水数量
func (r *auditRepository) CountByType(ctx context.Context, op model.OperationType) (int64, error) {
	var count int64
	err := r.DB(ctx).
		Model(&model.AuditLog{}).
		Where("operation_type = ?", op).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count audit logs failed: %w", err)
	}
	return count, nil
}

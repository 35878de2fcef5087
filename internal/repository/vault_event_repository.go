package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/helix-games/helix-ledger/internal/model"
)

var ErrVaultEventNotFound = errors.New("vault event not found")

// VaultEventRepository 金库事件仓储
type VaultEventRepository struct {
	*Repository
}

// NewVaultEventRepository 创建金库事件仓储
func NewVaultEventRepository(db *gorm.DB) *VaultEventRepository {
	return &VaultEventRepository{Repository: NewRepository(db)}
}

// Insert 写入事件，(tx_hash, log_index) 冲突时跳过
// 返回 false 表示事件已存在
func (r *VaultEventRepository) Insert(ctx context.Context, rec *model.VaultEventRecord) (bool, error) {
	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}, {Name: "log_index"}},
		DoNothing: true,
	}).Create(rec)

	if result.Error != nil {
		return false, fmt.Errorf("insert vault event failed: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// GetByTxLog 按幂等键 (tx_hash, log_index) 查询事件
func (r *VaultEventRepository) GetByTxLog(ctx context.Context, txHash string, logIndex uint) (*model.VaultEventRecord, error) {
	var rec model.VaultEventRecord
	result := r.DB(ctx).
		Where("tx_hash = ? AND log_index = ?", txHash, logIndex).
		First(&rec)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrVaultEventNotFound
		}
		return nil, fmt.Errorf("get vault event failed: %w", result.Error)
	}
	return &rec, nil
}

// MarkProcessed 标记事件已入账
func (r *VaultEventRepository) MarkProcessed(ctx context.Context, id int64) error {
	result := r.DB(ctx).
		Model(&model.VaultEventRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed":  true,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return fmt.Errorf("mark vault event processed failed: %w", result.Error)
	}
	return nil
}

// ListUnprocessed 查询未入账的事件
func (r *VaultEventRepository) ListUnprocessed(ctx context.Context, limit int) ([]*model.VaultEventRecord, error) {
	var records []*model.VaultEventRecord
	err := r.DB(ctx).
		Where("processed = ?", false).
		Order("block_number ASC, log_index ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list unprocessed vault events failed: %w", err)
	}
	return records, nil
}

package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/helix-games/helix-ledger/internal/model"
)

// OutboxRepository 本地消息表仓储
type OutboxRepository struct {
	*Repository
}

// NewOutboxRepository 创建 outbox 仓储
func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{Repository: NewRepository(db)}
}

// Create 创建 outbox 消息
// ctx 携带事务句柄时与业务写入同事务落库
func (r *OutboxRepository) Create(ctx context.Context, msg *model.OutboxMessage) error {
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}
	return r.DB(ctx).Create(msg).Error
}

// FetchAndClaim 原子获取并认领待发送消息
// FOR UPDATE SKIP LOCKED 保证多实例不会认领同一条消息
// 返回的消息状态被置为 processing，发送后需调用 MarkSent 或 MarkFailed
func (r *OutboxRepository) FetchAndClaim(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage

	err := r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []int64
		err := tx.Raw(`
			SELECT id FROM ledger_outbox_messages
			WHERE status = ?
			ORDER BY created_at ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		`, model.OutboxStatusPending, limit).Scan(&ids).Error
		if err != nil {
			return fmt.Errorf("select pending messages: %w", err)
		}

		if len(ids) == 0 {
			return nil
		}

		now := time.Now().UnixMilli()
		err = tx.Exec(`
			UPDATE ledger_outbox_messages
			SET status = 'processing', updated_at = ?
			WHERE id IN ?
		`, now, ids).Error
		if err != nil {
			return fmt.Errorf("update status to processing: %w", err)
		}

		err = tx.Where("id IN ?", ids).Find(&messages).Error
		if err != nil {
			return fmt.Errorf("fetch claimed messages: %w", err)
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("fetch and claim messages failed: %w", err)
	}
	return messages, nil
}

// MarkSent 标记消息已发送
func (r *OutboxRepository) MarkSent(ctx context.Context, id int64) error {
	now := time.Now().UnixMilli()
	result := r.DB(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":  model.OutboxStatusSent,
			"sent_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("mark message sent failed: %w", result.Error)
	}
	return nil
}

// MarkFailed 标记消息发送失败
// 重试次数未达上限时回到 pending 等待下次投递
func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, err error) error {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		if len(errMsg) > 500 {
			errMsg = errMsg[:500]
		}
	}

	now := time.Now().UnixMilli()
	result := r.DB(ctx).Exec(`
		UPDATE ledger_outbox_messages
		SET retry_count = retry_count + 1,
		    last_error = ?,
		    updated_at = ?,
		    status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END
		WHERE id = ?
	`, errMsg, now, id)

	if result.Error != nil {
		return fmt.Errorf("mark message failed: %w", result.Error)
	}
	return nil
}

// RecoverStaleProcessing 恢复卡住的 processing 消息
// 实例崩溃后 processing 状态不会自动释放，需要定期扫回 pending
func (r *OutboxRepository) RecoverStaleProcessing(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	threshold := time.Now().Add(-staleThreshold).UnixMilli()
	result := r.DB(ctx).Exec(`
		UPDATE ledger_outbox_messages
		SET status = 'pending', updated_at = ?
		WHERE status = 'processing' AND updated_at < ?
	`, time.Now().UnixMilli(), threshold)

	if result.Error != nil {
		return 0, fmt.Errorf("recover stale processing messages: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CleanSent 清理已发送的历史消息
func (r *OutboxRepository) CleanSent(ctx context.Context, beforeTime int64, batchSize int) (int64, error) {
	var totalDeleted int64

	for {
		result := r.DB(ctx).Exec(`
			DELETE FROM ledger_outbox_messages
			WHERE id IN (
				SELECT id FROM ledger_outbox_messages
				WHERE status = 'sent' AND sent_at < ?
				LIMIT ?
			)
		`, beforeTime, batchSize)

		if result.Error != nil {
			return totalDeleted, fmt.Errorf("clean sent messages failed: %w", result.Error)
		}

		totalDeleted += result.RowsAffected
		if result.RowsAffected < int64(batchSize) {
			break
		}
	}

	return totalDeleted, nil
}

// CountPending 统计待发送消息数量
func (r *OutboxRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.DB(ctx).
		Model(&model.OutboxMessage{}).
		Where("status = ?", model.OutboxStatusPending).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count pending messages: %w", err)
	}
	return count, nil
}

// CountFailed 统计失败消息数量
func (r *OutboxRepository) CountFailed(ctx context.Context) (int64, error) {
	var count int64
	err := r.DB(ctx).
		Model(&model.OutboxMessage{}).
		Where("status = ?", model.OutboxStatusFailed).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count failed messages: %w", err)
	}
	return count, nil
}

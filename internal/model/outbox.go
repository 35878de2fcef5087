package model

import (
	"encoding/json"
)

// OutboxStatus 消息状态
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"    // 待发送
	OutboxStatusProcessing OutboxStatus = "processing" // 处理中 (已被某实例认领)
	OutboxStatusSent       OutboxStatus = "sent"       // 已发送
	OutboxStatusFailed     OutboxStatus = "failed"     // 发送失败
)

// OutboxMessage 本地消息表记录
// 与账本变更同事务落库，由 relay 异步投递，保证至少一次
type OutboxMessage struct {
	ID            int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID     string       `gorm:"type:varchar(64);uniqueIndex;not null" json:"message_id"`
	Topic         string       `gorm:"type:varchar(100);not null" json:"topic"`
	PartitionKey  string       `gorm:"type:varchar(100);not null" json:"partition_key"`
	Payload       []byte       `gorm:"type:jsonb;not null" json:"payload"`
	AggregateType string       `gorm:"type:varchar(50);not null;index:idx_aggregate" json:"aggregate_type"`
	AggregateID   string       `gorm:"type:varchar(64);not null;index:idx_aggregate" json:"aggregate_id"`
	Status        OutboxStatus `gorm:"type:varchar(20);not null;default:'pending';index:idx_status_created" json:"status"`
	RetryCount    int          `gorm:"type:int;not null;default:0" json:"retry_count"`
	MaxRetries    int          `gorm:"type:int;not null;default:5" json:"max_retries"`
	LastError     string       `gorm:"type:varchar(500)" json:"last_error"`
	CreatedAt     int64        `gorm:"type:bigint;not null;index:idx_status_created" json:"created_at"`
	UpdatedAt     int64        `gorm:"type:bigint" json:"updated_at"`
	SentAt        int64        `gorm:"type:bigint" json:"sent_at"`
}

// TableName 返回表名
func (OutboxMessage) TableName() string {
	return "ledger_outbox_messages"
}

// SetPayload 设置消息内容
func (m *OutboxMessage) SetPayload(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.Payload = data
	return nil
}

// GetPayload 获取消息内容
func (m *OutboxMessage) GetPayload(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// AggregateType 常量
const (
	AggregateTypeBalance   = "balance"
	AggregateTypeBet       = "bet"
	AggregateTypeReconcile = "reconcile"
	AggregateTypeDeadEvent = "dead_event"
)

// 出站 topic
const (
	TopicBalanceChanged  = "helix.ledger.balance-changed"
	TopicReconcileReport = "helix.ledger.reconcile-report"
	TopicEventDeadLetter = "helix.ledger.event-dlq"
)

// BalanceChangedPayload 余额变更载荷
type BalanceChangedPayload struct {
	Wallet        string `json:"wallet"`
	OperationType string `json:"operation_type"`
	Amount        string `json:"amount"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	ReferenceID   string `json:"reference_id"`
	Version       int64  `json:"version"`
	OccurredAt    int64  `json:"occurred_at"`
}

// ReconcileReportPayload 对账结果载荷
type ReconcileReportPayload struct {
	TaskID        string `json:"task_id"`
	AdminID       string `json:"admin_id"`
	DryRun        bool   `json:"dry_run"`
	CheckedCount  int    `json:"checked_count"`
	AdjustedCount int    `json:"adjusted_count"`
	FailedCount   int    `json:"failed_count"`
	TotalDrift    string `json:"total_drift"`
}

package model

import "github.com/shopspring/decimal"

// ReconciliationStatus 对账任务状态
type ReconciliationStatus string

const (
	ReconciliationStatusRunning   ReconciliationStatus = "running"
	ReconciliationStatusCompleted ReconciliationStatus = "completed"
	ReconciliationStatusFailed    ReconciliationStatus = "failed"
)

// ReconciliationTask 全量对账任务
// 对应数据库表 reconciliation_tasks
type ReconciliationTask struct {
	ID            int64                `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID        string               `gorm:"type:varchar(64);uniqueIndex;not null" json:"task_id"`
	AdminID       string               `gorm:"type:varchar(64);not null" json:"admin_id"` // 发起人
	DryRun        bool                 `gorm:"type:boolean;not null;default:false" json:"dry_run"`
	Status        ReconciliationStatus `gorm:"type:varchar(20);index;not null" json:"status"`
	CheckedCount  int                  `gorm:"type:int;not null;default:0" json:"checked_count"`
	AdjustedCount int                  `gorm:"type:int;not null;default:0" json:"adjusted_count"`
	FailedCount   int                  `gorm:"type:int;not null;default:0" json:"failed_count"`
	TotalDrift    decimal.Decimal      `gorm:"type:decimal(36,18);not null;default:0" json:"total_drift"` // 差异绝对值之和
	StartedAt     int64                `gorm:"type:bigint;not null" json:"started_at"`
	FinishedAt    int64                `gorm:"type:bigint" json:"finished_at"`
	CreatedAt     int64                `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
}

// TableName 返回表名
func (ReconciliationTask) TableName() string {
	return "reconciliation_tasks"
}

// ReconciliationAdjustment 单个账户的对账明细
// dry run 时 Applied 恒为 false
// 对应数据库表 reconciliation_adjustments
type ReconciliationAdjustment struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID        string          `gorm:"type:varchar(64);index;not null" json:"task_id"`
	Wallet        string          `gorm:"type:varchar(42);index;not null" json:"wallet"`
	LedgerBalance decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"ledger_balance"` // 调整前账本余额
	ChainBalance  decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"chain_balance"`  // 链上余额
	Delta         decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"delta"`          // chain - ledger
	Applied       bool            `gorm:"type:boolean;not null;default:false" json:"applied"`
	Error         string          `gorm:"type:varchar(500)" json:"error"`
	CreatedAt     int64           `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
}

// TableName 返回表名
func (ReconciliationAdjustment) TableName() string {
	return "reconciliation_adjustments"
}

// HasDrift 该账户是否存在差异
func (a *ReconciliationAdjustment) HasDrift() bool {
	return !a.Delta.IsZero()
}

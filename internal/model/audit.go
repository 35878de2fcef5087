package model

import (
	"github.com/shopspring/decimal"
)

// SystemWallet 系统流水的哨兵地址
// sync_check 等不针对具体玩家的流水使用该地址
const SystemWallet = "system"

// OperationType 流水操作类型
type OperationType string

const (
	OpDeposit        OperationType = "deposit"        // 充值入账
	OpWithdrawal     OperationType = "withdrawal"     // 提现扣账
	OpBetPlaced      OperationType = "bet_placed"     // 下注扣款
	OpBetWon         OperationType = "bet_won"        // 中奖派彩
	OpBetLost        OperationType = "bet_lost"       // 输注记录，不变动余额
	OpSyncCheck      OperationType = "sync_check"     // 账链核对
	OpReconciliation OperationType = "reconciliation" // 人工对账调整
)

// Valid 检查操作类型是否合法
func (t OperationType) Valid() bool {
	switch t {
	case OpDeposit, OpWithdrawal, OpBetPlaced, OpBetWon, OpBetLost, OpSyncCheck, OpReconciliation:
		return true
	}
	return false
}

// Mutates 该操作类型是否变动余额
func (t OperationType) Mutates() bool {
	switch t {
	case OpDeposit, OpWithdrawal, OpBetPlaced, OpBetWon, OpReconciliation:
		return true
	}
	return false
}

// Credits 该操作类型是否增加余额
func (t OperationType) Credits() bool {
	switch t {
	case OpDeposit, OpBetWon:
		return true
	}
	return false
}

// AuditLog 资金流水，只追加不修改
// 对应数据库表 audit_logs
type AuditLog struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Wallet        string          `gorm:"type:varchar(42);index;not null" json:"wallet"`
	OperationType OperationType   `gorm:"type:varchar(20);index;not null" json:"operation_type"`
	Amount        decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"amount"`          // 变动金额，对账调整可为负
	BalanceBefore decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"balance_before"`  // 变动前余额
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(36,18);not null" json:"balance_after"`   // 变动后余额
	ReferenceID   string          `gorm:"type:varchar(64);index;not null" json:"reference_id"` // 业务单号: 注单 ID、交易哈希或操作人
	Remark        string          `gorm:"type:varchar(255)" json:"remark"`
	CreatedAt     int64           `gorm:"type:bigint;not null;autoCreateTime:milli;index" json:"created_at"`
}

// TableName 返回表名
func (AuditLog) TableName() string {
	return "audit_logs"
}

// Delta 返回流水的余额变动
func (l *AuditLog) Delta() decimal.Decimal {
	return l.BalanceAfter.Sub(l.BalanceBefore)
}

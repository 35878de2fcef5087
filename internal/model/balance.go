package model

import (
	"github.com/shopspring/decimal"
)

// HouseBalance 玩家在平台的链下余额
// 链上金库只记押金总额，玩家可用余额以本表为准
// 对应数据库表 house_balances
type HouseBalance struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Wallet    string          `gorm:"type:varchar(42);uniqueIndex:uk_wallet;not null" json:"wallet"`
	Balance   decimal.Decimal `gorm:"type:decimal(36,18);not null;default:0" json:"balance"`
	Version   int64           `gorm:"type:bigint;not null;default:1" json:"version"` // 乐观锁版本号
	CreatedAt int64           `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
	UpdatedAt int64           `gorm:"type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 返回表名
func (HouseBalance) TableName() string {
	return "house_balances"
}

// CanDebit 检查余额是否足够扣减
func (b *HouseBalance) CanDebit(amount decimal.Decimal) bool {
	return b.Balance.GreaterThanOrEqual(amount)
}

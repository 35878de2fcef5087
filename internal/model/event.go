package model

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// EventKind 金库事件类型
type EventKind string

const (
	EventKindDeposit    EventKind = "deposit"
	EventKindWithdrawal EventKind = "withdrawal"
	EventKindBetSettled EventKind = "bet_settled"
)

// VaultChainEvent 金库链上事件，按类型解码后使用
type VaultChainEvent interface {
	Kind() EventKind
	// DedupeKey 返回事件幂等键
	DedupeKey() string
	Validate() error
}

// DepositEvent 玩家向金库充值
type DepositEvent struct {
	Wallet      string          `json:"wallet"`
	Amount      decimal.Decimal `json:"amount"`
	TxHash      string          `json:"tx_hash"`
	LogIndex    uint            `json:"log_index"`
	BlockNumber uint64          `json:"block_number"`
}

func (e *DepositEvent) Kind() EventKind { return EventKindDeposit }

func (e *DepositEvent) DedupeKey() string {
	return fmt.Sprintf("%s:%d", e.TxHash, e.LogIndex)
}

func (e *DepositEvent) Validate() error {
	return validateChainEvent(e.Wallet, e.TxHash, e.Amount)
}

// WithdrawalEvent 金库向玩家放款
type WithdrawalEvent struct {
	Wallet      string          `json:"wallet"`
	Amount      decimal.Decimal `json:"amount"`
	TxHash      string          `json:"tx_hash"`
	LogIndex    uint            `json:"log_index"`
	BlockNumber uint64          `json:"block_number"`
}

func (e *WithdrawalEvent) Kind() EventKind { return EventKindWithdrawal }

func (e *WithdrawalEvent) DedupeKey() string {
	return fmt.Sprintf("%s:%d", e.TxHash, e.LogIndex)
}

func (e *WithdrawalEvent) Validate() error {
	return validateChainEvent(e.Wallet, e.TxHash, e.Amount)
}

// BetSettledEvent 链上注单结算
// Won 为 true 时 Payout 为派彩金额，否则 Payout 为零
type BetSettledEvent struct {
	BetID       string          `json:"bet_id"`
	Wallet      string          `json:"wallet"`
	Won         bool            `json:"won"`
	Stake       decimal.Decimal `json:"stake"`
	Payout      decimal.Decimal `json:"payout"`
	TxHash      string          `json:"tx_hash"`
	LogIndex    uint            `json:"log_index"`
	BlockNumber uint64          `json:"block_number"`
}

func (e *BetSettledEvent) Kind() EventKind { return EventKindBetSettled }

func (e *BetSettledEvent) DedupeKey() string {
	return fmt.Sprintf("%s:%d", e.TxHash, e.LogIndex)
}

func (e *BetSettledEvent) Validate() error {
	if e.BetID == "" {
		return fmt.Errorf("empty bet id")
	}
	if err := validateChainEvent(e.Wallet, e.TxHash, e.Stake); err != nil {
		return err
	}
	if e.Won && e.Payout.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("won bet with non-positive payout: %s", e.Payout)
	}
	if !e.Won && !e.Payout.IsZero() {
		return fmt.Errorf("lost bet with non-zero payout: %s", e.Payout)
	}
	return nil
}

func validateChainEvent(wallet, txHash string, amount decimal.Decimal) error {
	if len(wallet) != 42 {
		return fmt.Errorf("invalid wallet address: %s", wallet)
	}
	if len(txHash) != 66 {
		return fmt.Errorf("invalid tx hash: %s", txHash)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("non-positive amount: %s", amount)
	}
	return nil
}

// EventEnvelope 事件信封，Kind 指明 Payload 的具体类型
type EventEnvelope struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvent 将事件编码为信封 JSON
func EncodeEvent(ev VaultChainEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&EventEnvelope{Kind: ev.Kind(), Payload: payload})
}

// DecodeEvent 从信封 JSON 解码并校验事件
// 未知类型或载荷不合法时报错，不做部分解析
func DecodeEvent(data []byte) (VaultChainEvent, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var ev VaultChainEvent
	switch env.Kind {
	case EventKindDeposit:
		ev = &DepositEvent{}
	case EventKindWithdrawal:
		ev = &WithdrawalEvent{}
	case EventKindBetSettled:
		ev = &BetSettledEvent{}
	default:
		return nil, fmt.Errorf("unknown event kind: %q", env.Kind)
	}

	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s event: %w", env.Kind, err)
	}
	return ev, nil
}

// VaultEventRecord 已接收的金库事件，(tx_hash, log_index) 唯一做幂等
// 对应数据库表 vault_events
type VaultEventRecord struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TxHash      string    `gorm:"type:varchar(66);uniqueIndex:uk_tx_log;not null" json:"tx_hash"`
	LogIndex    uint      `gorm:"type:int;uniqueIndex:uk_tx_log;not null" json:"log_index"`
	BlockNumber uint64    `gorm:"type:bigint;index;not null" json:"block_number"`
	Kind        EventKind `gorm:"type:varchar(20);not null" json:"kind"`
	Payload     []byte    `gorm:"type:jsonb;not null" json:"payload"`
	Processed   bool      `gorm:"type:boolean;not null;default:false;index" json:"processed"`
	CreatedAt   int64     `gorm:"type:bigint;not null;autoCreateTime:milli" json:"created_at"`
	UpdatedAt   int64     `gorm:"type:bigint;not null;autoUpdateTime:milli" json:"updated_at"`
}

// TableName 返回表名
func (VaultEventRecord) TableName() string {
	return "vault_events"
}

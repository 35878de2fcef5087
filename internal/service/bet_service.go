package service

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/helix-games/helix-ledger/internal/model"
	"github.com/helix-games/helix-ledger/pkg/alert"
	"github.com/helix-games/helix-ledger/pkg/logger"
)

// BetRegistrar 注单上链登记接口，由 blockchain.BetSubmitter 实现
type BetRegistrar interface {
	RegisterBet(ctx context.Context, betID, wallet string, stake decimal.Decimal) (string, error)
}

// BetResult 下注结果
type BetResult struct {
	Entry  *model.AuditLog `json:"entry"`
	TxHash string          `json:"tx_hash,omitempty"`
}

// BetService 下注服务。
// 先扣账本再上链登记。登记失败时不自动退款: 补偿入账遇到重复投递
// 或链上实际已成功的情况会造成双花，资金修正只走人工对账。
type BetService struct {
	ledger    LedgerService
	registrar BetRegistrar
	alerter   alert.Alerter
}

// NewBetService 创建下注服务
func NewBetService(ledger LedgerService, registrar BetRegistrar, alerter alert.Alerter) *BetService {
	return &BetService{
		ledger:    ledger,
		registrar: registrar,
		alerter:   alerter,
	}
}

// PlaceBet 下注: 账本扣款 + 链上登记
func (s *BetService) PlaceBet(ctx context.Context, wallet, betID string, stake decimal.Decimal) (*BetResult, error) {
	entry, err := s.ledger.DebitForBet(ctx, wallet, stake, betID)
	if err != nil {
		return nil, err
	}

	txHash, err := s.registrar.RegisterBet(ctx, betID, wallet, stake)
	if err != nil {
		// 账已扣、链上登记失败，资金处于不一致状态
		logger.Error("CRITICAL: bet debited but on-chain registration failed, manual reconciliation required",
			"bet_id", betID,
			"wallet", wallet,
			"stake", stake.String(),
			"audit_id", entry.ID,
			"error", err)

		s.alerter.SendAsync(ctx, &alert.Alert{
			Title:    "Bet registration failed after ledger debit",
			Message:  "ledger debited but registerBet failed, run ReconcileUser for the wallet: " + err.Error(),
			Severity: alert.SeverityCritical,
			Tags: map[string]string{
				"bet_id": betID,
				"wallet": wallet,
				"stake":  stake.String(),
			},
		})

		// 提交器已区分回滚和广播失败，保留其错误分类
		return &BetResult{Entry: entry}, err
	}

	return &BetResult{Entry: entry, TxHash: txHash}, nil
}

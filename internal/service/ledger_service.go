// Package service 提供业务逻辑服务
package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/helix-games/helix-ledger/internal/metrics"
	"github.com/helix-games/helix-ledger/internal/model"
	"github.com/helix-games/helix-ledger/internal/repository"
	"github.com/helix-games/helix-ledger/pkg/errors"
	"github.com/helix-games/helix-ledger/pkg/logger"
	"github.com/helix-games/helix-ledger/pkg/retry"
)

// LedgerService 平台余额账本服务接口。
// 每个资金操作在单个数据库事务内完成余额变更和流水追加，
// 同一地址的并发操作由余额行锁串行化。
type LedgerService interface {
	// Deposit 充值入账，链上 Deposit 事件确认后调用
	Deposit(ctx context.Context, wallet string, amount decimal.Decimal, referenceID string) (*model.AuditLog, error)

	// Withdraw 提现扣账，链上 Withdraw 事件确认后调用
	Withdraw(ctx context.Context, wallet string, amount decimal.Decimal, referenceID string) (*model.AuditLog, error)

	// DebitForBet 下注扣款，余额不足返回 ErrInsufficientBalance
	DebitForBet(ctx context.Context, wallet string, stake decimal.Decimal, betID string) (*model.AuditLog, error)

	// CreditPayout 中奖派彩
	CreditPayout(ctx context.Context, wallet string, payout decimal.Decimal, betID string) (*model.AuditLog, error)

	// RecordBetLoss 输注记录，只落流水不变动余额
	RecordBetLoss(ctx context.Context, wallet string, stake decimal.Decimal, betID string) (*model.AuditLog, error)

	// GetBalance 查询单个地址余额
	GetBalance(ctx context.Context, wallet string) (*model.HouseBalance, error)

	// GetLedgerTotal 账本总额，全部地址余额之和
	GetLedgerTotal(ctx context.Context) (decimal.Decimal, error)

	// GetAuditTrail 查询某地址的流水
	GetAuditTrail(ctx context.Context, wallet string, filter *repository.AuditLogFilter, page *repository.Pagination) ([]*model.AuditLog, error)
}

// ledgerService 账本服务实现。
// 余额变更、流水、outbox 消息同事务落库，投递由 relay 异步完成。
type ledgerService struct {
	balanceRepo repository.BalanceRepository
	auditRepo   repository.AuditRepository
	outboxRepo  *repository.OutboxRepository
	retry       *retry.Policy
}

// NewLedgerService 创建账本服务
func NewLedgerService(
	balanceRepo repository.BalanceRepository,
	auditRepo repository.AuditRepository,
	outboxRepo *repository.OutboxRepository,
	retryPolicy *retry.Policy,
) LedgerService {
	if retryPolicy == nil {
		retryPolicy = retry.DefaultPolicy()
	}
	return &ledgerService{
		balanceRepo: balanceRepo,
		auditRepo:   auditRepo,
		outboxRepo:  outboxRepo,
		retry:       retryPolicy,
	}
}

// validateMutation 资金操作入参校验
func validateMutation(wallet string, amount decimal.Decimal, referenceID string) error {
	if !common.IsHexAddress(wallet) {
		return errors.ErrInvalidAddress.WithMessagef("invalid wallet address: %s", wallet)
	}
	if amount.Sign() <= 0 {
		return errors.ErrInvalidAmount.WithMessagef("amount must be positive, got %s", amount)
	}
	if referenceID == "" {
		return errors.ErrInvalidReference
	}
	return nil
}

// mapStoreErr 仓储错误映射到业务错误
func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, repository.ErrBalanceNotFound):
		return errors.ErrUserNotFound
	case stderrors.Is(err, repository.ErrInsufficientFund):
		return errors.ErrInsufficientBalance
	case stderrors.Is(err, repository.ErrDuplicateAudit):
		return errors.ErrDuplicateKey
	case repository.IsTransient(err):
		return errors.WrapWithCause(errors.ErrStoreUnavailable, err, "ledger store unavailable")
	default:
		return err
	}
}

func (s *ledgerService) Deposit(ctx context.Context, wallet string, amount decimal.Decimal, referenceID string) (*model.AuditLog, error) {
	if err := validateMutation(wallet, amount, referenceID); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "ledger.deposit", wallet, model.OpDeposit, amount, referenceID, true)
}

func (s *ledgerService) Withdraw(ctx context.Context, wallet string, amount decimal.Decimal, referenceID string) (*model.AuditLog, error) {
	if err := validateMutation(wallet, amount, referenceID); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "ledger.withdraw", wallet, model.OpWithdrawal, amount, referenceID, false)
}

func (s *ledgerService) DebitForBet(ctx context.Context, wallet string, stake decimal.Decimal, betID string) (*model.AuditLog, error) {
	if err := validateMutation(wallet, stake, betID); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "ledger.debit_for_bet", wallet, model.OpBetPlaced, stake, betID, false)
}

func (s *ledgerService) CreditPayout(ctx context.Context, wallet string, payout decimal.Decimal, betID string) (*model.AuditLog, error) {
	if err := validateMutation(wallet, payout, betID); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "ledger.credit_payout", wallet, model.OpBetWon, payout, betID, true)
}

// mutate 执行一次资金变更。
// createIfMissing 充值和派彩为真: 两者允许建新账户，扣款操作要求账户已存在。
func (s *ledgerService) mutate(ctx context.Context, op string, wallet string, opType model.OperationType, amount decimal.Decimal, referenceID string, createIfMissing bool) (*model.AuditLog, error) {
	var entry *model.AuditLog

	start := time.Now()
	err := s.retry.Do(ctx, op, func(ctx context.Context) error {
		entry = nil
		return mapStoreErr(s.balanceRepo.Transaction(ctx, func(txCtx context.Context) error {
			if createIfMissing {
				if _, err := s.balanceRepo.GetOrCreate(txCtx, wallet); err != nil {
					return err
				}
			}

			// 行锁串行化同一地址的并发变更
			balance, err := s.balanceRepo.GetByWalletForUpdate(txCtx, wallet)
			if err != nil {
				return err
			}

			before := balance.Balance
			var after decimal.Decimal

			if opType.Credits() {
				if err := s.balanceRepo.Credit(txCtx, wallet, amount); err != nil {
					return err
				}
				after = before.Add(amount)
			} else {
				if err := s.balanceRepo.Debit(txCtx, wallet, amount); err != nil {
					return err
				}
				after = before.Sub(amount)
			}

			e := &model.AuditLog{
				Wallet:        wallet,
				OperationType: opType,
				Amount:        amount,
				BalanceBefore: before,
				BalanceAfter:  after,
				ReferenceID:   referenceID,
			}
			if err := s.auditRepo.Create(txCtx, e); err != nil {
				return err
			}

			if err := s.enqueueBalanceChanged(txCtx, e, balance.Version+1); err != nil {
				return err
			}

			entry = e
			return nil
		}))
	})
	metrics.RecordLedgerOp(string(opType), err)
	metrics.LedgerOpDuration.WithLabelValues(string(opType)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	logger.Info("ledger mutation applied",
		"op", string(entry.OperationType),
		"wallet", wallet,
		"amount", amount.String(),
		"balance_after", entry.BalanceAfter.String(),
		"reference_id", referenceID)

	return entry, nil
}

func (s *ledgerService) RecordBetLoss(ctx context.Context, wallet string, stake decimal.Decimal, betID string) (*model.AuditLog, error) {
	if err := validateMutation(wallet, stake, betID); err != nil {
		return nil, err
	}

	var entry *model.AuditLog
	err := s.retry.Do(ctx, "ledger.record_bet_loss", func(ctx context.Context) error {
		entry = nil
		return mapStoreErr(s.balanceRepo.Transaction(ctx, func(txCtx context.Context) error {
			// 注金在下注时已扣，这里只留痕
			balance, err := s.balanceRepo.GetByWalletForUpdate(txCtx, wallet)
			if err != nil {
				return err
			}

			e := &model.AuditLog{
				Wallet:        wallet,
				OperationType: model.OpBetLost,
				Amount:        stake,
				BalanceBefore: balance.Balance,
				BalanceAfter:  balance.Balance,
				ReferenceID:   betID,
			}
			if err := s.auditRepo.Create(txCtx, e); err != nil {
				return err
			}

			entry = e
			return nil
		}))
	})
	metrics.RecordLedgerOp(string(model.OpBetLost), err)
	if err != nil {
		return nil, err
	}

	logger.Info("bet loss recorded",
		"wallet", wallet,
		"stake", stake.String(),
		"bet_id", betID)

	return entry, nil
}

func (s *ledgerService) GetBalance(ctx context.Context, wallet string) (*model.HouseBalance, error) {
	if !common.IsHexAddress(wallet) {
		return nil, errors.ErrInvalidAddress.WithMessagef("invalid wallet address: %s", wallet)
	}

	balance, err := s.balanceRepo.GetByWallet(ctx, wallet)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return balance, nil
}

func (s *ledgerService) GetLedgerTotal(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.retry.Do(ctx, "ledger.sum_balances", func(ctx context.Context) error {
		var err error
		total, err = s.balanceRepo.SumBalances(ctx)
		return mapStoreErr(err)
	})
	return total, err
}

func (s *ledgerService) GetAuditTrail(ctx context.Context, wallet string, filter *repository.AuditLogFilter, page *repository.Pagination) ([]*model.AuditLog, error) {
	if !common.IsHexAddress(wallet) {
		return nil, errors.ErrInvalidAddress.WithMessagef("invalid wallet address: %s", wallet)
	}
	logs, err := s.auditRepo.ListByWallet(ctx, wallet, filter, page)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return logs, nil
}

// enqueueBalanceChanged 余额变更消息入 outbox，与业务写入同事务
func (s *ledgerService) enqueueBalanceChanged(ctx context.Context, e *model.AuditLog, version int64) error {
	msg := &model.OutboxMessage{
		MessageID:     uuid.New().String(),
		Topic:         model.TopicBalanceChanged,
		PartitionKey:  e.Wallet,
		AggregateType: model.AggregateTypeBalance,
		AggregateID:   e.Wallet,
		Status:        model.OutboxStatusPending,
		MaxRetries:    5,
	}

	err := msg.SetPayload(&model.BalanceChangedPayload{
		Wallet:        e.Wallet,
		OperationType: string(e.OperationType),
		Amount:        e.Amount.String(),
		BalanceBefore: e.BalanceBefore.String(),
		BalanceAfter:  e.BalanceAfter.String(),
		ReferenceID:   e.ReferenceID,
		Version:       version,
		OccurredAt:    time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}

	return s.outboxRepo.Create(ctx, msg)
}

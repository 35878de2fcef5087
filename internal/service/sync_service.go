package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/helix-games/helix-ledger/internal/model"
	"github.com/helix-games/helix-ledger/internal/repository"
	"github.com/helix-games/helix-ledger/pkg/errors"
	"github.com/helix-games/helix-ledger/pkg/logger"
	"github.com/helix-games/helix-ledger/pkg/retry"
)

// DriftTolerance 账链允许的最大偏差，小数精度误差以内视为同步
var DriftTolerance = decimal.New(1, -8) // 1e-8

// ChainOracle 链上余额来源
type ChainOracle interface {
	// UserBalance 单个用户在金库的托管余额
	UserBalance(ctx context.Context, wallet string) (decimal.Decimal, error)
	// VaultBalance 金库托管总额
	VaultBalance(ctx context.Context) (decimal.Decimal, error)
}

// SyncReport 一次账链核对的结果
type SyncReport struct {
	CheckID      string          `json:"check_id"`
	LedgerTotal  decimal.Decimal `json:"ledger_total"`
	VaultBalance decimal.Decimal `json:"vault_balance"` // 预言机失败时无效，以 OracleError 为准
	Drift        decimal.Decimal `json:"drift"`         // vault - ledger
	Synchronized bool            `json:"synchronized"`
	OracleError  string          `json:"oracle_error,omitempty"`
	CheckedAt    int64           `json:"checked_at"`
}

// SyncService 账链核对服务。
// 对比账本总额和金库链上托管总额，每次核对都落一条 sync_check 流水。
type SyncService struct {
	balanceRepo repository.BalanceRepository
	auditRepo   repository.AuditRepository
	oracle      ChainOracle
	retry       *retry.Policy
}

// NewSyncService 创建账链核对服务
func NewSyncService(
	balanceRepo repository.BalanceRepository,
	auditRepo repository.AuditRepository,
	oracle ChainOracle,
	retryPolicy *retry.Policy,
) *SyncService {
	if retryPolicy == nil {
		retryPolicy = retry.DefaultPolicy()
	}
	return &SyncService{
		balanceRepo: balanceRepo,
		auditRepo:   auditRepo,
		oracle:      oracle,
		retry:       retryPolicy,
	}
}

// CheckSync 执行一次账链核对。
// 预言机失败时报告 synchronized=false 并带上错误，绝不把链上余额当 0 处理。
// 无论成败都落 sync_check 流水，返回的 error 仅表示流水落库失败。
func (s *SyncService) CheckSync(ctx context.Context) (*SyncReport, error) {
	report := &SyncReport{
		CheckID:   uuid.New().String(),
		CheckedAt: time.Now().UnixMilli(),
	}

	err := s.retry.Do(ctx, "sync.ledger_total", func(ctx context.Context) error {
		total, err := s.balanceRepo.SumBalances(ctx)
		if err != nil {
			return mapStoreErr(err)
		}
		report.LedgerTotal = total
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.retry.Do(ctx, "sync.vault_balance", func(ctx context.Context) error {
		vault, err := s.oracle.VaultBalance(ctx)
		if err != nil {
			return err
		}
		report.VaultBalance = vault
		return nil
	})

	if err != nil {
		report.Synchronized = false
		report.OracleError = err.Error()

		logger.Error("sync check oracle failure",
			"check_id", report.CheckID,
			"ledger_total", report.LedgerTotal.String(),
			"error", err)
	} else {
		report.Drift = report.VaultBalance.Sub(report.LedgerTotal)
		report.Synchronized = report.Drift.Abs().LessThanOrEqual(DriftTolerance)

		if report.Synchronized {
			logger.Info("sync check passed",
				"check_id", report.CheckID,
				"ledger_total", report.LedgerTotal.String(),
				"vault_balance", report.VaultBalance.String())
		} else {
			logger.Warn("sync check drift detected",
				"check_id", report.CheckID,
				"ledger_total", report.LedgerTotal.String(),
				"vault_balance", report.VaultBalance.String(),
				"drift", report.Drift.String())
		}
	}

	if err := s.recordCheck(ctx, report); err != nil {
		return report, err
	}

	return report, nil
}

// recordCheck 核对结果落 sync_check 流水。
// 非资金变动条目，before == after 恒等于账本总额，偏差记在 Amount。
func (s *SyncService) recordCheck(ctx context.Context, report *SyncReport) error {
	remark := "synchronized"
	if report.OracleError != "" {
		remark = "oracle failure: " + report.OracleError
	} else if !report.Synchronized {
		remark = "drift: vault=" + report.VaultBalance.String()
	}
	if len(remark) > 255 {
		remark = remark[:255]
	}

	entry := &model.AuditLog{
		Wallet:        model.SystemWallet,
		OperationType: model.OpSyncCheck,
		Amount:        report.Drift,
		BalanceBefore: report.LedgerTotal,
		BalanceAfter:  report.LedgerTotal,
		ReferenceID:   report.CheckID,
		Remark:        remark,
	}

	return s.retry.Do(ctx, "sync.record_check", func(ctx context.Context) error {
		if err := s.auditRepo.Create(ctx, entry); err != nil {
			if repository.IsTransient(err) {
				return errors.WrapWithCause(errors.ErrStoreUnavailable, err, "record sync check")
			}
			return err
		}
		return nil
	})
}

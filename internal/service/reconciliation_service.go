package service

import (
	"context"
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

// defaultReconcileBatchSize 全量对账分页大小缺省值
const defaultReconcileBatchSize = 100

// staleTaskAge 超过该时长仍是 running 的任务视作崩溃遗留，不阻塞新任务
const staleTaskAge = 2 * time.Hour

// ReconciliationService 对账服务。
// 以链上金库余额为准修正账本，修正动作落 reconciliation 流水，
// 流水单号记操作人，事后可追责。
type ReconciliationService struct {
	balanceRepo repository.BalanceRepository
	auditRepo   repository.AuditRepository
	outboxRepo  *repository.OutboxRepository
	reconRepo   *repository.ReconciliationRepository
	oracle      ChainOracle
	retry       *retry.Policy
	batchSize   int
}

// NewReconciliationService 创建对账服务
func NewReconciliationService(
	balanceRepo repository.BalanceRepository,
	auditRepo repository.AuditRepository,
	outboxRepo *repository.OutboxRepository,
	reconRepo *repository.ReconciliationRepository,
	oracle ChainOracle,
	retryPolicy *retry.Policy,
	batchSize int,
) *ReconciliationService {
	if retryPolicy == nil {
		retryPolicy = retry.DefaultPolicy()
	}
	if batchSize <= 0 {
		batchSize = defaultReconcileBatchSize
	}
	return &ReconciliationService{
		balanceRepo: balanceRepo,
		auditRepo:   auditRepo,
		outboxRepo:  outboxRepo,
		reconRepo:   reconRepo,
		oracle:      oracle,
		retry:       retryPolicy,
		batchSize:   batchSize,
	}
}

// ReconcileUser 以链上余额覆写单个地址的账本余额。
// 无论是否有偏差都落一条 reconciliation 流水，Amount = 链上 - 账本。
func (s *ReconciliationService) ReconcileUser(ctx context.Context, wallet, adminID string) (*model.ReconciliationAdjustment, error) {
	if !common.IsHexAddress(wallet) {
		return nil, errors.ErrInvalidAddress.WithMessagef("invalid wallet address: %s", wallet)
	}
	if adminID == "" {
		return nil, errors.ErrInvalidReference.WithMessage("admin id is required")
	}

	var chainBalance decimal.Decimal
	err := s.retry.Do(ctx, "reconcile.user_balance", func(ctx context.Context) error {
		var err error
		chainBalance, err = s.oracle.UserBalance(ctx, wallet)
		return err
	})
	if err != nil {
		return nil, err
	}

	adj := &model.ReconciliationAdjustment{
		Wallet:       wallet,
		ChainBalance: chainBalance,
	}

	err = s.retry.Do(ctx, "reconcile.apply", func(ctx context.Context) error {
		return mapStoreErr(s.applyAdjustment(ctx, adj, adminID))
	})
	if err != nil {
		return nil, err
	}

	logger.Info("wallet reconciled",
		"wallet", wallet,
		"admin_id", adminID,
		"ledger_balance", adj.LedgerBalance.String(),
		"chain_balance", chainBalance.String(),
		"delta", adj.Delta.String())

	return adj, nil
}

// applyAdjustment 单地址修正事务: 覆写余额 + 落流水
func (s *ReconciliationService) applyAdjustment(ctx context.Context, adj *model.ReconciliationAdjustment, adminID string) error {
	return s.balanceRepo.Transaction(ctx, func(txCtx context.Context) error {
		if _, err := s.balanceRepo.GetOrCreate(txCtx, adj.Wallet); err != nil {
			return err
		}

		balance, err := s.balanceRepo.GetByWalletForUpdate(txCtx, adj.Wallet)
		if err != nil {
			return err
		}

		adj.LedgerBalance = balance.Balance
		adj.Delta = adj.ChainBalance.Sub(balance.Balance)
		adj.Applied = true

		if err := s.balanceRepo.SetBalance(txCtx, adj.Wallet, adj.ChainBalance); err != nil {
			return err
		}

		entry := &model.AuditLog{
			Wallet:        adj.Wallet,
			OperationType: model.OpReconciliation,
			Amount:        adj.Delta,
			BalanceBefore: adj.LedgerBalance,
			BalanceAfter:  adj.ChainBalance,
			ReferenceID:   adminID,
		}
		return s.auditRepo.Create(txCtx, entry)
	})
}

// ReconcileAll 全量对账。
// dryRun 只记录偏差不改账，单个地址失败跳过继续，失败数记入任务结果。
// 同一时间只允许一个全量任务在跑。
func (s *ReconciliationService) ReconcileAll(ctx context.Context, adminID string, dryRun bool) (*model.ReconciliationTask, error) {
	if adminID == "" {
		return nil, errors.ErrInvalidReference.WithMessage("admin id is required")
	}

	running, err := s.reconRepo.HasRunningTask(ctx, staleTaskAge)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if running {
		return nil, errors.ErrReconcileRunning
	}

	task := &model.ReconciliationTask{
		TaskID:  uuid.New().String(),
		AdminID: adminID,
		DryRun:  dryRun,
		Status:  model.ReconciliationStatusRunning,
	}
	if err := s.reconRepo.CreateTask(ctx, task); err != nil {
		return nil, mapStoreErr(err)
	}

	logger.Info("full reconciliation started",
		"task_id", task.TaskID,
		"admin_id", adminID,
		"dry_run", dryRun)

	totalDrift := decimal.Zero

	offset := 0
	for {
		balances, err := s.balanceRepo.ListBalances(ctx, offset, s.batchSize)
		if err != nil {
			task.Status = model.ReconciliationStatusFailed
			task.FinishedAt = time.Now().UnixMilli()
			task.TotalDrift = totalDrift
			s.finishTask(ctx, task)
			return task, mapStoreErr(err)
		}
		if len(balances) == 0 {
			break
		}

		for _, b := range balances {
			if ctx.Err() != nil {
				task.Status = model.ReconciliationStatusFailed
				task.FinishedAt = time.Now().UnixMilli()
				task.TotalDrift = totalDrift
				s.finishTask(ctx, task)
				return task, ctx.Err()
			}

			task.CheckedCount++
			adj := s.reconcileOne(ctx, task, b, adminID, dryRun)
			if adj.Error != "" {
				task.FailedCount++
			} else if adj.HasDrift() {
				task.AdjustedCount++
				totalDrift = totalDrift.Add(adj.Delta.Abs())
			}
		}

		offset += len(balances)
	}

	task.Status = model.ReconciliationStatusCompleted
	task.FinishedAt = time.Now().UnixMilli()
	task.TotalDrift = totalDrift
	s.finishTask(ctx, task)

	logger.Info("full reconciliation finished",
		"task_id", task.TaskID,
		"checked", task.CheckedCount,
		"adjusted", task.AdjustedCount,
		"failed", task.FailedCount,
		"total_drift", totalDrift.String())

	return task, nil
}

// reconcileOne 对账单个地址，失败不中断全量任务
func (s *ReconciliationService) reconcileOne(ctx context.Context, task *model.ReconciliationTask, b *model.HouseBalance, adminID string, dryRun bool) *model.ReconciliationAdjustment {
	adj := &model.ReconciliationAdjustment{
		TaskID:        task.TaskID,
		Wallet:        b.Wallet,
		LedgerBalance: b.Balance,
	}

	var chainBalance decimal.Decimal
	err := s.retry.Do(ctx, "reconcile.user_balance", func(ctx context.Context) error {
		var err error
		chainBalance, err = s.oracle.UserBalance(ctx, b.Wallet)
		return err
	})
	if err != nil {
		adj.Error = err.Error()
		logger.Warn("reconcile skip wallet after oracle failure",
			"task_id", task.TaskID,
			"wallet", b.Wallet,
			"error", err)
		s.saveAdjustment(ctx, adj)
		return adj
	}

	adj.ChainBalance = chainBalance
	adj.Delta = chainBalance.Sub(b.Balance)

	if adj.HasDrift() && !dryRun {
		err = s.retry.Do(ctx, "reconcile.apply", func(ctx context.Context) error {
			a := &model.ReconciliationAdjustment{Wallet: b.Wallet, ChainBalance: chainBalance}
			if err := mapStoreErr(s.applyAdjustment(ctx, a, adminID)); err != nil {
				return err
			}
			// 行锁下读到的才是准确的修正前余额
			adj.LedgerBalance = a.LedgerBalance
			adj.Delta = a.Delta
			return nil
		})
		if err != nil {
			adj.Error = err.Error()
			logger.Error("reconcile adjustment failed",
				"task_id", task.TaskID,
				"wallet", b.Wallet,
				"error", err)
			s.saveAdjustment(ctx, adj)
			return adj
		}
		adj.Applied = true
	}

	s.saveAdjustment(ctx, adj)
	return adj
}

func (s *ReconciliationService) saveAdjustment(ctx context.Context, adj *model.ReconciliationAdjustment) {
	if err := s.reconRepo.CreateAdjustment(ctx, adj); err != nil {
		logger.Error("failed to persist reconciliation adjustment",
			"task_id", adj.TaskID,
			"wallet", adj.Wallet,
			"error", err)
	}
}

// finishTask 更新任务终态并发布对账报告。
// 任务可能因 ctx 取消而终止，终态写入脱离原 ctx 的取消信号，
// 避免任务永远停留在 running
func (s *ReconciliationService) finishTask(ctx context.Context, task *model.ReconciliationTask) {
	ctx = context.WithoutCancel(ctx)

	metrics.ReconcileTasksTotal.WithLabelValues(string(task.Status)).Inc()
	metrics.ReconcileAdjustmentsTotal.Add(float64(task.AdjustedCount))

	if err := s.reconRepo.UpdateTask(ctx, task); err != nil {
		logger.Error("failed to update reconciliation task",
			"task_id", task.TaskID,
			"error", err)
	}

	msg := &model.OutboxMessage{
		MessageID:     uuid.New().String(),
		Topic:         model.TopicReconcileReport,
		PartitionKey:  task.TaskID,
		AggregateType: model.AggregateTypeReconcile,
		AggregateID:   task.TaskID,
		Status:        model.OutboxStatusPending,
		MaxRetries:    5,
	}
	err := msg.SetPayload(&model.ReconcileReportPayload{
		TaskID:        task.TaskID,
		AdminID:       task.AdminID,
		DryRun:        task.DryRun,
		CheckedCount:  task.CheckedCount,
		AdjustedCount: task.AdjustedCount,
		FailedCount:   task.FailedCount,
		TotalDrift:    task.TotalDrift.String(),
	})
	if err != nil {
		logger.Error("failed to encode reconcile report", "task_id", task.TaskID, "error", err)
		return
	}
	if err := s.outboxRepo.Create(ctx, msg); err != nil {
		logger.Error("failed to enqueue reconcile report", "task_id", task.TaskID, "error", err)
	}
}

// GetTask 查询对账任务
func (s *ReconciliationService) GetTask(ctx context.Context, taskID string) (*model.ReconciliationTask, error) {
	task, err := s.reconRepo.GetTask(ctx, taskID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return task, nil
}

// ListAdjustments 查询任务的修正明细
func (s *ReconciliationService) ListAdjustments(ctx context.Context, taskID string, page *repository.Pagination) ([]*model.ReconciliationAdjustment, error) {
	adjs, err := s.reconRepo.ListAdjustments(ctx, taskID, page)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return adjs, nil
}

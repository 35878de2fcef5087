// Package jobs 定义周期性运行的后台任务
package jobs

import (
	"context"

	"github.com/helix-games/helix-ledger/internal/scheduler"
	"github.com/helix-games/helix-ledger/internal/service"
)

// reconcileJobOperator 定时任务写审计时使用的操作者标识
const reconcileJobOperator = "scheduler"

// SyncCheckJob 定时核对账本总额与链上金库余额
type SyncCheckJob struct {
	scheduler.BaseJob
	sync *service.SyncService
}

func NewSyncCheckJob(sync *service.SyncService) *SyncCheckJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameSyncCheck]
	return &SyncCheckJob{
		BaseJob: scheduler.NewBaseJob(scheduler.JobNameSyncCheck, cfg.Timeout, cfg.LockTTL),
		sync:    sync,
	}
}

func (j *SyncCheckJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	report, err := j.sync.CheckSync(ctx)
	if err != nil {
		return nil, err
	}

	result := &scheduler.JobResult{
		ProcessedCount: 1,
		Details: map[string]interface{}{
			"check_id":     report.CheckID,
			"ledger_total": report.LedgerTotal.String(),
			"synchronized": report.Synchronized,
		},
	}
	if report.OracleError != "" {
		result.ErrorCount = 1
		result.Details["oracle_error"] = report.OracleError
	} else {
		result.Details["drift"] = report.Drift.String()
	}
	return result, nil
}

// ReconciliationJob 每日全量 dry-run 对账，发现偏差记录但不修正
// 修正要由管理员审查后手动触发
type ReconciliationJob struct {
	scheduler.BaseJob
	recon *service.ReconciliationService
}

func NewReconciliationJob(recon *service.ReconciliationService) *ReconciliationJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameReconciliation]
	return &ReconciliationJob{
		BaseJob: scheduler.NewBaseJob(scheduler.JobNameReconciliation, cfg.Timeout, cfg.LockTTL),
		recon:   recon,
	}
}

func (j *ReconciliationJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	task, err := j.recon.ReconcileAll(ctx, reconcileJobOperator, true)
	if err != nil {
		return nil, err
	}

	return &scheduler.JobResult{
		ProcessedCount: task.CheckedCount,
		AffectedCount:  task.AdjustedCount,
		ErrorCount:     task.FailedCount,
		Details: map[string]interface{}{
			"task_id": task.TaskID,
			"status":  string(task.Status),
			"dry_run": true,
		},
	}, nil
}

var _ scheduler.Job = (*SyncCheckJob)(nil)
var _ scheduler.Job = (*ReconciliationJob)(nil)

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/helix-games/helix-ledger/internal/metrics"
	"github.com/helix-games/helix-ledger/internal/service"
	"github.com/helix-games/helix-ledger/pkg/alert"
	"github.com/helix-games/helix-ledger/pkg/logger"
)

const (
	syncLockKey = "helix:ledger:sync:lock"
	syncLockTTL = 30 * time.Second
)

// SyncWorkerConfig 账链核对调度配置
type SyncWorkerConfig struct {
	CheckInterval time.Duration // 核对周期
	InstanceID    string        // 实例标识，写入分布式锁
}

// SyncChecker 核对执行接口，由 service.SyncService 实现
type SyncChecker interface {
	CheckSync(ctx context.Context) (*service.SyncReport, error)
}

// SyncWorker 周期性执行账本与链上金库的余额核对
// 多实例部署时通过 Redis 锁保证同一时刻只有一个实例在核对
type SyncWorker struct {
	checker SyncChecker
	rdb     *redis.Client
	alerter alert.Alerter
	cfg     SyncWorkerConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewSyncWorker(checker SyncChecker, rdb *redis.Client, alerter alert.Alerter, cfg SyncWorkerConfig) *SyncWorker {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = fmt.Sprintf("sync-worker-%d", time.Now().UnixNano())
	}
	if alerter == nil {
		alerter = alert.NewAlerter(nil)
	}
	return &SyncWorker{
		checker: checker,
		rdb:     rdb,
		alerter: alerter,
		cfg:     cfg,
	}
}

// Start 启动核对循环，重复启动返回错误
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("sync worker already running")
	}

	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	go w.checkLoop(ctx)

	logger.Info("sync worker started",
		"check_interval", w.cfg.CheckInterval,
		"instance_id", w.cfg.InstanceID)
	return nil
}

// Stop 停止并等待循环退出
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("sync worker not running")
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	<-w.doneCh
	logger.Info("sync worker stopped")
	return nil
}

// IsRunning 返回是否在运行
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *SyncWorker) checkLoop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	// 启动后先跑一次，不等第一个周期
	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce 抢锁后执行一次核对，没抢到说明别的实例在跑
func (w *SyncWorker) runOnce(ctx context.Context) {
	acquired, err := w.rdb.SetNX(ctx, syncLockKey, w.cfg.InstanceID, syncLockTTL).Result()
	if err != nil {
		logger.Error("acquire sync lock failed", "error", err)
		return
	}
	if !acquired {
		logger.Debug("sync lock held by another instance, skipping")
		return
	}
	defer w.releaseLock(ctx)

	start := time.Now()
	report, err := w.checker.CheckSync(ctx)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		logger.Error("sync check failed", "error", err)
		metrics.RecordSyncCheck("oracle_failure", 0, elapsed)
		return
	}

	drift, _ := report.Drift.Float64()
	ledgerTotal, _ := report.LedgerTotal.Float64()
	metrics.LedgerTotalGauge.Set(ledgerTotal)

	switch {
	case report.OracleError != "":
		metrics.RecordSyncCheck("oracle_failure", 0, elapsed)
		w.alerter.SendAsync(ctx, &alert.Alert{
			Title:    "vault oracle unreachable",
			Message:  fmt.Sprintf("链上金库余额查询失败: %s", report.OracleError),
			Severity: alert.SeverityWarning,
			Source:   "sync-worker",
			Tags: map[string]string{
				"check_id": report.CheckID,
			},
			Timestamp: time.Now(),
		})
	case !report.Synchronized:
		metrics.RecordSyncCheck("drift", drift, elapsed)
		logger.Error("ledger out of sync with vault",
			"check_id", report.CheckID,
			"ledger_total", report.LedgerTotal.String(),
			"vault_balance", report.VaultBalance.String(),
			"drift", report.Drift.String())
		w.alerter.SendAsync(ctx, &alert.Alert{
			Title:    "ledger/vault balance drift detected",
			Message:  fmt.Sprintf("账本总额 %s 与金库余额 %s 偏差 %s，需要人工对账", report.LedgerTotal, report.VaultBalance, report.Drift),
			Severity: alert.SeverityCritical,
			Source:   "sync-worker",
			Tags: map[string]string{
				"check_id":      report.CheckID,
				"ledger_total":  report.LedgerTotal.String(),
				"vault_balance": report.VaultBalance.String(),
				"drift":         report.Drift.String(),
			},
			Timestamp: time.Now(),
		})
	default:
		metrics.RecordSyncCheck("synchronized", drift, elapsed)
		logger.Debug("ledger synchronized with vault",
			"check_id", report.CheckID,
			"ledger_total", report.LedgerTotal.String())
	}
}

func (w *SyncWorker) releaseLock(ctx context.Context) {
	// 只释放自己持有的锁，避免误删别人刚抢到的
	val, err := w.rdb.Get(ctx, syncLockKey).Result()
	if err != nil {
		return
	}
	if val == w.cfg.InstanceID {
		w.rdb.Del(ctx, syncLockKey)
	}
}

package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-games/helix-ledger/internal/service"
	"github.com/helix-games/helix-ledger/pkg/alert"
)

type stubSyncChecker struct {
	mu     sync.Mutex
	report *service.SyncReport
	err    error
	calls  int
}

func (s *stubSyncChecker) CheckSync(ctx context.Context) (*service.SyncReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.report, s.err
}

func (s *stubSyncChecker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type capturingAlerter struct {
	mu     sync.Mutex
	alerts []*alert.Alert
}

func (c *capturingAlerter) Send(ctx context.Context, a *alert.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *capturingAlerter) SendAsync(ctx context.Context, a *alert.Alert) {
	_ = c.Send(ctx, a)
}

func (c *capturingAlerter) captured() []*alert.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*alert.Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

func newTestSyncWorker(t *testing.T, checker SyncChecker, alerter alert.Alerter) (*SyncWorker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	w := NewSyncWorker(checker, rdb, alerter, SyncWorkerConfig{
		CheckInterval: time.Hour, // 测试中手动触发 runOnce
		InstanceID:    "test-instance",
	})
	return w, rdb
}

func TestSyncWorker_LockKey(t *testing.T) {
	assert.Equal(t, "helix:ledger:sync:lock", syncLockKey)
	assert.Equal(t, 30*time.Second, syncLockTTL)
}

func TestSyncWorker_RunOnce_Synchronized(t *testing.T) {
	checker := &stubSyncChecker{
		report: &service.SyncReport{
			CheckID:      "check-1",
			LedgerTotal:  decimal.NewFromFloat(100),
			VaultBalance: decimal.NewFromFloat(100),
			Drift:        decimal.Zero,
			Synchronized: true,
		},
	}
	alerter := &capturingAlerter{}
	w, rdb := newTestSyncWorker(t, checker, alerter)

	ctx := context.Background()
	w.runOnce(ctx)

	assert.Equal(t, 1, checker.callCount())
	assert.Empty(t, alerter.captured())

	// 锁用完即还
	exists, err := rdb.Exists(ctx, syncLockKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestSyncWorker_RunOnce_DriftTriggersCriticalAlert(t *testing.T) {
	checker := &stubSyncChecker{
		report: &service.SyncReport{
			CheckID:      "check-2",
			LedgerTotal:  decimal.NewFromFloat(100),
			VaultBalance: decimal.NewFromFloat(100.01),
			Drift:        decimal.NewFromFloat(0.01),
			Synchronized: false,
		},
	}
	alerter := &capturingAlerter{}
	w, _ := newTestSyncWorker(t, checker, alerter)

	w.runOnce(context.Background())

	alerts := alerter.captured()
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "check-2", alerts[0].Tags["check_id"])
	assert.Equal(t, "0.01", alerts[0].Tags["drift"])
}

func TestSyncWorker_RunOnce_OracleFailureTriggersWarning(t *testing.T) {
	checker := &stubSyncChecker{
		report: &service.SyncReport{
			CheckID:      "check-3",
			LedgerTotal:  decimal.NewFromFloat(50),
			Synchronized: false,
			OracleError:  "rpc timeout",
		},
	}
	alerter := &capturingAlerter{}
	w, _ := newTestSyncWorker(t, checker, alerter)

	w.runOnce(context.Background())

	alerts := alerter.captured()
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.SeverityWarning, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "rpc timeout")
}

func TestSyncWorker_RunOnce_LockHeldByAnotherInstance(t *testing.T) {
	checker := &stubSyncChecker{
		report: &service.SyncReport{Synchronized: true},
	}
	w, rdb := newTestSyncWorker(t, checker, &capturingAlerter{})

	ctx := context.Background()
	require.NoError(t, rdb.SetNX(ctx, syncLockKey, "other-instance", syncLockTTL).Err())

	w.runOnce(ctx)

	// 没抢到锁就不核对
	assert.Equal(t, 0, checker.callCount())

	// 别人的锁不能被释放
	val, err := rdb.Get(ctx, syncLockKey).Result()
	require.NoError(t, err)
	assert.Equal(t, "other-instance", val)
}

func TestSyncWorker_StartStop(t *testing.T) {
	checker := &stubSyncChecker{
		report: &service.SyncReport{Synchronized: true},
	}
	w, _ := newTestSyncWorker(t, checker, &capturingAlerter{})

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	assert.True(t, w.IsRunning())

	// 重复启动报错
	assert.Error(t, w.Start(ctx))

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())

	// 重复停止报错
	assert.Error(t, w.Stop())

	// 启动时会立即核对一次
	assert.GreaterOrEqual(t, checker.callCount(), 1)
}

func TestSyncWorker_RestartAfterStop(t *testing.T) {
	checker := &stubSyncChecker{
		report: &service.SyncReport{Synchronized: true},
	}
	w, _ := newTestSyncWorker(t, checker, &capturingAlerter{})

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Start(ctx))
	assert.True(t, w.IsRunning())
	require.NoError(t, w.Stop())
}

func TestDefaultOutboxRelayConfig(t *testing.T) {
	cfg := DefaultOutboxRelayConfig()

	assert.Equal(t, 100*time.Millisecond, cfg.RelayInterval)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, time.Hour, cfg.CleanupInterval)
	assert.Equal(t, 24*time.Hour, cfg.Retention)
	assert.Equal(t, 5*time.Minute, cfg.RecoveryInterval)
	assert.Equal(t, 5*time.Minute, cfg.StaleThreshold)
}

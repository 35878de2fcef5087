// Package metrics 提供 helix-ledger 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "helix_ledger"

// 账本指标
var (
	// LedgerOpsTotal 资金操作总数
	LedgerOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_ops_total",
			Help:      "资金操作总数",
		},
		[]string{"op", "status"}, // op: deposit/withdrawal/bet_placed/bet_won/bet_lost, status: success/failed
	)

	// LedgerOpDuration 资金操作耗时
	LedgerOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_op_duration_seconds",
			Help:      "资金操作耗时(秒)",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"op"},
	)

	// LedgerTotalGauge 账本总额
	LedgerTotalGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_total",
			Help:      "账本总额 (全部地址余额之和)",
		},
	)
)

// 账链核对指标
var (
	// SyncChecksTotal 核对总数
	SyncChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_checks_total",
			Help:      "账链核对总数",
		},
		[]string{"result"}, // synchronized/drift/oracle_failure
	)

	// SyncCheckDuration 核对耗时
	SyncCheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_check_duration_seconds",
			Help:      "账链核对耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// SyncDriftGauge 最近一次核对的账链偏差
	SyncDriftGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_drift",
			Help:      "最近一次核对的账链偏差 (vault - ledger)",
		},
	)
)

// 对账指标
var (
	// ReconcileTasksTotal 对账任务总数
	ReconcileTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_tasks_total",
			Help:      "对账任务总数",
		},
		[]string{"status"}, // completed/failed
	)

	// ReconcileAdjustmentsTotal 对账修正总数
	ReconcileAdjustmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_adjustments_total",
			Help:      "对账修正的账户数",
		},
	)
)

// 事件入账指标
var (
	// VaultEventsTotal 金库事件总数
	VaultEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vault_events_total",
			Help:      "金库事件处理总数",
		},
		[]string{"kind", "result"}, // kind: deposit/withdrawal/bet_settled, result: applied/duplicate/rejected
	)

	// IndexerBlockGauge 索引服务已扫描区块
	IndexerBlockGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "indexer_current_block",
			Help:      "索引服务已扫描到的区块号",
		},
	)
)

// Outbox 指标
var (
	// OutboxBacklogGauge 待投递消息数
	OutboxBacklogGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_backlog",
			Help:      "outbox 待投递消息数",
		},
	)

	// OutboxFailedGauge 投递失败消息数
	OutboxFailedGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_failed",
			Help:      "outbox 投递失败消息数",
		},
	)

	// OutboxRelayedTotal 已投递消息总数
	OutboxRelayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_relayed_total",
			Help:      "outbox 投递总数",
		},
		[]string{"status"}, // sent/failed
	)
)

// RecordLedgerOp 记录一次资金操作
func RecordLedgerOp(op string, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	LedgerOpsTotal.WithLabelValues(op, status).Inc()
}

// RecordSyncCheck 记录一次账链核对结果
func RecordSyncCheck(result string, drift float64, seconds float64) {
	SyncChecksTotal.WithLabelValues(result).Inc()
	SyncDriftGauge.Set(drift)
	SyncCheckDuration.Observe(seconds)
}

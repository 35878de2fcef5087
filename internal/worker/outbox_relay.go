package worker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/helix-games/helix-ledger/internal/metrics"
	"github.com/helix-games/helix-ledger/internal/repository"
	"github.com/helix-games/helix-ledger/pkg/alert"
	"github.com/helix-games/helix-ledger/pkg/logger"
)

// MessageSender 消息投递接口，由 kafka.Producer 实现
type MessageSender interface {
	Send(topic, key string, value []byte) error
}

// OutboxRelayConfig outbox 投递配置
type OutboxRelayConfig struct {
	RelayInterval    time.Duration // 投递轮询间隔
	BatchSize        int           // 每批投递条数
	CleanupInterval  time.Duration // 历史消息清理间隔
	Retention        time.Duration // 已发送消息保留时长
	RecoveryInterval time.Duration // 卡住消息恢复间隔
	StaleThreshold   time.Duration // processing 超过该时长视为卡住
	AlertThreshold   int64         // failed 消息数超过该值时告警
}

// DefaultOutboxRelayConfig 默认配置
func DefaultOutboxRelayConfig() OutboxRelayConfig {
	return OutboxRelayConfig{
		RelayInterval:    100 * time.Millisecond,
		BatchSize:        100,
		CleanupInterval:  time.Hour,
		Retention:        24 * time.Hour,
		RecoveryInterval: 5 * time.Minute,
		StaleThreshold:   5 * time.Minute,
		AlertThreshold:   10,
	}
}

// OutboxRelay 轮询 outbox 表并把消息投递到 Kafka
// 事务内落库加异步投递，保证业务变更与消息发布的原子性
type OutboxRelay struct {
	repo    *repository.OutboxRepository
	sender  MessageSender
	alerter alert.Alerter
	cfg     OutboxRelayConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewOutboxRelay(repo *repository.OutboxRepository, sender MessageSender, alerter alert.Alerter, cfg OutboxRelayConfig) *OutboxRelay {
	if cfg.RelayInterval <= 0 {
		cfg.RelayInterval = 100 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = 5 * time.Minute
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 5 * time.Minute
	}
	if alerter == nil {
		alerter = alert.NewAlerter(nil)
	}
	return &OutboxRelay{
		repo:    repo,
		sender:  sender,
		alerter: alerter,
		cfg:     cfg,
	}
}

// Start 启动投递、清理与恢复三个循环
func (r *OutboxRelay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(3)
	go r.relayLoop(ctx)
	go r.cleanupLoop(ctx)
	go r.recoveryLoop(ctx)

	logger.Info("outbox relay started",
		"relay_interval", r.cfg.RelayInterval,
		"batch_size", r.cfg.BatchSize)
	return nil
}

// Stop 停止并等待所有循环退出
func (r *OutboxRelay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	logger.Info("outbox relay stopped")
}

// IsRunning 返回是否在运行
func (r *OutboxRelay) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *OutboxRelay) relayLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.RelayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.processBatch(ctx); err != nil {
				logger.Error("outbox batch processing failed", "error", err)
			}
		}
	}
}

// processBatch 认领一批 pending 消息并逐条投递
func (r *OutboxRelay) processBatch(ctx context.Context) error {
	msgs, err := r.repo.FetchAndClaim(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	for _, msg := range msgs {
		if err := r.sender.Send(msg.Topic, msg.PartitionKey, msg.Payload); err != nil {
			logger.Error("outbox message send failed",
				"message_id", msg.MessageID,
				"topic", msg.Topic,
				"retry_count", msg.RetryCount,
				"error", err)
			metrics.OutboxRelayedTotal.WithLabelValues("failed").Inc()
			if markErr := r.repo.MarkFailed(ctx, msg.ID, err); markErr != nil {
				logger.Error("mark outbox message failed error", "message_id", msg.MessageID, "error", markErr)
			}
			continue
		}

		metrics.OutboxRelayedTotal.WithLabelValues("sent").Inc()
		if err := r.repo.MarkSent(ctx, msg.ID); err != nil {
			// 消息已发出但状态未更新，恢复循环会把它扫回 pending 重发
			// 下游按 message_id 去重
			logger.Error("mark outbox message sent error", "message_id", msg.MessageID, "error", err)
		}
	}

	r.reportBacklog(ctx)
	return nil
}

func (r *OutboxRelay) cleanupLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := time.Now().Add(-r.cfg.Retention).UnixMilli()
			deleted, err := r.repo.CleanSent(ctx, before, 1000)
			if err != nil {
				logger.Error("outbox cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				logger.Info("outbox sent messages cleaned", "deleted", deleted)
			}
		}
	}
}

func (r *OutboxRelay) recoveryLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, err := r.repo.RecoverStaleProcessing(ctx, r.cfg.StaleThreshold)
			if err != nil {
				logger.Error("outbox stale recovery failed", "error", err)
				continue
			}
			if recovered > 0 {
				logger.Warn("stale outbox messages recovered", "count", recovered)
			}
			r.alertFailedMessages(ctx)
		}
	}
}

// reportBacklog 更新积压指标
func (r *OutboxRelay) reportBacklog(ctx context.Context) {
	if pending, err := r.repo.CountPending(ctx); err == nil {
		metrics.OutboxBacklogGauge.Set(float64(pending))
	}
	if failed, err := r.repo.CountFailed(ctx); err == nil {
		metrics.OutboxFailedGauge.Set(float64(failed))
	}
}

// alertFailedMessages failed 消息堆积超过阈值时告警
func (r *OutboxRelay) alertFailedMessages(ctx context.Context) {
	failed, err := r.repo.CountFailed(ctx)
	if err != nil {
		logger.Error("count failed outbox messages error", "error", err)
		return
	}
	metrics.OutboxFailedGauge.Set(float64(failed))

	if failed > r.cfg.AlertThreshold {
		r.alerter.SendAsync(ctx, &alert.Alert{
			Title:    "outbox failed messages accumulating",
			Message:  "outbox 中 failed 消息堆积，需要人工介入排查",
			Severity: alert.SeverityWarning,
			Source:   "outbox-relay",
			Tags: map[string]string{
				"failed_count": strconv.FormatInt(failed, 10),
			},
			Timestamp: time.Now(),
		})
	}
}

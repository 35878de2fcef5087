// Package kafka 提供消息队列的生产者和消费者
//
// 本服务发送的 Topic:
//   - helix.ledger.vault-events      金库链上事件 (Indexer 扫描产出，本服务自己消费入账)
//   - helix.ledger.balance-changed   余额变更通知 (outbox relay 投递，下游风控/运营消费)
//   - helix.ledger.reconcile-report  对账结果报告 (outbox relay 投递)
//   - helix.ledger.event-dlq         无法入账的事件死信 (人工排查)
package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/helix-games/helix-ledger/internal/model"
	"github.com/helix-games/helix-ledger/pkg/logger"
)

// TopicVaultEvents 金库事件 Topic
// Partition Key: tx_hash，同一交易的事件保序
const TopicVaultEvents = "helix.ledger.vault-events"

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}

	return &Producer{
		producer: producer,
	}, nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	return p.producer.Close()
}

// Send 发送消息
func (p *Producer) Send(topic string, key string, value []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errors.New("producer is closed")
	}
	p.mu.RUnlock()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.Error("failed to send kafka message",
			"topic", topic,
			"key", key,
			"error", err)
		return err
	}

	logger.Debug("kafka message sent",
		"topic", topic,
		"key", key,
		"partition", partition,
		"offset", offset)

	return nil
}

// PublishVaultEvent 发送金库事件，信封编码
func (p *Producer) PublishVaultEvent(ctx context.Context, ev model.VaultChainEvent) error {
	data, err := model.EncodeEvent(ev)
	if err != nil {
		return err
	}

	return p.Send(TopicVaultEvents, ev.DedupeKey(), data)
}

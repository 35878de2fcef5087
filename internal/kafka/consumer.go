package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/helix-games/helix-ledger/pkg/logger"
	"github.com/helix-games/helix-ledger/pkg/retry"
)

// EnvelopeHandler 消息处理回调，由 service.EventService 实现
type EnvelopeHandler interface {
	HandleEnvelope(ctx context.Context, raw []byte) error
}

// Consumer 金库事件消费者
type Consumer struct {
	client  sarama.ConsumerGroup
	handler EnvelopeHandler
	retry   *retry.Policy
	topics  []string
	groupID string

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Handler EnvelopeHandler
	Retry   *retry.Policy
}

// NewConsumer 创建消费者
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}

	retryPolicy := cfg.Retry
	if retryPolicy == nil {
		retryPolicy = retry.DefaultPolicy()
	}

	return &Consumer{
		client:  client,
		handler: cfg.Handler,
		retry:   retryPolicy,
		topics:  []string{TopicVaultEvents},
		groupID: cfg.GroupID,
	}, nil
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("consumer already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	handler := &consumerGroupHandler{
		handler: c.handler,
		retry:   c.retry,
	}

	go func() {
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			if err := c.client.Consume(ctx, c.topics, handler); err != nil {
				logger.Error("kafka consume error", "error", err)
				time.Sleep(time.Second)
			}
		}
	}()

	logger.Info("kafka consumer started",
		"topics", c.topics,
		"group_id", c.groupID)

	return nil
}

// Stop 停止消费者
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	close(c.stopCh)
	c.running = false

	return c.client.Close()
}

// consumerGroupHandler 消费组处理器
type consumerGroupHandler struct {
	handler EnvelopeHandler
	retry   *retry.Policy
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ctx := session.Context()

		// 瞬态错误有限重试。重试耗尽不提交位点，让 Kafka 重新投递，
		// 故障窗口超过重试预算时事件不丢;
		// 永久错误由 handler 进死信后返回 nil，位点正常前进
		err := h.retry.Do(ctx, "kafka.handle_vault_event", func(ctx context.Context) error {
			return h.handler.HandleEnvelope(ctx, msg.Value)
		})
		if err != nil {
			logger.Error("failed to handle vault event message, awaiting redelivery",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err)
			return err
		}

		session.MarkMessage(msg, "")
	}
	return nil
}

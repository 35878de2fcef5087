package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-games/helix-ledger/internal/model"
	"github.com/helix-games/helix-ledger/pkg/errors"
	"github.com/helix-games/helix-ledger/pkg/retry"
)

// TestProducerConfig_Fields 测试生产者配置
func TestProducerConfig_Fields(t *testing.T) {
	cfg := &ProducerConfig{
		Brokers:  []string{"localhost:9092"},
		ClientID: "helix-ledger",
	}

	assert.Len(t, cfg.Brokers, 1)
	assert.Equal(t, "helix-ledger", cfg.ClientID)
}

// TestProducer_SendAfterClose 关闭后发送应报错
func TestProducer_SendAfterClose(t *testing.T) {
	p := &Producer{closed: true}

	err := p.Send(TopicVaultEvents, "key", []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "producer is closed")
}

// mockEnvelopeHandler 记录收到的消息
type mockEnvelopeHandler struct {
	received [][]byte
	err      error
}

func (m *mockEnvelopeHandler) HandleEnvelope(ctx context.Context, raw []byte) error {
	m.received = append(m.received, raw)
	return m.err
}

// stubSession 记录位点提交的消费组会话
type stubSession struct {
	marked []*sarama.ConsumerMessage
}

func (s *stubSession) Claims() map[string][]int32               { return nil }
func (s *stubSession) MemberID() string                         { return "test-member" }
func (s *stubSession) GenerationID() int32                      { return 1 }
func (s *stubSession) MarkOffset(string, int32, int64, string)  {}
func (s *stubSession) ResetOffset(string, int32, int64, string) {}
func (s *stubSession) Commit()                                  {}
func (s *stubSession) Context() context.Context                 { return context.Background() }

func (s *stubSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg)
}

// stubClaim 固定消息序列的分区
type stubClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *stubClaim) Topic() string                            { return TopicVaultEvents }
func (c *stubClaim) Partition() int32                         { return 0 }
func (c *stubClaim) InitialOffset() int64                     { return 0 }
func (c *stubClaim) HighWaterMarkOffset() int64               { return 1 }
func (c *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func newStubClaim(values ...[]byte) *stubClaim {
	msgs := make(chan *sarama.ConsumerMessage, len(values))
	for i, v := range values {
		msgs <- &sarama.ConsumerMessage{Topic: TopicVaultEvents, Offset: int64(i), Value: v}
	}
	close(msgs)
	return &stubClaim{msgs: msgs}
}

// TestConsumerGroupHandler_MarksHandledMessage 处理成功后提交位点
func TestConsumerGroupHandler_MarksHandledMessage(t *testing.T) {
	handler := &mockEnvelopeHandler{}
	h := &consumerGroupHandler{
		handler: handler,
		retry:   &retry.Policy{MaxAttempts: 1, InitialBackoff: 0, BackoffFactor: 1},
	}
	session := &stubSession{}

	err := h.ConsumeClaim(session, newStubClaim([]byte("a"), []byte("b")))

	require.NoError(t, err)
	assert.Len(t, handler.received, 2)
	assert.Len(t, session.marked, 2)
}

// TestConsumerGroupHandler_TransientFailureKeepsOffset 重试耗尽不提交位点，
// 等待 Kafka 重新投递
func TestConsumerGroupHandler_TransientFailureKeepsOffset(t *testing.T) {
	handler := &mockEnvelopeHandler{err: errors.ErrStoreUnavailable}
	h := &consumerGroupHandler{
		handler: handler,
		retry:   &retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, BackoffFactor: 1},
	}
	session := &stubSession{}

	err := h.ConsumeClaim(session, newStubClaim([]byte("a")))

	require.Error(t, err)
	assert.Len(t, handler.received, 2)
	assert.Empty(t, session.marked)
}

// TestEnvelopeRoundTrip 生产侧编码可被消费侧解码
func TestEnvelopeRoundTrip(t *testing.T) {
	ev := &model.DepositEvent{
		Wallet:      "0xabcabcabcabcabcabcabcabcabcabcabcabcabca",
		Amount:      decimal.RequireFromString("10"),
		TxHash:      "0x1111111111111111111111111111111111111111111111111111111111111111",
		LogIndex:    3,
		BlockNumber: 42,
	}

	data, err := model.EncodeEvent(ev)
	require.NoError(t, err)

	decoded, err := model.DecodeEvent(data)
	require.NoError(t, err)
	got, ok := decoded.(*model.DepositEvent)
	require.True(t, ok)
	assert.Equal(t, ev.DedupeKey(), got.DedupeKey())
	assert.True(t, got.Amount.Equal(ev.Amount))
}

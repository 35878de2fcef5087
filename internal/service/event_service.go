package service

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/helix-games/helix-ledger/internal/metrics"
	"github.com/helix-games/helix-ledger/internal/model"
	"github.com/helix-games/helix-ledger/internal/repository"
	"github.com/helix-games/helix-ledger/pkg/errors"
	"github.com/helix-games/helix-ledger/pkg/logger"
)

// EventService 金库事件入账服务。
// 事件先以 (tx_hash, log_index) 幂等落库，再按类型派发到账本操作，
// 同一事件重复投递只入账一次。
type EventService struct {
	eventRepo  *repository.VaultEventRepository
	outboxRepo *repository.OutboxRepository
	ledger     LedgerService
}

// NewEventService 创建事件入账服务
func NewEventService(
	eventRepo *repository.VaultEventRepository,
	outboxRepo *repository.OutboxRepository,
	ledger LedgerService,
) *EventService {
	return &EventService{
		eventRepo:  eventRepo,
		outboxRepo: outboxRepo,
		ledger:     ledger,
	}
}

// HandleEnvelope 处理一条信封编码的金库事件。
// 解码失败属于永久错误，进死信后返回 nil 让消费位点前进。
func (s *EventService) HandleEnvelope(ctx context.Context, raw []byte) error {
	ev, err := model.DecodeEvent(raw)
	if err != nil {
		logger.Error("drop undecodable vault event", "error", err)
		return s.parkDeadLetter(ctx, raw, err)
	}
	return s.HandleEvent(ctx, ev)
}

// HandleEvent 幂等入账一条已解码的金库事件。
// 重复投递时只有已入账的事件才跳过: 上一次派发失败的事件记录还停在
// 未处理状态，重投是补账的机会，不能当成重复吞掉
func (s *EventService) HandleEvent(ctx context.Context, ev model.VaultChainEvent) error {
	rec, inserted, err := s.recordEvent(ctx, ev)
	if err != nil {
		return err
	}
	if !inserted {
		if rec.Processed {
			logger.Debug("skip duplicate vault event",
				"kind", string(ev.Kind()),
				"dedupe_key", ev.DedupeKey())
			metrics.VaultEventsTotal.WithLabelValues(string(ev.Kind()), "duplicate").Inc()
			return nil
		}
		logger.Info("resume unprocessed vault event",
			"id", rec.ID,
			"kind", string(ev.Kind()),
			"dedupe_key", ev.DedupeKey())
	}

	if err := s.dispatch(ctx, ev); err != nil {
		// 流水幂等索引命中说明资金变动早已落账，只补处理标记
		if errors.Is(err, errors.ErrDuplicateKey) {
			logger.Warn("vault event already applied to ledger",
				"kind", string(ev.Kind()),
				"dedupe_key", ev.DedupeKey())
			metrics.VaultEventsTotal.WithLabelValues(string(ev.Kind()), "duplicate").Inc()
			return s.eventRepo.MarkProcessed(ctx, rec.ID)
		}
		// 业务拒绝 (金额非法、余额不足) 属于永久错误，标记已处理并告警留痕;
		// 瞬态错误保留未处理状态，等待重放
		if errors.IsRetryable(err) {
			return err
		}
		logger.Error("vault event permanently rejected",
			"kind", string(ev.Kind()),
			"dedupe_key", ev.DedupeKey(),
			"error", err)
		if parkErr := s.parkRejectedEvent(ctx, ev, err); parkErr != nil {
			return parkErr
		}
		metrics.VaultEventsTotal.WithLabelValues(string(ev.Kind()), "rejected").Inc()
		return s.eventRepo.MarkProcessed(ctx, rec.ID)
	}

	metrics.VaultEventsTotal.WithLabelValues(string(ev.Kind()), "applied").Inc()
	return s.eventRepo.MarkProcessed(ctx, rec.ID)
}

// recordEvent 事件落库。inserted 为 false 时返回已存在的记录
func (s *EventService) recordEvent(ctx context.Context, ev model.VaultChainEvent) (*model.VaultEventRecord, bool, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, false, err
	}

	rec := &model.VaultEventRecord{
		Kind:    ev.Kind(),
		Payload: payload,
	}

	switch e := ev.(type) {
	case *model.DepositEvent:
		rec.TxHash, rec.LogIndex, rec.BlockNumber = e.TxHash, e.LogIndex, e.BlockNumber
	case *model.WithdrawalEvent:
		rec.TxHash, rec.LogIndex, rec.BlockNumber = e.TxHash, e.LogIndex, e.BlockNumber
	case *model.BetSettledEvent:
		rec.TxHash, rec.LogIndex, rec.BlockNumber = e.TxHash, e.LogIndex, e.BlockNumber
	}

	inserted, err := s.eventRepo.Insert(ctx, rec)
	if err != nil {
		if repository.IsTransient(err) {
			return nil, false, errors.WrapWithCause(errors.ErrStoreUnavailable, err, "record vault event")
		}
		return nil, false, err
	}
	if inserted {
		return rec, true, nil
	}

	existing, err := s.eventRepo.GetByTxLog(ctx, rec.TxHash, rec.LogIndex)
	if err != nil {
		if repository.IsTransient(err) {
			return nil, false, errors.WrapWithCause(errors.ErrStoreUnavailable, err, "load vault event")
		}
		return nil, false, err
	}
	return existing, false, nil
}

// dispatch 按事件类型调用对应账本操作
func (s *EventService) dispatch(ctx context.Context, ev model.VaultChainEvent) error {
	switch e := ev.(type) {
	case *model.DepositEvent:
		_, err := s.ledger.Deposit(ctx, e.Wallet, e.Amount, e.TxHash)
		return err

	case *model.WithdrawalEvent:
		_, err := s.ledger.Withdraw(ctx, e.Wallet, e.Amount, e.TxHash)
		return err

	case *model.BetSettledEvent:
		if e.Won {
			_, err := s.ledger.CreditPayout(ctx, e.Wallet, e.Payout, e.BetID)
			return err
		}
		_, err := s.ledger.RecordBetLoss(ctx, e.Wallet, e.Stake, e.BetID)
		return err

	default:
		return errors.ErrInvalidRequest.WithMessagef("unhandled event kind: %s", ev.Kind())
	}
}

// ReplayUnprocessed 重放未入账的事件，服务重启后调用
func (s *EventService) ReplayUnprocessed(ctx context.Context, limit int) (int, error) {
	records, err := s.eventRepo.ListUnprocessed(ctx, limit)
	if err != nil {
		return 0, mapStoreErr(err)
	}

	replayed := 0
	for _, rec := range records {
		ev, err := decodeRecord(rec)
		if err != nil {
			logger.Error("skip corrupt vault event record", "id", rec.ID, "error", err)
			continue
		}

		if err := s.dispatch(ctx, ev); err != nil {
			if errors.IsRetryable(err) {
				return replayed, err
			}
			if errors.Is(err, errors.ErrDuplicateKey) {
				logger.Warn("replayed vault event already applied to ledger", "id", rec.ID)
			} else {
				logger.Error("replayed vault event permanently rejected",
					"id", rec.ID,
					"error", err)
			}
		}
		if err := s.eventRepo.MarkProcessed(ctx, rec.ID); err != nil {
			return replayed, mapStoreErr(err)
		}
		replayed++
	}
	return replayed, nil
}

func decodeRecord(rec *model.VaultEventRecord) (model.VaultChainEvent, error) {
	var ev model.VaultChainEvent
	switch rec.Kind {
	case model.EventKindDeposit:
		ev = &model.DepositEvent{}
	case model.EventKindWithdrawal:
		ev = &model.WithdrawalEvent{}
	case model.EventKindBetSettled:
		ev = &model.BetSettledEvent{}
	default:
		return nil, errors.ErrInvalidRequest.WithMessagef("unknown event kind: %s", rec.Kind)
	}
	if err := json.Unmarshal(rec.Payload, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// parkDeadLetter 无法解码的消息进死信 topic
func (s *EventService) parkDeadLetter(ctx context.Context, raw []byte, cause error) error {
	msg := &model.OutboxMessage{
		MessageID:     uuid.New().String(),
		Topic:         model.TopicEventDeadLetter,
		PartitionKey:  "undecodable",
		AggregateType: model.AggregateTypeDeadEvent,
		AggregateID:   uuid.New().String(),
		Status:        model.OutboxStatusPending,
		MaxRetries:    5,
	}
	if err := msg.SetPayload(map[string]string{
		"raw":   string(raw),
		"error": cause.Error(),
	}); err != nil {
		return err
	}
	return s.outboxRepo.Create(ctx, msg)
}

// parkRejectedEvent 业务拒绝的事件进死信 topic，人工排查
func (s *EventService) parkRejectedEvent(ctx context.Context, ev model.VaultChainEvent, cause error) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	msg := &model.OutboxMessage{
		MessageID:     uuid.New().String(),
		Topic:         model.TopicEventDeadLetter,
		PartitionKey:  ev.DedupeKey(),
		AggregateType: model.AggregateTypeDeadEvent,
		AggregateID:   ev.DedupeKey(),
		Status:        model.OutboxStatusPending,
		MaxRetries:    5,
	}
	if err := msg.SetPayload(map[string]string{
		"kind":  string(ev.Kind()),
		"event": string(payload),
		"error": cause.Error(),
	}); err != nil {
		return err
	}
	return s.outboxRepo.Create(ctx, msg)
}

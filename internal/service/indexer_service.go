package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/helix-games/helix-ledger/internal/contract"
	"github.com/helix-games/helix-ledger/internal/metrics"
	"github.com/helix-games/helix-ledger/internal/model"
	"github.com/helix-games/helix-ledger/pkg/logger"
)

var (
	ErrIndexerAlreadyRunning = stderrors.New("indexer already running")
	ErrIndexerNotRunning     = stderrors.New("indexer not running")
)

// ChainReader 索引服务需要的链访问能力
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// VaultEventPublisher 金库事件出口，由 kafka.Producer 实现
type VaultEventPublisher interface {
	PublishVaultEvent(ctx context.Context, ev model.VaultChainEvent) error
}

// IndexerService 金库事件索引服务。
// 轮询扫描金库合约日志，翻译成类型化事件发到消息队列。
// 检查点记在 Redis，重启后从上次扫描位置继续。
type IndexerService struct {
	client    ChainReader
	vault     *contract.EscrowVault
	redis     *redis.Client
	publisher VaultEventPublisher

	chainID          int64
	pollInterval     time.Duration
	batchBlocks      uint64 // 单次扫描的最大区块数
	requiredConfirms uint64 // 落后链头的确认数

	mu           sync.RWMutex
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	currentBlock uint64
}

// IndexerConfig 索引服务配置
type IndexerConfig struct {
	ChainID          int64
	StartBlock       uint64 // 无检查点时的起扫区块
	PollInterval     time.Duration
	BatchBlocks      uint64
	RequiredConfirms uint64
}

// NewIndexerService 创建索引服务
func NewIndexerService(
	client ChainReader,
	vault *contract.EscrowVault,
	rdb *redis.Client,
	publisher VaultEventPublisher,
	cfg *IndexerConfig,
) *IndexerService {
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = time.Second
	}

	batchBlocks := cfg.BatchBlocks
	if batchBlocks == 0 {
		batchBlocks = 100
	}

	return &IndexerService{
		client:           client,
		vault:            vault,
		redis:            rdb,
		publisher:        publisher,
		chainID:          cfg.ChainID,
		pollInterval:     pollInterval,
		batchBlocks:      batchBlocks,
		requiredConfirms: cfg.RequiredConfirms,
		currentBlock:     cfg.StartBlock,
	}
}

func (s *IndexerService) checkpointKey() string {
	return fmt.Sprintf("helix:ledger:indexer:checkpoint:%d", s.chainID)
}

// Start 启动扫描循环
func (s *IndexerService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrIndexerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	startBlock, err := s.loadCheckpoint(ctx)
	if err != nil {
		logger.Warn("failed to load indexer checkpoint, starting from configured block",
			"error", err)
	}

	go s.runLoop(ctx, startBlock)

	logger.Info("vault indexer started",
		"chain_id", s.chainID,
		"start_block", startBlock,
		"poll_interval", s.pollInterval.String())

	return nil
}

// Stop 停止扫描并等待循环退出
func (s *IndexerService) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrIndexerNotRunning
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	logger.Info("vault indexer stopped")
	return nil
}

// IsRunning 返回运行状态
func (s *IndexerService) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// CurrentBlock 已扫描到的区块
func (s *IndexerService) CurrentBlock() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentBlock
}

func (s *IndexerService) loadCheckpoint(ctx context.Context) (uint64, error) {
	val, err := s.redis.Get(ctx, s.checkpointKey()).Uint64()
	if err == redis.Nil {
		return s.currentBlock, nil
	}
	if err != nil {
		return s.currentBlock, err
	}
	return val + 1, nil
}

func (s *IndexerService) saveCheckpoint(ctx context.Context, block uint64) {
	if err := s.redis.Set(ctx, s.checkpointKey(), block, 0).Err(); err != nil {
		logger.Error("failed to save indexer checkpoint",
			"block", block,
			"error", err)
	}
}

func (s *IndexerService) runLoop(ctx context.Context, startBlock uint64) {
	defer close(s.doneCh)

	currentBlock := startBlock
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			latestBlock, err := s.client.BlockNumber(ctx)
			if err != nil {
				logger.Error("failed to get latest block", "error", err)
				continue
			}

			if latestBlock < s.requiredConfirms {
				continue
			}
			safeBlock := latestBlock - s.requiredConfirms

			for currentBlock <= safeBlock {
				select {
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				default:
				}

				toBlock := currentBlock + s.batchBlocks - 1
				if toBlock > safeBlock {
					toBlock = safeBlock
				}

				if err := s.scanRange(ctx, currentBlock, toBlock); err != nil {
					logger.Error("failed to scan block range",
						"from", currentBlock,
						"to", toBlock,
						"error", err)
					break
				}

				s.mu.Lock()
				s.currentBlock = toBlock
				s.mu.Unlock()
				metrics.IndexerBlockGauge.Set(float64(toBlock))
				s.saveCheckpoint(ctx, toBlock)

				currentBlock = toBlock + 1
			}
		}
	}
}

// scanRange 扫描一段区块并发布其中的金库事件
func (s *IndexerService) scanRange(ctx context.Context, fromBlock, toBlock uint64) error {
	logs, err := s.vault.FilterLogs(ctx, fromBlock, toBlock)
	if err != nil {
		return err
	}

	for _, log := range logs {
		ev, err := s.translateLog(log)
		if err != nil {
			logger.Error("skip untranslatable vault log",
				"tx_hash", log.TxHash.Hex(),
				"log_index", log.Index,
				"error", err)
			continue
		}

		if err := s.publisher.PublishVaultEvent(ctx, ev); err != nil {
			// 发布失败中断本轮，检查点不前进，下一轮重扫
			return err
		}

		logger.Debug("vault event published",
			"kind", string(ev.Kind()),
			"tx_hash", log.TxHash.Hex(),
			"log_index", log.Index)
	}

	return nil
}

// translateLog 合约日志翻译成类型化事件
func (s *IndexerService) translateLog(log types.Log) (model.VaultChainEvent, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("log without topics")
	}

	switch log.Topics[0] {
	case s.vault.DepositEventTopic():
		ev, err := s.vault.ParseDeposit(log)
		if err != nil {
			return nil, err
		}
		return &model.DepositEvent{
			Wallet:      ev.User.Hex(),
			Amount:      fromWei(ev.Amount),
			TxHash:      log.TxHash.Hex(),
			LogIndex:    log.Index,
			BlockNumber: log.BlockNumber,
		}, nil

	case s.vault.WithdrawEventTopic():
		ev, err := s.vault.ParseWithdraw(log)
		if err != nil {
			return nil, err
		}
		return &model.WithdrawalEvent{
			Wallet:      ev.User.Hex(),
			Amount:      fromWei(ev.Amount),
			TxHash:      log.TxHash.Hex(),
			LogIndex:    log.Index,
			BlockNumber: log.BlockNumber,
		}, nil

	case s.vault.BetSettledEventTopic():
		ev, err := s.vault.ParseBetSettled(log)
		if err != nil {
			return nil, err
		}
		return &model.BetSettledEvent{
			BetID:       ev.BetID.Hex(),
			Wallet:      ev.User.Hex(),
			Won:         ev.Won,
			Stake:       fromWei(ev.Stake),
			Payout:      fromWei(ev.Payout),
			TxHash:      log.TxHash.Hex(),
			LogIndex:    log.Index,
			BlockNumber: log.BlockNumber,
		}, nil

	default:
		return nil, fmt.Errorf("unknown event topic: %s", log.Topics[0].Hex())
	}
}

func fromWei(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -18)
}

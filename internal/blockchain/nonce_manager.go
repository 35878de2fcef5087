package blockchain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNonceLockFailed  = errors.New("failed to acquire nonce lock")
	ErrNonceNotAcquired = errors.New("nonce not acquired")
)

// nonceSource 链上 nonce 来源，由 *Client 实现
type nonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager 热钱包 Nonce 管理器。
// 使用 Redis 分布式锁分配 Nonce，多实例部署下保证不重复。
type NonceManager struct {
	source      nonceSource
	redis       *redis.Client
	wallet      common.Address
	chainID     int64
	lockTimeout time.Duration

	mu           sync.RWMutex
	lastSyncTime time.Time
	syncInterval time.Duration

	// 已分配未上链的 nonce -> txHash
	pendingMu  sync.RWMutex
	pendingTxs map[uint64]string
}

// NonceManagerConfig 配置
type NonceManagerConfig struct {
	Wallet       common.Address
	ChainID      int64
	LockTimeout  time.Duration
	SyncInterval time.Duration
}

// NewNonceManager 创建 Nonce 管理器
func NewNonceManager(source nonceSource, rdb *redis.Client, cfg *NonceManagerConfig) *NonceManager {
	lockTimeout := cfg.LockTimeout
	if lockTimeout == 0 {
		lockTimeout = 30 * time.Second
	}

	syncInterval := cfg.SyncInterval
	if syncInterval == 0 {
		syncInterval = 5 * time.Minute
	}

	return &NonceManager{
		source:       source,
		redis:        rdb,
		wallet:       cfg.Wallet,
		chainID:      cfg.ChainID,
		lockTimeout:  lockTimeout,
		syncInterval: syncInterval,
		pendingTxs:   make(map[uint64]string),
	}
}

func (m *NonceManager) nonceKey() string {
	return fmt.Sprintf("helix:ledger:nonce:%s:%d", m.wallet.Hex(), m.chainID)
}

func (m *NonceManager) lockKey() string {
	return fmt.Sprintf("helix:ledger:nonce:lock:%s:%d", m.wallet.Hex(), m.chainID)
}

func (m *NonceManager) pendingKey() string {
	return fmt.Sprintf("helix:ledger:nonce:pending:%s:%d", m.wallet.Hex(), m.chainID)
}

// AcquireNonce 获取并锁定一个 Nonce。
// 返回的 nonce 必须通过 ConfirmNonce 或 ReleaseNonce 处理。
func (m *NonceManager) AcquireNonce(ctx context.Context) (uint64, error) {
	lockAcquired, err := m.acquireLock(ctx)
	if err != nil {
		return 0, err
	}
	if !lockAcquired {
		return 0, ErrNonceLockFailed
	}
	defer m.releaseLock(ctx)

	if m.needsSync() {
		if err := m.syncFromChain(ctx); err != nil {
			return 0, err
		}
	}

	nonce, err := m.getCurrentNonce(ctx)
	if err != nil {
		return 0, err
	}

	if err := m.setCurrentNonce(ctx, nonce+1); err != nil {
		return 0, err
	}

	m.pendingMu.Lock()
	m.pendingTxs[nonce] = ""
	m.pendingMu.Unlock()

	return nonce, nil
}

// ConfirmNonce 关联已广播交易的 txHash
func (m *NonceManager) ConfirmNonce(ctx context.Context, nonce uint64, txHash string) error {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	if _, exists := m.pendingTxs[nonce]; !exists {
		return nil
	}

	m.pendingTxs[nonce] = txHash

	return m.redis.ZAdd(ctx, m.pendingKey(), redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: fmt.Sprintf("%d:%s", nonce, txHash),
	}).Err()
}

// ReleaseNonce 释放未广播的 Nonce。
// 注意计数器不回退，空出的槽位由下次链上同步修正。
func (m *NonceManager) ReleaseNonce(ctx context.Context, nonce uint64) error {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	if _, exists := m.pendingTxs[nonce]; !exists {
		return ErrNonceNotAcquired
	}

	delete(m.pendingTxs, nonce)
	return nil
}

// CompleteNonce 交易终态回调，确认或失败都从待确认队列移除
func (m *NonceManager) CompleteNonce(ctx context.Context, nonce uint64, txHash string) error {
	m.pendingMu.Lock()
	delete(m.pendingTxs, nonce)
	m.pendingMu.Unlock()

	return m.redis.ZRem(ctx, m.pendingKey(), fmt.Sprintf("%d:%s", nonce, txHash)).Err()
}

// SyncFromChain 从链上同步 Nonce
func (m *NonceManager) SyncFromChain(ctx context.Context) error {
	lockAcquired, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !lockAcquired {
		return ErrNonceLockFailed
	}
	defer m.releaseLock(ctx)

	return m.syncFromChain(ctx)
}

// syncFromChain 需要已持有锁
func (m *NonceManager) syncFromChain(ctx context.Context) error {
	chainNonce, err := m.source.PendingNonceAt(ctx, m.wallet)
	if err != nil {
		return err
	}

	if err := m.setCurrentNonce(ctx, chainNonce); err != nil {
		return err
	}

	m.mu.Lock()
	m.lastSyncTime = time.Now()
	m.mu.Unlock()

	return nil
}

func (m *NonceManager) acquireLock(ctx context.Context) (bool, error) {
	return m.redis.SetNX(ctx, m.lockKey(), "1", m.lockTimeout).Result()
}

func (m *NonceManager) releaseLock(ctx context.Context) error {
	return m.redis.Del(ctx, m.lockKey()).Err()
}

func (m *NonceManager) getCurrentNonce(ctx context.Context) (uint64, error) {
	val, err := m.redis.Get(ctx, m.nonceKey()).Uint64()
	if err == redis.Nil {
		// 首次使用，从链上取
		return m.source.PendingNonceAt(ctx, m.wallet)
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func (m *NonceManager) setCurrentNonce(ctx context.Context, nonce uint64) error {
	return m.redis.Set(ctx, m.nonceKey(), nonce, 0).Err()
}

func (m *NonceManager) needsSync() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.lastSyncTime) > m.syncInterval
}

// GetPendingCount 已分配未终态的 nonce 数量
func (m *NonceManager) GetPendingCount() int {
	m.pendingMu.RLock()
	defer m.pendingMu.RUnlock()
	return len(m.pendingTxs)
}

// HandleNonceTooLow nonce too low 说明本地计数落后，强制重新同步
func (m *NonceManager) HandleNonceTooLow(ctx context.Context) error {
	return m.SyncFromChain(ctx)
}

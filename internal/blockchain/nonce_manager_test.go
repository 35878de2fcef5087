// Package blockchain Nonce 管理器测试
// 使用 go test -race 运行竞态测试
package blockchain

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockNonceSource 模拟链上 nonce 来源
type mockNonceSource struct {
	mu           sync.RWMutex
	pendingNonce uint64
}

func (m *mockNonceSource) PendingNonceAt(ctx context.Context, wallet common.Address) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingNonce, nil
}

func (m *mockNonceSource) SetPendingNonce(nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingNonce = nonce
}

func setupTestNonceManager(t *testing.T, initialNonce uint64) (*NonceManager, *mockNonceSource, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	source := &mockNonceSource{pendingNonce: initialNonce}

	nm := NewNonceManager(source, rdb, &NonceManagerConfig{
		Wallet:  common.HexToAddress("0x1234567890123456789012345678901234567890"),
		ChainID: 31337,
	})

	cleanup := func() {
		rdb.Close()
		mr.Close()
	}
	return nm, source, cleanup
}

// TestNonceManager_AcquireSequential 顺序获取应该递增
func TestNonceManager_AcquireSequential(t *testing.T) {
	nm, _, cleanup := setupTestNonceManager(t, 100)
	defer cleanup()

	ctx := context.Background()

	for i := uint64(0); i < 5; i++ {
		nonce, err := nm.AcquireNonce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 100+i, nonce)
	}

	assert.Equal(t, 5, nm.GetPendingCount())
}

// TestNonceManager_AcquireConcurrent 并发获取不能出现重复
func TestNonceManager_AcquireConcurrent(t *testing.T) {
	nm, _, cleanup := setupTestNonceManager(t, 0)
	defer cleanup()

	ctx := context.Background()
	const workers = 20

	var mu sync.Mutex
	seen := make(map[uint64]bool)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				nonce, err := nm.AcquireNonce(ctx)
				if err == ErrNonceLockFailed {
					// 锁竞争，重试
					continue
				}
				require.NoError(t, err)

				mu.Lock()
				assert.False(t, seen[nonce], "duplicate nonce %d", nonce)
				seen[nonce] = true
				mu.Unlock()
				return
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers)
}

// TestNonceManager_ConfirmAndComplete 确认后终态回调应清空待确认队列
func TestNonceManager_ConfirmAndComplete(t *testing.T) {
	nm, _, cleanup := setupTestNonceManager(t, 10)
	defer cleanup()

	ctx := context.Background()

	nonce, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)

	txHash := "0xabc123"
	require.NoError(t, nm.ConfirmNonce(ctx, nonce, txHash))
	assert.Equal(t, 1, nm.GetPendingCount())

	require.NoError(t, nm.CompleteNonce(ctx, nonce, txHash))
	assert.Equal(t, 0, nm.GetPendingCount())
}

// TestNonceManager_Release 释放未广播的 nonce
func TestNonceManager_Release(t *testing.T) {
	nm, _, cleanup := setupTestNonceManager(t, 10)
	defer cleanup()

	ctx := context.Background()

	nonce, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)

	require.NoError(t, nm.ReleaseNonce(ctx, nonce))
	assert.Equal(t, 0, nm.GetPendingCount())

	// 重复释放报错
	err = nm.ReleaseNonce(ctx, nonce)
	assert.ErrorIs(t, err, ErrNonceNotAcquired)
}

// TestNonceManager_SyncFromChain 同步后跟随链上 nonce
func TestNonceManager_SyncFromChain(t *testing.T) {
	nm, source, cleanup := setupTestNonceManager(t, 10)
	defer cleanup()

	ctx := context.Background()

	nonce, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), nonce)

	// 链上 nonce 前进 (比如其他服务也在发交易)
	source.SetPendingNonce(50)
	require.NoError(t, nm.SyncFromChain(ctx))

	nonce, err = nm.AcquireNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), nonce)
}

// TestNonceManager_HandleNonceTooLow 报错后重新同步
func TestNonceManager_HandleNonceTooLow(t *testing.T) {
	nm, source, cleanup := setupTestNonceManager(t, 5)
	defer cleanup()

	ctx := context.Background()

	_, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)

	source.SetPendingNonce(42)
	require.NoError(t, nm.HandleNonceTooLow(ctx))

	nonce, err := nm.AcquireNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), nonce)
}

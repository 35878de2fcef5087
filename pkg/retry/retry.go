// Package retry 提供带抖动的指数退避重试
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/helix-games/helix-ledger/pkg/errors"
	"github.com/helix-games/helix-ledger/pkg/logger"
)

// Policy 重试策略
type Policy struct {
	MaxAttempts    int           // 最大尝试次数，含首次
	InitialBackoff time.Duration // 初始退避时间
	MaxBackoff     time.Duration // 最大退避时间
	BackoffFactor  float64       // 退避因子
	JitterFraction float64       // 抖动比例，0~1
}

// DefaultPolicy 返回默认策略
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		JitterFraction: 0.2,
	}
}

// Classifier 判断错误是否值得重试
type Classifier func(err error) bool

// Do 执行 fn，仅对瞬态错误重试
// 非瞬态错误立即返回，重试间隔遵守 ctx 取消
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return p.DoWithClassifier(ctx, op, fn, errors.IsRetryable)
}

// DoWithClassifier 使用自定义分类器执行重试
func (p *Policy) DoWithClassifier(ctx context.Context, op string, fn func(ctx context.Context) error, retryable Classifier) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		backoff := p.backoff(attempt)
		logger.Warn("operation failed, retrying",
			"op", op,
			"attempt", attempt,
			"backoff", backoff,
			"error", lastErr,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// backoff 计算第 attempt 次失败后的退避时间
func (p *Policy) backoff(attempt int) time.Duration {
	backoff := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= p.BackoffFactor
	}
	if max := float64(p.MaxBackoff); p.MaxBackoff > 0 && backoff > max {
		backoff = max
	}
	if p.JitterFraction > 0 {
		// 在 [1-j, 1+j] 区间内随机缩放，避免重试风暴
		jitter := 1 + p.JitterFraction*(2*rand.Float64()-1)
		backoff *= jitter
	}
	return time.Duration(backoff)
}

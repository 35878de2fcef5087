package scheduler

import (
	"context"
	"time"
)

// Job 任务接口
type Job interface {
	// Name 任务名称
	Name() string
	// Execute 执行任务
	Execute(ctx context.Context) (*JobResult, error)
	// Timeout 任务超时时间
	Timeout() time.Duration
	// LockTTL 分布式锁 TTL，为 0 表示不需要锁
	LockTTL() time.Duration
}

// JobResult 任务执行结果
type JobResult struct {
	// ProcessedCount 处理的记录数
	ProcessedCount int
	// AffectedCount 影响的记录数
	AffectedCount int
	// ErrorCount 错误数
	ErrorCount int
	// Details 详细信息
	Details map[string]interface{}
}

// BaseJob 基础任务实现
type BaseJob struct {
	name    string
	timeout time.Duration
	lockTTL time.Duration
}

// NewBaseJob 创建基础任务
func NewBaseJob(name string, timeout, lockTTL time.Duration) BaseJob {
	return BaseJob{
		name:    name,
		timeout: timeout,
		lockTTL: lockTTL,
	}
}

// Name 任务名称
func (j BaseJob) Name() string {
	return j.name
}

// Timeout 任务超时时间
func (j BaseJob) Timeout() time.Duration {
	return j.timeout
}

// LockTTL 锁的 TTL
func (j BaseJob) LockTTL() time.Duration {
	return j.lockTTL
}

// JobNames 任务名称常量
const (
	JobNameSyncCheck      = "sync-check"
	JobNameReconciliation = "reconciliation"
)

// DefaultJobConfigs 默认任务配置
var DefaultJobConfigs = map[string]struct {
	Cron    string
	Timeout time.Duration
	LockTTL time.Duration
}{
	JobNameSyncCheck: {
		Cron:    "0 */1 * * * *", // 每分钟
		Timeout: 50 * time.Second,
		LockTTL: 1 * time.Minute,
	},
	JobNameReconciliation: {
		Cron:    "0 0 3 * * *", // 每日凌晨3点
		Timeout: 10 * time.Minute,
		LockTTL: 15 * time.Minute,
	},
}

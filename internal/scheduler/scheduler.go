package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/helix-games/helix-ledger/pkg/logger"
)

const lockKeyPrefix = "helix:ledger:job:lock:"

// Scheduler 任务调度器
// 每个任务按 cron 表达式触发，需要锁的任务用 Redis SetNX 保证单实例执行
type Scheduler struct {
	cron          *cron.Cron
	rdb           redis.UniversalClient
	jobs          map[string]Job
	jobConfigs    map[string]JobConfig
	mu            sync.RWMutex
	maxConcurrent int
	running       chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
}

// JobConfig 任务配置
type JobConfig struct {
	Cron    string
	Enabled bool
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	MaxConcurrentJobs int
	RedisClient       redis.UniversalClient
}

// NewScheduler 创建调度器
func NewScheduler(cfg *SchedulerConfig) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()), // 支持秒级调度
		rdb:           cfg.RedisClient,
		jobs:          make(map[string]Job),
		jobConfigs:    make(map[string]JobConfig),
		maxConcurrent: maxConcurrent,
		running:       make(chan struct{}, maxConcurrent),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// RegisterJob 注册任务
func (s *Scheduler) RegisterJob(job Job, config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}

	s.jobs[job.Name()] = job
	s.jobConfigs[job.Name()] = config

	if !config.Enabled {
		logger.Info("job registered but disabled", "job", job.Name())
		return nil
	}

	_, err := s.cron.AddFunc(config.Cron, func() {
		s.executeJob(job)
	})
	if err != nil {
		delete(s.jobs, job.Name())
		delete(s.jobConfigs, job.Name())
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	logger.Info("job registered",
		"job", job.Name(),
		"cron", config.Cron)

	return nil
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("scheduler started")
}

// Stop 停止调度器
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info("scheduler stopped")
}

// TriggerJob 手动触发任务
func (s *Scheduler) TriggerJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job %s not found", jobName)
	}

	go s.executeJob(job)
	return nil
}

// executeJob 执行任务
func (s *Scheduler) executeJob(job Job) {
	// 并发上限
	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		logger.Warn("max concurrent jobs reached, skipping", "job", job.Name())
		return
	}

	select {
	case <-s.ctx.Done():
		return
	default:
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout())
	defer cancel()

	if job.LockTTL() > 0 {
		lockKey := lockKeyPrefix + job.Name()
		acquired, err := s.rdb.SetNX(ctx, lockKey, "1", job.LockTTL()).Result()
		if err != nil {
			logger.Error("failed to acquire job lock",
				"job", job.Name(),
				"error", err)
			return
		}
		if !acquired {
			logger.Debug("job is already running on another instance", "job", job.Name())
			return
		}
		defer func() {
			if err := s.rdb.Del(context.Background(), lockKey).Err(); err != nil {
				logger.Error("failed to release job lock",
					"job", job.Name(),
					"error", err)
			}
		}()
	}

	startTime := time.Now()
	logger.Info("starting job", "job", job.Name())

	result, err := job.Execute(ctx)
	duration := time.Since(startTime)

	if err != nil {
		logger.Error("job failed",
			"job", job.Name(),
			"duration", duration,
			"error", err)
		return
	}

	if result != nil {
		logger.Info("job completed",
			"job", job.Name(),
			"duration", duration,
			"processed", result.ProcessedCount,
			"affected", result.AffectedCount,
			"errors", result.ErrorCount)
	} else {
		logger.Info("job completed", "job", job.Name(), "duration", duration)
	}
}

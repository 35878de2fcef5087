// Package app 提供 helix-ledger 服务的应用生命周期管理
//
// 服务职责:
// 1. 场内账本 (Ledger): 充值/提现/下注/派彩的余额变动与审计流水
// 2. 链上索引 (Indexer): 监听托管金库事件，经 Kafka 回灌账本
// 3. 账链核对 (Sync): 周期性比对账本总额与金库余额
// 4. 对账 (Reconciliation): 以链上余额为准修正账本
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/helix-games/helix-ledger/internal/blockchain"
	"github.com/helix-games/helix-ledger/internal/config"
	"github.com/helix-games/helix-ledger/internal/contract"
	"github.com/helix-games/helix-ledger/internal/jobs"
	"github.com/helix-games/helix-ledger/internal/kafka"
	"github.com/helix-games/helix-ledger/internal/model"
	"github.com/helix-games/helix-ledger/internal/repository"
	"github.com/helix-games/helix-ledger/internal/scheduler"
	"github.com/helix-games/helix-ledger/internal/service"
	"github.com/helix-games/helix-ledger/internal/worker"
	"github.com/helix-games/helix-ledger/pkg/alert"
	"github.com/helix-games/helix-ledger/pkg/logger"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db      *gorm.DB
	redis   *redis.Client
	alerter alert.Alerter

	// 区块链
	chainClient  *blockchain.Client
	vault        *contract.EscrowVault
	oracle       *blockchain.Oracle
	nonceManager *blockchain.NonceManager
	submitter    *blockchain.BetSubmitter

	// 仓储
	balanceRepo repository.BalanceRepository
	auditRepo   repository.AuditRepository
	outboxRepo  *repository.OutboxRepository
	reconRepo   *repository.ReconciliationRepository
	eventRepo   *repository.VaultEventRepository

	// 服务
	ledgerSvc  service.LedgerService
	syncSvc    *service.SyncService
	reconSvc   *service.ReconciliationService
	eventSvc   *service.EventService
	betSvc     *service.BetService
	indexerSvc *service.IndexerService

	// Kafka
	kafkaProducer *kafka.Producer
	kafkaConsumer *kafka.Consumer

	// 后台
	outboxRelay *worker.OutboxRelay
	syncWorker  *worker.SyncWorker
	sched       *scheduler.Scheduler

	metricsServer *http.Server

	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(); err != nil {
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initRepositories()
	app.initServices()

	if err := app.initKafka(); err != nil {
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	app.initWorkers()

	if err := app.initScheduler(); err != nil {
		return nil, fmt.Errorf("failed to init scheduler: %w", err)
	}

	return app, nil
}

// AutoMigrate 迁移全部表结构
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.HouseBalance{},
		&model.AuditLog{},
		&model.OutboxMessage{},
		&model.ReconciliationTask{},
		&model.ReconciliationAdjustment{},
		&model.VaultEventRecord{},
	); err != nil {
		return err
	}

	// 资金操作流水按 (operation_type, reference_id) 唯一，
	// 事件重放时由该索引兜底防止重复入账。
	// sync_check / reconciliation 的单号分别是核对 ID 和操作人，不参与幂等
	return db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS uk_audit_mutation_reference
		ON audit_logs (operation_type, reference_id)
		WHERE operation_type IN ('deposit', 'withdrawal', 'bet_placed', 'bet_won', 'bet_lost')`,
	).Error
}

// initInfrastructure 初始化基础设施
func (a *App) initInfrastructure() error {
	// PostgreSQL
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		a.cfg.Postgres.Host,
		a.cfg.Postgres.Port,
		a.cfg.Postgres.User,
		a.cfg.Postgres.Password,
		a.cfg.Postgres.Database,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		// 跨表写都走显式 db.Transaction，单语句不再额外包事务
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected", "host", a.cfg.Postgres.Host)

	if err := AutoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")

	// Redis
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	if err := a.redis.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("redis connected", "addr", a.cfg.Redis.Addr)

	a.alerter = alert.NewAlerter(&a.cfg.Alert)

	return nil
}

// initBlockchain 初始化区块链层
func (a *App) initBlockchain() error {
	client, err := blockchain.NewClient(&blockchain.ClientConfig{
		ChainID:       a.cfg.Blockchain.ChainID,
		PrivateKey:    a.cfg.Blockchain.PrivateKey,
		RPCURLs:       a.cfg.Blockchain.RPCURLs,
		MaxRetries:    a.cfg.Blockchain.MaxRetries,
		RetryInterval: time.Duration(a.cfg.Blockchain.RetryInterval) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.chainClient = client

	vault, err := contract.NewEscrowVault(common.HexToAddress(a.cfg.Blockchain.VaultAddress), client)
	if err != nil {
		return fmt.Errorf("failed to bind vault contract: %w", err)
	}
	a.vault = vault
	a.oracle = blockchain.NewOracle(client, a.vault)

	a.nonceManager = blockchain.NewNonceManager(client, a.redis, &blockchain.NonceManagerConfig{
		Wallet:  client.Address(),
		ChainID: a.cfg.Blockchain.ChainID,
	})

	a.submitter = blockchain.NewBetSubmitter(client, a.vault, a.nonceManager)

	logger.Info("blockchain initialized",
		"chain_id", a.cfg.Blockchain.ChainID,
		"vault", a.cfg.Blockchain.VaultAddress,
		"wallet", client.Address().Hex())

	return nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() {
	a.balanceRepo = repository.NewBalanceRepository(a.db)
	a.auditRepo = repository.NewAuditRepository(a.db)
	a.outboxRepo = repository.NewOutboxRepository(a.db)
	a.reconRepo = repository.NewReconciliationRepository(a.db)
	a.eventRepo = repository.NewVaultEventRepository(a.db)

	logger.Info("repositories initialized")
}

// initServices 初始化服务
func (a *App) initServices() {
	a.ledgerSvc = service.NewLedgerService(a.balanceRepo, a.auditRepo, a.outboxRepo, nil)
	a.syncSvc = service.NewSyncService(a.balanceRepo, a.auditRepo, a.oracle, nil)
	a.reconSvc = service.NewReconciliationService(
		a.balanceRepo, a.auditRepo, a.outboxRepo, a.reconRepo, a.oracle, nil,
		a.cfg.Reconciliation.BatchSize)
	a.eventSvc = service.NewEventService(a.eventRepo, a.outboxRepo, a.ledgerSvc)
	a.betSvc = service.NewBetService(a.ledgerSvc, a.submitter, a.alerter)

	logger.Info("services initialized")
}

// initKafka 初始化 Kafka 与索引服务
func (a *App) initKafka() error {
	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer

	// 索引服务把链上事件发往 Kafka，消费端回灌账本
	a.indexerSvc = service.NewIndexerService(
		a.chainClient,
		a.vault,
		a.redis,
		producer,
		&service.IndexerConfig{
			ChainID:          a.cfg.Blockchain.ChainID,
			StartBlock:       a.cfg.Indexer.StartBlock,
			PollInterval:     time.Duration(a.cfg.Indexer.PollInterval) * time.Second,
			BatchBlocks:      a.cfg.Indexer.BatchBlocks,
			RequiredConfirms: a.cfg.Indexer.RequiredConfirms,
		},
	)

	consumer, err := kafka.NewConsumer(&kafka.ConsumerConfig{
		Brokers: a.cfg.Kafka.Brokers,
		GroupID: a.cfg.Kafka.GroupID,
		Handler: a.eventSvc,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	a.kafkaConsumer = consumer

	logger.Info("kafka initialized", "brokers", a.cfg.Kafka.Brokers)
	return nil
}

// initWorkers 初始化后台 worker
func (a *App) initWorkers() {
	a.outboxRelay = worker.NewOutboxRelay(
		a.outboxRepo, a.kafkaProducer, a.alerter, worker.DefaultOutboxRelayConfig())

	a.syncWorker = worker.NewSyncWorker(a.syncSvc, a.redis, a.alerter, worker.SyncWorkerConfig{
		CheckInterval: time.Duration(a.cfg.Sync.CheckInterval) * time.Second,
		InstanceID:    fmt.Sprintf("%s-%d", a.cfg.Service.Name, os.Getpid()),
	})

	logger.Info("workers initialized")
}

// initScheduler 初始化定时任务
func (a *App) initScheduler() error {
	a.sched = scheduler.NewScheduler(&scheduler.SchedulerConfig{
		MaxConcurrentJobs: 2,
		RedisClient:       a.redis,
	})

	syncCfg := scheduler.DefaultJobConfigs[scheduler.JobNameSyncCheck]
	reconCfg := scheduler.DefaultJobConfigs[scheduler.JobNameReconciliation]

	if err := a.sched.RegisterJob(jobs.NewSyncCheckJob(a.syncSvc), scheduler.JobConfig{
		Cron: syncCfg.Cron,
		// 周期核对由 sync worker 承担，调度器入口保留手动触发
		Enabled: false,
	}); err != nil {
		return err
	}

	if err := a.sched.RegisterJob(jobs.NewReconciliationJob(a.reconSvc), scheduler.JobConfig{
		Cron:    reconCfg.Cron,
		Enabled: true,
	}); err != nil {
		return err
	}

	return nil
}

// replayBatchSize 启动补账时单次加载的事件数
const replayBatchSize = 200

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 上次停机时已落库未入账的事件先补上，再放开新消息
	replayed, err := a.eventSvc.ReplayUnprocessed(ctx, replayBatchSize)
	if err != nil {
		return fmt.Errorf("failed to replay unprocessed vault events: %w", err)
	}
	if replayed > 0 {
		logger.Info("replayed unprocessed vault events", "count", replayed)
	}

	if err := a.kafkaConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start kafka consumer: %w", err)
	}

	if err := a.indexerSvc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start indexer: %w", err)
	}

	if err := a.outboxRelay.Start(ctx); err != nil {
		return fmt.Errorf("failed to start outbox relay: %w", err)
	}

	if err := a.syncWorker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync worker: %w", err)
	}

	a.sched.Start()

	// /metrics
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Service.MetricsPort),
		Handler: mux,
	}
	go func() {
		logger.Info("metrics server listening", "port", a.cfg.Service.MetricsPort)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// shutdown 关闭应用，顺序与启动相反
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metricsServer.Shutdown(ctx)
		cancel()
	}

	if a.sched != nil {
		a.sched.Stop()
	}

	if a.syncWorker != nil && a.syncWorker.IsRunning() {
		_ = a.syncWorker.Stop()
	}

	// 先停消费入口，再停投递通道
	if a.kafkaConsumer != nil {
		_ = a.kafkaConsumer.Stop()
	}

	if a.indexerSvc != nil && a.indexerSvc.IsRunning() {
		_ = a.indexerSvc.Stop()
	}

	if a.outboxRelay != nil {
		a.outboxRelay.Stop()
	}

	if a.kafkaProducer != nil {
		_ = a.kafkaProducer.Close()
	}

	if a.chainClient != nil {
		a.chainClient.Close()
	}

	if a.redis != nil {
		_ = a.redis.Close()
	}

	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}

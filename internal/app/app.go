// Package app 提供 bounty-indexer 服务的应用生命周期管理
//
// ## 服务职责
// bounty-indexer 监听赏金市场合约的链上事件，将事件流投影为
// PostgreSQL 关系表，供查询服务直接读取:
// 1. 回填 (Backfill): 从检查点批量拉取历史事件
// 2. 流式 (Streaming): 追平后订阅新区块事件
// 3. 重组恢复 (Reorg): 检测非规范区块并回退重放
//
// ## Kafka 对接
// 投影变更后向下游广播轻量通知 (不含实体数据):
// - bounty-projection-changed
// - submission-projection-changed
// - hunter-projection-changed
//
// ## 数据库
// 数据库名: bounty_indexer，表结构由 AutoMigrate 维护
//
// ## 单写者约束
// 同一 (chain_id, contract_address) 来源同时只允许一个实例写入，
// 由 Redis 分布式锁保证
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bountylab/bounty-indexer/internal/blockchain"
	"github.com/bountylab/bounty-indexer/internal/config"
	"github.com/bountylab/bounty-indexer/internal/kafka"
	"github.com/bountylab/bounty-indexer/internal/model"
	"github.com/bountylab/bounty-indexer/internal/projector"
	"github.com/bountylab/bounty-indexer/internal/repository"
	"github.com/bountylab/bounty-indexer/internal/service"
	"github.com/bountylab/bounty-indexer/internal/source"
	"github.com/bountylab/bounty-indexer/pkg/lock"
	"github.com/bountylab/bounty-indexer/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis *redis.Client

	// 区块链
	blockchainClient *blockchain.Client
	chainSource      *source.ChainSource

	// 仓储
	baseRepo       *repository.Repository
	checkpointRepo repository.CheckpointRepository
	bountyRepo     repository.BountyRepository
	submissionRepo repository.SubmissionRepository
	userRepo       repository.UserRepository

	// 服务
	eventProjector *projector.Projector
	reconciler     *service.Reconciler

	// Kafka
	kafkaProducer *kafka.Producer

	// 单写者锁
	writerLock *lock.RedisLock

	// gRPC / HTTP
	grpcServer   *grpc.Server
	healthServer *health.Server
	metricsSrv   *http.Server

	// 运行控制
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

	if err := app.initKafka(); err != nil {
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	app.initReconciler()
	app.initServers()

	return app, nil
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
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	// 自动迁移
	if err := AutoMigrate(a.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")

	// Redis
	redisAddr := "localhost:6379"
	if len(a.cfg.Redis.Addresses) > 0 {
		redisAddr = a.cfg.Redis.Addresses[0]
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	if err := a.redis.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}

	logger.Info("redis connected", zap.String("addr", redisAddr))

	return nil
}

// initBlockchain 初始化区块链客户端与事件源
func (a *App) initBlockchain() error {
	rpcURLs := append([]string{a.cfg.Blockchain.RPCURL}, a.cfg.Blockchain.BackupRPCURLs...)

	client, err := blockchain.NewClient(&blockchain.ClientConfig{
		ChainID:         a.cfg.Blockchain.ChainID,
		RPCURLs:         rpcURLs,
		MaxRetries:      3,
		RetryInterval:   time.Second,
		HealthCheckFreq: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}

	a.blockchainClient = client

	a.chainSource = source.NewChainSource(client, &source.ChainSourceConfig{
		Contract:     common.HexToAddress(a.cfg.Blockchain.ContractAddress),
		PollInterval: time.Duration(a.cfg.Indexer.PollInterval) * time.Millisecond,
	})

	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", a.cfg.Blockchain.ChainID),
		zap.String("contract", a.cfg.Blockchain.ContractAddress),
		zap.Int("rpc_endpoints", len(rpcURLs)))

	return nil
}

// initRepositories 初始化仓储
func (a *App) initRepositories() {
	a.baseRepo = repository.NewRepository(a.db)
	a.checkpointRepo = repository.NewCheckpointRepository(a.db)
	a.bountyRepo = repository.NewBountyRepository(a.db)
	a.submissionRepo = repository.NewSubmissionRepository(a.db)
	a.userRepo = repository.NewUserRepository(a.db)

	logger.Info("repositories initialized")
}

// initKafka 初始化 Kafka
func (a *App) initKafka() error {
	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer

	logger.Info("kafka initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// initReconciler 初始化投影器与对账引擎
func (a *App) initReconciler() {
	a.eventProjector = projector.NewProjector(a.bountyRepo, a.submissionRepo, a.userRepo)

	contract := model.NormalizeAddress(a.cfg.Blockchain.ContractAddress)

	locker := lock.NewRedisLocker(a.redis, "bounty-indexer:writer:",
		time.Duration(a.cfg.Indexer.LockTTL)*time.Second)
	a.writerLock = locker.NewLock(model.SourceKey(a.cfg.Blockchain.ChainID, contract))

	startBlock := uint64(0)
	if a.cfg.Indexer.StartBlock > 0 {
		startBlock = uint64(a.cfg.Indexer.StartBlock)
	}

	a.reconciler = service.NewReconciler(
		a.chainSource,
		a.eventProjector,
		a.checkpointRepo,
		a.baseRepo,
		a.writerLock,
		a.kafkaProducer,
		service.ReconcilerConfig{
			ChainID:         a.cfg.Blockchain.ChainID,
			ContractAddress: contract,
			StartBlock:      startBlock,
			BatchSize:       uint64(a.cfg.Indexer.BatchSize),
			PollInterval:    time.Duration(a.cfg.Indexer.PollInterval) * time.Millisecond,
			DebounceWindow:  time.Duration(a.cfg.Indexer.DebounceWindow) * time.Millisecond,
			HeaderHistory:   a.cfg.Indexer.HeaderHistory,
			MaxTxRetries:    a.cfg.Indexer.MaxTxRetries,
			LockRefreshFreq: time.Duration(a.cfg.Indexer.LockRefreshFreq) * time.Second,
		},
	)

	logger.Info("reconciler initialized",
		zap.Uint64("start_block", startBlock),
		zap.Int64("batch_size", a.cfg.Indexer.BatchSize))
}

// initServers 初始化 gRPC 健康检查与指标服务
func (a *App) initServers() {
	a.grpcServer = grpc.NewServer()
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler: mux,
	}

	logger.Info("servers initialized",
		zap.Int("grpc_port", a.cfg.Service.GRPCPort),
		zap.Int("http_port", a.cfg.Service.HTTPPort))
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动对账引擎
	if err := a.reconciler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start reconciler: %w", err)
	}

	// 启动 gRPC 服务器
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// 启动指标服务
	go func() {
		logger.Info("metrics server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// 监控引擎状态: 结构性错误停机后将健康状态置为 NOT_SERVING
	go a.watchReconciler(ctx)

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

// watchReconciler 监控引擎健康状态
func (a *App) watchReconciler(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			if err := a.reconciler.Err(); err != nil {
				a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
				logger.Error("reconciler halted, manual intervention required", zap.Error(err))
				return
			}
		}
	}
}

// shutdown 关闭应用
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	// 停止对账引擎 (内部释放单写者锁)
	if a.reconciler != nil && a.reconciler.IsRunning() {
		if err := a.reconciler.Stop(); err != nil {
			logger.Error("failed to stop reconciler", zap.Error(err))
		}
	}

	// 关闭 gRPC 服务器
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}

	// 关闭指标服务
	if a.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server", zap.Error(err))
		}
		cancel()
	}

	// 关闭 Kafka 生产者
	if a.kafkaProducer != nil {
		a.kafkaProducer.Close()
	}

	// 关闭区块链客户端
	if a.blockchainClient != nil {
		a.blockchainClient.Close()
	}

	// 关闭 Redis
	if a.redis != nil {
		a.redis.Close()
	}

	// 关闭数据库
	if a.db != nil {
		sqlDB, _ := a.db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}

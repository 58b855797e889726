package service

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-guard/internal/cache"
	"wisefido-guard/internal/channel"
	"wisefido-guard/internal/collaborator"
	"wisefido-guard/internal/config"
	"wisefido-guard/internal/coordinator"
	"wisefido-guard/internal/dispatcher"
	"wisefido-guard/internal/monitor"
	"wisefido-guard/internal/repository"
	"wisefido-guard/internal/worker"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// GuardService 紧急调度服务（整合各层）
type GuardService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	journal     *repository.EmergencyJournal
	statusCache *cache.StatusCache
	broadcast   *channel.BroadcastAdapter
	adapters    []channel.Adapter
	dispatcher  *dispatcher.Dispatcher
	agentClient *collaborator.AgentClient
	coordinator *coordinator.Coordinator
	monitor     *monitor.ConnectionMonitor
	syncWorker  *worker.SyncWorker
}

// NewGuardService 创建紧急调度服务
func NewGuardService(cfg *config.Config, logger *zap.Logger) (*GuardService, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 测试数据库连接
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// 测试 Redis 连接
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 创建 Repository 层
	journal := repository.NewEmergencyJournal(db, logger)

	// 4. 创建缓存层
	statusCache := cache.NewStatusCache(cfg, redisClient, logger)

	// 5. 创建通道适配器
	// 广播通道始终启用；云推送与机构通道按配置启用
	broadcast := channel.NewBroadcastAdapter(&cfg.MQTT, logger)
	adapters := []channel.Adapter{broadcast}
	if cfg.Cloud.BaseURL != "" {
		adapters = append(adapters, channel.NewCloudAdapter(&cfg.Cloud, logger))
	}
	if cfg.Authority.BaseURL != "" {
		adapters = append(adapters, channel.NewAuthorityAdapter(&cfg.Authority, logger))
	}

	// 6. 创建分发器
	disp := dispatcher.NewDispatcher(cfg, journal, logger)

	// 7. 创建采集代理客户端
	agentClient := collaborator.NewAgentClient(cfg, logger)

	// 8. 创建协调器
	coord := coordinator.NewCoordinator(
		cfg,
		journal,
		disp,
		adapters,
		statusCache,
		agentClient,
		agentClient,
		agentClient,
		logger,
	)

	// 9. 创建连接监视器与同步 worker
	connMonitor := monitor.NewConnectionMonitor(cfg, logger)
	syncWorker := worker.NewSyncWorker(cfg, journal, disp, coord, connMonitor, adapters, logger)

	return &GuardService{
		config:      cfg,
		db:          db,
		redisClient: redisClient,
		logger:      logger,
		journal:     journal,
		statusCache: statusCache,
		broadcast:   broadcast,
		adapters:    adapters,
		dispatcher:  disp,
		agentClient: agentClient,
		coordinator: coord,
		monitor:     connMonitor,
		syncWorker:  syncWorker,
	}, nil
}

// Start 启动服务
// 先从 journal 恢复未收敛的事件，再启动监视器与同步 worker。
func (s *GuardService) Start(ctx context.Context) error {
	s.logger.Info("Starting guard service",
		zap.Int("channel_count", len(s.adapters)),
	)

	// 进程重启恢复：journal 中仍 active 的事件回到协调器槽位，
	// 其未完成通道由同步 worker 按既有重试计划继续投递
	record, err := s.journal.GetActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover active emergency: %w", err)
	}
	if record != nil {
		s.coordinator.Resume(record)
	}

	go s.monitor.Run(ctx)
	go s.syncWorker.Run(ctx)

	return nil
}

// Stop 停止服务
func (s *GuardService) Stop() error {
	s.logger.Info("Stopping guard service")

	s.broadcast.Close()

	// 关闭数据库连接
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	// 关闭 Redis 连接
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	return nil
}

// Coordinator 暴露协调器：声明/取消/查询的入口
func (s *GuardService) Coordinator() *coordinator.Coordinator {
	return s.coordinator
}

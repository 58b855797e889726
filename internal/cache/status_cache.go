package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-guard/internal/config"
	"wisefido-guard/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StatusCache 当前紧急事件的 Redis 状态缓存
// 供 UI/对端快速读取当前事件及各通道投递进度，不用打到 PostgreSQL。
// journal 始终是唯一的真实来源，缓存丢失无害。
type StatusCache struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewStatusCache 创建状态缓存
func NewStatusCache(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *StatusCache {
	return &StatusCache{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// SetActive 写入当前 active 事件快照（带 TTL）
func (c *StatusCache) SetActive(ctx context.Context, record *models.EmergencyRecord) error {
	jsonData, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal emergency record: %w", err)
	}

	ttl := time.Duration(c.config.Cache.StatusTTL) * time.Second
	err = c.redisClient.Set(ctx, c.config.Cache.StatusKey, jsonData, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set status cache: %w", err)
	}

	return nil
}

// GetActive 读取当前 active 事件快照，不存在时返回 nil
func (c *StatusCache) GetActive(ctx context.Context) (*models.EmergencyRecord, error) {
	val, err := c.redisClient.Get(ctx, c.config.Cache.StatusKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get status cache: %w", err)
	}

	var record models.EmergencyRecord
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status cache: %w", err)
	}

	return &record, nil
}

// Clear 清除快照（事件结束回到 Idle 时调用）
func (c *StatusCache) Clear(ctx context.Context) error {
	err := c.redisClient.Del(ctx, c.config.Cache.StatusKey).Err()
	if err != nil {
		return fmt.Errorf("failed to clear status cache: %w", err)
	}
	return nil
}

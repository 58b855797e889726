package config

import (
	"fmt"
	"os"
	"strconv"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig 短距广播通道（MQTT）配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	Topic    string // 告警发布主题
}

// HTTPChannelConfig HTTP 通道（云推送/机构接口）配置
type HTTPChannelConfig struct {
	BaseURL string
	APIKey  string
	Timeout int // 秒
}

// Config 紧急调度服务配置
type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	MQTT      MQTTConfig
	Cloud     HTTPChannelConfig
	Authority HTTPChannelConfig

	// 设备本地采集代理（位置/录音/联系人）
	Agent struct {
		BaseURL string
		Timeout int // 秒
	}

	// 分发策略
	Dispatch struct {
		ChannelTimeout int    // 单通道超时（秒）
		MaxAttempts    int    // 每通道最大尝试次数
		BackoffBase    int    // 退避基数（秒）
		BackoffMax     int    // 退避上限（秒）
		Message        string // 告警消息正文
	}

	// 重试排空与保留策略
	Sync struct {
		DrainInterval int // 定时排空间隔（秒）
		GCInterval    int // 垃圾回收扫描间隔（秒）
		RetentionDays int // 记录保留天数
	}

	// 连通性探测
	Probe struct {
		URL      string
		Interval int // 秒
		Timeout  int // 秒
	}

	// Redis 状态缓存
	Cache struct {
		StatusKey string
		StatusTTL int // 秒
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "guardrd")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-guard")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))
	cfg.MQTT.Topic = getEnv("MQTT_ALERT_TOPIC", "wisefido/guard/alert")

	cfg.Cloud.BaseURL = getEnv("CLOUD_BASE_URL", "")
	cfg.Cloud.APIKey = getEnv("CLOUD_API_KEY", "")
	cfg.Cloud.Timeout = getEnvInt("CLOUD_TIMEOUT", 10)

	cfg.Authority.BaseURL = getEnv("AUTHORITY_BASE_URL", "")
	cfg.Authority.APIKey = getEnv("AUTHORITY_API_KEY", "")
	cfg.Authority.Timeout = getEnvInt("AUTHORITY_TIMEOUT", 10)

	cfg.Agent.BaseURL = getEnv("AGENT_BASE_URL", "http://localhost:8710")
	cfg.Agent.Timeout = getEnvInt("AGENT_TIMEOUT", 3)

	cfg.Dispatch.ChannelTimeout = getEnvInt("DISPATCH_CHANNEL_TIMEOUT", 15)
	cfg.Dispatch.MaxAttempts = getEnvInt("DISPATCH_MAX_ATTEMPTS", 5)
	cfg.Dispatch.BackoffBase = getEnvInt("DISPATCH_BACKOFF_BASE", 30)
	cfg.Dispatch.BackoffMax = getEnvInt("DISPATCH_BACKOFF_MAX", 600)
	cfg.Dispatch.Message = getEnv("DISPATCH_MESSAGE", "Emergency declared, immediate attention required")

	cfg.Sync.DrainInterval = getEnvInt("SYNC_DRAIN_INTERVAL", 60)
	cfg.Sync.GCInterval = getEnvInt("SYNC_GC_INTERVAL", 3600)
	cfg.Sync.RetentionDays = getEnvInt("SYNC_RETENTION_DAYS", 90)

	cfg.Probe.URL = getEnv("PROBE_URL", "https://www.gstatic.com/generate_204")
	cfg.Probe.Interval = getEnvInt("PROBE_INTERVAL", 10)
	cfg.Probe.Timeout = getEnvInt("PROBE_TIMEOUT", 5)

	cfg.Cache.StatusKey = getEnv("CACHE_STATUS_KEY", "wisefido-guard:emergency:active")
	cfg.Cache.StatusTTL = getEnvInt("CACHE_STATUS_TTL", 60)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-guard/internal/config"
	"wisefido-guard/internal/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// BroadcastAdapter 短距广播通道（MQTT）
// 重连由 paho 客户端自己负责（AutoReconnect + ConnectRetry），
// 设备离线启动时构造不失败，Send 在未连接时返回瞬时失败交给重试队列。
type BroadcastAdapter struct {
	client mqtt.Client
	topic  string
	qos    byte
	logger *zap.Logger
}

// NewBroadcastAdapter 创建短距广播适配器
func NewBroadcastAdapter(cfg *config.MQTTConfig, logger *zap.Logger) *BroadcastAdapter {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("MQTT broker connected", zap.String("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		logger.Warn("MQTT broker connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	// 不等待连接完成：广播通道允许离线启动，后台持续重连
	client.Connect()

	return &BroadcastAdapter{
		client: client,
		topic:  cfg.Topic,
		qos:    cfg.QoS,
		logger: logger,
	}
}

// ID 通道标识
func (a *BroadcastAdapter) ID() string {
	return "broadcast"
}

// Send 将告警 JSON 发布到广播主题
func (a *BroadcastAdapter) Send(ctx context.Context, alert *models.AlertPayload) Outcome {
	// IsConnectionOpen：仅当前真正连上才为 true。
	// IsConnected 在 ConnectRetry 的初始重连期间也报 true，不能用来做快速失败判断。
	if !a.client.IsConnectionOpen() {
		return Failed("mqtt broker not connected")
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return Failed(fmt.Sprintf("failed to marshal alert: %v", err))
	}

	token := a.client.Publish(a.topic, a.qos, false, payload)

	// 在 ctx 预算内等待 broker 确认
	wait := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	if !token.WaitTimeout(wait) {
		return Failed("mqtt publish timeout")
	}
	if token.Error() != nil {
		return Failed(fmt.Sprintf("mqtt publish failed: %v", token.Error()))
	}

	a.logger.Debug("Alert broadcast published",
		zap.String("emergency_id", alert.EmergencyID),
		zap.String("topic", a.topic),
	)

	return Sent()
}

// Close 断开 MQTT 连接
func (a *BroadcastAdapter) Close() {
	a.client.Disconnect(250) // 250ms等待时间
}

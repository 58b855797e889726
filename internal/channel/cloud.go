package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"wisefido-guard/internal/config"
	"wisefido-guard/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// CloudAdapter 云推送通道
// 向云端推送服务 POST 告警，由云端负责将推送分发到联系人的设备。
// resty 的内置重试只覆盖单次 Send 内的短暂抖动，跨 Send 的重试由持久队列调度。
type CloudAdapter struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewCloudAdapter 创建云推送适配器
func NewCloudAdapter(cfg *config.HTTPChannelConfig, logger *zap.Logger) *CloudAdapter {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.Timeout) * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &CloudAdapter{
		httpClient: client,
		logger:     logger,
	}
}

// ID 通道标识
func (a *CloudAdapter) ID() string {
	return "cloud"
}

// Send 推送告警到云端
func (a *CloudAdapter) Send(ctx context.Context, alert *models.AlertPayload) Outcome {
	resp, err := a.httpClient.R().
		SetContext(ctx).
		SetBody(alert).
		Post("/v1/push/emergency")

	if err != nil {
		return Failed(fmt.Sprintf("cloud push request failed: %v", err))
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		// 通道级失败：凭证失效不会因重试恢复
		return Disabled(fmt.Sprintf("cloud push permission denied: status %d", resp.StatusCode()))
	case resp.StatusCode() == http.StatusNotImplemented:
		return Disabled("cloud push not supported by endpoint")
	case resp.StatusCode() >= 400:
		return Failed(fmt.Sprintf("cloud push rejected: status %d", resp.StatusCode()))
	}

	a.logger.Debug("Alert pushed to cloud",
		zap.String("emergency_id", alert.EmergencyID),
		zap.Int("status_code", resp.StatusCode()),
	)

	return Sent()
}

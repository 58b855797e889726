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

// AuthorityResponse 机构接警 API 响应信封
type AuthorityResponse struct {
	Status         int    `json:"status"`
	Msg            string `json:"msg"`
	IncidentNumber string `json:"incident_number,omitempty"`
}

// AuthorityAdapter 机构接警通道
// 向监护机构/接警平台的事件 API 上报紧急事件。
type AuthorityAdapter struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewAuthorityAdapter 创建机构接警适配器
func NewAuthorityAdapter(cfg *config.HTTPChannelConfig, logger *zap.Logger) *AuthorityAdapter {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.Timeout) * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	if cfg.APIKey != "" {
		client.SetHeader("X-Api-Key", cfg.APIKey)
	}

	return &AuthorityAdapter{
		httpClient: client,
		logger:     logger,
	}
}

// ID 通道标识
func (a *AuthorityAdapter) ID() string {
	return "authority"
}

// Send 上报紧急事件到机构 API
func (a *AuthorityAdapter) Send(ctx context.Context, alert *models.AlertPayload) Outcome {
	var response AuthorityResponse
	resp, err := a.httpClient.R().
		SetContext(ctx).
		SetBody(alert).
		SetResult(&response).
		Post("/v1/incidents")

	if err != nil {
		return Failed(fmt.Sprintf("authority API request failed: %v", err))
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return Disabled(fmt.Sprintf("authority API permission denied: status %d", resp.StatusCode()))
	case resp.StatusCode() == http.StatusNotImplemented:
		return Disabled("authority API not supported")
	case resp.StatusCode() >= 400:
		return Failed(fmt.Sprintf("authority API rejected: status %d", resp.StatusCode()))
	}

	// 业务信封错误：status != 0 视为瞬时失败
	if response.Status != 0 {
		return Failed(fmt.Sprintf("authority API error: %s (status: %d)", response.Msg, response.Status))
	}

	a.logger.Info("Incident reported to authority",
		zap.String("emergency_id", alert.EmergencyID),
		zap.String("incident_number", response.IncidentNumber),
	)

	return Sent()
}

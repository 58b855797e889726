package collaborator

import (
	"context"
	"fmt"
	"time"

	"wisefido-guard/internal/config"
	"wisefido-guard/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// AgentClient 设备本地采集代理的 HTTP 客户端
// 提供位置、录音、紧急联系人三类采集；全部 best-effort，
// 任何失败只向调用方返回错误，由协调器降级为 absent。
type AgentClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewAgentClient 创建采集代理客户端
func NewAgentClient(cfg *config.Config, logger *zap.Logger) *AgentClient {
	client := resty.New().
		SetBaseURL(cfg.Agent.BaseURL).
		SetTimeout(time.Duration(cfg.Agent.Timeout) * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &AgentClient{
		httpClient: client,
		logger:     logger,
	}
}

// GetBestEffort 获取当前最优位置
func (c *AgentClient) GetBestEffort(ctx context.Context) (*models.GeoPoint, error) {
	var point models.GeoPoint
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&point).
		Get("/v1/location")

	if err != nil {
		return nil, fmt.Errorf("location request failed: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("location request rejected: status %d", resp.StatusCode())
	}

	c.logger.Debug("Location captured",
		zap.Float64("latitude", point.Latitude),
		zap.Float64("longitude", point.Longitude),
		zap.Float64("accuracy", point.Accuracy),
	)
	return &point, nil
}

// recordingResponse 录音启动响应
type recordingResponse struct {
	Handle string `json:"handle"`
}

// StartBestEffort 启动环境录音，返回录音句柄
func (c *AgentClient) StartBestEffort(ctx context.Context) (*string, error) {
	var result recordingResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&result).
		Post("/v1/recording/start")

	if err != nil {
		return nil, fmt.Errorf("recording start failed: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("recording start rejected: status %d", resp.StatusCode())
	}
	if result.Handle == "" {
		return nil, fmt.Errorf("recording start returned empty handle")
	}

	c.logger.Debug("Recording started", zap.String("handle", result.Handle))
	return &result.Handle, nil
}

// StopBestEffort 停止录音
func (c *AgentClient) StopBestEffort(ctx context.Context, handle string) error {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]string{"handle": handle}).
		Post("/v1/recording/stop")

	if err != nil {
		return fmt.Errorf("recording stop failed: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("recording stop rejected: status %d", resp.StatusCode())
	}
	return nil
}

// GetAll 获取紧急联系人列表
func (c *AgentClient) GetAll(ctx context.Context) ([]models.Contact, error) {
	var contacts []models.Contact
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&contacts).
		Get("/v1/contacts")

	if err != nil {
		return nil, fmt.Errorf("contacts request failed: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("contacts request rejected: status %d", resp.StatusCode())
	}
	return contacts, nil
}

package channel

import (
	"context"

	"wisefido-guard/internal/models"
)

// Status 单次投递结果状态
type Status string

const (
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"   // 瞬时失败（网络/超时），按退避策略重试
	StatusDisabled Status = "disabled" // 通道级失败（权限拒绝/不支持），永不重试
)

// Outcome 单次投递结果
type Outcome struct {
	Status Status
	Reason string // 失败/禁用原因，成功时为空
}

// Sent 成功结果
func Sent() Outcome {
	return Outcome{Status: StatusSent}
}

// Failed 瞬时失败结果
func Failed(reason string) Outcome {
	return Outcome{Status: StatusFailed, Reason: reason}
}

// Disabled 通道禁用结果
func Disabled(reason string) Outcome {
	return Outcome{Status: StatusDisabled, Reason: reason}
}

// Adapter 告警通道适配器
// 各通道自己负责重连策略（如 MQTT 客户端的自动重连），
// Send 必须尊重 ctx 的超时，不得阻塞超过调用方给定的预算。
type Adapter interface {
	// ID 通道标识（journal 中 channel_results 的键）
	ID() string
	// Send 投递一条告警
	Send(ctx context.Context, alert *models.AlertPayload) Outcome
}

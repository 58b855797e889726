package models

import (
	"time"
)

// SchemaVersion 持久化记录的结构版本（用于前向兼容）
const SchemaVersion = 1

// EmergencyStatus 紧急事件状态
type EmergencyStatus string

const (
	EmergencyActive    EmergencyStatus = "active"
	EmergencyCancelled EmergencyStatus = "cancelled"
	EmergencyResolved  EmergencyStatus = "resolved" // 所有通道至少尝试过一次（成功或重试耗尽）
)

// ChannelState 通道投递状态
type ChannelState string

const (
	ChannelPending  ChannelState = "pending"
	ChannelSent     ChannelState = "sent"
	ChannelFailed   ChannelState = "failed"
	ChannelDisabled ChannelState = "disabled" // 权限拒绝/不支持，永不重试
)

// GeoPoint 位置快照
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"` // 米
}

// Contact 紧急联系人
type Contact struct {
	ContactID string `json:"contact_id"`
	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
}

// EmergencyContext 声明时刻采集的上下文快照（best-effort，之后不再刷新）
type EmergencyContext struct {
	Location        *GeoPoint `json:"location,omitempty"`
	RecordingHandle *string   `json:"recording_handle,omitempty"`
	Contacts        []Contact `json:"contacts"`
}

// ChannelResult 单通道投递结果（对应 channel_results 表）
type ChannelResult struct {
	State       ChannelState `json:"state" db:"state"`
	Attempts    int          `json:"attempts" db:"attempts"`
	LastError   *string      `json:"last_error,omitempty" db:"last_error"`
	NextRetryAt *time.Time   `json:"next_retry_at,omitempty" db:"next_retry_at"`
}

// Terminal 通道是否已到终态（sent/disabled/重试耗尽的 failed）
func (r ChannelResult) Terminal() bool {
	switch r.State {
	case ChannelSent, ChannelDisabled:
		return true
	case ChannelFailed:
		return r.NextRetryAt == nil
	default:
		return false
	}
}

// EmergencyRecord 紧急事件记录（对应 emergency_records 表）
type EmergencyRecord struct {
	ID             string                    `json:"id" db:"id"`
	Status         EmergencyStatus           `json:"status" db:"status"`
	DeclaredAt     time.Time                 `json:"declared_at" db:"declared_at"`
	Context        EmergencyContext          `json:"context" db:"context"` // JSONB
	ChannelResults map[string]*ChannelResult `json:"channel_results"`
	SchemaVersion  int                       `json:"schema_version" db:"schema_version"`
	CreatedAt      time.Time                 `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at" db:"updated_at"`
}

// AllTerminal 所有通道是否都已到终态（record 可标记为 resolved）
func (r *EmergencyRecord) AllTerminal() bool {
	if len(r.ChannelResults) == 0 {
		return false
	}
	for _, cr := range r.ChannelResults {
		if !cr.Terminal() {
			return false
		}
	}
	return true
}

// PendingEntry DurableJournal.GetPending 返回的待重试条目
type PendingEntry struct {
	RecordID  string
	ChannelID string
	Result    ChannelResult
}

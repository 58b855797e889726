package models

import (
	"time"
)

// AlertKind 告警消息类型
type AlertKind string

const (
	AlertEmergency    AlertKind = "alert"        // 紧急告警
	AlertCancellation AlertKind = "cancellation" // 取消通知（advisory，不走持久重试）
)

// AlertPayload 发往各通道的告警消息
type AlertPayload struct {
	EmergencyID string    `json:"emergency_id"`
	Kind        AlertKind `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	Location    *GeoPoint `json:"location,omitempty"`
	Message     string    `json:"message"`
	Contacts    []Contact `json:"contacts,omitempty"`
}

// BuildAlert 从紧急事件记录构建告警消息（重试时用声明时刻的快照，不重新采集）
func BuildAlert(record *EmergencyRecord, kind AlertKind, message string) *AlertPayload {
	return &AlertPayload{
		EmergencyID: record.ID,
		Kind:        kind,
		Timestamp:   record.DeclaredAt,
		Location:    record.Context.Location,
		Message:     message,
		Contacts:    record.Context.Contacts,
	}
}

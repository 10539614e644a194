package models

import (
	"time"
)

// LocationSnapshot 位置快照
type LocationSnapshot struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"` // 精度（米），可选
	Timestamp int64    `json:"timestamp"`          // 采集时间（Unix秒）
}

// AlertEnvelope 报警信封（构建后不可变）
type AlertEnvelope struct {
	EnvelopeID   string            `json:"envelope_id"`
	SenderName   string            `json:"sender_name"`
	SenderID     string            `json:"sender_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Message      string            `json:"message"`
	Location     *LocationSnapshot `json:"location,omitempty"`
	VoiceNoteRef *string           `json:"voice_note_ref,omitempty"`
	TrackingURL  string            `json:"tracking_url"`
}

// AttemptOutcome 单次通道投递结果
type AttemptOutcome string

const (
	AttemptSent     AttemptOutcome = "sent"
	AttemptFailed   AttemptOutcome = "failed"
	AttemptTimedOut AttemptOutcome = "timed_out"
)

// DeliveryAttempt 通道投递记录（仅用于编排决策和日志，不持久化）
type DeliveryAttempt struct {
	Channel     string         `json:"channel"`
	Outcome     AttemptOutcome `json:"outcome"`
	Delivered   int            `json:"delivered"` // 批次内成功的目标数
	AttemptedAt time.Time      `json:"attempted_at"`
}

// AlertKind 报警类型
type AlertKind string

const (
	KindSOS           AlertKind = "SOS"
	KindLocationShare AlertKind = "LOCATION_SHARE"
	KindMessage       AlertKind = "MESSAGE"
)

// QueuedAlert 离线队列条目
// 仅由离线队列修改（重放失败时递增 RetryCount）
type QueuedAlert struct {
	ID         string         `json:"id"`
	Kind       AlertKind      `json:"kind"`
	Envelope   *AlertEnvelope `json:"envelope"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	RetryCount int            `json:"retry_count"`
}

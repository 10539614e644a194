package capability

import (
	"context"
	"time"

	"safeguard-dispatch/internal/models"
)

// 外部能力边界（平台原语按窄接口建模）
// 每个能力暴露 Available()，编排层按可用性跳过通道/触发器，
// 不在核心逻辑中按平台分支。

// ConnectivityStatus 网络连通性状态
type ConnectivityStatus struct {
	Connected bool   `json:"connected"`
	Reachable bool   `json:"reachable"`
	Type      string `json:"type"` // wifi, cellular, unknown, none
}

// Connectivity 连通性能力
type Connectivity interface {
	Current() ConnectivityStatus
	// Subscribe 返回状态变化事件通道和取消订阅函数
	Subscribe() (<-chan ConnectivityStatus, func())
}

// ByteStore 持久化字节存储能力（离线队列和OTP记录的落盘后端）
// Get 在键不存在时返回 (nil, nil)
type ByteStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// LocationProvider 位置能力
type LocationProvider interface {
	Available() bool
	// CurrentFix 获取当前定位；超时或失败返回 (nil, err)
	CurrentFix(ctx context.Context) (*models.LocationSnapshot, error)
}

// SMSResult 短信发送结果
type SMSResult string

const (
	SMSSent      SMSResult = "sent"
	SMSCancelled SMSResult = "cancelled"
	SMSUnknown   SMSResult = "unknown"
)

// SMSSender 设备短信能力
type SMSSender interface {
	Available() bool
	Send(ctx context.Context, numbers []string, text string) (SMSResult, error)
}

// CloudResult 云消息发送结果
type CloudResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
}

// CloudMessenger 云消息能力（需要网络）
type CloudMessenger interface {
	Available() bool
	Send(ctx context.Context, number string, params map[string]string) (CloudResult, error)
}

// PushNotifier 推送通知能力
type PushNotifier interface {
	Available() bool
	// Notify 向目标设备推送报警负载（尽力而为）
	Notify(ctx context.Context, target string, payload []byte) error
	// Schedule 安排一条定时本地通知，返回通知ID
	Schedule(content string, at time.Time) (string, error)
	Cancel(notificationID string)
}

// Dialer 拨号能力（派发成功后的跟进动作，部分平台不可用）
type Dialer interface {
	Available() bool
	Call(number string) error
}

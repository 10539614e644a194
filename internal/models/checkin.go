package models

import "time"

// CheckInStatus Check-in 定时器状态（active 之后的状态为终态）
type CheckInStatus string

const (
	CheckInActive    CheckInStatus = "active"
	CheckInCompleted CheckInStatus = "completed"
	CheckInMissed    CheckInStatus = "missed"
	CheckInCancelled CheckInStatus = "cancelled"
)

// CheckInTimer 行程定时器（dead-man's switch）
type CheckInTimer struct {
	TimerID     string            `json:"timer_id"`
	Duration    time.Duration     `json:"duration"`
	StartedAt   time.Time         `json:"started_at"`
	EndsAt      time.Time         `json:"ends_at"`
	Destination *string           `json:"destination,omitempty"`
	Location    *LocationSnapshot `json:"location,omitempty"`
	Status      CheckInStatus     `json:"status"`
}

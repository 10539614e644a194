package models

import "time"

// OTPRecord 一次性验证码记录（键：目标手机号）
type OTPRecord struct {
	PhoneNumber  string    `json:"phone_number"`
	Code         string    `json:"code"`
	Purpose      string    `json:"purpose"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Verified     bool      `json:"verified"`
	AttemptCount int       `json:"attempt_count"`
}

// Expired 是否已过期
func (r *OTPRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

package dispatcher

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"safeguard-dispatch/internal/models"
)

// EnvelopeBuilder 报警信封构建器
// 每次触发构建一个新信封，交给编排器后不再修改
type EnvelopeBuilder struct {
	trackingBase string
}

// NewEnvelopeBuilder 创建信封构建器
func NewEnvelopeBuilder(trackingBase string) *EnvelopeBuilder {
	return &EnvelopeBuilder{
		trackingBase: trackingBase,
	}
}

// Build 构建报警信封（追踪链接由信封ID派生）
func (b *EnvelopeBuilder) Build(senderName, senderID, message string, loc *models.LocationSnapshot, voiceNoteRef *string) *models.AlertEnvelope {
	envelopeID := uuid.New().String()

	return &models.AlertEnvelope{
		EnvelopeID:   envelopeID,
		SenderName:   senderName,
		SenderID:     senderID,
		Timestamp:    time.Now(),
		Message:      message,
		Location:     loc,
		VoiceNoteRef: voiceNoteRef,
		TrackingURL:  b.trackingBase + envelopeID,
	}
}

// MessageText 渲染发给联系人的文本（短信/云消息共用）
func MessageText(env *models.AlertEnvelope) string {
	text := fmt.Sprintf("[SafeGuard] %s: %s", env.SenderName, env.Message)
	if env.Location != nil {
		text += fmt.Sprintf(" Location: https://maps.google.com/?q=%f,%f",
			env.Location.Latitude, env.Location.Longitude)
	}
	text += " Track: " + env.TrackingURL
	return text
}

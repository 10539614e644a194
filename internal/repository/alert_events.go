package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"safeguard-dispatch/internal/models"
)

// AlertEventStatus 报警事件的派发状态
const (
	AlertStatusDelivered = "delivered"
	AlertStatusQueued    = "queued"
	AlertStatusFailed    = "failed"
)

// AlertEvent 报警事件记录（对应 alert_events 表）
// 每次派发结果（成功/入队/终态失败）都会落盘，保证报警不会无痕丢失
type AlertEvent struct {
	EventID        string     `json:"event_id" db:"event_id"`
	EnvelopeID     string     `json:"envelope_id" db:"envelope_id"`
	SenderID       string     `json:"sender_id" db:"sender_id"`
	Kind           string     `json:"kind" db:"kind"`
	Status         string     `json:"status" db:"status"`
	Channel        *string    `json:"channel,omitempty" db:"channel"`
	DeliveredCount int        `json:"delivered_count" db:"delivered_count"`
	Message        string     `json:"message" db:"message"`
	Latitude       *float64   `json:"latitude,omitempty" db:"latitude"`
	Longitude      *float64   `json:"longitude,omitempty" db:"longitude"`
	TrackingURL    string     `json:"tracking_url" db:"tracking_url"`
	TriggeredAt    time.Time  `json:"triggered_at" db:"triggered_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// AlertEventsRepository 报警事件仓库
type AlertEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertEventsRepository 创建报警事件仓库
func NewAlertEventsRepository(db *sql.DB, logger *zap.Logger) *AlertEventsRepository {
	return &AlertEventsRepository{
		db:     db,
		logger: logger,
	}
}

// CreateAlertEvent 写入报警事件
func (r *AlertEventsRepository) CreateAlertEvent(ctx context.Context, event *AlertEvent) error {
	if event.EnvelopeID == "" {
		return fmt.Errorf("envelope_id is required")
	}

	query := `
		INSERT INTO alert_events (
			event_id, envelope_id, sender_id, kind, status, channel,
			delivered_count, message, latitude, longitude, tracking_url,
			triggered_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.EventID,
		event.EnvelopeID,
		event.SenderID,
		event.Kind,
		event.Status,
		event.Channel,
		event.DeliveredCount,
		event.Message,
		event.Latitude,
		event.Longitude,
		event.TrackingURL,
		event.TriggeredAt,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert event: %w", err)
	}

	return nil
}

// UpdateAlertStatus 更新信封对应事件的派发状态（重放成功/终态失败时调用）
func (r *AlertEventsRepository) UpdateAlertStatus(ctx context.Context, envelopeID, status string, deliveredCount int) error {
	if envelopeID == "" {
		return fmt.Errorf("envelope_id is required")
	}

	query := `
		UPDATE alert_events
		SET status = $2, delivered_count = $3, resolved_at = $4
		WHERE envelope_id = $1
	`

	result, err := r.db.ExecContext(ctx, query, envelopeID, status, deliveredCount, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update alert status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("alert event not found for envelope: %s", envelopeID)
	}

	return nil
}

// GetRecentAlertEvents 获取用户最近的报警事件（按触发时间倒序）
func (r *AlertEventsRepository) GetRecentAlertEvents(ctx context.Context, senderID string, limit int) ([]AlertEvent, error) {
	if senderID == "" {
		return nil, fmt.Errorf("sender_id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT
			event_id, envelope_id, sender_id, kind, status, channel,
			delivered_count, message, latitude, longitude, tracking_url,
			triggered_at, resolved_at, created_at
		FROM alert_events
		WHERE sender_id = $1
		ORDER BY triggered_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, senderID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert events: %w", err)
	}
	defer rows.Close()

	var events []AlertEvent
	for rows.Next() {
		var e AlertEvent
		err := rows.Scan(
			&e.EventID,
			&e.EnvelopeID,
			&e.SenderID,
			&e.Kind,
			&e.Status,
			&e.Channel,
			&e.DeliveredCount,
			&e.Message,
			&e.Latitude,
			&e.Longitude,
			&e.TrackingURL,
			&e.TriggeredAt,
			&e.ResolvedAt,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert events: %w", err)
	}

	return events, nil
}

// NewAlertEventFromEnvelope 由信封构建事件记录
func NewAlertEventFromEnvelope(eventID string, kind models.AlertKind, status string, channel *string, deliveredCount int, env *models.AlertEnvelope) *AlertEvent {
	event := &AlertEvent{
		EventID:        eventID,
		EnvelopeID:     env.EnvelopeID,
		SenderID:       env.SenderID,
		Kind:           string(kind),
		Status:         status,
		Channel:        channel,
		DeliveredCount: deliveredCount,
		Message:        env.Message,
		TrackingURL:    env.TrackingURL,
		TriggeredAt:    env.Timestamp,
		CreatedAt:      time.Now(),
	}

	if env.Location != nil {
		lat := env.Location.Latitude
		lon := env.Location.Longitude
		event.Latitude = &lat
		event.Longitude = &lon
	}

	return event
}

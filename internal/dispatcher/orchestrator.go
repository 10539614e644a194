package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"safeguard-dispatch/internal/capability"
	"safeguard-dispatch/internal/config"
	"safeguard-dispatch/internal/models"
)

// Status 派发结果状态
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusQueued    Status = "queued"
	StatusFailed    Status = "failed"
)

// Result 派发结果
// 每次派发（成功/入队/失败）都产出可观察的结果，不存在无痕吞掉失败的路径
type Result struct {
	Status    Status                   `json:"status"`
	Channel   string                   `json:"channel,omitempty"` // 成功时的通道名
	Delivered int                      `json:"delivered"`
	Attempts  []models.DeliveryAttempt `json:"attempts"`
	QueuedID  string                   `json:"queued_id,omitempty"`
}

// Enqueuer 离线队列入口
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.AlertKind, env *models.AlertEnvelope) (*models.QueuedAlert, error)
}

// OutcomeRecorder 派发结果记录器（事件落盘 + 审计流）
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, kind models.AlertKind, result Result, env *models.AlertEnvelope)
}

// Orchestrator 投递编排器
// 按固定优先级尝试通道：云消息 → 设备短信，按可用性跳过；
// 两者都失败时信封交给离线队列（同时尽力推送），绝不丢弃。
type Orchestrator struct {
	cfg      *config.Config
	channels []Channel // 可确认送达的通道，按优先级排列
	push     Channel   // 尽力而为的推送，不确认送达
	enqueuer Enqueuer
	recorder OutcomeRecorder
	dialer   capability.Dialer
	logger   *zap.Logger
}

// NewOrchestrator 创建投递编排器
// recorder 和 dialer 可为 nil
func NewOrchestrator(
	cfg *config.Config,
	channels []Channel,
	push Channel,
	enqueuer Enqueuer,
	recorder OutcomeRecorder,
	dialer capability.Dialer,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		channels: channels,
		push:     push,
		enqueuer: enqueuer,
		recorder: recorder,
		dialer:   dialer,
		logger:   logger,
	}
}

// Dispatch 将信封派发到目标集
// 返回的 error 仅在连入队都失败时非 nil；其余失败通过 Result 反映
func (o *Orchestrator) Dispatch(ctx context.Context, kind models.AlertKind, targets []models.Contact, env *models.AlertEnvelope) (Result, error) {
	result := o.dispatch(ctx, kind, targets, env)

	if o.recorder != nil {
		o.recorder.RecordOutcome(ctx, kind, result, env)
	}

	// 跟进动作：呼叫最高优先联系人（仅在成功或入队后，绝不阻塞报警路径）
	if result.Status != StatusFailed && o.dialer != nil && o.dialer.Available() && len(targets) > 0 {
		number := targets[0].PhoneNumber
		go func() {
			if err := o.dialer.Call(number); err != nil {
				o.logger.Warn("Follow-up call failed",
					zap.String("number", number),
					zap.Error(err),
				)
			}
		}()
	}

	if result.Status == StatusFailed {
		return result, fmt.Errorf("dispatch failed and envelope could not be queued: %s", env.EnvelopeID)
	}
	return result, nil
}

// Deliver 只尝试可确认通道，不入队（离线队列重放时使用）
func (o *Orchestrator) Deliver(ctx context.Context, targets []models.Contact, env *models.AlertEnvelope) Result {
	return o.tryChannels(ctx, targets, env)
}

func (o *Orchestrator) dispatch(ctx context.Context, kind models.AlertKind, targets []models.Contact, env *models.AlertEnvelope) Result {
	result := o.tryChannels(ctx, targets, env)
	if result.Status == StatusDelivered {
		return result
	}

	// 所有可确认通道失败：尽力推送一次，随后入队重放
	o.firePush(ctx, targets, env)

	queued, err := o.enqueuer.Enqueue(ctx, kind, env)
	if err != nil {
		o.logger.Error("Failed to enqueue alert after channel exhaustion",
			zap.String("envelope_id", env.EnvelopeID),
			zap.Error(err),
		)
		return result
	}

	result.Status = StatusQueued
	result.QueuedID = queued.ID

	o.logger.Info("Alert queued for replay",
		zap.String("envelope_id", env.EnvelopeID),
		zap.String("queued_id", queued.ID),
	)
	return result
}

func (o *Orchestrator) tryChannels(ctx context.Context, targets []models.Contact, env *models.AlertEnvelope) Result {
	result := Result{Status: StatusFailed}

	for _, ch := range o.channels {
		if !ch.Available() {
			o.logger.Debug("Channel unavailable, skipping",
				zap.String("channel", ch.Name()),
				zap.String("envelope_id", env.EnvelopeID),
			)
			continue
		}

		chCtx, cancel := context.WithTimeout(ctx, o.cfg.Dispatch.ChannelTimeout)
		delivered, err := ch.Send(chCtx, targets, env)
		cancel()

		attempt := models.DeliveryAttempt{
			Channel:     ch.Name(),
			Delivered:   delivered,
			AttemptedAt: time.Now(),
		}

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				attempt.Outcome = models.AttemptTimedOut
			} else {
				attempt.Outcome = models.AttemptFailed
			}
			result.Attempts = append(result.Attempts, attempt)

			o.logger.Warn("Channel attempt failed",
				zap.String("channel", ch.Name()),
				zap.String("envelope_id", env.EnvelopeID),
				zap.String("outcome", string(attempt.Outcome)),
				zap.Error(err),
			)
			continue
		}

		attempt.Outcome = models.AttemptSent
		result.Attempts = append(result.Attempts, attempt)
		result.Status = StatusDelivered
		result.Channel = ch.Name()
		result.Delivered = delivered

		o.logger.Info("Alert delivered",
			zap.String("channel", ch.Name()),
			zap.String("envelope_id", env.EnvelopeID),
			zap.Int("delivered", delivered),
			zap.Int("target_count", len(targets)),
		)
		return result
	}

	return result
}

// firePush 尽力推送，不计入送达确认
func (o *Orchestrator) firePush(ctx context.Context, targets []models.Contact, env *models.AlertEnvelope) {
	if o.push == nil || !o.push.Available() {
		return
	}

	pushCtx, cancel := context.WithTimeout(ctx, o.cfg.Dispatch.ChannelTimeout)
	defer cancel()

	if _, err := o.push.Send(pushCtx, targets, env); err != nil {
		o.logger.Debug("Best-effort push failed",
			zap.String("envelope_id", env.EnvelopeID),
			zap.Error(err),
		)
	}
}

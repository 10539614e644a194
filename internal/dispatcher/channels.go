package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"safeguard-dispatch/internal/capability"
	"safeguard-dispatch/internal/models"
)

// Channel 投递通道
// Send 返回批次内接受消息的目标数；至少一个目标接受即视为该通道成功
type Channel interface {
	Name() string
	Available() bool
	Send(ctx context.Context, targets []models.Contact, env *models.AlertEnvelope) (int, error)
}

// CloudChannel 通道1：云消息后端（需要网络，不依赖设备短信能力）
type CloudChannel struct {
	messenger capability.CloudMessenger
	conn      capability.Connectivity
	logger    *zap.Logger
}

// NewCloudChannel 创建云消息通道
func NewCloudChannel(messenger capability.CloudMessenger, conn capability.Connectivity, logger *zap.Logger) *CloudChannel {
	return &CloudChannel{
		messenger: messenger,
		conn:      conn,
		logger:    logger,
	}
}

func (c *CloudChannel) Name() string { return "cloud" }

// Available 后端已配置且网络可达
func (c *CloudChannel) Available() bool {
	if c.messenger == nil || !c.messenger.Available() {
		return false
	}
	return c.conn.Current().Reachable
}

func (c *CloudChannel) Send(ctx context.Context, targets []models.Contact, env *models.AlertEnvelope) (int, error) {
	params := map[string]string{
		"template":    "sos_alert",
		"sender_name": env.SenderName,
		"message":     env.Message,
		"tracking":    env.TrackingURL,
	}
	if env.Location != nil {
		params["lat"] = strconv.FormatFloat(env.Location.Latitude, 'f', -1, 64)
		params["lon"] = strconv.FormatFloat(env.Location.Longitude, 'f', -1, 64)
	}

	delivered := 0
	var lastErr error
	for _, target := range targets {
		result, err := c.messenger.Send(ctx, target.PhoneNumber, params)
		if err != nil {
			lastErr = err
			c.logger.Warn("Cloud send failed for target",
				zap.String("envelope_id", env.EnvelopeID),
				zap.String("contact_id", target.ContactID),
				zap.Error(err),
			)
			continue
		}
		if result.Success {
			delivered++
		}
	}

	// 批次内部分成功仍视为通道成功
	if delivered == 0 {
		if lastErr != nil {
			return 0, fmt.Errorf("cloud channel delivered to no targets: %w", lastErr)
		}
		return 0, fmt.Errorf("cloud channel delivered to no targets")
	}
	return delivered, nil
}

// SMSChannel 通道2：设备短信（离线可达运营商，部分平台不可用）
type SMSChannel struct {
	sender capability.SMSSender
	logger *zap.Logger
}

// NewSMSChannel 创建短信通道
func NewSMSChannel(sender capability.SMSSender, logger *zap.Logger) *SMSChannel {
	return &SMSChannel{
		sender: sender,
		logger: logger,
	}
}

func (c *SMSChannel) Name() string { return "sms" }

func (c *SMSChannel) Available() bool {
	return c.sender != nil && c.sender.Available()
}

func (c *SMSChannel) Send(ctx context.Context, targets []models.Contact, env *models.AlertEnvelope) (int, error) {
	numbers := make([]string, 0, len(targets))
	for _, target := range targets {
		numbers = append(numbers, target.PhoneNumber)
	}

	result, err := c.sender.Send(ctx, numbers, MessageText(env))
	if err != nil {
		return 0, fmt.Errorf("sms send failed: %w", err)
	}
	if result != capability.SMSSent {
		return 0, fmt.Errorf("sms composer result: %s", result)
	}

	return len(numbers), nil
}

// PushChannel 通道3：目标设备推送（尽力而为，不确认送达）
type PushChannel struct {
	notifier capability.PushNotifier
	logger   *zap.Logger
}

// NewPushChannel 创建推送通道
func NewPushChannel(notifier capability.PushNotifier, logger *zap.Logger) *PushChannel {
	return &PushChannel{
		notifier: notifier,
		logger:   logger,
	}
}

func (c *PushChannel) Name() string { return "push" }

func (c *PushChannel) Available() bool {
	return c.notifier != nil && c.notifier.Available()
}

func (c *PushChannel) Send(ctx context.Context, targets []models.Contact, env *models.AlertEnvelope) (int, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	delivered := 0
	for _, target := range targets {
		if err := c.notifier.Notify(ctx, target.ContactID, payload); err != nil {
			c.logger.Debug("Push notify failed for target",
				zap.String("contact_id", target.ContactID),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return 0, fmt.Errorf("push channel reached no targets")
	}
	return delivered, nil
}

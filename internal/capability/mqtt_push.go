package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"safeguard-dispatch/internal/config"
)

// MQTTPush PushNotifier 的 MQTT 实现
// 报警负载发布到每设备主题（TopicPrefix + target）；
// 定时通知通过本地定时器延迟发布到自身设备主题。
type MQTTPush struct {
	client    mqtt.Client
	cfg       *config.MQTTConfig
	selfTopic string
	logger    *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer // notificationID -> pending timer
}

// NewMQTTPush 创建 MQTT 推送客户端并连接
func NewMQTTPush(cfg *config.MQTTConfig, logger *zap.Logger) (*MQTTPush, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &MQTTPush{
		client:    client,
		cfg:       cfg,
		selfTopic: cfg.TopicPrefix + cfg.ClientID,
		logger:    logger,
		timers:    make(map[string]*time.Timer),
	}, nil
}

// Available 检查连接状态
func (p *MQTTPush) Available() bool {
	return p.client.IsConnected()
}

// Notify 向目标设备主题发布报警负载
func (p *MQTTPush) Notify(ctx context.Context, target string, payload []byte) error {
	topic := p.cfg.TopicPrefix + target
	token := p.client.Publish(topic, p.cfg.QoS, false, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Schedule 安排定时通知（到时发布到自身设备主题）
func (p *MQTTPush) Schedule(content string, at time.Time) (string, error) {
	notificationID := uuid.New().String()
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	p.mu.Lock()
	p.timers[notificationID] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, notificationID)
		p.mu.Unlock()

		token := p.client.Publish(p.selfTopic, p.cfg.QoS, false, []byte(content))
		token.Wait()
		if token.Error() != nil {
			p.logger.Error("Failed to publish scheduled notification",
				zap.String("notification_id", notificationID),
				zap.Error(token.Error()),
			)
		}
	})
	p.mu.Unlock()

	return notificationID, nil
}

// Cancel 取消未触发的定时通知
func (p *MQTTPush) Cancel(notificationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if timer, ok := p.timers[notificationID]; ok {
		timer.Stop()
		delete(p.timers, notificationID)
	}
}

// Disconnect 断开连接
func (p *MQTTPush) Disconnect() {
	p.mu.Lock()
	for id, timer := range p.timers {
		timer.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()

	p.client.Disconnect(250)
}

package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"safeguard-dispatch/internal/config"
)

// HTTPCloudMessenger CloudMessenger 的 HTTP 实现
// 调用云消息后端的 send 接口（模板参数 + 目标号码）
type HTTPCloudMessenger struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPCloudMessenger 创建云消息客户端
func NewHTTPCloudMessenger(cfg *config.Config, logger *zap.Logger) *HTTPCloudMessenger {
	return &HTTPCloudMessenger{
		endpoint: cfg.Cloud.Endpoint,
		apiKey:   cfg.Cloud.APIKey,
		client: &http.Client{
			Timeout: cfg.Cloud.Timeout,
		},
		logger: logger,
	}
}

// Available 端点已配置即可用（网络可达性由编排层判断）
func (m *HTTPCloudMessenger) Available() bool {
	return m.endpoint != ""
}

type cloudSendRequest struct {
	To     string            `json:"to"`
	Params map[string]string `json:"params"`
}

type cloudSendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id"`
}

// Send 发送云消息
func (m *HTTPCloudMessenger) Send(ctx context.Context, number string, params map[string]string) (CloudResult, error) {
	body, err := json.Marshal(cloudSendRequest{To: number, Params: params})
	if err != nil {
		return CloudResult{}, fmt.Errorf("failed to marshal cloud request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return CloudResult{}, fmt.Errorf("failed to build cloud request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return CloudResult{}, fmt.Errorf("failed to send cloud message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CloudResult{}, fmt.Errorf("cloud backend returned status %d", resp.StatusCode)
	}

	var sendResp cloudSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sendResp); err != nil {
		return CloudResult{}, fmt.Errorf("failed to decode cloud response: %w", err)
	}

	return CloudResult{
		Success:   sendResp.Success,
		MessageID: sendResp.MessageID,
	}, nil
}

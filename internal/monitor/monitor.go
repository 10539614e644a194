package monitor

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"safeguard-dispatch/internal/capability"
	"safeguard-dispatch/internal/config"
)

// ProbeFunc 连通性探测函数（可注入，便于测试）
type ProbeFunc func(ctx context.Context) bool

// ConnectivityMonitor 连通性监视器
// 按固定间隔探测网络可达性，暴露拉取接口（Current）和
// 订阅接口（Subscribe），并在 offline→online 转换时通知订阅者。
type ConnectivityMonitor struct {
	cfg    *config.Config
	probe  ProbeFunc
	logger *zap.Logger

	mu          sync.RWMutex
	current     capability.ConnectivityStatus
	subscribers map[int]chan capability.ConnectivityStatus
	nextSubID   int
}

// NewConnectivityMonitor 创建连通性监视器
// probe 为 nil 时使用默认 TCP 拨号探测
func NewConnectivityMonitor(cfg *config.Config, probe ProbeFunc, logger *zap.Logger) *ConnectivityMonitor {
	m := &ConnectivityMonitor{
		cfg:         cfg,
		probe:       probe,
		logger:      logger,
		subscribers: make(map[int]chan capability.ConnectivityStatus),
	}

	if m.probe == nil {
		m.probe = m.dialProbe
	}

	// 启动前默认离线，首次探测后修正
	m.current = capability.ConnectivityStatus{Connected: false, Reachable: false, Type: "none"}

	return m
}

// Current 返回当前连通性状态
func (m *ConnectivityMonitor) Current() capability.ConnectivityStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe 订阅状态变化，返回事件通道和取消订阅函数
func (m *ConnectivityMonitor) Subscribe() (<-chan capability.ConnectivityStatus, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	ch := make(chan capability.ConnectivityStatus, 4)
	m.subscribers[id] = ch

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(sub)
		}
	}

	return ch, unsubscribe
}

// Start 启动探测循环（阻塞直到 ctx 取消）
func (m *ConnectivityMonitor) Start(ctx context.Context) error {
	m.logger.Info("Connectivity monitor started",
		zap.Duration("probe_interval", m.cfg.Monitor.ProbeInterval),
		zap.String("probe_addr", m.cfg.Monitor.ProbeAddr),
	)

	ticker := time.NewTicker(m.cfg.Monitor.ProbeInterval)
	defer ticker.Stop()

	// 立即探测一次
	m.runProbe(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Connectivity monitor stopped")
			return nil
		case <-ticker.C:
			m.runProbe(ctx)
		}
	}
}

// runProbe 执行一次探测并在状态变化时通知订阅者
func (m *ConnectivityMonitor) runProbe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Monitor.ProbeTimeout)
	reachable := m.probe(probeCtx)
	cancel()

	status := capability.ConnectivityStatus{
		Connected: reachable,
		Reachable: reachable,
		Type:      "none",
	}
	if reachable {
		// TCP 探测只能判断可达性，接口类型由平台感知的探测提供
		status.Type = "unknown"
	}

	m.mu.Lock()
	prev := m.current
	m.current = status

	var subs []chan capability.ConnectivityStatus
	if prev.Reachable != status.Reachable {
		for _, ch := range m.subscribers {
			subs = append(subs, ch)
		}
	}
	m.mu.Unlock()

	if prev.Reachable == status.Reachable {
		return
	}

	m.logger.Info("Connectivity changed",
		zap.Bool("reachable", status.Reachable),
	)

	for _, ch := range subs {
		// 订阅通道已满时丢弃本次事件，订阅者随后可用 Current() 对齐
		select {
		case ch <- status:
		default:
		}
	}
}

// dialProbe 默认探测：对配置地址做一次 TCP 拨号
func (m *ConnectivityMonitor) dialProbe(ctx context.Context) bool {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", m.cfg.Monitor.ProbeAddr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

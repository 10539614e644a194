package trigger

import (
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"safeguard-dispatch/internal/config"
)

// State 触发状态
type State string

const (
	StateIdle       State = "idle"
	StateArming     State = "arming"     // 长按倒计时中，可取消
	StateConfirming State = "confirming" // 等待显式确认（轻触/摇晃/语音）
	StateActivated  State = "activated"
)

// ActivateFunc 激活回调，source 为触发来源（tap/long_press/shake/voice）
type ActivateFunc func(source string)

// ProgressFunc 长按进度回调，ratio 取值 [0,1]
type ProgressFunc func(ratio float64)

// 语音触发/取消短语的默认集合（大小写不敏感的子串匹配）
var (
	defaultTriggerPhrases = []string{"help me", "emergency", "sos"}
	defaultCancelPhrases  = []string{"cancel", "i am safe", "false alarm"}
)

// Machine 触发状态机
// 把轻触、长按、摇晃、语音四种触发方式收敛为单一的激活决策；
// 同一时刻只允许一个触发序列在途，arming/confirming 期间的新触发请求一律忽略。
type Machine struct {
	cfg        *config.Config
	logger     *zap.Logger
	onActivate ActivateFunc
	onProgress ProgressFunc

	triggerPhrases []string
	cancelPhrases  []string

	mu         sync.Mutex
	state      State
	holdCancel chan struct{} // 非 nil 表示长按倒计时在途
}

// NewMachine 创建触发状态机
// onProgress 可为 nil
func NewMachine(cfg *config.Config, onActivate ActivateFunc, onProgress ProgressFunc, logger *zap.Logger) *Machine {
	return &Machine{
		cfg:            cfg,
		logger:         logger,
		onActivate:     onActivate,
		onProgress:     onProgress,
		triggerPhrases: defaultTriggerPhrases,
		cancelPhrases:  defaultCancelPhrases,
		state:          StateIdle,
	}
}

// SetVoicePhrases 覆盖语音触发/取消短语集（两个集合必须不相交）
func (m *Machine) SetVoicePhrases(trigger, cancel []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggerPhrases = trigger
	m.cancelPhrases = cancel
}

// State 返回当前状态
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Tap 轻触触发：idle → confirming，等待 Confirm/Dismiss
// 返回 false 表示已有触发序列在途，本次请求被忽略
func (m *Machine) Tap() bool {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return false
	}
	m.state = StateConfirming
	m.mu.Unlock()

	m.logger.Info("Trigger confirming", zap.String("source", "tap"))
	return true
}

// Confirm 确认在途的 confirming 序列：confirming → activated
func (m *Machine) Confirm() bool {
	m.mu.Lock()
	if m.state != StateConfirming {
		m.mu.Unlock()
		return false
	}
	m.activateLocked("confirm")
	return true
}

// Dismiss 否决在途的 confirming 序列：confirming → idle
func (m *Machine) Dismiss() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConfirming {
		return false
	}
	m.state = StateIdle
	m.logger.Info("Trigger dismissed")
	return true
}

// PressStart 长按开始：idle → arming，启动可取消的倒计时
// 倒计时按 HoldTick 刻度发出进度比例；计满 HoldDuration 自动激活
func (m *Machine) PressStart() bool {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return false
	}
	m.state = StateArming
	cancel := make(chan struct{})
	m.holdCancel = cancel
	m.mu.Unlock()

	m.logger.Info("Trigger arming", zap.Duration("hold_duration", m.cfg.Trigger.HoldDuration))
	go m.runHold(cancel)
	return true
}

// PressRelease 长按提前松开：arming → idle，进度归零
func (m *Machine) PressRelease() bool {
	m.mu.Lock()
	if m.state != StateArming || m.holdCancel == nil {
		m.mu.Unlock()
		return false
	}
	close(m.holdCancel)
	m.holdCancel = nil
	m.state = StateIdle
	m.mu.Unlock()

	m.logger.Info("Trigger hold released early")
	return true
}

// ShakeSample 摇晃采样（10Hz 加速度计幅值）
// 幅值 sqrt(x²+y²+z²) 达到阈值且摇晃检测开启、状态为 idle 时进入 confirming
func (m *Machine) ShakeSample(x, y, z float64) bool {
	if !m.cfg.Trigger.ShakeEnabled {
		return false
	}

	magnitude := math.Sqrt(x*x + y*y + z*z)
	if magnitude < m.cfg.Trigger.ShakeThreshold {
		return false
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return false
	}
	m.state = StateConfirming
	m.mu.Unlock()

	m.logger.Info("Trigger confirming",
		zap.String("source", "shake"),
		zap.Float64("magnitude", magnitude),
	)
	return true
}

// Utterance 语音输入
// 触发短语命中（idle）→ confirming，若配置免确认则直接 activated；
// 取消短语命中（confirming）→ idle。两个短语集不相交。
func (m *Machine) Utterance(text string) bool {
	lowered := strings.ToLower(text)

	m.mu.Lock()
	switch m.state {
	case StateIdle:
		if !matchPhrase(lowered, m.triggerPhrases) {
			m.mu.Unlock()
			return false
		}
		if m.cfg.Trigger.VoiceConfirm {
			m.state = StateConfirming
			m.mu.Unlock()
			m.logger.Info("Trigger confirming", zap.String("source", "voice"))
			return true
		}
		m.activateLocked("voice")
		return true

	case StateConfirming:
		if !matchPhrase(lowered, m.cancelPhrases) {
			m.mu.Unlock()
			return false
		}
		m.state = StateIdle
		m.mu.Unlock()
		m.logger.Info("Trigger cancelled by voice")
		return true

	default:
		m.mu.Unlock()
		return false
	}
}

// Deactivate 解除激活：activated → idle，与激活方式无关，始终可用
func (m *Machine) Deactivate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActivated {
		return false
	}
	m.state = StateIdle
	m.logger.Info("Trigger deactivated")
	return true
}

// runHold 长按倒计时任务
func (m *Machine) runHold(cancel chan struct{}) {
	start := time.Now()
	ticker := time.NewTicker(m.cfg.Trigger.HoldTick)
	defer ticker.Stop()

	// 进度只由本任务发出，保证提前松开后的归零不会被在途刻度覆盖
	for {
		select {
		case <-cancel:
			m.emitProgress(0)
			return
		case <-ticker.C:
			ratio := float64(time.Since(start)) / float64(m.cfg.Trigger.HoldDuration)
			if ratio >= 1.0 {
				m.emitProgress(1.0)
				m.completeHold(cancel)
				return
			}
			m.emitProgress(ratio)
		}
	}
}

// completeHold 倒计时计满后激活；校验序列身份，避免与提前松开竞争
func (m *Machine) completeHold(cancel chan struct{}) {
	m.mu.Lock()
	if m.state != StateArming || m.holdCancel != cancel {
		m.mu.Unlock()
		return
	}
	m.holdCancel = nil
	m.activateLocked("long_press")
}

// activateLocked 进入 activated 并触发激活回调；调用方必须持锁，本函数负责解锁
func (m *Machine) activateLocked(source string) {
	m.state = StateActivated
	m.mu.Unlock()

	m.logger.Info("Trigger activated", zap.String("source", source))
	if m.onActivate != nil {
		m.onActivate(source)
	}
}

func (m *Machine) emitProgress(ratio float64) {
	if m.onProgress != nil {
		m.onProgress(ratio)
	}
}

func matchPhrase(lowered string, phrases []string) bool {
	for _, p := range phrases {
		if p != "" && strings.Contains(lowered, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

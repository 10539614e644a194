package checkin

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"safeguard-dispatch/internal/capability"
	"safeguard-dispatch/internal/config"
	"safeguard-dispatch/internal/models"
)

var (
	ErrTimerNotFound  = errors.New("checkin timer not found")
	ErrTimerNotActive = errors.New("checkin timer not active")
)

// EscalateFunc 超时升级回调
// 定时器计满仍未 check-in 时调用，走与手动 SOS 完全相同的派发路径
type EscalateFunc func(timer models.CheckInTimer)

// timerEntry 单个定时器及其挂起的调度任务
type timerEntry struct {
	timer      models.CheckInTimer
	terminal   *time.Timer
	reminder   *time.Timer
	reminderID string // 已安排的推送通知ID，取消时一并撤销
}

// Manager Check-in 定时器管理器（dead-man's switch）
// 启动时安排 75% 时点的提醒和 100% 时点的终态检查；
// 状态转移串行化，active 之后的状态为终态，不再变更。
type Manager struct {
	cfg      *config.Config
	notifier capability.PushNotifier
	escalate EscalateFunc
	logger   *zap.Logger

	mu     sync.Mutex
	timers map[string]*timerEntry
}

// NewManager 创建 Check-in 管理器
// notifier 可为 nil（无推送能力时跳过提醒）
func NewManager(cfg *config.Config, notifier capability.PushNotifier, escalate EscalateFunc, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		notifier: notifier,
		escalate: escalate,
		logger:   logger,
		timers:   make(map[string]*timerEntry),
	}
}

// Start 启动定时器，返回定时器ID
// destination、location 可为 nil
func (m *Manager) Start(duration time.Duration, destination *string, location *models.LocationSnapshot) (string, error) {
	if duration <= 0 {
		return "", fmt.Errorf("invalid checkin duration: %v", duration)
	}

	now := time.Now()
	timer := models.CheckInTimer{
		TimerID:     uuid.New().String(),
		Duration:    duration,
		StartedAt:   now,
		EndsAt:      now.Add(duration),
		Destination: destination,
		Location:    location,
		Status:      models.CheckInActive,
	}

	entry := &timerEntry{timer: timer}

	// 75% 时点的提醒通知
	reminderDelay := time.Duration(float64(duration) * m.cfg.CheckIn.ReminderRatio)
	entry.reminder = time.AfterFunc(reminderDelay, func() {
		m.fireReminder(timer.TimerID)
	})

	// 100% 时点的终态检查
	entry.terminal = time.AfterFunc(duration, func() {
		m.fireTerminal(timer.TimerID)
	})

	m.mu.Lock()
	m.timers[timer.TimerID] = entry
	m.mu.Unlock()

	m.logger.Info("Check-in timer started",
		zap.String("timer_id", timer.TimerID),
		zap.Duration("duration", duration),
		zap.Time("ends_at", timer.EndsAt),
	)

	return timer.TimerID, nil
}

// CheckIn 手动确认：active → completed，撤销挂起的终态检查
func (m *Manager) CheckIn(timerID string) error {
	return m.resolve(timerID, models.CheckInCompleted)
}

// Cancel 取消定时器：active → cancelled
func (m *Manager) Cancel(timerID string) error {
	return m.resolve(timerID, models.CheckInCancelled)
}

// Get 返回定时器当前快照
func (m *Manager) Get(timerID string) (models.CheckInTimer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.timers[timerID]
	if !ok {
		return models.CheckInTimer{}, ErrTimerNotFound
	}
	return entry.timer, nil
}

// Stop 撤销所有仍在挂起的调度任务（进程退出时调用，不改变已记录的状态）
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.timers {
		entry.terminal.Stop()
		entry.reminder.Stop()
		if entry.reminderID != "" && m.notifier != nil {
			m.notifier.Cancel(entry.reminderID)
		}
	}
}

func (m *Manager) resolve(timerID string, status models.CheckInStatus) error {
	m.mu.Lock()
	entry, ok := m.timers[timerID]
	if !ok {
		m.mu.Unlock()
		return ErrTimerNotFound
	}
	if entry.timer.Status != models.CheckInActive {
		m.mu.Unlock()
		return fmt.Errorf("%w: status is %s", ErrTimerNotActive, entry.timer.Status)
	}

	entry.timer.Status = status
	entry.terminal.Stop()
	entry.reminder.Stop()
	reminderID := entry.reminderID
	m.mu.Unlock()

	if reminderID != "" && m.notifier != nil {
		m.notifier.Cancel(reminderID)
	}

	m.logger.Info("Check-in timer resolved",
		zap.String("timer_id", timerID),
		zap.String("status", string(status)),
	)
	return nil
}

func (m *Manager) fireReminder(timerID string) {
	m.mu.Lock()
	entry, ok := m.timers[timerID]
	if !ok || entry.timer.Status != models.CheckInActive {
		m.mu.Unlock()
		return
	}
	endsAt := entry.timer.EndsAt
	m.mu.Unlock()

	if m.notifier == nil || !m.notifier.Available() {
		return
	}

	content := fmt.Sprintf("Check-in due at %s. Tap to confirm you are safe.", endsAt.Format(time.Kitchen))
	notificationID, err := m.notifier.Schedule(content, time.Now())
	if err != nil {
		m.logger.Warn("Failed to schedule check-in reminder",
			zap.String("timer_id", timerID),
			zap.Error(err),
		)
		return
	}

	m.mu.Lock()
	if entry, ok := m.timers[timerID]; ok {
		entry.reminderID = notificationID
	}
	m.mu.Unlock()

	m.logger.Info("Check-in reminder sent", zap.String("timer_id", timerID))
}

// fireTerminal 终态检查：仍为 active 则判定 missed 并升级为报警
func (m *Manager) fireTerminal(timerID string) {
	m.mu.Lock()
	entry, ok := m.timers[timerID]
	if !ok || entry.timer.Status != models.CheckInActive {
		m.mu.Unlock()
		return
	}
	entry.timer.Status = models.CheckInMissed
	snapshot := entry.timer
	m.mu.Unlock()

	m.logger.Warn("Check-in missed, escalating to alert",
		zap.String("timer_id", timerID),
		zap.Time("ends_at", snapshot.EndsAt),
	)

	if m.escalate != nil {
		m.escalate(snapshot)
	}
}

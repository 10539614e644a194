package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"safeguard-dispatch/internal/capability"
	"safeguard-dispatch/internal/config"
	"safeguard-dispatch/internal/models"
)

// ReplayFunc 重放单条队列条目；返回 nil 表示投递成功
type ReplayFunc func(ctx context.Context, alert *models.QueuedAlert) error

// TerminalFunc 终态失败信号（条目超过最大重试次数被移除时调用）
type TerminalFunc func(alert models.QueuedAlert)

// OfflineQueue 离线报警队列
// 无法立即投递的信封落盘到字节存储（键 alert_queue），
// 连通性恢复事件驱动顺序重放；重试只由恢复事件触发，不走定时退避。
type OfflineQueue struct {
	cfg        *config.Config
	store      capability.ByteStore
	logger     *zap.Logger
	onTerminal TerminalFunc

	mu       sync.Mutex // 存储的单写者锁
	replayMu sync.Mutex // 同一队列绝不并发重放
}

// NewOfflineQueue 创建离线队列
// onTerminal 可为 nil
func NewOfflineQueue(cfg *config.Config, store capability.ByteStore, onTerminal TerminalFunc, logger *zap.Logger) *OfflineQueue {
	return &OfflineQueue{
		cfg:        cfg,
		store:      store,
		logger:     logger,
		onTerminal: onTerminal,
	}
}

// Enqueue 追加队列条目（按信封ID幂等，同一逻辑事件不产生重复条目）
func (q *OfflineQueue) Enqueue(ctx context.Context, kind models.AlertKind, env *models.AlertEnvelope) (*models.QueuedAlert, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.loadLocked(ctx)
	if err != nil {
		return nil, err
	}

	for i := range entries {
		if entries[i].Envelope != nil && entries[i].Envelope.EnvelopeID == env.EnvelopeID {
			q.logger.Debug("Envelope already queued",
				zap.String("envelope_id", env.EnvelopeID),
				zap.String("queued_id", entries[i].ID),
			)
			return &entries[i], nil
		}
	}

	alert := models.QueuedAlert{
		ID:         uuid.New().String(),
		Kind:       kind,
		Envelope:   env,
		EnqueuedAt: time.Now(),
		RetryCount: 0,
	}
	entries = append(entries, alert)

	if err := q.saveLocked(ctx, entries); err != nil {
		return nil, err
	}

	q.logger.Info("Alert enqueued",
		zap.String("queued_id", alert.ID),
		zap.String("envelope_id", env.EnvelopeID),
		zap.String("kind", string(kind)),
		zap.Int("queue_depth", len(entries)),
	)

	return &alert, nil
}

// Entries 返回当前队列快照
func (q *OfflineQueue) Entries(ctx context.Context) ([]models.QueuedAlert, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx)
}

// OnConnectivityRestored 顺序重放队列
// 逐条重放快照：成功移除；失败递增重试计数，超过上限移除并发出终态信号。
// 单条失败不阻塞后续条目。
func (q *OfflineQueue) OnConnectivityRestored(ctx context.Context, replay ReplayFunc) error {
	q.replayMu.Lock()
	defer q.replayMu.Unlock()

	q.mu.Lock()
	snapshot, err := q.loadLocked(ctx)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to load queue for replay: %w", err)
	}

	if len(snapshot) == 0 {
		return nil
	}

	q.logger.Info("Replaying offline queue",
		zap.Int("entry_count", len(snapshot)),
	)

	for i := range snapshot {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entry := snapshot[i]
		if err := replay(ctx, &entry); err == nil {
			if removeErr := q.remove(ctx, entry.ID); removeErr != nil {
				q.logger.Error("Failed to remove replayed entry",
					zap.String("queued_id", entry.ID),
					zap.Error(removeErr),
				)
			}
			q.logger.Info("Queued alert replayed",
				zap.String("queued_id", entry.ID),
				zap.String("envelope_id", entry.Envelope.EnvelopeID),
			)
			continue
		}

		entry.RetryCount++
		if entry.RetryCount >= q.cfg.Queue.MaxRetries {
			// 重试耗尽：移除并发出终态失败信号，绝不静默丢弃
			if removeErr := q.remove(ctx, entry.ID); removeErr != nil {
				q.logger.Error("Failed to remove exhausted entry",
					zap.String("queued_id", entry.ID),
					zap.Error(removeErr),
				)
			}

			q.logger.Error("Queued alert exceeded max retries, giving up",
				zap.String("queued_id", entry.ID),
				zap.String("envelope_id", entry.Envelope.EnvelopeID),
				zap.Int("retry_count", entry.RetryCount),
			)

			if q.onTerminal != nil {
				q.onTerminal(entry)
			}
			continue
		}

		if updateErr := q.update(ctx, entry); updateErr != nil {
			q.logger.Error("Failed to update retry count",
				zap.String("queued_id", entry.ID),
				zap.Error(updateErr),
			)
		}

		q.logger.Warn("Queued alert replay failed",
			zap.String("queued_id", entry.ID),
			zap.Int("retry_count", entry.RetryCount),
		)
	}

	return nil
}

func (q *OfflineQueue) remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.loadLocked(ctx)
	if err != nil {
		return err
	}

	filtered := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			filtered = append(filtered, e)
		}
	}
	return q.saveLocked(ctx, filtered)
}

func (q *OfflineQueue) update(ctx context.Context, alert models.QueuedAlert) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.loadLocked(ctx)
	if err != nil {
		return err
	}

	for i := range entries {
		if entries[i].ID == alert.ID {
			entries[i] = alert
			break
		}
	}
	return q.saveLocked(ctx, entries)
}

func (q *OfflineQueue) loadLocked(ctx context.Context) ([]models.QueuedAlert, error) {
	raw, err := q.store.Get(ctx, q.cfg.Queue.StoreKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var entries []models.QueuedAlert
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue: %w", err)
	}
	return entries, nil
}

func (q *OfflineQueue) saveLocked(ctx context.Context, entries []models.QueuedAlert) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}
	if err := q.store.Set(ctx, q.cfg.Queue.StoreKey, raw); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	return nil
}

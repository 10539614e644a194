package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"safeguard-dispatch/internal/capability"
	"safeguard-dispatch/internal/config"
	"safeguard-dispatch/internal/models"
)

func setupQueue(t *testing.T, onTerminal TerminalFunc) *OfflineQueue {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := capability.NewRedisStore(client, zap.NewNop())

	cfg := &config.Config{}
	cfg.Queue.StoreKey = "alert_queue"
	cfg.Queue.MaxRetries = 3

	return NewOfflineQueue(cfg, store, onTerminal, zap.NewNop())
}

func envelope(id string) *models.AlertEnvelope {
	return &models.AlertEnvelope{
		EnvelopeID: id,
		SenderName: "Alice",
		SenderID:   "user-1",
		Timestamp:  time.Now(),
		Message:    "help",
	}
}

func TestEnqueue_Persists(t *testing.T) {
	q := setupQueue(t, nil)
	ctx := context.Background()

	alert, err := q.Enqueue(ctx, models.KindSOS, envelope("env-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, 0, alert.RetryCount)

	entries, err := q.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "env-1", entries[0].Envelope.EnvelopeID)
}

func TestEnqueue_IdempotentByEnvelope(t *testing.T) {
	q := setupQueue(t, nil)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, models.KindSOS, envelope("env-1"))
	require.NoError(t, err)

	// 同一逻辑事件重复入队不产生新条目
	second, err := q.Enqueue(ctx, models.KindSOS, envelope("env-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	entries, err := q.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReplay_SuccessRemovesEntry(t *testing.T) {
	q := setupQueue(t, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.KindSOS, envelope("env-1"))
	require.NoError(t, err)

	var replayed []string
	err = q.OnConnectivityRestored(ctx, func(ctx context.Context, alert *models.QueuedAlert) error {
		replayed = append(replayed, alert.Envelope.EnvelopeID)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"env-1"}, replayed)

	entries, err := q.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReplay_FailureIncrementsRetry(t *testing.T) {
	q := setupQueue(t, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.KindSOS, envelope("env-1"))
	require.NoError(t, err)

	err = q.OnConnectivityRestored(ctx, func(ctx context.Context, alert *models.QueuedAlert) error {
		return errors.New("still unreachable")
	})
	require.NoError(t, err)

	entries, err := q.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
}

func TestReplay_RetryBound(t *testing.T) {
	var terminal []models.QueuedAlert
	q := setupQueue(t, func(alert models.QueuedAlert) {
		terminal = append(terminal, alert)
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.KindSOS, envelope("env-1"))
	require.NoError(t, err)

	attempts := 0
	failAlways := func(ctx context.Context, alert *models.QueuedAlert) error {
		attempts++
		return errors.New("unreachable")
	}

	// 三次失败后条目移除，绝不第四次重试
	for i := 0; i < 5; i++ {
		require.NoError(t, q.OnConnectivityRestored(ctx, failAlways))
	}

	assert.Equal(t, 3, attempts)

	entries, err := q.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// 终态失败信号恰好一次
	require.Len(t, terminal, 1)
	assert.Equal(t, "env-1", terminal[0].Envelope.EnvelopeID)
	assert.Equal(t, 3, terminal[0].RetryCount)
}

func TestReplay_OneFailureDoesNotBlockOthers(t *testing.T) {
	q := setupQueue(t, nil)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.KindSOS, envelope("env-bad"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.KindMessage, envelope("env-good"))
	require.NoError(t, err)

	err = q.OnConnectivityRestored(ctx, func(ctx context.Context, alert *models.QueuedAlert) error {
		if alert.Envelope.EnvelopeID == "env-bad" {
			return errors.New("unreachable")
		}
		return nil
	})
	require.NoError(t, err)

	entries, err := q.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "env-bad", entries[0].Envelope.EnvelopeID)
}

func TestReplay_EmptyQueueNoop(t *testing.T) {
	q := setupQueue(t, nil)

	called := false
	err := q.OnConnectivityRestored(context.Background(), func(ctx context.Context, alert *models.QueuedAlert) error {
		called = true
		return nil
	})

	require.NoError(t, err)
	assert.False(t, called)
}

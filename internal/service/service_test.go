package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"safeguard-dispatch/internal/capability"
	"safeguard-dispatch/internal/config"
	"safeguard-dispatch/internal/dispatcher"
	"safeguard-dispatch/internal/models"
	"safeguard-dispatch/internal/monitor"
	"safeguard-dispatch/internal/queue"
	"safeguard-dispatch/internal/repository"
	"safeguard-dispatch/internal/resolver"
)

type replayChannel struct {
	mu    sync.Mutex
	sends int
}

func (c *replayChannel) Name() string    { return "cloud" }
func (c *replayChannel) Available() bool { return true }

func (c *replayChannel) Send(ctx context.Context, targets []models.Contact, env *models.AlertEnvelope) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	return len(targets), nil
}

func (c *replayChannel) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends
}

func testServiceConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Monitor.ProbeInterval = 10 * time.Millisecond
	cfg.Monitor.ProbeTimeout = 5 * time.Millisecond
	cfg.Queue.StoreKey = "alert_queue"
	cfg.Queue.MaxRetries = 3
	cfg.Dispatch.ChannelTimeout = 100 * time.Millisecond
	cfg.Dispatch.TrackingBase = "https://track.safeguard.app/a/"
	return cfg
}

// newReplayTestService 组装只含重放链路所需组件的服务实例
func newReplayTestService(t *testing.T, probe monitor.ProbeFunc, ch dispatcher.Channel) (*DispatchService, *queue.OfflineQueue, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := capability.NewRedisStore(client, zap.NewNop())

	cfg := testServiceConfig()
	q := queue.NewOfflineQueue(cfg, store, nil, zap.NewNop())
	orch := dispatcher.NewOrchestrator(cfg, []dispatcher.Channel{ch}, nil, q, nil, nil, zap.NewNop())

	s := &DispatchService{
		config:          cfg,
		logger:          zap.NewNop(),
		userID:          "user-1",
		userName:        "Alice",
		contactRepo:     repository.NewContactRepository(db, zap.NewNop()),
		alertEventsRepo: repository.NewAlertEventsRepository(db, zap.NewNop()),
		connMonitor:     monitor.NewConnectivityMonitor(cfg, probe, zap.NewNop()),
		contactResolver: resolver.NewContactResolver(zap.NewNop()),
		offlineQueue:    q,
		orchestrator:    orch,
		envelopes:       dispatcher.NewEnvelopeBuilder(cfg.Dispatch.TrackingBase),
	}
	return s, q, mock
}

func expectReplayRoundTrip(mock sqlmock.Sqlmock, envelopeID string) {
	rows := sqlmock.NewRows([]string{
		"contact_id", "user_id", "name", "phone_number", "relationship",
		"role", "verified", "favorite", "email", "notes",
	}).AddRow("c-1", "user-1", "Mom", "+15550001111", "mother", "primary", true, true, nil, nil)

	mock.ExpectQuery(`SELECT`).
		WithArgs("user-1").
		WillReturnRows(rows)

	mock.ExpectExec(`UPDATE alert_events`).
		WithArgs(envelopeID, repository.AlertStatusDelivered, 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestStart_ReplaysQueueOnReconnect(t *testing.T) {
	var online atomic.Bool
	probe := func(ctx context.Context) bool { return online.Load() }
	ch := &replayChannel{}

	s, q, mock := newReplayTestService(t, probe, ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := s.envelopes.Build("Alice", "user-1", "help", nil, nil)
	_, err := q.Enqueue(ctx, models.KindSOS, env)
	require.NoError(t, err)

	expectReplayRoundTrip(mock, env.EnvelopeID)

	// Start 不得阻塞在探测循环里
	started := make(chan error, 1)
	go func() { started <- s.Start(ctx) }()
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Start did not return, replay wiring unreachable")
	}

	// 离线期间队列保持不动
	time.Sleep(50 * time.Millisecond)
	entries, err := q.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 0, entries[0].RetryCount)

	// 网络恢复：转换事件驱动重放，队列清空且事件标记已送达
	online.Store(true)

	require.Eventually(t, func() bool {
		entries, err := q.Entries(context.Background())
		return err == nil && len(entries) == 0
	}, time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, ch.sendCount(), 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStart_ReplaysPersistedQueueAtStartup(t *testing.T) {
	// 上次会话遗留的队列：启动时网络已在线，首次探测的转换也要触发重放
	probe := func(ctx context.Context) bool { return true }
	ch := &replayChannel{}

	s, q, mock := newReplayTestService(t, probe, ch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := s.envelopes.Build("Alice", "user-1", "help", nil, nil)
	_, err := q.Enqueue(ctx, models.KindSOS, env)
	require.NoError(t, err)

	expectReplayRoundTrip(mock, env.EnvelopeID)

	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool {
		entries, err := q.Entries(context.Background())
		return err == nil && len(entries) == 0
	}, time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, ch.sendCount(), 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

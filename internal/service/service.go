package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"safeguard-dispatch/internal/capability"
	"safeguard-dispatch/internal/checkin"
	"safeguard-dispatch/internal/config"
	"safeguard-dispatch/internal/dispatcher"
	"safeguard-dispatch/internal/location"
	"safeguard-dispatch/internal/models"
	"safeguard-dispatch/internal/monitor"
	"safeguard-dispatch/internal/otp"
	"safeguard-dispatch/internal/queue"
	"safeguard-dispatch/internal/repository"
	"safeguard-dispatch/internal/resolver"
	"safeguard-dispatch/internal/trigger"
)

const defaultSOSMessage = "Emergency! I need help. This is an automated SOS alert."

// Capabilities 平台能力集
// 按平台可用性注入，成员可为 nil（对应通道/功能自动跳过）
type Capabilities struct {
	Location capability.LocationProvider
	SMS      capability.SMSSender
	Dialer   capability.Dialer
}

// DispatchService 报警调度服务（整合各层）
type DispatchService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger
	userID      string
	userName    string

	// 各层组件
	contactRepo     *repository.ContactRepository
	alertEventsRepo *repository.AlertEventsRepository
	streamPub       *capability.StreamPublisher
	push            *capability.MQTTPush
	connMonitor     *monitor.ConnectivityMonitor
	contactResolver *resolver.ContactResolver
	verifier        *otp.Verifier
	acquirer        *location.Acquirer
	offlineQueue    *queue.OfflineQueue
	orchestrator    *dispatcher.Orchestrator
	envelopes       *dispatcher.EnvelopeBuilder
	triggerMachine  *trigger.Machine
	checkinManager  *checkin.Manager

	unsubscribe func()
}

// NewDispatchService 创建报警调度服务
func NewDispatchService(cfg *config.Config, logger *zap.Logger, userID, userName string, caps Capabilities) (*DispatchService, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 创建 Repository 层
	contactRepo := repository.NewContactRepository(db, logger)
	alertEventsRepo := repository.NewAlertEventsRepository(db, logger)

	// 4. 创建外部能力
	store := capability.NewRedisStore(redisClient, logger)
	streamPub := capability.NewStreamPublisher(redisClient, cfg.Dispatch.AuditStream, logger)
	cloud := capability.NewHTTPCloudMessenger(cfg, logger)

	push, err := capability.NewMQTTPush(&cfg.MQTT, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect mqtt push: %w", err)
	}

	// 5. 创建核心组件
	connMonitor := monitor.NewConnectivityMonitor(cfg, nil, logger)
	contactResolver := resolver.NewContactResolver(logger)
	verifier := otp.NewVerifier(cfg, store, cloud, contactRepo, logger)
	acquirer := location.NewAcquirer(caps.Location, cfg.Location.MaxWait, logger)

	// 6. 离线队列：重试耗尽的终态失败落盘并发布审计信号，绝不无痕丢弃
	onTerminal := func(alert models.QueuedAlert) {
		termCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := alertEventsRepo.UpdateAlertStatus(termCtx, alert.Envelope.EnvelopeID, repository.AlertStatusFailed, 0); err != nil {
			logger.Error("Failed to record terminal delivery failure",
				zap.String("envelope_id", alert.Envelope.EnvelopeID),
				zap.Error(err),
			)
		}
		if _, err := streamPub.PublishJSON(termCtx, "alert_terminal_failure", alert); err != nil {
			logger.Error("Failed to publish terminal failure event",
				zap.String("envelope_id", alert.Envelope.EnvelopeID),
				zap.Error(err),
			)
		}
	}
	offlineQueue := queue.NewOfflineQueue(cfg, store, onTerminal, logger)

	// 7. 创建投递编排器（云 → 短信，推送尽力而为）
	channels := []dispatcher.Channel{
		dispatcher.NewCloudChannel(cloud, connMonitor, logger),
		dispatcher.NewSMSChannel(caps.SMS, logger),
	}
	recorder := &outcomeRecorder{
		events: alertEventsRepo,
		stream: streamPub,
		logger: logger,
	}
	orchestrator := dispatcher.NewOrchestrator(
		cfg,
		channels,
		dispatcher.NewPushChannel(push, logger),
		offlineQueue,
		recorder,
		caps.Dialer,
		logger,
	)

	s := &DispatchService{
		config:          cfg,
		db:              db,
		redisClient:     redisClient,
		logger:          logger,
		userID:          userID,
		userName:        userName,
		contactRepo:     contactRepo,
		alertEventsRepo: alertEventsRepo,
		streamPub:       streamPub,
		push:            push,
		connMonitor:     connMonitor,
		contactResolver: contactResolver,
		verifier:        verifier,
		acquirer:        acquirer,
		offlineQueue:    offlineQueue,
		orchestrator:    orchestrator,
		envelopes:       dispatcher.NewEnvelopeBuilder(cfg.Dispatch.TrackingBase),
	}

	// 8. 触发状态机与 Check-in 定时器：两条入口汇入同一条派发路径
	s.triggerMachine = trigger.NewMachine(cfg, s.onTriggerActivated, nil, logger)
	s.checkinManager = checkin.NewManager(cfg, push, s.onCheckInMissed, logger)

	return s, nil
}

// Start 启动服务
func (s *DispatchService) Start(ctx context.Context) error {
	s.logger.Info("Starting dispatch service",
		zap.String("user_id", s.userID),
	)

	// 先订阅再启动探测循环：探测循环阻塞到 ctx 取消，
	// 且首次探测的 offline→online 转换要能重放上次会话遗留的队列
	events, unsubscribe := s.connMonitor.Subscribe()
	s.unsubscribe = unsubscribe

	go func() {
		if err := s.connMonitor.Start(ctx); err != nil {
			s.logger.Error("Connectivity monitor exited",
				zap.Error(err),
			)
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case status, ok := <-events:
				if !ok {
					return
				}
				if !status.Reachable {
					continue
				}
				if err := s.offlineQueue.OnConnectivityRestored(ctx, s.replayAlert); err != nil {
					s.logger.Error("Offline queue replay failed",
						zap.Error(err),
					)
				}
			}
		}
	}()

	return nil
}

// Stop 停止服务
func (s *DispatchService) Stop() error {
	s.logger.Info("Stopping dispatch service")

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.checkinManager.Stop()
	s.push.Disconnect()

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	return nil
}

// Trigger 触发状态机入口
func (s *DispatchService) Trigger() *trigger.Machine {
	return s.triggerMachine
}

// CheckIn Check-in 定时器入口
func (s *DispatchService) CheckIn() *checkin.Manager {
	return s.checkinManager
}

// Verifier OTP 验证入口
func (s *DispatchService) Verifier() *otp.Verifier {
	return s.verifier
}

// RecentAlerts 返回当前用户最近的报警事件
func (s *DispatchService) RecentAlerts(ctx context.Context, limit int) ([]repository.AlertEvent, error) {
	return s.alertEventsRepo.GetRecentAlertEvents(ctx, s.userID, limit)
}

// onTriggerActivated 触发激活回调：获取位置后走统一派发路径
func (s *DispatchService) onTriggerActivated(source string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	s.logger.Info("SOS activated, dispatching alert",
		zap.String("source", source),
	)

	loc := s.acquirer.Acquire(ctx)
	if _, err := s.dispatchAlert(ctx, models.KindSOS, defaultSOSMessage, loc); err != nil {
		s.logger.Error("SOS dispatch failed",
			zap.String("source", source),
			zap.Error(err),
		)
	}
}

// onCheckInMissed Check-in 超时升级回调：与手动 SOS 共用同一条派发路径
func (s *DispatchService) onCheckInMissed(timer models.CheckInTimer) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	message := "Missed check-in. I may need help."
	if timer.Destination != nil {
		message = fmt.Sprintf("Missed check-in. I was heading to %s and have not confirmed I am safe.", *timer.Destination)
	}

	// 优先用定时器记录的位置，缺失时再尝试获取当前位置
	loc := timer.Location
	if loc == nil {
		loc = s.acquirer.Acquire(ctx)
	}

	if _, err := s.dispatchAlert(ctx, models.KindSOS, message, loc); err != nil {
		s.logger.Error("Check-in escalation dispatch failed",
			zap.String("timer_id", timer.TimerID),
			zap.Error(err),
		)
	}
}

// dispatchAlert 统一派发路径：解析目标 → 构建信封 → 编排投递
func (s *DispatchService) dispatchAlert(ctx context.Context, kind models.AlertKind, message string, loc *models.LocationSnapshot) (dispatcher.Result, error) {
	roster, err := s.contactRepo.GetContacts(ctx, s.userID)
	if err != nil {
		return dispatcher.Result{Status: dispatcher.StatusFailed}, fmt.Errorf("failed to load roster: %w", err)
	}

	targets, err := s.contactResolver.Resolve(roster)
	if err != nil {
		if errors.Is(err, resolver.ErrNoContacts) {
			return dispatcher.Result{Status: dispatcher.StatusFailed}, fmt.Errorf("no contacts to alert: %w", err)
		}
		return dispatcher.Result{Status: dispatcher.StatusFailed}, err
	}

	env := s.envelopes.Build(s.userName, s.userID, message, loc, nil)
	return s.orchestrator.Dispatch(ctx, kind, targets, env)
}

// replayAlert 离线队列重放：只走可确认通道，成功后更新事件状态
func (s *DispatchService) replayAlert(ctx context.Context, alert *models.QueuedAlert) error {
	roster, err := s.contactRepo.GetContacts(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("failed to load roster for replay: %w", err)
	}

	targets, err := s.contactResolver.Resolve(roster)
	if err != nil {
		return fmt.Errorf("failed to resolve targets for replay: %w", err)
	}

	result := s.orchestrator.Deliver(ctx, targets, alert.Envelope)
	if result.Status != dispatcher.StatusDelivered {
		return fmt.Errorf("replay delivery failed for envelope %s", alert.Envelope.EnvelopeID)
	}

	if err := s.alertEventsRepo.UpdateAlertStatus(ctx, alert.Envelope.EnvelopeID, repository.AlertStatusDelivered, result.Delivered); err != nil {
		s.logger.Error("Failed to mark replayed alert delivered",
			zap.String("envelope_id", alert.Envelope.EnvelopeID),
			zap.Error(err),
		)
	}
	return nil
}

// outcomeRecorder 派发结果记录器：事件表落盘 + 审计流发布
type outcomeRecorder struct {
	events *repository.AlertEventsRepository
	stream *capability.StreamPublisher
	logger *zap.Logger
}

func (r *outcomeRecorder) RecordOutcome(ctx context.Context, kind models.AlertKind, result dispatcher.Result, env *models.AlertEnvelope) {
	var channel *string
	if result.Channel != "" {
		channel = &result.Channel
	}

	event := repository.NewAlertEventFromEnvelope(
		uuid.New().String(),
		kind,
		string(result.Status),
		channel,
		result.Delivered,
		env,
	)

	if err := r.events.CreateAlertEvent(ctx, event); err != nil {
		r.logger.Error("Failed to record alert event",
			zap.String("envelope_id", env.EnvelopeID),
			zap.Error(err),
		)
	}

	if _, err := r.stream.PublishJSON(ctx, "alert_dispatched", event); err != nil {
		r.logger.Error("Failed to publish alert event",
			zap.String("envelope_id", env.EnvelopeID),
			zap.Error(err),
		)
	}
}

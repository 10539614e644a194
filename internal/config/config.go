package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置（推送通道）
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	QoS         byte
	TopicPrefix string // 设备推送主题前缀，如 "safeguard/push/"
}

// Config 报警调度服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// 云消息通道配置
	Cloud struct {
		Endpoint string        // 云消息后端地址
		APIKey   string        // 认证密钥
		Timeout  time.Duration // 单次发送超时
	}

	// 派发配置
	Dispatch struct {
		ChannelTimeout time.Duration // 单通道超时
		TrackingBase   string        // 追踪链接前缀，如 "https://track.safeguard.app/a/"
		AuditStream    string        // 派发结果审计流
	}

	// 离线队列配置
	Queue struct {
		StoreKey   string // 持久化键，固定 "alert_queue"
		MaxRetries int    // 重放最大重试次数，默认 3
	}

	// OTP 验证配置
	OTP struct {
		CodeLength  int           // 验证码位数，默认 6
		Expiry      time.Duration // 有效期，默认 10分钟
		Cooldown    time.Duration // 重发冷却窗口，默认 5分钟
		MaxAttempts int           // 最大校验次数，默认 3
		DeleteGrace time.Duration // 成功后延迟删除窗口，默认 30秒
		KeyPrefix   string        // 记录键前缀 "otp_"
		VerifiedKey string        // 已验证标志键前缀 "verified_"
		CooldownKey string        // 冷却键前缀 "otp_cooldown_"
	}

	// 触发器配置
	Trigger struct {
		HoldDuration   time.Duration // 长按激活时长，默认 3秒
		HoldTick       time.Duration // 长按进度刻度，默认 1秒
		ShakeThreshold float64       // 摇晃幅值阈值（g），默认 2.5
		ShakeEnabled   bool          // 摇晃检测开关
		VoiceConfirm   bool          // 语音触发是否需要二次确认
	}

	// Check-in 定时器配置
	CheckIn struct {
		ReminderRatio float64 // 提醒时间点（已用时长比例），默认 0.75
	}

	// 连通性探测配置
	Monitor struct {
		ProbeInterval time.Duration // 探测间隔，默认 10秒
		ProbeTimeout  time.Duration // 单次探测超时，默认 3秒
		ProbeAddr     string        // 探测目标地址（host:port）
	}

	// 位置获取配置
	Location struct {
		MaxWait time.Duration // 最长等待时间，默认 8秒
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量 + 默认值）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "safeguard")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "safeguard-dispatch")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1
	cfg.MQTT.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", "safeguard/push/")

	cfg.Cloud.Endpoint = getEnv("CLOUD_ENDPOINT", "https://api.safeguard.app/v1/messages")
	cfg.Cloud.APIKey = getEnv("CLOUD_API_KEY", "")
	cfg.Cloud.Timeout = getEnvDuration("CLOUD_TIMEOUT", 10*time.Second)

	cfg.Dispatch.ChannelTimeout = getEnvDuration("DISPATCH_CHANNEL_TIMEOUT", 15*time.Second)
	cfg.Dispatch.TrackingBase = getEnv("DISPATCH_TRACKING_BASE", "https://track.safeguard.app/a/")
	cfg.Dispatch.AuditStream = getEnv("DISPATCH_AUDIT_STREAM", "safeguard:alert:events")

	cfg.Queue.StoreKey = "alert_queue"
	cfg.Queue.MaxRetries = getEnvInt("QUEUE_MAX_RETRIES", 3)

	cfg.OTP.CodeLength = 6
	cfg.OTP.Expiry = 10 * time.Minute
	cfg.OTP.Cooldown = 5 * time.Minute
	cfg.OTP.MaxAttempts = 3
	cfg.OTP.DeleteGrace = 30 * time.Second
	cfg.OTP.KeyPrefix = "otp_"
	cfg.OTP.VerifiedKey = "verified_"
	cfg.OTP.CooldownKey = "otp_cooldown_"

	cfg.Trigger.HoldDuration = getEnvDuration("TRIGGER_HOLD_DURATION", 3*time.Second)
	cfg.Trigger.HoldTick = getEnvDuration("TRIGGER_HOLD_TICK", time.Second)
	cfg.Trigger.ShakeThreshold = 2.5
	cfg.Trigger.ShakeEnabled = getEnv("TRIGGER_SHAKE_ENABLED", "true") == "true"
	cfg.Trigger.VoiceConfirm = getEnv("TRIGGER_VOICE_CONFIRM", "true") == "true"

	cfg.CheckIn.ReminderRatio = 0.75

	cfg.Monitor.ProbeInterval = getEnvDuration("MONITOR_PROBE_INTERVAL", 10*time.Second)
	cfg.Monitor.ProbeTimeout = getEnvDuration("MONITOR_PROBE_TIMEOUT", 3*time.Second)
	cfg.Monitor.ProbeAddr = getEnv("MONITOR_PROBE_ADDR", "api.safeguard.app:443")

	cfg.Location.MaxWait = getEnvDuration("LOCATION_MAX_WAIT", 8*time.Second)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

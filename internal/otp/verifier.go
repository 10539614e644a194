package otp

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"safeguard-dispatch/internal/capability"
	"safeguard-dispatch/internal/config"
	"safeguard-dispatch/internal/models"
)

// 校验结果错误码
var (
	ErrInvalidFormat    = errors.New("INVALID_FORMAT")
	ErrRateLimited      = errors.New("RATE_LIMITED")
	ErrNotFound         = errors.New("NOT_FOUND")
	ErrExpired          = errors.New("EXPIRED")
	ErrInvalidCode      = errors.New("INVALID_CODE")
	ErrAttemptsExceeded = errors.New("ATTEMPTS_EXCEEDED")
)

// RateLimitError 冷却窗口内重复发送
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("RATE_LIMITED: retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// InvalidCodeError 验证码不匹配，携带剩余尝试次数
type InvalidCodeError struct {
	RemainingAttempts int
}

func (e *InvalidCodeError) Error() string {
	return fmt.Sprintf("INVALID_CODE: %d attempts remaining", e.RemainingAttempts)
}

func (e *InvalidCodeError) Is(target error) bool { return target == ErrInvalidCode }

// VerifiedSink 校验成功后的信任标志提升通道
type VerifiedSink interface {
	MarkVerified(ctx context.Context, phoneNumber string) error
}

// Verifier OTP 验证状态机
// 管理验证码的生成、存储、校验，将联系人从"未验证"提升为"已验证"。
// 单实体状态转换串行化（互斥锁），与发送/校验的网络调用解耦。
type Verifier struct {
	cfg       *config.Config
	store     capability.ByteStore
	messenger capability.CloudMessenger
	sink      VerifiedSink
	logger    *zap.Logger
	validate  *validator.Validate
	now       func() time.Time

	mu sync.Mutex
}

// NewVerifier 创建 OTP 验证器
// sink 可为 nil（无联系人仓库时仅维护 verified_ 标志）
func NewVerifier(
	cfg *config.Config,
	store capability.ByteStore,
	messenger capability.CloudMessenger,
	sink VerifiedSink,
	logger *zap.Logger,
) *Verifier {
	return &Verifier{
		cfg:       cfg,
		store:     store,
		messenger: messenger,
		sink:      sink,
		logger:    logger,
		validate:  validator.New(),
		now:       time.Now,
	}
}

// Send 生成并发送验证码
// 号码格式非法返回 ErrInvalidFormat；冷却窗口内返回 *RateLimitError。
// 验证码投递是尽力而为：发送失败不撤销已存储的记录。
func (v *Verifier) Send(ctx context.Context, phoneNumber, purpose string) error {
	if err := v.validate.Var(phoneNumber, "e164"); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidFormat, phoneNumber)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()

	// 冷却检查
	cooldownKey := v.cfg.OTP.CooldownKey + phoneNumber
	raw, err := v.store.Get(ctx, cooldownKey)
	if err != nil {
		return fmt.Errorf("failed to read cooldown: %w", err)
	}
	if raw != nil {
		var lastSent int64
		if err := json.Unmarshal(raw, &lastSent); err == nil {
			elapsed := now.Sub(time.Unix(lastSent, 0))
			if elapsed < v.cfg.OTP.Cooldown {
				return &RateLimitError{RetryAfter: v.cfg.OTP.Cooldown - elapsed}
			}
		}
	}

	code, err := generateCode(v.cfg.OTP.CodeLength)
	if err != nil {
		return fmt.Errorf("failed to generate code: %w", err)
	}

	record := &models.OTPRecord{
		PhoneNumber:  phoneNumber,
		Code:         code,
		Purpose:      purpose,
		CreatedAt:    now,
		ExpiresAt:    now.Add(v.cfg.OTP.Expiry),
		Verified:     false,
		AttemptCount: 0,
	}

	// 新发送自然覆盖旧记录
	if err := v.saveRecord(ctx, record); err != nil {
		return err
	}

	tsBytes, _ := json.Marshal(now.Unix())
	if err := v.store.Set(ctx, cooldownKey, tsBytes); err != nil {
		return fmt.Errorf("failed to set cooldown: %w", err)
	}

	// 尽力投递：失败仅记录日志，不使存储的记录失效
	if v.messenger != nil && v.messenger.Available() {
		if _, err := v.messenger.Send(ctx, phoneNumber, map[string]string{
			"template": "otp",
			"code":     code,
			"purpose":  purpose,
		}); err != nil {
			v.logger.Warn("Failed to deliver OTP code",
				zap.String("phone_number", phoneNumber),
				zap.Error(err),
			)
		}
	}

	v.logger.Info("OTP sent",
		zap.String("phone_number", phoneNumber),
		zap.String("purpose", purpose),
	)

	return nil
}

// Verify 校验验证码
// 成功后标记已验证并在宽限期后删除记录（容忍重复校验调用）
func (v *Verifier) Verify(ctx context.Context, phoneNumber, code string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	record, err := v.loadRecord(ctx, phoneNumber)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("%w: no pending code for %s", ErrNotFound, phoneNumber)
	}

	now := v.now()

	if record.Expired(now) {
		v.deleteRecord(ctx, phoneNumber)
		return fmt.Errorf("%w: code expired", ErrExpired)
	}

	// 宽限期内的重复校验直接成功
	if record.Verified {
		return nil
	}

	if record.AttemptCount >= v.cfg.OTP.MaxAttempts {
		v.deleteRecord(ctx, phoneNumber)
		return fmt.Errorf("%w: max attempts reached", ErrAttemptsExceeded)
	}

	if record.Code != code {
		record.AttemptCount++
		remaining := v.cfg.OTP.MaxAttempts - record.AttemptCount

		if remaining <= 0 {
			// 最后一次机会用尽，销毁记录
			v.deleteRecord(ctx, phoneNumber)
		} else if err := v.saveRecord(ctx, record); err != nil {
			return err
		}

		return &InvalidCodeError{RemainingAttempts: remaining}
	}

	// 匹配：标记已验证
	record.Verified = true
	if err := v.saveRecord(ctx, record); err != nil {
		return err
	}

	if err := v.store.Set(ctx, v.cfg.OTP.VerifiedKey+phoneNumber, []byte("true")); err != nil {
		return fmt.Errorf("failed to set verified flag: %w", err)
	}

	if v.sink != nil {
		if err := v.sink.MarkVerified(ctx, phoneNumber); err != nil {
			v.logger.Error("Failed to promote contact trust flag",
				zap.String("phone_number", phoneNumber),
				zap.Error(err),
			)
		}
	}

	// 宽限期后删除记录
	time.AfterFunc(v.cfg.OTP.DeleteGrace, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.deleteRecord(context.Background(), phoneNumber)
	})

	v.logger.Info("OTP verified",
		zap.String("phone_number", phoneNumber),
	)

	return nil
}

// IsVerified 查询号码是否已验证
func (v *Verifier) IsVerified(ctx context.Context, phoneNumber string) (bool, error) {
	raw, err := v.store.Get(ctx, v.cfg.OTP.VerifiedKey+phoneNumber)
	if err != nil {
		return false, err
	}
	return string(raw) == "true", nil
}

func (v *Verifier) loadRecord(ctx context.Context, phoneNumber string) (*models.OTPRecord, error) {
	raw, err := v.store.Get(ctx, v.cfg.OTP.KeyPrefix+phoneNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to load otp record: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var record models.OTPRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal otp record: %w", err)
	}
	return &record, nil
}

func (v *Verifier) saveRecord(ctx context.Context, record *models.OTPRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal otp record: %w", err)
	}
	if err := v.store.Set(ctx, v.cfg.OTP.KeyPrefix+record.PhoneNumber, raw); err != nil {
		return fmt.Errorf("failed to save otp record: %w", err)
	}
	return nil
}

func (v *Verifier) deleteRecord(ctx context.Context, phoneNumber string) {
	if err := v.store.Delete(ctx, v.cfg.OTP.KeyPrefix+phoneNumber); err != nil {
		v.logger.Error("Failed to delete otp record",
			zap.String("phone_number", phoneNumber),
			zap.Error(err),
		)
	}
}

// generateCode 生成固定长度数字验证码（密码学随机）
// 拒绝采样丢弃 250-255，保证 0-9 各数字等概率
func generateCode(length int) (string, error) {
	digits := make([]byte, 0, length)
	buf := make([]byte, length)

	for len(digits) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= 250 {
				continue
			}
			digits = append(digits, '0'+b%10)
			if len(digits) == length {
				break
			}
		}
	}
	return string(digits), nil
}

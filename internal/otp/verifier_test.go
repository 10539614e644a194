package otp

import (
	"context"
	"encoding/json"
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

type fakeSink struct {
	marked []string
}

func (s *fakeSink) MarkVerified(ctx context.Context, phoneNumber string) error {
	s.marked = append(s.marked, phoneNumber)
	return nil
}

type fakeMessenger struct {
	sent []string
	fail bool
}

func (m *fakeMessenger) Available() bool { return true }

func (m *fakeMessenger) Send(ctx context.Context, number string, params map[string]string) (capability.CloudResult, error) {
	m.sent = append(m.sent, number)
	if m.fail {
		return capability.CloudResult{}, assert.AnError
	}
	return capability.CloudResult{Success: true}, nil
}

func setupVerifier(t *testing.T) (*Verifier, *capability.RedisStore, *fakeSink, *fakeMessenger) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := capability.NewRedisStore(client, zap.NewNop())

	cfg := &config.Config{}
	cfg.OTP.CodeLength = 6
	cfg.OTP.Expiry = 10 * time.Minute
	cfg.OTP.Cooldown = 5 * time.Minute
	cfg.OTP.MaxAttempts = 3
	cfg.OTP.DeleteGrace = 20 * time.Millisecond
	cfg.OTP.KeyPrefix = "otp_"
	cfg.OTP.VerifiedKey = "verified_"
	cfg.OTP.CooldownKey = "otp_cooldown_"

	sink := &fakeSink{}
	messenger := &fakeMessenger{}
	verifier := NewVerifier(cfg, store, messenger, sink, zap.NewNop())

	return verifier, store, sink, messenger
}

// storedCode 从存储读取已生成的验证码
func storedCode(t *testing.T, store *capability.RedisStore, phone string) string {
	raw, err := store.Get(context.Background(), "otp_"+phone)
	require.NoError(t, err)
	require.NotNil(t, raw)

	var record models.OTPRecord
	require.NoError(t, json.Unmarshal(raw, &record))
	return record.Code
}

func TestSend_InvalidFormat(t *testing.T) {
	verifier, _, _, _ := setupVerifier(t)

	err := verifier.Send(context.Background(), "not-a-number", "contact_verify")

	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestSend_RateLimited(t *testing.T) {
	verifier, _, _, _ := setupVerifier(t)
	ctx := context.Background()
	phone := "+15550001111"

	require.NoError(t, verifier.Send(ctx, phone, "contact_verify"))

	err := verifier.Send(ctx, phone, "contact_verify")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)

	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Greater(t, rle.RetryAfter, time.Duration(0))
}

func TestSend_CooldownElapsed(t *testing.T) {
	verifier, _, _, messenger := setupVerifier(t)
	ctx := context.Background()
	phone := "+15550001111"

	require.NoError(t, verifier.Send(ctx, phone, "contact_verify"))

	// 冷却窗口过后允许重发，覆盖旧记录
	verifier.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	require.NoError(t, verifier.Send(ctx, phone, "contact_verify"))

	assert.Len(t, messenger.sent, 2)
}

func TestSend_DeliveryFailureKeepsRecord(t *testing.T) {
	verifier, store, _, messenger := setupVerifier(t)
	messenger.fail = true
	ctx := context.Background()
	phone := "+15550001111"

	require.NoError(t, verifier.Send(ctx, phone, "contact_verify"))

	// 投递失败不撤销记录：验证码仍可校验
	code := storedCode(t, store, phone)
	require.NoError(t, verifier.Verify(ctx, phone, code))
}

func TestVerify_RoundTrip(t *testing.T) {
	verifier, store, sink, _ := setupVerifier(t)
	ctx := context.Background()
	phone := "+15550001111"

	require.NoError(t, verifier.Send(ctx, phone, "contact_verify"))
	code := storedCode(t, store, phone)
	assert.Len(t, code, 6)

	require.NoError(t, verifier.Verify(ctx, phone, code))

	// 信任标志已提升
	verified, err := verifier.IsVerified(ctx, phone)
	require.NoError(t, err)
	assert.True(t, verified)
	assert.Equal(t, []string{phone}, sink.marked)

	// 宽限期内重复校验仍成功
	require.NoError(t, verifier.Verify(ctx, phone, code))

	// 宽限期后记录删除，再次校验 NOT_FOUND
	require.Eventually(t, func() bool {
		raw, _ := store.Get(ctx, "otp_"+phone)
		return raw == nil
	}, time.Second, 10*time.Millisecond)

	err = verifier.Verify(ctx, phone, code)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerify_NotFound(t *testing.T) {
	verifier, _, _, _ := setupVerifier(t)

	err := verifier.Verify(context.Background(), "+15550009999", "123456")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerify_Expired(t *testing.T) {
	verifier, store, _, _ := setupVerifier(t)
	ctx := context.Background()
	phone := "+15550001111"

	require.NoError(t, verifier.Send(ctx, phone, "contact_verify"))
	code := storedCode(t, store, phone)

	verifier.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	err := verifier.Verify(ctx, phone, code)
	assert.ErrorIs(t, err, ErrExpired)

	// 过期即删除
	raw, err2 := store.Get(ctx, "otp_"+phone)
	require.NoError(t, err2)
	assert.Nil(t, raw)
}

func TestVerify_AttemptExhaustion(t *testing.T) {
	verifier, store, _, _ := setupVerifier(t)
	ctx := context.Background()
	phone := "+15550001111"

	require.NoError(t, verifier.Send(ctx, phone, "contact_verify"))

	// 三次错误校验：剩余次数 2, 1, 0
	for i, wantRemaining := range []int{2, 1, 0} {
		err := verifier.Verify(ctx, phone, "000000x")
		require.Error(t, err, "attempt %d", i+1)
		assert.ErrorIs(t, err, ErrInvalidCode)

		var ice *InvalidCodeError
		require.ErrorAs(t, err, &ice)
		assert.Equal(t, wantRemaining, ice.RemainingAttempts)
	}

	// 第三次失败后记录已销毁
	raw, err := store.Get(ctx, "otp_"+phone)
	require.NoError(t, err)
	assert.Nil(t, raw)

	// 后续校验不会静默成功
	err = verifier.Verify(ctx, phone, "000000x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGenerateCode_FixedLengthNumeric(t *testing.T) {
	code, err := generateCode(6)
	require.NoError(t, err)
	require.Len(t, code, 6)

	for _, c := range code {
		assert.True(t, c >= '0' && c <= '9')
	}
}

func TestGenerateCode_UniformDigits(t *testing.T) {
	// 拒绝采样后 0-9 各数字等概率出现
	counts := make(map[rune]int)
	const rounds = 2000

	for i := 0; i < rounds; i++ {
		code, err := generateCode(6)
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, c := range code {
			counts[c]++
		}
	}

	total := rounds * 6
	expected := total / 10
	for d := '0'; d <= '9'; d++ {
		// 每个数字都应出现，且频率不偏离期望太远
		assert.Greater(t, counts[d], expected/2, "digit %c underrepresented", d)
		assert.Less(t, counts[d], expected*2, "digit %c overrepresented", d)
	}
}

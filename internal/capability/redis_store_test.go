package capability

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	store := NewRedisStore(client, zap.NewNop())
	return mr, store
}

func TestRedisStore_SetGet(t *testing.T) {
	_, store := setupTestStore(t)
	ctx := context.Background()

	err := store.Set(ctx, "alert_queue", []byte(`[{"id":"q-1"}]`))
	require.NoError(t, err)

	val, err := store.Get(ctx, "alert_queue")
	require.NoError(t, err)
	assert.Equal(t, []byte(`[{"id":"q-1"}]`), val)
}

func TestRedisStore_GetMissing(t *testing.T) {
	_, store := setupTestStore(t)

	// 键不存在返回 (nil, nil)，不是错误
	val, err := store.Get(context.Background(), "otp_+15550001111")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestRedisStore_Delete(t *testing.T) {
	_, store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "verified_+15550001111", []byte("true")))
	require.NoError(t, store.Delete(ctx, "verified_+15550001111"))

	val, err := store.Get(ctx, "verified_+15550001111")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestStreamPublisher_PublishJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	publisher := NewStreamPublisher(client, "safeguard:alert:events", zap.NewNop())

	id, err := publisher.PublishJSON(context.Background(), "dispatched", map[string]string{
		"envelope_id": "env-1",
		"status":      "delivered",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// 事件确实写入了流
	entries, err := client.XRange(context.Background(), "safeguard:alert:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dispatched", entries[0].Values["event_type"])
}

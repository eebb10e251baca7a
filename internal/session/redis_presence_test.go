package session

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 使用测试用Redis客户端（需要真实Redis实例）
func setupTestRedis(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // 使用测试专用数据库
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
		return nil
	}
	client.FlushDB(ctx)

	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})
	return client
}

func TestRedisPresence_BindTouchUnbind(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	p := NewRedisPresence(client, "server-1", time.Minute)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, p.Bind(ctx, "CP-1", "conn-1", now))

	rec, err := p.Get(ctx, "CP-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "server-1", rec.ServerID)
	assert.Equal(t, "conn-1", rec.ConnID)

	later := now.Add(30 * time.Second)
	require.NoError(t, p.Touch(ctx, "CP-1", later))
	rec, _ = p.Get(ctx, "CP-1")
	assert.True(t, rec.LastSeen.Equal(later))

	// 旧连接的注销被忽略
	require.NoError(t, p.Unbind(ctx, "CP-1", "conn-0"))
	rec, _ = p.Get(ctx, "CP-1")
	assert.NotNil(t, rec)

	require.NoError(t, p.Unbind(ctx, "CP-1", "conn-1"))
	rec, err = p.Get(ctx, "CP-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRedisPresence_Cleanup(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	p := NewRedisPresence(client, "server-1", time.Minute)

	require.NoError(t, p.Bind(ctx, "CP-1", "c1", time.Now()))
	require.NoError(t, p.Bind(ctx, "CP-2", "c2", time.Now()))
	require.NoError(t, p.Cleanup(ctx))

	rec, err := p.Get(ctx, "CP-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRegistryMirrorsToRedis(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	p := NewRedisPresence(client, "server-1", time.Minute)
	r := NewRegistry[*fakeHandle](WithPresence(p))

	h := &fakeHandle{}
	connID, _ := r.Register("CP-9", h)
	rec, err := p.Get(ctx, "CP-9")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, connID, rec.ConnID)

	r.Unregister("CP-9", h)
	rec, _ = p.Get(ctx, "CP-9")
	assert.Nil(t, rec)
}

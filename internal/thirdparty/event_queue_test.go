package thirdparty

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 需要本地 Redis，不可用时跳过
func setupTestRedis(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 14})
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

func TestRedisQueueDedupAndDeliver(t *testing.T) {
	client := setupTestRedis(t)
	mock := newMockWebhookServer("secret")
	defer mock.Close()

	obs := &recordingObserver{}
	q := NewRedisQueue(client, fastPusher("secret"), NewDeduper(client, nil, time.Minute),
		QueueConfig{URL: mock.URL, Observer: obs})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		q.Wait()
	}()

	id := TransactionEventID(EventTransactionStopped, "CP001", 1000)
	require.NoError(t, q.Publish(ctx, NewEventWithID(id, EventTransactionStopped, "CP001", nil)))
	require.NoError(t, q.Publish(ctx, NewEventWithID(id, EventTransactionStopped, "CP001", nil)))
	n, err := q.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, obs.count("duplicate"))

	q.Start(ctx, 1)
	require.Eventually(t, func() bool { return len(mock.events()) == 1 }, 10*time.Second, 20*time.Millisecond)
}

func TestRedisQueueClientErrorToDLQ(t *testing.T) {
	client := setupTestRedis(t)
	mock := newMockWebhookServer("secret")
	defer mock.Close()
	mock.status.Store(404)

	q := NewRedisQueue(client, fastPusher("secret"), nil, QueueConfig{URL: mock.URL})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		q.Wait()
	}()
	require.NoError(t, q.Publish(ctx, NewEvent(EventChargePointConnected, "CP001", nil)))
	q.Start(ctx, 1)

	require.Eventually(t, func() bool {
		n, _ := q.DLQLength(ctx)
		return n == 1
	}, 10*time.Second, 20*time.Millisecond)
	events, err := q.DLQEvents(ctx, 0, -1)
	require.NoError(t, err)
	assert.Contains(t, events[0], "client_error")
}

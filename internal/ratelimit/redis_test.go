package ratelimit

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	if os.Getenv("SKIP_INTEGRATION") != "" {
		t.Skip("SKIP_INTEGRATION set")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	require.NoError(t, client.Ping(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLimiterFixedWindow(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	l := NewRedisLimiter(client, fmt.Sprintf("test-%d", time.Now().UnixNano()), 3, time.Minute)
	defer l.Close()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "global:model-calls")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within limit", i+1)
	}
	ok, err := l.Allow(ctx, "global:model-calls")
	require.NoError(t, err)
	assert.False(t, ok, "4th request in the window denied")
}

func TestRedisLimiterKeysIndependent(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	l := NewRedisLimiter(client, fmt.Sprintf("test-keys-%d", time.Now().UnixNano()), 1, time.Minute)
	defer l.Close()

	ok, err := l.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "user:b")
	require.NoError(t, err)
	assert.True(t, ok, "separate key has its own window")
}

func TestRedisLimiterWindowRollover(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	l := NewRedisLimiter(client, fmt.Sprintf("test-roll-%d", time.Now().UnixNano()), 1, 500*time.Millisecond)
	defer l.Close()

	ok, err := l.Allow(ctx, "user:x")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, "user:x")
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(600 * time.Millisecond)

	ok, err = l.Allow(ctx, "user:x")
	require.NoError(t, err)
	assert.True(t, ok, "next window admits again")
}

func TestRedisLimiterErrorWhenUnreachable(t *testing.T) {
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	l := NewRedisLimiter(client, "test-down", 1, time.Minute)
	_, err := l.Allow(ctx, "user:a")
	assert.Error(t, err, "malfunction surfaces as an error for fail-open handling")
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisGate(t *testing.T) (*RedisGate, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return NewRedisGate(client, DefaultOptions(), "test", logrus.NewEntry(logrus.New())), mr
}

func TestRedisGate_BlocksAfterBudget(t *testing.T) {
	ctx := context.Background()
	g, mr := setupRedisGate(t)
	ip := "192.168.1.1"

	assert.True(t, g.TryConsume(ctx, ip).Allowed)
	assert.True(t, g.TryConsume(ctx, ip).Allowed)
	assert.False(t, g.CanConsume(ctx, ip))

	v := g.TryConsume(ctx, ip)
	assert.False(t, v.Allowed)
	assert.Equal(t, 15*time.Minute, v.RetryAfter)
	assert.True(t, mr.Exists("test:block:"+ip))
	assert.False(t, g.CanConsume(ctx, ip))

	mr.FastForward(16 * time.Minute)
	assert.True(t, g.CanConsume(ctx, ip))
	assert.True(t, g.TryConsume(ctx, ip).Allowed)
}

func TestRedisGate_WindowCounterExpires(t *testing.T) {
	ctx := context.Background()
	g, mr := setupRedisGate(t)
	ip := "192.168.1.2"

	g.TryConsume(ctx, ip)
	g.TryConsume(ctx, ip)
	require.False(t, g.CanConsume(ctx, ip))

	assert.Equal(t, time.Hour, mr.TTL("test:count:"+ip))
	mr.FastForward(time.Hour)
	assert.True(t, g.CanConsume(ctx, ip))
}

func TestRedisGate_Reset(t *testing.T) {
	ctx := context.Background()
	g, mr := setupRedisGate(t)
	ip := "192.168.1.3"

	for i := 0; i < 3; i++ {
		g.TryConsume(ctx, ip)
	}
	require.False(t, g.CanConsume(ctx, ip))

	g.Reset(ctx, ip)
	assert.False(t, mr.Exists("test:block:"+ip))
	assert.False(t, mr.Exists("test:count:"+ip))
	assert.True(t, g.CanConsume(ctx, ip))
}

func TestRedisGate_FailsOpen(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	g := NewRedisGate(client, DefaultOptions(), "", nil)
	mr.Close()

	assert.True(t, g.TryConsume(ctx, "1.1.1.1").Allowed)
	assert.True(t, g.CanConsume(ctx, "1.1.1.1"))
}

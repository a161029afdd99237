package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pthm/dls"
)

func newCache(t *testing.T, ttl time.Duration, opts ...Option) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, ttl, opts...), mr
}

func TestGetSet(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t, time.Minute)

	_, ok := c.Get(ctx, "user:alice")
	assert.False(t, ok)

	groups := []dls.Subject{{ID: 3, Name: "group:team", Kind: dls.SubjectGroup, Active: true}}
	c.Set(ctx, "user:alice", groups)

	got, ok := c.Get(ctx, "user:alice")
	require.True(t, ok)
	assert.Equal(t, groups, got)
	assert.True(t, mr.Exists(DefaultKeyPrefix+"user:alice"))

	t.Run("empty group lists are cached", func(t *testing.T) {
		c.Set(ctx, "user:bob", nil)
		got, ok := c.Get(ctx, "user:bob")
		assert.True(t, ok)
		assert.Empty(t, got)
	})

	t.Run("entries expire", func(t *testing.T) {
		mr.FastForward(2 * time.Minute)
		_, ok := c.Get(ctx, "user:alice")
		assert.False(t, ok)
	})
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t, 0, WithKeyPrefix("test:"))
	for _, name := range []string{"user:a", "user:b", "user:c"} {
		c.Set(ctx, name, []dls.Subject{})
	}
	require.NoError(t, mr.Set("other", "x"))

	c.Invalidate(ctx, "user:a")
	_, ok := c.Get(ctx, "user:a")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "user:b")
	assert.True(t, ok)

	c.Invalidate(ctx)
	_, ok = c.Get(ctx, "user:b")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "user:c")
	assert.False(t, ok)
	assert.True(t, mr.Exists("other"))
}

func TestFailuresAreMisses(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	c, mr := newCache(t, time.Minute, WithLogger(zap.New(core)))

	require.NoError(t, mr.Set(DefaultKeyPrefix+"user:x", "not json"))
	_, ok := c.Get(ctx, "user:x")
	assert.False(t, ok)

	down := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = down.Close() })
	unreachable := New(down, time.Minute, WithLogger(zap.New(core)))
	_, ok = unreachable.Get(ctx, "user:y")
	assert.False(t, ok)
	unreachable.Set(ctx, "user:y", nil)

	assert.Equal(t, 3, logs.Len())
}

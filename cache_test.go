package dls

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGroupCache(t *testing.T) {
	ctx := context.Background()
	groups := []Subject{{ID: 10, Name: "group:10", Kind: SubjectGroup}}

	t.Run("miss then hit", func(t *testing.T) {
		c := NewMemoryGroupCache()
		_, ok := c.Get(ctx, "user:1")
		assert.False(t, ok)

		c.Set(ctx, "user:1", groups)
		got, ok := c.Get(ctx, "user:1")
		require.True(t, ok)
		assert.Equal(t, groups, got)
		assert.Equal(t, 1, c.Size())
	})

	t.Run("returned slice is a copy", func(t *testing.T) {
		c := NewMemoryGroupCache()
		c.Set(ctx, "user:1", groups)
		got, _ := c.Get(ctx, "user:1")
		got[0].Name = "mutated"
		again, _ := c.Get(ctx, "user:1")
		assert.Equal(t, "group:10", again[0].Name)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		c := NewMemoryGroupCache(WithTTL(time.Minute), WithCacheClock(clk))
		c.Set(ctx, "user:1", groups)

		clk.Advance(30 * time.Second)
		_, ok := c.Get(ctx, "user:1")
		assert.True(t, ok)

		clk.Advance(31 * time.Second)
		_, ok = c.Get(ctx, "user:1")
		assert.False(t, ok)
		assert.Equal(t, 0, c.Size())
	})

	t.Run("invalidate", func(t *testing.T) {
		c := NewMemoryGroupCache()
		c.Set(ctx, "user:1", groups)
		c.Set(ctx, "user:2", groups)

		c.Invalidate(ctx, "user:1")
		_, ok := c.Get(ctx, "user:1")
		assert.False(t, ok)
		_, ok = c.Get(ctx, "user:2")
		assert.True(t, ok)

		c.Clear()
		assert.Equal(t, 0, c.Size())
	})
}

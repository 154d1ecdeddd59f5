package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otamoon/portfolio/cache/cachetest"
)

func TestMemoryCache(t *testing.T) {
	c := New()
	defer c.Close()
	cachetest.RunStoreSuite(t, c)
}

func TestExpiry(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "short", []byte(`1`), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := c.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok, "expired entries must never be returned")
	assert.Equal(t, 1, c.Len(), "expired entry stays until the sweep")
}

func TestOverwriteReplacesValueAndExpiry(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "k", []byte(`1`), time.Millisecond))
	require.NoError(t, c.Set(ctx, "k", []byte(`2`), time.Minute))
	time.Sleep(5 * time.Millisecond)

	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok, "the later ttl applies")
	assert.Equal(t, `2`, string(v))
	assert.Equal(t, 1, c.Len())
}

func TestDefaultTTL(t *testing.T) {
	c := New(WithDefaultTTL(20 * time.Millisecond))
	defer c.Close()
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "k", []byte(`1`), 0))
	_, ok, _ := c.Get(ctx, "k")
	assert.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestDefaultTTLIsTenSeconds(t *testing.T) {
	c := New()
	defer c.Close()
	require.NoError(t, c.Set(t.Context(), "k", []byte(`1`), 0))

	c.mu.RLock()
	e := c.entries["k"]
	c.mu.RUnlock()
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), e.expiresAt, time.Second)
}

func TestReturnedValueIsCopy(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "k", []byte(`"abc"`), time.Minute))
	got, _, _ := c.Get(ctx, "k")
	got[1] = 'X'

	again, _, _ := c.Get(ctx, "k")
	assert.Equal(t, `"abc"`, string(again))
}

func TestSweep(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := t.Context()

	require.NoError(t, c.Set(ctx, "old", []byte(`1`), time.Millisecond))
	require.NoError(t, c.Set(ctx, "fresh", []byte(`2`), time.Minute))
	time.Sleep(5 * time.Millisecond)

	c.sweep()
	assert.Equal(t, 1, c.Len())
	_, ok, _ := c.Get(ctx, "fresh")
	assert.True(t, ok)
}

func TestSweepLoopRuns(t *testing.T) {
	c := New(WithSweepInterval(5 * time.Millisecond))
	defer c.Close()

	require.NoError(t, c.Set(t.Context(), "old", []byte(`1`), time.Millisecond))
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCloseIdempotent(t *testing.T) {
	c := New()
	c.Close()
	c.Close()
}

package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otamoon/portfolio/cache/cachetest"
)

func newTestStore(t *testing.T, prefix string) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, prefix, 0), mr
}

func TestRedisStore(t *testing.T) {
	s, _ := newTestStore(t, "pf")
	cachetest.RunStoreSuite(t, s)
}

func TestPrefixAndTTL(t *testing.T) {
	s, mr := newTestStore(t, "pf")
	ctx := t.Context()

	require.NoError(t, s.Set(ctx, "user:dev-1", []byte(`{"a":1}`), 30*time.Second))
	assert.True(t, mr.Exists("pf:user:dev-1"))
	assert.Equal(t, 30*time.Second, mr.TTL("pf:user:dev-1"))

	require.NoError(t, s.Set(ctx, "user:dev-2", []byte(`{}`), 0))
	assert.Equal(t, DefaultTTL, mr.TTL("pf:user:dev-2"))
}

func TestExpiredIsAbsent(t *testing.T) {
	s, mr := newTestStore(t, "")
	ctx := t.Context()

	require.NoError(t, s.Set(ctx, "k", []byte(`1`), time.Second))
	mr.FastForward(2 * time.Second)

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnreachable(t *testing.T) {
	s, mr := newTestStore(t, "")
	mr.Close()

	_, _, err := s.Get(t.Context(), "k")
	assert.Error(t, err)
	assert.Error(t, s.Ping(t.Context()))
}

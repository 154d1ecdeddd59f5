// Package cachetest holds the behavioral suite every cache.Store must pass.
package cachetest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otamoon/portfolio/cache"
)

// RunStoreSuite exercises the cache.Store contract against store.
func RunStoreSuite(t *testing.T, store cache.Store) {
	t.Helper()
	ctx := t.Context()

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "suite:a", []byte(`{"n":1}`), time.Minute))
		got, ok, err := store.Get(ctx, "suite:a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `{"n":1}`, string(got))
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, ok, err := store.Get(ctx, "suite:missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "suite:ow", []byte(`"v1"`), time.Minute))
		require.NoError(t, store.Set(ctx, "suite:ow", []byte(`"v2"`), time.Minute))
		got, ok, err := store.Get(ctx, "suite:ow")
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `"v2"`, string(got))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "suite:del", []byte(`true`), time.Minute))
		require.NoError(t, store.Delete(ctx, "suite:del"))
		_, ok, err := store.Get(ctx, "suite:del")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("DeleteTwice", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "suite:twice", []byte(`1`), time.Minute))
		require.NoError(t, store.Delete(ctx, "suite:twice"))
		require.NoError(t, store.Delete(ctx, "suite:twice"))
		_, ok, err := store.Get(ctx, "suite:twice")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("EmptyKey", func(t *testing.T) {
		_, _, err := store.Get(ctx, "")
		assert.ErrorIs(t, err, cache.ErrEmptyKey)
		assert.ErrorIs(t, store.Set(ctx, "", []byte(`1`), 0), cache.ErrEmptyKey)
		assert.ErrorIs(t, store.Delete(ctx, ""), cache.ErrEmptyKey)
	})
}

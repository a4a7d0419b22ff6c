package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+mr.Addr(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	require.NoError(t, store.Set(ctx, "k1", "v1", 0))
	val, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", val)

	exists, err := store.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Delete(ctx, "k1"))
	val, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Empty(t, val)
}

func TestRedisStoreNamespacing(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	require.NoError(t, store.Set(ctx, "k1", "v1", 0))
	assert.True(t, mr.Exists("test:k1"))
}

func TestRedisStoreTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	require.NoError(t, store.Set(ctx, "short", "v", time.Second))
	mr.FastForward(2 * time.Second)

	val, err := store.Get(ctx, "short")
	require.NoError(t, err)
	assert.Empty(t, val)
}

func TestRedisStoreKeys(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	require.NoError(t, store.Set(ctx, "plan:1", "a", 0))
	require.NoError(t, store.Set(ctx, "plan:2", "b", 0))
	require.NoError(t, store.Set(ctx, "other:1", "c", 0))

	keys, err := store.Keys(ctx, "plan:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"plan:1", "plan:2"}, keys)
}

func TestNewRedisStoreBadURL(t *testing.T) {
	_, err := NewRedisStore("not-a-url", "test")
	assert.Error(t, err)
}

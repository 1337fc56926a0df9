package contextstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client), mr
}

func TestRedisStore_GetMissingKeyReturnsErrNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), "bot:ctx:a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_SetThenGetRoundTrips(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "bot:ctx:a1", []byte(`{"turns":1}`), 0))

	got, err := store.Get(ctx, "bot:ctx:a1")
	require.NoError(t, err)
	assert.Equal(t, `{"turns":1}`, string(got))
}

func TestRedisStore_SetWithZeroTTLDoesNotExpire(t *testing.T) {
	store, mr := newTestStore(t)
	require.NoError(t, store.Set(context.Background(), "bot:ctx:a1", []byte("v"), 0))
	assert.True(t, mr.Exists("bot:ctx:a1"))
	assert.Equal(t, time.Duration(0), mr.TTL("bot:ctx:a1"))
}

func TestRedisStore_SetWithTTLExpires(t *testing.T) {
	store, mr := newTestStore(t)
	require.NoError(t, store.Set(context.Background(), "bot:ctx:a1", []byte("v"), time.Minute))
	assert.Greater(t, mr.TTL("bot:ctx:a1"), time.Duration(0))
}

func TestRedisStore_DeleteRemovesKey(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "bot:ctx:a1", []byte("v"), 0))

	require.NoError(t, store.Delete(ctx, "bot:ctx:a1"))

	_, err := store.Get(ctx, "bot:ctx:a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

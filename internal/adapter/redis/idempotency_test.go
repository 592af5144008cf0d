package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*IdempotencyStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })

	return NewIdempotencyStore(client), mr
}

func TestIdempotencyStore_ClaimCompleteReplay(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	id, claimed, err := store.Claim(ctx, "k1", time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Empty(t, id)

	// in flight
	id, claimed, err = store.Claim(ctx, "k1", time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Empty(t, id)

	require.NoError(t, store.Complete(ctx, "k1", "order-42", time.Hour))

	id, claimed, err = store.Claim(ctx, "k1", time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "order-42", id)

	got, err := mr.Get(idempotencyKey("k1"))
	require.NoError(t, err)
	assert.Equal(t, "order-42", got)
	assert.Equal(t, time.Hour, mr.TTL(idempotencyKey("k1")))
}

func TestIdempotencyStore_ReleaseAndExpiry(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	_, claimed, err := store.Claim(ctx, "k2", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, store.Release(ctx, "k2"))
	_, claimed, err = store.Claim(ctx, "k2", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed, "released key can be claimed again")

	require.NoError(t, store.Complete(ctx, "k2", "order-7", time.Minute))
	mr.FastForward(2 * time.Minute)

	id, claimed, err := store.Claim(ctx, "k2", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed, "expired key can be claimed again")
	assert.Empty(t, id)
}

func TestIdempotencyStore_RedisDown(t *testing.T) {
	store, mr := setupTestRedis(t)
	mr.Close()

	_, _, err := store.Claim(context.Background(), "k3", time.Minute)
	assert.Error(t, err)
}

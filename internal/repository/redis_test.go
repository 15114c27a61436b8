package repository

import (
	"context"
	"testing"
	"time"

	"trialsync/internal/config"
	"trialsync/internal/models"
	"trialsync/internal/syncerr"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := NewRedisClient(config.RedisConfig{Address: s.Addr()})
	defer client.Close()

	store := NewRedisStore(client, "")
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("SetAndGet", func(t *testing.T) {
		val := &models.StoredValue{Key: "schedule:ring-1", Data: []byte(`{"runs":3}`), Timestamp: now, TTL: time.Minute}
		require.NoError(t, store.Set(ctx, val))

		got, err := store.Get(ctx, "schedule:ring-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, val.Key, got.Key)
		assert.JSONEq(t, `{"runs":3}`, string(got.Data))
		assert.True(t, now.Equal(got.Timestamp))
		assert.Equal(t, time.Minute, got.TTL)
	})

	t.Run("NoRedisExpiry", func(t *testing.T) {
		s.FastForward(time.Hour)
		got, err := store.Get(ctx, "schedule:ring-1")
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("GetNonExistent", func(t *testing.T) {
		got, err := store.Get(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("GetAllAndClear", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, &models.StoredValue{Key: "other", Data: []byte(`1`)}))
		require.NoError(t, client.Set(ctx, "foreign:key", "x", 0).Err())

		all, err := store.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		require.NoError(t, store.Clear(ctx))
		all, err = store.GetAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
		assert.True(t, s.Exists("foreign:key"))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, &models.StoredValue{Key: "gone"}))
		require.NoError(t, store.Delete(ctx, "gone"))
		got, _ := store.Get(ctx, "gone")
		assert.Nil(t, got)
	})

	t.Run("StorageClassOnOutage", func(t *testing.T) {
		broken := NewRedisStore(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1}), "")
		_, err := broken.Get(ctx, "x")
		require.Error(t, err)
		assert.Equal(t, syncerr.ClassStorage, syncerr.Classify(err))
	})

	t.Run("NilClient", func(t *testing.T) {
		repo := NewRedisStore(nil, "")
		_, err := repo.Get(ctx, "x")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "redis client is nil")
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, Ping(ctx, client))
	})

	t.Run("Close", func(t *testing.T) {
		assert.NoError(t, Close(client))
	})
}

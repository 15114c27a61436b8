package feed

import (
	"context"
	"testing"
	"time"

	"trialsync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupFeed(t *testing.T) (*RedisFeed, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisFeed(client, "records:updates", nil), mr
}

func TestRedisFeedDeliversUpdates(t *testing.T) {
	f, mr := setupFeed(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := f.Updates(ctx)
	require.NoError(t, err)

	mr.Publish("records:updates", `not json`)
	mr.Publish("records:updates", `{"state":{}}`)
	require.NoError(t, f.Publish(ctx, models.RecordUpdate{RecordID: "run-1", OperationID: 3}))

	select {
	case u := <-updates:
		assert.Equal(t, "run-1", u.RecordID)
		assert.Equal(t, int64(3), u.OperationID)
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}

	cancel()
	select {
	case _, ok := <-updates:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("feed channel not closed on cancel")
	}
}

func TestRedisFeedValidation(t *testing.T) {
	_, err := NewRedisFeed(nil, "c", nil).Updates(context.Background())
	assert.Error(t, err)

	f, _ := setupFeed(t)
	f.channel = ""
	_, err = f.Updates(context.Background())
	assert.Error(t, err)
}

func TestRedisFeedSubscribeFailure(t *testing.T) {
	f, mr := setupFeed(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.Updates(ctx)
	assert.Error(t, err)
}

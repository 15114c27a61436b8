package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevalidatorTrack(t *testing.T) {
	c, _, _ := newTestCache(t, online())
	r := NewRevalidator(c, online(), 2, nil)
	var calls atomic.Int32

	res, release, err := r.Track(context.Background(), "k", counting(standings{Leader: "Rex"}, &calls), RefreshOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Rex", res.Data.Leader)
	assert.Equal(t, []string{"k"}, r.Keys())

	_, release2, err := r.Track(context.Background(), "k", counting(standings{}, &calls), RefreshOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "valid value served on second mount")

	release()
	release()
	assert.Equal(t, []string{"k"}, r.Keys())
	release2()
	assert.Empty(t, r.Keys())
}

func TestRevalidatorOnFocus(t *testing.T) {
	status := online()
	c, clk, _ := newTestCache(t, status)
	r := NewRevalidator(c, status, 2, nil)
	ctx := context.Background()
	var calls atomic.Int32

	_, _, err := r.Track(ctx, "k", counting(standings{Leader: "Rex"}, &calls), RefreshOptions{TTL: time.Second})
	require.NoError(t, err)

	assert.Zero(t, r.OnFocus(ctx), "valid keys are left alone")

	clk.Advance(2 * time.Second)
	status.online.Store(false)
	assert.Zero(t, r.OnFocus(ctx), "no network round-trip while offline")

	status.online.Store(true)
	assert.Equal(t, 1, r.OnFocus(ctx))
	assert.Equal(t, int32(2), calls.Load())
}

func TestRevalidatorOnReconnectForces(t *testing.T) {
	c, _, _ := newTestCache(t, online())
	r := NewRevalidator(c, online(), 2, nil)
	ctx := context.Background()
	var calls atomic.Int32

	_, _, err := r.Track(ctx, "a", counting(standings{}, &calls), RefreshOptions{})
	require.NoError(t, err)
	_, _, err = r.Track(ctx, "b", counting(standings{}, &calls), RefreshOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, r.OnReconnect(ctx))
	assert.Equal(t, int32(4), calls.Load())
}

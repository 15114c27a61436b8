package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trialsync/internal/events"
	"trialsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThresholdsQuality(t *testing.T) {
	th := Thresholds{Fast: 300 * time.Millisecond, Slow: 1500 * time.Millisecond}

	assert.Equal(t, models.QualityUnknown, th.Quality(0))
	assert.Equal(t, models.QualityFast, th.Quality(100*time.Millisecond))
	assert.Equal(t, models.QualityMedium, th.Quality(800*time.Millisecond))
	assert.Equal(t, models.QualitySlow, th.Quality(2*time.Second))
}

func TestMonitorTransitions(t *testing.T) {
	m := NewMonitor(false, nil)
	var mu sync.Mutex
	var seen []models.ConnectionState
	m.Subscribe(func(prev, next models.ConnectionState) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, next)
	})

	m.Observe(models.ConnectivitySignal{Online: true, Latency: 100 * time.Millisecond})
	m.Observe(models.ConnectivitySignal{Online: true, Latency: 120 * time.Millisecond})
	m.Observe(models.ConnectivitySignal{Online: true, Latency: 2 * time.Second})
	m.Observe(models.ConnectivitySignal{Online: false})

	require.Len(t, seen, 3)
	assert.True(t, seen[0].IsOnline)
	assert.Equal(t, models.QualityFast, seen[0].Quality)
	assert.Equal(t, models.QualitySlow, seen[1].Quality)
	assert.False(t, seen[2].IsOnline)
	assert.False(t, m.IsOnline())
}

func TestMonitorOnOnlineFiresPerTransition(t *testing.T) {
	m := NewMonitor(false, nil)
	var calls int
	unsub := m.OnOnline(func() { calls++ })

	m.Observe(models.ConnectivitySignal{Online: true})
	m.Observe(models.ConnectivitySignal{Online: true, Latency: time.Millisecond})
	assert.Equal(t, 1, calls)

	// Flapping triggers once per offline to online edge.
	m.Observe(models.ConnectivitySignal{Online: false})
	m.Observe(models.ConnectivitySignal{Online: true})
	assert.Equal(t, 2, calls)

	unsub()
	unsub()
	m.Observe(models.ConnectivitySignal{Online: false})
	m.Observe(models.ConnectivitySignal{Online: true})
	assert.Equal(t, 2, calls)
}

func TestMonitorPublishesEvents(t *testing.T) {
	bus := events.NewEventBus()
	var got models.ConnectionState
	bus.Subscribe(events.EventConnectivityChanged, func(e *events.Event) error {
		return e.Decode(&got)
	})

	m := NewMonitor(false, nil, WithPublisher(bus))
	m.Observe(models.ConnectivitySignal{Online: true, Quality: models.QualityMedium})

	assert.True(t, got.IsOnline)
	assert.Equal(t, models.QualityMedium, got.Quality)
}

func TestMonitorRunConsumesSource(t *testing.T) {
	src := NewManualSource()
	m := NewMonitor(false, nil)

	var online atomic.Int32
	m.OnOnline(func() { online.Add(1) })

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background(), src) }()

	src.Set(true, 50*time.Millisecond)
	src.Set(false, 0)
	src.Set(true, 50*time.Millisecond)
	src.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after source closed")
	}
	assert.Equal(t, int32(2), online.Load())
	assert.True(t, m.IsOnline())
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	src := NewManualSource()
	m := NewMonitor(true, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, src) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}

func TestHTTPProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	probe := NewHTTPProbe(srv.URL+"/", "/health", time.Hour, time.Second, nil)
	sig := probe.Probe(context.Background())
	assert.True(t, sig.Online)
	assert.Greater(t, sig.Latency, time.Duration(0))

	srv.Close()
	sig = probe.Probe(context.Background())
	assert.False(t, sig.Online)
}

func TestHTTPProbeSignals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	probe := NewHTTPProbe(srv.URL, "/health", time.Hour, time.Second, nil)
	ch, err := probe.Signals(ctx)
	require.NoError(t, err)

	select {
	case sig := <-ch:
		assert.True(t, sig.Online, "any response means the server is reachable")
	case <-time.After(2 * time.Second):
		t.Fatal("no probe signal")
	}

	_, err = NewHTTPProbe("", "/health", 0, 0, nil).Signals(ctx)
	assert.Error(t, err)
}

package reconcile

import (
	"testing"
	"time"

	"trialsync/internal/clock"
	"trialsync/internal/events"
	"trialsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveIsIdempotent(t *testing.T) {
	bus := events.NewEventBus()
	var cleared []events.OverlayEventPayload
	bus.Subscribe(events.EventOverlayCleared, func(e *events.Event) error {
		var p events.OverlayEventPayload
		require.NoError(t, e.Decode(&p))
		cleared = append(cleared, p)
		return nil
	})

	o := NewOverlays(nil, WithPublisher(bus))
	o.Mark(models.Overlay{RecordID: "run-1", OperationID: 4})
	require.True(t, o.IsPending("run-1"))

	update := models.RecordUpdate{RecordID: "run-1", OperationID: 4}
	assert.True(t, o.Observe(update))
	assert.False(t, o.Observe(update))
	assert.False(t, o.IsPending("run-1"))

	require.Len(t, cleared, 1)
	assert.Equal(t, ReasonObserved, cleared[0].Reason)
}

func TestObserveIgnoresOlderOperation(t *testing.T) {
	o := NewOverlays(nil)
	o.Mark(models.Overlay{RecordID: "run-1", OperationID: 1})
	o.Mark(models.Overlay{RecordID: "run-1", OperationID: 2})

	assert.False(t, o.Observe(models.RecordUpdate{RecordID: "run-1", OperationID: 1}))
	assert.True(t, o.IsPending("run-1"))

	ov, ok := o.Get("run-1")
	require.True(t, ok)
	assert.Equal(t, int64(2), ov.OperationID)

	assert.True(t, o.Observe(models.RecordUpdate{RecordID: "run-1"}), "updates without operation id apply")
}

func TestDiscardMatchesOperation(t *testing.T) {
	o := NewOverlays(nil)
	o.Mark(models.Overlay{RecordID: "run-1", OperationID: 3})

	o.Discard("run-1", 2, "rejected")
	assert.True(t, o.IsPending("run-1"))

	o.Discard("run-1", 3, "rejected")
	assert.False(t, o.IsPending("run-1"))
}

func TestPendingSorted(t *testing.T) {
	clk := clock.NewFake(time.Unix(100, 0))
	o := NewOverlays(nil, WithClock(clk))
	o.Mark(models.Overlay{RecordID: "b", OperationID: 1})
	o.Mark(models.Overlay{RecordID: "a", OperationID: 2})

	pending := o.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].RecordID)
	assert.Equal(t, clk.Now(), pending[0].Since)
}

func TestFallbackTimeout(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	o := NewOverlays(nil, WithClock(clk), WithFallbackTimeout(5*time.Second))

	o.Mark(models.Overlay{RecordID: "run-1", OperationID: 1})
	require.Eventually(t, func() bool { return clk.Waiters() == 1 }, time.Second, time.Millisecond)

	clk.Advance(4 * time.Second)
	assert.True(t, o.IsPending("run-1"))

	clk.Advance(time.Second)
	assert.Eventually(t, func() bool { return !o.IsPending("run-1") }, time.Second, time.Millisecond)
}

func TestFallbackCancelledByObserve(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	o := NewOverlays(nil, WithClock(clk), WithFallbackTimeout(5*time.Second))

	o.Mark(models.Overlay{RecordID: "run-1", OperationID: 1})
	require.Eventually(t, func() bool { return clk.Waiters() == 1 }, time.Second, time.Millisecond)
	clk.Advance(3 * time.Second)
	require.True(t, o.Observe(models.RecordUpdate{RecordID: "run-1", OperationID: 1}))

	o.Mark(models.Overlay{RecordID: "run-1", OperationID: 2})
	require.Eventually(t, func() bool { return clk.Waiters() == 2 }, time.Second, time.Millisecond)

	// The first timer fires at 5s and must not clear the newer overlay.
	clk.Advance(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, o.IsPending("run-1"))

	clk.Advance(3 * time.Second)
	assert.Eventually(t, func() bool { return !o.IsPending("run-1") }, time.Second, time.Millisecond)
}

func TestNoFallbackByDefault(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	o := NewOverlays(nil, WithClock(clk))
	o.Mark(models.Overlay{RecordID: "run-1", OperationID: 1})

	assert.Zero(t, clk.Waiters())
	clk.Advance(time.Hour)
	assert.True(t, o.IsPending("run-1"))
}

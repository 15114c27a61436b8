package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock(t *testing.T) {
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	c := NewFake(start)

	t.Run("Now", func(t *testing.T) {
		assert.Equal(t, start, c.Now())
	})

	t.Run("AfterFiresOnAdvance", func(t *testing.T) {
		ch := c.After(time.Second)
		assert.Equal(t, 1, c.Waiters())

		c.Advance(500 * time.Millisecond)
		select {
		case <-ch:
			t.Fatal("timer fired early")
		default:
		}

		c.Advance(500 * time.Millisecond)
		select {
		case got := <-ch:
			assert.Equal(t, start.Add(time.Second), got)
		default:
			t.Fatal("timer did not fire")
		}
		assert.Equal(t, 0, c.Waiters())
	})

	t.Run("ZeroDurationFiresImmediately", func(t *testing.T) {
		select {
		case <-c.After(0):
		default:
			t.Fatal("expected immediate fire")
		}
	})
}

func TestRealClock(t *testing.T) {
	c := Real()
	before := time.Now()
	assert.False(t, c.Now().Before(before))
	<-c.After(time.Millisecond)
}

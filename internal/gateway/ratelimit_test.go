package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterFixedWindow(t *testing.T) {
	l := RateLimiter{Window: time.Minute, Max: 100}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var w RateWindow

	for i := 1; i <= 100; i++ {
		assert.True(t, l.Allow(&w, start.Add(time.Duration(i)*100*time.Millisecond)), "message %d", i)
	}
	assert.False(t, l.Allow(&w, start.Add(11*time.Second)), "message 101")
	assert.False(t, l.Allow(&w, start.Add(59*time.Second)), "message 102")

	// The window has elapsed: counting restarts.
	assert.True(t, l.Allow(&w, start.Add(61*time.Second)))
	assert.Equal(t, 1, w.Count)
	assert.Equal(t, start.Add(61*time.Second), w.Start)
}

func TestRateLimiterWindowStartsOnFirstMessage(t *testing.T) {
	l := RateLimiter{Window: time.Second, Max: 1}
	var w RateWindow
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, l.Allow(&w, first))
	assert.Equal(t, first, w.Start)
	assert.False(t, l.Allow(&w, first.Add(999*time.Millisecond)))
	assert.True(t, l.Allow(&w, first.Add(time.Second)))
}

func TestInputThrottle(t *testing.T) {
	th := InputThrottle{Interval: 100 * time.Millisecond}
	var last time.Time
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, th.Allow(&last, t0), "first message")
	assert.False(t, th.Allow(&last, t0.Add(50*time.Millisecond)))
	// A dropped message does not push the next slot back.
	assert.True(t, th.Allow(&last, t0.Add(100*time.Millisecond)))
	assert.False(t, th.Allow(&last, t0.Add(199*time.Millisecond)))
	assert.True(t, th.Allow(&last, t0.Add(250*time.Millisecond)))
}

func TestInputThrottleDisabled(t *testing.T) {
	th := InputThrottle{}
	var last time.Time
	now := time.Now()
	for i := 0; i < 10; i++ {
		assert.True(t, th.Allow(&last, now))
	}
}

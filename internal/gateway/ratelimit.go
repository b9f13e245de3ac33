package gateway

import "time"

// RateWindow is one connection's fixed-window counter state.
type RateWindow struct {
	Start time.Time
	Count int
}

// RateLimiter is a fixed-window inbound message counter.
type RateLimiter struct {
	Window time.Duration
	Max    int
}

// Allow counts one message and reports whether it is within the window's
// budget. The window restarts once it has fully elapsed.
func (l RateLimiter) Allow(w *RateWindow, now time.Time) bool {
	if w.Start.IsZero() || now.Sub(w.Start) >= l.Window {
		w.Start = now
		w.Count = 0
	}
	w.Count++
	return w.Count <= l.Max
}

// InputThrottle drops any message arriving sooner than Interval after the
// last accepted one. The first message always passes.
type InputThrottle struct {
	Interval time.Duration
}

// Allow reports whether a message at now is accepted and, if so, records it.
func (t InputThrottle) Allow(last *time.Time, now time.Time) bool {
	if t.Interval <= 0 {
		return true
	}
	if !last.IsZero() && now.Sub(*last) < t.Interval {
		return false
	}
	*last = now
	return true
}

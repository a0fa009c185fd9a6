package notif

import (
	"sync"
	"time"
)

// defaultRateWindow elides duplicate notifications with the same
// (topic, key) arriving within this window
const defaultRateWindow = 500 * time.Millisecond

// rateLimiter is a fixed-window token per (topic, key) pair over the
// monotonic clock
type rateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time

	// now is replaceable for tests
	now func() time.Time
}

func newRateLimiter(window time.Duration) *rateLimiter {
	return &rateLimiter{
		window: window,
		last:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// event returns whether an event for the key may be published, and
// opens a new window if so
func (r *rateLimiter) event(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if last, ok := r.last[key]; ok && now.Sub(last) < r.window {
		return false
	}
	r.last[key] = now
	return true
}

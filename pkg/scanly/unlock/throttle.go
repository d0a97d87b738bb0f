package unlock

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTracked bounds the limiter map; idle entries are swept once it is reached.
const maxTracked = 10000

type tracked struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle allows a fixed number of password attempts per key over a window,
// refilling gradually.
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*tracked
	r        rate.Limit
	b        int
	idle     time.Duration
	now      func() time.Time
}

// NewThrottle allows attempts tries per window for each key.
func NewThrottle(attempts int, window time.Duration) *Throttle {
	if attempts <= 0 {
		attempts = 1
	}
	return &Throttle{
		limiters: make(map[string]*tracked),
		r:        rate.Every(window / time.Duration(attempts)),
		b:        attempts,
		idle:     window,
		now:      time.Now,
	}
}

// Allow consumes one attempt for key.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	entry, ok := t.limiters[key]
	if !ok {
		if len(t.limiters) >= maxTracked {
			t.sweep(now)
		}
		entry = &tracked{limiter: rate.NewLimiter(t.r, t.b)}
		t.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// sweep drops limiters idle for a full window; they would be full again anyway.
func (t *Throttle) sweep(now time.Time) {
	for key, entry := range t.limiters {
		if now.Sub(entry.lastSeen) >= t.idle {
			delete(t.limiters, key)
		}
	}
}

// Len returns the number of tracked keys.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}

// Package ratelimit throttles resubmission traffic: spec.md §4.1 caps
// how often a given ScanKey may re-enter the pipeline via the
// score-driven resubmission path, so one hot file can't flood the
// queue. Grounded on control_plane/scheduler/limiter.go's per-key token
// bucket, retargeted from per-tenant API throttling to per-ScanKey
// resubmission throttling.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter enforces an independent token bucket per key.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewKeyedLimiter creates a limiter allowing r events/sec with burst b,
// tracked independently per key.
func NewKeyedLimiter(r float64, b int) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

func (l *KeyedLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = lim
	}
	return lim
}

// Allow reports whether an event for key may proceed right now.
func (l *KeyedLimiter) Allow(key string) bool {
	return l.limiterFor(key).Allow()
}

// Reserve checks permission without consuming a token on rejection; it
// reports the delay the caller would need to wait.
func (l *KeyedLimiter) Reserve(key string) (allowed bool, delay time.Duration) {
	lim := l.limiterFor(key)
	r := lim.Reserve()
	d := r.Delay()
	if d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}

// Forget drops the bucket for key, used once a ScanKey's submission
// finishes so the limiter map doesn't grow unbounded.
func (l *KeyedLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

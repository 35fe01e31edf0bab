package federation

import (
	"sync"
	"time"
)

const (
	// DefaultRateWindow is the fixed rate-limit window per provider.
	DefaultRateWindow = 60 * time.Second
	// DefaultRateLimit is the request cap within one window.
	DefaultRateLimit = 120
)

// FixedWindowLimiter counts requests per provider key in fixed windows: the
// counter resets entirely at the window boundary rather than sliding.
// Counters live only in memory; a restart resets all limits, which is
// acceptable for abuse damping.
type FixedWindowLimiter struct {
	window time.Duration
	limit  int
	nowFn  func() time.Time

	mu      sync.Mutex
	buckets map[string]*windowCount
}

type windowCount struct {
	start time.Time
	count int
}

// NewFixedWindowLimiter builds a limiter; zero arguments select the defaults.
func NewFixedWindowLimiter(window time.Duration, limit int) *FixedWindowLimiter {
	if window <= 0 {
		window = DefaultRateWindow
	}
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	return &FixedWindowLimiter{
		window:  window,
		limit:   limit,
		nowFn:   time.Now,
		buckets: make(map[string]*windowCount),
	}
}

// Allow reports whether another request from key fits in the current window.
// When it does not, retryAfter says how long until the window resets.
func (l *FixedWindowLimiter) Allow(key string) (allowed bool, retryAfter time.Duration) {
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[key]
	if !ok || now.Sub(bucket.start) >= l.window {
		l.buckets[key] = &windowCount{start: now, count: 1}
		l.dropStaleLocked(now)
		return true, 0
	}
	if bucket.count >= l.limit {
		return false, bucket.start.Add(l.window).Sub(now)
	}
	bucket.count++
	return true, 0
}

// dropStaleLocked prunes buckets whose window has long passed so the map
// does not grow with one entry per provider ever seen.
func (l *FixedWindowLimiter) dropStaleLocked(now time.Time) {
	for key, bucket := range l.buckets {
		if now.Sub(bucket.start) >= 2*l.window {
			delete(l.buckets, key)
		}
	}
}

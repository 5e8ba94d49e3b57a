// Package ratelimit enforces minimum intervals between repeated operations,
// such as provider refresh loops and per-scraper fetches.
package ratelimit

import (
	"sync"
	"time"
)

// IntervalLimiter tracks the last run time of named operations and reports
// whether enough time has elapsed to run again. It is safe for concurrent use.
type IntervalLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	now      func() time.Time
}

// NewIntervalLimiter creates a limiter with the given minimum interval.
func NewIntervalLimiter(interval time.Duration) *IntervalLimiter {
	return &IntervalLimiter{
		interval: interval,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether the named operation may run now, and records the run
// time if so.
func (l *IntervalLimiter) Allow(name string) bool {
	return l.AllowInterval(name, l.interval)
}

// AllowInterval is like Allow but with a per-call interval, for callers whose
// operations carry their own freshness bounds.
func (l *IntervalLimiter) AllowInterval(name string, interval time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.last[name]; ok && now.Sub(last) < interval {
		return false
	}
	l.last[name] = now
	return true
}

// LastRun returns the last recorded run time for the named operation.
func (l *IntervalLimiter) LastRun(name string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	last, ok := l.last[name]
	return last, ok
}

// Reset clears the recorded run time, forcing the next Allow to succeed.
func (l *IntervalLimiter) Reset(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.last, name)
}

// SetClock overrides the time source. Tests only.
func (l *IntervalLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

package security

import (
	"sync"
	"time"
)

type rateRecord struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a fixed-window per-key counter. A key's window starts on its
// first hit and resets lazily once the current time passes resetAt. Expired
// records are swept at most once per window so idle clients do not accumulate.
type RateLimiter struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	records   map[string]*rateRecord
	nextSweep time.Time
	now       func() time.Time
}

// NewRateLimiter allows max hits per key per window.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		max:     max,
		window:  window,
		records: make(map[string]*rateRecord),
		now:     time.Now,
	}
}

// Allow counts one hit for key and reports whether it is within budget.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now)

	rec, ok := l.records[key]
	if !ok || !now.Before(rec.resetAt) {
		rec = &rateRecord{resetAt: now.Add(l.window)}
		l.records[key] = rec
	}
	rec.count++
	return rec.count <= l.max
}

// Len returns the number of tracked keys.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *RateLimiter) sweepLocked(now time.Time) {
	if now.Before(l.nextSweep) {
		return
	}
	for key, rec := range l.records {
		if !now.Before(rec.resetAt) {
			delete(l.records, key)
		}
	}
	l.nextSweep = now.Add(l.window)
}

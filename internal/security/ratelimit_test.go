package security

import (
	"testing"
	"time"
)

func TestRateLimiterFixedWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewRateLimiter(3, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("hit %d rejected; want allowed", i+1)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Fatalf("4th hit allowed; want rejected")
	}
	if !l.Allow("5.6.7.8") {
		t.Fatalf("other key rejected; want independent budget")
	}

	now = now.Add(time.Minute)
	if !l.Allow("1.2.3.4") {
		t.Fatalf("hit after window rejected; want reset")
	}
}

func TestRateLimiterSweepsExpiredKeys(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewRateLimiter(1, time.Second)
	l.now = func() time.Time { return now }

	l.Allow("a")
	l.Allow("b")
	if got := l.Len(); got != 2 {
		t.Fatalf("Len() = %d; want 2", got)
	}

	now = now.Add(2 * time.Second)
	l.Allow("c")
	if got := l.Len(); got != 1 {
		t.Fatalf("Len() after sweep = %d; want 1", got)
	}
}

package relay

import (
	"sync"
	"time"
)

// JoinLimiter caps websocket joins per remote address with a fixed
// window counter. Good enough for an open rendezvous endpoint.
type JoinLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	count int
	start time.Time
}

func NewJoinLimiter(max int, window time.Duration) *JoinLimiter {
	return &JoinLimiter{
		max:     max,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (l *JoinLimiter) Allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[addr]
	if !ok || now.Sub(b.start) >= l.window {
		// Sweep expired buckets while we hold the lock anyway.
		for k, v := range l.buckets {
			if now.Sub(v.start) >= l.window {
				delete(l.buckets, k)
			}
		}
		l.buckets[addr] = &bucket{count: 1, start: now}
		return true
	}
	if b.count >= l.max {
		return false
	}
	b.count++
	return true
}

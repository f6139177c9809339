package relay

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiter hands out one token bucket per user. A bucket left idle for longer
// than it takes to refill is indistinguishable from a new one, so such
// buckets are swept, keeping the map bounded by the users active in the last
// idle window.
type limiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idle      time.Duration
	users     map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLimiter(perMinute int) *limiter {
	// burst tokens at perMinute/60 per second refill in one minute
	return &limiter{
		limit: rate.Limit(float64(perMinute) / 60),
		burst: perMinute,
		idle:  time.Minute,
		users: make(map[string]*bucket),
		now:   time.Now,
	}
}

func (l *limiter) allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweep(now)
	}

	b, ok := l.users[userID]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.users[userID] = b
	}
	b.lastSeen = now

	return b.lim.AllowN(now, 1)
}

func (l *limiter) sweep(now time.Time) {
	for userID, b := range l.users {
		if now.Sub(b.lastSeen) >= l.idle {
			delete(l.users, userID)
		}
	}
	l.lastSweep = now
}

func (l *limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}

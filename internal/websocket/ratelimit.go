package websocket

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultFramesPerMinute = 100
	DefaultBurst           = 20
)

// RateLimiter is a per-identity token bucket for inbound frames. Limits are
// keyed by identity so reconnecting does not refill the bucket.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*clientLimit
	now     func() time.Time
}

type clientLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute frames per identity with the given burst.
// Non-positive values take the defaults.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultFramesPerMinute
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &RateLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		clients: make(map[string]*clientLimit),
		now:     time.Now,
	}
}

// Allow reports whether identity may send another frame now.
func (rl *RateLimiter) Allow(identity string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cl, ok := rl.clients[identity]
	if !ok {
		cl = &clientLimit{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[identity] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

// Cleanup drops identities idle for longer than idle and returns how many
// were removed.
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for id, cl := range rl.clients {
		if now.Sub(cl.lastSeen) > idle {
			delete(rl.clients, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked identities.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

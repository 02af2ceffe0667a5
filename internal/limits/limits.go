// Package limits provides per-connection rate limiting and coarse
// process-wide admission control, adapted from a token-bucket client
// limiter and a goroutine/connection admission guard.
package limits

import (
	"sync"

	"golang.org/x/time/rate"
)

// ClientLimiter hands out a *rate.Limiter per client key, created
// lazily on first use and reused for the life of the connection.
type ClientLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewClientLimiter(ratePerSecond float64, burst int) *ClientLimiter {
	return &ClientLimiter{
		rps:      rate.Limit(ratePerSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether key may send another message right now,
// creating its bucket on first call.
func (c *ClientLimiter) Allow(key string) bool {
	return c.get(key).Allow()
}

func (c *ClientLimiter) get(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[key]
	if !ok {
		l = rate.NewLimiter(c.rps, c.burst)
		c.limiters[key] = l
	}
	return l
}

// Forget drops a key's bucket once its connection closes, so a long
// deployment doesn't accumulate one bucket per ever-seen client.
func (c *ClientLimiter) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.limiters, key)
}

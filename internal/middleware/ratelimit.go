package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-taker/internal/response"
)

// RateLimiter is a per-client token bucket guarding the intent endpoints
// against runaway UI loops. Buckets refill continuously at rate per interval.
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*bucket
	rate     float64
	interval time.Duration
	now      func() time.Time
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewRateLimiter creates a RateLimiter (e.g., 20 intents per second).
func NewRateLimiter(rate int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		clients:  make(map[string]*bucket),
		rate:     float64(rate),
		interval: interval,
		now:      time.Now,
	}
}

// RunCleanup drops idle buckets until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup(3 * time.Minute)
		}
	}
}

// Allow takes one token for key.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.clients[key]
	if !ok {
		b = &bucket{tokens: rl.rate, lastSeen: now}
		rl.clients[key] = b
	}

	elapsed := now.Sub(b.lastSeen)
	b.lastSeen = now
	b.tokens += rl.rate * float64(elapsed) / float64(rl.interval)
	if b.tokens > rl.rate {
		b.tokens = rl.rate
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware returns a Gin middleware that rate-limits requests by client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) cleanup(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, b := range rl.clients {
		if now.Sub(b.lastSeen) > idle {
			delete(rl.clients, key)
		}
	}
}

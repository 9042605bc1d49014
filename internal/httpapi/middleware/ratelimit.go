package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// WorkerRateLimiter tracks one token-bucket limiter per worker, so a single
// noisy poller cannot exhaust capacity meant for the rest of the fleet.
type WorkerRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	perSecond rate.Limit
	burst     int
}

// NewWorkerRateLimiter constructs a limiter keyed by the caller's user id
// (one worker per user), falling back to the client IP.
func NewWorkerRateLimiter(perSecond float64, burst int) *WorkerRateLimiter {
	return &WorkerRateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
	}
}

func (wl *WorkerRateLimiter) limiterFor(key string) *rate.Limiter {
	wl.mu.Lock()
	defer wl.mu.Unlock()

	l, ok := wl.limiters[key]
	if !ok {
		l = rate.NewLimiter(wl.perSecond, wl.burst)
		wl.limiters[key] = l
	}
	return l
}

// PollLimit rejects poll requests exceeding the configured per-worker rate
// (default 1/s), keyed by the authenticated caller's user id.
func (wl *WorkerRateLimiter) PollLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := UserID(c)
		if key == "" {
			key = c.ClientIP()
		}
		if !wl.limiterFor(key).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			return
		}
		c.Next()
	}
}

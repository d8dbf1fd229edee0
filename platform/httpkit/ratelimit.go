package httpkit

import (
	"net/http"
	"sync"
	"time"

	"clinic_engine/platform/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Limiter hands out one token bucket per key and forgets keys that stay
// idle longer than idle.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	rate      rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
	log       *logger.Logger
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a keyed limiter allowing r events per second with burst.
func NewLimiter(r rate.Limit, burst int, idle time.Duration, log *logger.Logger) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    r,
		burst:   burst,
		idle:    idle,
		now:     time.Now,
		log:     log,
	}
}

// Allow consumes one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.idle {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) >= l.idle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Len reports how many keys are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// ByClientIP throttles every request by client address.
func (l *Limiter) ByClientIP() gin.HandlerFunc {
	return l.middleware(func(c *gin.Context) string {
		return "ip:" + c.ClientIP()
	})
}

// ByUser throttles authenticated callers per user, so staff behind one
// clinic NAT do not share a bucket. Anonymous requests fall back to the IP.
func (l *Limiter) ByUser() gin.HandlerFunc {
	return l.middleware(func(c *gin.Context) string {
		if id, ok := IdentityFromContext(c.Request.Context()); ok && id.IsAuthenticated() {
			return "user:" + id.UserID().String()
		}
		return "ip:" + c.ClientIP()
	})
}

func (l *Limiter) middleware(keyOf func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyOf(c)
		if !l.Allow(key) {
			if l.log != nil {
				l.log.RateLimitExceeded(key, c.FullPath())
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

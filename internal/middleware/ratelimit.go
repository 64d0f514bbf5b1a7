package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/ae-signal-engine/internal/domain"
)

// maxTrackedClients bounds the per-client limiter table.
const maxTrackedClients = 10000

// ClientLimiter hands out one token bucket per client IP. Least recently
// seen clients are evicted once the table is full.
type ClientLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
}

// NewClientLimiter creates a limiter allowing perSecond requests per client
// with the given burst. A non-positive rate disables limiting.
func NewClientLimiter(perSecond float64, burst int) *ClientLimiter {
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(perSecond)))
	}
	cache, _ := lru.New[string, *rate.Limiter](maxTrackedClients)
	return &ClientLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: cache,
	}
}

// Allow reports whether client may make a request now.
func (l *ClientLimiter) Allow(client string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters.Get(client)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters.Add(client, lim)
	}
	l.mu.Unlock()
	return lim.Allow()
}

// RateLimit rejects requests above the per-client rate with 429
func RateLimit(l *ClientLimiter) gin.HandlerFunc {
	retryAfter := "1"
	if l.limit > 0 && l.limit < 1 {
		retryAfter = strconv.Itoa(int(math.Ceil(1 / float64(l.limit))))
	}
	return func(c *gin.Context) {
		if l.Allow(c.ClientIP()) {
			c.Next()
			return
		}
		c.Header("Retry-After", retryAfter)
		apiErr := domain.NewAPIError(domain.ErrCodeRateLimit, "rate limit exceeded", "", c.GetString(CorrelationKey))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": apiErr})
	}
}

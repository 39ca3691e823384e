package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/erp/marketsync/internal/interfaces/http/dto"
)

// RateLimiter keeps one token bucket per key. Buckets idle for longer than
// the idle TTL are dropped.
type RateLimiter struct {
	buckets *gocache.Cache
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
}

// NewRateLimiter creates a limiter allowing perSecond requests with the given burst per key
func NewRateLimiter(perSecond float64, burst int, idleTTL time.Duration) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &RateLimiter{
		buckets: gocache.New(idleTTL, idleTTL),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idleTTL: idleTTL,
	}
}

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	if v, ok := rl.buckets.Get(key); ok {
		lim := v.(*rate.Limiter)
		rl.buckets.Set(key, lim, rl.idleTTL)
		return lim
	}
	lim := rate.NewLimiter(rl.limit, rl.burst)
	if err := rl.buckets.Add(key, lim, rl.idleTTL); err != nil {
		// lost the race; use the stored bucket
		if v, ok := rl.buckets.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return lim
}

// Allow reports whether a request for key may proceed now
func (rl *RateLimiter) Allow(key string) bool {
	return rl.bucket(key).Allow()
}

// Remaining returns the whole tokens currently left for key
func (rl *RateLimiter) Remaining(key string) int {
	return int(math.Max(0, math.Floor(rl.bucket(key).Tokens())))
}

// RateLimitByKey returns a rate limiting middleware with custom key extractor.
// An empty key falls back to the client IP.
func RateLimitByKey(limiter *RateLimiter, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFunc(c)
		if key == "" {
			key = c.ClientIP()
		}

		if !limiter.Allow(key) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, dto.NewErrorResponseWithRequestID(
				dto.ErrCodeRateLimited,
				"Too many requests. Please try again later.",
				RequestIDFrom(c),
			))
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(key)))
		c.Next()
	}
}

// ByParam keys requests on a path parameter
func ByParam(name string) func(*gin.Context) string {
	return func(c *gin.Context) string {
		return c.Param(name)
	}
}

package middleware

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	apperrors "quota-shortener/pkg/errors"
	"quota-shortener/pkg/limiter"
)

// RateLimiter throttles requests per client IP in front of the handlers.
// It is independent of the per-owner and per-code quotas kept in the store.
type RateLimiter struct {
	limiter *limiter.RateLimiter
	logger  zerolog.Logger
}

// NewRateLimitMiddleware creates a new rate limiter middleware
func NewRateLimitMiddleware(l *limiter.RateLimiter, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{limiter: l, logger: logger}
}

// Limit is the middleware function that limits requests
func (rl *RateLimiter) Limit(c *gin.Context) {
	clientIP := c.ClientIP()

	if !rl.limiter.Allow(clientIP) {
		wait := rl.limiter.NextAvailable(clientIP)
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))

		rl.logger.Warn().
			Str("ip", clientIP).
			Str("path", c.Request.URL.Path).
			Msg("client rate limit exceeded")

		_ = c.Error(apperrors.ErrRateLimited)
		c.Abort()
		return
	}

	c.Header("X-RateLimit-Remaining", strconv.Itoa(rl.limiter.RemainingTokens(clientIP)))
	c.Next()
}

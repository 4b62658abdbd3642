package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"pdfchat/internal/transport/http/response"
)

// UserRateLimiter hands out one token bucket per authenticated user.
type UserRateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[uint]*rate.Limiter
}

func NewUserRateLimiter(perMinute, burst int) *UserRateLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return &UserRateLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		limiters: make(map[uint]*rate.Limiter),
	}
}

func (l *UserRateLimiter) Allow(userID uint) bool {
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// RateLimit must run after AuthJWT.
func RateLimit(l *UserRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := UserID(c)
		if !ok {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
			c.Abort()
			return
		}
		if !l.Allow(userID) {
			c.Header("Retry-After", "60")
			response.Error(c, http.StatusTooManyRequests, response.CodeRateLimited, "too many queries, slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}

package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"suimessenger/pkg/logger"
	"suimessenger/pkg/metrics"
	"suimessenger/pkg/response"
)

// RateLimiter is a fixed-window limiter keyed by client IP. Counters live in Redis when a client
// is configured; while Redis is unreachable, or without a client, an in-memory window is used.
type RateLimiter struct {
	redisClient *redis.Client
	requests    int
	window      time.Duration
	metrics     *metrics.Metrics
	now         func() time.Time

	mu     sync.Mutex
	memory map[string]*windowCount
}

type windowCount struct {
	count int
	start int64
}

// NewRateLimiter creates a new rate limiter.
// requests: maximum number of requests allowed per window
func NewRateLimiter(redisClient *redis.Client, requests int, window time.Duration, m *metrics.Metrics) *RateLimiter {
	if window < time.Second {
		window = time.Minute
	}
	return &RateLimiter{
		redisClient: redisClient,
		requests:    requests,
		window:      window,
		metrics:     m,
		now:         time.Now,
		memory:      make(map[string]*windowCount),
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()

		allowed, remaining, resetAt := rl.check(c.Request.Context(), identifier)

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			if rl.metrics != nil {
				rl.metrics.RecordRateLimited()
			}
			response.Error(c, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) check(ctx context.Context, identifier string) (bool, int, int64) {
	windowStart := rl.now().Unix() / int64(rl.window.Seconds()) * int64(rl.window.Seconds())
	resetAt := windowStart + int64(rl.window.Seconds())

	var count int
	if rl.redisClient != nil {
		n, err := rl.incrRedis(ctx, identifier, windowStart)
		if err == nil {
			count = n
		} else {
			logger.FromContext(ctx).Warn("Rate limit store unavailable, using in-memory window", zap.Error(err))
			count = rl.incrMemory(identifier, windowStart)
		}
	} else {
		count = rl.incrMemory(identifier, windowStart)
	}

	remaining := rl.requests - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= rl.requests, remaining, resetAt
}

func (rl *RateLimiter) incrRedis(ctx context.Context, identifier string, windowStart int64) (int, error) {
	key := fmt.Sprintf("ratelimit:%s:%d", identifier, windowStart)
	pipe := rl.redisClient.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	return int(incr.Val()), nil
}

func (rl *RateLimiter) incrMemory(identifier string, windowStart int64) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok := rl.memory[identifier]
	if !ok || w.start != windowStart {
		w = &windowCount{start: windowStart}
		rl.memory[identifier] = w
	}
	w.count++
	return w.count
}

package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// ConnLimitConfig bounds connection attempts per client IP. Websocket
// handshakes are cheap to request and expensive to serve, so reconnect
// storms get throttled before the upgrade.
type ConnLimitConfig struct {
	AttemptsPerSecond float64
	BurstSize         int
}

func DefaultConnLimitConfig() ConnLimitConfig {
	return ConnLimitConfig{
		AttemptsPerSecond: 5,
		BurstSize:         10,
	}
}

// tokenBucket is a classic refill-on-read token bucket.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) retryAfter() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refillRate <= 0 {
		return 1
	}
	return int((1-b.tokens)/b.refillRate) + 1
}

// ConnLimit throttles connection attempts per client IP.
func ConnLimit(cfg ConnLimitConfig) echo.MiddlewareFunc {
	var mu sync.Mutex
	buckets := make(map[string]*tokenBucket)

	bucketFor := func(ip string) *tokenBucket {
		mu.Lock()
		defer mu.Unlock()
		b, ok := buckets[ip]
		if !ok {
			b = newTokenBucket(cfg.AttemptsPerSecond, cfg.BurstSize)
			buckets[ip] = b
		}
		return b
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			b := bucketFor(c.RealIP())
			if !b.allow() {
				c.Response().Header().Set("Retry-After", strconv.Itoa(b.retryAfter()))
				return echo.NewHTTPError(http.StatusTooManyRequests, "connection rate limit exceeded")
			}
			return next(c)
		}
	}
}

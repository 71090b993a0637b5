package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimit caps requests per authenticated user (or IP) per minute. With a
// Redis client the window is shared across instances; without one a token
// bucket per key is kept in process.
func RateLimit(cache *redis.Client, perMinute int) fiber.Handler {
	if perMinute <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	local := newLocalLimiter(perMinute)

	return func(c *fiber.Ctx) error {
		subject := UserID(c)
		if subject == "" {
			subject = c.IP()
		}

		if cache != nil {
			window := time.Now().Unix() / 60
			key := "rl:" + subject + ":" + strconv.FormatInt(window, 10)
			cnt, err := cache.Incr(c.UserContext(), key).Result()
			if err == nil {
				if cnt == 1 {
					cache.Expire(c.UserContext(), key, time.Minute)
				}
				if cnt > int64(perMinute) {
					c.Set(fiber.HeaderRetryAfter, strconv.FormatInt(60-time.Now().Unix()%60, 10))
					return fiber.NewError(http.StatusTooManyRequests, "rate limit exceeded")
				}
				return c.Next()
			}
			// Redis unavailable: fall back to the in-process limiter.
		}

		if !local.allow(subject) {
			c.Set(fiber.HeaderRetryAfter, "1")
			return fiber.NewError(http.StatusTooManyRequests, "rate limit exceeded")
		}
		return c.Next()
	}
}

type localLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newLocalLimiter(perMinute int) *localLimiter {
	return &localLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *localLimiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

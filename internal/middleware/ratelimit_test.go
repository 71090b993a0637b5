package middleware

import (
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

func rateLimitedApp(cache *redis.Client, perMinute int) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(userIDLocal, c.Get("X-Test-User"))
		return c.Next()
	})
	app.Use(RateLimit(cache, perMinute))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })
	return app
}

func hit(t *testing.T, app *fiber.App, user string) int {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set("X-Test-User", user)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestRateLimitWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	app := rateLimitedApp(cache, 2)
	for i := 0; i < 2; i++ {
		if status := hit(t, app, "u1"); status != fiber.StatusNoContent {
			t.Fatalf("request %d: expected 204 got %d", i, status)
		}
	}
	if status := hit(t, app, "u1"); status != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", status)
	}
	if status := hit(t, app, "u2"); status != fiber.StatusNoContent {
		t.Fatalf("other users keep their own budget, got %d", status)
	}
}

func TestRateLimitInProcessFallback(t *testing.T) {
	app := rateLimitedApp(nil, 3)
	for i := 0; i < 3; i++ {
		if status := hit(t, app, "u1"); status != fiber.StatusNoContent {
			t.Fatalf("request %d: expected 204 got %d", i, status)
		}
	}
	if status := hit(t, app, "u1"); status != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", status)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	app := rateLimitedApp(nil, 0)
	for i := 0; i < 10; i++ {
		if status := hit(t, app, "u1"); status != fiber.StatusNoContent {
			t.Fatalf("expected 204 got %d", status)
		}
	}
}

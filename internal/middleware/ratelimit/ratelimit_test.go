package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func newTestLimiter(maxPerMinute int) *RateLimiter {
	rl := New(Config{MaxRequestsPerMinute: maxPerMinute, WindowDuration: time.Minute, Logger: zap.NewNop()})
	return rl
}

func TestAllowGrantsUpToMaxTokensThenDenies(t *testing.T) {
	rl := newTestLimiter(3)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.allow("user1") {
			t.Fatalf("request %d should be allowed within the initial token bucket", i)
		}
	}
	if rl.allow("user1") {
		t.Fatalf("the 4th request should be denied once the bucket is empty")
	}
}

func TestAllowTracksKeysIndependently(t *testing.T) {
	rl := newTestLimiter(1)
	defer rl.Stop()

	if !rl.allow("user1") {
		t.Fatalf("user1's first request should be allowed")
	}
	if !rl.allow("user2") {
		t.Fatalf("user2 should have its own independent bucket")
	}
	if rl.allow("user1") {
		t.Fatalf("user1's second request should be denied")
	}
}

func TestMiddlewareReturns429WhenExhausted(t *testing.T) {
	rl := newTestLimiter(1)
	defer rl.Stop()

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	req1 := httptest.NewRequest("GET", "/", nil)
	req1.Header.Set("X-User-ID", "same-user")
	resp1, err := app.Test(req1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp1.StatusCode != fiber.StatusOK {
		t.Fatalf("got=%d want=%d for the first request", resp1.StatusCode, fiber.StatusOK)
	}

	req2 := httptest.NewRequest("GET", "/", nil)
	req2.Header.Set("X-User-ID", "same-user")
	resp2, err := app.Test(req2)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp2.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("got=%d want=%d for the second request from the same user", resp2.StatusCode, fiber.StatusTooManyRequests)
	}
}

func TestMiddlewareKeysByUserIDHeaderOverIP(t *testing.T) {
	rl := newTestLimiter(1)
	defer rl.Stop()

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	req1 := httptest.NewRequest("GET", "/", nil)
	req1.Header.Set("X-User-ID", "alice")
	if resp, err := app.Test(req1); err != nil || resp.StatusCode != fiber.StatusOK {
		t.Fatalf("alice's first request should succeed: err=%v status=%v", err, resp)
	}

	req2 := httptest.NewRequest("GET", "/", nil)
	req2.Header.Set("X-User-ID", "bob")
	if resp, err := app.Test(req2); err != nil || resp.StatusCode != fiber.StatusOK {
		t.Fatalf("bob's first request should succeed independently of alice's: err=%v status=%v", err, resp)
	}
}

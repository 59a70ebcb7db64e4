package middleware

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
)

func TestLimiterStore_BurstThenDeny(t *testing.T) {
	s := NewLimiterStore(60, 3, time.Minute)
	defer s.Stop()

	for i := 0; i < 3; i++ {
		if !s.Allow("k1") {
			t.Fatalf("request %d within burst should be allowed", i+1)
		}
	}
	if s.Allow("k1") {
		t.Fatal("request beyond burst should be denied")
	}
	// Other keys are unaffected.
	if !s.Allow("k2") {
		t.Fatal("a different key should have its own budget")
	}
}

func TestLimiterStore_DefaultLimit(t *testing.T) {
	s := NewLimiterStore(0, 1, time.Minute)
	defer s.Stop()
	if !s.Allow("k") {
		t.Fatal("expected the default limit to allow the first event")
	}
}

func TestRateLimit_KeysByEmail(t *testing.T) {
	s := NewLimiterStore(60, 1, time.Minute)
	defer s.Stop()

	app := fiber.New()
	app.Post("/login", RateLimit(s), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	post := func(body string) int {
		req := httptest.NewRequest("POST", "/login", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := post(`{"email":"a@example.com"}`); got != fiber.StatusOK {
		t.Fatalf("first request: expected 200, got %d", got)
	}
	if got := post(`{"email":"a@example.com"}`); got != fiber.StatusTooManyRequests {
		t.Fatalf("second request for the same email: expected 429, got %d", got)
	}
	// A different email has its own budget even from the same IP.
	if got := post(`{"email":"b@example.com"}`); got != fiber.StatusOK {
		t.Fatalf("different email: expected 200, got %d", got)
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wolfman30/patientflow/internal/tenancy"
)

func TestRateLimiterRefillsOverTime(t *testing.T) {
	now := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatalf("expected burst of 2 to pass")
	}
	if rl.Allow("a") {
		t.Fatalf("expected third request to be limited")
	}
	if !rl.Allow("b") {
		t.Fatalf("expected independent bucket for b")
	}
	now = now.Add(time.Second)
	if !rl.Allow("a") {
		t.Fatalf("expected refill after one second")
	}
}

func TestRateLimiterSweepsIdleBuckets(t *testing.T) {
	now := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 1)
	rl.now = func() time.Time { return now }
	rl.Allow("old")

	now = now.Add(staleAfter + sweepEvery)
	rl.Allow("new")
	if _, ok := rl.buckets["old"]; ok {
		t.Fatalf("expected idle bucket to be swept")
	}
}

func TestRateLimitKeysByOrganization(t *testing.T) {
	mw := RateLimit(0.001, 1)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	send := func(org, ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/doctors", nil)
		req.RemoteAddr = ip
		if org != "" {
			req = req.WithContext(tenancy.WithOrgID(req.Context(), org))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("org-1", "10.0.0.1:1"); code != http.StatusOK {
		t.Fatalf("expected first org request to pass, got %d", code)
	}
	if code := send("org-1", "10.0.0.2:1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected org bucket shared across IPs, got %d", code)
	}
	if code := send("", "10.0.0.2:1"); code != http.StatusOK {
		t.Fatalf("expected anonymous request keyed by IP, got %d", code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	called := 0
	handler := RateLimit(0, 0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called++ }))
	for i := 0; i < 5; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	if called != 5 {
		t.Fatalf("expected all requests through, got %d", called)
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"review": {RequestsPerMinute: 60, Burst: 1},
	})
	handler := limiter.Middleware("review")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/review/pending", nil)
	req.Header.Set("X-Real-IP", "10.0.0.1")

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterUnknownKeyPassesThrough(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{})
	handler := limiter.Middleware("review")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/review/pending", nil)
	for i := 0; i < 10; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, res.Code)
		}
	}
}

func TestRateLimiterSeparatesClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"review": {RequestsPerMinute: 60, Burst: 1},
	})
	handler := limiter.Middleware("review")(okHandler())

	reqA := httptest.NewRequest(http.MethodGet, "/review/pending", nil)
	reqA.Header.Set("X-Real-IP", "10.0.0.1")
	reqB := httptest.NewRequest(http.MethodGet, "/review/pending", nil)
	reqB.Header.Set("X-Real-IP", "10.0.0.2")

	resA := httptest.NewRecorder()
	handler.ServeHTTP(resA, reqA)
	if resA.Code != http.StatusOK {
		t.Fatalf("expected client A to succeed, got %d", resA.Code)
	}
	resB := httptest.NewRecorder()
	handler.ServeHTTP(resB, reqB)
	if resB.Code != http.StatusOK {
		t.Fatalf("expected client B to succeed, got %d", resB.Code)
	}
}

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
		"financing": {RequestsPerMinute: 60, Burst: 1},
	})
	handler := limiter.Middleware("financing")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/financing/withdraw", nil)
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

func TestRateLimiterSeparatesCallers(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"financing": {RequestsPerMinute: 60, Burst: 1},
	})
	handler := limiter.Middleware("financing")(okHandler())

	for _, caller := range [][20]byte{{0x01}, {0x02}} {
		req := httptest.NewRequest(http.MethodPost, "/v1/pool/deposit", nil)
		req = req.WithContext(WithCaller(req.Context(), caller))
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("caller %x: expected success, got %d", caller, res.Code)
		}
	}
}

func TestRateLimiterSeparatesKeys(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"financing": {RequestsPerMinute: 60, Burst: 1},
		"queries":   {RequestsPerMinute: 60, Burst: 1},
	})
	financing := limiter.Middleware("financing")(okHandler())
	queries := limiter.Middleware("queries")(okHandler())
	unlimited := limiter.Middleware("admin")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/pool", nil)
	for _, h := range []http.Handler{financing, queries, unlimited, unlimited} {
		res := httptest.NewRecorder()
		h.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected success, got %d", res.Code)
		}
	}
}

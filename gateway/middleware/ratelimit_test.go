package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"mutations": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("mutations")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/order/place-order", nil)
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
	if res.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestRateLimiterSeparatesLimitsAndClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"queries":   {RequestsPerMinute: 1, Burst: 1},
		"mutations": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	queries := limiter.Middleware("queries")(okHandler())
	mutations := limiter.Middleware("mutations")(okHandler())

	reqA := httptest.NewRequest(http.MethodGet, "/order/get-all-orders", nil)
	reqA.Header.Set("X-Real-IP", "10.0.0.1")
	reqB := httptest.NewRequest(http.MethodGet, "/order/get-all-orders", nil)
	reqB.Header.Set("X-Forwarded-For", "10.0.0.2, 192.168.1.1")

	for _, step := range []struct {
		handler http.Handler
		req     *http.Request
		want    int
	}{
		{queries, reqA, http.StatusOK},
		{mutations, reqA, http.StatusOK},
		{queries, reqB, http.StatusOK},
		{queries, reqA, http.StatusTooManyRequests},
	} {
		res := httptest.NewRecorder()
		step.handler.ServeHTTP(res, step.req)
		if res.Code != step.want {
			t.Fatalf("expected %d, got %d", step.want, res.Code)
		}
	}
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(map[string]RateLimit{"queries": {RequestsPerMinute: 60, Burst: 1}}, nil)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("queries")(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/product/get-all-products", nil)

	codes := make([]int, 0, 3)
	for _, advance := range []time.Duration{0, 0, time.Second} {
		now = now.Add(advance)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		codes = append(codes, res.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests || codes[2] != http.StatusOK {
		t.Fatalf("unexpected status sequence %v", codes)
	}
}

func TestRateLimiterUnknownLimitPassesThrough(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("missing")(okHandler())
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("expected pass-through, got %d", res.Code)
		}
	}
}

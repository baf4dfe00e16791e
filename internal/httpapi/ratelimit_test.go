package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/erauner12/whoopsync-api/internal/auth"
)

func withUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), auth.CtxUserID, userID))
}

func noopHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware_AllowsWithinBurst(t *testing.T) {
	mw := RateLimitMiddleware(RateLimitInfo{WindowSeconds: 60, MaxRequests: 10, Burst: 2})
	handler := mw(noopHandler())

	for i := 1; i <= 2; i++ {
		req := withUser(httptest.NewRequest(http.MethodGet, "/data/recovery", nil), "user-a")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
	}
}

func TestRateLimitMiddleware_429AfterBurstExhausted(t *testing.T) {
	mw := RateLimitMiddleware(RateLimitInfo{WindowSeconds: 60, MaxRequests: 10, Burst: 2})
	handler := mw(noopHandler())

	for i := 1; i <= 2; i++ {
		req := withUser(httptest.NewRequest(http.MethodGet, "/data/recovery", nil), "user-a")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	req := withUser(httptest.NewRequest(http.MethodGet, "/data/recovery", nil), "user-a")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing on 429 response")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimitMiddleware_HeadersMatchConfig(t *testing.T) {
	mw := RateLimitMiddleware(RateLimitInfo{WindowSeconds: 60, MaxRequests: 100, Burst: 20})
	handler := mw(noopHandler())

	req := withUser(httptest.NewRequest(http.MethodGet, "/data/recovery", nil), "user-a")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-RateLimit-Limit"); got != "100" {
		t.Errorf("X-RateLimit-Limit = %q, want 100", got)
	}
	if got := rec.Header().Get("X-RateLimit-Burst"); got != "20" {
		t.Errorf("X-RateLimit-Burst = %q, want 20", got)
	}
	remaining, err := strconv.Atoi(rec.Header().Get("X-RateLimit-Remaining"))
	if err != nil || remaining < 0 || remaining > 20 {
		t.Errorf("X-RateLimit-Remaining = %q, want in [0,20]", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimitMiddleware_UnauthenticatedRequestsSkipLimiting(t *testing.T) {
	mw := RateLimitMiddleware(RateLimitInfo{WindowSeconds: 60, MaxRequests: 1, Burst: 1})
	handler := mw(noopHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/data/recovery", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200 (no user ID means skip limiting)", i, rec.Code)
		}
	}
}

func TestRateLimitMiddleware_PerUserIsolation(t *testing.T) {
	mw := RateLimitMiddleware(RateLimitInfo{WindowSeconds: 60, MaxRequests: 10, Burst: 2})
	handler := mw(noopHandler())

	for i := 0; i < 3; i++ {
		req := withUser(httptest.NewRequest(http.MethodGet, "/data/recovery", nil), "user-a")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	reqA := withUser(httptest.NewRequest(http.MethodGet, "/data/recovery", nil), "user-a")
	recA := httptest.NewRecorder()
	handler.ServeHTTP(recA, reqA)
	if recA.Code != http.StatusTooManyRequests {
		t.Errorf("user-a: status = %d, want 429 (burst exhausted)", recA.Code)
	}

	reqB := withUser(httptest.NewRequest(http.MethodGet, "/data/recovery", nil), "user-b")
	recB := httptest.NewRecorder()
	handler.ServeHTTP(recB, reqB)
	if recB.Code == http.StatusTooManyRequests {
		t.Errorf("user-b: got 429, want 200 (separate bucket)")
	}
}

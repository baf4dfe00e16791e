package whoopclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/erauner12/whoopsync-api/internal/apperr"
)

func TestAuthorizationURL(t *testing.T) {
	u := AuthorizationURL("client-1", "https://app.example.com/callback", "state-abc", "challenge-xyz", []string{"read:recovery", "read:sleep"})

	for _, want := range []string{
		"client_id=client-1",
		"state=state-abc",
		"code_challenge=challenge-xyz",
		"code_challenge_method=S256",
		"response_type=code",
	} {
		if !strings.Contains(u, want) {
			t.Errorf("authorization url %q missing %q", u, want)
		}
	}
}

func TestFetch_SinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("missing bearer token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"records":    []any{map[string]any{"sleep_id": "abc"}},
			"next_token": nil,
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/", RatePerMin: 80, RatePerDay: 8000})
	page, err := c.Fetch(context.Background(), ResourceRecovery, "tok-123", TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now()}, "", 10)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(page.Records) != 1 {
		t.Fatalf("len(page.Records) = %d, want 1", len(page.Records))
	}
	if page.NextToken != "" {
		t.Errorf("NextToken = %q, want empty", page.NextToken)
	}
}

func TestFetch_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/", RatePerMin: 80, RatePerDay: 8000})
	_, err := c.Fetch(context.Background(), ResourceSleep, "bad-tok", TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now()}, "", 10)

	e, ok := apperr.As(err)
	if !ok || e.Code != apperr.CodeNotConnected {
		t.Fatalf("expected CodeNotConnected, got %v", err)
	}
}

func TestFetch_RateLimitedTwice(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/", RatePerMin: 80, RatePerDay: 8000})
	_, err := c.Fetch(context.Background(), ResourceWorkout, "tok", TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now()}, "", 10)

	e, ok := apperr.As(err)
	if !ok || e.Code != apperr.CodeRateLimited {
		t.Fatalf("expected CodeRateLimited, got %v", err)
	}
	if calls < 2 {
		t.Errorf("expected at least 2 calls (retry once on 429), got %d", calls)
	}
}

func TestFetch_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/", RatePerMin: 80, RatePerDay: 8000})
	_, err := c.Fetch(context.Background(), ResourceCycle, "tok", TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now()}, "", 10)

	e, ok := apperr.As(err)
	if !ok || e.Code != apperr.CodeUpstreamPermanent {
		t.Fatalf("expected CodeUpstreamPermanent, got %v", err)
	}
}

func TestFetch_RetriesTransient5xxThenSucceeds(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"records": []any{}, "next_token": nil})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/", RatePerMin: 80, RatePerDay: 8000})
	_, err := c.Fetch(context.Background(), ResourceSleep, "tok", TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now()}, "", 10)
	if err != nil {
		t.Fatalf("Fetch() error = %v, want nil after retry", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestPacer_BurstWithinPerMinuteCapacityIsNotDelayed(t *testing.T) {
	p := NewPacer(60, 0) // 1/sec steady rate, burst 60
	start := time.Now()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := p.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("burst of 3 within capacity took too long: %v", time.Since(start))
	}
}

func TestPacer_DailyCeiling(t *testing.T) {
	p := NewPacer(600, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if err := p.Wait(ctx); err == nil {
		t.Fatalf("expected third Wait to block past daily cap and hit ctx deadline")
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/erauner12/whoopsync-api/internal/auth"
	"github.com/erauner12/whoopsync-api/internal/db"
	"github.com/erauner12/whoopsync-api/internal/oauthflow"
	"github.com/erauner12/whoopsync-api/internal/repository"
	"github.com/erauner12/whoopsync-api/internal/syncengine"
	"github.com/erauner12/whoopsync-api/internal/tokenstore"
	"github.com/erauner12/whoopsync-api/internal/whoopclient"
)

func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}
	pool, err := db.Open(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	_, err = pool.Exec(context.Background(), `
		DELETE FROM sync_log_entry; DELETE FROM recovery_record; DELETE FROM sleep_record;
		DELETE FROM workout_record; DELETE FROM cycle_record;
		DELETE FROM oauth_pending; DELETE FROM whoop_link; DELETE FROM app_user;
	`)
	if err != nil {
		t.Fatalf("failed to clean test database: %v", err)
	}
	return pool
}

type fakeExchanger struct {
	whoopUserID int64
}

func (f *fakeExchanger) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (string, string, time.Time, error) {
	return "access-token", "refresh-token", time.Now().Add(time.Hour), nil
}

func (f *fakeExchanger) FetchProfile(ctx context.Context, accessToken string) (whoopclient.UserProfile, error) {
	return whoopclient.UserProfile{UserID: f.whoopUserID}, nil
}

type fakeFetcher struct{}

func (f *fakeFetcher) Fetch(ctx context.Context, resource whoopclient.Resource, accessToken string, tr whoopclient.TimeRange, pageCursor string, limit int) (whoopclient.Page, error) {
	return whoopclient.Page{}, nil
}

func newTestServer(t *testing.T, pool *pgxpool.Pool) *Server {
	t.Helper()
	repo := repository.New(pool)
	tokens := tokenstore.New(pool, &whoopclient.Client{})
	oauth := oauthflow.New(pool, &fakeExchanger{whoopUserID: 9001}, tokens, 10*time.Minute)
	engine := syncengine.New(tokens, &fakeFetcher{}, repo, syncengine.Thresholds{
		Recovery: 2 * time.Hour, Sleep: 2 * time.Hour, Cycle: 2 * time.Hour, Workout: time.Hour,
	}, 30)

	return &Server{
		DB:               pool,
		JWTCfg:           auth.JWTCfg{DevMode: true},
		RateLimitConfig:  RateLimitInfo{WindowSeconds: 60, MaxRequests: 120, Burst: 30},
		Tokens:           tokens,
		OAuth:            oauth,
		Sync:             engine,
		UpstreamClientID: "test-client-id",
		RedirectURI:      "https://app.example.com/callback",
	}
}

func TestRoutes_HealthzIsUnauthenticated(t *testing.T) {
	pool := getTestDB(t)
	defer pool.Close()

	srv := newTestServer(t, pool)
	router := srv.Routes()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRoutes_OAuthInitiateRequiresAuth(t *testing.T) {
	pool := getTestDB(t)
	defer pool.Close()

	srv := newTestServer(t, pool)
	router := srv.Routes()

	req := httptest.NewRequest("POST", "/oauth/initiate", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != 401 {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRoutes_OAuthInitiateThenCallbackLinksAccount(t *testing.T) {
	pool := getTestDB(t)
	defer pool.Close()

	srv := newTestServer(t, pool)
	router := srv.Routes()

	sub := "user-" + uuid.NewString()

	initReq := httptest.NewRequest("POST", "/oauth/initiate", nil)
	initReq.Header.Set("X-Debug-Sub", sub)
	initRec := httptest.NewRecorder()
	router.ServeHTTP(initRec, initReq)

	if initRec.Code != 200 {
		t.Fatalf("initiate status = %d, body = %s", initRec.Code, initRec.Body.String())
	}
	var initResp oauthInitiateResp
	if err := json.Unmarshal(initRec.Body.Bytes(), &initResp); err != nil {
		t.Fatalf("decode initiate response: %v", err)
	}
	if initResp.State == "" {
		t.Fatal("expected non-empty state")
	}

	callbackReq := httptest.NewRequest("GET", "/oauth/callback?state="+initResp.State+"&code=auth-code-123", nil)
	callbackRec := httptest.NewRecorder()
	router.ServeHTTP(callbackRec, callbackReq)

	if callbackRec.Code != 200 {
		t.Fatalf("callback status = %d, body = %s", callbackRec.Code, callbackRec.Body.String())
	}

	connected, err := srv.Tokens.IsConnected(context.Background(), lookupUserID(t, pool, sub))
	if err != nil {
		t.Fatalf("IsConnected() error = %v", err)
	}
	if !connected {
		t.Error("expected account to be connected after callback")
	}
}

func TestRoutes_DataEndpointRejectsUnknownType(t *testing.T) {
	pool := getTestDB(t)
	defer pool.Close()

	srv := newTestServer(t, pool)
	router := srv.Routes()

	req := httptest.NewRequest("GET", "/data/not-a-type", nil)
	req.Header.Set("X-Debug-Sub", "user-"+uuid.NewString())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRoutes_DataEndpointNotConnectedReturns403(t *testing.T) {
	pool := getTestDB(t)
	defer pool.Close()

	srv := newTestServer(t, pool)
	router := srv.Routes()

	req := httptest.NewRequest("GET", "/data/recovery", nil)
	req.Header.Set("X-Debug-Sub", "user-"+uuid.NewString())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != 403 {
		t.Fatalf("status = %d, want 403, body = %s", rec.Code, rec.Body.String())
	}
}

func TestRoutes_SyncStatusReturnsAllFourTypes(t *testing.T) {
	pool := getTestDB(t)
	defer pool.Close()

	srv := newTestServer(t, pool)
	router := srv.Routes()

	req := httptest.NewRequest("GET", "/sync/status", nil)
	req.Header.Set("X-Debug-Sub", "user-"+uuid.NewString())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var out map[string]syncStatusEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, dt := range []string{"recovery", "sleep", "workout", "cycle"} {
		if _, ok := out[dt]; !ok {
			t.Errorf("missing status entry for %q", dt)
		}
	}
}

func lookupUserID(t *testing.T, pool *pgxpool.Pool, sub string) string {
	t.Helper()
	var id string
	if err := pool.QueryRow(context.Background(), `SELECT id FROM app_user WHERE sub = $1`, sub).Scan(&id); err != nil {
		t.Fatalf("lookup user id: %v", err)
	}
	return id
}

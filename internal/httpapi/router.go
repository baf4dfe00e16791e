// Package httpapi exposes the sync engine's HTTP surface (§6.1): OAuth
// handshake endpoints, the daily and per-type data reads, and the explicit
// sync trigger/status endpoints. It follows the teacher's chi-based router
// shape, trimmed to this domain's seven endpoints plus health/metrics.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/whoopsync-api/internal/apperr"
	"github.com/erauner12/whoopsync-api/internal/auth"
	"github.com/erauner12/whoopsync-api/internal/oauthflow"
	"github.com/erauner12/whoopsync-api/internal/syncengine"
	"github.com/erauner12/whoopsync-api/internal/tokenstore"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	DB              *pgxpool.Pool
	JWTCfg          auth.JWTCfg
	RateLimitConfig RateLimitInfo

	Tokens          *tokenstore.Store
	OAuth           *oauthflow.Orchestrator
	Sync            *syncengine.Engine
	UpstreamClientID string // UPSTREAM_CLIENT_ID, passed through to the authorization URL
	RedirectURI     string // default UPSTREAM_REDIRECT_URI, used when a request omits one
}

// DefaultRateLimitConfig is a fixed per-user limit for the client-facing
// API (120 requests/minute, burst 30), distinct from the upstream pacer in
// whoopclient.Pacer. It is not derived from RATE_LIMIT_PER_MINUTE.
var DefaultRateLimitConfig = RateLimitInfo{
	WindowSeconds: 60,
	MaxRequests:   120,
	Burst:         30,
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeAppError maps an apperr.Code to its HTTP status per §7 and writes the
// standardized { error: { code, message } } body.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperr.CodeInvalidInput, apperr.CodeInvalidState:
		status = http.StatusBadRequest
	case apperr.CodeUnauthenticated:
		status = http.StatusUnauthorized
	case apperr.CodeNotConnected:
		status = http.StatusForbidden
	case apperr.CodeRateLimited:
		status = http.StatusTooManyRequests
		if e, ok := apperr.As(err); ok && e.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(e.RetryAfter.Seconds())))
		}
	case apperr.CodeUpstreamTransient, apperr.CodeUpstreamPermanent:
		status = http.StatusBadGateway
	case apperr.CodeRepository:
		status = http.StatusInternalServerError
	case apperr.CodeInternal:
		status = http.StatusInternalServerError
	}

	log.Ctx(r.Context()).Error().Err(err).Str("code", string(code)).Msg("request failed")
	writeJSON(w, status, errorResponse{Error: errorBody{Code: string(code), Message: err.Error()}})
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{Code: string(apperr.CodeInvalidInput), Message: message}})
}

func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func parseBool(q string) bool {
	b, _ := strconv.ParseBool(q)
	return b
}

// Routes builds the HTTP router per §6.1.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// GET /oauth/callback is reached by the upstream IdP redirect, not by
	// an authenticated client, so it sits outside the auth middleware; the
	// OAuth state token itself is the proof of identity (§6.1).
	r.Get("/oauth/callback", s.OAuthCallback)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.DB, s.JWTCfg))
		r.Use(RateLimitMiddleware(s.RateLimitConfig))

		r.Post("/oauth/initiate", s.OAuthInitiate)
		r.Delete("/oauth/connection", s.OAuthDisconnect)

		r.Get("/daily/{date}", s.GetDaily)
		r.Get("/data/{type}", s.GetData)

		r.Post("/sync", s.PostSync)
		r.Get("/sync/status", s.GetSyncStatus)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

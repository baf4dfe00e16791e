package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/erauner12/whoopsync-api/internal/apperr"
	"github.com/erauner12/whoopsync-api/internal/auth"
)

type oauthInitiateReq struct {
	RedirectURI string   `json:"redirect_uri"`
	Scopes      []string `json:"scopes"`
}

type oauthInitiateResp struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

// OAuthInitiate handles POST /oauth/initiate (§6.1).
func (s *Server) OAuthInitiate(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req oauthInitiateReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, r, "malformed json body")
			return
		}
	}
	redirectURI := req.RedirectURI
	if redirectURI == "" {
		redirectURI = s.RedirectURI
	}
	if redirectURI == "" {
		writeBadRequest(w, r, "redirect_uri is required")
		return
	}

	result, err := s.OAuth.Begin(r.Context(), userID, s.UpstreamClientID, redirectURI, req.Scopes)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, oauthInitiateResp{
		AuthorizationURL: result.AuthorizationURL,
		State:            result.State,
	})
}

type oauthCallbackResp struct {
	Success bool `json:"success"`
}

// OAuthCallback handles GET /oauth/callback (§6.1). Not behind the JWT
// middleware: the one-time state token is the proof of identity here, not a
// bearer token (the browser redirect from the upstream IdP carries no auth
// header of ours to validate).
func (s *Server) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeBadRequest(w, r, "state and code query parameters are required")
		return
	}

	if _, err := s.OAuth.Complete(r.Context(), state, code); err != nil {
		writeAppError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, oauthCallbackResp{Success: true})
}

// OAuthDisconnect handles DELETE /oauth/connection (§6.1).
func (s *Server) OAuthDisconnect(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	if err := s.Tokens.Disconnect(r.Context(), userID); err != nil {
		if apperr.CodeOf(err) == apperr.CodeNotConnected {
			writeJSON(w, http.StatusOK, map[string]bool{"success": true})
			return
		}
		writeAppError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

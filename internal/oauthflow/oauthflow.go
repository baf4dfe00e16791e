// Package oauthflow is the OAuth Orchestrator (component C): the
// authorization-code-with-PKCE handshake that links a local user to a WHOOP
// account. Token persistence itself is delegated to tokenstore; this
// package only owns the state/verifier bridging row and the upstream
// exchange call.
package oauthflow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/whoopsync-api/internal/apperr"
	"github.com/erauner12/whoopsync-api/internal/models"
	"github.com/erauner12/whoopsync-api/internal/tokenstore"
	"github.com/erauner12/whoopsync-api/internal/whoopclient"
)

// DefaultScopes are requested when the caller doesn't specify its own set.
var DefaultScopes = []string{"read:recovery", "read:sleep", "read:workout", "read:cycles", "offline"}

// Exchanger is the subset of whoopclient.Client this package depends on,
// narrowed for testability.
type Exchanger interface {
	ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (accessToken, refreshToken string, expiresAt time.Time, err error)
	FetchProfile(ctx context.Context, accessToken string) (whoopclient.UserProfile, error)
}

type TokenStore interface {
	StoreTokens(ctx context.Context, userID, whoopUserID, accessToken, refreshToken string, expiresAt time.Time, scopes []string) error
}

type Orchestrator struct {
	db       *pgxpool.Pool
	client   Exchanger
	tokens   TokenStore
	stateTTL time.Duration
}

func New(db *pgxpool.Pool, client Exchanger, tokens TokenStore, stateTTL time.Duration) *Orchestrator {
	if stateTTL <= 0 {
		stateTTL = 10 * time.Minute
	}
	return &Orchestrator{db: db, client: client, tokens: tokens, stateTTL: stateTTL}
}

// BeginResult is what /oauth/initiate hands back to the caller: the URL to
// redirect the user's browser to.
type BeginResult struct {
	AuthorizationURL string
	State            string
}

// Begin generates a fresh PKCE verifier/challenge pair and state token,
// persists the pending handshake, and returns the upstream authorization
// URL (§4.C, §6.1 POST /oauth/initiate).
func (o *Orchestrator) Begin(ctx context.Context, userID, clientID, redirectURI string, scopes []string) (BeginResult, error) {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	state, err := randomURLSafeString(32)
	if err != nil {
		return BeginResult{}, apperr.Wrap(apperr.CodeInternal, "generate oauth state", err)
	}
	verifier, err := randomURLSafeString(48)
	if err != nil {
		return BeginResult{}, apperr.Wrap(apperr.CodeInternal, "generate pkce verifier", err)
	}
	challenge := pkceChallenge(verifier)

	pending := models.OAuthPending{
		UserID:       userID,
		State:        state,
		CodeVerifier: verifier,
		RedirectURI:  redirectURI,
		Scopes:       scopes,
		ExpiresAt:    time.Now().Add(o.stateTTL),
	}
	if err := o.savePending(ctx, pending); err != nil {
		return BeginResult{}, err
	}

	return BeginResult{
		AuthorizationURL: whoopclient.AuthorizationURL(clientID, redirectURI, state, challenge, scopes),
		State:            state,
	}, nil
}

func (o *Orchestrator) savePending(ctx context.Context, p models.OAuthPending) error {
	_, err := o.db.Exec(ctx, `
		INSERT INTO oauth_pending (user_id, state, code_verifier, redirect_uri, scopes, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.UserID, p.State, p.CodeVerifier, p.RedirectURI, p.Scopes, p.ExpiresAt)
	if err != nil {
		return apperr.Wrap(apperr.CodeRepository, "save pending oauth handshake", err)
	}
	return nil
}

// CompleteResult reports the linked WHOOP account's identity back to the
// caller, per §6.1 GET /oauth/callback.
type CompleteResult struct {
	UserID      string
	WhoopUserID string
}

// Complete consumes the pending handshake matching state, exchanges the
// authorization code for tokens, fetches the upstream profile to learn
// whoop_user_id, and persists the link. The pending row is deleted whether
// or not the exchange ultimately succeeds, matching §4.C's "state tokens are
// single use."
func (o *Orchestrator) Complete(ctx context.Context, state, code string) (CompleteResult, error) {
	pending, err := o.consumePending(ctx, state)
	if err != nil {
		return CompleteResult{}, err
	}
	if pending.Expired(time.Now()) {
		return CompleteResult{}, apperr.InvalidState("oauth state token has expired")
	}

	accessToken, refreshToken, expiresAt, err := o.client.ExchangeCode(ctx, code, pending.CodeVerifier, pending.RedirectURI)
	if err != nil {
		return CompleteResult{}, err
	}

	profile, err := o.client.FetchProfile(ctx, accessToken)
	if err != nil {
		return CompleteResult{}, err
	}
	whoopUserID := formatWhoopUserID(profile.UserID)

	if err := o.tokens.StoreTokens(ctx, pending.UserID, whoopUserID, accessToken, refreshToken, expiresAt, pending.Scopes); err != nil {
		return CompleteResult{}, err
	}

	log.Ctx(ctx).Info().Str("user_id", pending.UserID).Str("whoop_user_id", whoopUserID).Msg("whoop account linked")
	return CompleteResult{UserID: pending.UserID, WhoopUserID: whoopUserID}, nil
}

// consumePending performs a select-and-delete in one transaction, so the
// same state token can never be replayed even if two callbacks race it.
func (o *Orchestrator) consumePending(ctx context.Context, state string) (models.OAuthPending, error) {
	tx, err := o.db.Begin(ctx)
	if err != nil {
		return models.OAuthPending{}, apperr.Wrap(apperr.CodeRepository, "begin oauth consume transaction", err)
	}
	defer tx.Rollback(ctx)

	var p models.OAuthPending
	var scopes []string
	err = tx.QueryRow(ctx, `
		SELECT user_id, state, code_verifier, redirect_uri, scopes, created_at, expires_at
		FROM oauth_pending WHERE state = $1 FOR UPDATE
	`, state).Scan(&p.UserID, &p.State, &p.CodeVerifier, &p.RedirectURI, &scopes, &p.CreatedAt, &p.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.OAuthPending{}, apperr.InvalidState("unknown or already-used oauth state")
		}
		return models.OAuthPending{}, apperr.Wrap(apperr.CodeRepository, "load pending oauth handshake", err)
	}
	p.Scopes = scopes

	if _, err := tx.Exec(ctx, `DELETE FROM oauth_pending WHERE state = $1`, state); err != nil {
		return models.OAuthPending{}, apperr.Wrap(apperr.CodeRepository, "delete pending oauth handshake", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.OAuthPending{}, apperr.Wrap(apperr.CodeRepository, "commit oauth consume transaction", err)
	}
	return p, nil
}

// ReapExpired deletes every oauth_pending row past its expiry, run
// periodically by a cron job (§4.C, §5).
func (o *Orchestrator) ReapExpired(ctx context.Context) (int64, error) {
	tag, err := o.db.Exec(ctx, `DELETE FROM oauth_pending WHERE expires_at < now()`)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeRepository, "reap expired oauth handshakes", err)
	}
	return tag.RowsAffected(), nil
}

func randomURLSafeString(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// pkceChallenge computes the S256 code challenge for a verifier, per RFC
// 7636. No third-party PKCE helper appears anywhere in the retrieved
// example pack, so this stays on crypto/rand + crypto/sha256 (see DESIGN.md).
func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func formatWhoopUserID(id int64) string {
	return strconv.FormatInt(id, 10)
}

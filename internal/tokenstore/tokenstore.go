// Package tokenstore is the Token Store & Refresher (component B): the only
// place WHOOP access/refresh tokens are read, persisted, or rotated. Every
// other component asks this package for a usable token instead of touching
// whoop_link directly.
package tokenstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/erauner12/whoopsync-api/internal/apperr"
	"github.com/erauner12/whoopsync-api/internal/models"
	"github.com/erauner12/whoopsync-api/internal/whoopclient"
)

// expiryMargin is how far ahead of the recorded expiry we treat a token as
// stale, so a refresh always completes before the upstream itself would
// reject the access token (§4.B).
const expiryMargin = 2 * time.Minute

type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, expiresAt time.Time, err error)
}

// Store persists WhoopLink rows and refreshes them on demand. A single
// singleflight.Group, keyed by user id, guarantees only one refresh call is
// ever in flight per user (§4.B, §5): concurrent callers for the same user
// block on the same upstream round trip instead of racing it.
type Store struct {
	db     *pgxpool.Pool
	client Refresher
	group  singleflight.Group
}

func New(db *pgxpool.Pool, client Refresher) *Store {
	return &Store{db: db, client: client}
}

// GetValidToken returns a currently-usable access token for userID,
// transparently refreshing it first if it is within expiryMargin of
// expiring. Returns apperr.CodeNotConnected if the user has no active link.
func (s *Store) GetValidToken(ctx context.Context, userID string) (string, error) {
	link, err := s.getLink(ctx, userID)
	if err != nil {
		return "", err
	}

	if time.Now().Add(expiryMargin).Before(link.TokenExpiresAt) {
		return link.AccessToken, nil
	}

	refreshed, err, _ := s.group.Do(userID, func() (any, error) {
		return s.refresh(ctx, userID)
	})
	if err != nil {
		return "", err
	}
	return refreshed.(string), nil
}

func (s *Store) refresh(ctx context.Context, userID string) (string, error) {
	log.Ctx(ctx).Info().Str("user_id", userID).Msg("refreshing whoop access token")

	link, err := s.getLink(ctx, userID)
	if err != nil {
		return "", err
	}
	// Re-check after acquiring the singleflight slot: another goroutine may
	// have already refreshed the token while we were waiting for it.
	if time.Now().Add(expiryMargin).Before(link.TokenExpiresAt) {
		return link.AccessToken, nil
	}

	accessToken, refreshToken, expiresAt, err := s.client.RefreshToken(ctx, link.RefreshToken)
	if err != nil {
		if ae, ok := apperr.As(err); ok && ae.Code == apperr.CodeUpstreamPermanent {
			// Refresh token itself was rejected: the link is dead until the
			// user re-authorizes, per §4.B / §7.
			_ = s.deactivate(ctx, userID)
			return "", apperr.NotConnected("whoop refresh token rejected, reconnect required")
		}
		return "", err
	}

	if err := s.StoreTokens(ctx, userID, link.WhoopUserID, accessToken, refreshToken, expiresAt, link.Scopes); err != nil {
		return "", err
	}
	return accessToken, nil
}

func (s *Store) getLink(ctx context.Context, userID string) (models.WhoopLink, error) {
	var link models.WhoopLink
	link.UserID = userID
	var scopes []string

	err := s.db.QueryRow(ctx, `
		SELECT whoop_user_id, access_token, refresh_token, token_expires_at, scopes, is_active, created_at, updated_at
		FROM whoop_link WHERE user_id = $1
	`, userID).Scan(&link.WhoopUserID, &link.AccessToken, &link.RefreshToken, &link.TokenExpiresAt,
		&scopes, &link.IsActive, &link.CreatedAt, &link.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WhoopLink{}, apperr.NotConnected("no whoop account linked for this user")
		}
		return models.WhoopLink{}, apperr.Wrap(apperr.CodeRepository, "load whoop link", err)
	}
	link.Scopes = scopes

	if !link.IsActive {
		return models.WhoopLink{}, apperr.NotConnected("whoop account link has been disconnected")
	}
	return link, nil
}

// StoreTokens persists a newly issued or refreshed token pair, creating the
// link row on first connect and overwriting it on every subsequent refresh.
func (s *Store) StoreTokens(ctx context.Context, userID, whoopUserID, accessToken, refreshToken string, expiresAt time.Time, scopes []string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO whoop_link (user_id, whoop_user_id, access_token, refresh_token, token_expires_at, scopes, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, true, now())
		ON CONFLICT (user_id) DO UPDATE SET
			whoop_user_id = EXCLUDED.whoop_user_id,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expires_at = EXCLUDED.token_expires_at,
			scopes = EXCLUDED.scopes,
			is_active = true,
			updated_at = now()
	`, userID, whoopUserID, accessToken, refreshToken, expiresAt, scopes)
	if err != nil {
		return apperr.Wrap(apperr.CodeRepository, "store whoop tokens", err)
	}
	return nil
}

// Disconnect deactivates a user's link (§4.B / §6: DELETE /oauth/connection).
// The row is kept, not deleted, so historical sync_log_entry rows and
// already-ingested records remain intact.
func (s *Store) Disconnect(ctx context.Context, userID string) error {
	return s.deactivate(ctx, userID)
}

func (s *Store) deactivate(ctx context.Context, userID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE whoop_link SET is_active = false, updated_at = now() WHERE user_id = $1`, userID)
	if err != nil {
		return apperr.Wrap(apperr.CodeRepository, "disconnect whoop link", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotConnected("no whoop account linked for this user")
	}
	return nil
}

// IsConnected reports whether userID currently has an active link, without
// triggering a refresh.
func (s *Store) IsConnected(ctx context.Context, userID string) (bool, error) {
	var isActive bool
	err := s.db.QueryRow(ctx, `SELECT is_active FROM whoop_link WHERE user_id = $1`, userID).Scan(&isActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, apperr.Wrap(apperr.CodeRepository, "check whoop link", err)
	}
	return isActive, nil
}

var _ Refresher = (*whoopclient.Client)(nil)

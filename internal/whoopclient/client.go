// Package whoopclient is the Upstream Client (component A): rate-limited,
// retrying HTTP access to the WHOOP wearable API. It returns one page per
// call; iteration across pages is the Sync Orchestrator's responsibility
// (§4.A).
package whoopclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/whoopsync-api/internal/apperr"
)

// BaseURL is a fixed constant per §4.A: the upstream hosts v2 data under a
// /v1 path prefix despite the version-looking name.
const BaseURL = "https://api.prod.whoop.com/developer/v1/"

const (
	authURL    = "https://api.prod.whoop.com/developer/oauth/oauth2/token"
	profileURL = "https://api.prod.whoop.com/developer/v1/user/profile/basic"
)

type Client struct {
	httpClient *http.Client
	pacer      *Pacer
	baseURL    string

	clientID     string
	clientSecret string
}

type Config struct {
	BaseURL      string
	Timeout      time.Duration
	RatePerMin   int
	RatePerDay   int
	ClientID     string
	ClientSecret string
}

func New(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		pacer:        NewPacer(cfg.RatePerMin, cfg.RatePerDay),
		baseURL:      base,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
	}
}

// TimeRange bounds a fetch window; both ends are required by the upstream
// wire contract (§6.2).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Fetch issues one authenticated GET against resource, returning a single
// page. limit and pageCursor (may be empty) are passed through verbatim.
func (c *Client) Fetch(ctx context.Context, resource Resource, accessToken string, tr TimeRange, pageCursor string, limit int) (Page, error) {
	q := url.Values{}
	q.Set("start", tr.Start.UTC().Format(time.RFC3339))
	q.Set("end", tr.End.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(limit))
	if pageCursor != "" {
		q.Set("nextToken", pageCursor)
	}

	reqURL := c.baseURL + string(resource) + "?" + q.Encode()

	var out dataResponse
	if err := c.doRetrying(ctx, http.MethodGet, reqURL, accessToken, nil, &out); err != nil {
		return Page{}, err
	}

	page := Page{Records: out.Records}
	if out.NextToken != nil {
		page.NextToken = *out.NextToken
	}
	return page, nil
}

// FetchProfile calls GET /user/profile/basic to learn whoop_user_id during
// OAuth completion (§4.C).
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (UserProfile, error) {
	var profile UserProfile
	if err := c.doRetrying(ctx, http.MethodGet, profileURL, accessToken, nil, &profile); err != nil {
		return UserProfile{}, err
	}
	return profile, nil
}

// ExchangeCode performs the authorization-code token exchange (PKCE verifier
// included) at the upstream token endpoint.
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (accessToken, refreshToken string, expiresAt time.Time, err error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {codeVerifier},
		"redirect_uri":  {redirectURI},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	return c.exchangeForm(ctx, form)
}

// RefreshToken performs the refresh-token grant; the upstream rotates the
// refresh token on every use (§4.B), so the returned refreshToken MUST
// replace the caller's stored value.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, expiresAt time.Time, err error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	return c.exchangeForm(ctx, form)
}

func (c *Client) exchangeForm(ctx context.Context, form url.Values) (string, string, time.Time, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return "", "", time.Time{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", "", time.Time{}, apperr.Wrap(apperr.CodeInternal, "build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", time.Time{}, apperr.Wrap(apperr.CodeUpstreamTransient, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return "", "", time.Time{}, apperr.New(apperr.CodeUpstreamPermanent, "invalid grant: "+truncate(string(body), 200))
	}
	if resp.StatusCode >= 500 {
		return "", "", time.Time{}, apperr.New(apperr.CodeUpstreamTransient, fmt.Sprintf("token endpoint returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", time.Time{}, apperr.New(apperr.CodeUpstreamPermanent, fmt.Sprintf("token endpoint returned %d", resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", "", time.Time{}, apperr.Wrap(apperr.CodeUpstreamPermanent, "malformed token response", err)
	}

	expiresAt := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return tr.AccessToken, tr.RefreshToken, expiresAt, nil
}

// AuthorizationURL builds the upstream authorization-redirect URL for the
// authorization-code-with-PKCE flow (§4.C). codeChallenge is the S256 hash
// of the PKCE verifier, never the verifier itself.
func AuthorizationURL(clientID, redirectURI, state, codeChallenge string, scopes []string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("state", state)
	q.Set("code_challenge", codeChallenge)
	q.Set("code_challenge_method", "S256")
	for _, s := range scopes {
		q.Add("scope", s)
	}
	return "https://api.prod.whoop.com/developer/oauth/oauth2/auth?" + q.Encode()
}

// doRetrying issues one HTTP request with bearer-token injection, honoring
// the pacer, and retries per §4.A: exponential backoff on transport errors
// and 5xx (capped at three attempts), a single Retry-After wait-then-retry
// on 429, and no retry for other 4xx.
func (c *Client) doRetrying(ctx context.Context, method, reqURL, accessToken string, body io.Reader, out any) error {
	attempt := 0
	retriedRateLimit := false

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // bounded by WithMaxRetries(bo, 2) below, not wall-clock

	operation := func() error {
		attempt++
		if err := c.pacer.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return backoff.Permanent(apperr.Wrap(apperr.CodeInternal, "build request", err))
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt >= 3 {
				return backoff.Permanent(apperr.Wrap(apperr.CodeUpstreamTransient, "transport error", err))
			}
			return apperr.Wrap(apperr.CodeUpstreamTransient, "transport error", err)
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)

		switch {
		case resp.StatusCode == http.StatusOK:
			if out != nil {
				if err := json.Unmarshal(respBody, out); err != nil {
					return backoff.Permanent(apperr.Wrap(apperr.CodeUpstreamPermanent, "malformed response body", err))
				}
			}
			return nil

		case resp.StatusCode == http.StatusUnauthorized:
			return backoff.Permanent(apperr.New(apperr.CodeNotConnected, "access token rejected"))

		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(apperr.New(apperr.CodeUpstreamPermanent, "resource not found"))

		case resp.StatusCode == http.StatusTooManyRequests:
			if retriedRateLimit {
				return backoff.Permanent(apperr.RateLimited(retryAfterOf(resp)))
			}
			retriedRateLimit = true
			wait := retryAfterOf(resp)
			log.Ctx(ctx).Warn().Dur("retry_after", wait).Str("url", reqURL).Msg("whoop upstream rate limited, waiting once")
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-t.C:
			}
			return apperr.RateLimited(wait)

		case resp.StatusCode >= 500:
			if attempt >= 3 {
				return backoff.Permanent(apperr.New(apperr.CodeUpstreamTransient, fmt.Sprintf("upstream returned %d after retries", resp.StatusCode)))
			}
			return apperr.New(apperr.CodeUpstreamTransient, fmt.Sprintf("upstream returned %d", resp.StatusCode))

		default:
			return backoff.Permanent(apperr.New(apperr.CodeUpstreamPermanent, fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, truncate(string(respBody), 200))))
		}
	}

	return backoff.Retry(operation, backoff.WithMaxRetries(bo, 2))
}

func retryAfterOf(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 2 * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

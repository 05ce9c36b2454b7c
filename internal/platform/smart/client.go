package smart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
)

// TokenSet is decrypted token material for one connection. Persistence
// seals it; in memory it stays plaintext.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	Patient      string
	ExpiresAt    time.Time
}

// FreshFor reports whether the access token stays valid beyond the margin.
func (t *TokenSet) FreshFor(margin time.Duration) bool {
	return t != nil && t.AccessToken != "" && time.Until(t.ExpiresAt) > margin
}

// OAuthError is a structured token-endpoint rejection.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
	Status      int    `json:"-"`
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("oauth error %q (status %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("oauth error %q: %s (status %d)", e.Code, e.Description, e.Status)
}

// IsInvalidGrant reports whether the token endpoint revoked the grant, in
// which case the connection needs reauthorization rather than a retry.
func IsInvalidGrant(err error) bool {
	var oe *OAuthError
	return errors.As(err, &oe) && oe.Code == "invalid_grant"
}

// defaultBackoff is the sleep schedule between token-endpoint retry
// attempts; each value is jittered by up to twenty percent either way.
var defaultBackoff = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}

// Client posts grants to vendor token endpoints with bounded retries on
// network faults and server errors.
type Client struct {
	http    *http.Client
	logger  zerolog.Logger
	backoff []time.Duration
}

func NewClient(httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		http:    httpClient,
		logger:  logger.With().Str("component", "smart-client").Logger(),
		backoff: defaultBackoff,
	}
}

// ExchangeCode redeems an authorization code with its PKCE verifier.
func (c *Client) ExchangeCode(ctx context.Context, tokenURL, clientID, clientSecret, code, verifier, redirectURI string) (*TokenSet, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {clientID},
		"code_verifier": {verifier},
	}
	return c.post(ctx, tokenURL, clientID, clientSecret, form)
}

// Refresh redeems a refresh token.
func (c *Client) Refresh(ctx context.Context, tokenURL, clientID, clientSecret, refreshToken string) (*TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
	}
	return c.post(ctx, tokenURL, clientID, clientSecret, form)
}

// ClientCredentials performs the backend-services grant with a signed
// client assertion.
func (c *Client) ClientCredentials(ctx context.Context, tokenURL, assertion string, scopes []string) (*TokenSet, error) {
	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {assertionType},
		"client_assertion":      {assertion},
	}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	return c.post(ctx, tokenURL, "", "", form)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	Patient      string `json:"patient"`
}

func (c *Client) post(ctx context.Context, tokenURL, clientID, clientSecret string, form url.Values) (*TokenSet, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		ts, err := c.postOnce(ctx, tokenURL, clientID, clientSecret, form)
		if err == nil {
			return ts, nil
		}
		lastErr = err
		if attempt >= len(c.backoff) || !retryable(err) {
			break
		}
		c.logger.Warn().Err(err).
			Str("token_url", tokenURL).
			Int("attempt", attempt+1).
			Msg("token request failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jitter(c.backoff[attempt])):
		}
	}
	return nil, lastErr
}

func (c *Client) postOnce(ctx context.Context, tokenURL, clientID, clientSecret string, form url.Values) (*TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperror.Validation("invalid token url %q", tokenURL)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if clientSecret != "" {
		req.SetBasicAuth(clientID, clientSecret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeNetwork, http.StatusBadGateway,
			"token endpoint unreachable").AsTransient()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeNetwork, http.StatusBadGateway,
			"token response truncated").AsTransient()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		oe := &OAuthError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, oe); jsonErr != nil || oe.Code == "" {
			oe.Code = "invalid_response"
			oe.Description = strings.TrimSpace(string(body))
		}
		wrapped := apperror.Wrap(oe, apperror.CodeAuthExchangeFailed, http.StatusBadGateway,
			"token endpoint rejected request")
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, wrapped.AsTransient()
		}
		return nil, wrapped
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, apperror.Wrap(err, apperror.CodeAuthExchangeFailed, http.StatusBadGateway,
			"token response is not valid json")
	}
	if tr.AccessToken == "" {
		return nil, apperror.New(apperror.CodeAuthExchangeFailed, http.StatusBadGateway,
			"token response carries no access token")
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return &TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
		Patient:      tr.Patient,
		ExpiresAt:    time.Now().UTC().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

func retryable(err error) bool {
	return apperror.IsTransient(err)
}

// jitter spreads a backoff value to 80..120% of its nominal duration.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}

package adapter

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/smart"
	"github.com/medbridge/ehrsync/internal/platform/telemetry"
)

// Conn is the slice of a connection an adapter needs to call the vendor.
type Conn struct {
	ID          uuid.UUID
	Vendor      string
	FHIRBaseURL string
	ClientID    string
}

// TokenSource supplies live access tokens. EnsureFresh may return a cached
// token; ForceRefresh always goes to the token endpoint, for tokens the
// vendor rejected despite looking fresh.
type TokenSource interface {
	EnsureFresh(ctx context.Context, connectionID uuid.UUID) (*smart.TokenSet, error)
	ForceRefresh(ctx context.Context, connectionID uuid.UUID) (*smart.TokenSet, error)
}

// restClient is the shared HTTP layer under every vendor adapter.
type restClient struct {
	vendor   string
	profile  Profile
	http     *http.Client
	tokens   TokenSource
	pacer    *pacer
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	decorate func(*http.Request, Conn)
}

func newRESTClient(profile Profile, httpClient *http.Client, tokens TokenSource, metrics *telemetry.Metrics, logger zerolog.Logger) *restClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &restClient{
		vendor:  profile.Vendor,
		profile: profile,
		http:    httpClient,
		tokens:  tokens,
		pacer:   newPacer(profile.MinInterval, profile.MaxConcurrent),
		metrics: metrics,
		logger:  logger.With().Str("component", "adapter").Str("vendor", profile.Vendor).Logger(),
	}
}

// get performs a paced, authorized GET. A 401 forces one token refresh and
// one retry; every other status is translated and returned as-is for the
// orchestrator to judge.
func (c *restClient) get(ctx context.Context, conn Conn, rawURL string, accept string) (*http.Response, error) {
	release, err := c.pacer.acquire(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := c.getOnce(ctx, conn, rawURL, accept, false)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	c.logger.Warn().
		Str("connection_id", conn.ID.String()).
		Msg("vendor rejected access token, forcing refresh")
	if err := c.pacer.limiter(conn.ID).Wait(ctx); err != nil {
		return nil, err
	}
	return c.getOnce(ctx, conn, rawURL, accept, true)
}

func (c *restClient) getOnce(ctx context.Context, conn Conn, rawURL, accept string, forceRefresh bool) (*http.Response, error) {
	var tokens *smart.TokenSet
	var err error
	if forceRefresh {
		tokens, err = c.tokens.ForceRefresh(ctx, conn.ID)
	} else {
		tokens, err = c.tokens.EnsureFresh(ctx, conn.ID)
	}
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, apperror.Validation("invalid vendor url %q", rawURL)
	}
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if c.decorate != nil {
		c.decorate(req, conn)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.observe("network_error")
		return nil, translateTransport(c.vendor, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.observe("ok")
		return resp, nil
	}
	if resp.StatusCode == http.StatusUnauthorized && !forceRefresh {
		// Caller handles the single refresh-and-retry.
		return resp, nil
	}

	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	c.observe(statusClass(resp.StatusCode))
	return nil, translateStatus(c.vendor, resp)
}

// getJSON reads a 2xx response body, bounded.
func (c *restClient) getJSON(ctx context.Context, conn Conn, rawURL string) ([]byte, error) {
	resp, err := c.get(ctx, conn, rawURL, "application/fhir+json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, translateTransport(c.vendor, err)
	}
	return body, nil
}

func (c *restClient) observe(outcome string) {
	if c.metrics != nil {
		c.metrics.VendorRequest(c.vendor, outcome)
	}
}

func statusClass(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status == http.StatusUnauthorized:
		return "unauthorized"
	case status >= 500:
		return "server_error"
	default:
		return "client_error"
	}
}

// resourceURL joins the FHIR base with a typed path and query.
func resourceURL(base, path string, params url.Values) string {
	u := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

package smart

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/telemetry"
)

// Authorization kinds a connection can be configured with.
const (
	AuthorizationCode = "authorization_code"
	BackendServices   = "backend_services"
)

// Grant is the authorization material configured for one connection.
type Grant struct {
	ConnectionID uuid.UUID
	Vendor       string
	AuthKind     string
	ClientID     string
	ClientSecret string
	FHIRBaseURL  string
	AuthorizeURL string
	TokenURL     string
	RedirectURI  string
	Scopes       []string

	// Backend-services credentials.
	PrivateKey string
	KeyID      string
}

// TokenStore loads grants and persists token sets. The connection service
// implements it over sealed storage.
type TokenStore interface {
	Grant(ctx context.Context, connectionID uuid.UUID) (*Grant, *TokenSet, error)
	SaveTokens(ctx context.Context, connectionID uuid.UUID, tokens *TokenSet) error
	MarkExpired(ctx context.Context, connectionID uuid.UUID) error
}

// Manager drives SMART authorization for connections: launch, code
// exchange, and keeping access tokens fresh ahead of vendor calls.
type Manager struct {
	store   TokenStore
	client  *Client
	states  *StateStore
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	margin  time.Duration
	group   singleflight.Group
}

func NewManager(store TokenStore, client *Client, states *StateStore, metrics *telemetry.Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		store:   store,
		client:  client,
		states:  states,
		metrics: metrics,
		logger:  logger.With().Str("component", "smart-manager").Logger(),
		margin:  5 * time.Minute,
	}
}

// Launch is a prepared authorization redirect.
type Launch struct {
	AuthorizeURL string `json:"authorizeUrl"`
	State        string `json:"state"`
}

// Begin prepares a PKCE authorization launch for the connection. Only
// authorization_code connections launch; backend services never redirect.
func (m *Manager) Begin(ctx context.Context, connectionID uuid.UUID) (*Launch, error) {
	grant, _, err := m.store.Grant(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if grant.AuthKind != AuthorizationCode {
		return nil, apperror.Validation("connection %s uses %s authorization and cannot launch", connectionID, grant.AuthKind)
	}
	if grant.AuthorizeURL == "" || grant.TokenURL == "" {
		return nil, apperror.Validation("connection %s has no discovered authorization endpoints", connectionID)
	}

	verifier, err := GenerateVerifier()
	if err != nil {
		return nil, err
	}
	state, err := m.states.Issue(connectionID, verifier)
	if err != nil {
		return nil, err
	}

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {grant.ClientID},
		"redirect_uri":          {grant.RedirectURI},
		"scope":                 {strings.Join(grant.Scopes, " ")},
		"state":                 {state},
		"aud":                   {grant.FHIRBaseURL},
		"code_challenge":        {ChallengeS256(verifier)},
		"code_challenge_method": {"S256"},
	}

	sep := "?"
	if strings.Contains(grant.AuthorizeURL, "?") {
		sep = "&"
	}
	m.logger.Info().
		Str("connection_id", connectionID.String()).
		Str("vendor", grant.Vendor).
		Msg("authorization launch prepared")
	return &Launch{AuthorizeURL: grant.AuthorizeURL + sep + q.Encode(), State: state}, nil
}

// ConnectionForState resolves which connection a live state belongs to,
// without consuming it. Callers use it to reject mismatched callbacks
// before the code exchange burns the state.
func (m *Manager) ConnectionForState(state string) (uuid.UUID, bool) {
	return m.states.Peek(state)
}

// Complete redeems the authorization callback. The state parameter must
// match an outstanding launch; each state is consumed exactly once.
func (m *Manager) Complete(ctx context.Context, state, code string) (uuid.UUID, error) {
	connectionID, verifier, ok := m.states.Consume(state)
	if !ok {
		return uuid.Nil, apperror.New(apperror.CodeInvalidState, http.StatusBadRequest,
			"authorization state is unknown or expired")
	}

	grant, _, err := m.store.Grant(ctx, connectionID)
	if err != nil {
		return uuid.Nil, err
	}
	tokens, err := m.client.ExchangeCode(ctx, grant.TokenURL, grant.ClientID, grant.ClientSecret, code, verifier, grant.RedirectURI)
	if err != nil {
		return uuid.Nil, err
	}
	if err := m.store.SaveTokens(ctx, connectionID, tokens); err != nil {
		return uuid.Nil, err
	}

	m.logger.Info().
		Str("connection_id", connectionID.String()).
		Str("vendor", grant.Vendor).
		Time("expires_at", tokens.ExpiresAt).
		Msg("authorization completed")
	return connectionID, nil
}

// EnsureFresh returns an access token valid for at least the freshness
// margin, refreshing on demand. Concurrent callers for one connection
// share a single refresh.
func (m *Manager) EnsureFresh(ctx context.Context, connectionID uuid.UUID) (*TokenSet, error) {
	v, err, _ := m.group.Do(connectionID.String(), func() (interface{}, error) {
		return m.freshToken(ctx, connectionID, false)
	})
	if err != nil {
		return nil, err
	}
	return v.(*TokenSet), nil
}

// ForceRefresh bypasses the freshness check, for tokens the vendor
// rejected before their recorded expiry.
func (m *Manager) ForceRefresh(ctx context.Context, connectionID uuid.UUID) (*TokenSet, error) {
	v, err, _ := m.group.Do("force:"+connectionID.String(), func() (interface{}, error) {
		return m.freshToken(ctx, connectionID, true)
	})
	if err != nil {
		return nil, err
	}
	return v.(*TokenSet), nil
}

func (m *Manager) freshToken(ctx context.Context, connectionID uuid.UUID, force bool) (*TokenSet, error) {
	grant, current, err := m.store.Grant(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !force && current.FreshFor(m.margin) {
		return current, nil
	}

	var tokens *TokenSet
	switch grant.AuthKind {
	case BackendServices:
		assertion, err := BuildAssertion(grant.ClientID, grant.TokenURL, grant.PrivateKey, grant.KeyID)
		if err != nil {
			return nil, err
		}
		tokens, err = m.client.ClientCredentials(ctx, grant.TokenURL, assertion, grant.Scopes)
		if err != nil {
			return nil, err
		}
	default:
		if current == nil || current.RefreshToken == "" {
			if err := m.store.MarkExpired(ctx, connectionID); err != nil {
				m.logger.Error().Err(err).Str("connection_id", connectionID.String()).Msg("marking connection expired failed")
			}
			return nil, apperror.New("TOKEN_EXPIRED", http.StatusUnauthorized,
				"connection %s has no refresh token and must be reauthorized", connectionID)
		}
		tokens, err = m.client.Refresh(ctx, grant.TokenURL, grant.ClientID, grant.ClientSecret, current.RefreshToken)
		if err != nil {
			if IsInvalidGrant(err) {
				if markErr := m.store.MarkExpired(ctx, connectionID); markErr != nil {
					m.logger.Error().Err(markErr).Str("connection_id", connectionID.String()).Msg("marking connection expired failed")
				}
				return nil, apperror.Wrap(err, "TOKEN_EXPIRED", http.StatusUnauthorized,
					"refresh grant was revoked, connection must be reauthorized")
			}
			return nil, err
		}
		// Vendors that do not rotate refresh tokens omit them from the
		// refresh response; keep the one we have.
		if tokens.RefreshToken == "" {
			tokens.RefreshToken = current.RefreshToken
		}
	}

	if err := m.store.SaveTokens(ctx, connectionID, tokens); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.TokenRefreshed(grant.Vendor)
	}
	m.logger.Info().
		Str("connection_id", connectionID.String()).
		Str("vendor", grant.Vendor).
		Str("auth_kind", grant.AuthKind).
		Time("expires_at", tokens.ExpiresAt).
		Msg("access token refreshed")
	return tokens, nil
}

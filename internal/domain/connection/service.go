package connection

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/hipaa"
	"github.com/medbridge/ehrsync/internal/platform/smart"
)

// Service owns connection lifecycle and sealed token custody. It is the
// smart.TokenStore for the auth manager.
type Service struct {
	repo    ConnectionRepository
	sealer  *hipaa.Sealer
	manager *smart.Manager
	http    *http.Client
	logger  zerolog.Logger
}

func NewService(repo ConnectionRepository, sealer *hipaa.Sealer, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		sealer: sealer,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger.With().Str("component", "connection-service").Logger(),
	}
}

// SetManager attaches the auth manager after construction; the manager in
// turn holds this service as its token store.
func (s *Service) SetManager(m *smart.Manager) { s.manager = m }

// ConnectParams carries the new-connection request with secrets still in
// plaintext. They are sealed before anything is persisted.
type ConnectParams struct {
	UserID       string
	Vendor       string
	FHIRBaseURL  string
	AuthorizeURL string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	AuthKind     string
	PrivateKey   string
	KeyID        string
	SyncFreq     int
	AutoSync     bool
}

// ConnectResult is the started connection plus its launch, when the auth
// kind requires a browser step.
type ConnectResult struct {
	Connection *Connection
	Launch     *smart.Launch
}

var defaultScopes = map[string][]string{
	smart.AuthorizationCode: {"launch/patient", "patient/*.read", "offline_access"},
	smart.BackendServices:   {"system/*.read"},
}

// Connect creates a PENDING_AUTH connection and, for authorization-code
// connections, prepares the launch. Missing authorization endpoints are
// filled from the vendor's well-known SMART configuration.
func (s *Service) Connect(ctx context.Context, p ConnectParams) (*ConnectResult, error) {
	if p.UserID == "" {
		return nil, apperror.Validation("userId is required")
	}
	p.Vendor = strings.ToLower(strings.TrimSpace(p.Vendor))
	if !IsSupportedVendor(p.Vendor) {
		return nil, apperror.Validation("unsupported vendor %q", p.Vendor)
	}
	if p.FHIRBaseURL == "" {
		return nil, apperror.Validation("fhirBaseUrl is required")
	}
	if p.ClientID == "" {
		return nil, apperror.Validation("clientId is required")
	}
	if p.AuthKind == "" {
		p.AuthKind = smart.AuthorizationCode
	}
	switch p.AuthKind {
	case smart.AuthorizationCode:
		if p.RedirectURI == "" {
			return nil, apperror.Validation("redirectUri is required for authorization_code connections")
		}
	case smart.BackendServices:
		if p.PrivateKey == "" {
			return nil, apperror.Validation("privateKey is required for backend_services connections")
		}
	default:
		return nil, apperror.Validation("unknown auth kind %q", p.AuthKind)
	}

	if p.AuthorizeURL == "" || p.TokenURL == "" {
		cfg, err := smart.Discover(ctx, s.http, p.FHIRBaseURL)
		if err != nil {
			return nil, err
		}
		if p.AuthorizeURL == "" {
			p.AuthorizeURL = cfg.AuthorizationEndpoint
		}
		if p.TokenURL == "" {
			p.TokenURL = cfg.TokenEndpoint
		}
	}

	scopes := p.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes[p.AuthKind]
	}
	syncFreq := p.SyncFreq
	if syncFreq <= 0 {
		syncFreq = 24
	}

	sealedSecret, err := s.sealOptional(p.ClientSecret)
	if err != nil {
		return nil, err
	}
	sealedKey, err := s.sealOptional(p.PrivateKey)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		UserID:        p.UserID,
		Vendor:        p.Vendor,
		FHIRBaseURL:   p.FHIRBaseURL,
		AuthorizeURL:  p.AuthorizeURL,
		TokenURL:      p.TokenURL,
		ClientID:      p.ClientID,
		ClientSecret:  sealedSecret,
		RedirectURI:   p.RedirectURI,
		Scopes:        scopes,
		AuthKind:      p.AuthKind,
		PrivateKey:    sealedKey,
		KeyID:         p.KeyID,
		Status:        StatusPendingAuth,
		SyncFrequency: syncFreq,
		AutoSync:      p.AutoSync,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}

	result := &ConnectResult{Connection: c}
	if p.AuthKind == smart.AuthorizationCode {
		launch, err := s.manager.Begin(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		result.Launch = launch
	}

	s.logger.Info().
		Str("connection_id", c.ID.String()).
		Str("vendor", c.Vendor).
		Str("auth_kind", c.AuthKind).
		Msg("connection created")
	return result, nil
}

// Authorize completes the OAuth callback and returns the now-active
// connection. When the caller names a connection id it must be the one the
// state was issued for; the check runs before the exchange so a mismatched
// callback does not burn the state.
func (s *Service) Authorize(ctx context.Context, state, code string, expected uuid.UUID) (*Connection, error) {
	if state == "" || code == "" {
		return nil, apperror.Validation("state and code are required")
	}
	if expected != uuid.Nil {
		bound, ok := s.manager.ConnectionForState(state)
		if ok && bound != expected {
			return nil, apperror.New(apperror.CodeInvalidState, 400,
				"state was issued for a different connection")
		}
	}
	id, err := s.manager.Complete(ctx, state, code)
	if err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Connection, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, userID string) ([]*Connection, error) {
	if userID == "" {
		return nil, apperror.Validation("userId is required")
	}
	return s.repo.ListByUser(ctx, userID)
}

// Revoke terminates a connection. Revocation is idempotent and final.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID) error {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == StatusRevoked {
		return nil
	}
	if err := s.repo.UpdateStatus(ctx, id, c.Status, StatusRevoked); err != nil {
		return err
	}
	s.logger.Info().Str("connection_id", id.String()).Msg("connection revoked")
	return nil
}

// RecordSync stamps a completed sync and schedules the next one from the
// connection's frequency.
func (s *Service) RecordSync(ctx context.Context, id uuid.UUID, at time.Time) error {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	next := at.Add(time.Duration(c.SyncFrequency) * time.Hour)
	return s.repo.MarkSynced(ctx, id, at, next)
}

// DueForAutoSync lists active auto-sync connections whose next sync time
// has passed. The scheduler enqueues an incremental job per entry.
func (s *Service) DueForAutoSync(ctx context.Context, now time.Time) ([]*Connection, error) {
	return s.repo.ListAutoSyncDue(ctx, now)
}

// ActiveByVendor lists the active connections for one vendor. Webhook
// deliveries carry no connection id, so the receiver fans out to these.
func (s *Service) ActiveByVendor(ctx context.Context, vendor string) ([]*Connection, error) {
	return s.repo.ListActiveByVendor(ctx, strings.ToLower(vendor))
}

func (s *Service) sealOptional(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	sealed, err := s.sealer.Seal(plaintext)
	if err != nil {
		return "", apperror.Wrap(err, apperror.CodeInternal, 500, "sealing credential failed")
	}
	return sealed, nil
}

func (s *Service) openOptional(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	return s.sealer.Open(ciphertext)
}

// -- smart.TokenStore --

// Grant loads the authorization material for a connection, unsealing
// credentials and cached tokens on the way out.
func (s *Service) Grant(ctx context.Context, id uuid.UUID) (*smart.Grant, *smart.TokenSet, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if c.Status == StatusRevoked {
		return nil, nil, apperror.New(apperror.CodeInvalidState, 409, "connection %s is revoked", id)
	}

	secret, err := s.openOptional(c.ClientSecret)
	if err != nil {
		return nil, nil, apperror.Wrap(err, apperror.CodeInternal, 500, "unsealing client secret failed")
	}
	key, err := s.openOptional(c.PrivateKey)
	if err != nil {
		return nil, nil, apperror.Wrap(err, apperror.CodeInternal, 500, "unsealing private key failed")
	}

	grant := &smart.Grant{
		ConnectionID: c.ID,
		Vendor:       c.Vendor,
		AuthKind:     c.AuthKind,
		ClientID:     c.ClientID,
		ClientSecret: secret,
		FHIRBaseURL:  c.FHIRBaseURL,
		AuthorizeURL: c.AuthorizeURL,
		TokenURL:     c.TokenURL,
		RedirectURI:  c.RedirectURI,
		Scopes:       c.Scopes,
		PrivateKey:   key,
		KeyID:        c.KeyID,
	}

	var tokens *smart.TokenSet
	if c.AccessToken != "" || c.RefreshToken != "" {
		access, err := s.openOptional(c.AccessToken)
		if err != nil {
			return nil, nil, apperror.Wrap(err, apperror.CodeInternal, 500, "unsealing access token failed")
		}
		refresh, err := s.openOptional(c.RefreshToken)
		if err != nil {
			return nil, nil, apperror.Wrap(err, apperror.CodeInternal, 500, "unsealing refresh token failed")
		}
		tokens = &smart.TokenSet{AccessToken: access, RefreshToken: refresh}
		if c.TokenExpiresAt != nil {
			tokens.ExpiresAt = *c.TokenExpiresAt
		}
	}
	return grant, tokens, nil
}

// SaveTokens seals and persists a token set; the connection becomes ACTIVE.
func (s *Service) SaveTokens(ctx context.Context, id uuid.UUID, tokens *smart.TokenSet) error {
	sealedAccess, err := s.sealOptional(tokens.AccessToken)
	if err != nil {
		return err
	}
	sealedRefresh, err := s.sealOptional(tokens.RefreshToken)
	if err != nil {
		return err
	}
	return s.repo.SaveTokens(ctx, id, sealedAccess, sealedRefresh, tokens.ExpiresAt, tokens.Patient)
}

// MarkExpired moves a connection to TOKEN_EXPIRED after an irrecoverable
// refresh failure.
func (s *Service) MarkExpired(ctx context.Context, id uuid.UUID) error {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == StatusTokenExpired {
		return nil
	}
	if !CanTransition(c.Status, StatusTokenExpired) {
		return nil
	}
	return s.repo.UpdateStatus(ctx, id, c.Status, StatusTokenExpired)
}

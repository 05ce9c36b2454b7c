package smart

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
)

// Configuration is the subset of the SMART discovery document this client
// reads.
type Configuration struct {
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	Capabilities          []string `json:"capabilities"`
	CodeChallengeMethods  []string `json:"code_challenge_methods_supported"`
	ScopesSupported       []string `json:"scopes_supported"`
}

// Discover fetches {fhirBaseURL}/.well-known/smart-configuration and
// returns the endpoints. Connections created without explicit
// authorization/token URLs are filled in from here.
func Discover(ctx context.Context, client *http.Client, fhirBaseURL string) (*Configuration, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u := strings.TrimRight(fhirBaseURL, "/") + "/.well-known/smart-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apperror.Validation("invalid FHIR base url %q", fhirBaseURL)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeValidation, http.StatusBadRequest,
			"smart configuration discovery failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperror.Validation("smart configuration discovery returned status %d for %s",
			resp.StatusCode, u)
	}

	var cfg Configuration
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, apperror.Validation("smart configuration document is malformed")
	}
	if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" {
		return nil, apperror.Validation("smart configuration document lacks authorization or token endpoint")
	}
	return &cfg, nil
}

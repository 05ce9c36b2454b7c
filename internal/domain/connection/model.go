// Package connection manages EHR tenant connections: their lifecycle from
// authorization through revocation, sealed token custody, and the sync
// cadence bookkeeping the scheduler reads.
package connection

import (
	"time"

	"github.com/google/uuid"
)

// Connection statuses.
const (
	StatusPendingAuth  = "PENDING_AUTH"
	StatusActive       = "ACTIVE"
	StatusTokenExpired = "TOKEN_EXPIRED"
	StatusRevoked      = "REVOKED"
	StatusError        = "ERROR"
)

// statusTransitions is the connection lifecycle. REVOKED is terminal.
var statusTransitions = map[string][]string{
	StatusPendingAuth:  {StatusActive, StatusRevoked, StatusError},
	StatusActive:       {StatusTokenExpired, StatusRevoked, StatusError},
	StatusTokenExpired: {StatusActive, StatusRevoked, StatusError},
	StatusError:        {StatusActive, StatusTokenExpired, StatusRevoked},
	StatusRevoked:      {},
}

// CanTransition reports whether a connection may move between two statuses.
func CanTransition(from, to string) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Vendors this deployment integrates with.
var SupportedVendors = []string{
	"epic", "cerner", "allscripts", "athena", "eclinicalworks", "nextgen", "meditech",
}

// IsSupportedVendor reports whether the vendor tag is one we integrate.
func IsSupportedVendor(vendor string) bool {
	for _, v := range SupportedVendors {
		if v == vendor {
			return true
		}
	}
	return false
}

// Connection maps to the ehr_connections table. Token, secret, and key
// columns hold sealed ciphertexts; the plaintext never reaches storage.
type Connection struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	UserID          string     `db:"user_id" json:"user_id"`
	Vendor          string     `db:"vendor" json:"vendor"`
	VendorPatientID *string    `db:"vendor_patient_id" json:"vendor_patient_id,omitempty"`
	FHIRBaseURL     string     `db:"fhir_base_url" json:"fhir_base_url"`
	AuthorizeURL    string     `db:"authorize_url" json:"-"`
	TokenURL        string     `db:"token_url" json:"-"`
	ClientID        string     `db:"client_id" json:"-"`
	ClientSecret    string     `db:"client_secret" json:"-"`
	RedirectURI     string     `db:"redirect_uri" json:"-"`
	Scopes          []string   `db:"scopes" json:"scopes,omitempty"`
	AuthKind        string     `db:"auth_kind" json:"auth_kind"`
	PrivateKey      string     `db:"private_key" json:"-"`
	KeyID           string     `db:"key_id" json:"-"`
	AccessToken     string     `db:"access_token" json:"-"`
	RefreshToken    string     `db:"refresh_token" json:"-"`
	TokenExpiresAt  *time.Time `db:"token_expires_at" json:"token_expires_at,omitempty"`
	Status          string     `db:"status" json:"status"`
	LastSyncAt      *time.Time `db:"last_sync_at" json:"last_sync_at,omitempty"`
	NextSyncAt      *time.Time `db:"next_sync_at" json:"next_sync_at,omitempty"`
	SyncFrequency   int        `db:"sync_frequency_hours" json:"sync_frequency_hours"`
	AutoSync        bool       `db:"auto_sync" json:"auto_sync"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

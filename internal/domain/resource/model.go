// Package resource is the canonical store for vendor FHIR resources. Each
// row keeps the vendor payload verbatim for re-transformation; the
// (connection, resource type, vendor id) key makes repeated ingestion
// idempotent.
package resource

import (
	"time"

	"github.com/google/uuid"
)

// Download states for attached documents.
const (
	DownloadNone      = "NONE"
	DownloadPending   = "PENDING"
	DownloadCompleted = "COMPLETED"
	DownloadFailed    = "FAILED"
)

// Resource maps to the fhir_resources table.
type Resource struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	ConnectionID  uuid.UUID  `db:"connection_id" json:"connectionId"`
	ResourceType  string     `db:"resource_type" json:"resourceType"`
	VendorID      string     `db:"vendor_resource_id" json:"vendorResourceId"`
	Raw           []byte     `db:"raw" json:"-"`
	Title         string     `db:"title" json:"title,omitempty"`
	Date          *time.Time `db:"resource_date" json:"date,omitempty"`
	Category      string     `db:"category" json:"category,omitempty"`
	Status        string     `db:"status" json:"status,omitempty"`
	ContentType   string     `db:"content_type" json:"contentType,omitempty"`
	ContentURL    string     `db:"content_url" json:"contentUrl,omitempty"`
	DownloadState string     `db:"download_state" json:"downloadState"`
	LocalPath     string     `db:"local_path" json:"-"`
	Processed     bool       `db:"processed" json:"processed"`
	LastUpdatedAt *time.Time `db:"last_updated_at" json:"lastUpdatedAt,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updatedAt"`
}

// UpsertResult reports what one idempotent write did.
type UpsertResult struct {
	ID      uuid.UUID
	Created bool
	Updated bool
}

// Package bulkexport runs FHIR $export jobs: asynchronous kickoff, status
// polling, and resumable NDJSON ingestion through the transformation
// pipeline into the canonical store.
package bulkexport

import (
	"time"

	"github.com/google/uuid"
)

// File statuses.
const (
	FilePending     = "PENDING"
	FileDownloading = "DOWNLOADING"
	FileCompleted   = "COMPLETED"
	FileFailed      = "FAILED"
)

// Export holds the kickoff parameters and manifest metadata for one
// BULK_EXPORT job. The job row owns lifecycle and counters; this row owns
// what was asked for and what the vendor returned.
type Export struct {
	JobID           uuid.UUID  `db:"job_id" json:"jobId"`
	ConnectionID    uuid.UUID  `db:"connection_id" json:"connectionId"`
	Vendor          string     `db:"vendor" json:"vendor"`
	Scope           string     `db:"scope" json:"scope"`
	GroupID         string     `db:"group_id" json:"groupId,omitempty"`
	ResourceTypes   []string   `db:"resource_types" json:"resourceTypes,omitempty"`
	Since           *time.Time `db:"since" json:"since,omitempty"`
	TransactionTime string     `db:"transaction_time" json:"transactionTime,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updatedAt"`
}

// File is one NDJSON output from the manifest. LineOffset is the resume
// point: lines at or below it were already committed by an earlier attempt.
type File struct {
	ID            uuid.UUID `db:"id" json:"id"`
	JobID         uuid.UUID `db:"job_id" json:"jobId"`
	ResourceType  string    `db:"resource_type" json:"resourceType"`
	URL           string    `db:"url" json:"url"`
	ExpectedCount int       `db:"expected_count" json:"expectedCount,omitempty"`
	LineOffset    int       `db:"line_offset" json:"lineOffset"`
	LinesIngested int       `db:"lines_ingested" json:"linesIngested"`
	Status        string    `db:"status" json:"status"`
	Error         string    `db:"error_message" json:"error,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}

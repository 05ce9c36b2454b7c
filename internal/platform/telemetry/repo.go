package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ErrorRepository persists deduplicated operational error records.
type ErrorRepository interface {
	GetByFingerprint(ctx context.Context, fingerprint string) (*ErrorRecord, error)
	Insert(ctx context.Context, rec *ErrorRecord) error
	// Touch merges one more occurrence into an existing record: the counter
	// is incremented, last-seen advances, and the stack trace is appended
	// only while fewer than maxSamples are stored.
	Touch(ctx context.Context, id uuid.UUID, seenAt time.Time, stack string, maxSamples int) (*ErrorRecord, error)
	List(ctx context.Context, severity string, limit, offset int) ([]*ErrorRecord, int, error)
	Stats(ctx context.Context) (*Stats, error)
	// Compact merges rows that share a fingerprint, keeping the oldest row
	// and summing occurrence counts. Returns the number of rows removed.
	Compact(ctx context.Context, maxSamples int) (int64, error)
}

// IncidentRepository persists compliance incidents. There is no delete;
// retention-window purging of closed incidents is the only removal path.
type IncidentRepository interface {
	// Create assigns an incident number ({prefix}-{year}-{NNNN}, monotonic
	// per year), an id, and timestamps, then inserts the incident.
	Create(ctx context.Context, prefix string, inc *ComplianceIncident) error
	GetByNumber(ctx context.Context, number string) (*ComplianceIncident, error)
	List(ctx context.Context, status string, limit, offset int) ([]*ComplianceIncident, int, error)
	// UpdateStatus also stamps reported_at the first time status becomes
	// REPORTED.
	UpdateStatus(ctx context.Context, number, status, assignedTo string) (*ComplianceIncident, error)
	// MarkNotified records when the breach notification went out.
	MarkNotified(ctx context.Context, number string, at time.Time) error
	CountOpen(ctx context.Context) (int64, error)
}

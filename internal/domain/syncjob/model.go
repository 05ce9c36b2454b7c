// Package syncjob is the sync orchestrator: a durable, priority-ordered job
// queue drained by a worker pool, with retries, cooperative cancellation,
// and recurring schedules.
package syncjob

import (
	"time"

	"github.com/google/uuid"
)

// Job types.
const (
	TypeFull        = "FULL"
	TypeIncremental = "INCREMENTAL"
	TypePatient     = "PATIENT"
	TypeResource    = "RESOURCE"
	TypeWebhook     = "WEBHOOK"
	TypeBulkExport  = "BULK_EXPORT"
)

var validTypes = map[string]bool{
	TypeFull: true, TypeIncremental: true, TypePatient: true,
	TypeResource: true, TypeWebhook: true, TypeBulkExport: true,
}

// Directions.
const (
	DirectionInbound       = "INBOUND"
	DirectionOutbound      = "OUTBOUND"
	DirectionBidirectional = "BIDIRECTIONAL"
)

var validDirections = map[string]bool{
	DirectionInbound: true, DirectionOutbound: true, DirectionBidirectional: true,
}

// Priorities; lower runs first.
const (
	PriorityCritical   = 1
	PriorityHigh       = 2
	PriorityNormal     = 3
	PriorityLow        = 4
	PriorityBackground = 5
)

// Statuses.
const (
	StatusPending    = "PENDING"
	StatusQueued     = "QUEUED"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusCancelled  = "CANCELLED"
	StatusRetrying   = "RETRYING"
)

// transitions is the legal lifecycle graph. PROCESSING→QUEUED covers release
// on shutdown and stale-worker reclamation; FAILED→RETRYING covers manual
// retry.
var transitions = map[string][]string{
	StatusPending:    {StatusQueued, StatusCancelled},
	StatusQueued:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled, StatusRetrying, StatusQueued},
	StatusRetrying:   {StatusQueued, StatusCancelled},
	StatusFailed:     {StatusRetrying},
}

// CanTransition reports whether from→to is a legal status change.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status ends the job's lifecycle. FAILED is
// terminal for the queue but still accepts a manual retry.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Options tune one job's execution.
type Options struct {
	BatchSize         int  `json:"batchSize,omitempty"`
	MaxRetries        int  `json:"maxRetries,omitempty"`
	RetryDelaySecs    int  `json:"retryDelaySeconds,omitempty"`
	TimeoutSecs       int  `json:"timeoutSeconds,omitempty"`
	ValidateOutput    bool `json:"validateOutput,omitempty"`
	ResolveConflicts  bool `json:"resolveConflicts,omitempty"`
	DownloadDocuments bool `json:"downloadDocuments,omitempty"`
}

const (
	defaultBatchSize  = 100
	defaultMaxRetries = 3
	defaultRetryDelay = 5
)

// WithDefaults fills unset options.
func (o Options) WithDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.RetryDelaySecs <= 0 {
		o.RetryDelaySecs = defaultRetryDelay
	}
	return o
}

// Counters track per-resource outcomes while a job runs.
type Counters struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Summary aggregates what a completed job changed.
type Summary struct {
	Created    int   `json:"created"`
	Updated    int   `json:"updated"`
	Deleted    int   `json:"deleted"`
	Downloaded int   `json:"downloaded"`
	Bytes      int64 `json:"bytes"`
}

// Job is one unit of sync work.
type Job struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Type         string     `db:"job_type" json:"type"`
	Direction    string     `db:"direction" json:"direction"`
	Priority     int        `db:"priority" json:"priority"`
	Status       string     `db:"status" json:"status"`
	ConnectionID uuid.UUID  `db:"connection_id" json:"connectionId"`
	UserID       string     `db:"user_id" json:"userId"`
	Vendor       string     `db:"vendor" json:"vendor"`
	ResourceType string     `db:"resource_type" json:"resourceType,omitempty"`
	ResourceIDs  []string   `db:"resource_ids" json:"resourceIds,omitempty"`
	Options      Options    `db:"options" json:"options"`
	Attempt      int        `db:"attempt" json:"attempt"`
	ErrorCode    string     `db:"error_code" json:"errorCode,omitempty"`
	Error        string     `db:"error_message" json:"error,omitempty"`
	StatusURL    string     `db:"status_url" json:"-"`
	WorkerID     string     `db:"worker_id" json:"-"`
	ScheduleID   *uuid.UUID `db:"schedule_id" json:"scheduleId,omitempty"`

	CancelRequested bool       `db:"cancel_requested" json:"-"`
	RunAfter        *time.Time `db:"run_after" json:"-"`
	Counters        Counters   `db:"counters" json:"counters"`
	Summary         Summary    `db:"summary" json:"summary"`

	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	QueuedAt    *time.Time `db:"queued_at" json:"queuedAt,omitempty"`
	StartedAt   *time.Time `db:"started_at" json:"startedAt,omitempty"`
	FinishedAt  *time.Time `db:"finished_at" json:"finishedAt,omitempty"`
	HeartbeatAt *time.Time `db:"heartbeat_at" json:"-"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updatedAt"`
}

// Duration is end minus start for terminal jobs, zero otherwise.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// Timeout picks the job's deadline: the per-job override, or the bulk-export
// default for BULK_EXPORT, or the standard default.
func (j *Job) Timeout(std, bulk time.Duration) time.Duration {
	if j.Options.TimeoutSecs > 0 {
		return time.Duration(j.Options.TimeoutSecs) * time.Second
	}
	if j.Type == TypeBulkExport {
		return bulk
	}
	return std
}

// Schedule is a recurring job template; each tick instantiates a fresh Job.
type Schedule struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	ConnectionID uuid.UUID  `db:"connection_id" json:"connectionId"`
	UserID       string     `db:"user_id" json:"userId"`
	Vendor       string     `db:"vendor" json:"vendor"`
	JobType      string     `db:"job_type" json:"jobType"`
	Direction    string     `db:"direction" json:"direction"`
	Priority     int        `db:"priority" json:"priority"`
	ResourceType string     `db:"resource_type" json:"resourceType,omitempty"`
	CronSpec     string     `db:"cron_spec" json:"cronSpec"`
	Options      Options    `db:"options" json:"options"`
	Enabled      bool       `db:"enabled" json:"enabled"`
	LastRunAt    *time.Time `db:"last_run_at" json:"lastRunAt,omitempty"`
	NextRunAt    *time.Time `db:"next_run_at" json:"nextRunAt,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updatedAt"`
}

// Stats is the windowed projection served by the stats endpoint.
type Stats struct {
	Window      string         `json:"window"`
	ByStatus    map[string]int `json:"byStatus"`
	Active      int            `json:"active"`
	AvgDuration float64        `json:"avgDurationSeconds"`
	Processed   int            `json:"resourcesProcessed"`
	Failed      int            `json:"resourcesFailed"`
}

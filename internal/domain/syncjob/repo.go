package syncjob

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the durable queue. Every status change is committed before
// work proceeds.
type Repository interface {
	Create(ctx context.Context, job *Job) error
	// MarkQueued flips PENDING→QUEUED.
	MarkQueued(ctx context.Context, id uuid.UUID) error
	// RequeueDue flips RETRYING jobs whose backoff has elapsed back to
	// QUEUED, returning how many moved.
	RequeueDue(ctx context.Context, now time.Time) (int, error)
	// Dequeue atomically claims the next runnable job for workerID: highest
	// priority first, then creation time, then id. A job is skipped while
	// its connection already has one PROCESSING, or its vendor is at the
	// concurrency ceiling. Returns nil when nothing is runnable.
	Dequeue(ctx context.Context, workerID string, vendorCeiling int) (*Job, error)
	Heartbeat(ctx context.Context, id uuid.UUID, workerID string) error
	// ReclaimStale releases PROCESSING jobs whose heartbeat is older than
	// the cutoff back to QUEUED without touching the attempt count.
	ReclaimStale(ctx context.Context, cutoff time.Time) (int, error)
	// Cancel flips PENDING/QUEUED→CANCELLED directly.
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	// RequestCancel flags a PROCESSING job; the worker observes the flag at
	// its next checkpoint.
	RequestCancel(ctx context.Context, id uuid.UUID) (bool, error)
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
	// Finish records a terminal outcome.
	Finish(ctx context.Context, id uuid.UUID, status, errorCode, errorMsg string, counters Counters, summary Summary) error
	// Release returns a PROCESSING job to QUEUED on graceful shutdown.
	Release(ctx context.Context, id uuid.UUID) error
	// MarkRetrying schedules the next attempt after a transient failure.
	MarkRetrying(ctx context.Context, id uuid.UUID, attempt int, runAfter time.Time, errorMsg string) error
	// RetryFailed is the manual retry: FAILED→RETRYING, attempt +1,
	// counters reset, runnable immediately.
	RetryFailed(ctx context.Context, id uuid.UUID) error
	UpdateCounters(ctx context.Context, id uuid.UUID, counters Counters, summary Summary) error
	SetStatusURL(ctx context.Context, id uuid.UUID, statusURL string) error
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	History(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*Job, int, error)
	Stats(ctx context.Context, connectionID uuid.UUID, window time.Duration) (*Stats, error)
	// CountActive counts PENDING+QUEUED+PROCESSING+RETRYING jobs for the
	// high-water check.
	CountActive(ctx context.Context) (int, error)
}

// ScheduleRepository persists recurring job templates.
type ScheduleRepository interface {
	Create(ctx context.Context, s *Schedule) error
	Update(ctx context.Context, s *Schedule) error
	Delete(ctx context.Context, id uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*Schedule, error)
	List(ctx context.Context, connectionID uuid.UUID) ([]*Schedule, error)
	// Due returns enabled schedules whose next run is at or before now.
	Due(ctx context.Context, now time.Time) ([]*Schedule, error)
	// MarkRun stamps a tick and the next fire time.
	MarkRun(ctx context.Context, id uuid.UUID, ranAt, nextAt time.Time) error
}

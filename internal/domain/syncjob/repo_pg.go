package syncjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type jobRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &jobRepoPG{pool: pool}
}

func (r *jobRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const jobCols = `id, job_type, direction, priority, status, connection_id, user_id, vendor,
	resource_type, resource_ids, options, attempt, error_code, error_message,
	status_url, worker_id, schedule_id, cancel_requested, run_after,
	counters, summary, created_at, queued_at, started_at, finished_at, heartbeat_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var options, counters, summary []byte
	err := row.Scan(&j.ID, &j.Type, &j.Direction, &j.Priority, &j.Status, &j.ConnectionID,
		&j.UserID, &j.Vendor, &j.ResourceType, &j.ResourceIDs, &options, &j.Attempt,
		&j.ErrorCode, &j.Error, &j.StatusURL, &j.WorkerID, &j.ScheduleID,
		&j.CancelRequested, &j.RunAfter, &counters, &summary,
		&j.CreatedAt, &j.QueuedAt, &j.StartedAt, &j.FinishedAt, &j.HeartbeatAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &j.Options); err != nil {
			return nil, fmt.Errorf("decode job options: %w", err)
		}
	}
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &j.Counters); err != nil {
			return nil, fmt.Errorf("decode job counters: %w", err)
		}
	}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &j.Summary); err != nil {
			return nil, fmt.Errorf("decode job summary: %w", err)
		}
	}
	return &j, nil
}

func (r *jobRepoPG) Create(ctx context.Context, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("encode job options: %w", err)
	}
	counters, _ := json.Marshal(job.Counters)
	summary, _ := json.Marshal(job.Summary)
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	job.Status = StatusPending

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO sync_jobs (
			id, job_type, direction, priority, status, connection_id, user_id, vendor,
			resource_type, resource_ids, options, attempt, error_code, error_message,
			status_url, worker_id, schedule_id, cancel_requested, run_after,
			counters, summary, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,0,'','','','',$12,false,NULL,$13,$14,$15,$15)`,
		job.ID, job.Type, job.Direction, job.Priority, job.Status,
		job.ConnectionID, job.UserID, job.Vendor, job.ResourceType, job.ResourceIDs,
		options, job.ScheduleID, counters, summary, now)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *jobRepoPG) MarkQueued(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_jobs SET status = $2, queued_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3`, id, StatusQueued, StatusPending)
	if err != nil {
		return fmt.Errorf("queue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.CodeConflict, 409, "job %s is not PENDING", id)
	}
	return nil
}

func (r *jobRepoPG) RequeueDue(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_jobs SET status = $1, queued_at = NOW(), updated_at = NOW()
		WHERE status = $2 AND (run_after IS NULL OR run_after <= $3)`,
		StatusQueued, StatusRetrying, now)
	if err != nil {
		return 0, fmt.Errorf("requeue due jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Dequeue claims one runnable job. QUEUED work is ordered by priority,
// creation time, id (a total order); rows another worker holds locked are
// skipped; a busy connection refuses a second job and each vendor stays
// under its ceiling. Row locks only serialize claims of the SAME row, and
// statement snapshots under read committed can miss a competitor's
// just-committed claim on a sibling row, so the claim runs in its own
// transaction holding an advisory lock on the connection: the busy and
// ceiling checks re-run after the lock, where any competing claim (which
// held the same lock through its commit) is visible.
func (r *jobRepoPG) Dequeue(ctx context.Context, workerID string, vendorCeiling int) (*Job, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("dequeue begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var id, connID uuid.UUID
	var vendor string
	err = tx.QueryRow(ctx, `
		SELECT j.id, j.connection_id, j.vendor FROM sync_jobs j
		WHERE j.status = 'QUEUED'
		  AND NOT EXISTS (
			SELECT 1 FROM sync_jobs busy
			WHERE busy.connection_id = j.connection_id AND busy.status = 'PROCESSING')
		  AND (
			SELECT COUNT(*) FROM sync_jobs v
			WHERE v.vendor = j.vendor AND v.status = 'PROCESSING') < $1
		ORDER BY j.priority, j.created_at, j.id
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, vendorCeiling).Scan(&id, &connID, &vendor)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue candidate: %w", err)
	}

	var locked bool
	if err := tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock(hashtext($1::text))`,
		connID).Scan(&locked); err != nil {
		return nil, fmt.Errorf("dequeue lock: %w", err)
	}
	if !locked {
		// Another worker is mid-claim on this connection; poll again.
		return nil, nil
	}

	var clear bool
	if err := tx.QueryRow(ctx, `
		SELECT NOT EXISTS (
			SELECT 1 FROM sync_jobs
			WHERE connection_id = $1 AND status = 'PROCESSING')
		AND (SELECT COUNT(*) FROM sync_jobs
			WHERE vendor = $2 AND status = 'PROCESSING') < $3`,
		connID, vendor, vendorCeiling).Scan(&clear); err != nil {
		return nil, fmt.Errorf("dequeue recheck: %w", err)
	}
	if !clear {
		return nil, nil
	}

	job, err := scanJob(tx.QueryRow(ctx, `
		UPDATE sync_jobs
		SET status = 'PROCESSING', worker_id = $2, started_at = NOW(),
			heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobCols, id, workerID))
	if err != nil {
		return nil, fmt.Errorf("dequeue claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("dequeue commit: %w", err)
	}
	return job, nil
}

func (r *jobRepoPG) Heartbeat(ctx context.Context, id uuid.UUID, workerID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_jobs SET heartbeat_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status = 'PROCESSING'`, id, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.CodeConflict, 409, "job %s no longer owned by %s", id, workerID)
	}
	return nil
}

// ReclaimStale does not touch attempt: a vanished worker is not the job's
// fault.
func (r *jobRepoPG) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'QUEUED', worker_id = '', started_at = NULL, heartbeat_at = NULL, updated_at = NOW()
		WHERE status = 'PROCESSING' AND heartbeat_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *jobRepoPG) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_jobs SET status = 'CANCELLED', finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING','QUEUED','RETRYING')`, id)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *jobRepoPG) RequestCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_jobs SET cancel_requested = true, updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'`, id)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *jobRepoPG) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT cancel_requested FROM sync_jobs WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, apperror.NotFound("job %s not found", id)
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return requested, nil
}

func (r *jobRepoPG) Finish(ctx context.Context, id uuid.UUID, status, errorCode, errorMsg string, counters Counters, summary Summary) error {
	cb, _ := json.Marshal(counters)
	sb, _ := json.Marshal(summary)
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_jobs
		SET status = $2, error_code = $3, error_message = $4,
			counters = $5, summary = $6, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'`,
		id, status, errorCode, errorMsg, cb, sb)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.CodeConflict, 409, "job %s is not PROCESSING", id)
	}
	return nil
}

func (r *jobRepoPG) Release(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'QUEUED', worker_id = '', started_at = NULL, heartbeat_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'`, id)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

func (r *jobRepoPG) MarkRetrying(ctx context.Context, id uuid.UUID, attempt int, runAfter time.Time, errorMsg string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'RETRYING', attempt = $2, run_after = $3, error_message = $4,
			worker_id = '', started_at = NULL, heartbeat_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'`, id, attempt, runAfter, errorMsg)
	if err != nil {
		return fmt.Errorf("mark retrying: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.CodeConflict, 409, "job %s is not PROCESSING", id)
	}
	return nil
}

func (r *jobRepoPG) RetryFailed(ctx context.Context, id uuid.UUID) error {
	empty, _ := json.Marshal(Counters{})
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'RETRYING', attempt = attempt + 1, run_after = NOW(),
			error_code = '', error_message = '', counters = $2,
			cancel_requested = false, finished_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'FAILED'`, id, empty)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.CodeConflict, 409, "only FAILED jobs may be retried")
	}
	return nil
}

func (r *jobRepoPG) UpdateCounters(ctx context.Context, id uuid.UUID, counters Counters, summary Summary) error {
	cb, _ := json.Marshal(counters)
	sb, _ := json.Marshal(summary)
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_jobs SET counters = $2, summary = $3, updated_at = NOW() WHERE id = $1`,
		id, cb, sb)
	if err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	return nil
}

func (r *jobRepoPG) SetStatusURL(ctx context.Context, id uuid.UUID, statusURL string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_jobs SET status_url = $2, updated_at = NOW() WHERE id = $1`, id, statusURL)
	if err != nil {
		return fmt.Errorf("set status url: %w", err)
	}
	return nil
}

func (r *jobRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	job, err := scanJob(r.conn(ctx).QueryRow(ctx, `
		SELECT `+jobCols+` FROM sync_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (r *jobRepoPG) History(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*Job, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM sync_jobs WHERE connection_id = $1`, connectionID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+jobCols+` FROM sync_jobs
		WHERE connection_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, connectionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("job history: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, total, rows.Err()
}

func (r *jobRepoPG) Stats(ctx context.Context, connectionID uuid.UUID, window time.Duration) (*Stats, error) {
	since := time.Now().UTC().Add(-window)
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT status, COUNT(*),
			COALESCE(AVG(EXTRACT(EPOCH FROM finished_at - started_at)) FILTER (WHERE finished_at IS NOT NULL), 0),
			COALESCE(SUM((counters->>'processed')::int), 0),
			COALESCE(SUM((counters->>'failed')::int), 0)
		FROM sync_jobs
		WHERE ($1 = '00000000-0000-0000-0000-000000000000'::uuid OR connection_id = $1)
		  AND created_at >= $2
		GROUP BY status`, connectionID, since)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{Window: window.String(), ByStatus: make(map[string]int)}
	var durations []float64
	for rows.Next() {
		var status string
		var count, processed, failed int
		var avg float64
		if err := rows.Scan(&status, &count, &avg, &processed, &failed); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Processed += processed
		stats.Failed += failed
		if avg > 0 {
			durations = append(durations, avg)
		}
		switch status {
		case StatusPending, StatusQueued, StatusProcessing, StatusRetrying:
			stats.Active += count
		}
	}
	if len(durations) > 0 {
		var sum float64
		for _, d := range durations {
			sum += d
		}
		stats.AvgDuration = sum / float64(len(durations))
	}
	return stats, rows.Err()
}

func (r *jobRepoPG) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM sync_jobs
		WHERE status IN ('PENDING','QUEUED','PROCESSING','RETRYING')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// -- Schedules --

type scheduleRepoPG struct{ pool *pgxpool.Pool }

func NewScheduleRepoPG(pool *pgxpool.Pool) ScheduleRepository {
	return &scheduleRepoPG{pool: pool}
}

func (r *scheduleRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const scheduleCols = `id, connection_id, user_id, vendor, job_type, direction, priority,
	resource_type, cron_spec, options, enabled, last_run_at, next_run_at, created_at, updated_at`

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var s Schedule
	var options []byte
	err := row.Scan(&s.ID, &s.ConnectionID, &s.UserID, &s.Vendor, &s.JobType, &s.Direction,
		&s.Priority, &s.ResourceType, &s.CronSpec, &options, &s.Enabled,
		&s.LastRunAt, &s.NextRunAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &s.Options); err != nil {
			return nil, fmt.Errorf("decode schedule options: %w", err)
		}
	}
	return &s, nil
}

func (r *scheduleRepoPG) Create(ctx context.Context, s *Schedule) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	options, err := json.Marshal(s.Options)
	if err != nil {
		return fmt.Errorf("encode schedule options: %w", err)
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO sync_schedules (
			id, connection_id, user_id, vendor, job_type, direction, priority,
			resource_type, cron_spec, options, enabled, next_run_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)`,
		s.ID, s.ConnectionID, s.UserID, s.Vendor, s.JobType, s.Direction, s.Priority,
		s.ResourceType, s.CronSpec, options, s.Enabled, s.NextRunAt, now)
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

func (r *scheduleRepoPG) Update(ctx context.Context, s *Schedule) error {
	options, err := json.Marshal(s.Options)
	if err != nil {
		return fmt.Errorf("encode schedule options: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_schedules
		SET cron_spec = $2, priority = $3, resource_type = $4, options = $5,
			enabled = $6, next_run_at = $7, updated_at = NOW()
		WHERE id = $1`,
		s.ID, s.CronSpec, s.Priority, s.ResourceType, options, s.Enabled, s.NextRunAt)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("schedule %s not found", s.ID)
	}
	return nil
}

func (r *scheduleRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM sync_schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("schedule %s not found", id)
	}
	return nil
}

func (r *scheduleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	s, err := scanSchedule(r.conn(ctx).QueryRow(ctx, `
		SELECT `+scheduleCols+` FROM sync_schedules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("schedule %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return s, nil
}

func (r *scheduleRepoPG) List(ctx context.Context, connectionID uuid.UUID) ([]*Schedule, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+scheduleCols+` FROM sync_schedules
		WHERE ($1 = '00000000-0000-0000-0000-000000000000'::uuid OR connection_id = $1)
		ORDER BY created_at`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *scheduleRepoPG) Due(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+scheduleCols+` FROM sync_schedules
		WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func collectSchedules(rows pgx.Rows) ([]*Schedule, error) {
	var out []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *scheduleRepoPG) MarkRun(ctx context.Context, id uuid.UUID, ranAt, nextAt time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_schedules SET last_run_at = $2, next_run_at = $3, updated_at = NOW()
		WHERE id = $1`, id, ranAt, nextAt)
	if err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	return nil
}

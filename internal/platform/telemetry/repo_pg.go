package telemetry

import (
	"context"
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

// ---------------------------------------------------------------------------
// Error records
// ---------------------------------------------------------------------------

type errorRepoPG struct{ pool *pgxpool.Pool }

func NewErrorRepoPG(pool *pgxpool.Pool) ErrorRepository {
	return &errorRepoPG{pool: pool}
}

func (r *errorRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const errorCols = `id, fingerprint, master_code, sub_code, severity, message,
	endpoint, occurrence_count, stack_samples, first_seen_at, last_seen_at`

func (r *errorRepoPG) scanRecord(row pgx.Row) (*ErrorRecord, error) {
	var rec ErrorRecord
	err := row.Scan(&rec.ID, &rec.Fingerprint, &rec.MasterCode, &rec.SubCode,
		&rec.Severity, &rec.Message, &rec.Endpoint, &rec.OccurrenceCount,
		&rec.StackSamples, &rec.FirstSeenAt, &rec.LastSeenAt)
	return &rec, err
}

func (r *errorRepoPG) GetByFingerprint(ctx context.Context, fingerprint string) (*ErrorRecord, error) {
	rec, err := r.scanRecord(r.conn(ctx).QueryRow(ctx, `
		SELECT `+errorCols+` FROM error_records
		WHERE fingerprint = $1
		ORDER BY last_seen_at DESC LIMIT 1`, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (r *errorRepoPG) Insert(ctx context.Context, rec *ErrorRecord) error {
	rec.ID = uuid.New()
	if rec.OccurrenceCount == 0 {
		rec.OccurrenceCount = 1
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO error_records (id, fingerprint, master_code, sub_code, severity,
			message, endpoint, occurrence_count, stack_samples, first_seen_at, last_seen_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.ID, rec.Fingerprint, rec.MasterCode, rec.SubCode, rec.Severity,
		rec.Message, rec.Endpoint, rec.OccurrenceCount, rec.StackSamples,
		rec.FirstSeenAt, rec.LastSeenAt)
	return err
}

func (r *errorRepoPG) Touch(ctx context.Context, id uuid.UUID, seenAt time.Time, stack string, maxSamples int) (*ErrorRecord, error) {
	return r.scanRecord(r.conn(ctx).QueryRow(ctx, `
		UPDATE error_records
		SET occurrence_count = occurrence_count + 1,
			last_seen_at = $2,
			stack_samples = CASE
				WHEN $3 <> '' AND COALESCE(array_length(stack_samples, 1), 0) < $4
				THEN array_append(stack_samples, $3)
				ELSE stack_samples
			END
		WHERE id = $1
		RETURNING `+errorCols, id, seenAt, stack, maxSamples))
}

func (r *errorRepoPG) List(ctx context.Context, severity string, limit, offset int) ([]*ErrorRecord, int, error) {
	where := ``
	args := []interface{}{}
	if severity != "" {
		where = `WHERE severity = $1`
		args = append(args, severity)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM error_records `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT `+errorCols+` FROM error_records %s
		ORDER BY last_seen_at DESC LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*ErrorRecord
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

func (r *errorRepoPG) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		BySeverity:   make(map[string]int64),
		ByMasterCode: make(map[string]int64),
	}

	if err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(occurrence_count), 0) FROM error_records`).
		Scan(&stats.TotalRecords, &stats.TotalOccurrences); err != nil {
		return nil, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT severity, COUNT(*) FROM error_records GROUP BY severity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var severity string
		var count int64
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, err
		}
		stats.BySeverity[severity] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	codeRows, err := r.conn(ctx).Query(ctx, `
		SELECT master_code, COUNT(*) FROM error_records GROUP BY master_code`)
	if err != nil {
		return nil, err
	}
	defer codeRows.Close()
	for codeRows.Next() {
		var code string
		var count int64
		if err := codeRows.Scan(&code, &count); err != nil {
			return nil, err
		}
		stats.ByMasterCode[code] = count
	}
	return stats, codeRows.Err()
}

func (r *errorRepoPG) Compact(ctx context.Context, maxSamples int) (int64, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT fingerprint FROM error_records GROUP BY fingerprint HAVING COUNT(*) > 1`)
	if err != nil {
		return 0, err
	}
	var fingerprints []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			rows.Close()
			return 0, err
		}
		fingerprints = append(fingerprints, fp)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var removed int64
	for _, fp := range fingerprints {
		err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
			_, err := r.conn(ctx).Exec(ctx, `
				WITH agg AS (
					SELECT MIN(first_seen_at) AS first_seen,
						MAX(last_seen_at) AS last_seen,
						SUM(occurrence_count) AS total
					FROM error_records WHERE fingerprint = $1
				), keeper AS (
					SELECT id FROM error_records
					WHERE fingerprint = $1
					ORDER BY first_seen_at, id LIMIT 1
				)
				UPDATE error_records e
				SET occurrence_count = agg.total,
					first_seen_at = agg.first_seen,
					last_seen_at = agg.last_seen,
					stack_samples = e.stack_samples[1:$2]
				FROM agg, keeper
				WHERE e.id = keeper.id`, fp, maxSamples)
			if err != nil {
				return err
			}
			tag, err := r.conn(ctx).Exec(ctx, `
				DELETE FROM error_records
				WHERE fingerprint = $1 AND id <> (
					SELECT id FROM error_records
					WHERE fingerprint = $1
					ORDER BY first_seen_at, id LIMIT 1
				)`, fp)
			if err != nil {
				return err
			}
			removed += tag.RowsAffected()
			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("compact fingerprint %s: %w", fp, err)
		}
	}
	return removed, nil
}

// ---------------------------------------------------------------------------
// Compliance incidents
// ---------------------------------------------------------------------------

type incidentRepoPG struct{ pool *pgxpool.Pool }

func NewIncidentRepoPG(pool *pgxpool.Pool) IncidentRepository {
	return &incidentRepoPG{pool: pool}
}

func (r *incidentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const incidentCols = `id, incident_number, category, severity, message,
	endpoint, details, status, assigned_to, data_exposed, records_affected,
	detected_at, updated_at, notified_at, reported_at`

func (r *incidentRepoPG) scanIncident(row pgx.Row) (*ComplianceIncident, error) {
	var inc ComplianceIncident
	err := row.Scan(&inc.ID, &inc.IncidentNumber, &inc.Category, &inc.Severity,
		&inc.Message, &inc.Endpoint, &inc.Details, &inc.Status, &inc.AssignedTo,
		&inc.DataExposed, &inc.RecordsAffected, &inc.DetectedAt, &inc.UpdatedAt,
		&inc.NotifiedAt, &inc.ReportedAt)
	return &inc, err
}

func (r *incidentRepoPG) Create(ctx context.Context, prefix string, inc *ComplianceIncident) error {
	now := time.Now().UTC()
	inc.ID = uuid.New()
	if inc.Status == "" {
		inc.Status = IncidentDetected
	}
	if inc.DetectedAt.IsZero() {
		inc.DetectedAt = now
	}
	inc.UpdatedAt = now

	year := inc.DetectedAt.Year()
	var seq int
	if err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO incident_counters (year, last_number)
		VALUES ($1, 1)
		ON CONFLICT (year) DO UPDATE SET last_number = incident_counters.last_number + 1
		RETURNING last_number`, year).Scan(&seq); err != nil {
		return fmt.Errorf("assign incident number: %w", err)
	}
	inc.IncidentNumber = fmt.Sprintf("%s-%d-%04d", prefix, year, seq)

	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO compliance_incidents (id, incident_number, category, severity,
			message, endpoint, details, status, assigned_to, data_exposed,
			records_affected, detected_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		inc.ID, inc.IncidentNumber, inc.Category, inc.Severity, inc.Message,
		inc.Endpoint, inc.Details, inc.Status, inc.AssignedTo, inc.DataExposed,
		inc.RecordsAffected, inc.DetectedAt, inc.UpdatedAt)
	return err
}

func (r *incidentRepoPG) GetByNumber(ctx context.Context, number string) (*ComplianceIncident, error) {
	inc, err := r.scanIncident(r.conn(ctx).QueryRow(ctx, `
		SELECT `+incidentCols+` FROM compliance_incidents WHERE incident_number = $1`, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("incident %s not found", number)
	}
	return inc, err
}

func (r *incidentRepoPG) List(ctx context.Context, status string, limit, offset int) ([]*ComplianceIncident, int, error) {
	where := ``
	args := []interface{}{}
	if status != "" {
		where = `WHERE status = $1`
		args = append(args, status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM compliance_incidents `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`
		SELECT `+incidentCols+` FROM compliance_incidents %s
		ORDER BY detected_at DESC LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*ComplianceIncident
	for rows.Next() {
		inc, err := r.scanIncident(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, inc)
	}
	return items, total, rows.Err()
}

func (r *incidentRepoPG) UpdateStatus(ctx context.Context, number, status, assignedTo string) (*ComplianceIncident, error) {
	inc, err := r.scanIncident(r.conn(ctx).QueryRow(ctx, `
		UPDATE compliance_incidents
		SET status = $2,
			assigned_to = CASE WHEN $3 <> '' THEN $3 ELSE assigned_to END,
			reported_at = CASE WHEN $2 = $4 AND reported_at IS NULL THEN NOW() ELSE reported_at END,
			updated_at = NOW()
		WHERE incident_number = $1
		RETURNING `+incidentCols, number, status, assignedTo, IncidentReported))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("incident %s not found", number)
	}
	return inc, err
}

func (r *incidentRepoPG) MarkNotified(ctx context.Context, number string, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE compliance_incidents
		SET notified_at = COALESCE(notified_at, $2), updated_at = NOW()
		WHERE incident_number = $1`, number, at)
	return err
}

func (r *incidentRepoPG) CountOpen(ctx context.Context) (int64, error) {
	var n int64
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM compliance_incidents WHERE status <> $1`,
		IncidentClosed).Scan(&n)
	return n, err
}

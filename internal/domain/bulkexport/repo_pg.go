package bulkexport

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

type exportRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &exportRepoPG{pool: pool}
}

func (r *exportRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const exportCols = `job_id, connection_id, vendor, scope, group_id,
	resource_types, since, transaction_time, created_at, updated_at`

func scanExport(row pgx.Row) (*Export, error) {
	var e Export
	err := row.Scan(&e.JobID, &e.ConnectionID, &e.Vendor, &e.Scope, &e.GroupID,
		&e.ResourceTypes, &e.Since, &e.TransactionTime, &e.CreatedAt, &e.UpdatedAt)
	return &e, err
}

func (r *exportRepoPG) CreateExport(ctx context.Context, e *Export) error {
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO bulk_exports (`+exportCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.JobID, e.ConnectionID, e.Vendor, e.Scope, e.GroupID,
		e.ResourceTypes, e.Since, e.TransactionTime, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert bulk export: %w", err)
	}
	return nil
}

func (r *exportRepoPG) GetExport(ctx context.Context, jobID uuid.UUID) (*Export, error) {
	e, err := scanExport(r.conn(ctx).QueryRow(ctx, `
		SELECT `+exportCols+` FROM bulk_exports WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("bulk export for job %s not found", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get bulk export: %w", err)
	}
	return e, nil
}

const fileCols = `id, job_id, resource_type, url, expected_count,
	line_offset, lines_ingested, status, error_message, created_at, updated_at`

func scanFile(row pgx.Row) (*File, error) {
	var f File
	err := row.Scan(&f.ID, &f.JobID, &f.ResourceType, &f.URL, &f.ExpectedCount,
		&f.LineOffset, &f.LinesIngested, &f.Status, &f.Error, &f.CreatedAt, &f.UpdatedAt)
	return &f, err
}

func (r *exportRepoPG) SaveManifest(ctx context.Context, jobID uuid.UUID, transactionTime string, files []*File) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		now := time.Now().UTC()
		if _, err := r.conn(ctx).Exec(ctx, `
			UPDATE bulk_exports SET transaction_time = $2, updated_at = $3
			WHERE job_id = $1`, jobID, transactionTime, now); err != nil {
			return fmt.Errorf("record transaction time: %w", err)
		}
		for _, f := range files {
			if f.ID == uuid.Nil {
				f.ID = uuid.New()
			}
			f.JobID = jobID
			f.Status = FilePending
			if _, err := r.conn(ctx).Exec(ctx, `
				INSERT INTO bulk_export_files (`+fileCols+`)
				VALUES ($1, $2, $3, $4, $5, 0, 0, $6, '', $7, $7)
				ON CONFLICT (job_id, url) DO NOTHING`,
				f.ID, f.JobID, f.ResourceType, f.URL, f.ExpectedCount, f.Status, now); err != nil {
				return fmt.Errorf("insert export file: %w", err)
			}
		}
		return nil
	})
}

func (r *exportRepoPG) ListFiles(ctx context.Context, jobID uuid.UUID) ([]*File, error) {
	return r.listFiles(ctx, `
		SELECT `+fileCols+` FROM bulk_export_files
		WHERE job_id = $1 ORDER BY resource_type, url`, jobID)
}

func (r *exportRepoPG) ListRunnableFiles(ctx context.Context, jobID uuid.UUID) ([]*File, error) {
	return r.listFiles(ctx, `
		SELECT `+fileCols+` FROM bulk_export_files
		WHERE job_id = $1 AND status IN ('PENDING', 'FAILED', 'DOWNLOADING')
		ORDER BY resource_type, url`, jobID)
}

func (r *exportRepoPG) listFiles(ctx context.Context, sql string, jobID uuid.UUID) ([]*File, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, jobID)
	if err != nil {
		return nil, fmt.Errorf("list export files: %w", err)
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan export file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *exportRepoPG) MarkFile(ctx context.Context, id uuid.UUID, status, errMsg string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE bulk_export_files
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1`, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("mark export file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("export file %s not found", id)
	}
	return nil
}

func (r *exportRepoPG) CommitFileProgress(ctx context.Context, id uuid.UUID, lineOffset, linesIngested int) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE bulk_export_files
		SET line_offset = $2, lines_ingested = $3, updated_at = NOW()
		WHERE id = $1`, id, lineOffset, linesIngested)
	if err != nil {
		return fmt.Errorf("commit export file progress: %w", err)
	}
	return nil
}

package resource

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

type resourceRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &resourceRepoPG{pool: pool}
}

func (r *resourceRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const resourceCols = `id, connection_id, resource_type, vendor_resource_id, raw,
	title, resource_date, category, status, content_type, content_url,
	download_state, local_path, processed, last_updated_at, created_at, updated_at`

func scanResource(row pgx.Row) (*Resource, error) {
	var res Resource
	err := row.Scan(&res.ID, &res.ConnectionID, &res.ResourceType, &res.VendorID, &res.Raw,
		&res.Title, &res.Date, &res.Category, &res.Status, &res.ContentType, &res.ContentURL,
		&res.DownloadState, &res.LocalPath, &res.Processed, &res.LastUpdatedAt, &res.CreatedAt, &res.UpdatedAt)
	return &res, err
}

// Upsert inserts or refreshes one resource. The conditional DO UPDATE skips
// rows whose payload has not changed, so the returned result distinguishes
// created, updated, and unchanged; xmax = 0 identifies a fresh insert.
func (r *resourceRepoPG) Upsert(ctx context.Context, res *Resource) (*UpsertResult, error) {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	if res.DownloadState == "" {
		res.DownloadState = DownloadNone
	}
	now := time.Now().UTC()

	var id uuid.UUID
	var created bool
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO fhir_resources (
			id, connection_id, resource_type, vendor_resource_id, raw,
			title, resource_date, category, status, content_type, content_url,
			download_state, local_path, processed, last_updated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
		ON CONFLICT (connection_id, resource_type, vendor_resource_id) DO UPDATE SET
			raw = EXCLUDED.raw,
			title = EXCLUDED.title,
			resource_date = EXCLUDED.resource_date,
			category = EXCLUDED.category,
			status = EXCLUDED.status,
			content_type = EXCLUDED.content_type,
			content_url = EXCLUDED.content_url,
			last_updated_at = EXCLUDED.last_updated_at,
			processed = false,
			updated_at = EXCLUDED.updated_at
		WHERE fhir_resources.raw IS DISTINCT FROM EXCLUDED.raw
		RETURNING id, (xmax = 0) AS created`,
		res.ID, res.ConnectionID, res.ResourceType, res.VendorID, res.Raw,
		res.Title, res.Date, res.Category, res.Status, res.ContentType, res.ContentURL,
		res.DownloadState, res.LocalPath, res.Processed, res.LastUpdatedAt, now).Scan(&id, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict with an identical payload: nothing written.
		existing, gerr := r.GetByKey(ctx, res.ConnectionID, res.ResourceType, res.VendorID)
		if gerr != nil {
			return nil, gerr
		}
		res.ID = existing.ID
		return &UpsertResult{ID: existing.ID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("upsert resource: %w", err)
	}
	res.ID = id
	return &UpsertResult{ID: id, Created: created, Updated: !created}, nil
}

func (r *resourceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Resource, error) {
	res, err := scanResource(r.conn(ctx).QueryRow(ctx, `
		SELECT `+resourceCols+` FROM fhir_resources WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("resource %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get resource: %w", err)
	}
	return res, nil
}

func (r *resourceRepoPG) GetByKey(ctx context.Context, connectionID uuid.UUID, resourceType, vendorID string) (*Resource, error) {
	res, err := scanResource(r.conn(ctx).QueryRow(ctx, `
		SELECT `+resourceCols+` FROM fhir_resources
		WHERE connection_id = $1 AND resource_type = $2 AND vendor_resource_id = $3`,
		connectionID, resourceType, vendorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get resource by key: %w", err)
	}
	return res, nil
}

func (r *resourceRepoPG) ListByConnection(ctx context.Context, connectionID uuid.UUID, resourceType string, limit, offset int) ([]*Resource, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM fhir_resources
		WHERE connection_id = $1 AND ($2 = '' OR resource_type = $2)`,
		connectionID, resourceType).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count resources: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+resourceCols+` FROM fhir_resources
		WHERE connection_id = $1 AND ($2 = '' OR resource_type = $2)
		ORDER BY COALESCE(resource_date, created_at) DESC
		LIMIT $3 OFFSET $4`,
		connectionID, resourceType, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	out, err := collectResources(rows)
	return out, total, err
}

func (r *resourceRepoPG) ListPendingDownloads(ctx context.Context, connectionID uuid.UUID, limit int) ([]*Resource, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+resourceCols+` FROM fhir_resources
		WHERE connection_id = $1 AND download_state = $2 AND content_url <> ''
		ORDER BY created_at
		LIMIT $3`, connectionID, DownloadPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending downloads: %w", err)
	}
	defer rows.Close()
	return collectResources(rows)
}

func collectResources(rows pgx.Rows) ([]*Resource, error) {
	var out []*Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *resourceRepoPG) MarkDownloaded(ctx context.Context, id uuid.UUID, state, localPath string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE fhir_resources SET download_state = $2, local_path = $3, updated_at = NOW()
		WHERE id = $1`, id, state, localPath)
	if err != nil {
		return fmt.Errorf("mark downloaded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("resource %s not found", id)
	}
	return nil
}

func (r *resourceRepoPG) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE fhir_resources SET processed = true, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (r *resourceRepoPG) CountByConnection(ctx context.Context, connectionID uuid.UUID) (int64, error) {
	var n int64
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM fhir_resources WHERE connection_id = $1`, connectionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count resources: %w", err)
	}
	return n, nil
}

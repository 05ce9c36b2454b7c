package connection

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

type connectionRepoPG struct{ pool *pgxpool.Pool }

func NewConnectionRepoPG(pool *pgxpool.Pool) ConnectionRepository {
	return &connectionRepoPG{pool: pool}
}

func (r *connectionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const connectionCols = `id, user_id, vendor, vendor_patient_id, fhir_base_url,
	authorize_url, token_url, client_id, client_secret, redirect_uri, scopes,
	auth_kind, private_key, key_id, access_token, refresh_token,
	token_expires_at, status, last_sync_at, next_sync_at,
	sync_frequency_hours, auto_sync, created_at, updated_at`

func scanConnection(row pgx.Row) (*Connection, error) {
	var c Connection
	err := row.Scan(&c.ID, &c.UserID, &c.Vendor, &c.VendorPatientID, &c.FHIRBaseURL,
		&c.AuthorizeURL, &c.TokenURL, &c.ClientID, &c.ClientSecret, &c.RedirectURI, &c.Scopes,
		&c.AuthKind, &c.PrivateKey, &c.KeyID, &c.AccessToken, &c.RefreshToken,
		&c.TokenExpiresAt, &c.Status, &c.LastSyncAt, &c.NextSyncAt,
		&c.SyncFrequency, &c.AutoSync, &c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

func (r *connectionRepoPG) Create(ctx context.Context, c *Connection) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = StatusPendingAuth
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO ehr_connections (`+connectionCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		c.ID, c.UserID, c.Vendor, c.VendorPatientID, c.FHIRBaseURL,
		c.AuthorizeURL, c.TokenURL, c.ClientID, c.ClientSecret, c.RedirectURI, c.Scopes,
		c.AuthKind, c.PrivateKey, c.KeyID, c.AccessToken, c.RefreshToken,
		c.TokenExpiresAt, c.Status, c.LastSyncAt, c.NextSyncAt,
		c.SyncFrequency, c.AutoSync, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

func (r *connectionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Connection, error) {
	c, err := scanConnection(r.conn(ctx).QueryRow(ctx, `
		SELECT `+connectionCols+` FROM ehr_connections WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("connection %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return c, nil
}

func (r *connectionRepoPG) ListByUser(ctx context.Context, userID string) ([]*Connection, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+connectionCols+` FROM ehr_connections
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

func (r *connectionRepoPG) ListAutoSyncDue(ctx context.Context, now time.Time) ([]*Connection, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+connectionCols+` FROM ehr_connections
		WHERE auto_sync AND status = $1 AND (next_sync_at IS NULL OR next_sync_at <= $2)
		ORDER BY next_sync_at NULLS FIRST`, StatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("list due connections: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

func (r *connectionRepoPG) ListActiveByVendor(ctx context.Context, vendor string) ([]*Connection, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+connectionCols+` FROM ehr_connections
		WHERE vendor = $1 AND status = $2
		ORDER BY created_at`, vendor, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("list connections by vendor: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

func collectConnections(rows pgx.Rows) ([]*Connection, error) {
	var out []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *connectionRepoPG) Update(ctx context.Context, c *Connection) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE ehr_connections SET
			vendor_patient_id = $2, fhir_base_url = $3, authorize_url = $4,
			token_url = $5, client_id = $6, client_secret = $7,
			redirect_uri = $8, scopes = $9, auth_kind = $10,
			private_key = $11, key_id = $12,
			sync_frequency_hours = $13, auto_sync = $14, next_sync_at = $15,
			updated_at = NOW()
		WHERE id = $1`,
		c.ID, c.VendorPatientID, c.FHIRBaseURL, c.AuthorizeURL,
		c.TokenURL, c.ClientID, c.ClientSecret,
		c.RedirectURI, c.Scopes, c.AuthKind,
		c.PrivateKey, c.KeyID,
		c.SyncFrequency, c.AutoSync, c.NextSyncAt)
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("connection %s not found", c.ID)
	}
	return nil
}

// UpdateStatus is a compare-and-set so the lifecycle graph holds under
// concurrent writers.
func (r *connectionRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE ehr_connections SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.CodeConflict, 409,
			"connection %s is no longer %s", id, from)
	}
	return nil
}

func (r *connectionRepoPG) SaveTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time, patientID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE ehr_connections SET
			access_token = $2,
			refresh_token = CASE WHEN $3 = '' THEN refresh_token ELSE $3 END,
			token_expires_at = $4,
			vendor_patient_id = CASE WHEN $5 = '' THEN vendor_patient_id ELSE $5 END,
			status = $6,
			updated_at = NOW()
		WHERE id = $1 AND status <> $7`,
		id, accessToken, refreshToken, expiresAt, patientID, StatusActive, StatusRevoked)
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.CodeConflict, 409,
			"connection %s is revoked or missing", id)
	}
	return nil
}

func (r *connectionRepoPG) MarkSynced(ctx context.Context, id uuid.UUID, at, next time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE ehr_connections SET last_sync_at = $2, next_sync_at = $3, updated_at = NOW()
		WHERE id = $1`, id, at, next)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

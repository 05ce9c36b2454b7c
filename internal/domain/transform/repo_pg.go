package transform

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

// -- Rules --

type ruleRepoPG struct{ pool *pgxpool.Pool }

func NewRuleRepoPG(pool *pgxpool.Pool) RuleRepository {
	return &ruleRepoPG{pool: pool}
}

func (r *ruleRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const ruleCols = `id, vendor, resource_type, direction, kind, source_format, target_format,
	source_path, target_path, source_paths, target_paths, separator, mapping,
	lookup_table, target_type, expression, custom_func, priority, enabled,
	created_at, updated_at`

func scanRule(row pgx.Row) (*Rule, error) {
	var rule Rule
	var mapping []byte
	err := row.Scan(&rule.ID, &rule.Vendor, &rule.ResourceType, &rule.Direction, &rule.Kind,
		&rule.SourceFormat, &rule.TargetFormat, &rule.SourcePath, &rule.TargetPath,
		&rule.SourcePaths, &rule.TargetPaths, &rule.Separator, &mapping,
		&rule.LookupTable, &rule.TargetType, &rule.Expression, &rule.CustomFunc,
		&rule.Priority, &rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(mapping) > 0 {
		if err := json.Unmarshal(mapping, &rule.Mapping); err != nil {
			return nil, fmt.Errorf("decode rule mapping: %w", err)
		}
	}
	return &rule, nil
}

func encodeMapping(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func (r *ruleRepoPG) Create(ctx context.Context, rule *Rule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	mapping, err := encodeMapping(rule.Mapping)
	if err != nil {
		return fmt.Errorf("encode rule mapping: %w", err)
	}
	now := time.Now().UTC()
	rule.CreatedAt, rule.UpdatedAt = now, now
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO transformation_rules (
			id, vendor, resource_type, direction, kind, source_format, target_format,
			source_path, target_path, source_paths, target_paths, separator, mapping,
			lookup_table, target_type, expression, custom_func, priority, enabled,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$20)`,
		rule.ID, rule.Vendor, rule.ResourceType, rule.Direction, rule.Kind,
		rule.SourceFormat, rule.TargetFormat, rule.SourcePath, rule.TargetPath,
		rule.SourcePaths, rule.TargetPaths, rule.Separator, mapping,
		rule.LookupTable, rule.TargetType, rule.Expression, rule.CustomFunc,
		rule.Priority, rule.Enabled, now)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

func (r *ruleRepoPG) Update(ctx context.Context, rule *Rule) error {
	mapping, err := encodeMapping(rule.Mapping)
	if err != nil {
		return fmt.Errorf("encode rule mapping: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE transformation_rules SET
			kind = $2, source_format = $3, target_format = $4,
			source_path = $5, target_path = $6, source_paths = $7, target_paths = $8,
			separator = $9, mapping = $10, lookup_table = $11, target_type = $12,
			expression = $13, custom_func = $14, priority = $15, enabled = $16,
			updated_at = NOW()
		WHERE id = $1`,
		rule.ID, rule.Kind, rule.SourceFormat, rule.TargetFormat,
		rule.SourcePath, rule.TargetPath, rule.SourcePaths, rule.TargetPaths,
		rule.Separator, mapping, rule.LookupTable, rule.TargetType,
		rule.Expression, rule.CustomFunc, rule.Priority, rule.Enabled)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("rule %s not found", rule.ID)
	}
	return nil
}

func (r *ruleRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM transformation_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("rule %s not found", id)
	}
	return nil
}

func (r *ruleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Rule, error) {
	rule, err := scanRule(r.conn(ctx).QueryRow(ctx, `
		SELECT `+ruleCols+` FROM transformation_rules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("rule %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

func (r *ruleRepoPG) ListForKey(ctx context.Context, vendor, resourceType, direction string) ([]*Rule, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+ruleCols+` FROM transformation_rules
		WHERE vendor = $1 AND resource_type = $2 AND direction = $3 AND enabled
		ORDER BY priority, created_at`, vendor, resourceType, direction)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

func (r *ruleRepoPG) List(ctx context.Context, vendor string, limit, offset int) ([]*Rule, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM transformation_rules WHERE ($1 = '' OR vendor = $1)`, vendor).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count rules: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+ruleCols+` FROM transformation_rules
		WHERE ($1 = '' OR vendor = $1)
		ORDER BY vendor, resource_type, direction, priority
		LIMIT $2 OFFSET $3`, vendor, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	out, err := collectRules(rows)
	return out, total, err
}

func collectRules(rows pgx.Rows) ([]*Rule, error) {
	var out []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// -- Conflicts --

type conflictRepoPG struct{ pool *pgxpool.Pool }

func NewConflictRepoPG(pool *pgxpool.Pool) ConflictRepository {
	return &conflictRepoPG{pool: pool}
}

func (r *conflictRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const conflictCols = `id, job_id, connection_id, resource_type, vendor_resource_id,
	field_path, local_value, remote_value, detected_at, resolution,
	resolved_value, resolved_by, resolved_at`

func scanConflict(row pgx.Row) (*Conflict, error) {
	var c Conflict
	var local, remote, resolved []byte
	err := row.Scan(&c.ID, &c.JobID, &c.ConnectionID, &c.ResourceType, &c.VendorID,
		&c.FieldPath, &local, &remote, &c.DetectedAt, &c.Resolution,
		&resolved, &c.ResolvedBy, &c.ResolvedAt)
	if err != nil {
		return nil, err
	}
	if len(local) > 0 {
		_ = json.Unmarshal(local, &c.LocalValue)
	}
	if len(remote) > 0 {
		_ = json.Unmarshal(remote, &c.RemoteValue)
	}
	if len(resolved) > 0 {
		_ = json.Unmarshal(resolved, &c.ResolvedValue)
	}
	return &c, nil
}

func (r *conflictRepoPG) Create(ctx context.Context, c *Conflict) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	local, err := json.Marshal(c.LocalValue)
	if err != nil {
		return fmt.Errorf("encode local value: %w", err)
	}
	remote, err := json.Marshal(c.RemoteValue)
	if err != nil {
		return fmt.Errorf("encode remote value: %w", err)
	}
	var resolved []byte
	if c.ResolvedValue != nil {
		if resolved, err = json.Marshal(c.ResolvedValue); err != nil {
			return fmt.Errorf("encode resolved value: %w", err)
		}
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO conflicts (
			id, job_id, connection_id, resource_type, vendor_resource_id,
			field_path, local_value, remote_value, detected_at, resolution,
			resolved_value, resolved_by, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		c.ID, c.JobID, c.ConnectionID, c.ResourceType, c.VendorID,
		c.FieldPath, local, remote, c.DetectedAt, c.Resolution,
		resolved, c.ResolvedBy, c.ResolvedAt)
	if err != nil {
		return fmt.Errorf("create conflict: %w", err)
	}
	return nil
}

func (r *conflictRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Conflict, error) {
	c, err := scanConflict(r.conn(ctx).QueryRow(ctx, `
		SELECT `+conflictCols+` FROM conflicts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("conflict %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	return c, nil
}

func (r *conflictRepoPG) ListOpen(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*Conflict, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM conflicts
		WHERE connection_id = $1 AND resolved_at IS NULL`, connectionID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count conflicts: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+conflictCols+` FROM conflicts
		WHERE connection_id = $1 AND resolved_at IS NULL
		ORDER BY detected_at
		LIMIT $2 OFFSET $3`, connectionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func (r *conflictRepoPG) Resolve(ctx context.Context, id uuid.UUID, resolution string, value interface{}, resolver string) error {
	resolved, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode resolved value: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE conflicts SET resolution = $2, resolved_value = $3, resolved_by = $4, resolved_at = NOW()
		WHERE id = $1 AND resolved_at IS NULL`, id, resolution, resolved, resolver)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("open conflict %s not found", id)
	}
	return nil
}

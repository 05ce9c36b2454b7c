package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medbridge/ehrsync/internal/platform/db"
)

// AuditEntry is one append-only row in the incident audit trail. Entries are
// never updated or deleted; the compliance record of an incident is the
// ordered sequence of its entries.
type AuditEntry struct {
	ID             uuid.UUID `json:"id" db:"id"`
	IncidentNumber string    `json:"incidentNumber" db:"incident_number"`
	Action         string    `json:"action" db:"action"`
	Actor          string    `json:"actor" db:"actor"`
	Detail         string    `json:"detail" db:"detail"`
	RecordedAt     time.Time `json:"recordedAt" db:"recorded_at"`
}

// Audit actions recorded on compliance incidents.
const (
	AuditActionDetected     = "DETECTED"
	AuditActionStatusChange = "STATUS_CHANGE"
	AuditActionAssigned     = "ASSIGNED"
	AuditActionNotified     = "NOTIFIED"
	AuditActionReported     = "REPORTED_TO_REGULATOR"
	AuditActionNote         = "NOTE"
)

// AuditLog writes the append-only incident trail. There is deliberately no
// update or delete path.
type AuditLog struct {
	pool *pgxpool.Pool
}

func NewAuditLog(pool *pgxpool.Pool) *AuditLog {
	return &AuditLog{pool: pool}
}

// Append records one entry. It joins the transaction bound to ctx when
// present so incident creation and its first trail entry commit together.
func (a *AuditLog) Append(ctx context.Context, incidentNumber, action, actor, detail string) (*AuditEntry, error) {
	entry := &AuditEntry{
		IncidentNumber: incidentNumber,
		Action:         action,
		Actor:          actor,
		Detail:         detail,
		RecordedAt:     time.Now().UTC(),
	}

	const query = `
		INSERT INTO incident_audit_log (incident_number, action, actor, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	if tx := db.TxFromContext(ctx); tx != nil {
		if err := tx.QueryRow(ctx, query, entry.IncidentNumber, entry.Action, entry.Actor, entry.Detail, entry.RecordedAt).Scan(&entry.ID); err != nil {
			return nil, fmt.Errorf("incident audit append: %w", err)
		}
		return entry, nil
	}

	if err := a.pool.QueryRow(ctx, query, entry.IncidentNumber, entry.Action, entry.Actor, entry.Detail, entry.RecordedAt).Scan(&entry.ID); err != nil {
		return nil, fmt.Errorf("incident audit append: %w", err)
	}
	return entry, nil
}

// Trail returns the full ordered audit history of an incident.
func (a *AuditLog) Trail(ctx context.Context, incidentNumber string) ([]*AuditEntry, error) {
	const query = `
		SELECT id, incident_number, action, actor, detail, recorded_at
		FROM incident_audit_log
		WHERE incident_number = $1
		ORDER BY recorded_at, id`

	rows, err := a.pool.Query(ctx, query, incidentNumber)
	if err != nil {
		return nil, fmt.Errorf("incident audit trail: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		if err := rows.Scan(&e.ID, &e.IncidentNumber, &e.Action, &e.Actor, &e.Detail, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

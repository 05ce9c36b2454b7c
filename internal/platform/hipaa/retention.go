package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// minComplianceYears is the regulatory floor for compliance incident
// retention. Incidents younger than this are never purged regardless of
// configuration.
const minComplianceYears = 6

// Retention purges expired operational error records by severity and, once
// the regulatory window has passed, closed compliance incidents.
type Retention struct {
	pool            *pgxpool.Pool
	logger          zerolog.Logger
	severityDays    map[string]int
	complianceYears int
}

// PurgeReport summarizes one retention sweep.
type PurgeReport struct {
	ErrorRecords      map[string]int64 `json:"errorRecords"`
	ErrorRecordsTotal int64            `json:"errorRecordsTotal"`
	Incidents         int64            `json:"incidents"`
	SweptAt           time.Time        `json:"sweptAt"`
}

// NewRetention builds a retention sweeper. severityDays maps severity names
// to how long their error records are kept. complianceYears below the
// regulatory floor is raised to it.
func NewRetention(pool *pgxpool.Pool, logger zerolog.Logger, severityDays map[string]int, complianceYears int) *Retention {
	if complianceYears < minComplianceYears {
		complianceYears = minComplianceYears
	}
	return &Retention{
		pool:            pool,
		logger:          logger.With().Str("component", "retention").Logger(),
		severityDays:    severityDays,
		complianceYears: complianceYears,
	}
}

// Cutoff returns the purge boundary for a severity. Records last seen before
// the cutoff are eligible for deletion. Unknown severities get the most
// conservative configured window.
func (r *Retention) Cutoff(severity string, now time.Time) time.Time {
	days, ok := r.severityDays[severity]
	if !ok {
		for _, d := range r.severityDays {
			if d > days {
				days = d
			}
		}
	}
	return now.AddDate(0, 0, -days)
}

// ComplianceCutoff returns the boundary before which closed incidents may be
// purged. It is always at least the regulatory floor in the past.
func (r *Retention) ComplianceCutoff(now time.Time) time.Time {
	return now.AddDate(-r.complianceYears, 0, 0)
}

// PurgeExpired deletes expired error records per severity and closed
// compliance incidents past the regulatory window. Open incidents are never
// deleted.
func (r *Retention) PurgeExpired(ctx context.Context) (*PurgeReport, error) {
	now := time.Now().UTC()
	report := &PurgeReport{
		ErrorRecords: make(map[string]int64, len(r.severityDays)),
		SweptAt:      now,
	}

	for severity := range r.severityDays {
		cutoff := r.Cutoff(severity, now)
		tag, err := r.pool.Exec(ctx,
			`DELETE FROM error_records WHERE severity = $1 AND last_seen_at < $2`,
			severity, cutoff)
		if err != nil {
			return nil, fmt.Errorf("purge error records %s: %w", severity, err)
		}
		report.ErrorRecords[severity] = tag.RowsAffected()
		report.ErrorRecordsTotal += tag.RowsAffected()
	}

	tag, err := r.pool.Exec(ctx,
		`DELETE FROM compliance_incidents WHERE status = 'CLOSED' AND detected_at < $1`,
		r.ComplianceCutoff(now))
	if err != nil {
		return nil, fmt.Errorf("purge compliance incidents: %w", err)
	}
	report.Incidents = tag.RowsAffected()

	r.logger.Info().
		Int64("error_records", report.ErrorRecordsTotal).
		Int64("incidents", report.Incidents).
		Msg("retention sweep completed")

	return report, nil
}

package telemetry

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/db"
	"github.com/medbridge/ehrsync/internal/platform/hipaa"
	"github.com/medbridge/ehrsync/internal/platform/notify"
)

// RouterConfig tunes classification-independent routing behavior.
type RouterConfig struct {
	IncidentPrefix  string
	DedupWindow     time.Duration
	MaxStackSamples int
}

func (c *RouterConfig) applyDefaults() {
	if c.IncidentPrefix == "" {
		c.IncidentPrefix = "HIPAA-IR"
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 5 * time.Minute
	}
	if c.MaxStackSamples == 0 {
		c.MaxStackSamples = 3
	}
}

// Router is the single entry point for every error the sync core raises.
// Compliance-relevant events become immutable incidents with an audit trail
// and a notification; everything else is deduplicated into the operational
// error store.
// Auditor records entries in the append-only incident audit trail.
// Satisfied by hipaa.AuditLog.
type Auditor interface {
	Append(ctx context.Context, incidentNumber, action, actor, detail string) (*hipaa.AuditEntry, error)
	Trail(ctx context.Context, incidentNumber string) ([]*hipaa.AuditEntry, error)
}

type Router struct {
	pool      *pgxpool.Pool
	errors    ErrorRepository
	incidents IncidentRepository
	audit     Auditor
	notifier  notify.Notifier
	metrics   *Metrics
	logger    zerolog.Logger
	cfg       RouterConfig

	// locks serializes increment-or-insert per fingerprint. Fingerprints
	// hash onto a fixed stripe set so the router's footprint stays flat no
	// matter how many distinct errors it sees.
	locks [lockStripes]sync.Mutex
}

const lockStripes = 64

func NewRouter(pool *pgxpool.Pool, errRepo ErrorRepository, incRepo IncidentRepository,
	audit Auditor, notifier notify.Notifier, metrics *Metrics,
	logger zerolog.Logger, cfg RouterConfig) *Router {

	cfg.applyDefaults()
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Router{
		pool:      pool,
		errors:    errRepo,
		incidents: incRepo,
		audit:     audit,
		notifier:  notifier,
		metrics:   metrics,
		logger:    logger.With().Str("component", "telemetry").Logger(),
		cfg:       cfg,
	}
}

// inTx runs fn inside a transaction when a pool is configured. Tests run
// against in-memory repositories without one.
func (r *Router) inTx(ctx context.Context, fn func(context.Context) error) error {
	if r.pool == nil {
		return fn(ctx)
	}
	return db.InTx(ctx, r.pool, fn)
}

// Route classifies one event and files it. The returned outcome says whether
// it became a compliance incident or an operational record.
func (r *Router) Route(ctx context.Context, ev Event) (*Outcome, error) {
	if ev.Message == "" {
		return nil, apperror.Validation("event message is required")
	}

	category, matched := MatchCompliance(ev.Message)
	if ev.Compliance || matched {
		return r.routeCompliance(ctx, ev, category)
	}
	return r.routeOperational(ctx, ev)
}

// RouteError files a plain error value. Routing failures are logged, never
// propagated; telemetry must not take down the operation that raised it.
func (r *Router) RouteError(ctx context.Context, err error, endpoint string) {
	if err == nil {
		return
	}
	ev := Event{Message: err.Error(), Endpoint: endpoint}
	if code := apperror.CodeOf(err); code != "" {
		if _, known := masterOfSub[code]; known {
			ev.SubCode = code
		}
	}
	if _, rerr := r.Route(ctx, ev); rerr != nil {
		r.logger.Error().Err(rerr).Str("endpoint", endpoint).Msg("telemetry routing failed")
	}
}

func (r *Router) routeCompliance(ctx context.Context, ev Event, matchedCategory string) (*Outcome, error) {
	category := ev.Category
	if !validCategories[category] {
		category = matchedCategory
	}
	if category == "" {
		category = CategoryGenericViolation
	}
	severity := ev.Severity
	if !validSeverities[severity] {
		severity = SeverityCritical
	}

	inc := &ComplianceIncident{
		Category:        category,
		Severity:        severity,
		Message:         ev.Message,
		Endpoint:        ev.Endpoint,
		Details:         ev.Details,
		DataExposed:     ev.DataExposed,
		RecordsAffected: ev.RecordsAffected,
	}

	// The incident and its first audit entry commit together.
	err := r.inTx(ctx, func(ctx context.Context) error {
		if err := r.incidents.Create(ctx, r.cfg.IncidentPrefix, inc); err != nil {
			return err
		}
		_, err := r.audit.Append(ctx, inc.IncidentNumber, hipaa.AuditActionDetected, "telemetry-router", ev.Message)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record compliance incident: %w", err)
	}

	r.metrics.IncidentRaised(category)
	r.logger.Warn().
		Str("incident", inc.IncidentNumber).
		Str("category", category).
		Msg("compliance incident recorded")

	if r.dispatch(ctx, notify.Message{
		Kind:     notify.KindComplianceIncident,
		Subject:  "Compliance incident " + inc.IncidentNumber,
		Body:     ev.Message,
		Severity: severity,
		Fields: map[string]string{
			"incidentNumber": inc.IncidentNumber,
			"category":       category,
		},
	}) {
		now := time.Now().UTC()
		if err := r.incidents.MarkNotified(ctx, inc.IncidentNumber, now); err != nil {
			r.logger.Error().Err(err).Str("incident", inc.IncidentNumber).Msg("notified stamp failed")
		} else {
			inc.NotifiedAt = &now
		}
		if _, err := r.audit.Append(ctx, inc.IncidentNumber, hipaa.AuditActionNotified, "telemetry-router", "alert dispatched"); err != nil {
			r.logger.Error().Err(err).Str("incident", inc.IncidentNumber).Msg("audit append failed")
		}
	}

	return &Outcome{Compliance: true, Incident: inc}, nil
}

func (r *Router) routeOperational(ctx context.Context, ev Event) (*Outcome, error) {
	cl := Classify(ev)
	fp := Fingerprint(ev.Message, cl.MasterCode, ev.Endpoint)
	now := time.Now().UTC()

	lock := r.fingerprintLock(fp)
	lock.Lock()
	defer lock.Unlock()

	existing, err := r.errors.GetByFingerprint(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("lookup fingerprint: %w", err)
	}

	var rec *ErrorRecord
	deduped := false
	if existing != nil && now.Sub(existing.LastSeenAt) <= r.cfg.DedupWindow {
		rec, err = r.errors.Touch(ctx, existing.ID, now, ev.StackTrace, r.cfg.MaxStackSamples)
		if err != nil {
			return nil, fmt.Errorf("merge occurrence: %w", err)
		}
		deduped = true
		r.metrics.DedupHit()
	} else {
		rec = &ErrorRecord{
			Fingerprint:     fp,
			MasterCode:      cl.MasterCode,
			SubCode:         cl.SubCode,
			Severity:        cl.Severity,
			Message:         ev.Message,
			Endpoint:        ev.Endpoint,
			OccurrenceCount: 1,
			FirstSeenAt:     now,
			LastSeenAt:      now,
		}
		if ev.StackTrace != "" {
			rec.StackSamples = []string{ev.StackTrace}
		}
		if err := r.errors.Insert(ctx, rec); err != nil {
			return nil, fmt.Errorf("insert error record: %w", err)
		}
	}

	r.metrics.ErrorRecorded(cl.MasterCode, cl.Severity)

	// Criticals alert on first occurrence; dedup hits stay quiet.
	if cl.Severity == SeverityCritical && !deduped {
		r.dispatch(ctx, notify.Message{
			Kind:     notify.KindCriticalError,
			Subject:  "Critical error: " + cl.MasterCode,
			Body:     ev.Message,
			Severity: cl.Severity,
			Fields: map[string]string{
				"masterCode":  cl.MasterCode,
				"fingerprint": fp,
			},
		})
	}

	return &Outcome{Record: rec, Deduped: deduped}, nil
}

func (r *Router) fingerprintLock(fp string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(fp))
	return &r.locks[h.Sum32()%lockStripes]
}

func (r *Router) dispatch(ctx context.Context, msg notify.Message) bool {
	if err := r.notifier.Dispatch(ctx, msg); err != nil {
		r.logger.Error().Err(err).Str("kind", msg.Kind).Msg("alert dispatch failed")
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Incident service surface (handler-facing)
// ---------------------------------------------------------------------------

// GetIncident returns one incident with its audit trail.
func (r *Router) GetIncident(ctx context.Context, number string) (*ComplianceIncident, []*hipaa.AuditEntry, error) {
	inc, err := r.incidents.GetByNumber(ctx, number)
	if err != nil {
		return nil, nil, err
	}
	trail, err := r.audit.Trail(ctx, number)
	if err != nil {
		return nil, nil, err
	}
	return inc, trail, nil
}

// ListIncidents returns incidents filtered by status.
func (r *Router) ListIncidents(ctx context.Context, status string, limit, offset int) ([]*ComplianceIncident, int, error) {
	if status != "" {
		if _, known := incidentTransitions[status]; !known {
			return nil, 0, apperror.Validation("unknown incident status %q", status)
		}
	}
	return r.incidents.List(ctx, status, limit, offset)
}

// TransitionIncident moves an incident through its lifecycle, recording the
// change in the audit trail.
func (r *Router) TransitionIncident(ctx context.Context, number, status, actor, note string) (*ComplianceIncident, error) {
	inc, err := r.incidents.GetByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if !CanTransitionIncident(inc.Status, status) {
		return nil, apperror.New(apperror.CodeConflict, 409,
			"incident %s cannot move from %s to %s", number, inc.Status, status)
	}

	var updated *ComplianceIncident
	err = r.inTx(ctx, func(ctx context.Context) error {
		var err error
		updated, err = r.incidents.UpdateStatus(ctx, number, status, actor)
		if err != nil {
			return err
		}
		detail := fmt.Sprintf("%s -> %s", inc.Status, status)
		if note != "" {
			detail += ": " + note
		}
		if _, err = r.audit.Append(ctx, number, hipaa.AuditActionStatusChange, actor, detail); err != nil {
			return err
		}
		if status == IncidentReported {
			_, err = r.audit.Append(ctx, number, hipaa.AuditActionReported, actor, "reported to regulator")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RaiseIncident records a caller-classified compliance incident directly.
func (r *Router) RaiseIncident(ctx context.Context, ev Event) (*ComplianceIncident, error) {
	if ev.Message == "" {
		return nil, apperror.Validation("message is required")
	}
	if !validCategories[ev.Category] {
		return nil, apperror.Validation("unknown compliance category %q", ev.Category)
	}
	out, err := r.routeCompliance(ctx, ev, ev.Category)
	if err != nil {
		return nil, err
	}
	return out.Incident, nil
}

// Stats merges operational store statistics with the open incident count.
func (r *Router) Stats(ctx context.Context) (*Stats, error) {
	stats, err := r.errors.Stats(ctx)
	if err != nil {
		return nil, err
	}
	open, err := r.incidents.CountOpen(ctx)
	if err != nil {
		return nil, err
	}
	stats.OpenIncidents = open
	return stats, nil
}

// Compact runs fingerprint merge maintenance on the operational store.
func (r *Router) Compact(ctx context.Context) (int64, error) {
	return r.errors.Compact(ctx, r.cfg.MaxStackSamples)
}

package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/domain/connection"
	"github.com/medbridge/ehrsync/internal/domain/syncjob"
	"github.com/medbridge/ehrsync/internal/platform/adapter"
	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/signature"
	"github.com/medbridge/ehrsync/internal/platform/telemetry"
)

// Enqueuer is the slice of the sync queue the receiver drives. Satisfied by
// syncjob.Service.
type Enqueuer interface {
	Enqueue(ctx context.Context, p syncjob.EnqueueParams) (*syncjob.Job, error)
}

// Connections resolves which connections a vendor push fans out to.
// Satisfied by connection.Service.
type Connections interface {
	ActiveByVendor(ctx context.Context, vendor string) ([]*connection.Connection, error)
}

// AdapterSource resolves vendor adapters. Satisfied by adapter.Registry.
type AdapterSource interface {
	For(vendor string) (adapter.Adapter, error)
}

// Config carries the shared-secret verification settings.
type Config struct {
	Secret          string
	SignatureHeader string
	HashAlgorithm   string
}

// Event types that map to sync work. Anything else is recorded as IGNORED.
var actionable = map[string]bool{
	"resource.created": true,
	"resource.updated": true,
	"patient.updated":  true,
	"document.created": true,
}

// Receiver verifies, records, and dispatches inbound vendor webhooks. The
// signature is the only authentication on this surface: an unverifiable
// body is recorded as FAILED and produces no work.
type Receiver struct {
	repo     Repository
	jobs     Enqueuer
	conns    Connections
	adapters AdapterSource
	cfg      Config
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

func NewReceiver(repo Repository, jobs Enqueuer, conns Connections,
	adapters AdapterSource, cfg Config, metrics *telemetry.Metrics, logger zerolog.Logger) *Receiver {
	return &Receiver{
		repo:     repo,
		jobs:     jobs,
		conns:    conns,
		adapters: adapters,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With().Str("component", "webhook").Logger(),
	}
}

// Receive handles one delivery. Every outcome, valid or not, lands a row in
// webhook_events; the returned error carries the HTTP status the caller
// should answer with.
func (r *Receiver) Receive(ctx context.Context, vendor string, body []byte, sig string) (*Event, error) {
	if _, err := r.adapters.For(vendor); err != nil {
		return nil, err
	}

	ev := &Event{Vendor: vendor, ReceivedAt: time.Now().UTC()}

	if !signature.Verify(body, r.cfg.Secret, r.cfg.HashAlgorithm, sig) {
		return r.settle(ctx, ev, DispositionFailed, "signature verification failed",
			apperror.New(apperror.CodeUnauthorized, 401, "webhook signature verification failed"))
	}

	var d Delivery
	if err := json.Unmarshal(body, &d); err != nil {
		return r.settle(ctx, ev, DispositionFailed, "malformed payload",
			apperror.Validation("webhook body is not valid JSON"))
	}
	ev.EventID = d.EventID
	ev.EventType = d.EventType
	ev.ResourceType = d.ResourceType
	ev.ResourceID = d.ResourceID
	ev.Action = d.Action

	if d.EventID == "" || d.EventType == "" {
		return r.settle(ctx, ev, DispositionFailed, "missing eventId or eventType",
			apperror.Validation("eventId and eventType are required"))
	}

	if !actionable[d.EventType] {
		return r.settle(ctx, ev, DispositionIgnored, "unhandled event type", nil)
	}
	if d.ResourceType == "" || d.ResourceID == "" {
		return r.settle(ctx, ev, DispositionFailed, "event missing resource coordinates",
			apperror.Validation("resourceType and resourceId are required for %s", d.EventType))
	}

	seen, err := r.repo.Seen(ctx, vendor, d.EventID)
	if err != nil {
		return nil, err
	}
	if seen {
		return r.settle(ctx, ev, DispositionIgnored, "duplicate delivery", nil)
	}

	conns, err := r.conns.ActiveByVendor(ctx, vendor)
	if err != nil {
		return nil, err
	}
	if len(conns) == 0 {
		return r.settle(ctx, ev, DispositionIgnored, "no active connections", nil)
	}

	// Pushes carry no connection id, so the event fans out to every active
	// connection for the vendor. The recorded job id is the first one.
	var firstJob *uuid.UUID
	for _, c := range conns {
		job, err := r.jobs.Enqueue(ctx, syncjob.EnqueueParams{
			ConnectionID: c.ID,
			UserID:       c.UserID,
			Vendor:       c.Vendor,
			Type:         syncjob.TypeWebhook,
			Direction:    syncjob.DirectionInbound,
			Priority:     syncjob.PriorityHigh,
			ResourceType: d.ResourceType,
			ResourceIDs:  []string{d.ResourceID},
		})
		if err != nil {
			return r.settle(ctx, ev, DispositionFailed, "enqueue failed: "+apperror.CodeOf(err), err)
		}
		if firstJob == nil {
			id := job.ID
			firstJob = &id
		}
	}
	ev.JobID = firstJob

	r.logger.Info().
		Str("vendor", vendor).
		Str("event_id", d.EventID).
		Str("event_type", d.EventType).
		Int("jobs", len(conns)).
		Msg("webhook dispatched")
	return r.settle(ctx, ev, DispositionProcessed, "", nil)
}

// settle records the delivery with its disposition and passes cause through.
func (r *Receiver) settle(ctx context.Context, ev *Event, disposition, detail string, cause error) (*Event, error) {
	ev.Disposition = disposition
	ev.Error = detail
	if err := r.repo.Record(ctx, ev); err != nil {
		r.logger.Error().Err(err).Str("vendor", ev.Vendor).Msg("recording webhook event failed")
		if cause == nil {
			cause = err
		}
	}
	r.metrics.WebhookReceived(ev.Vendor, disposition)
	if cause != nil {
		return nil, cause
	}
	return ev, nil
}

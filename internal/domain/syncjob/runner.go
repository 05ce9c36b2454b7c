package syncjob

import (
	"context"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/domain/connection"
	"github.com/medbridge/ehrsync/internal/domain/resource"
	"github.com/medbridge/ehrsync/internal/domain/transform"
	"github.com/medbridge/ehrsync/internal/platform/adapter"
	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/blobstore"
	"github.com/medbridge/ehrsync/pkg/fhirdoc"
)

// SyncRunner executes FULL, INCREMENTAL, PATIENT, RESOURCE, and WEBHOOK
// jobs: fetch through the vendor adapter, reconcile through the rule
// engine, land in the canonical store, then fetch pending attachments.
// Per-record faults are counted, not fatal; transport faults propagate so
// the pool can retry.
type SyncRunner struct {
	adapters  *adapter.Registry
	conns     *connection.Service
	rules     *transform.Service
	resources *resource.Service
	docs      *blobstore.Store
	logger    zerolog.Logger
}

func NewSyncRunner(adapters *adapter.Registry, conns *connection.Service, rules *transform.Service,
	resources *resource.Service, docs *blobstore.Store, logger zerolog.Logger) *SyncRunner {
	return &SyncRunner{
		adapters:  adapters,
		conns:     conns,
		rules:     rules,
		resources: resources,
		docs:      docs,
		logger:    logger.With().Str("component", "sync-runner").Logger(),
	}
}

func (r *SyncRunner) Execute(ctx context.Context, job *Job, progress *Progress) error {
	conn, err := r.conns.Get(ctx, job.ConnectionID)
	if err != nil {
		return err
	}
	if conn.Status != connection.StatusActive {
		return apperror.New(apperror.CodeConflict, 409,
			"connection %s is %s, not ACTIVE", conn.ID, conn.Status)
	}
	ad, err := r.adapters.For(conn.Vendor)
	if err != nil {
		return err
	}
	aconn := adapter.Conn{
		ID:          conn.ID,
		Vendor:      conn.Vendor,
		FHIRBaseURL: conn.FHIRBaseURL,
		ClientID:    conn.ClientID,
	}

	inbound := job.Direction == DirectionInbound || job.Direction == DirectionBidirectional
	outbound := job.Direction == DirectionOutbound || job.Direction == DirectionBidirectional

	if inbound {
		if err := r.runInbound(ctx, job, conn, ad, aconn, progress); err != nil {
			return err
		}
		if job.Options.DownloadDocuments {
			if err := r.downloadPending(ctx, job, ad, aconn, progress); err != nil {
				return err
			}
		}
	}
	if outbound {
		if err := r.runOutbound(ctx, job, conn, progress); err != nil {
			return err
		}
	}

	if err := progress.Checkpoint(ctx); err != nil {
		return err
	}
	return r.conns.RecordSync(ctx, conn.ID, time.Now().UTC())
}

func (r *SyncRunner) runInbound(ctx context.Context, job *Job, conn *connection.Connection,
	ad adapter.Adapter, aconn adapter.Conn, progress *Progress) error {
	switch job.Type {
	case TypePatient:
		pid, err := patientID(conn)
		if err != nil {
			return err
		}
		doc, err := ad.FetchPatient(ctx, aconn, pid)
		if err != nil {
			return err
		}
		r.IngestDocument(ctx, job, conn, doc, nil, progress)
		return progress.Checkpoint(ctx)

	case TypeResource, TypeWebhook:
		if job.ResourceType == "" {
			return apperror.Validation("%s jobs need a resourceType", job.Type)
		}
		for _, id := range job.ResourceIDs {
			params := url.Values{"_id": {id}}
			if err := r.ingestSearch(ctx, job, conn, ad, aconn, job.ResourceType, params, progress); err != nil {
				return err
			}
		}
		return nil

	case TypeFull, TypeIncremental:
		pid, err := patientID(conn)
		if err != nil {
			return err
		}
		for _, rt := range r.typesInScope(job, ad) {
			if rt == "Patient" {
				doc, err := ad.FetchPatient(ctx, aconn, pid)
				if err != nil {
					return err
				}
				r.IngestDocument(ctx, job, conn, doc, nil, progress)
				continue
			}
			params := url.Values{"patient": {pid}}
			if job.Type == TypeIncremental && conn.LastSyncAt != nil {
				params.Set("_lastUpdated", "gt"+conn.LastSyncAt.UTC().Format(time.RFC3339))
			}
			if err := r.ingestSearch(ctx, job, conn, ad, aconn, rt, params, progress); err != nil {
				return err
			}
		}
		return nil

	default:
		return apperror.Validation("sync runner does not handle %s jobs", job.Type)
	}
}

func (r *SyncRunner) typesInScope(job *Job, ad adapter.Adapter) []string {
	if job.ResourceType != "" {
		return []string{job.ResourceType}
	}
	return ad.Profile().ResourceTypes
}

// ingestSearch drains one paginated search, checkpointing every batch.
func (r *SyncRunner) ingestSearch(ctx context.Context, job *Job, conn *connection.Connection,
	ad adapter.Adapter, aconn adapter.Conn, resourceType string, params url.Values, progress *Progress) error {
	it := ad.Search(ctx, aconn, resourceType, params)
	since := 0
	for it.Next(ctx) {
		r.IngestDocument(ctx, job, conn, it.Resource(), it.Raw(), progress)
		since++
		if since >= job.Options.BatchSize {
			if err := progress.Checkpoint(ctx); err != nil {
				return err
			}
			since = 0
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	return progress.Checkpoint(ctx)
}

// IngestDocument reconciles and stores one resource, counting the outcome
// on the job's progress. The vendor payload is kept verbatim; the canonical
// projection is only validated and checked for conflicts here, so a rule
// change can re-transform later without another vendor round trip. The bulk
// export runner shares this path for NDJSON lines.
func (r *SyncRunner) IngestDocument(ctx context.Context, job *Job, conn *connection.Connection,
	doc fhirdoc.Document, raw []byte, progress *Progress) {
	progress.Processed(1)

	logger := r.logger.With().
		Str("job_id", job.ID.String()).
		Str("resource_type", doc.ResourceType()).
		Str("vendor_id", doc.ID()).Logger()

	var local fhirdoc.Document
	existing, err := r.resources.GetByKey(ctx, conn.ID, doc.ResourceType(), doc.ID())
	if err != nil {
		progress.Failed(1)
		logger.Error().Err(err).Msg("local lookup failed")
		return
	}
	if existing != nil {
		if local, err = fhirdoc.Parse(existing.Raw); err != nil {
			local = nil
		}
	}

	rec, err := r.rules.ReconcileInbound(ctx, transform.ReconcileParams{
		JobID:            &job.ID,
		ConnectionID:     conn.ID,
		Vendor:           conn.Vendor,
		Local:            local,
		Remote:           doc,
		ResolveConflicts: job.Options.ResolveConflicts,
	})
	if err != nil {
		progress.Failed(1)
		logger.Error().Err(err).Msg("transformation failed")
		return
	}
	if job.Options.ValidateOutput {
		if err := r.rules.ValidateOutput(rec.Doc); err != nil {
			progress.Skipped(1)
			logger.Error().Err(err).Msg("record skipped: required fields missing after rules")
			return
		}
	}
	if rec.Blocked > 0 && !job.Options.ResolveConflicts {
		progress.Skipped(1)
		logger.Warn().Int("fields", rec.Blocked).Msg("record held back by open conflicts")
		return
	}

	result, err := r.resources.Ingest(ctx, resource.IngestParams{
		ConnectionID:     conn.ID,
		Doc:              doc,
		Raw:              raw,
		WantsAttachments: job.Options.DownloadDocuments,
	})
	if err != nil {
		progress.Failed(1)
		logger.Error().Err(err).Msg("store failed")
		return
	}
	progress.Succeeded(1)
	if result.Created {
		progress.Created(1)
	} else if result.Updated {
		progress.Updated(1)
	}
}

// downloadPending fetches attachment bytes for resources the ingest pass
// flagged. A failed download marks the resource and moves on.
func (r *SyncRunner) downloadPending(ctx context.Context, job *Job,
	ad adapter.Adapter, aconn adapter.Conn, progress *Progress) error {
	const pageSize = 50
	for {
		pending, err := r.resources.PendingDownloads(ctx, job.ConnectionID, pageSize)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		for _, res := range pending {
			data, err := ad.FetchBinary(ctx, aconn, res.ContentURL)
			if err != nil {
				if apperror.IsTransient(err) {
					return err
				}
				_ = r.resources.RecordDownloadFailure(ctx, res.ID)
				progress.Failed(1)
				continue
			}
			path, err := r.docs.Save(ctx, job.ConnectionID, res.ID, res.ContentType, data)
			if err != nil {
				_ = r.resources.RecordDownloadFailure(ctx, res.ID)
				progress.Failed(1)
				continue
			}
			if err := r.resources.RecordDownload(ctx, res.ID, path); err != nil {
				return err
			}
			progress.Downloaded(1)
			progress.Bytes(int64(len(data)))
		}
		if err := progress.Checkpoint(ctx); err != nil {
			return err
		}
	}
}

// runOutbound projects stored records into the vendor's shape and counts
// what changed. The adapter surface is fetch-only, so the projected payload
// is recorded rather than pushed; marking the rows processed keeps the pass
// incremental.
func (r *SyncRunner) runOutbound(ctx context.Context, job *Job, conn *connection.Connection, progress *Progress) error {
	const pageSize = 100
	offset := 0
	for {
		page, _, err := r.resources.List(ctx, conn.ID, job.ResourceType, pageSize, offset)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, res := range page {
			if res.Processed {
				continue
			}
			progress.Processed(1)
			doc, err := fhirdoc.Parse(res.Raw)
			if err != nil {
				progress.Failed(1)
				continue
			}
			if _, err := r.rules.Outbound(ctx, conn.Vendor, doc, transform.Options{}); err != nil {
				progress.Failed(1)
				continue
			}
			if err := r.resources.MarkProcessed(ctx, res.ID); err != nil {
				return err
			}
			progress.Succeeded(1)
		}
		if err := progress.Checkpoint(ctx); err != nil {
			return err
		}
		offset += pageSize
	}
}

func patientID(conn *connection.Connection) (string, error) {
	if conn.VendorPatientID == nil || *conn.VendorPatientID == "" {
		return "", apperror.Validation("connection %s has no vendor patient id", conn.ID)
	}
	return *conn.VendorPatientID, nil
}

package bulkexport

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/domain/connection"
	"github.com/medbridge/ehrsync/internal/domain/syncjob"
	"github.com/medbridge/ehrsync/internal/platform/adapter"
	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/db"
)

// JobQueue is the slice of the sync queue bulk exports drive. Satisfied by
// syncjob.Service.
type JobQueue interface {
	Enqueue(ctx context.Context, p syncjob.EnqueueParams) (*syncjob.Job, error)
	Status(ctx context.Context, id uuid.UUID) (*syncjob.Job, error)
	Retry(ctx context.Context, id uuid.UUID) error
	SetStatusURL(ctx context.Context, id uuid.UUID, statusURL string) error
}

// Connections resolves and stamps EHR connections. Satisfied by
// connection.Service.
type Connections interface {
	Get(ctx context.Context, id uuid.UUID) (*connection.Connection, error)
	RecordSync(ctx context.Context, id uuid.UUID, at time.Time) error
}

// AdapterSource resolves vendor adapters. Satisfied by adapter.Registry.
type AdapterSource interface {
	For(vendor string) (adapter.Adapter, error)
}

// Service owns the export lifecycle around the job queue: kickoff requests
// become BULK_EXPORT jobs with an export descriptor, status reads join the
// job with its files, and Process re-runs what failed.
type Service struct {
	repo     Repository
	pool     *pgxpool.Pool
	jobs     JobQueue
	adapters AdapterSource
	conns    Connections
	logger   zerolog.Logger
}

func NewService(repo Repository, pool *pgxpool.Pool, jobs JobQueue,
	adapters AdapterSource, conns Connections, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		pool:     pool,
		jobs:     jobs,
		adapters: adapters,
		conns:    conns,
		logger:   logger.With().Str("component", "bulk-export").Logger(),
	}
}

// inTx runs fn inside a transaction when a pool is configured. Tests run
// against in-memory repositories without one.
func (s *Service) inTx(ctx context.Context, fn func(context.Context) error) error {
	if s.pool == nil {
		return fn(ctx)
	}
	return db.InTx(ctx, s.pool, fn)
}

// StartParams describe one export request.
type StartParams struct {
	Vendor        string
	ConnectionID  uuid.UUID
	Scope         string
	GroupID       string
	ResourceTypes []string
	Since         *time.Time
}

// Start validates the request against the vendor profile and enqueues a
// BULK_EXPORT job with its export descriptor; both rows commit together.
func (s *Service) Start(ctx context.Context, p StartParams) (*syncjob.Job, error) {
	conn, err := s.conns.Get(ctx, p.ConnectionID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(conn.Vendor, p.Vendor) {
		return nil, apperror.Validation("connection %s belongs to %s, not %s", conn.ID, conn.Vendor, p.Vendor)
	}
	ad, err := s.adapters.For(p.Vendor)
	if err != nil {
		return nil, err
	}
	if !ad.Profile().BulkExport {
		return nil, apperror.Validation("%s does not support $export", p.Vendor)
	}

	scope := strings.ToUpper(strings.TrimSpace(p.Scope))
	if scope == "" {
		scope = adapter.ExportScopePatient
	}
	switch scope {
	case adapter.ExportScopePatient, adapter.ExportScopeSystem:
	case adapter.ExportScopeGroup:
		if p.GroupID == "" {
			return nil, apperror.Validation("group export requires a groupId")
		}
	default:
		return nil, apperror.Validation("unknown export scope %q", p.Scope)
	}
	for _, rt := range p.ResourceTypes {
		if !ad.Profile().Supports(rt) {
			return nil, apperror.Validation("%s does not serve %s", p.Vendor, rt)
		}
	}

	var job *syncjob.Job
	err = s.inTx(ctx, func(ctx context.Context) error {
		job, err = s.jobs.Enqueue(ctx, syncjob.EnqueueParams{
			ConnectionID: conn.ID,
			UserID:       conn.UserID,
			Vendor:       conn.Vendor,
			Type:         syncjob.TypeBulkExport,
			Direction:    syncjob.DirectionInbound,
			Priority:     syncjob.PriorityLow,
		})
		if err != nil {
			return err
		}
		return s.repo.CreateExport(ctx, &Export{
			JobID:         job.ID,
			ConnectionID:  conn.ID,
			Vendor:        conn.Vendor,
			Scope:         scope,
			GroupID:       p.GroupID,
			ResourceTypes: p.ResourceTypes,
			Since:         p.Since,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("job_id", job.ID.String()).
		Str("scope", scope).
		Str("vendor", conn.Vendor).
		Msg("bulk export requested")
	return job, nil
}

// StatusView joins the job with its export descriptor and per-file progress.
type StatusView struct {
	Job    *syncjob.Job `json:"job"`
	Export *Export      `json:"export"`
	Files  []*File      `json:"files"`
}

func (s *Service) Status(ctx context.Context, jobID uuid.UUID) (*StatusView, error) {
	job, err := s.jobs.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Type != syncjob.TypeBulkExport {
		return nil, apperror.Validation("job %s is not a bulk export", jobID)
	}
	exp, err := s.repo.GetExport(ctx, jobID)
	if err != nil {
		return nil, err
	}
	files, err := s.repo.ListFiles(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &StatusView{Job: job, Export: exp, Files: files}, nil
}

// Process re-runs a failed export. COMPLETED files are never touched; the
// retried job resumes each remaining file from its committed line offset.
func (s *Service) Process(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobs.Status(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Type != syncjob.TypeBulkExport {
		return apperror.Validation("job %s is not a bulk export", jobID)
	}
	if job.Status != syncjob.StatusFailed {
		return apperror.New(apperror.CodeConflict, 409,
			"job %s is %s; only failed exports can be reprocessed", jobID, job.Status)
	}
	if err := s.jobs.Retry(ctx, jobID); err != nil {
		return err
	}
	s.logger.Info().Str("job_id", jobID.String()).Msg("bulk export reprocess requested")
	return nil
}

package bulkexport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/medbridge/ehrsync/internal/domain/connection"
	"github.com/medbridge/ehrsync/internal/domain/syncjob"
	"github.com/medbridge/ehrsync/internal/platform/adapter"
	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/pkg/fhirdoc"
)

// scanBufferSize bounds one NDJSON line; DocumentReference rows with inline
// attachments get large.
const scanBufferSize = 16 * 1024 * 1024

// RunnerConfig tunes polling cadence and ingest batching.
type RunnerConfig struct {
	PollInitial     time.Duration
	PollMax         time.Duration
	BatchSize       int
	FileConcurrency int
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.PollInitial <= 0 {
		c.PollInitial = 30 * time.Second
	}
	if c.PollMax <= 0 {
		c.PollMax = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FileConcurrency <= 0 {
		c.FileConcurrency = 4
	}
	return c
}

// DocumentIngester lands one reconciled resource in the canonical store.
// Satisfied by syncjob.SyncRunner.
type DocumentIngester interface {
	IngestDocument(ctx context.Context, job *syncjob.Job, conn *connection.Connection,
		doc fhirdoc.Document, raw []byte, progress *syncjob.Progress)
}

// Runner executes BULK_EXPORT jobs: kickoff (or resume), poll until the
// manifest arrives, then ingest each NDJSON file through the same
// reconcile-and-store path regular syncs use. File downloads run in
// parallel; each file commits its line offset per batch so a retried job
// resumes instead of re-ingesting.
type Runner struct {
	repo     Repository
	jobs     JobQueue
	ingester DocumentIngester
	adapters AdapterSource
	conns    Connections
	cfg      RunnerConfig
	logger   zerolog.Logger
}

func NewRunner(repo Repository, jobs JobQueue, ingester DocumentIngester,
	adapters AdapterSource, conns Connections, cfg RunnerConfig, logger zerolog.Logger) *Runner {
	return &Runner{
		repo:     repo,
		jobs:     jobs,
		ingester: ingester,
		adapters: adapters,
		conns:    conns,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "bulk-export").Logger(),
	}
}

func (r *Runner) Execute(ctx context.Context, job *syncjob.Job, progress *syncjob.Progress) error {
	exp, err := r.repo.GetExport(ctx, job.ID)
	if err != nil {
		return err
	}
	conn, err := r.conns.Get(ctx, exp.ConnectionID)
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

	logger := r.logger.With().Str("job_id", job.ID.String()).Str("vendor", conn.Vendor).Logger()

	// A reclaimed or retried job already owns a status URL; never kick off
	// twice.
	statusURL := job.StatusURL
	if statusURL == "" {
		statusURL, err = ad.StartBulkExport(ctx, aconn, adapter.ExportParams{
			Scope:         exp.Scope,
			GroupID:       exp.GroupID,
			ResourceTypes: exp.ResourceTypes,
			Since:         exp.Since,
		})
		if err != nil {
			return err
		}
		if err := r.jobs.SetStatusURL(ctx, job.ID, statusURL); err != nil {
			return err
		}
		logger.Info().Str("scope", exp.Scope).Msg("export kicked off")
	}

	manifest, err := r.poll(ctx, ad, aconn, statusURL, progress, logger)
	if err != nil {
		return err
	}

	files := make([]*File, 0, len(manifest.Output))
	for _, out := range manifest.Output {
		files = append(files, &File{ResourceType: out.Type, URL: out.URL, ExpectedCount: out.Count})
	}
	if err := r.repo.SaveManifest(ctx, job.ID, manifest.TransactionTime, files); err != nil {
		return err
	}
	logger.Info().Int("files", len(files)).Str("transaction_time", manifest.TransactionTime).
		Msg("manifest recorded")

	if err := r.ingest(ctx, job, conn, ad, aconn, progress); err != nil {
		return err
	}
	if err := progress.Checkpoint(ctx); err != nil {
		return err
	}
	return r.conns.RecordSync(ctx, conn.ID, time.Now().UTC())
}

// poll waits for the manifest: cadence starts at PollInitial and doubles to
// the PollMax cap, with the vendor's Retry-After taking precedence.
func (r *Runner) poll(ctx context.Context, ad adapter.Adapter, aconn adapter.Conn,
	statusURL string, progress *syncjob.Progress, logger zerolog.Logger) (*adapter.ExportManifest, error) {
	delay := r.cfg.PollInitial
	for {
		st, err := ad.PollBulkExport(ctx, aconn, statusURL)
		if err != nil {
			return nil, err
		}
		if st.Done {
			if st.Manifest == nil {
				return nil, apperror.New(apperror.CodeEHRFHIR, 502, "export finished without a manifest")
			}
			return st.Manifest, nil
		}
		if st.Progress != "" {
			logger.Debug().Str("progress", st.Progress).Msg("export in progress")
		}

		wait := delay
		if st.RetryAfter > 0 {
			wait = st.RetryAfter
		}
		if err := progress.Checkpoint(ctx); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if delay *= 2; delay > r.cfg.PollMax {
			delay = r.cfg.PollMax
		}
	}
}

// ingest drains every runnable file in parallel. A file failure marks just
// that file; the job fails only when no file succeeded at all.
func (r *Runner) ingest(ctx context.Context, job *syncjob.Job, conn *connection.Connection,
	ad adapter.Adapter, aconn adapter.Conn, progress *syncjob.Progress) error {
	runnable, err := r.repo.ListRunnableFiles(ctx, job.ID)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.FileConcurrency)
	for _, f := range runnable {
		f := f
		g.Go(func() error {
			err := r.ingestFile(gctx, job, conn, ad, aconn, f, progress)
			if err == nil {
				return nil
			}
			if errors.Is(err, syncjob.ErrCancelled) || gctx.Err() != nil {
				return err
			}
			r.logger.Error().Err(err).
				Str("job_id", job.ID.String()).
				Str("url", f.URL).
				Msg("export file failed")
			return r.repo.MarkFile(gctx, f.ID, FileFailed, err.Error())
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	all, err := r.repo.ListFiles(ctx, job.ID)
	if err != nil {
		return err
	}
	completed := 0
	for _, f := range all {
		if f.Status == FileCompleted {
			completed++
		}
	}
	if len(all) > 0 && completed == 0 {
		return apperror.New(apperror.CodeEHRFHIR, 502, "every export file failed")
	}
	return nil
}

// ingestFile streams one NDJSON file from the stored resume point, pushing
// each line through the shared reconcile path and committing the offset per
// batch.
func (r *Runner) ingestFile(ctx context.Context, job *syncjob.Job, conn *connection.Connection,
	ad adapter.Adapter, aconn adapter.Conn, f *File, progress *syncjob.Progress) error {
	if err := r.repo.MarkFile(ctx, f.ID, FileDownloading, ""); err != nil {
		return err
	}

	rc, err := ad.DownloadBulkFile(ctx, aconn, f.URL)
	if err != nil {
		return err
	}
	defer rc.Close()

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), scanBufferSize)

	line := 0
	ingested := f.LinesIngested
	batch := 0
	for sc.Scan() {
		line++
		if line <= f.LineOffset {
			continue
		}
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		raw = append([]byte(nil), raw...)

		doc, perr := fhirdoc.Parse(raw)
		if perr != nil {
			progress.Processed(1)
			progress.Failed(1)
			continue
		}
		r.ingester.IngestDocument(ctx, job, conn, doc, raw, progress)
		ingested++
		batch++

		if batch >= r.cfg.BatchSize {
			if err := progress.Checkpoint(ctx); err != nil {
				return err
			}
			if err := r.repo.CommitFileProgress(ctx, f.ID, line, ingested); err != nil {
				return err
			}
			batch = 0
		}
	}
	if err := sc.Err(); err != nil {
		return apperror.Wrap(err, apperror.CodeNetwork, 502, "export download interrupted").AsTransient()
	}

	if err := r.repo.CommitFileProgress(ctx, f.ID, line, ingested); err != nil {
		return err
	}
	return r.repo.MarkFile(ctx, f.ID, FileCompleted, "")
}

package syncjob

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/platform/adapter"
	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/notify"
	"github.com/medbridge/ehrsync/internal/platform/telemetry"
)

// ErrCancelled is returned from Progress.Checkpoint when cancellation was
// requested; executors abort and the job finishes CANCELLED.
var ErrCancelled = errors.New("job cancellation requested")

// Executor runs one job type. Implementations call Progress.Checkpoint
// between resources so cancellation and counter flushes happen at safe
// points, never mid-response.
type Executor interface {
	Execute(ctx context.Context, job *Job, progress *Progress) error
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Workers           int
	VendorCeiling     int
	HeartbeatInterval time.Duration
	JobTimeout        time.Duration
	BulkExportTimeout time.Duration
	PollInterval      time.Duration
	ShutdownGrace     time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.VendorCeiling <= 0 {
		c.VendorCeiling = 4
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.BulkExportTimeout <= 0 {
		c.BulkExportTimeout = 2 * time.Hour
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// Pool drains the queue with a fixed set of workers. Executors are keyed by
// job type.
type Pool struct {
	repo      Repository
	executors map[string]Executor
	cfg       PoolConfig
	metrics   *telemetry.Metrics
	notifier  notify.Notifier
	logger    zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	busy   sync.Map
}

func NewPool(repo Repository, executors map[string]Executor, cfg PoolConfig, metrics *telemetry.Metrics, notifier notify.Notifier, logger zerolog.Logger) *Pool {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Pool{
		repo:      repo,
		executors: executors,
		cfg:       cfg.withDefaults(),
		metrics:   metrics,
		notifier:  notifier,
		logger:    logger.With().Str("component", "sync-workers").Logger(),
	}
}

// Start launches the workers and the stale-job reclaimer. It returns
// immediately; Stop shuts the pool down.
func (p *Pool) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel

	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.New().String()[:8])
		p.wg.Add(1)
		go p.workerLoop(ctx, workerID)
	}

	p.wg.Add(1)
	go p.reclaimLoop(ctx)

	p.logger.Info().Int("workers", p.cfg.Workers).Msg("worker pool started")
}

// Stop signals cancellation and waits up to the grace period for workers to
// checkpoint and release their jobs.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info().Msg("worker pool drained")
	case <-time.After(p.cfg.ShutdownGrace):
		p.logger.Warn().Msg("worker pool shutdown grace elapsed")
	}
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := p.repo.RequeueDue(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("requeue pass failed")
		}

		job, err := p.repo.Dequeue(ctx, workerID, p.cfg.VendorCeiling)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error().Err(err).Msg("dequeue failed")
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if job == nil {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		p.run(ctx, workerID, job)
	}
}

// sleep waits with jitter so idle workers don't poll in lockstep.
func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	jittered := d + time.Duration(rand.Int63n(int64(d/2)+1))
	select {
	case <-ctx.Done():
	case <-time.After(jittered):
	}
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	defer p.wg.Done()
	interval := 2 * p.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-interval)
			n, err := p.repo.ReclaimStale(ctx, cutoff)
			if err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("reclaim pass failed")
				continue
			}
			if n > 0 {
				p.logger.Warn().Int("jobs", n).Msg("reclaimed jobs from silent workers")
			}
		}
	}
}

func (p *Pool) run(parent context.Context, workerID string, job *Job) {
	p.busy.Store(workerID, job.ID)
	p.trackBusy()
	defer func() {
		p.busy.Delete(workerID)
		p.trackBusy()
	}()

	timeout := job.Timeout(p.cfg.JobTimeout, p.cfg.BulkExportTimeout)
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	logger := p.logger.With().
		Str("job_id", job.ID.String()).
		Str("type", job.Type).
		Str("worker", workerID).Logger()

	progress := newProgress(p.repo, job, cancel)
	stopHeartbeat := p.startHeartbeat(ctx, workerID, job, progress, logger)
	defer stopHeartbeat()

	executor, ok := p.executors[job.Type]
	var err error
	if !ok {
		err = apperror.Validation("no executor registered for job type %q", job.Type)
	} else {
		err = executor.Execute(ctx, job, progress)
	}
	p.settle(parent, job, progress, err, logger)
}

// startHeartbeat renews the claim and watches the cancel flag while the job
// runs.
func (p *Pool) startHeartbeat(ctx context.Context, workerID string, job *Job, progress *Progress, logger zerolog.Logger) func() {
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.repo.Heartbeat(ctx, job.ID, workerID); err != nil && ctx.Err() == nil {
					logger.Warn().Err(err).Msg("heartbeat failed")
				}
				requested, err := p.repo.CancelRequested(ctx, job.ID)
				if err == nil && requested {
					progress.requestCancel()
				}
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

// settle turns the executor's outcome into exactly one terminal transition
// (or a release/retry).
func (p *Pool) settle(parent context.Context, job *Job, progress *Progress, err error, logger zerolog.Logger) {
	// Terminal writes use the parent so a finished deadline can still commit.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 10*time.Second)
	defer cancel()

	counters, summary := progress.snapshot()

	switch {
	case err == nil:
		if ferr := p.repo.Finish(ctx, job.ID, StatusCompleted, "", "", counters, summary); ferr != nil {
			logger.Error().Err(ferr).Msg("completing job failed")
			return
		}
		p.metrics.JobProcessed(job.Type, StatusCompleted)
		logger.Info().
			Int("processed", counters.Processed).
			Int("created", summary.Created).
			Int("updated", summary.Updated).
			Dur("elapsed", time.Since(valueOr(job.StartedAt))).
			Msg("job completed")

	case errors.Is(err, ErrCancelled) || progress.cancelRequested():
		if ferr := p.repo.Finish(ctx, job.ID, StatusCancelled, "", "cancelled by request", counters, summary); ferr != nil {
			logger.Error().Err(ferr).Msg("cancelling job failed")
			return
		}
		p.metrics.JobProcessed(job.Type, StatusCancelled)
		logger.Info().Msg("job cancelled")

	case parent.Err() != nil:
		// Shutdown, not a job fault: hand the work back.
		if rerr := p.repo.Release(ctx, job.ID); rerr != nil {
			logger.Error().Err(rerr).Msg("releasing job failed")
			return
		}
		logger.Info().Msg("job released for shutdown")

	case errors.Is(err, context.DeadlineExceeded):
		if ferr := p.repo.Finish(ctx, job.ID, StatusFailed, apperror.CodeJobTimeout,
			fmt.Sprintf("job exceeded its %s budget", job.Timeout(p.cfg.JobTimeout, p.cfg.BulkExportTimeout)),
			counters, summary); ferr != nil {
			logger.Error().Err(ferr).Msg("failing timed-out job failed")
			return
		}
		p.metrics.JobProcessed(job.Type, StatusFailed)
		p.notifyFailure(ctx, job, apperror.CodeJobTimeout, "job timeout")
		logger.Error().Msg("job timed out")

	case apperror.IsTransient(err) && job.Attempt < job.Options.MaxRetries:
		attempt := job.Attempt + 1
		delay := backoff(time.Duration(job.Options.RetryDelaySecs)*time.Second, attempt)
		// The vendor's Retry-After wins when it asks for more than our backoff.
		if hint, ok := adapter.RetryAfterHint(err); ok && hint > delay {
			delay = hint
		}
		runAfter := time.Now().UTC().Add(delay)
		if rerr := p.repo.MarkRetrying(ctx, job.ID, attempt, runAfter, err.Error()); rerr != nil {
			logger.Error().Err(rerr).Msg("scheduling retry failed")
			return
		}
		p.metrics.JobRetried()
		logger.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("transient failure, retry scheduled")

	default:
		code := apperror.CodeOf(err)
		if ferr := p.repo.Finish(ctx, job.ID, StatusFailed, code, err.Error(), counters, summary); ferr != nil {
			logger.Error().Err(ferr).Msg("failing job failed")
			return
		}
		p.metrics.JobProcessed(job.Type, StatusFailed)
		p.notifyFailure(ctx, job, code, err.Error())
		logger.Error().Err(err).Int("attempt", job.Attempt).Msg("job failed")
	}
}

func (p *Pool) notifyFailure(ctx context.Context, job *Job, code, msg string) {
	if job.Priority > PriorityHigh {
		return
	}
	_ = p.notifier.Dispatch(ctx, notify.Message{
		Kind:     notify.KindJobFailure,
		Subject:  fmt.Sprintf("%s sync job failed", job.Vendor),
		Body:     msg,
		Severity: "HIGH",
		Fields: map[string]string{
			"jobId":        job.ID.String(),
			"jobType":      job.Type,
			"connectionId": job.ConnectionID.String(),
			"code":         code,
		},
		At: time.Now().UTC(),
	})
}

func (p *Pool) trackBusy() {
	var n int64
	p.busy.Range(func(_, _ interface{}) bool { n++; return true })
	p.metrics.SetWorkersBusy(n)
}

// backoff is base × 2^(attempt-1), jittered ±20%.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 5 * time.Second
	}
	d := base << uint(attempt-1)
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	return d + jitter
}

func valueOr(t *time.Time) time.Time {
	if t == nil {
		return time.Now().UTC()
	}
	return *t
}

// Progress is the executor's window back into the job row: counters,
// summary, and the cooperative cancellation checkpoint.
type Progress struct {
	repo   Repository
	job    *Job
	cancel context.CancelFunc

	mu        sync.Mutex
	counters  Counters
	summary   Summary
	cancelled bool
}

func newProgress(repo Repository, job *Job, cancel context.CancelFunc) *Progress {
	return &Progress{repo: repo, job: job, cancel: cancel, counters: job.Counters, summary: job.Summary}
}

// NewProgress returns a detached progress for running an Executor outside
// the pool; counters stay in memory and checkpoints only honor cancellation.
func NewProgress(job *Job) *Progress {
	return &Progress{job: job, cancel: func() {}, counters: job.Counters, summary: job.Summary}
}

// Counters returns the live per-resource tallies.
func (p *Progress) Counters() (Counters, Summary) { return p.snapshot() }

func (p *Progress) Processed(n int) { p.add(func(c *Counters, _ *Summary) { c.Processed += n }) }
func (p *Progress) Succeeded(n int) { p.add(func(c *Counters, _ *Summary) { c.Succeeded += n }) }
func (p *Progress) Failed(n int)    { p.add(func(c *Counters, _ *Summary) { c.Failed += n }) }
func (p *Progress) Skipped(n int)   { p.add(func(c *Counters, _ *Summary) { c.Skipped += n }) }
func (p *Progress) Created(n int)   { p.add(func(_ *Counters, s *Summary) { s.Created += n }) }
func (p *Progress) Updated(n int)   { p.add(func(_ *Counters, s *Summary) { s.Updated += n }) }
func (p *Progress) Downloaded(n int) {
	p.add(func(_ *Counters, s *Summary) { s.Downloaded += n })
}
func (p *Progress) Bytes(n int64) { p.add(func(_ *Counters, s *Summary) { s.Bytes += n }) }

func (p *Progress) add(f func(*Counters, *Summary)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f(&p.counters, &p.summary)
}

func (p *Progress) snapshot() (Counters, Summary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters, p.summary
}

func (p *Progress) requestCancel() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
	p.cancel()
}

func (p *Progress) cancelRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// Checkpoint flushes counters to the job row and honors cancellation. Call
// it between resources; never mid-response.
func (p *Progress) Checkpoint(ctx context.Context) error {
	if p.cancelRequested() {
		return ErrCancelled
	}
	select {
	case <-ctx.Done():
		if p.cancelRequested() {
			return ErrCancelled
		}
		return ctx.Err()
	default:
	}
	if p.repo == nil {
		return nil
	}
	counters, summary := p.snapshot()
	return p.repo.UpdateCounters(ctx, p.job.ID, counters, summary)
}

package syncjob

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/telemetry"
)

type funcExecutor func(ctx context.Context, job *Job, progress *Progress) error

func (f funcExecutor) Execute(ctx context.Context, job *Job, progress *Progress) error {
	return f(ctx, job, progress)
}

func newTestPool(repo Repository, exec Executor, cfg PoolConfig) *Pool {
	executors := map[string]Executor{
		TypeFull: exec, TypeIncremental: exec, TypePatient: exec,
		TypeResource: exec, TypeWebhook: exec,
	}
	return NewPool(repo, executors, cfg, telemetry.NewMetrics(), nil, zerolog.Nop())
}

// claim pulls the job a worker would get and runs it synchronously, so the
// settle paths can be asserted without polling.
func claim(t *testing.T, pool *Pool, repo Repository) *Job {
	t.Helper()
	job, err := repo.Dequeue(context.Background(), "w-test", 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job == nil {
		t.Fatal("expected a runnable job")
	}
	pool.run(context.Background(), "w-test", job)
	return job
}

func enqueueOne(t *testing.T, repo *mockJobRepo, mutate func(*EnqueueParams)) *Job {
	t.Helper()
	svc := newTestService(repo, 0)
	p := baseParams()
	if mutate != nil {
		mutate(&p)
	}
	job, err := svc.Enqueue(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return job
}

func TestRunCompletesJob(t *testing.T) {
	repo := newMockJobRepo()
	job := enqueueOne(t, repo, nil)

	pool := newTestPool(repo, funcExecutor(func(ctx context.Context, _ *Job, progress *Progress) error {
		progress.Processed(3)
		progress.Succeeded(3)
		progress.Created(2)
		progress.Updated(1)
		return progress.Checkpoint(ctx)
	}), PoolConfig{})
	claim(t, pool, repo)

	got, err := repo.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
	if got.Counters.Processed != 3 || got.Summary.Created != 2 || got.Summary.Updated != 1 {
		t.Errorf("counters = %+v summary = %+v", got.Counters, got.Summary)
	}
	if got.FinishedAt == nil {
		t.Error("finishedAt should be stamped")
	}
}

func TestRunFailsFastOnNonTransientError(t *testing.T) {
	repo := newMockJobRepo()
	job := enqueueOne(t, repo, nil)

	pool := newTestPool(repo, funcExecutor(func(context.Context, *Job, *Progress) error {
		return apperror.Validation("patient id missing")
	}), PoolConfig{})
	claim(t, pool, repo)

	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.ErrorCode != apperror.CodeValidation {
		t.Errorf("errorCode = %s, want VALIDATION_ERROR", got.ErrorCode)
	}
	if got.Attempt != 0 {
		t.Errorf("attempt = %d, non-transient errors must not burn retries", got.Attempt)
	}
}

func TestRunSchedulesRetryOnTransientError(t *testing.T) {
	repo := newMockJobRepo()
	job := enqueueOne(t, repo, func(p *EnqueueParams) {
		p.Options = Options{MaxRetries: 3, RetryDelaySecs: 1}
	})

	pool := newTestPool(repo, funcExecutor(func(context.Context, *Job, *Progress) error {
		return apperror.New(apperror.CodeNetwork, 502, "connection reset").AsTransient()
	}), PoolConfig{})
	claim(t, pool, repo)

	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.Status != StatusRetrying {
		t.Fatalf("status = %s, want RETRYING", got.Status)
	}
	if got.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", got.Attempt)
	}
	if got.RunAfter == nil || !got.RunAfter.After(time.Now().UTC()) {
		t.Error("runAfter should sit in the future")
	}
}

func TestRunHonorsVendorRetryAfterOverBackoff(t *testing.T) {
	repo := newMockJobRepo()
	job := enqueueOne(t, repo, func(p *EnqueueParams) {
		p.Options = Options{MaxRetries: 3, RetryDelaySecs: 1}
	})

	pool := newTestPool(repo, funcExecutor(func(context.Context, *Job, *Progress) error {
		return apperror.New(apperror.CodeRateLimited, 429, "vendor throttling").
			WithDetails(map[string]interface{}{"retry_after_seconds": 3600}).
			AsTransient()
	}), PoolConfig{})
	before := time.Now().UTC()
	claim(t, pool, repo)

	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.Status != StatusRetrying {
		t.Fatalf("status = %s, want RETRYING", got.Status)
	}
	if got.RunAfter == nil {
		t.Fatal("runAfter should be set")
	}
	// Backoff alone would resume in a couple of seconds; the vendor asked
	// for an hour and must win.
	if min := before.Add(59 * time.Minute); got.RunAfter.Before(min) {
		t.Errorf("runAfter = %s, want at least %s", got.RunAfter, min)
	}
}

func TestRunFailsWhenRetriesExhausted(t *testing.T) {
	repo := newMockJobRepo()
	job := enqueueOne(t, repo, func(p *EnqueueParams) {
		p.Options = Options{MaxRetries: 1, RetryDelaySecs: 1}
	})

	transient := funcExecutor(func(context.Context, *Job, *Progress) error {
		return apperror.New(apperror.CodeNetwork, 502, "connection reset").AsTransient()
	})
	pool := newTestPool(repo, transient, PoolConfig{})

	claim(t, pool, repo)
	if got, _ := repo.GetByID(context.Background(), job.ID); got.Status != StatusRetrying {
		t.Fatalf("first failure: status = %s, want RETRYING", got.Status)
	}

	// Let the backoff elapse and run the retry attempt.
	if _, err := repo.RequeueDue(context.Background(), time.Now().UTC().Add(time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	claim(t, pool, repo)

	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED after retries exhausted", got.Status)
	}
	if got.ErrorCode != apperror.CodeNetwork {
		t.Errorf("errorCode = %s, want NETWORK_ERROR", got.ErrorCode)
	}
}

func TestRunCancelsCooperatively(t *testing.T) {
	repo := newMockJobRepo()
	job := enqueueOne(t, repo, nil)

	pool := newTestPool(repo, funcExecutor(func(ctx context.Context, j *Job, progress *Progress) error {
		// Cancellation lands mid-run; the next checkpoint must observe it.
		if _, err := repo.RequestCancel(ctx, j.ID); err != nil {
			return err
		}
		progress.requestCancel()
		return progress.Checkpoint(ctx)
	}), PoolConfig{})
	claim(t, pool, repo)

	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
}

func TestRunTimesOut(t *testing.T) {
	repo := newMockJobRepo()
	job := enqueueOne(t, repo, func(p *EnqueueParams) {
		p.Options = Options{TimeoutSecs: 1}
	})

	pool := newTestPool(repo, funcExecutor(func(ctx context.Context, _ *Job, _ *Progress) error {
		<-ctx.Done()
		return ctx.Err()
	}), PoolConfig{})
	claim(t, pool, repo)

	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.ErrorCode != apperror.CodeJobTimeout {
		t.Errorf("errorCode = %s, want JOB_TIMEOUT", got.ErrorCode)
	}
}

func TestRunWithoutExecutorFails(t *testing.T) {
	repo := newMockJobRepo()
	job := enqueueOne(t, repo, nil)

	pool := NewPool(repo, map[string]Executor{}, PoolConfig{}, telemetry.NewMetrics(), nil, zerolog.Nop())
	claim(t, pool, repo)

	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.Status != StatusFailed || got.ErrorCode != apperror.CodeValidation {
		t.Errorf("status = %s code = %s, want FAILED/VALIDATION_ERROR", got.Status, got.ErrorCode)
	}
}

func TestDequeueHonorsPriorityThenFIFO(t *testing.T) {
	repo := newMockJobRepo()
	low := enqueueOne(t, repo, func(p *EnqueueParams) { p.Priority = PriorityBackground })
	firstNormal := enqueueOne(t, repo, nil)
	secondNormal := enqueueOne(t, repo, nil)
	critical := enqueueOne(t, repo, func(p *EnqueueParams) { p.Priority = PriorityCritical })

	want := []*Job{critical, firstNormal, secondNormal, low}
	for i, expected := range want {
		got, err := repo.Dequeue(context.Background(), "w1", 16)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got == nil || got.ID != expected.ID {
			t.Fatalf("claim %d = %v, want job %s", i, got, expected.ID)
		}
		// Free the connection for the next claim.
		if err := repo.Finish(context.Background(), got.ID, StatusCompleted, "", "", Counters{}, Summary{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestPerConnectionSerialization(t *testing.T) {
	repo := newMockJobRepo()
	first := enqueueOne(t, repo, nil)
	enqueueOne(t, repo, func(p *EnqueueParams) { p.ConnectionID = first.ConnectionID })

	claimed, err := repo.Dequeue(context.Background(), "w1", 16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a runnable job")
	}
	blocked, err := repo.Dequeue(context.Background(), "w2", 16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if blocked != nil {
		t.Fatalf("second claim got %s; the connection already has a running job", blocked.ID)
	}
}

func TestPoolDrainsQueue(t *testing.T) {
	repo := newMockJobRepo()
	const jobs = 6
	var ids []uuid.UUID
	for i := 0; i < jobs; i++ {
		ids = append(ids, enqueueOne(t, repo, nil).ID)
	}

	var running, maxRunning int64
	var mu sync.Mutex
	done := make(chan struct{}, jobs)

	pool := newTestPool(repo, funcExecutor(func(ctx context.Context, _ *Job, progress *Progress) error {
		n := atomic.AddInt64(&running, 1)
		mu.Lock()
		if n > maxRunning {
			maxRunning = n
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&running, -1)
		done <- struct{}{}
		return progress.Checkpoint(ctx)
	}), PoolConfig{Workers: 4, PollInterval: 10 * time.Millisecond, ShutdownGrace: 2 * time.Second})

	pool.Start(context.Background())
	deadline := time.After(5 * time.Second)
	for i := 0; i < jobs; i++ {
		select {
		case <-done:
		case <-deadline:
			t.Fatal("pool did not drain the queue in time")
		}
	}
	pool.Stop()

	for _, id := range ids {
		job, err := repo.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if job.Status != StatusCompleted {
			t.Errorf("job %s = %s, want COMPLETED", id, job.Status)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if maxRunning > 4 {
		t.Errorf("max concurrent = %d, want <= workers", maxRunning)
	}
}

func TestReclaimStaleRequeuesWithoutBurningRetries(t *testing.T) {
	repo := newMockJobRepo()
	job := enqueueOne(t, repo, nil)

	if _, err := repo.Dequeue(context.Background(), "w-dead", 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, err := repo.ReclaimStale(context.Background(), time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}
	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.Status != StatusQueued {
		t.Errorf("status = %s, want QUEUED", got.Status)
	}
	if got.Attempt != 0 {
		t.Errorf("attempt = %d, reclaim must not count as a retry", got.Attempt)
	}
}

func TestBackoffGrows(t *testing.T) {
	base := 5 * time.Second
	prev := time.Duration(0)
	for attempt := 1; attempt <= 3; attempt++ {
		d := backoff(base, attempt)
		expected := base << uint(attempt-1)
		if d < expected-expected/5 || d > expected+expected/5 {
			t.Errorf("attempt %d: backoff = %s, want %s ±20%%", attempt, d, expected)
		}
		if d <= prev {
			t.Errorf("attempt %d: backoff %s should exceed previous %s", attempt, d, prev)
		}
		prev = d
	}
}

package syncjob

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/telemetry"
)

// mockJobRepo is an in-memory queue with the same claiming semantics as the
// Postgres implementation: priority first, FIFO within a priority, one
// PROCESSING job per connection, vendor ceiling.
type mockJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
	seq  map[uuid.UUID]int
	next int
}

func newMockJobRepo() *mockJobRepo {
	return &mockJobRepo{jobs: map[uuid.UUID]*Job{}, seq: map[uuid.UUID]int{}}
}

func (m *mockJobRepo) Create(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = StatusPending
	job.CreatedAt = time.Now().UTC()
	cp := *job
	m.jobs[job.ID] = &cp
	m.next++
	m.seq[job.ID] = m.next
	return nil
}

func (m *mockJobRepo) MarkQueued(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return apperror.NotFound("job %s not found", id)
	}
	now := time.Now().UTC()
	j.Status = StatusQueued
	j.QueuedAt = &now
	return nil
}

func (m *mockJobRepo) RequeueDue(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == StatusRetrying && (j.RunAfter == nil || !j.RunAfter.After(now)) {
			j.Status = StatusQueued
			j.RunAfter = nil
			n++
		}
	}
	return n, nil
}

func (m *mockJobRepo) Dequeue(_ context.Context, workerID string, vendorCeiling int) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	busyConns := map[uuid.UUID]bool{}
	vendorBusy := map[string]int{}
	for _, j := range m.jobs {
		if j.Status == StatusProcessing {
			busyConns[j.ConnectionID] = true
			vendorBusy[j.Vendor]++
		}
	}

	var candidates []*Job
	for _, j := range m.jobs {
		if j.Status != StatusQueued || busyConns[j.ConnectionID] || vendorBusy[j.Vendor] >= vendorCeiling {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].Priority != candidates[b].Priority {
			return candidates[a].Priority < candidates[b].Priority
		}
		return m.seq[candidates[a].ID] < m.seq[candidates[b].ID]
	})

	j := candidates[0]
	now := time.Now().UTC()
	j.Status = StatusProcessing
	j.WorkerID = workerID
	j.StartedAt = &now
	j.HeartbeatAt = &now
	cp := *j
	return &cp, nil
}

func (m *mockJobRepo) Heartbeat(_ context.Context, id uuid.UUID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		now := time.Now().UTC()
		j.HeartbeatAt = &now
	}
	return nil
}

func (m *mockJobRepo) ReclaimStale(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == StatusProcessing && j.HeartbeatAt != nil && j.HeartbeatAt.Before(cutoff) {
			j.Status = StatusQueued
			j.WorkerID = ""
			n++
		}
	}
	return n, nil
}

func (m *mockJobRepo) Cancel(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	switch j.Status {
	case StatusPending, StatusQueued, StatusRetrying:
		now := time.Now().UTC()
		j.Status = StatusCancelled
		j.FinishedAt = &now
		return true, nil
	}
	return false, nil
}

func (m *mockJobRepo) RequestCancel(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || IsTerminal(j.Status) {
		return false, nil
	}
	j.CancelRequested = true
	return true, nil
}

func (m *mockJobRepo) CancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return ok && j.CancelRequested, nil
}

func (m *mockJobRepo) Finish(_ context.Context, id uuid.UUID, status, errorCode, errorMsg string, counters Counters, summary Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return apperror.NotFound("job %s not found", id)
	}
	now := time.Now().UTC()
	j.Status = status
	j.ErrorCode = errorCode
	j.Error = errorMsg
	j.Counters = counters
	j.Summary = summary
	j.FinishedAt = &now
	return nil
}

func (m *mockJobRepo) Release(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.Status = StatusQueued
		j.WorkerID = ""
	}
	return nil
}

func (m *mockJobRepo) MarkRetrying(_ context.Context, id uuid.UUID, attempt int, runAfter time.Time, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return apperror.NotFound("job %s not found", id)
	}
	j.Status = StatusRetrying
	j.Attempt = attempt
	j.RunAfter = &runAfter
	j.Error = errorMsg
	return nil
}

func (m *mockJobRepo) RetryFailed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return apperror.NotFound("job %s not found", id)
	}
	if j.Status != StatusFailed {
		return apperror.New(apperror.CodeConflict, 409, "job %s is %s, not FAILED", id, j.Status)
	}
	now := time.Now().UTC()
	j.Status = StatusRetrying
	j.Attempt++
	j.Counters = Counters{}
	j.Summary = Summary{}
	j.ErrorCode = ""
	j.Error = ""
	j.RunAfter = &now
	j.FinishedAt = nil
	return nil
}

func (m *mockJobRepo) UpdateCounters(_ context.Context, id uuid.UUID, counters Counters, summary Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.Counters = counters
		j.Summary = summary
	}
	return nil
}

func (m *mockJobRepo) SetStatusURL(_ context.Context, id uuid.UUID, statusURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.StatusURL = statusURL
	}
	return nil
}

func (m *mockJobRepo) GetByID(_ context.Context, id uuid.UUID) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperror.NotFound("job %s not found", id)
	}
	cp := *j
	return &cp, nil
}

func (m *mockJobRepo) History(_ context.Context, connectionID uuid.UUID, limit, offset int) ([]*Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.jobs {
		if j.ConnectionID == connectionID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return m.seq[out[a].ID] > m.seq[out[b].ID] })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *mockJobRepo) Stats(_ context.Context, connectionID uuid.UUID, window time.Duration) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &Stats{Window: window.String(), ByStatus: map[string]int{}}
	for _, j := range m.jobs {
		if connectionID != uuid.Nil && j.ConnectionID != connectionID {
			continue
		}
		stats.ByStatus[j.Status]++
		if !IsTerminal(j.Status) {
			stats.Active++
		}
		stats.Processed += j.Counters.Processed
		stats.Failed += j.Counters.Failed
	}
	return stats, nil
}

func (m *mockJobRepo) CountActive(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if !IsTerminal(j.Status) {
			n++
		}
	}
	return n, nil
}

type mockScheduleRepo struct {
	mu        sync.Mutex
	schedules map[uuid.UUID]*Schedule
}

func newMockScheduleRepo() *mockScheduleRepo {
	return &mockScheduleRepo{schedules: map[uuid.UUID]*Schedule{}}
}

func (m *mockScheduleRepo) Create(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *mockScheduleRepo) Update(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *mockScheduleRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
	return nil
}

func (m *mockScheduleRepo) GetByID(_ context.Context, id uuid.UUID) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, apperror.NotFound("schedule %s not found", id)
	}
	cp := *s
	return &cp, nil
}

func (m *mockScheduleRepo) List(_ context.Context, connectionID uuid.UUID) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Schedule
	for _, s := range m.schedules {
		if connectionID == uuid.Nil || s.ConnectionID == connectionID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockScheduleRepo) Due(_ context.Context, now time.Time) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Schedule
	for _, s := range m.schedules {
		if s.Enabled && s.NextRunAt != nil && !s.NextRunAt.After(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockScheduleRepo) MarkRun(_ context.Context, id uuid.UUID, ranAt, nextAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return apperror.NotFound("schedule %s not found", id)
	}
	s.LastRunAt = &ranAt
	s.NextRunAt = &nextAt
	return nil
}

func newTestService(repo *mockJobRepo, highWater int) *Service {
	return NewService(repo, newMockScheduleRepo(), highWater, telemetry.NewMetrics(), zerolog.Nop())
}

func baseParams() EnqueueParams {
	return EnqueueParams{
		ConnectionID: uuid.New(),
		UserID:       "user-1",
		Vendor:       "epic",
		Type:         TypeFull,
	}
}

func TestEnqueueAppliesDefaults(t *testing.T) {
	svc := newTestService(newMockJobRepo(), 0)

	job, err := svc.Enqueue(context.Background(), baseParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != StatusQueued {
		t.Errorf("status = %s, want QUEUED", job.Status)
	}
	if job.Priority != PriorityNormal {
		t.Errorf("priority = %d, want %d", job.Priority, PriorityNormal)
	}
	if job.Direction != DirectionInbound {
		t.Errorf("direction = %s, want INBOUND", job.Direction)
	}
	if job.Options.BatchSize != 100 || job.Options.MaxRetries != 3 || job.Options.RetryDelaySecs != 5 {
		t.Errorf("options = %+v, defaults not applied", job.Options)
	}
}

func TestEnqueueValidates(t *testing.T) {
	svc := newTestService(newMockJobRepo(), 0)

	cases := []struct {
		name   string
		mutate func(*EnqueueParams)
	}{
		{"unknown type", func(p *EnqueueParams) { p.Type = "EVERYTHING" }},
		{"unknown direction", func(p *EnqueueParams) { p.Direction = "SIDEWAYS" }},
		{"missing connection", func(p *EnqueueParams) { p.ConnectionID = uuid.Nil }},
		{"missing user", func(p *EnqueueParams) { p.UserID = "" }},
		{"missing vendor", func(p *EnqueueParams) { p.Vendor = "" }},
		{"resource without ids", func(p *EnqueueParams) { p.Type = TypeResource }},
		{"priority out of range", func(p *EnqueueParams) { p.Priority = 9 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := baseParams()
			tc.mutate(&p)
			_, err := svc.Enqueue(context.Background(), p)
			if apperror.CodeOf(err) != apperror.CodeValidation {
				t.Errorf("error = %v, want VALIDATION_ERROR", err)
			}
		})
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	svc := newTestService(newMockJobRepo(), 1)

	if _, err := svc.Enqueue(context.Background(), baseParams()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := svc.Enqueue(context.Background(), baseParams())
	if apperror.CodeOf(err) != apperror.CodeQueueFull {
		t.Errorf("error = %v, want QUEUE_FULL", err)
	}
	if apperror.StatusOf(err) != 429 {
		t.Errorf("status = %d, want 429", apperror.StatusOf(err))
	}
}

func TestCancelQueuedJob(t *testing.T) {
	repo := newMockJobRepo()
	svc := newTestService(repo, 0)

	job, err := svc.Enqueue(context.Background(), baseParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", got.Status)
	}
}

func TestCancelProcessingSetsFlag(t *testing.T) {
	repo := newMockJobRepo()
	svc := newTestService(repo, 0)

	job, err := svc.Enqueue(context.Background(), baseParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := repo.Dequeue(context.Background(), "w1", 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.Status != StatusProcessing {
		t.Errorf("status = %s, processing jobs cancel cooperatively", got.Status)
	}
	if !got.CancelRequested {
		t.Error("cancel flag should be set")
	}
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	repo := newMockJobRepo()
	svc := newTestService(repo, 0)

	job, err := svc.Enqueue(context.Background(), baseParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.Finish(context.Background(), job.ID, StatusCompleted, "", "", Counters{}, Summary{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = svc.Cancel(context.Background(), job.ID)
	if apperror.CodeOf(err) != apperror.CodeConflict {
		t.Errorf("error = %v, want CONFLICT", err)
	}
}

func TestRetryResetsFailedJob(t *testing.T) {
	repo := newMockJobRepo()
	svc := newTestService(repo, 0)

	job, err := svc.Enqueue(context.Background(), baseParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.Finish(context.Background(), job.ID, StatusFailed, apperror.CodeNetwork, "boom",
		Counters{Processed: 7, Failed: 7}, Summary{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.Retry(context.Background(), job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := repo.GetByID(context.Background(), job.ID)
	if got.Status != StatusRetrying {
		t.Errorf("status = %s, want RETRYING", got.Status)
	}
	if got.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", got.Attempt)
	}
	if got.Counters.Processed != 0 {
		t.Error("counters should reset on manual retry")
	}

	// Only FAILED jobs retry.
	if err := svc.Retry(context.Background(), job.ID); apperror.CodeOf(err) != apperror.CodeConflict {
		t.Errorf("retry of non-failed job = %v, want CONFLICT", err)
	}
}

func TestScheduleRejectsBadCron(t *testing.T) {
	svc := newTestService(newMockJobRepo(), 0)
	p := baseParams()

	_, err := svc.Schedule(context.Background(), ScheduleParams{
		ConnectionID: p.ConnectionID,
		UserID:       p.UserID,
		Vendor:       p.Vendor,
		JobType:      TypeIncremental,
		CronSpec:     "every five minutes",
	})
	if apperror.CodeOf(err) != apperror.CodeValidation {
		t.Errorf("error = %v, want VALIDATION_ERROR", err)
	}
}

func TestTickSchedulesEnqueuesDue(t *testing.T) {
	repo := newMockJobRepo()
	schedules := newMockScheduleRepo()
	svc := NewService(repo, schedules, 0, telemetry.NewMetrics(), zerolog.Nop())

	p := baseParams()
	sched, err := svc.Schedule(context.Background(), ScheduleParams{
		ConnectionID: p.ConnectionID,
		UserID:       p.UserID,
		Vendor:       p.Vendor,
		JobType:      TypeIncremental,
		CronSpec:     "*/5 * * * *",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Not due yet.
	n, err := svc.TickSchedules(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("fired %d schedules before their time", n)
	}

	// Jump past the fire time.
	future := sched.NextRunAt.Add(time.Second)
	n, err = svc.TickSchedules(context.Background(), future)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("fired %d schedules, want 1", n)
	}

	jobs, total, err := repo.History(context.Background(), p.ConnectionID, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}
	if jobs[0].Type != TypeIncremental || jobs[0].ScheduleID == nil || *jobs[0].ScheduleID != sched.ID {
		t.Errorf("job = %+v, should come from the schedule", jobs[0])
	}

	stored, _ := schedules.GetByID(context.Background(), sched.ID)
	if stored.NextRunAt == nil || !stored.NextRunAt.After(future) {
		t.Error("next run should advance past the tick")
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]string{
		{StatusPending, StatusQueued},
		{StatusQueued, StatusProcessing},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusQueued},
		{StatusProcessing, StatusRetrying},
		{StatusRetrying, StatusQueued},
		{StatusFailed, StatusRetrying},
	}
	for _, tr := range allowed {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be legal", tr[0], tr[1])
		}
	}
	forbidden := [][2]string{
		{StatusCompleted, StatusQueued},
		{StatusCancelled, StatusQueued},
		{StatusPending, StatusProcessing},
		{StatusQueued, StatusCompleted},
	}
	for _, tr := range forbidden {
		if CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be illegal", tr[0], tr[1])
		}
	}
}

func TestStatsAggregatesWindow(t *testing.T) {
	repo := newMockJobRepo()
	svc := newTestService(repo, 0)

	p := baseParams()
	for i := 0; i < 3; i++ {
		job, err := svc.Enqueue(context.Background(), p)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if i == 0 {
			if err := repo.Finish(context.Background(), job.ID, StatusCompleted, "", "",
				Counters{Processed: 10}, Summary{Created: 10}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}

	stats, err := svc.Stats(context.Background(), p.ConnectionID, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.ByStatus[StatusCompleted] != 1 || stats.ByStatus[StatusQueued] != 2 {
		t.Errorf("byStatus = %v", stats.ByStatus)
	}
	if stats.Active != 2 {
		t.Errorf("active = %d, want 2", stats.Active)
	}
	if stats.Processed != 10 {
		t.Errorf("processed = %d, want 10", stats.Processed)
	}
}

package syncjob

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
	"github.com/medbridge/ehrsync/internal/platform/telemetry"
)

// Service is the queue's front door: validation, backpressure, lifecycle
// commands, and read projections. Workers drain through the Pool.
type Service struct {
	repo      Repository
	schedules ScheduleRepository
	highWater int
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
}

func NewService(repo Repository, schedules ScheduleRepository, highWater int, metrics *telemetry.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		schedules: schedules,
		highWater: highWater,
		metrics:   metrics,
		logger:    logger.With().Str("component", "sync-queue").Logger(),
	}
}

// EnqueueParams describe one requested job.
type EnqueueParams struct {
	ConnectionID uuid.UUID
	UserID       string
	Vendor       string
	Type         string
	Direction    string
	Priority     int
	ResourceType string
	ResourceIDs  []string
	ScheduleID   *uuid.UUID
	Options      Options
}

func (p *EnqueueParams) validate() error {
	if !validTypes[p.Type] {
		return apperror.Validation("unknown job type %q", p.Type)
	}
	if p.Direction == "" {
		p.Direction = DirectionInbound
	}
	if !validDirections[p.Direction] {
		return apperror.Validation("unknown direction %q", p.Direction)
	}
	if p.ConnectionID == uuid.Nil {
		return apperror.Validation("connectionId is required")
	}
	if p.UserID == "" {
		return apperror.Validation("userId is required")
	}
	if p.Vendor == "" {
		return apperror.Validation("vendor is required")
	}
	if p.Type == TypeResource && len(p.ResourceIDs) == 0 {
		return apperror.Validation("RESOURCE jobs need resourceIds")
	}
	if p.Priority == 0 {
		p.Priority = PriorityNormal
	}
	if p.Priority < PriorityCritical || p.Priority > PriorityBackground {
		return apperror.Validation("priority must be between %d and %d", PriorityCritical, PriorityBackground)
	}
	return nil
}

// Enqueue persists the job as PENDING and flips it to QUEUED; both writes
// commit before the id is returned. Beyond the high-water mark the caller
// gets QUEUE_FULL and is expected to back off.
func (s *Service) Enqueue(ctx context.Context, p EnqueueParams) (*Job, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	active, err := s.repo.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	if s.highWater > 0 && active >= s.highWater {
		return nil, apperror.New(apperror.CodeQueueFull, 429,
			"queue depth %d is at the high-water mark", active)
	}

	job := &Job{
		Type:         p.Type,
		Direction:    p.Direction,
		Priority:     p.Priority,
		ConnectionID: p.ConnectionID,
		UserID:       p.UserID,
		Vendor:       p.Vendor,
		ResourceType: p.ResourceType,
		ResourceIDs:  p.ResourceIDs,
		ScheduleID:   p.ScheduleID,
		Options:      p.Options.WithDefaults(),
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := s.repo.MarkQueued(ctx, job.ID); err != nil {
		return nil, err
	}
	job.Status = StatusQueued
	s.metrics.SetQueueDepth(int64(active + 1))
	s.logger.Info().
		Str("job_id", job.ID.String()).
		Str("type", job.Type).
		Int("priority", job.Priority).
		Str("connection_id", job.ConnectionID.String()).
		Msg("job enqueued")
	return job, nil
}

// Cancel stops a job. PENDING and QUEUED jobs cancel immediately;
// a PROCESSING job is flagged and its worker stops at the next safe point.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch job.Status {
	case StatusPending, StatusQueued, StatusRetrying:
		done, err := s.repo.Cancel(ctx, id)
		if err != nil {
			return err
		}
		if !done {
			// Lost the race with a worker; fall through to the flag.
			_, err = s.repo.RequestCancel(ctx, id)
			return err
		}
		return nil
	case StatusProcessing:
		_, err := s.repo.RequestCancel(ctx, id)
		return err
	default:
		return apperror.New(apperror.CodeConflict, 409, "job %s is already %s", id, job.Status)
	}
}

// Retry re-enqueues a FAILED job with its counters reset.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.RetryFailed(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("job_id", id.String()).Msg("job retried manually")
	return nil
}

func (s *Service) Status(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.repo.GetByID(ctx, id)
}

// SetStatusURL stores the vendor's async status endpoint on the job, so a
// reclaimed bulk export resumes polling instead of kicking off again.
func (s *Service) SetStatusURL(ctx context.Context, id uuid.UUID, statusURL string) error {
	return s.repo.SetStatusURL(ctx, id, statusURL)
}

func (s *Service) History(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*Job, int, error) {
	return s.repo.History(ctx, connectionID, limit, offset)
}

func (s *Service) Stats(ctx context.Context, connectionID uuid.UUID, window time.Duration) (*Stats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return s.repo.Stats(ctx, connectionID, window)
}

// cronParser accepts the standard 5-field spec.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ScheduleParams describe a recurring job template.
type ScheduleParams struct {
	ConnectionID uuid.UUID
	UserID       string
	Vendor       string
	JobType      string
	Direction    string
	Priority     int
	ResourceType string
	CronSpec     string
	Options      Options
}

// Schedule registers a recurring descriptor; every tick creates a fresh job
// from it.
func (s *Service) Schedule(ctx context.Context, p ScheduleParams) (*Schedule, error) {
	ep := EnqueueParams{
		ConnectionID: p.ConnectionID, UserID: p.UserID, Vendor: p.Vendor,
		Type: p.JobType, Direction: p.Direction, Priority: p.Priority,
		ResourceType: p.ResourceType, Options: p.Options,
	}
	if err := ep.validate(); err != nil {
		return nil, err
	}
	sched, err := cronParser.Parse(p.CronSpec)
	if err != nil {
		return nil, apperror.Validation("invalid cron spec %q: %v", p.CronSpec, err)
	}

	next := sched.Next(time.Now().UTC())
	schedule := &Schedule{
		ConnectionID: p.ConnectionID,
		UserID:       p.UserID,
		Vendor:       p.Vendor,
		JobType:      ep.Type,
		Direction:    ep.Direction,
		Priority:     ep.Priority,
		ResourceType: p.ResourceType,
		CronSpec:     p.CronSpec,
		Options:      p.Options.WithDefaults(),
		Enabled:      true,
		NextRunAt:    &next,
	}
	if err := s.schedules.Create(ctx, schedule); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("schedule_id", schedule.ID.String()).
		Str("cron", p.CronSpec).
		Time("next_run", next).
		Msg("schedule registered")
	return schedule, nil
}

func (s *Service) ListSchedules(ctx context.Context, connectionID uuid.UUID) ([]*Schedule, error) {
	return s.schedules.List(ctx, connectionID)
}

func (s *Service) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	return s.schedules.Delete(ctx, id)
}

// TickSchedules instantiates a job for every due schedule and stamps the
// next fire time. Only the scheduler leader calls this.
func (s *Service) TickSchedules(ctx context.Context, now time.Time) (int, error) {
	due, err := s.schedules.Due(ctx, now)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, sc := range due {
		_, err := s.Enqueue(ctx, EnqueueParams{
			ConnectionID: sc.ConnectionID,
			UserID:       sc.UserID,
			Vendor:       sc.Vendor,
			Type:         sc.JobType,
			Direction:    sc.Direction,
			Priority:     sc.Priority,
			ResourceType: sc.ResourceType,
			ScheduleID:   &sc.ID,
			Options:      sc.Options,
		})
		if err != nil {
			// A full queue defers the tick; the schedule fires again next
			// round because next_run_at is only stamped on success.
			s.logger.Warn().Err(err).
				Str("schedule_id", sc.ID.String()).
				Msg("schedule tick skipped")
			continue
		}
		spec, perr := cronParser.Parse(sc.CronSpec)
		if perr != nil {
			s.logger.Error().Err(perr).Str("schedule_id", sc.ID.String()).Msg("stored cron spec no longer parses")
			continue
		}
		if err := s.schedules.MarkRun(ctx, sc.ID, now, spec.Next(now)); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

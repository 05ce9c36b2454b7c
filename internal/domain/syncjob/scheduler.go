package syncjob

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/medbridge/ehrsync/internal/domain/connection"
	"github.com/medbridge/ehrsync/internal/platform/db"
)

// schedulerLeaseKey is the advisory lock every instance races for. Exactly
// one process runs the recurring work at a time; the rest idle and retry.
const schedulerLeaseKey int64 = 0x5359_4E43 // "SYNC"

// Housekeeper is the nightly maintenance hook the scheduler fires on the
// configured cleanup schedule.
type Housekeeper interface {
	RunHousekeeping(ctx context.Context)
}

// SchedulerConfig tunes the recurring-work loop.
type SchedulerConfig struct {
	CleanupSchedule string
	TickInterval    time.Duration
	LeaseRetry      time.Duration
}

func (c *SchedulerConfig) applyDefaults() {
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = "0 2 * * *"
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.LeaseRetry <= 0 {
		c.LeaseRetry = 30 * time.Second
	}
}

// Scheduler turns cron specs into queued jobs. It runs on the single
// instance holding the advisory lease: every tick it fires due schedules
// and enqueues incremental jobs for auto-sync connections whose window has
// passed, and once per cleanup schedule it runs housekeeping.
type Scheduler struct {
	pool    *pgxpool.Pool
	jobs    *Service
	conns   *connection.Service
	keeper  Housekeeper
	cfg     SchedulerConfig
	logger  zerolog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	stopped sync.Once
}

func NewScheduler(pool *pgxpool.Pool, jobs *Service, conns *connection.Service,
	keeper Housekeeper, cfg SchedulerConfig, logger zerolog.Logger) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		pool:   pool,
		jobs:   jobs,
		conns:  conns,
		keeper: keeper,
		cfg:    cfg,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start races for the lease in the background and runs the loop while it
// holds it. Safe to call on every instance.
func (s *Scheduler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.leaseLoop(ctx)
}

func (s *Scheduler) Stop() {
	s.stopped.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.done != nil {
			<-s.done
		}
	})
}

func (s *Scheduler) leaseLoop(ctx context.Context) {
	defer close(s.done)
	for {
		lease, ok, err := db.TryLease(ctx, s.pool, schedulerLeaseKey)
		if err != nil {
			s.logger.Error().Err(err).Msg("scheduler lease attempt failed")
		} else if ok {
			s.logger.Info().Msg("scheduler lease acquired")
			s.runAsLeader(ctx)
			releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			lease.Release(releaseCtx)
			releaseCancel()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.LeaseRetry):
		}
	}
}

// runAsLeader blocks until the context ends, driving the cron entries.
func (s *Scheduler) runAsLeader(ctx context.Context) {
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(s.cfg.CleanupSchedule, func() { s.runHousekeeping(ctx) }); err != nil {
		s.logger.Error().Err(err).Str("schedule", s.cfg.CleanupSchedule).
			Msg("invalid cleanup schedule, housekeeping disabled")
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now.UTC())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if n, err := s.jobs.TickSchedules(ctx, now); err != nil {
		s.logger.Error().Err(err).Msg("schedule tick failed")
	} else if n > 0 {
		s.logger.Info().Int("enqueued", n).Msg("fired due schedules")
	}
	s.autoSync(ctx, now)
}

// autoSync enqueues one incremental job per connection whose auto-sync
// window has passed. Duplicate submissions are harmless: the queue
// serializes per connection and RecordSync pushes the window forward.
func (s *Scheduler) autoSync(ctx context.Context, now time.Time) {
	due, err := s.conns.DueForAutoSync(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("auto-sync scan failed")
		return
	}
	for _, conn := range due {
		_, err := s.jobs.Enqueue(ctx, EnqueueParams{
			Type:         TypeIncremental,
			Direction:    DirectionInbound,
			Priority:     PriorityNormal,
			ConnectionID: conn.ID,
			UserID:       conn.UserID,
			Vendor:       conn.Vendor,
		})
		if err != nil {
			s.logger.Warn().Err(err).
				Str("connection_id", conn.ID.String()).
				Msg("auto-sync enqueue failed")
		}
	}
	if len(due) > 0 {
		s.logger.Info().Int("connections", len(due)).Msg("auto-sync pass complete")
	}
}

func (s *Scheduler) runHousekeeping(ctx context.Context) {
	if s.keeper == nil {
		return
	}
	started := time.Now()
	s.keeper.RunHousekeeping(ctx)
	s.logger.Info().Dur("took", time.Since(started)).Msg("housekeeping complete")
}

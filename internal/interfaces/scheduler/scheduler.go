package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ScheduleTime is a time of day at which the sweep runs.
type ScheduleTime struct {
	Hour   int
	Minute int
}

// String returns the time in HH:MM format.
func (st ScheduleTime) String() string {
	return fmt.Sprintf("%02d:%02d", st.Hour, st.Minute)
}

// ParseScheduleTime parses a time string in HH:MM format.
func ParseScheduleTime(s string) (ScheduleTime, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return ScheduleTime{}, fmt.Errorf("invalid time format (expected HH:MM): %w", err)
	}

	if hour < 0 || hour > 23 {
		return ScheduleTime{}, fmt.Errorf("invalid hour: %d (must be 0-23)", hour)
	}
	if minute < 0 || minute > 59 {
		return ScheduleTime{}, fmt.Errorf("invalid minute: %d (must be 0-59)", minute)
	}

	return ScheduleTime{Hour: hour, Minute: minute}, nil
}

// Config holds configuration for the scheduler.
type Config struct {
	ScheduleTimes []string
	RunOnStartup  bool
	// JobProvider lists the jobs of one sweep, typically one per active item.
	JobProvider func(context.Context) ([]Job, error)
	// BackfillJob, when set, is submitted every BackfillInterval.
	BackfillJob      Job
	BackfillInterval time.Duration
}

// Scheduler submits a sweep of jobs to the pool at fixed times of day, and
// the categorization backfill on an interval. It does not own the pool.
type Scheduler struct {
	pool          *WorkerPool
	scheduleTimes []ScheduleTime
	cfg           Config
	logger        *slog.Logger
	now           func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun string
}

func NewScheduler(pool *WorkerPool, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	scheduleTimes := make([]ScheduleTime, 0, len(cfg.ScheduleTimes))
	for _, timeStr := range cfg.ScheduleTimes {
		st, err := ParseScheduleTime(timeStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse schedule time %q: %w", timeStr, err)
		}
		scheduleTimes = append(scheduleTimes, st)
	}

	if len(scheduleTimes) == 0 {
		return nil, fmt.Errorf("at least one schedule time is required")
	}
	if cfg.JobProvider == nil {
		return nil, fmt.Errorf("job provider is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		pool:          pool,
		scheduleTimes: scheduleTimes,
		cfg:           cfg,
		logger:        logger.With("component", "scheduler"),
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

func (s *Scheduler) Start() {
	s.logger.Info("starting scheduler",
		"schedule_times", s.cfg.ScheduleTimes,
		"backfill_interval", s.cfg.BackfillInterval,
		"next_run", s.NextScheduledTime())

	if s.cfg.RunOnStartup {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runSweep()
		}()
	}

	s.wg.Add(1)
	go s.scheduleLoop()

	if s.cfg.BackfillJob != nil && s.cfg.BackfillInterval > 0 {
		s.wg.Add(1)
		go s.backfillLoop()
	}
}

func (s *Scheduler) scheduleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if s.shouldRun(now) {
				s.logger.Info("scheduled sweep triggered", "at", now.Format("15:04"))
				s.runSweep()
			}
		}
	}
}

func (s *Scheduler) backfillLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.BackfillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.pool.Submit(s.cfg.BackfillJob); err != nil {
				s.logger.Warn("failed to submit backfill job", "error", err)
			}
		}
	}
}

// shouldRun reports whether now matches a schedule time not yet run this minute.
func (s *Scheduler) shouldRun(now time.Time) bool {
	key := now.Format("2006-01-02 15:04")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastRun == key {
		return false
	}
	for _, st := range s.scheduleTimes {
		if now.Hour() == st.Hour && now.Minute() == st.Minute {
			s.lastRun = key
			return true
		}
	}
	return false
}

// runSweep lists jobs and submits them. Items resume from their last
// committed cursor, so a sweep also retries passes that failed earlier.
func (s *Scheduler) runSweep() int {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	jobs, err := s.cfg.JobProvider(ctx)
	if err != nil {
		s.logger.Error("failed to fetch jobs", "error", err)
		return 0
	}
	if len(jobs) == 0 {
		s.logger.Info("no jobs to process")
		return 0
	}
	return s.pool.SubmitBatch(jobs)
}

// TriggerNow runs a sweep immediately in the background.
func (s *Scheduler) TriggerNow() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSweep()
	}()
}

// Shutdown stops the loops. The pool is shut down by its owner.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
	case <-time.After(timeout):
		s.logger.Warn("timeout waiting for scheduler loops to stop")
	}
}

// NextScheduledTime returns the next scheduled sweep.
func (s *Scheduler) NextScheduledTime() time.Time {
	now := s.now()

	var next time.Time
	for _, st := range s.scheduleTimes {
		candidate := time.Date(now.Year(), now.Month(), now.Day(), st.Hour, st.Minute, 0, 0, now.Location())
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		if next.IsZero() || candidate.Before(next) {
			next = candidate
		}
	}
	return next
}

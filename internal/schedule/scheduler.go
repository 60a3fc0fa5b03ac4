// Package schedule runs the runtime's periodic jobs (intent collection,
// dispatch, review expiry) on cron expressions.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one periodic duty. Run errors are logged, never fatal to the loop.
type Job struct {
	Name     string
	CronExpr string
	Run      func(ctx context.Context) error

	next time.Time
}

// Scheduler ticks at a fixed interval and fires jobs whose cron schedule is
// due. One slow job delays later jobs in the same tick, not the next tick's
// due computation.
type Scheduler struct {
	jobs     []*Job
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{interval: interval, logger: logger}
}

// AddJob registers a job. Must be called before Start.
func (s *Scheduler) AddJob(name, cronExpr string, run func(ctx context.Context) error) error {
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return fmt.Errorf("job %s: parse cron %q: %w", name, cronExpr, err)
	}
	s.jobs = append(s.jobs, &Job{Name: name, CronExpr: cronExpr, Run: run})
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	now := time.Now()
	for _, job := range s.jobs {
		next, err := NextRunTime(job.CronExpr, now)
		if err != nil {
			s.logger.Error("schedule: invalid cron expression", "job", job.Name, "error", err)
			continue
		}
		job.next = next
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "jobs", len(s.jobs), "interval", s.interval)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick fires every job that is due at now and advances its next run time.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	for _, job := range s.jobs {
		if job.next.IsZero() || job.next.After(now) {
			continue
		}
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			s.logger.Error("scheduled job failed", "job", job.Name, "error", err)
		} else {
			s.logger.Debug("scheduled job ran", "job", job.Name, "duration", time.Since(start))
		}
		next, err := NextRunTime(job.CronExpr, now)
		if err != nil {
			s.logger.Error("schedule: next run computation failed", "job", job.Name, "error", err)
			continue
		}
		job.next = next
	}
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

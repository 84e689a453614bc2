package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/pausepoint/internal/clock"
	"github.com/thebtf/pausepoint/internal/outcome"
)

const (
	// JobAttempts is how many times a failing job runs before giving up
	// until its next scheduled slot.
	JobAttempts = 3

	DefaultBackoff = 2 * time.Second
)

// OutcomeSweeper runs the delayed outcome collection. *outcome.Tracker
// implements it.
type OutcomeSweeper interface {
	SweepAll(ctx context.Context) ([]outcome.SweepResult, int, error)
	ResetAttempts(ctx context.Context) (int64, error)
}

// DayAggregator rebuilds daily_stats rows.
type DayAggregator interface {
	AggregateDay(ctx context.Context, day time.Time) (int, error)
}

// Pruner deletes rows older than a cutoff.
type Pruner interface {
	DeleteBefore(ctx context.Context, t time.Time) (int64, error)
}

// Schedules are cron specs for the background jobs. An empty spec disables
// the job.
type Schedules struct {
	Sweep     string
	Aggregate string
	Cleanup   string
}

// SchedulerDeps are the collaborators of a Scheduler.
type SchedulerDeps struct {
	Sweeper   OutcomeSweeper
	Stats     DayAggregator
	Pruners   map[string]Pruner
	Retention time.Duration
	Metrics   *Metrics
	Clock     clock.Clock
	Backoff   time.Duration
}

// Scheduler runs outcome sweeps, daily aggregation and retention cleanup
// on cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	d      SchedulerDeps
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler registers the jobs named in sched.
func NewScheduler(d SchedulerDeps, sched Schedules) (*Scheduler, error) {
	if d.Sweeper == nil {
		return nil, errors.New("scheduler: outcome sweeper is required")
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Backoff <= 0 {
		d.Backoff = DefaultBackoff
	}

	logger := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		d:      d,
		ctx:    ctx,
		cancel: cancel,
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"sweep", sched.Sweep, s.RunSweep},
		{"aggregate", sched.Aggregate, s.RunAggregate},
		{"cleanup", sched.Cleanup, s.RunCleanup},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		run := j.run
		name := j.name
		if _, err := s.cron.AddFunc(j.spec, func() { _ = s.runJob(s.ctx, name, run) }); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s job %q: %w", name, j.spec, err)
		}
	}
	return s, nil
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info().Msg("Scheduler stopped")
}

// RunNow runs every job once in order: sweep, aggregate, cleanup.
func (s *Scheduler) RunNow(ctx context.Context) error {
	var errs []error
	for _, j := range []struct {
		name string
		run  func(context.Context) error
	}{
		{"sweep", s.RunSweep},
		{"aggregate", s.RunAggregate},
		{"cleanup", s.RunCleanup},
	} {
		if err := s.runJob(ctx, j.name, j.run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// runJob retries run with doubling backoff and records the result.
func (s *Scheduler) runJob(ctx context.Context, name string, run func(context.Context) error) error {
	started := time.Now()
	wait := s.d.Backoff
	var err error
	for attempt := 1; attempt <= JobAttempts; attempt++ {
		if err = run(ctx); err == nil {
			break
		}
		log.Warn().Err(err).Str("job", name).Int("attempt", attempt).Msg("Scheduled job failed")
		if attempt == JobAttempts {
			break
		}
		select {
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
			attempt = JobAttempts
		case <-time.After(wait):
			wait *= 2
		}
	}
	if s.d.Metrics != nil {
		s.d.Metrics.ObserveJob(name, time.Since(started), err)
	}
	if err != nil {
		log.Error().Err(err).Str("job", name).Msg("Scheduled job gave up until next run")
		return fmt.Errorf("%s job: %w", name, err)
	}
	return nil
}

// RunSweep collects due outcome stages and finalizes rewards.
func (s *Scheduler) RunSweep(ctx context.Context) error {
	results, finalized, err := s.d.Sweeper.SweepAll(ctx)
	if s.d.Metrics != nil {
		s.d.Metrics.ObserveSweep(results, finalized)
	}
	if err != nil {
		return err
	}
	ev := log.Debug().Int("finalized", finalized)
	for _, r := range results {
		ev = ev.Int(string(r.Stage), r.Collected)
	}
	ev.Msg("Outcome sweep completed")
	return nil
}

// RunAggregate rebuilds yesterday's and today's daily stats, then clears
// sweep attempt counters so rows that ran out of retries get another day.
func (s *Scheduler) RunAggregate(ctx context.Context) error {
	if s.d.Stats != nil {
		now := s.d.Clock.Now()
		for _, day := range []time.Time{now.AddDate(0, 0, -1), now} {
			n, err := s.d.Stats.AggregateDay(ctx, day)
			if err != nil {
				return fmt.Errorf("aggregate %s: %w", day.Format(time.DateOnly), err)
			}
			log.Debug().Str("day", day.Format(time.DateOnly)).Int("rows", n).Msg("Daily stats aggregated")
		}
	}
	n, err := s.d.Sweeper.ResetAttempts(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info().Int64("rows", n).Msg("Sweep attempts reset")
	}
	return nil
}

// RunCleanup deletes rows older than the retention window.
func (s *Scheduler) RunCleanup(ctx context.Context) error {
	if s.d.Retention <= 0 || len(s.d.Pruners) == 0 {
		return nil
	}
	cutoff := s.d.Clock.Now().Add(-s.d.Retention)
	var errs []error
	for name, p := range s.d.Pruners {
		n, err := p.DeleteBefore(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune %s: %w", name, err))
			continue
		}
		if n > 0 {
			log.Info().Str("table", name).Int64("rows", n).Time("before", cutoff).Msg("Old rows deleted")
		}
	}
	return errors.Join(errs...)
}

// cronLogger routes cron's own messages through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

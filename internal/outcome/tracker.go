// Package outcome collects staged observations of shown interventions and
// turns them into rewards.
package outcome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/pausepoint/internal/clock"
	"github.com/thebtf/pausepoint/pkg/models"
)

const (
	ShortWindow = 30 * time.Minute
	LongWindow  = 7 * 24 * time.Hour
	MaxWait     = 30 * 24 * time.Hour

	DefaultMaxAttempts = 3
)

// Store persists outcome rows. Stage updates are conditional on the
// stage flag still being false and report whether a row changed.
type Store interface {
	InsertOutcome(ctx context.Context, o models.ComprehensiveOutcome) error
	GetOutcome(ctx context.Context, interventionID string) (models.ComprehensiveOutcome, error)
	SetProximal(ctx context.Context, r models.ProximalResponse) (bool, error)
	DueForStage(ctx context.Context, stage models.Stage, shownAfter, shownBefore time.Time, maxAttempts int) ([]models.ComprehensiveOutcome, error)
	SetStage(ctx context.Context, o models.ComprehensiveOutcome, stage models.Stage) (bool, error)
	RecordSweepFailure(ctx context.Context, interventionID string, cause string) error
	PendingRewards(ctx context.Context, maxAttempts int) ([]models.ComprehensiveOutcome, error)
	SetReward(ctx context.Context, interventionID string, reward *float64) (bool, error)
	ResetSweepAttempts(ctx context.Context) (int64, error)
}

// UsageSource answers usage questions from the session log.
type UsageSource interface {
	// NextSessionStart returns the first session of app starting after t.
	NextSessionStart(ctx context.Context, appID string, after time.Time) (time.Time, bool, error)
	// UsageBetween sums session duration of app within [from, to).
	UsageBetween(ctx context.Context, appID string, from, to time.Time) (time.Duration, error)
}

// GoalSource returns the configured daily goal of an app, 0 when none.
type GoalSource func(appID string) time.Duration

// RewardSink receives finalized rewards. Sinks must tolerate repeats.
type RewardSink interface {
	ApplyReward(ctx context.Context, o models.ComprehensiveOutcome, reward float64) error
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Stage     models.Stage `json:"stage"`
	Due       int          `json:"due"`
	Collected int          `json:"collected"`
	Skipped   int          `json:"skipped"`
	Failed    int          `json:"failed"`
}

// Tracker records proximal responses and runs the delayed stage sweeps.
type Tracker struct {
	store       Store
	usage       UsageSource
	goals       GoalSource
	sinks       []RewardSink
	clock       clock.Clock
	maxAttempts int
}

func NewTracker(store Store, usage UsageSource, goals GoalSource, sinks ...RewardSink) *Tracker {
	if goals == nil {
		goals = func(string) time.Duration { return 0 }
	}
	return &Tracker{
		store:       store,
		usage:       usage,
		goals:       goals,
		sinks:       sinks,
		clock:       clock.System{},
		maxAttempts: DefaultMaxAttempts,
	}
}

// WithClock overrides the wall clock.
func (t *Tracker) WithClock(c clock.Clock) *Tracker {
	t.clock = c
	return t
}

// AddSink registers another reward consumer.
func (t *Tracker) AddSink(s RewardSink) {
	t.sinks = append(t.sinks, s)
}

// RecordShown creates the outcome row for a shown intervention.
func (t *Tracker) RecordShown(ctx context.Context, iv models.Intervention) error {
	o := models.ComprehensiveOutcome{
		InterventionID: iv.ID,
		SessionID:      iv.SessionID,
		AppID:          iv.AppID,
		ContentType:    iv.ContentType,
		ContextBucket:  iv.ContextBucket,
		ShownAt:        iv.ShownAt,
	}
	if err := t.store.InsertOutcome(ctx, o); err != nil {
		return fmt.Errorf("record shown %s: %w", iv.ID, err)
	}
	return nil
}

// RecordProximal stores the immediate response. A second response for the
// same intervention returns ErrDuplicateOutcome.
func (t *Tracker) RecordProximal(ctx context.Context, r models.ProximalResponse) error {
	if !r.Response.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidResponse, r.Response)
	}
	if r.RespondedAt.IsZero() {
		r.RespondedAt = t.clock.Now()
	}
	updated, err := t.store.SetProximal(ctx, r)
	if err != nil {
		return fmt.Errorf("record proximal %s: %w", r.InterventionID, err)
	}
	if !updated {
		if _, err := t.store.GetOutcome(ctx, r.InterventionID); err != nil {
			return fmt.Errorf("record proximal %s: %w", r.InterventionID, err)
		}
		return fmt.Errorf("record proximal %s: %w", r.InterventionID, models.ErrDuplicateOutcome)
	}
	return nil
}

// dueBefore returns the latest ShownAt for which stage is due at now.
func dueBefore(stage models.Stage, now time.Time) time.Time {
	switch stage {
	case models.StageShort:
		return now.Add(-ShortWindow)
	case models.StageMedium:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	case models.StageLong:
		return now.Add(-LongWindow)
	}
	return now
}

// endOfDay is the first instant of the day after t, in t's location.
func endOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

// SweepShort collects reopen behavior 30 minutes after each intervention.
func (t *Tracker) SweepShort(ctx context.Context) (SweepResult, error) {
	return t.sweep(ctx, models.StageShort, func(ctx context.Context, o *models.ComprehensiveOutcome) error {
		next, ok, err := t.usage.NextSessionStart(ctx, o.AppID, o.ShownAt)
		if err != nil {
			return err
		}
		if ok && next.Sub(o.ShownAt) <= ShortWindow {
			o.Short = models.ShortTermResult{
				ReopenedWithin30m:  true,
				MinutesUntilReopen: int(next.Sub(o.ShownAt).Minutes()),
			}
		} else {
			o.Short = models.ShortTermResult{}
		}
		return nil
	})
}

// SweepMedium collects usage for the rest of the intervention's day.
func (t *Tracker) SweepMedium(ctx context.Context) (SweepResult, error) {
	return t.sweep(ctx, models.StageMedium, func(ctx context.Context, o *models.ComprehensiveOutcome) error {
		local := o.ShownAt.In(t.clock.Now().Location())
		eod := endOfDay(local)
		rest, err := t.usage.UsageBetween(ctx, o.AppID, o.ShownAt, eod)
		if err != nil {
			return err
		}
		o.Medium = models.MediumTermResult{UsageRestOfDay: rest}
		if goal := t.goals(o.AppID); goal > 0 {
			y, m, d := local.Date()
			day, err := t.usage.UsageBetween(ctx, o.AppID, time.Date(y, m, d, 0, 0, 0, 0, local.Location()), eod)
			if err != nil {
				return err
			}
			o.Medium.GoalMetToday = day <= goal
		}
		return nil
	})
}

// SweepLong compares weekly usage before and after each intervention.
func (t *Tracker) SweepLong(ctx context.Context) (SweepResult, error) {
	return t.sweep(ctx, models.StageLong, func(ctx context.Context, o *models.ComprehensiveOutcome) error {
		before, err := t.usage.UsageBetween(ctx, o.AppID, o.ShownAt.Add(-LongWindow), o.ShownAt)
		if err != nil {
			return err
		}
		after, err := t.usage.UsageBetween(ctx, o.AppID, o.ShownAt, o.ShownAt.Add(LongWindow))
		if err != nil {
			return err
		}
		o.Long = models.LongTermResult{WeeklyUsageBefore: before, WeeklyUsageAfter: after}
		if before > 0 {
			o.Long.UsageChangePct = (float64(after) - float64(before)) / float64(before) * 100
		}
		return nil
	})
}

func (t *Tracker) sweep(ctx context.Context, stage models.Stage, collect func(context.Context, *models.ComprehensiveOutcome) error) (SweepResult, error) {
	now := t.clock.Now()
	res := SweepResult{Stage: stage}

	rows, err := t.store.DueForStage(ctx, stage, now.Add(-MaxWait), dueBefore(stage, now), t.maxAttempts)
	if err != nil {
		return res, fmt.Errorf("sweep %s: %w", stage, err)
	}
	res.Due = len(rows)

	for i := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		o := rows[i]
		if err := collect(ctx, &o); err != nil {
			res.Failed++
			t.recordFailure(ctx, o.InterventionID, fmt.Errorf("collect %s: %w", stage, err))
			continue
		}
		updated, err := t.store.SetStage(ctx, o, stage)
		if err != nil {
			res.Failed++
			t.recordFailure(ctx, o.InterventionID, fmt.Errorf("store %s: %w", stage, err))
			continue
		}
		if !updated {
			res.Skipped++
			continue
		}
		res.Collected++
	}

	if res.Due > 0 {
		log.Info().Str("stage", string(stage)).Int("due", res.Due).Int("collected", res.Collected).Int("failed", res.Failed).Msg("Outcome sweep finished")
	}
	return res, nil
}

func (t *Tracker) recordFailure(ctx context.Context, id string, cause error) {
	log.Warn().Err(cause).Str("intervention", id).Msg("Outcome sweep failed for row")
	if err := t.store.RecordSweepFailure(ctx, id, cause.Error()); err != nil {
		log.Warn().Err(err).Str("intervention", id).Msg("Failed to record sweep failure")
	}
}

// ready reports whether every stage is in or the row has waited long enough.
func ready(o models.ComprehensiveOutcome, now time.Time) bool {
	if now.Sub(o.ShownAt) >= MaxWait {
		return true
	}
	return o.ProximalCollected && o.ShortCollected && o.MediumCollected && o.LongCollected
}

// FinalizeRewards computes and distributes rewards for completed rows.
// It returns how many rows were finalized.
func (t *Tracker) FinalizeRewards(ctx context.Context) (int, error) {
	now := t.clock.Now()
	rows, err := t.store.PendingRewards(ctx, t.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("pending rewards: %w", err)
	}

	var done int
	for _, o := range rows {
		if !ready(o, now) {
			continue
		}
		reward, ok := Reward(o, t.goals(o.AppID))
		if !ok {
			// Nothing was ever observed; close the row without a reward.
			if _, err := t.store.SetReward(ctx, o.InterventionID, nil); err != nil {
				t.recordFailure(ctx, o.InterventionID, err)
			}
			continue
		}

		var sinkErr error
		for _, s := range t.sinks {
			if err := s.ApplyReward(ctx, o, reward); err != nil {
				sinkErr = errors.Join(sinkErr, err)
			}
		}
		if sinkErr != nil {
			t.recordFailure(ctx, o.InterventionID, fmt.Errorf("apply reward: %w", sinkErr))
			continue
		}

		updated, err := t.store.SetReward(ctx, o.InterventionID, &reward)
		if err != nil {
			t.recordFailure(ctx, o.InterventionID, fmt.Errorf("store reward: %w", err))
			continue
		}
		if updated {
			done++
		}
	}
	if done > 0 {
		log.Info().Int("finalized", done).Msg("Intervention rewards applied")
	}
	return done, nil
}

// SweepAll runs every stage sweep concurrently, then finalizes rewards.
func (t *Tracker) SweepAll(ctx context.Context) ([]SweepResult, int, error) {
	sweeps := []func(context.Context) (SweepResult, error){t.SweepShort, t.SweepMedium, t.SweepLong}
	results := make([]SweepResult, len(sweeps))

	g, gctx := errgroup.WithContext(ctx)
	for i, sweep := range sweeps {
		g.Go(func() error {
			res, err := sweep(gctx)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, 0, err
	}

	n, err := t.FinalizeRewards(ctx)
	return results, n, err
}

// ResetAttempts clears sweep attempt counters so failed rows are retried.
func (t *Tracker) ResetAttempts(ctx context.Context) (int64, error) {
	n, err := t.store.ResetSweepAttempts(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset sweep attempts: %w", err)
	}
	return n, nil
}

package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/pausepoint/pkg/models"
)

// BuildContext snapshots everything the scorer, classifier and gate read.
// Store failures degrade to partial history rather than blocking the
// decision.
func (e *Engine) BuildContext(ctx context.Context, s models.Session, trigger models.Trigger, at time.Time) models.InterventionContext {
	goal := e.d.Apps.Goal(s.AppID)
	hour := at.Hour()
	c := models.InterventionContext{
		Timestamp:              at,
		AppID:                  s.AppID,
		SessionID:              s.ID,
		Trigger:                trigger,
		Hour:                   hour,
		DayOfWeek:              at.Weekday(),
		IsWeekend:              at.Weekday() == time.Saturday || at.Weekday() == time.Sunday,
		IsLateNight:            models.IsLateNightHour(hour),
		CurrentSessionDuration: s.Duration,
		DailyGoal:              goal,
		LockedMode:             e.d.Apps.Locked(s.AppID),
	}

	dayStart := startOfDay(at)
	today, err := e.d.Usage.SessionsBetween(ctx, s.AppID, dayStart, at)
	if err != nil {
		log.Warn().Err(err).Str("app", s.AppID).Msg("Failed to load today's sessions")
	}
	usage := s.Duration
	count := 1
	seen := map[string]bool{s.ID: true}
	for _, prev := range append(today, e.endedBetween(s.AppID, dayStart, at)...) {
		if seen[prev.ID] {
			continue
		}
		seen[prev.ID] = true
		usage += prev.Duration
		count++
	}
	c.UsageToday = usage
	c.SessionCountToday = count
	c.GoalState = models.GoalStateFor(usage, goal)
	c.IsRapidReopen = e.isRapidReopen(ctx, s)

	h, err := e.d.Usage.History(ctx, s.AppID, at, goal)
	if err != nil {
		log.Warn().Err(err).Str("app", s.AppID).Msg("Failed to load usage history")
	}
	if e.d.Interventions != nil {
		st, err := e.d.Interventions.InterventionStats(ctx, s.AppID, hour, at)
		if err != nil {
			log.Warn().Err(err).Str("app", s.AppID).Msg("Failed to load intervention stats")
		} else {
			st.Apply(&h)
		}
	}
	c.History = h
	return c
}

// isRapidReopen reports whether s started within the rapid-reopen window of
// the previous session of the same app. The controller's memory is used
// first; after a restart the store answers.
func (e *Engine) isRapidReopen(ctx context.Context, s models.Session) bool {
	ended, ok := e.ctrl.LastEnded(s.AppID)
	if !ok {
		prev, err := e.d.Usage.LastEnded(ctx, s.AppID)
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				log.Warn().Err(err).Str("app", s.AppID).Msg("Failed to load previous session")
			}
			return false
		}
		ended = prev.EndedAt
	}
	gap := s.StartedAt.Sub(ended)
	return gap >= 0 && gap < e.d.RapidReopen
}

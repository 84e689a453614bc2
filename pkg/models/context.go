package models

import "time"

// GoalState describes today's usage relative to the app's daily goal.
type GoalState string

const (
	GoalStateNone     GoalState = "no_goal"
	GoalStateUnder    GoalState = "under"
	GoalStateNear     GoalState = "near"
	GoalStateExceeded GoalState = "exceeded"
)

// Trigger identifies which session event asked for a decision.
type Trigger string

const (
	TriggerSessionStart Trigger = "session_start"
	TriggerTimerAlert   Trigger = "timer_alert"
)

// TimeOfDay is a coarse bucket used for context partitioning.
type TimeOfDay string

const (
	TimeOfDayMorning   TimeOfDay = "morning"
	TimeOfDayAfternoon TimeOfDay = "afternoon"
	TimeOfDayEvening   TimeOfDay = "evening"
	TimeOfDayNight     TimeOfDay = "night"
)

// TimeOfDayFor maps an hour (0-23) to its bucket.
func TimeOfDayFor(hour int) TimeOfDay {
	switch {
	case hour >= 6 && hour < 12:
		return TimeOfDayMorning
	case hour >= 12 && hour < 18:
		return TimeOfDayAfternoon
	case hour >= 18 && hour < 22:
		return TimeOfDayEvening
	default:
		return TimeOfDayNight
	}
}

// IsLateNightHour reports whether hour falls in the 22:00-05:59 window.
func IsLateNightHour(hour int) bool {
	return hour >= 22 || hour < 6
}

// InterventionContext is the immutable snapshot taken at decision time.
// It is consumed read-only by the scorer, classifier and gate.
type InterventionContext struct {
	Timestamp time.Time `json:"timestamp"`
	AppID     string    `json:"app_id"`
	SessionID string    `json:"session_id"`
	Trigger   Trigger   `json:"trigger"`

	Hour        int          `json:"hour"`
	DayOfWeek   time.Weekday `json:"day_of_week"`
	IsWeekend   bool         `json:"is_weekend"`
	IsLateNight bool         `json:"is_late_night"`

	SessionCountToday      int           `json:"session_count_today"`
	IsRapidReopen          bool          `json:"is_rapid_reopen"`
	CurrentSessionDuration time.Duration `json:"current_session_duration"`

	UsageToday time.Duration `json:"usage_today"`
	DailyGoal  time.Duration `json:"daily_goal"`
	GoalState  GoalState     `json:"goal_state"`
	LockedMode bool          `json:"locked_mode"`

	History HistoryAggregates `json:"history"`
}

// TimeOfDay returns the coarse bucket for the snapshot hour.
func (c InterventionContext) TimeOfDay() TimeOfDay {
	return TimeOfDayFor(c.Hour)
}

// GoalRatio returns usage today divided by the daily goal, or 0 without a goal.
func (c InterventionContext) GoalRatio() float64 {
	if c.DailyGoal <= 0 {
		return 0
	}
	return float64(c.UsageToday) / float64(c.DailyGoal)
}

// HistoryAggregates are rolling historical statistics feeding the context.
type HistoryAggregates struct {
	DaysOfHistory           int           `json:"days_of_history"`
	AvgSessionDuration7d    time.Duration `json:"avg_session_duration_7d"`
	AvgDailyUsage7d         time.Duration `json:"avg_daily_usage_7d"`
	AvgSessionsPerDay7d     float64       `json:"avg_sessions_per_day_7d"`
	LateNightSessionRatio7d float64       `json:"late_night_session_ratio_7d"`
	GoalExceededDays7d      int           `json:"goal_exceeded_days_7d"`
	StreakDays              int           `json:"streak_days"`
	InterventionsShown7d    int           `json:"interventions_shown_7d"`
	GoBackRate7d            float64       `json:"go_back_rate_7d"`

	// HistoricalSuccessRate is the go-back rate for this app and hour bucket.
	HistoricalSuccessRate    float64 `json:"historical_success_rate"`
	HistoricalSuccessSamples int     `json:"historical_success_samples"`
}

// InterventionStats are outcome-derived history aggregates for one app.
type InterventionStats struct {
	Shown7d           int     `json:"shown_7d"`
	GoBackRate7d      float64 `json:"go_back_rate_7d"`
	HourSuccessRate   float64 `json:"hour_success_rate"`
	HourSuccessSample int     `json:"hour_success_sample"`
}

// Apply copies the stats into h.
func (s InterventionStats) Apply(h *HistoryAggregates) {
	h.InterventionsShown7d = s.Shown7d
	h.GoBackRate7d = s.GoBackRate7d
	h.HistoricalSuccessRate = s.HourSuccessRate
	h.HistoricalSuccessSamples = s.HourSuccessSample
}

// GoalStateFor derives the goal state from usage and goal.
func GoalStateFor(usage, goal time.Duration) GoalState {
	if goal <= 0 {
		return GoalStateNone
	}
	ratio := float64(usage) / float64(goal)
	switch {
	case ratio >= 1:
		return GoalStateExceeded
	case ratio >= 0.8:
		return GoalStateNear
	default:
		return GoalStateUnder
	}
}

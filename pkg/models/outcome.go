package models

import "time"

// UserResponse is the user's reaction to a shown intervention.
type UserResponse string

const (
	ResponseGoBack   UserResponse = "go_back"
	ResponseContinue UserResponse = "continue"
	ResponseSnooze   UserResponse = "snooze"
	ResponseDismiss  UserResponse = "dismiss"
	ResponseTimeout  UserResponse = "timeout"
)

// Valid reports whether r is a known response.
func (r UserResponse) Valid() bool {
	switch r {
	case ResponseGoBack, ResponseContinue, ResponseSnooze, ResponseDismiss, ResponseTimeout:
		return true
	}
	return false
}

// Feedback is optional explicit helpfulness feedback.
type Feedback string

const (
	FeedbackNone      Feedback = ""
	FeedbackHelpful   Feedback = "helpful"
	FeedbackUnhelpful Feedback = "unhelpful"
)

// Stage is one of the four outcome observation horizons.
type Stage string

const (
	StageProximal Stage = "proximal"
	StageShort    Stage = "short"
	StageMedium   Stage = "medium"
	StageLong     Stage = "long"
)

// AllStages lists stages from nearest to furthest horizon.
var AllStages = []Stage{StageProximal, StageShort, StageMedium, StageLong}

// ProximalResponse is the presentation layer's report for one intervention.
type ProximalResponse struct {
	InterventionID string        `json:"intervention_id"`
	Response       UserResponse  `json:"response"`
	Latency        time.Duration `json:"latency"`
	Feedback       Feedback      `json:"feedback,omitempty"`
	RespondedAt    time.Time     `json:"responded_at"`
}

// ShortTermResult is collected ~30 minutes after the intervention.
type ShortTermResult struct {
	ReopenedWithin30m  bool `json:"reopened_within_30m"`
	MinutesUntilReopen int  `json:"minutes_until_reopen"`
}

// MediumTermResult is collected at the end of the intervention's day.
type MediumTermResult struct {
	UsageRestOfDay time.Duration `json:"usage_rest_of_day"`
	GoalMetToday   bool          `json:"goal_met_today"`
}

// LongTermResult compares weekly usage before and after the intervention.
type LongTermResult struct {
	WeeklyUsageBefore time.Duration `json:"weekly_usage_before"`
	WeeklyUsageAfter  time.Duration `json:"weekly_usage_after"`
	UsageChangePct    float64       `json:"usage_change_pct"`
}

// ComprehensiveOutcome is the staged effect record of one shown intervention.
type ComprehensiveOutcome struct {
	InterventionID string      `json:"intervention_id"`
	SessionID      string      `json:"session_id"`
	AppID          string      `json:"app_id"`
	ContentType    ContentType `json:"content_type"`
	ContextBucket  string      `json:"context_bucket"`
	ShownAt        time.Time   `json:"shown_at"`

	Response        UserResponse  `json:"response"`
	ResponseLatency time.Duration `json:"response_latency"`
	Feedback        Feedback      `json:"feedback,omitempty"`

	Short  ShortTermResult  `json:"short"`
	Medium MediumTermResult `json:"medium"`
	Long   LongTermResult   `json:"long"`

	ProximalCollected bool `json:"proximal_collected"`
	ShortCollected    bool `json:"short_collected"`
	MediumCollected   bool `json:"medium_collected"`
	LongCollected     bool `json:"long_collected"`

	RewardScore   *float64 `json:"reward_score,omitempty"`
	RewardApplied bool     `json:"reward_applied"`

	SweepAttempts  int    `json:"sweep_attempts"`
	LastSweepError string `json:"last_sweep_error,omitempty"`
}

// Collected reports whether the given stage has been recorded.
func (o *ComprehensiveOutcome) Collected(stage Stage) bool {
	switch stage {
	case StageProximal:
		return o.ProximalCollected
	case StageShort:
		return o.ShortCollected
	case StageMedium:
		return o.MediumCollected
	case StageLong:
		return o.LongCollected
	}
	return false
}

// DailyStats is one aggregated row per day and app.
type DailyStats struct {
	Date                 string        `json:"date"`
	AppID                string        `json:"app_id"`
	Sessions             int           `json:"sessions"`
	TotalDuration        time.Duration `json:"total_duration"`
	InterventionsShown   int           `json:"interventions_shown"`
	InterventionsSkipped int           `json:"interventions_skipped"`
	GoBacks              int           `json:"go_backs"`
}

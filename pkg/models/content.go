package models

import "time"

// ContentType is one content category tracked as a bandit arm.
type ContentType string

const (
	ContentReflectionQuestion ContentType = "reflection_question"
	ContentTimeAlternative    ContentType = "time_alternative"
	ContentBreathingExercise  ContentType = "breathing_exercise"
	ContentUsageStats         ContentType = "usage_stats"
	ContentActivitySuggestion ContentType = "activity_suggestion"
	ContentGamification       ContentType = "gamification"
	ContentEmotionalAppeal    ContentType = "emotional_appeal"
	ContentQuote              ContentType = "quote"
)

// AllContentTypes lists every arm in a stable order.
var AllContentTypes = []ContentType{
	ContentReflectionQuestion,
	ContentTimeAlternative,
	ContentBreathingExercise,
	ContentUsageStats,
	ContentActivitySuggestion,
	ContentGamification,
	ContentEmotionalAppeal,
	ContentQuote,
}

// Valid reports whether t is a known content type.
func (t ContentType) Valid() bool {
	for _, c := range AllContentTypes {
		if c == t {
			return true
		}
	}
	return false
}

// ContentArm holds reward statistics for one content type in one context bucket.
// Bucket "" is the global arm.
type ContentArm struct {
	ContentType  ContentType `json:"content_type"`
	Bucket       string      `json:"bucket"`
	Successes    float64     `json:"successes"`
	Failures     float64     `json:"failures"`
	Pulls        int64       `json:"pulls"`
	LastRewardAt time.Time   `json:"last_reward_at,omitempty"`
}

// Mean returns the posterior mean of Beta(s+1, f+1).
func (a ContentArm) Mean() float64 {
	return (a.Successes + 1) / (a.Successes + a.Failures + 2)
}

// Intervention is what the presentation layer receives on SHOW.
type Intervention struct {
	ID            string              `json:"id"`
	SessionID     string              `json:"session_id"`
	AppID         string              `json:"app_id"`
	ContentType   ContentType         `json:"content_type"`
	ContextBucket string              `json:"context_bucket"`
	LockedMode    bool                `json:"locked_mode"`
	ShownAt       time.Time           `json:"shown_at"`
	Context       InterventionContext `json:"context"`
}

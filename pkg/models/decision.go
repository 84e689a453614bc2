package models

import (
	"fmt"
	"time"
)

// OpportunityLevel is the ordered tier of an opportunity score.
type OpportunityLevel int

const (
	OpportunityPoor OpportunityLevel = iota
	OpportunityModerate
	OpportunityGood
	OpportunityExcellent
)

var opportunityLevelNames = [...]string{"POOR", "MODERATE", "GOOD", "EXCELLENT"}

func (l OpportunityLevel) String() string {
	if l < OpportunityPoor || l > OpportunityExcellent {
		return fmt.Sprintf("OpportunityLevel(%d)", int(l))
	}
	return opportunityLevelNames[l]
}

// AtLeast reports whether l is the same tier as min or better.
func (l OpportunityLevel) AtLeast(min OpportunityLevel) bool {
	return l >= min
}

// ParseOpportunityLevel is the inverse of String.
func ParseOpportunityLevel(s string) (OpportunityLevel, error) {
	for i, name := range opportunityLevelNames {
		if name == s {
			return OpportunityLevel(i), nil
		}
	}
	return OpportunityPoor, fmt.Errorf("unknown opportunity level %q", s)
}

func (l OpportunityLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *OpportunityLevel) UnmarshalText(b []byte) error {
	v, err := ParseOpportunityLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// BurdenLevel is the ordered fatigue tier.
type BurdenLevel int

const (
	BurdenLow BurdenLevel = iota
	BurdenModerate
	BurdenHigh
	BurdenCritical
)

var burdenLevelNames = [...]string{"LOW", "MODERATE", "HIGH", "CRITICAL"}

func (l BurdenLevel) String() string {
	if l < BurdenLow || l > BurdenCritical {
		return fmt.Sprintf("BurdenLevel(%d)", int(l))
	}
	return burdenLevelNames[l]
}

// ParseBurdenLevel is the inverse of String.
func ParseBurdenLevel(s string) (BurdenLevel, error) {
	for i, name := range burdenLevelNames {
		if name == s {
			return BurdenLevel(i), nil
		}
	}
	return BurdenLow, fmt.Errorf("unknown burden level %q", s)
}

func (l BurdenLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *BurdenLevel) UnmarshalText(b []byte) error {
	v, err := ParseBurdenLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Persona is a coarse behavioral archetype.
type Persona string

const (
	PersonaHeavyCompulsive   Persona = "heavy_compulsive"
	PersonaGoalSkipper       Persona = "goal_skipper"
	PersonaLateNightScroller Persona = "late_night_scroller"
	PersonaStreakAchiever    Persona = "streak_achiever"
	PersonaCasualUser        Persona = "casual_user"
	PersonaNewUser           Persona = "new_user"
)

// Confidence is the discrete confidence tier of a persona assignment.
type Confidence string

const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

// Decision is the binary gate outcome.
type Decision string

const (
	DecisionShow Decision = "SHOW"
	DecisionSkip Decision = "SKIP"
)

// BlockingReason names the checkpoint that turned a decision into SKIP.
type BlockingReason string

const (
	ReasonNone             BlockingReason = ""
	ReasonBasicRateLimit   BlockingReason = "BASIC_RATE_LIMIT"
	ReasonPersonaFrequency BlockingReason = "PERSONA_FREQUENCY"
	ReasonJITAIWait        BlockingReason = "JITAI_WAIT"
	ReasonBurdenThreshold  BlockingReason = "BURDEN_THRESHOLD"
	ReasonBurdenCooldown   BlockingReason = "BURDEN_COOLDOWN"
	ReasonHourlyCap        BlockingReason = "HOURLY_CAP"
)

// IsBurden reports whether the reason comes from burden mitigation.
func (r BlockingReason) IsBurden() bool {
	return r == ReasonBurdenThreshold || r == ReasonBurdenCooldown
}

// CheckpointResult captures one gate checkpoint's verdict and evidence.
type CheckpointResult struct {
	Name      BlockingReason     `json:"name"`
	Evaluated bool               `json:"evaluated"`
	Passed    bool               `json:"passed"`
	Detail    string             `json:"detail"`
	Evidence  map[string]float64 `json:"evidence,omitempty"`
}

// OpportunityBreakdown is the per-factor point allocation.
type OpportunityBreakdown map[string]int

// DecisionExplanation is the append-only rationale for one gate invocation.
type DecisionExplanation struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	SessionID      string    `json:"session_id"`
	AppID          string    `json:"app_id"`
	InterventionID string    `json:"intervention_id,omitempty"`
	Trigger        Trigger   `json:"trigger"`

	Decision       Decision       `json:"decision"`
	BlockingReason BlockingReason `json:"blocking_reason,omitempty"`

	OpportunityScore     int                  `json:"opportunity_score"`
	OpportunityLevel     OpportunityLevel     `json:"opportunity_level"`
	OpportunityBreakdown OpportunityBreakdown `json:"opportunity_breakdown"`

	Persona           Persona    `json:"persona"`
	PersonaConfidence Confidence `json:"persona_confidence"`

	Checkpoints []CheckpointResult `json:"checkpoints"`

	BurdenLevel        BurdenLevel `json:"burden_level"`
	BurdenScore        int         `json:"burden_score"`
	BurdenReliable     bool        `json:"burden_reliable"`
	CooldownMultiplier float64     `json:"cooldown_multiplier"`

	ContentType     ContentType `json:"content_type,omitempty"`
	ContentReason   string      `json:"content_reason,omitempty"`
	ContentStrategy string      `json:"content_strategy,omitempty"`
	ShadowContent   ContentType `json:"shadow_content,omitempty"`

	Context InterventionContext `json:"context"`
}

// DecisionSummary aggregates explanations over a trailing window.
type DecisionSummary struct {
	Since                 time.Time                `json:"since"`
	Total                 int                      `json:"total"`
	Shows                 int                      `json:"shows"`
	Skips                 int                      `json:"skips"`
	ShowRate              float64                  `json:"show_rate"`
	SkipRate              float64                  `json:"skip_rate"`
	SkipReasons           map[BlockingReason]int   `json:"skip_reasons"`
	MeanOpportunityScore  float64                  `json:"mean_opportunity_score"`
	ByLevel               map[OpportunityLevel]int `json:"by_level"`
	BurdenMitigationRate  float64                  `json:"burden_mitigation_rate"`
	BurdenMitigationAlert bool                     `json:"burden_mitigation_alert"`
}

// Package opportunity computes the 0-100 receptiveness score used by the gate.
package opportunity

import (
	"math"
	"time"

	"github.com/thebtf/pausepoint/pkg/models"
)

// Factor names one independently bounded sub-score.
type Factor string

const (
	FactorTimeOfDay         Factor = "time_of_day"
	FactorSessionPattern    Factor = "session_pattern"
	FactorCognitiveLoad     Factor = "cognitive_load"
	FactorHistoricalSuccess Factor = "historical_success"
	FactorUserState         Factor = "user_state"
)

// FactorCaps bounds each factor. The caps sum to 100.
var FactorCaps = map[Factor]int{
	FactorTimeOfDay:         25,
	FactorSessionPattern:    20,
	FactorCognitiveLoad:     15,
	FactorHistoricalSuccess: 15,
	FactorUserState:         25,
}

// Thresholds maps a total score to a level.
type Thresholds struct {
	Excellent int
	Good      int
	Moderate  int
}

// DefaultThresholds returns the standard level bands.
func DefaultThresholds() Thresholds {
	return Thresholds{Excellent: 75, Good: 55, Moderate: 35}
}

// Level classifies a total score.
func (t Thresholds) Level(total int) models.OpportunityLevel {
	switch {
	case total >= t.Excellent:
		return models.OpportunityExcellent
	case total >= t.Good:
		return models.OpportunityGood
	case total >= t.Moderate:
		return models.OpportunityModerate
	default:
		return models.OpportunityPoor
	}
}

// Result is the scored opportunity with its explainable breakdown.
type Result struct {
	Total     int
	Level     models.OpportunityLevel
	Breakdown models.OpportunityBreakdown
}

// minHistorySamples is the sample count below which historical success
// contributes a neutral prior.
const minHistorySamples = 3

// Scorer is deterministic: the same context always yields the same result.
type Scorer struct {
	thresholds Thresholds
}

// NewScorer creates a scorer with the given level thresholds.
func NewScorer(thresholds Thresholds) *Scorer {
	return &Scorer{thresholds: thresholds}
}

// Score computes the total and per-factor breakdown for c.
func (s *Scorer) Score(c models.InterventionContext) Result {
	breakdown := models.OpportunityBreakdown{
		string(FactorTimeOfDay):         clamp(timeOfDay(c), FactorCaps[FactorTimeOfDay]),
		string(FactorSessionPattern):    clamp(sessionPattern(c), FactorCaps[FactorSessionPattern]),
		string(FactorCognitiveLoad):     clamp(cognitiveLoad(c), FactorCaps[FactorCognitiveLoad]),
		string(FactorHistoricalSuccess): clamp(historicalSuccess(c), FactorCaps[FactorHistoricalSuccess]),
		string(FactorUserState):         clamp(userState(c), FactorCaps[FactorUserState]),
	}

	total := 0
	for _, pts := range breakdown {
		total += pts
	}

	return Result{
		Total:     total,
		Level:     s.thresholds.Level(total),
		Breakdown: breakdown,
	}
}

func timeOfDay(c models.InterventionContext) int {
	var pts int
	switch h := c.Hour; {
	case h >= 22 || h < 2:
		pts = 25
	case h >= 18:
		pts = 20
	case h >= 12:
		pts = 15
	case h >= 6 && h < 9:
		pts = 18
	case h >= 9:
		pts = 10
	default: // 02:00-05:59
		pts = 12
	}
	if c.IsWeekend {
		pts += 3
	}
	return pts
}

func sessionPattern(c models.InterventionContext) int {
	pts := 0
	if c.IsRapidReopen {
		pts += 12
	}
	switch n := c.SessionCountToday; {
	case n >= 15:
		pts += 8
	case n >= 8:
		pts += 5
	case n >= 4:
		pts += 3
	}
	if c.Trigger == models.TriggerTimerAlert {
		pts += 5
	}
	return pts
}

// cognitiveLoad rewards moments of low immersion: right after opening, or
// deep into a long, likely mindless session.
func cognitiveLoad(c models.InterventionContext) int {
	d := c.CurrentSessionDuration
	switch {
	case d >= 30*time.Minute:
		return 15
	case d >= 15*time.Minute:
		return 13
	case d >= 5*time.Minute:
		return 9
	case d >= time.Minute:
		return 6
	default:
		return 10
	}
}

func historicalSuccess(c models.InterventionContext) int {
	h := c.History
	if h.HistoricalSuccessSamples < minHistorySamples {
		return 7
	}
	return int(math.Round(h.HistoricalSuccessRate * float64(FactorCaps[FactorHistoricalSuccess])))
}

func userState(c models.InterventionContext) int {
	var pts int
	switch c.GoalState {
	case models.GoalStateExceeded:
		pts = 20
	case models.GoalStateNear:
		pts = 14
	case models.GoalStateUnder:
		pts = 6
	default:
		pts = 8
	}
	if c.History.StreakDays >= 3 && c.GoalState != models.GoalStateExceeded {
		pts += 3
	}
	if c.History.GoalExceededDays7d >= 3 {
		pts += 3
	}
	if c.LockedMode {
		pts += 5
	}
	return pts
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

package outcome

import (
	"time"

	"github.com/thebtf/pausepoint/pkg/models"
)

// StageWeights are renormalized over whichever stages were collected.
var StageWeights = map[models.Stage]float64{
	models.StageProximal: 0.4,
	models.StageShort:    0.3,
	models.StageMedium:   0.2,
	models.StageLong:     0.1,
}

// ProximalValue scores the immediate response.
func ProximalValue(r models.UserResponse) float64 {
	switch r {
	case models.ResponseGoBack:
		return 1.0
	case models.ResponseSnooze:
		return 0.4
	case models.ResponseContinue:
		return 0.1
	case models.ResponseTimeout:
		return 0.05
	default:
		return 0
	}
}

const (
	noGoalUsageCeiling = 2 * time.Hour
	longChangeBand     = 20.0
)

func shortValue(s models.ShortTermResult) float64 {
	if !s.ReopenedWithin30m {
		return 1
	}
	return clamp01(float64(s.MinutesUntilReopen) / ShortWindow.Minutes())
}

func mediumValue(m models.MediumTermResult, goal time.Duration) float64 {
	if goal > 0 {
		if m.GoalMetToday {
			return 1
		}
		return 0
	}
	return 1 - clamp01(float64(m.UsageRestOfDay)/float64(noGoalUsageCeiling))
}

// longValue maps a weekly change of -20% or better to 1 and +20% or worse to 0.
func longValue(l models.LongTermResult) float64 {
	return clamp01((longChangeBand - l.UsageChangePct) / (2 * longChangeBand))
}

// Reward combines every collected stage. ok is false when nothing was collected.
func Reward(o models.ComprehensiveOutcome, goal time.Duration) (reward float64, ok bool) {
	var sum, weight float64
	add := func(stage models.Stage, v float64) {
		sum += StageWeights[stage] * v
		weight += StageWeights[stage]
	}
	if o.ProximalCollected {
		add(models.StageProximal, ProximalValue(o.Response))
	}
	if o.ShortCollected {
		add(models.StageShort, shortValue(o.Short))
	}
	if o.MediumCollected {
		add(models.StageMedium, mediumValue(o.Medium, goal))
	}
	if o.LongCollected {
		add(models.StageLong, longValue(o.Long))
	}
	if weight == 0 {
		return 0, false
	}
	return sum / weight, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

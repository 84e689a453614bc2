package burden

import (
	"fmt"
	"time"

	"github.com/thebtf/pausepoint/pkg/models"
)

// Score bands.
const (
	moderateScore = 5
	highScore     = 10
	criticalScore = 15
)

// FactorHit is one factor that contributed points to the burden score.
type FactorHit struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
	Detail string `json:"detail"`
}

type factor struct {
	name string
	eval func(m Metrics) (int, string)
}

func pct(v float64) string { return fmt.Sprintf("%.0f%%", v*100) }

var factors = []factor{
	{"dismiss_rate", func(m Metrics) (int, string) {
		switch {
		case m.DismissRate >= 0.6:
			return 4, pct(m.DismissRate)
		case m.DismissRate >= 0.4:
			return 2, pct(m.DismissRate)
		case m.DismissRate >= 0.3:
			return 1, pct(m.DismissRate)
		}
		return 0, ""
	}},
	{"timeout_rate", func(m Metrics) (int, string) {
		switch {
		case m.TimeoutRate >= 0.5:
			return 3, pct(m.TimeoutRate)
		case m.TimeoutRate >= 0.3:
			return 1, pct(m.TimeoutRate)
		}
		return 0, ""
	}},
	{"snooze_rate", func(m Metrics) (int, string) {
		switch {
		case m.SnoozeRate >= 0.4:
			return 2, pct(m.SnoozeRate)
		case m.SnoozeRate >= 0.25:
			return 1, pct(m.SnoozeRate)
		}
		return 0, ""
	}},
	{"reflex_dismissal", func(m Metrics) (int, string) {
		if m.AvgResponseTime > 0 && m.AvgResponseTime < 1500*time.Millisecond && m.DismissRate >= 0.3 {
			return 2, m.AvgResponseTime.String()
		}
		return 0, ""
	}},
	{"low_go_back_rate", func(m Metrics) (int, string) {
		if m.SampleCount >= 10 && m.GoBackRate < 0.1 {
			return 2, pct(m.GoBackRate)
		}
		return 0, ""
	}},
	{"effectiveness_trend", func(m Metrics) (int, string) {
		if !m.TrendReliable {
			return 0, ""
		}
		switch {
		case m.EffectivenessTrend <= -0.2:
			return 3, fmt.Sprintf("%+.2f", m.EffectivenessTrend)
		case m.EffectivenessTrend <= -0.1:
			return 1, fmt.Sprintf("%+.2f", m.EffectivenessTrend)
		}
		return 0, ""
	}},
	{"engagement_trend", func(m Metrics) (int, string) {
		if m.TrendReliable && m.EngagementTrend <= -0.2 {
			return 2, fmt.Sprintf("%+.2f", m.EngagementTrend)
		}
		return 0, ""
	}},
	{"bunched_spacing", func(m Metrics) (int, string) {
		if m.SampleCount < 2 {
			return 0, ""
		}
		switch {
		case m.AvgSpacing < 15*time.Minute:
			return 3, m.AvgSpacing.String()
		case m.AvgSpacing < 30*time.Minute:
			return 1, m.AvgSpacing.String()
		}
		return 0, ""
	}},
	{"back_to_back", func(m Metrics) (int, string) {
		if m.SampleCount >= 2 && m.MinSpacing < 2*time.Minute {
			return 1, m.MinSpacing.String()
		}
		return 0, ""
	}},
	{"unhelpful_feedback", func(m Metrics) (int, string) {
		if m.FeedbackCount < 3 {
			return 0, ""
		}
		switch {
		case m.HelpfulnessRatio < 0.3:
			return 3, pct(m.HelpfulnessRatio)
		case m.HelpfulnessRatio < 0.5:
			return 1, pct(m.HelpfulnessRatio)
		}
		return 0, ""
	}},
	{"daily_volume", func(m Metrics) (int, string) {
		switch {
		case m.InterventionsLast24h >= 20:
			return 3, fmt.Sprint(m.InterventionsLast24h)
		case m.InterventionsLast24h >= 12:
			return 1, fmt.Sprint(m.InterventionsLast24h)
		}
		return 0, ""
	}},
	{"low_reward", func(m Metrics) (int, string) {
		if m.RewardSamples >= 5 && m.RewardMean < 0.2 {
			return 2, fmt.Sprintf("%.2f", m.RewardMean)
		}
		return 0, ""
	}},
}

// LevelForScore maps a burden score onto its band.
func LevelForScore(score int) models.BurdenLevel {
	switch {
	case score >= criticalScore:
		return models.BurdenCritical
	case score >= highScore:
		return models.BurdenHigh
	case score >= moderateScore:
		return models.BurdenModerate
	default:
		return models.BurdenLow
	}
}

// CalculateLevel scores the metrics against every factor.
func CalculateLevel(m Metrics) (models.BurdenLevel, int, []FactorHit) {
	var (
		score int
		hits  []FactorHit
	)
	for _, f := range factors {
		pts, detail := f.eval(m)
		if pts == 0 {
			continue
		}
		score += pts
		hits = append(hits, FactorHit{Name: f.name, Points: pts, Detail: detail})
	}
	return LevelForScore(score), score, hits
}

// CooldownMultiplier scales minimum intervals by burden level.
func CooldownMultiplier(level models.BurdenLevel) float64 {
	switch level {
	case models.BurdenModerate:
		return 1.5
	case models.BurdenHigh:
		return 2.5
	case models.BurdenCritical:
		return 4.0
	default:
		return 1.0
	}
}

// Package persona assigns a behavioral archetype from aggregate usage history.
package persona

import (
	"fmt"
	"time"

	"github.com/thebtf/pausepoint/pkg/models"
)

// FrequencyRule is the persona-specific gate rule.
type FrequencyRule struct {
	MinLevel    models.OpportunityLevel
	MinInterval time.Duration
}

// Rules holds the frequency rule for each persona. New users get the
// tolerant rule so that cold start does not mean maximal suppression.
var Rules = map[models.Persona]FrequencyRule{
	models.PersonaHeavyCompulsive:   {MinLevel: models.OpportunityModerate, MinInterval: 5 * time.Minute},
	models.PersonaLateNightScroller: {MinLevel: models.OpportunityModerate, MinInterval: 10 * time.Minute},
	models.PersonaGoalSkipper:       {MinLevel: models.OpportunityGood, MinInterval: 15 * time.Minute},
	models.PersonaStreakAchiever:    {MinLevel: models.OpportunityGood, MinInterval: 20 * time.Minute},
	models.PersonaCasualUser:        {MinLevel: models.OpportunityGood, MinInterval: 15 * time.Minute},
	models.PersonaNewUser:           {MinLevel: models.OpportunityModerate, MinInterval: 5 * time.Minute},
}

// archetypes is the scoring order; earlier entries win ties.
var archetypes = []models.Persona{
	models.PersonaHeavyCompulsive,
	models.PersonaGoalSkipper,
	models.PersonaLateNightScroller,
	models.PersonaStreakAchiever,
	models.PersonaCasualUser,
}

// Assignment is the classifier's verdict.
type Assignment struct {
	Persona    models.Persona
	Confidence models.Confidence
	Rule       FrequencyRule
	Scores     map[models.Persona]float64
	Reason     string
}

// Config tunes how much history is needed for each confidence tier.
type Config struct {
	MinDays      int     // below: new_user, LOW
	MediumDays   int     // below: confidence capped at MEDIUM
	HighDays     int     // at or above with a clean margin: HIGH
	MinMatch     float64 // best archetype score needed to leave casual_user
	HighMargin   float64
	MediumMargin float64
}

// DefaultConfig returns the standard classification thresholds.
func DefaultConfig() Config {
	return Config{
		MinDays:      3,
		MediumDays:   7,
		HighDays:     14,
		MinMatch:     0.35,
		HighMargin:   0.25,
		MediumMargin: 0.10,
	}
}

// Classifier is stateless and safe for concurrent use.
type Classifier struct {
	cfg Config
}

// NewClassifier creates a classifier.
func NewClassifier(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify assigns a persona from history. dailyGoal may be zero.
func (c *Classifier) Classify(h models.HistoryAggregates, dailyGoal time.Duration) Assignment {
	if h.DaysOfHistory < c.cfg.MinDays {
		return Assignment{
			Persona:    models.PersonaNewUser,
			Confidence: models.ConfidenceLow,
			Rule:       Rules[models.PersonaNewUser],
			Reason:     fmt.Sprintf("only %d days of history", h.DaysOfHistory),
		}
	}

	scores := Scores(h, dailyGoal)

	best, second := models.PersonaCasualUser, 0.0
	bestScore := -1.0
	for _, p := range archetypes {
		s := scores[p]
		if s > bestScore {
			second = bestScore
			best, bestScore = p, s
		} else if s > second {
			second = s
		}
	}
	if second < 0 {
		second = 0
	}

	persona := best
	if bestScore < c.cfg.MinMatch {
		persona = models.PersonaCasualUser
	}

	margin := bestScore - second
	confidence := models.ConfidenceLow
	switch {
	case h.DaysOfHistory >= c.cfg.HighDays && margin >= c.cfg.HighMargin:
		confidence = models.ConfidenceHigh
	case margin >= c.cfg.MediumMargin:
		confidence = models.ConfidenceMedium
	}
	if h.DaysOfHistory < c.cfg.MediumDays && confidence == models.ConfidenceHigh {
		confidence = models.ConfidenceMedium
	}

	rule := Rules[persona]
	if confidence == models.ConfidenceLow && rule.MinLevel > models.OpportunityModerate {
		rule.MinLevel = models.OpportunityModerate
	}

	return Assignment{
		Persona:    persona,
		Confidence: confidence,
		Rule:       rule,
		Scores:     scores,
		Reason:     fmt.Sprintf("best match %.2f, margin %.2f over %d days", bestScore, margin, h.DaysOfHistory),
	}
}

// Scores returns each archetype's match in [0, 1].
func Scores(h models.HistoryAggregates, dailyGoal time.Duration) map[models.Persona]float64 {
	usageHours := h.AvgDailyUsage7d.Hours()

	heavy := 0.6*unit((h.AvgSessionsPerDay7d-10)/20) + 0.4*unit(usageHours/3)

	skipper := 0.0
	if dailyGoal > 0 {
		skipper = unit(float64(h.GoalExceededDays7d) / 5)
	}

	lateNight := unit(h.LateNightSessionRatio7d / 0.4)

	streak := unit(float64(h.StreakDays)/7) * (1 - unit(float64(h.GoalExceededDays7d)/7))

	casual := unit(1-usageHours/1.5) * unit(1-h.AvgSessionsPerDay7d/12)

	return map[models.Persona]float64{
		models.PersonaHeavyCompulsive:   heavy,
		models.PersonaGoalSkipper:       skipper,
		models.PersonaLateNightScroller: lateNight,
		models.PersonaStreakAchiever:    streak,
		models.PersonaCasualUser:        casual,
	}
}

func unit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

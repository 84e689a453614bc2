package bandit

import "github.com/thebtf/pausepoint/pkg/models"

// RuleSelector picks content from fixed context rules. It is the control
// path the bandit is compared against.
type RuleSelector struct{}

func (RuleSelector) Select(c models.InterventionContext, p models.Persona) (models.ContentType, string) {
	switch {
	case c.IsLateNight:
		return models.ContentBreathingExercise, "late night wind-down"
	case c.GoalState == models.GoalStateExceeded:
		return models.ContentUsageStats, "goal exceeded"
	case c.IsRapidReopen:
		return models.ContentReflectionQuestion, "rapid reopen"
	case c.Trigger == models.TriggerTimerAlert:
		return models.ContentActivitySuggestion, "long session"
	}
	switch p {
	case models.PersonaStreakAchiever:
		return models.ContentGamification, "streak persona"
	case models.PersonaGoalSkipper:
		return models.ContentEmotionalAppeal, "goal skipper persona"
	}
	if c.TimeOfDay() == models.TimeOfDayMorning {
		return models.ContentQuote, "morning"
	}
	return models.ContentTimeAlternative, "default"
}

package persona

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/thebtf/pausepoint/pkg/models"
)

func TestClassify_ColdStartIsNewUserLow(t *testing.T) {
	c := NewClassifier(DefaultConfig())

	got := c.Classify(models.HistoryAggregates{DaysOfHistory: 1, AvgSessionsPerDay7d: 50}, time.Hour)

	assert.Equal(t, models.PersonaNewUser, got.Persona)
	assert.Equal(t, models.ConfidenceLow, got.Confidence)
	assert.Equal(t, models.OpportunityModerate, got.Rule.MinLevel)
}

func TestClassify_NewUserRuleIsNotTheStrictest(t *testing.T) {
	newUser := Rules[models.PersonaNewUser]
	for p, rule := range Rules {
		assert.LessOrEqual(t, newUser.MinLevel, rule.MinLevel, p)
		assert.LessOrEqual(t, newUser.MinInterval, rule.MinInterval, p)
	}
}

func TestClassify_Archetypes(t *testing.T) {
	tests := []struct {
		name    string
		history models.HistoryAggregates
		goal    time.Duration
		want    models.Persona
	}{
		{
			name: "heavy compulsive",
			history: models.HistoryAggregates{
				DaysOfHistory:       20,
				AvgSessionsPerDay7d: 35,
				AvgDailyUsage7d:     4 * time.Hour,
			},
			want: models.PersonaHeavyCompulsive,
		},
		{
			name: "goal skipper",
			history: models.HistoryAggregates{
				DaysOfHistory:       20,
				AvgSessionsPerDay7d: 8,
				AvgDailyUsage7d:     80 * time.Minute,
				GoalExceededDays7d:  6,
			},
			goal: time.Hour,
			want: models.PersonaGoalSkipper,
		},
		{
			name: "late night scroller",
			history: models.HistoryAggregates{
				DaysOfHistory:           20,
				AvgSessionsPerDay7d:     9,
				AvgDailyUsage7d:         90 * time.Minute,
				LateNightSessionRatio7d: 0.6,
			},
			want: models.PersonaLateNightScroller,
		},
		{
			name: "streak achiever",
			history: models.HistoryAggregates{
				DaysOfHistory:       20,
				AvgSessionsPerDay7d: 9,
				AvgDailyUsage7d:     100 * time.Minute,
				StreakDays:          12,
			},
			goal: 2 * time.Hour,
			want: models.PersonaStreakAchiever,
		},
		{
			name: "casual",
			history: models.HistoryAggregates{
				DaysOfHistory:       20,
				AvgSessionsPerDay7d: 2,
				AvgDailyUsage7d:     10 * time.Minute,
			},
			want: models.PersonaCasualUser,
		},
	}

	c := NewClassifier(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.history, tt.goal)
			assert.Equal(t, tt.want, got.Persona, got.Reason)
		})
	}
}

func TestClassify_ConfidenceTiers(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	heavy := models.HistoryAggregates{
		AvgSessionsPerDay7d: 40,
		AvgDailyUsage7d:     5 * time.Hour,
	}

	heavy.DaysOfHistory = 20
	assert.Equal(t, models.ConfidenceHigh, c.Classify(heavy, 0).Confidence)

	heavy.DaysOfHistory = 5
	assert.Equal(t, models.ConfidenceMedium, c.Classify(heavy, 0).Confidence)

	// Two archetypes matching equally well yields LOW confidence.
	mixed := models.HistoryAggregates{
		DaysOfHistory:           20,
		AvgSessionsPerDay7d:     40,
		AvgDailyUsage7d:         5 * time.Hour,
		LateNightSessionRatio7d: 0.5,
	}
	got := c.Classify(mixed, 0)
	assert.Equal(t, models.ConfidenceLow, got.Confidence)
	assert.Equal(t, models.OpportunityModerate, got.Rule.MinLevel)
}

func TestClassify_LowConfidenceRelaxesStrictRule(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	// Streak and casual both partially match.
	h := models.HistoryAggregates{
		DaysOfHistory:       10,
		AvgSessionsPerDay7d: 4,
		AvgDailyUsage7d:     30 * time.Minute,
		StreakDays:          5,
	}
	got := c.Classify(h, time.Hour)
	if got.Confidence == models.ConfidenceLow {
		assert.Equal(t, models.OpportunityModerate, got.Rule.MinLevel)
	} else {
		assert.Equal(t, Rules[got.Persona].MinLevel, got.Rule.MinLevel)
	}
}

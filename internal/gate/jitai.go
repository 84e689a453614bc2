package gate

import (
	"time"

	"github.com/thebtf/pausepoint/pkg/models"
)

// Timing is the coarse just-in-time filter verdict.
type Timing string

// TimingNow is the neutral verdict. It passes JITAI_WAIT like
// TimingInterveneNow but does not mark the moment as receptive, so the
// later checkpoints alone decide.
const (
	TimingInterveneNow Timing = "INTERVENE_NOW"
	TimingNow          Timing = "NOW"
	TimingWait         Timing = "WAIT"
)

const (
	quickCheckSession = time.Minute
	earlyUsageRatio   = 0.25
	earlySessionCount = 2
)

// JITAI classifies the moment before the burden-aware checks run.
// INTERVENE_NOW marks a clearly receptive moment, WAIT a moment where an
// interruption is unlikely to help, NOW everything in between.
func JITAI(c models.InterventionContext) (Timing, string) {
	switch {
	case c.GoalState == models.GoalStateExceeded:
		return TimingInterveneNow, "daily goal exceeded"
	case c.IsRapidReopen:
		return TimingInterveneNow, "rapid reopen"
	case c.IsLateNight:
		return TimingInterveneNow, "late night"
	case c.Trigger == models.TriggerTimerAlert:
		return TimingInterveneNow, "engagement timer"
	}

	underGoal := c.GoalState == models.GoalStateUnder || c.GoalState == models.GoalStateNone
	if underGoal && c.History.DaysOfHistory > 0 &&
		c.History.AvgSessionDuration7d > 0 && c.History.AvgSessionDuration7d < quickCheckSession {
		return TimingWait, "quick-check pattern"
	}
	if c.DailyGoal > 0 && c.GoalRatio() < earlyUsageRatio && c.SessionCountToday <= earlySessionCount {
		return TimingWait, "low usage early in the day"
	}
	return TimingNow, "neutral"
}

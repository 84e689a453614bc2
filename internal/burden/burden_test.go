package burden

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/pausepoint/internal/clock"
	"github.com/thebtf/pausepoint/pkg/models"
)

var now = time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)

// spaced builds n samples, newest first, gap apart, ending one hour before now.
func spaced(n int, gap time.Duration, resp func(i int) models.UserResponse) []Sample {
	out := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Sample{
			ShownAt:  now.Add(-time.Hour - time.Duration(i)*gap),
			Response: resp(i),
			Latency:  4 * time.Second,
		})
	}
	return out
}

func TestLevelForScore_Bands(t *testing.T) {
	tests := []struct {
		score int
		want  models.BurdenLevel
	}{
		{0, models.BurdenLow},
		{4, models.BurdenLow},
		{5, models.BurdenModerate},
		{9, models.BurdenModerate},
		{10, models.BurdenHigh},
		{14, models.BurdenHigh},
		{15, models.BurdenCritical},
		{40, models.BurdenCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelForScore(tt.score), "score %d", tt.score)
	}
}

func TestCooldownMultiplier(t *testing.T) {
	assert.Equal(t, 1.0, CooldownMultiplier(models.BurdenLow))
	assert.Equal(t, 1.5, CooldownMultiplier(models.BurdenModerate))
	assert.Equal(t, 2.5, CooldownMultiplier(models.BurdenHigh))
	assert.Equal(t, 4.0, CooldownMultiplier(models.BurdenCritical))
}

func TestCompute_Rates(t *testing.T) {
	samples := []Sample{
		{ShownAt: now.Add(-time.Hour), Response: models.ResponseGoBack, Latency: 2 * time.Second, Feedback: models.FeedbackHelpful},
		{ShownAt: now.Add(-2 * time.Hour), Response: models.ResponseDismiss, Latency: 4 * time.Second},
		{ShownAt: now.Add(-3 * time.Hour), Response: models.ResponseTimeout, Latency: 30 * time.Second},
		{ShownAt: now.Add(-4 * time.Hour), Response: models.ResponseSnooze, Latency: 6 * time.Second, Feedback: models.FeedbackUnhelpful},
		// Outside the window.
		{ShownAt: now.Add(-8 * 24 * time.Hour), Response: models.ResponseDismiss},
	}

	m := Compute(samples, now, DefaultWindow)

	assert.Equal(t, 4, m.SampleCount)
	assert.InDelta(t, 0.25, m.DismissRate, 1e-9)
	assert.InDelta(t, 0.25, m.TimeoutRate, 1e-9)
	assert.InDelta(t, 0.25, m.SnoozeRate, 1e-9)
	assert.InDelta(t, 0.25, m.GoBackRate, 1e-9)
	// Timeouts do not count towards response time.
	assert.Equal(t, 4*time.Second, m.AvgResponseTime)
	assert.Equal(t, 2, m.FeedbackCount)
	assert.InDelta(t, 0.5, m.HelpfulnessRatio, 1e-9)
	assert.Equal(t, 4, m.InterventionsLast24h)
	assert.Equal(t, time.Hour, m.AvgSpacing)
	assert.Equal(t, time.Hour, m.MinSpacing)
	assert.False(t, m.TrendReliable)
}

func TestCompute_Empty(t *testing.T) {
	m := Compute(nil, now, DefaultWindow)
	assert.Zero(t, m.SampleCount)
	assert.False(t, IsReliable(m))

	level, score, hits := CalculateLevel(m)
	assert.Equal(t, models.BurdenLow, level)
	assert.Zero(t, score)
	assert.Empty(t, hits)
}

func TestCompute_Trends(t *testing.T) {
	// Prior days: every response is go-back. Recent days: every response is a timeout.
	var samples []Sample
	for i := 0; i < 5; i++ {
		samples = append(samples, Sample{ShownAt: now.Add(-time.Duration(i+1) * 6 * time.Hour), Response: models.ResponseTimeout})
		samples = append(samples, Sample{ShownAt: now.Add(-4*24*time.Hour - time.Duration(i)*6*time.Hour), Response: models.ResponseGoBack, Latency: time.Second})
	}

	m := Compute(samples, now, DefaultWindow)

	require.True(t, m.TrendReliable)
	assert.InDelta(t, -1.0, m.EffectivenessTrend, 1e-9)
	assert.InDelta(t, -1.0, m.EngagementTrend, 1e-9)

	_, _, hits := CalculateLevel(m)
	names := map[string]int{}
	for _, h := range hits {
		names[h.Name] = h.Points
	}
	assert.Equal(t, 3, names["effectiveness_trend"])
	assert.Equal(t, 2, names["engagement_trend"])
}

func TestCalculateLevel_ModerateDismissalsStayLow(t *testing.T) {
	// 7 of 20 dismissed, spaced six hours apart, otherwise healthy.
	samples := spaced(20, 6*time.Hour, func(i int) models.UserResponse {
		if i%3 == 0 {
			return models.ResponseDismiss
		}
		return models.ResponseGoBack
	})

	a := Assess(Compute(samples, now, DefaultWindow), now)

	assert.True(t, a.Reliable)
	assert.Equal(t, models.BurdenLow, a.Level)
	assert.Equal(t, 1, a.Score)
	require.Len(t, a.Hits, 1)
	assert.Equal(t, "dismiss_rate", a.Hits[0].Name)
	assert.Equal(t, 1.0, a.Multiplier)
}

func TestCalculateLevel_HeavyFatigueIsCritical(t *testing.T) {
	samples := spaced(20, 10*time.Minute, func(int) models.UserResponse { return models.ResponseDismiss })
	for i := range samples {
		samples[i].Latency = time.Second
		samples[i].Feedback = models.FeedbackUnhelpful
	}

	a := Assess(Compute(samples, now, DefaultWindow), now)

	assert.Equal(t, models.BurdenCritical, a.Level)
	assert.GreaterOrEqual(t, a.Score, 15)
	assert.Equal(t, 4.0, a.Multiplier)
}

func TestAssess_UnreliableIsTreatedAsLow(t *testing.T) {
	samples := spaced(4, 5*time.Minute, func(int) models.UserResponse { return models.ResponseDismiss })
	for i := range samples {
		samples[i].Latency = time.Second
	}

	a := Assess(Compute(samples, now, DefaultWindow), now)

	assert.False(t, a.Reliable)
	assert.NotEqual(t, models.BurdenLow, a.Level, "raw level still reported")
	assert.Equal(t, models.BurdenLow, a.Effective())
	assert.Equal(t, 1.0, a.Multiplier)
}

type fakeSource struct {
	samples []Sample
	err     error
	calls   int
}

func (f *fakeSource) BurdenSamples(_ context.Context, _ time.Time) ([]Sample, error) {
	f.calls++
	return f.samples, f.err
}

func TestTracker_CachesUntilInvalidated(t *testing.T) {
	src := &fakeSource{samples: spaced(6, time.Hour, func(int) models.UserResponse { return models.ResponseGoBack })}
	clk := clock.NewFake(now)
	tr := NewTracker(src, WithClock(clk), WithCacheTTL(time.Minute))

	a := tr.Current(context.Background())
	assert.True(t, a.Reliable)
	tr.Current(context.Background())
	assert.Equal(t, 1, src.calls)

	clk.Advance(2 * time.Minute)
	tr.Current(context.Background())
	assert.Equal(t, 2, src.calls)

	tr.RecordEffectiveness("iv-1", 0.8)
	tr.Current(context.Background())
	assert.Equal(t, 3, src.calls)
}

func TestTracker_RewardFeedback(t *testing.T) {
	src := &fakeSource{samples: spaced(6, time.Hour, func(int) models.UserResponse { return models.ResponseGoBack })}
	tr := NewTracker(src, WithClock(clock.NewFake(now)))

	for i, id := range []string{"a", "b", "c", "d", "e"} {
		tr.RecordEffectiveness(id, 0.05*float64(i))
	}
	// Duplicate reports are ignored.
	tr.RecordEffectiveness("a", 1.0)

	a := tr.Current(context.Background())
	assert.Equal(t, 5, a.Metrics.RewardSamples)
	assert.InDelta(t, 0.1, a.Metrics.RewardMean, 1e-9)

	var found bool
	for _, h := range a.Hits {
		if h.Name == "low_reward" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestTracker_SourceErrorAssumesLow(t *testing.T) {
	tr := NewTracker(&fakeSource{err: errors.New("db locked")}, WithClock(clock.NewFake(now)))

	a := tr.Current(context.Background())

	assert.False(t, a.Reliable)
	assert.Equal(t, models.BurdenLow, a.Effective())
	assert.Equal(t, 1.0, a.Multiplier)
}

func TestTracker_RewardWindowIsBounded(t *testing.T) {
	tr := NewTracker(&fakeSource{}, WithClock(clock.NewFake(now)))
	for i := 0; i < 3*maxRewardSamples; i++ {
		tr.RecordEffectiveness(fmt.Sprintf("iv-%d", i), 1)
	}
	tr.RecordEffectiveness(fmt.Sprintf("iv-%d", 3*maxRewardSamples-1), 0)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Len(t, tr.rewards, maxRewardSamples)
	assert.Len(t, tr.rewardIDs, maxRewardSamples)
	assert.Equal(t, fmt.Sprintf("iv-%d", 2*maxRewardSamples), tr.rewardIDs[0])
	assert.Equal(t, 1.0, tr.rewards[maxRewardSamples-1], "duplicate ignored")
}

// Package burden models intervention fatigue from recent response patterns.
package burden

import (
	"sort"
	"time"

	"github.com/thebtf/pausepoint/pkg/models"
)

const (
	// DefaultWindow is the rolling window metrics are computed over.
	DefaultWindow = 7 * 24 * time.Hour

	// MinReliableSamples is the sample count needed before the level is trusted.
	MinReliableSamples = 5

	// recentSplit separates the "recent" part of the window for trend metrics.
	recentSplit = 3 * 24 * time.Hour

	minTrendSamples = 4
)

// Sample is one shown intervention and the user's proximal response.
type Sample struct {
	ShownAt  time.Time
	Response models.UserResponse
	Latency  time.Duration
	Feedback models.Feedback
}

// Metrics are derived on demand and never stored as mutable state.
type Metrics struct {
	SampleCount int `json:"sample_count"`

	AvgResponseTime time.Duration `json:"avg_response_time"`
	DismissRate     float64       `json:"dismiss_rate"`
	TimeoutRate     float64       `json:"timeout_rate"`
	SnoozeRate      float64       `json:"snooze_rate"`
	GoBackRate      float64       `json:"go_back_rate"`

	// EffectivenessTrend is the recent go-back rate minus the prior one.
	EffectivenessTrend float64 `json:"effectiveness_trend"`
	// EngagementTrend is the recent interaction rate (non-timeout) minus the prior one.
	EngagementTrend float64 `json:"engagement_trend"`
	TrendReliable   bool    `json:"trend_reliable"`

	HelpfulnessRatio float64 `json:"helpfulness_ratio"`
	FeedbackCount    int     `json:"feedback_count"`

	InterventionsLast24h int           `json:"interventions_last_24h"`
	AvgSpacing           time.Duration `json:"avg_spacing"`
	MinSpacing           time.Duration `json:"min_spacing"`

	// RewardMean is the mean of effectiveness samples pushed back by the
	// outcome tracker.
	RewardMean    float64 `json:"reward_mean"`
	RewardSamples int     `json:"reward_samples"`
}

type rates struct {
	n, goBack, timeout int
}

func (r rates) goBackRate() float64 {
	if r.n == 0 {
		return 0
	}
	return float64(r.goBack) / float64(r.n)
}

func (r rates) interactionRate() float64 {
	if r.n == 0 {
		return 0
	}
	return float64(r.n-r.timeout) / float64(r.n)
}

// Compute derives metrics from samples shown within window before now.
func Compute(samples []Sample, now time.Time, window time.Duration) Metrics {
	var inWindow []Sample
	for _, s := range samples {
		if s.ShownAt.After(now) || now.Sub(s.ShownAt) > window {
			continue
		}
		inWindow = append(inWindow, s)
	}
	sort.Slice(inWindow, func(i, j int) bool {
		return inWindow[i].ShownAt.Before(inWindow[j].ShownAt)
	})

	m := Metrics{SampleCount: len(inWindow)}
	if len(inWindow) == 0 {
		return m
	}

	var (
		totalLatency             time.Duration
		latencyCount             int
		dismiss, timeout, snooze int
		goBack                   int
		helpful                  int
		recent, prior            rates
	)
	for _, s := range inWindow {
		switch s.Response {
		case models.ResponseDismiss:
			dismiss++
		case models.ResponseTimeout:
			timeout++
		case models.ResponseSnooze:
			snooze++
		case models.ResponseGoBack:
			goBack++
		}
		if s.Response != models.ResponseTimeout && s.Latency > 0 {
			totalLatency += s.Latency
			latencyCount++
		}
		switch s.Feedback {
		case models.FeedbackHelpful:
			helpful++
			m.FeedbackCount++
		case models.FeedbackUnhelpful:
			m.FeedbackCount++
		}
		if now.Sub(s.ShownAt) <= 24*time.Hour {
			m.InterventionsLast24h++
		}

		bucket := &prior
		if now.Sub(s.ShownAt) <= recentSplit {
			bucket = &recent
		}
		bucket.n++
		if s.Response == models.ResponseGoBack {
			bucket.goBack++
		}
		if s.Response == models.ResponseTimeout {
			bucket.timeout++
		}
	}

	n := float64(len(inWindow))
	m.DismissRate = float64(dismiss) / n
	m.TimeoutRate = float64(timeout) / n
	m.SnoozeRate = float64(snooze) / n
	m.GoBackRate = float64(goBack) / n
	if latencyCount > 0 {
		m.AvgResponseTime = totalLatency / time.Duration(latencyCount)
	}
	if m.FeedbackCount > 0 {
		m.HelpfulnessRatio = float64(helpful) / float64(m.FeedbackCount)
	}

	if recent.n >= minTrendSamples && prior.n >= minTrendSamples {
		m.TrendReliable = true
		m.EffectivenessTrend = recent.goBackRate() - prior.goBackRate()
		m.EngagementTrend = recent.interactionRate() - prior.interactionRate()
	}

	if len(inWindow) > 1 {
		var total time.Duration
		m.MinSpacing = -1
		for i := 1; i < len(inWindow); i++ {
			gap := inWindow[i].ShownAt.Sub(inWindow[i-1].ShownAt)
			total += gap
			if m.MinSpacing < 0 || gap < m.MinSpacing {
				m.MinSpacing = gap
			}
		}
		m.AvgSpacing = total / time.Duration(len(inWindow)-1)
	}

	return m
}

// IsReliable reports whether enough samples exist to trust the level.
func IsReliable(m Metrics) bool {
	return m.SampleCount >= MinReliableSamples
}

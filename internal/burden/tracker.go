package burden

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/pausepoint/internal/clock"
	"github.com/thebtf/pausepoint/pkg/models"
)

const (
	defaultCacheTTL  = time.Minute
	maxRewardSamples = 50
)

// SampleSource supplies recent shown interventions with their responses.
type SampleSource interface {
	BurdenSamples(ctx context.Context, since time.Time) ([]Sample, error)
}

// Assessment is one evaluated burden state.
type Assessment struct {
	Metrics    Metrics            `json:"metrics"`
	Level      models.BurdenLevel `json:"level"`
	Score      int                `json:"score"`
	Hits       []FactorHit        `json:"hits,omitempty"`
	Reliable   bool               `json:"reliable"`
	Multiplier float64            `json:"multiplier"`
	ComputedAt time.Time          `json:"computed_at"`
}

// Effective returns the level used for gating. Unreliable assessments are LOW.
func (a Assessment) Effective() models.BurdenLevel {
	if !a.Reliable {
		return models.BurdenLow
	}
	return a.Level
}

// Assess evaluates metrics into an assessment.
func Assess(m Metrics, now time.Time) Assessment {
	level, score, hits := CalculateLevel(m)
	a := Assessment{
		Metrics:    m,
		Level:      level,
		Score:      score,
		Hits:       hits,
		Reliable:   IsReliable(m),
		ComputedAt: now,
	}
	a.Multiplier = CooldownMultiplier(a.Effective())
	return a
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) TrackerOption {
	return func(t *Tracker) { t.clock = c }
}

// WithCacheTTL sets how long an assessment is reused.
func WithCacheTTL(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.ttl = d }
}

// WithWindow sets the rolling metrics window.
func WithWindow(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.window = d }
}

// Tracker caches burden assessments over a SampleSource.
type Tracker struct {
	src    SampleSource
	clock  clock.Clock
	ttl    time.Duration
	window time.Duration

	mu      sync.Mutex
	cached  *Assessment
	rewards []float64

	// rewardIDs[i] is the intervention behind rewards[i].
	rewardIDs []string
}

func NewTracker(src SampleSource, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		src:    src,
		clock:  clock.System{},
		ttl:    defaultCacheTTL,
		window: DefaultWindow,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Current returns the cached assessment, recomputing it when stale.
// A failing source yields an unreliable LOW assessment.
func (t *Tracker) Current(ctx context.Context) Assessment {
	now := t.clock.Now()

	t.mu.Lock()
	if t.cached != nil && now.Sub(t.cached.ComputedAt) < t.ttl {
		a := *t.cached
		t.mu.Unlock()
		return a
	}
	t.mu.Unlock()

	samples, err := t.src.BurdenSamples(ctx, now.Add(-t.window))
	if err != nil {
		log.Warn().Err(err).Msg("Burden samples unavailable, assuming low burden")
		return Assess(Metrics{}, now)
	}

	m := Compute(samples, now, t.window)

	t.mu.Lock()
	defer t.mu.Unlock()
	m.RewardSamples = len(t.rewards)
	if len(t.rewards) > 0 {
		var sum float64
		for _, r := range t.rewards {
			sum += r
		}
		m.RewardMean = sum / float64(len(t.rewards))
	}
	a := Assess(m, now)
	t.cached = &a
	return a
}

// Invalidate drops the cached assessment.
func (t *Tracker) Invalidate() {
	t.mu.Lock()
	t.cached = nil
	t.mu.Unlock()
}

// RecordEffectiveness accepts a finalized reward for an intervention.
// Repeated calls for an intervention still in the sample window are
// ignored; the outcome store marks applied rewards for older ones.
func (t *Tracker) RecordEffectiveness(interventionID string, reward float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slices.Contains(t.rewardIDs, interventionID) {
		return
	}
	t.rewards = append(t.rewards, reward)
	t.rewardIDs = append(t.rewardIDs, interventionID)
	if n := len(t.rewards); n > maxRewardSamples {
		t.rewards = slices.Clone(t.rewards[n-maxRewardSamples:])
		t.rewardIDs = slices.Clone(t.rewardIDs[n-maxRewardSamples:])
	}
	t.cached = nil
}

// ApplyReward lets the tracker act as an outcome reward sink.
func (t *Tracker) ApplyReward(_ context.Context, o models.ComprehensiveOutcome, reward float64) error {
	t.RecordEffectiveness(o.InterventionID, reward)
	return nil
}

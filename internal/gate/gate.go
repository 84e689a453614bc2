// Package gate decides SHOW or SKIP through an ordered list of checkpoints.
package gate

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/thebtf/pausepoint/internal/burden"
	"github.com/thebtf/pausepoint/internal/opportunity"
	"github.com/thebtf/pausepoint/internal/persona"
	"github.com/thebtf/pausepoint/pkg/models"
)

const (
	DefaultMinInterval = 5 * time.Minute
	DefaultMaxPerHour  = 4
)

// Order is the fixed checkpoint sequence.
var Order = []models.BlockingReason{
	models.ReasonBasicRateLimit,
	models.ReasonPersonaFrequency,
	models.ReasonJITAIWait,
	models.ReasonBurdenThreshold,
	models.ReasonBurdenCooldown,
	models.ReasonHourlyCap,
}

// Config holds gate limits.
type Config struct {
	MinInterval time.Duration
	MaxPerHour  int
}

func DefaultConfig() Config {
	return Config{MinInterval: DefaultMinInterval, MaxPerHour: DefaultMaxPerHour}
}

// Input is everything one decision is evaluated against.
type Input struct {
	Context     models.InterventionContext
	Opportunity opportunity.Result
	Persona     persona.Assignment
	Burden      burden.Assessment
	// LastShownAt is the most recent SHOW; zero when nothing was shown yet.
	LastShownAt time.Time
}

// Evaluation is the gate verdict with every checkpoint result.
type Evaluation struct {
	Decision    models.Decision
	Reason      models.BlockingReason
	Timing      Timing
	Checkpoints []models.CheckpointResult
}

// Gate runs the checkpoint pipeline. It is safe for concurrent use; the
// hourly token bucket is the only mutable state.
type Gate struct {
	cfg Config

	mu      sync.Mutex
	limiter *rate.Limiter
}

func New(cfg Config) *Gate {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.MaxPerHour <= 0 {
		cfg.MaxPerHour = DefaultMaxPerHour
	}
	return &Gate{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.MaxPerHour)), cfg.MaxPerHour),
	}
}

type check func(in Input, now time.Time, elapsed time.Duration, everShown bool) models.CheckpointResult

// Evaluate runs every checkpoint in order. The first failure decides the
// reason; later checkpoints are reported with Evaluated=false. A SHOW
// consumes one hourly token.
func (g *Gate) Evaluate(in Input) Evaluation {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := in.Context.Timestamp
	everShown := !in.LastShownAt.IsZero()
	var elapsed time.Duration
	if everShown {
		elapsed = now.Sub(in.LastShownAt)
	}

	timing, timingReason := JITAI(in.Context)
	checks := map[models.BlockingReason]check{
		models.ReasonBasicRateLimit:   g.basicRateLimit,
		models.ReasonPersonaFrequency: g.personaFrequency,
		models.ReasonJITAIWait: func(in Input, _ time.Time, _ time.Duration, _ bool) models.CheckpointResult {
			return jitaiCheck(in, timing, timingReason)
		},
		models.ReasonBurdenThreshold: g.burdenThreshold,
		models.ReasonBurdenCooldown:  g.burdenCooldown,
		models.ReasonHourlyCap:       g.hourlyCap,
	}

	ev := Evaluation{Decision: models.DecisionShow, Timing: timing}
	for _, name := range Order {
		if ev.Reason != models.ReasonNone {
			ev.Checkpoints = append(ev.Checkpoints, models.CheckpointResult{Name: name, Detail: "not evaluated"})
			continue
		}
		res := checks[name](in, now, elapsed, everShown)
		res.Name = name
		res.Evaluated = true
		ev.Checkpoints = append(ev.Checkpoints, res)
		if !res.Passed {
			ev.Decision = models.DecisionSkip
			ev.Reason = name
		}
	}

	if ev.Decision == models.DecisionShow {
		g.limiter.AllowN(now, 1)
	}
	return ev
}

func (g *Gate) basicRateLimit(_ Input, _ time.Time, elapsed time.Duration, everShown bool) models.CheckpointResult {
	if !everShown {
		return models.CheckpointResult{Passed: true, Detail: "no previous intervention"}
	}
	return models.CheckpointResult{
		Passed: elapsed >= g.cfg.MinInterval,
		Detail: fmt.Sprintf("%s since last shown, minimum %s", elapsed.Round(time.Second), g.cfg.MinInterval),
		Evidence: map[string]float64{
			"elapsed_seconds":      elapsed.Seconds(),
			"min_interval_seconds": g.cfg.MinInterval.Seconds(),
		},
	}
}

func (g *Gate) personaFrequency(in Input, _ time.Time, elapsed time.Duration, everShown bool) models.CheckpointResult {
	if in.Context.LockedMode {
		return models.CheckpointResult{Passed: true, Detail: "locked mode"}
	}
	rule := in.Persona.Rule
	interval := scale(rule.MinInterval, in.Burden.Multiplier)
	ev := map[string]float64{
		"opportunity_level":    float64(in.Opportunity.Level),
		"min_level":            float64(rule.MinLevel),
		"min_interval_seconds": interval.Seconds(),
	}
	if !in.Opportunity.Level.AtLeast(rule.MinLevel) {
		return models.CheckpointResult{
			Detail:   fmt.Sprintf("%s requires %s, got %s", in.Persona.Persona, rule.MinLevel, in.Opportunity.Level),
			Evidence: ev,
		}
	}
	if everShown && elapsed < interval {
		ev["elapsed_seconds"] = elapsed.Seconds()
		return models.CheckpointResult{
			Detail:   fmt.Sprintf("%s interval %s not elapsed", in.Persona.Persona, interval),
			Evidence: ev,
		}
	}
	return models.CheckpointResult{Passed: true, Detail: string(in.Persona.Persona), Evidence: ev}
}

func jitaiCheck(in Input, timing Timing, reason string) models.CheckpointResult {
	if in.Context.LockedMode {
		return models.CheckpointResult{Passed: true, Detail: "locked mode"}
	}
	return models.CheckpointResult{
		Passed: timing != TimingWait,
		Detail: fmt.Sprintf("%s: %s", timing, reason),
	}
}

// burdenThreshold blocks SHOW under reliable HIGH or CRITICAL burden unless
// the opportunity is EXCELLENT. Locked mode is the one exception: a locked
// app always passes, leaving only BASIC_RATE_LIMIT and HOURLY_CAP.
func (g *Gate) burdenThreshold(in Input, _ time.Time, _ time.Duration, _ bool) models.CheckpointResult {
	if in.Context.LockedMode {
		return models.CheckpointResult{Passed: true, Detail: "locked mode"}
	}
	level := in.Burden.Effective()
	ev := map[string]float64{
		"burden_level":      float64(level),
		"burden_score":      float64(in.Burden.Score),
		"opportunity_level": float64(in.Opportunity.Level),
	}
	if level >= models.BurdenHigh && in.Opportunity.Level != models.OpportunityExcellent {
		return models.CheckpointResult{
			Detail:   fmt.Sprintf("burden %s requires EXCELLENT opportunity, got %s", level, in.Opportunity.Level),
			Evidence: ev,
		}
	}
	detail := fmt.Sprintf("burden %s", level)
	if !in.Burden.Reliable {
		detail += " (insufficient samples)"
	}
	return models.CheckpointResult{Passed: true, Detail: detail, Evidence: ev}
}

func (g *Gate) burdenCooldown(in Input, _ time.Time, elapsed time.Duration, everShown bool) models.CheckpointResult {
	if in.Context.LockedMode {
		return models.CheckpointResult{Passed: true, Detail: "locked mode"}
	}
	cooldown := scale(g.cfg.MinInterval, in.Burden.Multiplier)
	if !everShown {
		return models.CheckpointResult{Passed: true, Detail: "no previous intervention"}
	}
	return models.CheckpointResult{
		Passed: elapsed >= cooldown,
		Detail: fmt.Sprintf("cooldown %s (x%.1f)", cooldown, multiplier(in.Burden.Multiplier)),
		Evidence: map[string]float64{
			"elapsed_seconds":  elapsed.Seconds(),
			"cooldown_seconds": cooldown.Seconds(),
			"multiplier":       multiplier(in.Burden.Multiplier),
		},
	}
}

func (g *Gate) hourlyCap(_ Input, now time.Time, _ time.Duration, _ bool) models.CheckpointResult {
	tokens := g.limiter.TokensAt(now)
	return models.CheckpointResult{
		Passed: tokens >= 1,
		Detail: fmt.Sprintf("%.2f of %d hourly slots left", tokens, g.cfg.MaxPerHour),
		Evidence: map[string]float64{
			"tokens":       tokens,
			"max_per_hour": float64(g.cfg.MaxPerHour),
		},
	}
}

func multiplier(m float64) float64 {
	if m < 1 {
		return 1
	}
	return m
}

func scale(d time.Duration, m float64) time.Duration {
	return time.Duration(float64(d) * multiplier(m))
}

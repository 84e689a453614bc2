// Package explain records why each gate decision was made and summarizes
// the decision log.
package explain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thebtf/pausepoint/internal/async"
	"github.com/thebtf/pausepoint/pkg/models"
)

// Store persists explanations.
type Store interface {
	InsertExplanation(ctx context.Context, e models.DecisionExplanation) error
	ExplanationsSince(ctx context.Context, since time.Time) ([]models.DecisionExplanation, error)
}

// AlertConfig controls the burden mitigation alert.
type AlertConfig struct {
	Rate         float64
	MinDecisions int
}

func DefaultAlertConfig() AlertConfig {
	return AlertConfig{Rate: 0.5, MinDecisions: 20}
}

// Explainer writes explanations in the background and never fails the caller.
type Explainer struct {
	store  Store
	writer async.Submitter
	alert  AlertConfig

	mu        sync.RWMutex
	listeners []func(models.DecisionExplanation)
}

func New(store Store, writer async.Submitter) *Explainer {
	return &Explainer{store: store, writer: writer, alert: DefaultAlertConfig()}
}

// WithAlert overrides the alert thresholds.
func (e *Explainer) WithAlert(cfg AlertConfig) *Explainer {
	e.alert = cfg
	return e
}

// Subscribe registers fn to receive every recorded explanation. fn runs on
// the decision path and must not block.
func (e *Explainer) Subscribe(fn func(models.DecisionExplanation)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Record stores exp asynchronously. It assigns an ID and timestamp when
// missing and returns the stored value.
func (e *Explainer) Record(_ context.Context, exp models.DecisionExplanation) models.DecisionExplanation {
	if exp.ID == "" {
		exp.ID = uuid.NewString()
	}
	if exp.Timestamp.IsZero() {
		exp.Timestamp = exp.Context.Timestamp
	}

	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(exp)
	}

	e.writer.Submit("record explanation", func(ctx context.Context) error {
		if err := e.store.InsertExplanation(ctx, exp); err != nil {
			return fmt.Errorf("insert explanation %s: %w", exp.ID, err)
		}
		return nil
	})
	return exp
}

// Summarize aggregates every explanation recorded since the given time.
func (e *Explainer) Summarize(ctx context.Context, since time.Time) (models.DecisionSummary, error) {
	exps, err := e.store.ExplanationsSince(ctx, since)
	if err != nil {
		return models.DecisionSummary{}, fmt.Errorf("load explanations: %w", err)
	}
	return Aggregate(exps, since, e.alert), nil
}

// Aggregate computes a summary over exps.
func Aggregate(exps []models.DecisionExplanation, since time.Time, alert AlertConfig) models.DecisionSummary {
	s := models.DecisionSummary{
		Since:       since,
		SkipReasons: make(map[models.BlockingReason]int),
		ByLevel:     make(map[models.OpportunityLevel]int),
	}
	var scoreSum, burdenSkips int
	for _, exp := range exps {
		s.Total++
		scoreSum += exp.OpportunityScore
		s.ByLevel[exp.OpportunityLevel]++
		if exp.Decision == models.DecisionShow {
			s.Shows++
			continue
		}
		s.Skips++
		s.SkipReasons[exp.BlockingReason]++
		if exp.BlockingReason.IsBurden() {
			burdenSkips++
		}
	}
	if s.Total == 0 {
		return s
	}
	s.ShowRate = float64(s.Shows) / float64(s.Total)
	s.SkipRate = float64(s.Skips) / float64(s.Total)
	s.MeanOpportunityScore = float64(scoreSum) / float64(s.Total)
	if s.Skips > 0 {
		s.BurdenMitigationRate = float64(burdenSkips) / float64(s.Skips)
	}
	s.BurdenMitigationAlert = s.Total >= alert.MinDecisions && s.BurdenMitigationRate > alert.Rate
	return s
}

package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/thebtf/pausepoint/internal/bandit"
	"github.com/thebtf/pausepoint/internal/gate"
	"github.com/thebtf/pausepoint/pkg/models"
)

// Decide runs the full pipeline for one trigger and returns the recorded
// explanation. It never fails: degraded inputs produce a decision anyway.
func (e *Engine) Decide(ctx context.Context, s models.Session, trigger models.Trigger, at time.Time) models.DecisionExplanation {
	ctx, span := e.d.Telemetry.tracer.Start(ctx, "engine.decide",
		trace.WithAttributes(
			attribute.String("pausepoint.app", s.AppID),
			attribute.String("pausepoint.trigger", string(trigger)),
		),
	)
	defer span.End()
	started := time.Now()

	c := e.BuildContext(ctx, s, trigger, at)
	opp := e.d.Scorer.Score(c)
	pa := e.d.Classifier.Classify(c.History, c.DailyGoal)
	ba := e.d.Burden.Current(ctx)

	ev := e.d.Gate.Evaluate(gate.Input{
		Context:     c,
		Opportunity: opp,
		Persona:     pa,
		Burden:      ba,
		LastShownAt: e.lastShown(ctx),
	})

	exp := models.DecisionExplanation{
		Timestamp:            at,
		SessionID:            s.ID,
		AppID:                s.AppID,
		Trigger:              trigger,
		Decision:             ev.Decision,
		BlockingReason:       ev.Reason,
		OpportunityScore:     opp.Total,
		OpportunityLevel:     opp.Level,
		OpportunityBreakdown: opp.Breakdown,
		Persona:              pa.Persona,
		PersonaConfidence:    pa.Confidence,
		Checkpoints:          ev.Checkpoints,
		BurdenLevel:          ba.Level,
		BurdenScore:          ba.Score,
		BurdenReliable:       ba.Reliable,
		CooldownMultiplier:   ba.Multiplier,
		Context:              c,
	}

	if ev.Decision == models.DecisionShow {
		e.show(ctx, &exp, c, pa.Persona)
		span.SetAttributes(attribute.String("pausepoint.content", string(exp.ContentType)))
	}

	exp = e.d.Explainer.Record(ctx, exp)
	elapsed := time.Since(started)
	e.d.Telemetry.decision(ctx, exp, elapsed)

	span.SetAttributes(
		attribute.String("pausepoint.decision", string(exp.Decision)),
		attribute.String("pausepoint.blocking_reason", string(exp.BlockingReason)),
		attribute.Int("pausepoint.opportunity_score", exp.OpportunityScore),
		attribute.String("pausepoint.burden_level", exp.BurdenLevel.String()),
	)

	log.Info().
		Str("app", s.AppID).
		Str("trigger", string(trigger)).
		Str("decision", string(exp.Decision)).
		Str("reason", string(exp.BlockingReason)).
		Int("opportunity", exp.OpportunityScore).
		Str("persona", string(exp.Persona)).
		Str("burden", exp.BurdenLevel.String()).
		Str("content", string(exp.ContentType)).
		Dur("took", elapsed).
		Msg("Intervention decision")
	return exp
}

// show selects content, records the outcome row and presents the
// intervention. Failures after the gate said SHOW are logged; the decision
// stays SHOW so the rate limits count it.
func (e *Engine) show(ctx context.Context, exp *models.DecisionExplanation, c models.InterventionContext, p models.Persona) {
	span := trace.SpanFromContext(ctx)
	ivID := uuid.NewString()
	sel := e.d.Bandit.Select(ctx, ivID, c, p)

	exp.InterventionID = ivID
	exp.ContentType = sel.ContentType
	exp.ContentReason = sel.Reason
	exp.ContentStrategy = string(sel.Strategy)
	if sel.Strategy == bandit.ModeShadow {
		exp.ShadowContent = sel.Shadow
	}

	iv := models.Intervention{
		ID:            ivID,
		SessionID:     c.SessionID,
		AppID:         c.AppID,
		ContentType:   sel.ContentType,
		ContextBucket: sel.Bucket,
		LockedMode:    c.LockedMode,
		ShownAt:       c.Timestamp,
		Context:       c,
	}
	e.markShown(c.Timestamp)

	// The row must exist before a response can arrive, so this write is
	// synchronous.
	if err := e.d.Outcomes.RecordShown(ctx, iv); err != nil {
		span.RecordError(err)
		e.d.Telemetry.failure(ctx, "record shown")
		log.Warn().Err(err).Str("interventionId", ivID).Msg("Failed to create outcome record")
	}
	if err := e.d.Presenter.Present(ctx, iv); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "present failed")
		e.d.Telemetry.failure(ctx, "present")
		log.Warn().Err(err).Str("interventionId", ivID).Msg("Failed to present intervention")
	}
}

// Package engine wires session events to the decision pipeline.
//
// Each SessionStarted and TimerAlert event builds an InterventionContext,
// scores it, classifies the user, asks the gate, and on SHOW picks content
// and hands the intervention to the Presenter. Every decision is explained.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/pausepoint/internal/async"
	"github.com/thebtf/pausepoint/internal/bandit"
	"github.com/thebtf/pausepoint/internal/burden"
	"github.com/thebtf/pausepoint/internal/clock"
	"github.com/thebtf/pausepoint/internal/explain"
	"github.com/thebtf/pausepoint/internal/gate"
	"github.com/thebtf/pausepoint/internal/opportunity"
	"github.com/thebtf/pausepoint/internal/outcome"
	"github.com/thebtf/pausepoint/internal/persona"
	"github.com/thebtf/pausepoint/internal/session"
	"github.com/thebtf/pausepoint/pkg/models"
)

const (
	DefaultRapidReopen   = 5 * time.Minute
	DefaultSnapshotEvery = 15 * time.Second
)

// Presenter shows an intervention to the user. Responses come back through
// Engine.RecordResponse.
type Presenter interface {
	Present(ctx context.Context, iv models.Intervention) error
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, iv models.Intervention) error

// Present calls f.
func (f PresenterFunc) Present(ctx context.Context, iv models.Intervention) error { return f(ctx, iv) }

// UsageStore is the session persistence the engine reads and writes.
type UsageStore interface {
	InsertSession(ctx context.Context, s models.Session) error
	SessionsBetween(ctx context.Context, appID string, from, to time.Time) ([]models.Session, error)
	LastEnded(ctx context.Context, appID string) (models.Session, error)
	History(ctx context.Context, appID string, now time.Time, goal time.Duration) (models.HistoryAggregates, error)
}

// InterventionStatsSource reports outcome-derived history.
type InterventionStatsSource interface {
	InterventionStats(ctx context.Context, appID string, hour int, now time.Time) (models.InterventionStats, error)
}

// LastShownSource seeds the rate limiter after a restart.
type LastShownSource interface {
	LastShownAt(ctx context.Context) (time.Time, error)
}

// SnapshotStore persists the in-flight session.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *session.Snapshot) error
	LoadSnapshot(ctx context.Context) (*session.Snapshot, error)
}

// AppPolicy answers per-app questions. *apps.Source implements it.
type AppPolicy interface {
	Monitored(appID string) bool
	Goal(appID string) time.Duration
	Locked(appID string) bool
}

// Deps are the collaborators of an Engine. Usage, Apps, Burden, Gate,
// Bandit, Explainer and Outcomes are required.
type Deps struct {
	Usage         UsageStore
	Interventions InterventionStatsSource
	LastShown     LastShownSource
	Snapshots     SnapshotStore
	Apps          AppPolicy

	Scorer     *opportunity.Scorer
	Classifier *persona.Classifier
	Burden     *burden.Tracker
	Gate       *gate.Gate
	Bandit     *bandit.Bandit
	Explainer  *explain.Explainer
	Outcomes   *outcome.Tracker

	Writer    async.Submitter
	Presenter Presenter
	Clock     clock.Clock
	Telemetry *Telemetry

	RapidReopen   time.Duration
	SnapshotEvery time.Duration
}

// Engine is the session.Handler that turns session events into decisions.
type Engine struct {
	d    Deps
	ctrl *session.Controller

	mu          sync.Mutex
	lastShownAt time.Time
	lastShownOK bool

	snapSeq  atomic.Uint64
	lastSnap time.Time

	// ended holds today's countable sessions per app. Their inserts are
	// asynchronous, so the store may not see them on the next tick.
	endedMu sync.Mutex
	ended   map[string][]models.Session
}

// New validates deps, registers the engine on ctrl and returns it.
func New(ctrl *session.Controller, d Deps) (*Engine, error) {
	switch {
	case ctrl == nil:
		return nil, errors.New("engine: nil session controller")
	case d.Usage == nil, d.Apps == nil:
		return nil, errors.New("engine: usage store and app policy are required")
	case d.Burden == nil, d.Gate == nil, d.Bandit == nil, d.Explainer == nil, d.Outcomes == nil:
		return nil, errors.New("engine: decision components are required")
	}
	if d.Scorer == nil {
		d.Scorer = opportunity.NewScorer(opportunity.DefaultThresholds())
	}
	if d.Classifier == nil {
		d.Classifier = persona.NewClassifier(persona.DefaultConfig())
	}
	if d.Writer == nil {
		d.Writer = async.Sync{Reporter: async.LogReporter{}}
	}
	if d.Presenter == nil {
		d.Presenter = PresenterFunc(func(context.Context, models.Intervention) error { return nil })
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Telemetry == nil {
		d.Telemetry = NoopTelemetry()
	}
	if d.RapidReopen <= 0 {
		d.RapidReopen = DefaultRapidReopen
	}
	if d.SnapshotEvery <= 0 {
		d.SnapshotEvery = DefaultSnapshotEvery
	}

	e := &Engine{d: d, ctrl: ctrl, ended: make(map[string][]models.Session)}
	ctrl.SetMonitored(d.Apps.Monitored)
	ctrl.AddHandler(e)
	return e, nil
}

// Controller returns the session controller the engine listens to.
func (e *Engine) Controller() *session.Controller { return e.ctrl }

// Start loads bandit arms and recovers an in-flight session.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.d.Bandit.Load(ctx); err != nil {
		return fmt.Errorf("load content arms: %w", err)
	}
	e.Recover(ctx)
	return nil
}

// Recover restores the session snapshot saved before a restart. Broken
// snapshots are logged and ignored.
func (e *Engine) Recover(ctx context.Context) {
	if e.d.Snapshots == nil {
		return
	}
	snap, err := e.d.Snapshots.LoadSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load session snapshot, starting fresh")
		e.saveSnapshot(nil)
		return
	}
	if snap == nil {
		return
	}
	if events := e.ctrl.Recover(ctx, snap, e.d.Clock.Now()); len(events) == 0 {
		e.saveSnapshot(nil)
	}
}

// Shutdown ends the open session so it is persisted before exit.
func (e *Engine) Shutdown(ctx context.Context) {
	e.ctrl.ForceEnd(ctx, e.d.Clock.Now(), models.EndReasonAppBackgrounded)
}

// HandleSessionEvent implements session.Handler.
func (e *Engine) HandleSessionEvent(ctx context.Context, ev session.Event) {
	switch ev.Type {
	case session.EventSessionStarted:
		e.saveSnapshotOf(ev, true)
		e.Decide(ctx, ev.Session, models.TriggerSessionStart, ev.At)
	case session.EventTimerAlert:
		e.saveSnapshotOf(ev, true)
		exp := e.Decide(ctx, ev.Session, models.TriggerTimerAlert, ev.At)
		if exp.Decision == models.DecisionShow {
			// The overlay takes the screen; the session ends here.
			e.ctrl.ForceEnd(ctx, ev.At, models.EndReasonTimerOverlay)
		}
	case session.EventSessionContinued:
		e.saveSnapshotOf(ev, false)
	case session.EventSessionEnded:
		e.onSessionEnded(ev)
	}
}

func (e *Engine) onSessionEnded(ev session.Event) {
	e.saveSnapshot(nil)
	s := ev.Session
	log.Debug().
		Str("sessionId", s.ID).
		Str("app", s.AppID).
		Str("reason", string(s.EndReason)).
		Dur("duration", s.Duration).
		Bool("countable", ev.Countable).
		Msg("Session ended")
	if !ev.Countable {
		return
	}
	e.rememberEnded(s)
	e.d.Writer.Submit("persist session", func(ctx context.Context) error {
		if err := e.d.Usage.InsertSession(ctx, s); err != nil {
			return fmt.Errorf("insert session %s: %w", s.ID, err)
		}
		return nil
	})
}

// rememberEnded keeps s in memory and drops sessions of the same app that
// started before the day s ended in.
func (e *Engine) rememberEnded(s models.Session) {
	day := startOfDay(s.EndedAt)
	e.endedMu.Lock()
	defer e.endedMu.Unlock()
	kept := e.ended[s.AppID][:0]
	for _, prev := range e.ended[s.AppID] {
		if !prev.StartedAt.Before(day) {
			kept = append(kept, prev)
		}
	}
	e.ended[s.AppID] = append(kept, s)
}

// endedBetween returns remembered sessions of appID started in [from, to).
func (e *Engine) endedBetween(appID string, from, to time.Time) []models.Session {
	e.endedMu.Lock()
	defer e.endedMu.Unlock()
	var out []models.Session
	for _, s := range e.ended[appID] {
		if !s.StartedAt.Before(from) && s.StartedAt.Before(to) {
			out = append(out, s)
		}
	}
	return out
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func (e *Engine) saveSnapshotOf(ev session.Event, force bool) {
	if e.d.Snapshots == nil {
		return
	}
	e.mu.Lock()
	due := force || ev.At.Sub(e.lastSnap) >= e.d.SnapshotEvery
	if due {
		e.lastSnap = ev.At
	}
	e.mu.Unlock()
	if due {
		e.saveSnapshot(&session.Snapshot{Session: ev.Session, SavedAt: ev.At})
	}
}

// saveSnapshot writes snap in the background; nil clears. Writes that were
// overtaken by a newer one are skipped.
func (e *Engine) saveSnapshot(snap *session.Snapshot) {
	if e.d.Snapshots == nil {
		return
	}
	seq := e.snapSeq.Add(1)
	e.d.Writer.Submit("save session snapshot", func(ctx context.Context) error {
		if e.snapSeq.Load() != seq {
			return nil
		}
		return e.d.Snapshots.SaveSnapshot(ctx, snap)
	})
}

// RecordResponse stores the user's immediate response to an intervention
// and refreshes the burden assessment.
func (e *Engine) RecordResponse(ctx context.Context, r models.ProximalResponse) error {
	if err := e.d.Outcomes.RecordProximal(ctx, r); err != nil {
		return err
	}
	e.d.Burden.Invalidate()
	e.d.Telemetry.response(ctx, r.Response)
	log.Info().
		Str("interventionId", r.InterventionID).
		Str("response", string(r.Response)).
		Dur("latency", r.Latency).
		Msg("Intervention response recorded")
	return nil
}

func (e *Engine) lastShown(ctx context.Context) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.lastShownOK && e.d.LastShown != nil {
		t, err := e.d.LastShown.LastShownAt(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load last shown time")
			return e.lastShownAt
		}
		if t.After(e.lastShownAt) {
			e.lastShownAt = t
		}
	}
	e.lastShownOK = true
	return e.lastShownAt
}

func (e *Engine) markShown(at time.Time) {
	e.mu.Lock()
	if at.After(e.lastShownAt) {
		e.lastShownAt = at
	}
	e.lastShownOK = true
	e.mu.Unlock()
}

package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	"github.com/thebtf/pausepoint/internal/apps"
	"github.com/thebtf/pausepoint/internal/async"
	"github.com/thebtf/pausepoint/internal/bandit"
	"github.com/thebtf/pausepoint/internal/burden"
	"github.com/thebtf/pausepoint/internal/clock"
	dbgorm "github.com/thebtf/pausepoint/internal/db/gorm"
	"github.com/thebtf/pausepoint/internal/explain"
	"github.com/thebtf/pausepoint/internal/gate"
	"github.com/thebtf/pausepoint/internal/outcome"
	"github.com/thebtf/pausepoint/internal/session"
	"github.com/thebtf/pausepoint/pkg/models"
)

const (
	feed  = "com.example.feed"
	chat  = "com.example.chat"
	other = "org.unmonitored"
)

const registry = `
apps:
  - id: com.example.feed
    daily_goal: 1h
  - id: com.example.chat
    locked: true
`

var t0 = time.Date(2026, 3, 10, 14, 0, 0, 0, time.Local)

type EngineSuite struct {
	suite.Suite
	ctx context.Context

	store     *dbgorm.Store
	usage     *dbgorm.SessionStore
	outcomes  *dbgorm.OutcomeStore
	decisions *dbgorm.DecisionStore
	state     *dbgorm.StateStore
	arms      *dbgorm.ArmStore

	clock  *clock.Fake
	ctrl   *session.Controller
	engine *Engine

	mu        sync.Mutex
	presented []models.Intervention
	presentFn func(models.Intervention) error
	reported  []string

	// Overrides picked up by newEngine.
	writer    async.Submitter
	usageWrap UsageStore
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	store, err := dbgorm.NewStore(dbgorm.Config{
		Path:     filepath.Join(s.T().TempDir(), "engine.db"),
		LogLevel: logger.Silent,
	})
	s.Require().NoError(err)
	s.store = store
	s.usage = dbgorm.NewSessionStore(store)
	s.outcomes = dbgorm.NewOutcomeStore(store)
	s.decisions = dbgorm.NewDecisionStore(store)
	s.state = dbgorm.NewStateStore(store)
	s.arms = dbgorm.NewArmStore(store)
	s.clock = clock.NewFake(t0)
	s.presented = nil
	s.presentFn = nil
	s.reported = nil
	s.writer = nil
	s.usageWrap = nil
	s.engine = s.newEngine()
}

func (s *EngineSuite) TearDownTest() {
	if s.store != nil {
		s.store.Close()
	}
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

// newEngine wires a fresh controller and components over the suite stores,
// the way a restarted process would.
func (s *EngineSuite) newEngine() *Engine {
	reg, err := apps.Parse([]byte(registry))
	s.Require().NoError(err)

	var writer async.Submitter = async.Sync{Reporter: async.ReporterFunc(func(op string, err error) {
		s.mu.Lock()
		s.reported = append(s.reported, op)
		s.mu.Unlock()
	})}
	if s.writer != nil {
		writer = s.writer
	}
	var usage UsageStore = s.usage
	if s.usageWrap != nil {
		usage = s.usageWrap
	}
	bt := burden.NewTracker(s.outcomes, burden.WithClock(s.clock))
	bd := bandit.New(s.arms, bandit.WithSampler(bandit.MeanSampler{}), bandit.WithNow(s.clock.Now), bandit.WithWriter(writer))
	ot := outcome.NewTracker(s.outcomes, s.usage, reg.Goal, bt, bd).WithClock(s.clock)

	s.ctrl = session.NewController(session.DefaultConfig())
	e, err := New(s.ctrl, Deps{
		Usage:         usage,
		Interventions: s.outcomes,
		LastShown:     s.decisions,
		Snapshots:     s.state,
		Apps:          reg,
		Burden:        bt,
		Gate:          gate.New(gate.DefaultConfig()),
		Bandit:        bd,
		Explainer:     explain.New(s.decisions, writer),
		Outcomes:      ot,
		Writer:        writer,
		Presenter: PresenterFunc(func(_ context.Context, iv models.Intervention) error {
			s.mu.Lock()
			s.presented = append(s.presented, iv)
			fn := s.presentFn
			s.mu.Unlock()
			if fn != nil {
				return fn(iv)
			}
			return nil
		}),
		Clock: s.clock,
	})
	s.Require().NoError(err)
	s.Require().NoError(e.Start(s.ctx))
	return e
}

func (s *EngineSuite) explanations() []models.DecisionExplanation {
	exps, err := s.decisions.ExplanationsSince(s.ctx, t0.Add(-24*time.Hour))
	s.Require().NoError(err)
	return exps
}

// observe feeds foreground samples of app every step from start to end.
func (s *EngineSuite) observe(app string, from, to, step time.Duration) {
	for off := from; off <= to; off += step {
		s.clock.Set(t0.Add(off))
		s.ctrl.Observe(s.ctx, app, t0.Add(off))
	}
}

func (s *EngineSuite) TestNew_RequiresComponents() {
	_, err := New(nil, Deps{})
	s.Error(err)
	_, err = New(session.NewController(session.DefaultConfig()), Deps{Usage: s.usage})
	s.Error(err)
}

func (s *EngineSuite) TestReopenAfterGap_NewSession() {
	s.observe(chat, 0, 60*time.Second, 10*time.Second)
	a, ok := s.ctrl.Current()
	s.Require().True(ok)

	s.observe(chat, 90*time.Second, 90*time.Second, time.Second)
	b, ok := s.ctrl.Current()
	s.Require().True(ok)
	s.NotEqual(a.ID, b.ID)

	persisted, err := s.usage.SessionsBetween(s.ctx, chat, t0.Add(-time.Hour), t0.Add(time.Hour))
	s.Require().NoError(err)
	s.Require().Len(persisted, 1)
	s.Equal(a.ID, persisted[0].ID)
	s.Equal(models.EndReasonGapTimeout, persisted[0].EndReason)
	s.Equal(60*time.Second, persisted[0].Duration)

	exps := s.explanations()
	s.Require().Len(exps, 2)
	s.Equal(models.DecisionShow, exps[0].Decision, "locked app with no prior shows")
	s.Equal(models.DecisionSkip, exps[1].Decision)
	s.Equal(models.ReasonBasicRateLimit, exps[1].BlockingReason)
	s.True(exps[1].Context.IsRapidReopen)
	s.Equal(2, exps[1].Context.SessionCountToday)
	s.Equal(60*time.Second, exps[1].Context.UsageToday)
}

func (s *EngineSuite) TestShow_PresentsAndCreatesOutcome() {
	s.observe(chat, 0, 0, time.Second)

	s.Require().Len(s.presented, 1)
	iv := s.presented[0]
	s.Equal(chat, iv.AppID)
	s.True(iv.LockedMode)
	s.True(iv.ContentType.Valid())
	s.NotEmpty(iv.ContextBucket)

	o, err := s.outcomes.GetOutcome(s.ctx, iv.ID)
	s.Require().NoError(err)
	s.Equal(iv.ContentType, o.ContentType)
	s.False(o.ProximalCollected)

	exps := s.explanations()
	s.Require().Len(exps, 1)
	s.Equal(iv.ID, exps[0].InterventionID)
	s.Equal(string(bandit.ModeBandit), exps[0].ContentStrategy)
	s.Len(exps[0].Checkpoints, len(gate.Order))
}

func (s *EngineSuite) TestRecordResponse() {
	s.observe(chat, 0, 0, time.Second)
	s.Require().Len(s.presented, 1)
	id := s.presented[0].ID

	s.Require().NoError(s.engine.RecordResponse(s.ctx, models.ProximalResponse{
		InterventionID: id,
		Response:       models.ResponseGoBack,
		Latency:        3 * time.Second,
		RespondedAt:    t0.Add(3 * time.Second),
	}))

	err := s.engine.RecordResponse(s.ctx, models.ProximalResponse{InterventionID: id, Response: models.ResponseDismiss})
	s.ErrorIs(err, models.ErrDuplicateOutcome)

	err = s.engine.RecordResponse(s.ctx, models.ProximalResponse{InterventionID: id, Response: "shrug"})
	s.ErrorIs(err, models.ErrInvalidResponse)

	err = s.engine.RecordResponse(s.ctx, models.ProximalResponse{InterventionID: "missing", Response: models.ResponseDismiss})
	s.ErrorIs(err, models.ErrNotFound)

	o, err := s.outcomes.GetOutcome(s.ctx, id)
	s.Require().NoError(err)
	s.True(o.ProximalCollected)
	s.Equal(models.ResponseGoBack, o.Response)
}

func (s *EngineSuite) TestTimerAlertShowEndsSession() {
	// First SHOW at session start, the timer fires ten minutes later.
	s.observe(chat, 0, 10*time.Minute, 10*time.Second)

	_, open := s.ctrl.Current()
	s.False(open, "timer overlay should end the session")
	s.Require().Len(s.presented, 2)

	persisted, err := s.usage.SessionsBetween(s.ctx, chat, t0.Add(-time.Hour), t0.Add(time.Hour))
	s.Require().NoError(err)
	s.Require().Len(persisted, 1)
	s.Equal(models.EndReasonTimerOverlay, persisted[0].EndReason)
	s.True(persisted[0].WasInterrupted)

	exps := s.explanations()
	s.Require().Len(exps, 2)
	s.Equal(models.TriggerTimerAlert, exps[1].Trigger)
}

func (s *EngineSuite) TestUnmonitoredAppIgnored() {
	s.observe(other, 0, 30*time.Second, 10*time.Second)
	_, open := s.ctrl.Current()
	s.False(open)
	s.Empty(s.explanations())
}

func (s *EngineSuite) TestShortSessionNotPersisted() {
	s.observe(feed, 0, 5*time.Second, 5*time.Second)
	s.observe(chat, 6*time.Second, 6*time.Second, time.Second)

	persisted, err := s.usage.SessionsBetween(s.ctx, feed, t0.Add(-time.Hour), t0.Add(time.Hour))
	s.Require().NoError(err)
	s.Empty(persisted)
}

func (s *EngineSuite) TestPresenterFailureStillCountsAsShown() {
	s.presentFn = func(models.Intervention) error { return errors.New("overlay permission revoked") }
	s.observe(chat, 0, 0, time.Second)

	exps := s.explanations()
	s.Require().Len(exps, 1)
	s.Equal(models.DecisionShow, exps[0].Decision)

	s.ctrl.ForceEnd(s.ctx, t0.Add(time.Second), models.EndReasonScreenOff)
	s.observe(chat, 2*time.Minute, 2*time.Minute, time.Second)
	exps = s.explanations()
	s.Require().Len(exps, 2)
	s.Equal(models.ReasonBasicRateLimit, exps[1].BlockingReason)
}

func (s *EngineSuite) TestLastShownSurvivesRestart() {
	s.observe(chat, 0, 20*time.Second, 10*time.Second)
	s.engine.Shutdown(s.ctx)

	s.engine = s.newEngine()
	s.observe(chat, 2*time.Minute, 2*time.Minute, time.Second)

	exps := s.explanations()
	s.Require().Len(exps, 2)
	s.Equal(models.ReasonBasicRateLimit, exps[1].BlockingReason)
	s.True(exps[1].Context.IsRapidReopen, "previous session end comes from the store after restart")
}

func (s *EngineSuite) TestRecover_ResumesFreshSnapshot() {
	s.observe(feed, 0, 20*time.Second, 10*time.Second)
	before, ok := s.ctrl.Current()
	s.Require().True(ok)

	snap, err := s.state.LoadSnapshot(s.ctx)
	s.Require().NoError(err)
	s.Require().NotNil(snap)
	s.Equal(before.ID, snap.Session.ID)

	// Restart 10 seconds later.
	s.clock.Set(t0.Add(30 * time.Second))
	s.engine = s.newEngine()

	after, ok := s.ctrl.Current()
	s.Require().True(ok)
	s.Equal(before.ID, after.ID)
	s.True(after.TimerAnchor.Equal(t0.Add(30 * time.Second)))
}

func (s *EngineSuite) TestRecover_DiscardsStaleSnapshot() {
	s.observe(feed, 0, 20*time.Second, 10*time.Second)

	s.clock.Set(t0.Add(10 * time.Minute))
	s.engine = s.newEngine()

	_, ok := s.ctrl.Current()
	s.False(ok)

	persisted, err := s.usage.SessionsBetween(s.ctx, feed, t0.Add(-time.Hour), t0.Add(time.Hour))
	s.Require().NoError(err)
	s.Require().Len(persisted, 1)
	s.Equal(models.EndReasonRestartDiscard, persisted[0].EndReason)

	snap, err := s.state.LoadSnapshot(s.ctx)
	s.Require().NoError(err)
	s.Nil(snap)
}

func (s *EngineSuite) TestBuildContext() {
	earlier := models.Session{
		ID:           "earlier",
		AppID:        feed,
		StartedAt:    t0.Add(-2 * time.Hour),
		LastActiveAt: t0.Add(-2*time.Hour + 50*time.Minute),
		Duration:     50 * time.Minute,
		EndedAt:      t0.Add(-2*time.Hour + 50*time.Minute),
		EndReason:    models.EndReasonAppSwitch,
	}
	s.Require().NoError(s.usage.InsertSession(s.ctx, earlier))

	cur := models.Session{ID: "now", AppID: feed, StartedAt: t0, Duration: 5 * time.Minute}
	c := s.engine.BuildContext(s.ctx, cur, models.TriggerTimerAlert, t0.Add(5*time.Minute))

	s.Equal(14, c.Hour)
	s.False(c.IsLateNight)
	s.Equal(2, c.SessionCountToday)
	s.Equal(55*time.Minute, c.UsageToday)
	s.Equal(time.Hour, c.DailyGoal)
	s.Equal(models.GoalStateNear, c.GoalState)
	s.False(c.IsRapidReopen)
	s.False(c.LockedMode)
	s.Equal(1, c.History.DaysOfHistory)
}

type slowUsage struct {
	*dbgorm.SessionStore
	delay time.Duration
}

func (u slowUsage) InsertSession(ctx context.Context, m models.Session) error {
	time.Sleep(u.delay)
	return u.SessionStore.InsertSession(ctx, m)
}

func (s *EngineSuite) TestBuildContext_CountsSessionStillBeingWritten() {
	w := async.NewWriter(s.ctx, 4, async.LogReporter{})
	s.writer = w
	s.usageWrap = slowUsage{SessionStore: s.usage, delay: 50 * time.Millisecond}
	s.engine = s.newEngine()

	s.observe(feed, 0, 20*time.Second, 2*time.Second)
	s.observe(feed, 80*time.Second, 80*time.Second, time.Second)
	w.Wait()

	exps := s.explanations()
	s.Require().Len(exps, 2)
	s.Equal(1, exps[0].Context.SessionCountToday)
	s.Equal(2, exps[1].Context.SessionCountToday)
	s.Equal(20*time.Second, exps[1].Context.UsageToday)

	persisted, err := s.usage.SessionsBetween(s.ctx, feed, t0.Add(-time.Hour), t0.Add(time.Hour))
	s.Require().NoError(err)
	s.Len(persisted, 1)
}

func (s *EngineSuite) TestBuildContext_DedupesRememberedSessions() {
	prev := models.Session{
		ID:        "prev",
		AppID:     feed,
		StartedAt: t0.Add(-time.Hour),
		EndedAt:   t0.Add(-time.Hour + 10*time.Minute),
		Duration:  10 * time.Minute,
	}
	s.Require().NoError(s.usage.InsertSession(s.ctx, prev))
	s.engine.rememberEnded(prev)

	cur := models.Session{ID: "cur", AppID: feed, StartedAt: t0}
	c := s.engine.BuildContext(s.ctx, cur, models.TriggerSessionStart, t0)
	s.Equal(2, c.SessionCountToday)
	s.Equal(10*time.Minute, c.UsageToday)
}

func TestCountingReporter(t *testing.T) {
	var got []string
	r := CountingReporter{
		Next:      async.ReporterFunc(func(op string, err error) { got = append(got, op) }),
		Telemetry: NoopTelemetry(),
	}
	r.Report("persist session", errors.New("disk full"))
	assert.Equal(t, []string{"persist session"}, got)
}

func TestTelemetry_ExportsToPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	tel, err := NewTelemetry("test", reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	ctx, span := tel.tracer.Start(context.Background(), "engine.decide")
	assert.True(t, span.IsRecording(), "sdk tracer records spans")
	span.End()

	tel.decision(ctx, models.DecisionExplanation{Decision: models.DecisionSkip, BlockingReason: models.ReasonBasicRateLimit}, 3*time.Millisecond)
	tel.response(ctx, models.ResponseGoBack)
	CountingReporter{Telemetry: tel}.Report("persist session", errors.New("disk full"))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"pausepoint_engine_decisions_total",
		"pausepoint_engine_responses_total",
		"pausepoint_engine_failures_total",
	} {
		assert.True(t, names[want], want)
	}
	var histogram bool
	for name := range names {
		if strings.HasPrefix(name, "pausepoint_engine_decision_duration") {
			histogram = true
		}
	}
	assert.True(t, histogram, "decision latency histogram exported")
}

func TestTelemetry_ShutdownNil(t *testing.T) {
	assert.NoError(t, NoopTelemetry().Shutdown(context.Background()))
	var tel *Telemetry
	assert.NoError(t, tel.Shutdown(context.Background()))
}

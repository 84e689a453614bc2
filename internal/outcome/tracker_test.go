package outcome

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/pausepoint/internal/clock"
	"github.com/thebtf/pausepoint/pkg/models"
)

// memStore mirrors the conditional update semantics of the SQL store.
type memStore struct {
	mu   sync.Mutex
	rows map[string]*models.ComprehensiveOutcome
	// raceStage makes SetStage report a concurrent writer for the stage.
	raceStage models.Stage
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*models.ComprehensiveOutcome)}
}

func (m *memStore) InsertOutcome(_ context.Context, o models.ComprehensiveOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[o.InterventionID]; ok {
		return models.ErrDuplicateOutcome
	}
	m.rows[o.InterventionID] = &o
	return nil
}

func (m *memStore) GetOutcome(_ context.Context, id string) (models.ComprehensiveOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.rows[id]
	if !ok {
		return models.ComprehensiveOutcome{}, models.ErrNotFound
	}
	return *o, nil
}

func (m *memStore) SetProximal(_ context.Context, r models.ProximalResponse) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.rows[r.InterventionID]
	if !ok || o.ProximalCollected {
		return false, nil
	}
	o.Response, o.ResponseLatency, o.Feedback = r.Response, r.Latency, r.Feedback
	o.ProximalCollected = true
	return true, nil
}

func (m *memStore) DueForStage(_ context.Context, stage models.Stage, after, before time.Time, maxAttempts int) ([]models.ComprehensiveOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ComprehensiveOutcome
	for _, o := range m.rows {
		if o.Collected(stage) || o.SweepAttempts >= maxAttempts {
			continue
		}
		if o.ShownAt.Before(after) || !o.ShownAt.Before(before) {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShownAt.Before(out[j].ShownAt) })
	return out, nil
}

func (m *memStore) SetStage(_ context.Context, in models.ComprehensiveOutcome, stage models.Stage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.rows[in.InterventionID]
	if stage == m.raceStage {
		m.setFlag(o, stage)
		return false, nil
	}
	if o.Collected(stage) {
		return false, nil
	}
	switch stage {
	case models.StageShort:
		o.Short = in.Short
	case models.StageMedium:
		o.Medium = in.Medium
	case models.StageLong:
		o.Long = in.Long
	}
	m.setFlag(o, stage)
	return true, nil
}

func (m *memStore) setFlag(o *models.ComprehensiveOutcome, stage models.Stage) {
	switch stage {
	case models.StageShort:
		o.ShortCollected = true
	case models.StageMedium:
		o.MediumCollected = true
	case models.StageLong:
		o.LongCollected = true
	}
}

func (m *memStore) RecordSweepFailure(_ context.Context, id, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].SweepAttempts++
	m.rows[id].LastSweepError = cause
	return nil
}

func (m *memStore) PendingRewards(_ context.Context, maxAttempts int) ([]models.ComprehensiveOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ComprehensiveOutcome
	for _, o := range m.rows {
		if !o.RewardApplied && o.SweepAttempts < maxAttempts {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memStore) SetReward(_ context.Context, id string, reward *float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.rows[id]
	if o.RewardApplied {
		return false, nil
	}
	o.RewardScore = reward
	o.RewardApplied = true
	return true, nil
}

func (m *memStore) ResetSweepAttempts(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, o := range m.rows {
		if o.SweepAttempts > 0 {
			o.SweepAttempts = 0
			n++
		}
	}
	return n, nil
}

type usageSession struct {
	app   string
	start time.Time
	dur   time.Duration
}

type fakeUsage struct {
	sessions []usageSession
	err      error
}

func (f *fakeUsage) NextSessionStart(_ context.Context, app string, after time.Time) (time.Time, bool, error) {
	if f.err != nil {
		return time.Time{}, false, f.err
	}
	var best time.Time
	for _, s := range f.sessions {
		if s.app == app && s.start.After(after) && (best.IsZero() || s.start.Before(best)) {
			best = s.start
		}
	}
	return best, !best.IsZero(), nil
}

func (f *fakeUsage) UsageBetween(_ context.Context, app string, from, to time.Time) (time.Duration, error) {
	if f.err != nil {
		return 0, f.err
	}
	var total time.Duration
	for _, s := range f.sessions {
		if s.app == app && !s.start.Before(from) && s.start.Before(to) {
			total += s.dur
		}
	}
	return total, nil
}

type recordingSink struct {
	mu      sync.Mutex
	rewards map[string][]float64
}

func (r *recordingSink) ApplyReward(_ context.Context, o models.ComprehensiveOutcome, reward float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rewards == nil {
		r.rewards = map[string][]float64{}
	}
	r.rewards[o.InterventionID] = append(r.rewards[o.InterventionID], reward)
	return nil
}

const app = "com.example.feed"

var shown = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

type TrackerSuite struct {
	suite.Suite
	store *memStore
	usage *fakeUsage
	sink  *recordingSink
	clk   *clock.Fake
	tr    *Tracker
	ctx   context.Context
}

func (s *TrackerSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = newMemStore()
	s.usage = &fakeUsage{}
	s.sink = &recordingSink{}
	s.clk = clock.NewFake(shown)
	s.tr = NewTracker(s.store, s.usage, func(string) time.Duration { return time.Hour }, s.sink).WithClock(s.clk)

	s.Require().NoError(s.tr.RecordShown(s.ctx, models.Intervention{
		ID:            "iv-1",
		SessionID:     "s-1",
		AppID:         app,
		ContentType:   models.ContentQuote,
		ContextBucket: "afternoon/casual_user",
		ShownAt:       shown,
	}))
}

func TestTrackerSuite(t *testing.T) {
	suite.Run(t, new(TrackerSuite))
}

func (s *TrackerSuite) TestRecordProximal() {
	err := s.tr.RecordProximal(s.ctx, models.ProximalResponse{InterventionID: "iv-1", Response: models.ResponseGoBack, Latency: 3 * time.Second})
	s.Require().NoError(err)

	o, err := s.store.GetOutcome(s.ctx, "iv-1")
	s.Require().NoError(err)
	s.True(o.ProximalCollected)
	s.Equal(models.ResponseGoBack, o.Response)

	err = s.tr.RecordProximal(s.ctx, models.ProximalResponse{InterventionID: "iv-1", Response: models.ResponseDismiss})
	s.ErrorIs(err, models.ErrDuplicateOutcome)

	err = s.tr.RecordProximal(s.ctx, models.ProximalResponse{InterventionID: "missing", Response: models.ResponseDismiss})
	s.ErrorIs(err, models.ErrNotFound)

	err = s.tr.RecordProximal(s.ctx, models.ProximalResponse{InterventionID: "iv-1", Response: "shrug"})
	s.ErrorIs(err, models.ErrInvalidResponse)
}

func (s *TrackerSuite) TestRecordShown_Duplicate() {
	err := s.tr.RecordShown(s.ctx, models.Intervention{ID: "iv-1", AppID: app, ShownAt: shown})
	s.ErrorIs(err, models.ErrDuplicateOutcome)
}

func (s *TrackerSuite) TestSweepShort_NotDueYet() {
	s.clk.Set(shown.Add(29 * time.Minute))
	res, err := s.tr.SweepShort(s.ctx)
	s.Require().NoError(err)
	s.Zero(res.Due)
}

func (s *TrackerSuite) TestSweepShort_Idempotent() {
	s.usage.sessions = []usageSession{{app: app, start: shown.Add(12 * time.Minute), dur: time.Minute}}
	s.clk.Set(shown.Add(31 * time.Minute))

	res, err := s.tr.SweepShort(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Collected)

	o, _ := s.store.GetOutcome(s.ctx, "iv-1")
	s.True(o.ShortCollected)
	s.True(o.Short.ReopenedWithin30m)
	s.Equal(12, o.Short.MinutesUntilReopen)

	// New data must not overwrite an already collected stage.
	s.usage.sessions = nil
	res, err = s.tr.SweepShort(s.ctx)
	s.Require().NoError(err)
	s.Zero(res.Due)
	o, _ = s.store.GetOutcome(s.ctx, "iv-1")
	s.True(o.Short.ReopenedWithin30m)
}

func (s *TrackerSuite) TestSweep_ConcurrentWriterWins() {
	s.store.raceStage = models.StageShort
	s.clk.Set(shown.Add(time.Hour))

	res, err := s.tr.SweepShort(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Skipped)
	s.Zero(res.Collected)
}

func (s *TrackerSuite) TestSweepMedium_GoalMet() {
	s.usage.sessions = []usageSession{
		{app: app, start: shown.Add(-2 * time.Hour), dur: 20 * time.Minute},
		{app: app, start: shown.Add(time.Hour), dur: 15 * time.Minute},
		{app: app, start: shown.Add(11 * time.Hour), dur: 30 * time.Minute}, // next day
	}
	s.clk.Set(shown.Add(12 * time.Hour))

	res, err := s.tr.SweepMedium(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Collected)

	o, _ := s.store.GetOutcome(s.ctx, "iv-1")
	s.Equal(15*time.Minute, o.Medium.UsageRestOfDay)
	s.True(o.Medium.GoalMetToday)
}

func (s *TrackerSuite) TestSweepMedium_DueOnlyAfterMidnight() {
	s.clk.Set(shown.Add(9 * time.Hour)) // 23:00 same day
	res, err := s.tr.SweepMedium(s.ctx)
	s.Require().NoError(err)
	s.Zero(res.Due)
}

func (s *TrackerSuite) TestSweepLong() {
	s.usage.sessions = []usageSession{
		{app: app, start: shown.Add(-3 * 24 * time.Hour), dur: 10 * time.Hour},
		{app: app, start: shown.Add(2 * 24 * time.Hour), dur: 6 * time.Hour},
	}
	s.clk.Set(shown.Add(LongWindow + time.Minute))

	res, err := s.tr.SweepLong(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Collected)

	o, _ := s.store.GetOutcome(s.ctx, "iv-1")
	s.InDelta(-40.0, o.Long.UsageChangePct, 1e-9)
}

func (s *TrackerSuite) TestSweep_BoundedRetries() {
	s.usage.err = errors.New("sessions table locked")
	s.clk.Set(shown.Add(time.Hour))

	for i := 0; i < DefaultMaxAttempts; i++ {
		res, err := s.tr.SweepShort(s.ctx)
		s.Require().NoError(err)
		s.Equal(1, res.Failed)
	}
	res, err := s.tr.SweepShort(s.ctx)
	s.Require().NoError(err)
	s.Zero(res.Due, "row parked after max attempts")

	o, _ := s.store.GetOutcome(s.ctx, "iv-1")
	s.Contains(o.LastSweepError, "sessions table locked")

	n, err := s.tr.ResetAttempts(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	s.usage.err = nil
	res, err = s.tr.SweepShort(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Collected)
}

func (s *TrackerSuite) TestFinalize_WaitsForAllStages() {
	s.Require().NoError(s.tr.RecordProximal(s.ctx, models.ProximalResponse{InterventionID: "iv-1", Response: models.ResponseGoBack}))
	s.clk.Set(shown.Add(24 * time.Hour))
	_, n, err := s.tr.SweepAll(s.ctx)
	s.Require().NoError(err)
	s.Zero(n, "long stage still outstanding")

	s.clk.Set(shown.Add(8 * 24 * time.Hour))
	results, n, err := s.tr.SweepAll(s.ctx)
	s.Require().NoError(err)
	s.Len(results, 3)
	s.Equal(1, n)

	// No usage at all: full marks except a neutral long stage.
	s.Require().Len(s.sink.rewards["iv-1"], 1)
	s.InDelta(1.0-0.1*0.5, s.sink.rewards["iv-1"][0], 1e-9)

	_, n, err = s.tr.SweepAll(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
	s.Len(s.sink.rewards["iv-1"], 1)
}

func (s *TrackerSuite) TestFinalize_MaxWaitUsesAvailableStages() {
	s.Require().NoError(s.tr.RecordProximal(s.ctx, models.ProximalResponse{InterventionID: "iv-1", Response: models.ResponseSnooze}))
	s.clk.Set(shown.Add(MaxWait))

	n, err := s.tr.FinalizeRewards(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.InDelta(0.4, s.sink.rewards["iv-1"][0], 1e-9)
}

func (s *TrackerSuite) TestFinalize_NothingObserved() {
	s.clk.Set(shown.Add(MaxWait))

	n, err := s.tr.FinalizeRewards(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
	o, _ := s.store.GetOutcome(s.ctx, "iv-1")
	s.True(o.RewardApplied)
	s.Nil(o.RewardScore)
	s.Empty(s.sink.rewards)
}

func TestReward(t *testing.T) {
	tests := []struct {
		name string
		o    models.ComprehensiveOutcome
		goal time.Duration
		want float64
		ok   bool
	}{
		{"nothing", models.ComprehensiveOutcome{}, 0, 0, false},
		{"proximal only", models.ComprehensiveOutcome{ProximalCollected: true, Response: models.ResponseContinue}, 0, 0.1, true},
		{
			"proximal and short",
			models.ComprehensiveOutcome{
				ProximalCollected: true, Response: models.ResponseDismiss,
				ShortCollected:    true, Short: models.ShortTermResult{ReopenedWithin30m: true, MinutesUntilReopen: 15},
			},
			0, (0.4*0 + 0.3*0.5) / 0.7, true,
		},
		{
			"all stages",
			models.ComprehensiveOutcome{
				ProximalCollected: true, Response: models.ResponseGoBack,
				ShortCollected:    true,
				MediumCollected:   true, Medium: models.MediumTermResult{GoalMetToday: false},
				LongCollected:     true, Long: models.LongTermResult{UsageChangePct: -20},
			},
			time.Hour, 0.4 + 0.3 + 0 + 0.1, true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Reward(tt.o, tt.goal)
			require.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestProximalValue(t *testing.T) {
	assert.Equal(t, 1.0, ProximalValue(models.ResponseGoBack))
	assert.Equal(t, 0.4, ProximalValue(models.ResponseSnooze))
	assert.Equal(t, 0.1, ProximalValue(models.ResponseContinue))
	assert.Equal(t, 0.05, ProximalValue(models.ResponseTimeout))
	assert.Equal(t, 0.0, ProximalValue(models.ResponseDismiss))
}

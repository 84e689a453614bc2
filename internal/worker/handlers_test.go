package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/thebtf/pausepoint/internal/async"
	"github.com/thebtf/pausepoint/internal/burden"
	gormdb "github.com/thebtf/pausepoint/internal/db/gorm"
	"github.com/thebtf/pausepoint/internal/explain"
	"github.com/thebtf/pausepoint/internal/worker/sse"
	"github.com/thebtf/pausepoint/pkg/models"
)

type fakeBurden struct{ a burden.Assessment }

func (f fakeBurden) Current(context.Context) burden.Assessment { return f.a }

type fakeArms []models.ContentArm

func (f fakeArms) Arms() []models.ContentArm { return f }

type fakeDaily struct {
	from, to string
	rows     []models.DailyStats
}

func (f *fakeDaily) DailyStats(_ context.Context, from, to string) ([]models.DailyStats, error) {
	f.from, f.to = from, to
	return f.rows, nil
}

type fakeResponses struct {
	got []models.ProximalResponse
	err error
}

func (f *fakeResponses) RecordResponse(_ context.Context, r models.ProximalResponse) error {
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, r)
	return nil
}

type testEnv struct {
	srv       *Server
	explainer *explain.Explainer
	daily     *fakeDaily
	responses *fakeResponses
}

func testServer(t *testing.T) *testEnv {
	t.Helper()

	store, err := gormdb.NewStore(gormdb.Config{
		Path:     filepath.Join(t.TempDir(), "worker.db"),
		MaxConns: 2,
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	decisions := gormdb.NewDecisionStore(store)
	env := &testEnv{
		explainer: explain.New(decisions, async.Sync{}),
		daily:     &fakeDaily{},
		responses: &fakeResponses{},
	}
	env.srv = NewServer("test-version", ServerDeps{
		Summary: env.explainer,
		Recent:  decisions,
		Burden: fakeBurden{a: burden.Assessment{
			Level:    models.BurdenHigh,
			Score:    11,
			Reliable: true,
		}},
		Arms:      fakeArms{{ContentType: models.ContentBreathingExercise, Bucket: "global", Successes: 3, Failures: 1}},
		Daily:     env.daily,
		Responses: env.responses,
	})
	env.explainer.Subscribe(env.srv.PublishDecision)
	env.srv.SetReady(true)
	return env
}

func (e *testEnv) do(method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) record(n int, decision models.Decision, reason models.BlockingReason) {
	for i := 0; i < n; i++ {
		e.explainer.Record(context.Background(), models.DecisionExplanation{
			Timestamp:        time.Now().Add(-time.Duration(i) * time.Minute),
			SessionID:        fmt.Sprintf("s-%d", i),
			AppID:            "feed",
			Trigger:          models.TriggerSessionStart,
			Decision:         decision,
			BlockingReason:   reason,
			OpportunityScore: 60,
			OpportunityLevel: models.OpportunityGood,
		})
	}
}

func TestHandleHealth_ReturnsVersion(t *testing.T) {
	env := testServer(t)

	rec := env.do(http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "ready", response["status"])
	assert.Equal(t, "test-version", response["version"])
}

func TestHandleHealth_StartingWhenNotReady(t *testing.T) {
	env := testServer(t)
	env.srv.SetReady(false)

	rec := env.do(http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"starting"`)
}

func TestHandleVersion(t *testing.T) {
	env := testServer(t)

	rec := env.do(http.MethodGet, "/api/version", nil)
	var response map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "test-version", response["version"])
}

func TestHandleReady(t *testing.T) {
	env := testServer(t)

	env.srv.SetReady(false)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(http.MethodGet, "/api/ready", nil).Code)

	env.srv.SetReady(true)
	rec := env.do(http.MethodGet, "/api/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready"`)
}

func TestRequireReadyMiddleware(t *testing.T) {
	env := testServer(t)
	handler := env.srv.requireReady(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))

	tests := []struct {
		name   string
		ready  bool
		status int
	}{
		{"blocks when not ready", false, http.StatusServiceUnavailable},
		{"allows when ready", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.srv.SetReady(tt.ready)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestHandleSummary(t *testing.T) {
	env := testServer(t)
	env.record(2, models.DecisionShow, "")
	env.record(3, models.DecisionSkip, models.ReasonBasicRateLimit)

	rec := env.do(http.MethodGet, "/api/decisions/summary?hours=24", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var sum models.DecisionSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 5, sum.Total)
	assert.Equal(t, 2, sum.Shows)
	assert.Equal(t, 3, sum.SkipReasons[models.ReasonBasicRateLimit])
}

func TestHandleRecent_Limit(t *testing.T) {
	env := testServer(t)
	env.record(8, models.DecisionSkip, models.ReasonBasicRateLimit)

	rec := env.do(http.MethodGet, "/api/decisions/recent?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []models.DecisionExplanation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 5)
}

func TestHandleRecent_EmptyIsArray(t *testing.T) {
	env := testServer(t)
	rec := env.do(http.MethodGet, "/api/decisions/recent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestHandleBurden(t *testing.T) {
	env := testServer(t)
	rec := env.do(http.MethodGet, "/api/burden", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"effective":"HIGH"`)
	assert.Contains(t, rec.Body.String(), `"score":11`)
}

func TestHandleArms(t *testing.T) {
	env := testServer(t)
	rec := env.do(http.MethodGet, "/api/arms", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var arms []models.ContentArm
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &arms))
	require.Len(t, arms, 1)
	assert.Equal(t, models.ContentBreathingExercise, arms[0].ContentType)
}

func TestHandleDailyStats(t *testing.T) {
	env := testServer(t)

	tests := []struct {
		name   string
		query  string
		status int
	}{
		{"explicit range", "?from=2026-03-01&to=2026-03-07", http.StatusOK},
		{"defaults", "", http.StatusOK},
		{"bad date", "?from=march", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodGet, "/api/stats/daily"+tt.query, nil)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
	env.do(http.MethodGet, "/api/stats/daily?from=2026-03-01&to=2026-03-07", nil)
	assert.Equal(t, "2026-03-01", env.daily.from)
	assert.Equal(t, "2026-03-07", env.daily.to)
}

func TestHandleResponse(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"recorded", `{"intervention_id":"iv-1","response":"go_back","latency_ms":1500}`, nil, http.StatusAccepted},
		{"bad json", `{`, nil, http.StatusBadRequest},
		{"missing id", `{"response":"go_back"}`, nil, http.StatusBadRequest},
		{"invalid response", `{"intervention_id":"iv-1","response":"maybe"}`, models.ErrInvalidResponse, http.StatusBadRequest},
		{"unknown", `{"intervention_id":"iv-9","response":"dismiss"}`, models.ErrNotFound, http.StatusNotFound},
		{"duplicate", `{"intervention_id":"iv-1","response":"dismiss"}`, models.ErrDuplicateOutcome, http.StatusConflict},
		{"store failure", `{"intervention_id":"iv-1","response":"dismiss"}`, fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testServer(t)
			if tt.err != nil {
				env.responses.err = fmt.Errorf("record proximal: %w", tt.err)
			}
			rec := env.do(http.MethodPost, "/api/responses", bytes.NewBufferString(tt.body))
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	env := testServer(t)
	env.do(http.MethodPost, "/api/responses", bytes.NewBufferString(`{"intervention_id":"iv-1","response":"go_back","latency_ms":1500}`))
	require.Len(t, env.responses.got, 1)
	assert.Equal(t, models.ResponseGoBack, env.responses.got[0].Response)
	assert.Equal(t, 1500*time.Millisecond, env.responses.got[0].Latency)
}

func TestRoutes_NotReadyBlocksData(t *testing.T) {
	env := testServer(t)
	env.srv.SetReady(false)
	for _, path := range []string{"/api/decisions/summary", "/api/burden", "/api/arms"} {
		assert.Equal(t, http.StatusServiceUnavailable, env.do(http.MethodGet, path, nil).Code, path)
	}
}

func TestRoutes_MissingSourceIs404(t *testing.T) {
	srv := NewServer("v", ServerDeps{})
	srv.SetReady(true)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/burden", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := testServer(t)
	env.record(1, models.DecisionSkip, models.ReasonBasicRateLimit)
	env.do(http.MethodGet, "/api/burden", nil)

	rec := env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `pausepoint_decisions_total{decision="SKIP",reason="BASIC_RATE_LIMIT"} 1`)
	assert.Contains(t, body, "pausepoint_burden_score 11")
	assert.Contains(t, body, `pausepoint_http_requests_total{method="GET",path="/api/burden",status="200"} 1`)
}

func TestPublishDecision_BuffersEvent(t *testing.T) {
	env := testServer(t)
	env.record(1, models.DecisionShow, "")

	events := env.srv.Events().Since(0)
	require.Len(t, events, 1)
	assert.Equal(t, "decision", events[0].Type)
	assert.Contains(t, string(events[0].Data), `"decision":"SHOW"`)
}

func TestDashboard(t *testing.T) {
	env := testServer(t)

	rec := env.do(http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pausepoint")

	rec = env.do(http.MethodGet, "/assets/dashboard.js", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "javascript")

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/assets/missing.js", nil).Code)
}

func TestStreamPresenter(t *testing.T) {
	b := sse.NewBroadcaster()
	p := StreamPresenter{Events: b}
	iv := models.Intervention{ID: "iv-1", AppID: "feed", ContentType: models.ContentBreathingExercise}

	assert.ErrorIs(t, p.Present(context.Background(), iv), ErrNoViewer)

	_, err := b.AddClient(httptest.NewRecorder())
	require.NoError(t, err)
	assert.NoError(t, p.Present(context.Background(), iv))

	events := b.Since(0)
	require.Len(t, events, 2)
	assert.Equal(t, "intervention", events[1].Type)
	assert.Contains(t, string(events[1].Data), `"id":"iv-1"`)
}

func TestParseHoursParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 24},
		{"?hours=6", 6},
		{"?hours=0", 24},
		{"?hours=-3", 24},
		{"?hours=abc", 24},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/x"+tt.query, nil)
		assert.Equal(t, tt.want, ParseHoursParam(r, 24), tt.query)
	}
}

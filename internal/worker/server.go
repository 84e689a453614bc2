// Package worker hosts the background side of pausepoint: the local status
// API, the decision event stream, Prometheus metrics and the cron jobs
// that collect delayed outcomes.
package worker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/pausepoint/internal/burden"
	"github.com/thebtf/pausepoint/internal/worker/sse"
	"github.com/thebtf/pausepoint/pkg/models"
)

const (
	DefaultSummaryHours = 24
	DefaultRecentLimit  = 50
	MaxRecentLimit      = 500
)

// Summarizer aggregates recorded decisions. *explain.Explainer implements it.
type Summarizer interface {
	Summarize(ctx context.Context, since time.Time) (models.DecisionSummary, error)
}

// RecentDecisions lists the newest explanations.
type RecentDecisions interface {
	Recent(ctx context.Context, limit int) ([]models.DecisionExplanation, error)
}

// BurdenSource reports the current burden assessment.
type BurdenSource interface {
	Current(ctx context.Context) burden.Assessment
}

// ArmSource lists content arm posteriors.
type ArmSource interface {
	Arms() []models.ContentArm
}

// DailyStatsSource reads aggregated daily rows.
type DailyStatsSource interface {
	DailyStats(ctx context.Context, from, to string) ([]models.DailyStats, error)
}

// ResponseRecorder accepts the user's response to a shown intervention.
type ResponseRecorder interface {
	RecordResponse(ctx context.Context, r models.ProximalResponse) error
}

// ServerDeps are the read models behind the API. Nil sources make their
// routes answer 404.
type ServerDeps struct {
	Summary   Summarizer
	Recent    RecentDecisions
	Burden    BurdenSource
	Arms      ArmSource
	Daily     DailyStatsSource
	Responses ResponseRecorder
	Events    *sse.Broadcaster
	Metrics   *Metrics
}

// Server is the local HTTP API.
type Server struct {
	version   string
	d         ServerDeps
	router    chi.Router
	http      *http.Server
	ready     atomic.Bool
	startTime time.Time
}

// NewServer builds the router. The server reports not-ready until
// SetReady(true).
func NewServer(version string, d ServerDeps) *Server {
	if d.Events == nil {
		d.Events = sse.NewBroadcaster()
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics()
	}
	s := &Server{
		version:   version,
		d:         d,
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(s.countRequests)

	r.Get("/", serveIndex)
	r.Get("/assets/*", serveAssets)
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Get("/api/version", s.handleVersion)
	r.Method(http.MethodGet, "/metrics", s.d.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireReady)
		r.Get("/api/decisions/summary", s.handleSummary)
		r.Get("/api/decisions/recent", s.handleRecent)
		r.Get("/api/burden", s.handleBurden)
		r.Get("/api/arms", s.handleArms)
		r.Get("/api/stats/daily", s.handleDailyStats)
		r.Post("/api/responses", s.handleResponse)
		r.Get("/api/events", s.d.Events.HandleSSE)
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Events returns the decision stream broadcaster.
func (s *Server) Events() *sse.Broadcaster { return s.d.Events }

// Metrics returns the Prometheus registry wrapper.
func (s *Server) Metrics() *Metrics { return s.d.Metrics }

// SetResponses installs the response recorder. The engine is built after
// the server because it presents through the server's event stream.
func (s *Server) SetResponses(r ResponseRecorder) { s.d.Responses = r }

// SetReady flips the readiness flag.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// PublishDecision streams a recorded decision and counts it. It is meant
// to be subscribed to the explainer.
func (s *Server) PublishDecision(exp models.DecisionExplanation) {
	s.d.Metrics.ObserveDecision(exp)
	s.d.Events.Publish("decision", exp)
}

// Start listens on addr and serves in the background. It returns once
// the listener is bound.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("Status API listening")
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetReady(false)
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeError(w, http.StatusServiceUnavailable, "service not ready")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.d.Metrics.httpTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"clients": s.d.Events.ClientCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.d.Summary == nil {
		http.NotFound(w, r)
		return
	}
	hours := ParseHoursParam(r, DefaultSummaryHours)
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	sum, err := s.d.Summary.Summarize(r.Context(), since)
	if err != nil {
		log.Error().Err(err).Int("hours", hours).Msg("Failed to summarize decisions")
		writeError(w, http.StatusInternalServerError, "summary failed")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.d.Recent == nil {
		http.NotFound(w, r)
		return
	}
	limit := min(parseIntParam(r, "limit", DefaultRecentLimit), MaxRecentLimit)
	exps, err := s.d.Recent.Recent(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load recent decisions")
		writeError(w, http.StatusInternalServerError, "recent decisions failed")
		return
	}
	if exps == nil {
		exps = []models.DecisionExplanation{}
	}
	writeJSON(w, http.StatusOK, exps)
}

func (s *Server) handleBurden(w http.ResponseWriter, r *http.Request) {
	if s.d.Burden == nil {
		http.NotFound(w, r)
		return
	}
	a := s.d.Burden.Current(r.Context())
	s.d.Metrics.SetBurden(a)
	writeJSON(w, http.StatusOK, map[string]any{
		"assessment": a,
		"effective":  a.Effective(),
	})
}

func (s *Server) handleArms(w http.ResponseWriter, r *http.Request) {
	if s.d.Arms == nil {
		http.NotFound(w, r)
		return
	}
	arms := s.d.Arms.Arms()
	if arms == nil {
		arms = []models.ContentArm{}
	}
	writeJSON(w, http.StatusOK, arms)
}

func (s *Server) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	if s.d.Daily == nil {
		http.NotFound(w, r)
		return
	}
	to := r.URL.Query().Get("to")
	if to == "" {
		to = time.Now().Format(time.DateOnly)
	}
	from := r.URL.Query().Get("from")
	if from == "" {
		from = time.Now().AddDate(0, 0, -6).Format(time.DateOnly)
	}
	for _, d := range []string{from, to} {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			writeError(w, http.StatusBadRequest, "dates must be YYYY-MM-DD")
			return
		}
	}
	rows, err := s.d.Daily.DailyStats(r.Context(), from, to)
	if err != nil {
		log.Error().Err(err).Str("from", from).Str("to", to).Msg("Failed to load daily stats")
		writeError(w, http.StatusInternalServerError, "daily stats failed")
		return
	}
	if rows == nil {
		rows = []models.DailyStats{}
	}
	writeJSON(w, http.StatusOK, rows)
}

type responseRequest struct {
	InterventionID string          `json:"intervention_id"`
	Response       string          `json:"response"`
	LatencyMs      int64           `json:"latency_ms"`
	Feedback       models.Feedback `json:"feedback,omitempty"`
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	if s.d.Responses == nil {
		http.NotFound(w, r)
		return
	}
	var req responseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.InterventionID == "" {
		writeError(w, http.StatusBadRequest, "intervention_id is required")
		return
	}
	resp := models.ProximalResponse{
		InterventionID: req.InterventionID,
		Response:       models.UserResponse(req.Response),
		Latency:        time.Duration(req.LatencyMs) * time.Millisecond,
		Feedback:       req.Feedback,
	}
	err := s.d.Responses.RecordResponse(r.Context(), resp)
	switch {
	case err == nil:
		s.d.Metrics.ObserveResponse(resp.Response)
		s.d.Events.Publish("response", resp)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
	case errors.Is(err, models.ErrInvalidResponse):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown intervention")
	case errors.Is(err, models.ErrDuplicateOutcome):
		writeError(w, http.StatusConflict, "response already recorded")
	default:
		log.Error().Err(err).Str("interventionId", req.InterventionID).Msg("Failed to record response")
		writeError(w, http.StatusInternalServerError, "record failed")
	}
}

// ParseHoursParam parses the "hours" query parameter. Missing or invalid
// values yield defaultHours.
func ParseHoursParam(r *http.Request, defaultHours int) int {
	return parseIntParam(r, "hours", defaultHours)
}

func parseIntParam(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

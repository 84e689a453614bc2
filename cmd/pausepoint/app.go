package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/thebtf/pausepoint/internal/apps"
	"github.com/thebtf/pausepoint/internal/async"
	"github.com/thebtf/pausepoint/internal/bandit"
	"github.com/thebtf/pausepoint/internal/burden"
	"github.com/thebtf/pausepoint/internal/clock"
	"github.com/thebtf/pausepoint/internal/config"
	gormdb "github.com/thebtf/pausepoint/internal/db/gorm"
	"github.com/thebtf/pausepoint/internal/engine"
	"github.com/thebtf/pausepoint/internal/explain"
	"github.com/thebtf/pausepoint/internal/gate"
	"github.com/thebtf/pausepoint/internal/outcome"
	"github.com/thebtf/pausepoint/internal/session"
	"github.com/thebtf/pausepoint/internal/worker"
)

// app is the composition root shared by every command.
type app struct {
	cfg   *config.Config
	clock clock.Clock

	store     *gormdb.Store
	sessions  *gormdb.SessionStore
	decisions *gormdb.DecisionStore
	outcomes  *gormdb.OutcomeStore
	arms      *gormdb.ArmStore
	stats     *gormdb.StatsStore
	state     *gormdb.StateStore

	apps      *apps.Source
	writer    *async.Writer
	telemetry *engine.Telemetry
	burden    *burden.Tracker
	bandit    *bandit.Bandit
	explainer *explain.Explainer
	tracker   *outcome.Tracker
	metrics   *worker.Metrics
	scheduler *worker.Scheduler

	cancel context.CancelFunc
}

type appOptions struct {
	clock clock.Clock
	debug bool
}

func newApp(opts appOptions) (*app, error) {
	if err := config.EnsureAll(); err != nil {
		return nil, fmt.Errorf("ensure data directory: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}

	a := &app{cfg: cfg, clock: opts.clock}
	if a.clock == nil {
		a.clock = clock.System{}
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = config.DBPath()
	}
	logLevel := logger.Silent
	if opts.debug {
		logLevel = logger.Warn
	}
	a.store, err = gormdb.NewStore(gormdb.Config{
		Driver:   cfg.DBDriver,
		Path:     dbPath,
		DSN:      cfg.DSN,
		MaxConns: cfg.MaxConns,
		LogLevel: logLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.sessions = gormdb.NewSessionStore(a.store)
	a.decisions = gormdb.NewDecisionStore(a.store)
	a.outcomes = gormdb.NewOutcomeStore(a.store)
	a.arms = gormdb.NewArmStore(a.store)
	a.stats = gormdb.NewStatsStore(a.store)
	a.state = gormdb.NewStateStore(a.store)

	a.apps, err = apps.NewSource(config.AppsPath())
	if err != nil {
		a.store.Close()
		return nil, fmt.Errorf("load app registry: %w", err)
	}

	a.metrics = worker.NewMetrics()
	a.telemetry, err = engine.NewTelemetry(Version, a.metrics.Registry())
	if err != nil {
		a.store.Close()
		return nil, fmt.Errorf("create telemetry: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.writer = async.NewWriter(ctx, cfg.WriterLimit, engine.CountingReporter{
		Next:      async.LogReporter{},
		Telemetry: a.telemetry,
	})

	mode, err := bandit.ParseMode(cfg.BanditMode)
	if err != nil {
		log.Warn().Err(err).Msg("Unknown bandit mode, using bandit")
		mode = bandit.ModeBandit
	}
	a.bandit = bandit.New(a.arms, bandit.WithMode(mode), bandit.WithNow(a.clock.Now), bandit.WithWriter(a.writer))
	a.burden = burden.NewTracker(a.outcomes, burden.WithClock(a.clock))
	a.explainer = explain.New(a.decisions, a.writer)
	a.tracker = outcome.NewTracker(a.outcomes, a.sessions, a.apps.Goal, a.bandit, a.burden).WithClock(a.clock)

	a.scheduler, err = worker.NewScheduler(worker.SchedulerDeps{
		Sweeper: a.tracker,
		Stats:   a.stats,
		Pruners: map[string]worker.Pruner{
			"sessions":              a.sessions,
			"decision_explanations": a.decisions,
		},
		Retention: cfg.Retention(),
		Metrics:   a.metrics,
		Clock:     a.clock,
	}, worker.Schedules{
		Sweep:     cfg.SweepSchedule,
		Aggregate: cfg.AggregateSchedule,
		Cleanup:   cfg.CleanupSchedule,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// newEngine builds a session controller and the decision engine on top of
// it. Snapshots are skipped in replay so a replay never resumes or
// clobbers the live session.
func (a *app) newEngine(presenter engine.Presenter, snapshots bool) (*engine.Engine, error) {
	ctrl := session.NewController(session.Config{
		Gap:                a.cfg.SessionGap(),
		MinSessionDuration: a.cfg.MinSession(),
		TimerDuration:      a.cfg.Timer(),
	})
	d := engine.Deps{
		Usage:         a.sessions,
		Interventions: a.outcomes,
		LastShown:     a.decisions,
		Apps:          a.apps,
		Burden:        a.burden,
		Gate:          gate.New(gate.Config{MinInterval: a.cfg.MinInterval(), MaxPerHour: a.cfg.MaxPerHour}),
		Bandit:        a.bandit,
		Explainer:     a.explainer,
		Outcomes:      a.tracker,
		Writer:        a.writer,
		Presenter:     presenter,
		Clock:         a.clock,
		Telemetry:     a.telemetry,
		RapidReopen:   a.cfg.RapidReopen(),
	}
	if snapshots {
		d.Snapshots = a.state
	}
	return engine.New(ctrl, d)
}

// Close drains pending writes and closes the store.
func (a *app) Close() {
	if a.writer != nil {
		done := make(chan struct{})
		go func() {
			a.writer.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			log.Warn().Msg("Timed out waiting for pending writes")
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.telemetry != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.telemetry.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down telemetry")
		}
		cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
}

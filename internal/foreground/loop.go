package foreground

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/pausepoint/internal/clock"
	"github.com/thebtf/pausepoint/internal/session"
	"github.com/thebtf/pausepoint/pkg/models"
)

// Mode selects the polling cadence.
type Mode int

const (
	ModeActive Mode = iota
	ModeIdle
	ModeScreenOff
	ModePowerSaving
)

func (m Mode) String() string {
	switch m {
	case ModeActive:
		return "active"
	case ModeIdle:
		return "idle"
	case ModeScreenOff:
		return "screen_off"
	case ModePowerSaving:
		return "power_saving"
	}
	return "unknown"
}

// Intervals holds the poll cadence per mode.
type Intervals struct {
	Active      time.Duration
	Idle        time.Duration
	ScreenOff   time.Duration
	PowerSaving time.Duration
}

// DefaultIntervals returns 2s / 5s / 15s / 30s.
func DefaultIntervals() Intervals {
	return Intervals{
		Active:      2 * time.Second,
		Idle:        5 * time.Second,
		ScreenOff:   15 * time.Second,
		PowerSaving: 30 * time.Second,
	}
}

// IntervalsFrom maps a four-element slice in Mode order onto Intervals.
func IntervalsFrom(d []time.Duration) Intervals {
	iv := DefaultIntervals()
	if len(d) == 4 {
		iv = Intervals{Active: d[0], Idle: d[1], ScreenOff: d[2], PowerSaving: d[3]}
	}
	return iv
}

// For returns the interval for m.
func (iv Intervals) For(m Mode) time.Duration {
	switch m {
	case ModeActive:
		return iv.Active
	case ModeScreenOff:
		return iv.ScreenOff
	case ModePowerSaving:
		return iv.PowerSaving
	}
	return iv.Idle
}

// Sink receives observations. *session.Controller implements it.
type Sink interface {
	Observe(ctx context.Context, appID string, at time.Time) []session.Event
	Tick(ctx context.Context, at time.Time) []session.Event
	ForceEnd(ctx context.Context, at time.Time, reason models.EndReason) []session.Event
	Current() (models.Session, bool)
}

// Loop polls a Source on an adaptive timer and drives a Sink synchronously.
type Loop struct {
	src       Source
	sink      Sink
	intervals Intervals
	clock     clock.Clock
	replay    bool

	screenOn bool
	lastAt   time.Time
	mode     Mode
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithIntervals overrides the poll cadence.
func WithIntervals(iv Intervals) LoopOption {
	return func(l *Loop) { l.intervals = iv }
}

// WithClock sets the clock used for ticks on poll failure.
func WithClock(c clock.Clock) LoopOption {
	return func(l *Loop) { l.clock = c }
}

// WithReplay disables waiting between polls and takes time only from
// observation timestamps.
func WithReplay() LoopOption {
	return func(l *Loop) { l.replay = true }
}

// NewLoop creates a polling loop.
func NewLoop(src Source, sink Sink, opts ...LoopOption) *Loop {
	l := &Loop{
		src:       src,
		sink:      sink,
		intervals: DefaultIntervals(),
		clock:     clock.System{},
		screenOn:  true,
		mode:      ModeIdle,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Mode returns the cadence chosen after the latest poll.
func (l *Loop) Mode() Mode { return l.mode }

// LastObserved returns the timestamp of the latest observation.
func (l *Loop) LastObserved() time.Time { return l.lastAt }

// Run polls until ctx is done or the source is exhausted. Exhaustion is
// not an error.
func (l *Loop) Run(ctx context.Context) error {
	log.Info().Bool("replay", l.replay).Msg("Foreground loop started")
	defer log.Info().Msg("Foreground loop stopped")

	for {
		if err := l.Step(ctx); err != nil {
			if errors.Is(err, ErrExhausted) {
				if err != ErrExhausted {
					log.Warn().Err(err).Msg("Foreground source ended with error")
				}
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if l.replay {
			continue
		}

		timer := time.NewTimer(l.intervals.For(l.mode))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Step performs one poll. Transient source errors become a gap check so a
// broken poller still closes sessions; ErrExhausted and context errors are
// returned.
func (l *Loop) Step(ctx context.Context) error {
	obs, err := l.src.Poll(ctx)
	if err != nil {
		if errors.Is(err, ErrExhausted) || ctx.Err() != nil {
			return err
		}
		log.Warn().Err(err).Msg("Foreground poll failed")
		if !l.replay {
			l.sink.Tick(ctx, l.clock.Now())
		}
		return nil
	}

	l.lastAt = obs.At
	switch {
	case !obs.ScreenOn:
		if l.screenOn {
			l.sink.ForceEnd(ctx, obs.At, models.EndReasonScreenOff)
		} else {
			l.sink.Tick(ctx, obs.At)
		}
	default:
		l.sink.Observe(ctx, obs.AppID, obs.At)
	}
	l.screenOn = obs.ScreenOn
	l.mode = l.nextMode(obs)
	return nil
}

func (l *Loop) nextMode(obs Observation) Mode {
	switch {
	case obs.PowerSaving:
		return ModePowerSaving
	case !obs.ScreenOn:
		return ModeScreenOff
	}
	if _, ok := l.sink.Current(); ok {
		return ModeActive
	}
	return ModeIdle
}

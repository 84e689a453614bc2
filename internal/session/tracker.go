// Package session turns foreground-app observations into usage sessions.
//
// The state machine is a pure function (Transition) over an explicit State
// value. Controller owns the single current session and dispatches the
// events Transition emits.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/thebtf/pausepoint/pkg/models"
)

const (
	DefaultGap                = 30 * time.Second
	DefaultMinSessionDuration = 10 * time.Second
	DefaultTimerDuration      = 10 * time.Minute
)

// EventType enumerates what a transition produced.
type EventType int

const (
	EventSessionStarted EventType = iota + 1
	EventSessionContinued
	EventTimerAlert
	EventSessionEnded
)

func (t EventType) String() string {
	switch t {
	case EventSessionStarted:
		return "session_started"
	case EventSessionContinued:
		return "session_continued"
	case EventTimerAlert:
		return "timer_alert"
	case EventSessionEnded:
		return "session_ended"
	}
	return "unknown"
}

// Event is emitted by Transition. Session is a copy taken after the transition.
type Event struct {
	Type    EventType
	Session models.Session
	At      time.Time

	// Countable is set on EventSessionEnded when the session lasted at
	// least the minimum duration and should be persisted as usage.
	Countable bool
}

// Input is one of Foreground, Timeout or ForceEnd.
type Input interface {
	at() time.Time
}

// Foreground reports the app currently in the foreground. An empty AppID
// means nothing is in the foreground (home screen, lock screen).
type Foreground struct {
	AppID string
	At    time.Time
}

// Timeout is a clock tick with no new foreground information.
type Timeout struct {
	At time.Time
}

// ForceEnd terminates the open session immediately.
type ForceEnd struct {
	At     time.Time
	Reason models.EndReason
}

func (f Foreground) at() time.Time { return f.At }
func (t Timeout) at() time.Time    { return t.At }
func (f ForceEnd) at() time.Time   { return f.At }

// Config controls the transition thresholds.
type Config struct {
	Gap                time.Duration
	MinSessionDuration time.Duration
	TimerDuration      time.Duration

	// Monitored reports whether an app id should open sessions.
	// Nil treats every non-empty app id as monitored.
	Monitored func(appID string) bool

	// NewID issues session ids. Nil uses random UUIDs.
	NewID func() string
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		Gap:                DefaultGap,
		MinSessionDuration: DefaultMinSessionDuration,
		TimerDuration:      DefaultTimerDuration,
	}
}

func (c Config) monitored(appID string) bool {
	if appID == "" {
		return false
	}
	if c.Monitored == nil {
		return true
	}
	return c.Monitored(appID)
}

func (c Config) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}

// State is the tracker state: Idle when Current is nil, Active otherwise.
type State struct {
	Current *models.Session
}

// Idle reports whether no session is open.
func (s State) Idle() bool {
	return s.Current == nil
}

// Transition applies one input and returns the next state and emitted events.
// It never mutates the session referenced by st.
func Transition(st State, in Input, cfg Config) (State, []Event) {
	switch v := in.(type) {
	case Foreground:
		return onForeground(st, v, cfg)
	case Timeout:
		return onTimeout(st, v, cfg)
	case ForceEnd:
		return onForceEnd(st, v, cfg)
	}
	return st, nil
}

func onForeground(st State, in Foreground, cfg Config) (State, []Event) {
	var events []Event

	if st.Current != nil {
		s := *st.Current
		sinceActive := in.At.Sub(s.LastActiveAt)

		if in.AppID == s.AppID {
			// Duplicates and out-of-order samples confirm nothing new.
			if sinceActive <= 0 {
				return st, nil
			}
			if sinceActive < cfg.Gap {
				s.Duration += sinceActive
				s.LastActiveAt = in.At
				events = append(events, Event{Type: EventSessionContinued, Session: s, At: in.At})
				if cfg.TimerDuration > 0 && in.At.Sub(s.TimerAnchor) >= cfg.TimerDuration {
					s.TimerAnchor = in.At
					s.TimerAlerts++
					events = append(events, Event{Type: EventTimerAlert, Session: s, At: in.At})
				}
				return State{Current: &s}, events
			}
			events = append(events, endSession(s, s.LastActiveAt, models.EndReasonGapTimeout, cfg))
		} else if sinceActive > 0 && sinceActive < cfg.Gap {
			// The user stayed on the app until the switch was observed.
			s.Duration += sinceActive
			s.LastActiveAt = in.At
			events = append(events, endSession(s, in.At, models.EndReasonAppSwitch, cfg))
		} else if sinceActive >= cfg.Gap {
			events = append(events, endSession(s, s.LastActiveAt, models.EndReasonGapTimeout, cfg))
		} else {
			events = append(events, endSession(s, s.LastActiveAt, models.EndReasonAppSwitch, cfg))
		}
		st = State{}
	}

	if !cfg.monitored(in.AppID) {
		return st, events
	}

	s := models.Session{
		ID:           cfg.newID(),
		AppID:        in.AppID,
		StartedAt:    in.At,
		LastActiveAt: in.At,
		TimerAnchor:  in.At,
	}
	events = append(events, Event{Type: EventSessionStarted, Session: s, At: in.At})
	return State{Current: &s}, events
}

func onTimeout(st State, in Timeout, cfg Config) (State, []Event) {
	if st.Current == nil {
		return st, nil
	}
	s := *st.Current
	if in.At.Sub(s.LastActiveAt) < cfg.Gap {
		return st, nil
	}
	return State{}, []Event{endSession(s, s.LastActiveAt, models.EndReasonGapTimeout, cfg)}
}

func onForceEnd(st State, in ForceEnd, cfg Config) (State, []Event) {
	if st.Current == nil {
		return st, nil
	}
	s := *st.Current
	endAt := s.LastActiveAt
	if since := in.At.Sub(s.LastActiveAt); since > 0 && since < cfg.Gap {
		s.Duration += since
		s.LastActiveAt = in.At
		endAt = in.At
	}
	reason := in.Reason
	if reason == "" {
		reason = models.EndReasonAppBackgrounded
	}
	return State{}, []Event{endSession(s, endAt, reason, cfg)}
}

func endSession(s models.Session, at time.Time, reason models.EndReason, cfg Config) Event {
	s.EndedAt = at
	s.EndReason = reason
	s.WasInterrupted = reason.Interrupting()
	return Event{
		Type:      EventSessionEnded,
		Session:   s,
		At:        at,
		Countable: s.Duration >= cfg.MinSessionDuration,
	}
}

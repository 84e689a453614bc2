package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/pausepoint/pkg/models"
)

// Handler consumes events emitted by the controller.
type Handler interface {
	HandleSessionEvent(ctx context.Context, ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev Event)

// HandleSessionEvent calls f.
func (f HandlerFunc) HandleSessionEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Snapshot is the persisted form of an in-flight session.
type Snapshot struct {
	Session models.Session `json:"session"`
	SavedAt time.Time      `json:"saved_at"`
}

// Controller is the single writer of tracker state. Callers interact with
// the current session only through its methods.
type Controller struct {
	cfg      Config
	state    State
	handlers []Handler

	// lastEnded holds the end time of the latest session per app,
	// used for rapid-reopen detection.
	lastEnded map[string]time.Time

	mu sync.Mutex
}

// NewController creates a controller in the Idle state.
func NewController(cfg Config, handlers ...Handler) *Controller {
	return &Controller{
		cfg:       cfg,
		handlers:  handlers,
		lastEnded: make(map[string]time.Time),
	}
}

// AddHandler registers an additional event consumer.
func (c *Controller) AddHandler(h Handler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// SetMonitored replaces the monitored-app predicate.
func (c *Controller) SetMonitored(fn func(appID string) bool) {
	c.mu.Lock()
	c.cfg.Monitored = fn
	c.mu.Unlock()
}

// Observe feeds one foreground observation.
func (c *Controller) Observe(ctx context.Context, appID string, at time.Time) []Event {
	return c.apply(ctx, Foreground{AppID: appID, At: at})
}

// Tick checks the open session against the gap threshold.
func (c *Controller) Tick(ctx context.Context, at time.Time) []Event {
	return c.apply(ctx, Timeout{At: at})
}

// ForceEnd terminates the open session synchronously.
func (c *Controller) ForceEnd(ctx context.Context, at time.Time, reason models.EndReason) []Event {
	return c.apply(ctx, ForceEnd{At: at, Reason: reason})
}

// Current returns a copy of the open session.
func (c *Controller) Current() (models.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Current == nil {
		return models.Session{}, false
	}
	return *c.state.Current, true
}

// LastEnded returns when the latest session for appID ended.
func (c *Controller) LastEnded(appID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.lastEnded[appID]
	return t, ok
}

// Snapshot returns the in-flight session for persistence, or nil when idle.
func (c *Controller) Snapshot(now time.Time) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Current == nil {
		return nil
	}
	return &Snapshot{Session: *c.state.Current, SavedAt: now}
}

// Recover restores an in-flight session after a restart. Snapshots that are
// malformed or older than the gap threshold are discarded; a fresh one is
// resumed with its engagement timer re-anchored at now.
func (c *Controller) Recover(ctx context.Context, snap *Snapshot, now time.Time) []Event {
	if snap == nil {
		return nil
	}

	c.mu.Lock()
	if c.state.Current != nil {
		c.mu.Unlock()
		log.Warn().Str("sessionId", snap.Session.ID).Msg("Session already open, ignoring recovery snapshot")
		return nil
	}

	s := snap.Session
	if s.ID == "" || s.AppID == "" || s.LastActiveAt.IsZero() || s.LastActiveAt.After(now) || s.StartedAt.After(s.LastActiveAt) {
		c.mu.Unlock()
		log.Warn().Str("sessionId", s.ID).Msg("Discarding malformed session snapshot")
		return nil
	}

	var events []Event
	if now.Sub(s.LastActiveAt) >= c.cfg.Gap {
		ev := endSession(s, s.LastActiveAt, models.EndReasonRestartDiscard, c.cfg)
		c.lastEnded[s.AppID] = ev.Session.EndedAt
		events = append(events, ev)
		log.Info().Str("sessionId", s.ID).Str("app", s.AppID).Msg("Discarded stale session after restart")
	} else {
		s.TimerAnchor = now
		c.state = State{Current: &s}
		events = append(events, Event{Type: EventSessionContinued, Session: s, At: now})
		log.Info().Str("sessionId", s.ID).Str("app", s.AppID).Msg("Resumed session after restart")
	}
	handlers := c.handlers
	c.mu.Unlock()

	dispatch(ctx, handlers, events)
	return events
}

// apply runs the transition under the lock and dispatches after releasing
// it, so handlers may call back into the controller.
func (c *Controller) apply(ctx context.Context, in Input) []Event {
	c.mu.Lock()
	next, events := Transition(c.state, in, c.cfg)
	c.state = next
	for _, ev := range events {
		if ev.Type == EventSessionEnded {
			c.lastEnded[ev.Session.AppID] = ev.Session.EndedAt
		}
	}
	handlers := c.handlers
	c.mu.Unlock()

	dispatch(ctx, handlers, events)
	return events
}

func dispatch(ctx context.Context, handlers []Handler, events []Event) {
	for _, ev := range events {
		for _, h := range handlers {
			h.HandleSessionEvent(ctx, ev)
		}
	}
}

// Package models contains domain models for pausepoint.
package models

import "time"

// EndReason records why a usage session was closed.
type EndReason string

const (
	EndReasonAppSwitch       EndReason = "app_switch"
	EndReasonGapTimeout      EndReason = "gap_timeout"
	EndReasonScreenOff       EndReason = "screen_off"
	EndReasonAppBackgrounded EndReason = "app_backgrounded"
	EndReasonTimerOverlay    EndReason = "timer_overlay"
	EndReasonRestartDiscard  EndReason = "restart_discard"
)

// Interrupting reports whether the reason is an external interruption
// rather than the user naturally leaving the app.
func (r EndReason) Interrupting() bool {
	switch r {
	case EndReasonScreenOff, EndReasonTimerOverlay, EndReasonAppBackgrounded:
		return true
	}
	return false
}

// Session is one continuous period of foreground use of a monitored app.
type Session struct {
	ID           string        `json:"id"`
	AppID        string        `json:"app_id"`
	StartedAt    time.Time     `json:"started_at"`
	LastActiveAt time.Time     `json:"last_active_at"`
	Duration     time.Duration `json:"duration"`

	// TimerAnchor is the point the engagement timer was last reset.
	// It moves independently of StartedAt.
	TimerAnchor time.Time `json:"timer_anchor"`
	TimerAlerts int       `json:"timer_alerts"`

	EndedAt        time.Time `json:"ended_at,omitempty"`
	EndReason      EndReason `json:"end_reason,omitempty"`
	WasInterrupted bool      `json:"was_interrupted"`
}

// IsOpen reports whether the session has not been ended yet.
func (s *Session) IsOpen() bool {
	return s != nil && s.EndedAt.IsZero()
}

// UsageSummary aggregates persisted usage for one app over a window.
type UsageSummary struct {
	AppID         string        `json:"app_id"`
	Sessions      int           `json:"sessions"`
	TotalDuration time.Duration `json:"total_duration"`
	LateNight     int           `json:"late_night"`
	FirstSession  time.Time     `json:"first_session"`
	LastSessionAt time.Time     `json:"last_session_at"`
}

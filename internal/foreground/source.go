// Package foreground feeds foreground-app observations into the session
// controller.
package foreground

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// ErrExhausted is returned by finite sources once every observation was read.
var ErrExhausted = errors.New("foreground source exhausted")

// Observation is one poll result.
type Observation struct {
	// AppID is the foreground app; empty on the home or lock screen.
	AppID       string    `json:"app"`
	At          time.Time `json:"at"`
	ScreenOn    bool      `json:"screen_on"`
	PowerSaving bool      `json:"power_saving"`
}

// Source reports what is in the foreground right now.
type Source interface {
	Poll(ctx context.Context) (Observation, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Observation, error)

// Poll calls f.
func (f SourceFunc) Poll(ctx context.Context) (Observation, error) { return f(ctx) }

// JSONLinesSource replays newline-delimited observations, one per Poll.
// Blank lines and lines starting with '#' are skipped.
type JSONLinesSource struct {
	scanner *bufio.Scanner
	line    int
	mu      sync.Mutex
}

// NewJSONLinesSource reads observations from r.
func NewJSONLinesSource(r io.Reader) *JSONLinesSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	return &JSONLinesSource{scanner: sc}
}

// rawObservation defaults screen_on to true when the field is missing.
type rawObservation struct {
	AppID       string    `json:"app"`
	At          time.Time `json:"at"`
	ScreenOn    *bool     `json:"screen_on"`
	PowerSaving bool      `json:"power_saving"`
}

// Poll returns the next observation or ErrExhausted at end of input.
func (s *JSONLinesSource) Poll(ctx context.Context) (Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return Observation{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return Observation{}, fmt.Errorf("read observations: %w: %w", ErrExhausted, err)
			}
			return Observation{}, ErrExhausted
		}
		s.line++
		text := strings.TrimSpace(s.scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var raw rawObservation
		if err := json.Unmarshal([]byte(text), &raw); err != nil {
			return Observation{}, fmt.Errorf("line %d: %w", s.line, err)
		}
		if raw.At.IsZero() {
			return Observation{}, fmt.Errorf("line %d: missing timestamp", s.line)
		}
		obs := Observation{AppID: raw.AppID, At: raw.At, ScreenOn: true, PowerSaving: raw.PowerSaving}
		if raw.ScreenOn != nil {
			obs.ScreenOn = *raw.ScreenOn
		}
		return obs, nil
	}
}

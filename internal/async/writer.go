// Package async runs best-effort persistence off the decision path.
package async

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is reported when a write is dropped because every slot is busy.
var ErrQueueFull = errors.New("async writer queue full")

// Reporter receives errors that must not reach the caller.
type Reporter interface {
	Report(op string, err error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(op string, err error)

func (f ReporterFunc) Report(op string, err error) { f(op, err) }

// LogReporter logs through the global zerolog logger.
type LogReporter struct{}

func (LogReporter) Report(op string, err error) {
	log.Warn().Err(err).Str("op", op).Msg("Background write failed")
}

// Submitter accepts fire-and-forget work.
type Submitter interface {
	Submit(op string, fn func(ctx context.Context) error) bool
}

const (
	DefaultLimit   = 32
	DefaultTimeout = 10 * time.Second
)

// Writer is a bounded pool of background writes.
type Writer struct {
	ctx      context.Context
	g        errgroup.Group
	reporter Reporter
	timeout  time.Duration
}

// NewWriter creates a writer allowing limit concurrent writes. Writes run
// with a context derived from ctx.
func NewWriter(ctx context.Context, limit int, reporter Reporter) *Writer {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if reporter == nil {
		reporter = LogReporter{}
	}
	w := &Writer{ctx: ctx, reporter: reporter, timeout: DefaultTimeout}
	w.g.SetLimit(limit)
	return w
}

// Submit schedules fn. It never blocks: when the pool is saturated the
// write is dropped, reported, and false is returned.
func (w *Writer) Submit(op string, fn func(ctx context.Context) error) bool {
	ok := w.g.TryGo(func() error {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), w.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			w.reporter.Report(op, err)
		}
		return nil
	})
	if !ok {
		w.reporter.Report(op, ErrQueueFull)
	}
	return ok
}

// Wait blocks until every submitted write has finished.
func (w *Writer) Wait() {
	_ = w.g.Wait()
}

// Sync runs writes inline. Tests and one-shot CLI commands use it.
type Sync struct {
	Reporter Reporter
}

func (s Sync) Submit(op string, fn func(ctx context.Context) error) bool {
	if err := fn(context.Background()); err != nil {
		r := s.Reporter
		if r == nil {
			r = LogReporter{}
		}
		r.Report(op, err)
	}
	return true
}

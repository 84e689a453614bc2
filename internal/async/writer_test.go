package async

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	mu   sync.Mutex
	errs map[string][]error
}

func (r *recorder) Report(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errs == nil {
		r.errs = map[string][]error{}
	}
	r.errs[op] = append(r.errs[op], err)
}

func TestWriter_ReportsFailures(t *testing.T) {
	rec := &recorder{}
	w := NewWriter(context.Background(), 2, rec)

	assert.True(t, w.Submit("ok", func(context.Context) error { return nil }))
	assert.True(t, w.Submit("bad", func(context.Context) error { return errors.New("disk full") }))
	w.Wait()

	assert.Empty(t, rec.errs["ok"])
	assert.Len(t, rec.errs["bad"], 1)
}

func TestWriter_DropsWhenSaturated(t *testing.T) {
	rec := &recorder{}
	w := NewWriter(context.Background(), 1, rec)

	release := make(chan struct{})
	assert.True(t, w.Submit("slow", func(context.Context) error {
		<-release
		return nil
	}))
	assert.False(t, w.Submit("dropped", func(context.Context) error { return nil }))
	close(release)
	w.Wait()

	assert.ErrorIs(t, rec.errs["dropped"][0], ErrQueueFull)
}

func TestWriter_IgnoresParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := NewWriter(ctx, 1, &recorder{})

	var seen error
	w.Submit("write", func(ctx context.Context) error {
		seen = ctx.Err()
		return nil
	})
	w.Wait()

	assert.NoError(t, seen)
}

func TestSync(t *testing.T) {
	rec := &recorder{}
	s := Sync{Reporter: rec}
	assert.True(t, s.Submit("bad", func(context.Context) error { return errors.New("boom") }))
	assert.Len(t, rec.errs["bad"], 1)
}

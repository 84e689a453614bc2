package watcher

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_DebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apps.yml")
	require.NoError(t, os.WriteFile(path, []byte("apps: []\n"), 0600))

	w, err := New()
	require.NoError(t, err)
	w.SetDebounce(50 * time.Millisecond)

	var calls atomic.Int32
	w.Watch(path, func() { calls.Add(1) })
	require.NoError(t, w.Start())
	defer w.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("apps: []\n"), 0600))
	}

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Less(t, calls.Load(), int32(3))
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")

	w, err := New()
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)

	var calls atomic.Int32
	w.Watch(path, func() { calls.Add(1) })
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0600))
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, calls.Load())

	// Creating the watched file later is picked up through the parent dir.
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 20*time.Millisecond)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := New()
	require.NoError(t, err)
	require.NoError(t, w.Start())
	require.NoError(t, w.Start())
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

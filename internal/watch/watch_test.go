package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragnotes/internal/blocks"
	"ragnotes/internal/fsys"
)

func startWatcher(t *testing.T, ix Indexer, dir string) *Watcher {
	t.Helper()
	w, err := New([]string{dir}, "*.md", ix, nil)
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestWatcher_ParsesAndRemoves(t *testing.T) {
	dir := t.TempDir()
	ix := blocks.New(blocks.Config{Dirs: []string{dir}}, fsys.OS{}, nil)
	w := startWatcher(t, ix, dir)

	path := filepath.Join(dir, "today.md")
	require.NoError(t, os.WriteFile(path, []byte("[fiber note]^xyz789"), 0o644))
	require.Eventually(t, func() bool {
		_, ok := ix.TryGet("xyz789")
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("[x]^txt001"), 0o644))

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, ok := ix.TryGet("xyz789")
		return !ok
	}, 3*time.Second, 10*time.Millisecond)

	_, ok := ix.TryGet("txt001")
	assert.False(t, ok)
	st := w.Stats()
	assert.GreaterOrEqual(t, st.Parsed, 1)
	assert.Equal(t, 1, st.Removed)
}

func TestWatcher_NewSubdirectory(t *testing.T) {
	dir := t.TempDir()
	ix := blocks.New(blocks.Config{Dirs: []string{dir}}, fsys.OS{}, nil)
	startWatcher(t, ix, dir)

	sub := filepath.Join(dir, "2026")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// the directory watch is registered from the event loop
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(sub, "log.md"), []byte("[nested]^sub001"), 0o644)
		_, ok := ix.TryGet("sub001")
		return ok
	}, 3*time.Second, 50*time.Millisecond)
}

// countingIndex records parse calls and fails if two overlap.
type countingIndex struct {
	mu      sync.Mutex
	active  int
	overlap bool
	parses  map[string]int
}

func (c *countingIndex) ParseFile(path string) (int, error) {
	c.mu.Lock()
	c.active++
	if c.active > 1 {
		c.overlap = true
	}
	c.parses[path]++
	c.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	c.mu.Lock()
	c.active--
	c.mu.Unlock()
	return 0, nil
}

func (c *countingIndex) RemoveFile(string) {}

func (c *countingIndex) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parses[path]
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	ix := &countingIndex{parses: map[string]int{}}
	w, err := New([]string{dir}, "*.md", ix, nil)
	require.NoError(t, err)
	w.debounce = 200 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	path := filepath.Join(dir, "burst.md")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("[v]^burst1"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return ix.count(path) > 0 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, ix.count(path))
	ix.mu.Lock()
	assert.False(t, ix.overlap)
	ix.mu.Unlock()
}

func TestStart_MissingDir(t *testing.T) {
	w, err := New([]string{filepath.Join(t.TempDir(), "gone")}, "", &countingIndex{parses: map[string]int{}}, nil)
	require.NoError(t, err)
	assert.Error(t, w.Start(context.Background()))
	w.Stop()
}

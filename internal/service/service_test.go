package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragnotes/internal/assembler"
	"ragnotes/internal/blocks"
	"ragnotes/internal/domain"
	"ragnotes/internal/fsys"
	"ragnotes/internal/supervisor"
)

type fakeWorker struct {
	state    supervisor.State
	startErr error
	starts   int
	stops    int
}

func (w *fakeWorker) Start() error {
	w.starts++
	if w.startErr != nil {
		return w.startErr
	}
	w.state = supervisor.Ready
	return nil
}

func (w *fakeWorker) Stop() {
	w.stops++
	w.state = supervisor.Stopped
}

func (w *fakeWorker) State() supervisor.State { return w.state }

type fakeFinder struct {
	err   error
	calls int
}

func (f *fakeFinder) FindSimilar(_ context.Context, _ string, bs []domain.Block, topK int) ([]domain.ScoredBlock, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.ScoredBlock
	for i := len(bs) - 1; i >= 0 && len(out) < topK; i-- {
		out = append(out, domain.ScoredBlock{Block: bs[i], Score: float64(i)})
	}
	return out, nil
}

func newTestService(t *testing.T, w Worker, f Finder, autostart bool) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"),
		[]byte("[hooks note]^abc123\n[fiber note about hooks]^xyz789\n"), 0o644))
	ix := blocks.New(blocks.Config{Dirs: []string{dir}}, fsys.OS{}, nil)
	asm, err := assembler.New(assembler.Config{NotesDir: dir}, fsys.OS{}, ix, f, nil)
	require.NoError(t, err)
	svc := New(Deps{Index: ix, Worker: w, Finder: f, Assembler: asm, Autostart: autostart}, nil)
	_, err = svc.Ingest()
	require.NoError(t, err)
	return svc, dir
}

func ids(rs []SearchResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Block.ID
	}
	return out
}

func TestIngest(t *testing.T) {
	svc, _ := newTestService(t, nil, nil, false)
	d := svc.Summary()
	assert.Equal(t, 2, d.Blocks)
	assert.Contains(t, d.TopTerms, "hooks")
}

func TestIngest_MissingNotesDir(t *testing.T) {
	ix := blocks.New(blocks.Config{Dirs: []string{filepath.Join(t.TempDir(), "gone")}}, fsys.OS{}, nil)
	_, err := New(Deps{Index: ix}, nil).Ingest()
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestSearch_SubstringWhenWorkerNotReady(t *testing.T) {
	f := &fakeFinder{}
	svc, _ := newTestService(t, &fakeWorker{}, f, true)

	got, err := svc.Search(context.Background(), "fiber", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"xyz789"}, ids(got))
	assert.False(t, got[0].Semantic)
	assert.Zero(t, f.calls)
}

func TestSearch_LexicalRanking(t *testing.T) {
	svc, _ := newTestService(t, nil, nil, false)
	got, err := svc.Search(context.Background(), "hooks", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc123", "xyz789"}, ids(got))
	assert.Greater(t, got[0].Score, got[1].Score)
}

func TestSearch_SemanticWhenReady(t *testing.T) {
	f := &fakeFinder{}
	svc, _ := newTestService(t, &fakeWorker{state: supervisor.Ready}, f, false)

	got, err := svc.Search(context.Background(), "anything", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"xyz789"}, ids(got))
	assert.True(t, got[0].Semantic)
}

func TestSearch_FallsBackOnSemanticFailure(t *testing.T) {
	f := &fakeFinder{err: &domain.ProtocolError{Op: "/embed", Status: 500}}
	svc, _ := newTestService(t, &fakeWorker{state: supervisor.Ready}, f, false)

	got, err := svc.Search(context.Background(), "fiber", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"xyz789"}, ids(got))
	assert.Equal(t, 1, f.calls)
}

func TestSimilar_Autostart(t *testing.T) {
	w := &fakeWorker{}
	svc, _ := newTestService(t, w, &fakeFinder{}, true)

	got, err := svc.Similar(context.Background(), "q", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, w.starts)

	_, err = svc.Similar(context.Background(), "q", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, w.starts)

	svc.Close()
	assert.Equal(t, 1, w.stops)
}

func TestSimilar_StartFailure(t *testing.T) {
	w := &fakeWorker{startErr: domain.ErrAllCommandsFailed}
	svc, _ := newTestService(t, w, &fakeFinder{}, true)
	_, err := svc.Similar(context.Background(), "q", 2)
	assert.ErrorIs(t, err, domain.ErrAllCommandsFailed)
}

func TestSimilar_NoFinder(t *testing.T) {
	svc, _ := newTestService(t, nil, nil, true)
	_, err := svc.Similar(context.Background(), "q", 2)
	assert.ErrorIs(t, err, domain.ErrWorkerUnavailable)
	assert.ErrorIs(t, svc.EnsureWorker(), domain.ErrWorkerUnavailable)
	assert.Equal(t, supervisor.Stopped, svc.WorkerState())
}

func TestBuildContext(t *testing.T) {
	f := &fakeFinder{err: errors.New("worker down")}
	svc, _ := newTestService(t, &fakeWorker{state: supervisor.Ready}, f, false)

	got, err := svc.BuildContext(context.Background(), assembler.Request{
		Working: &domain.Document{Name: "today", Content: "re ^abc123"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"abc123", "xyz789"}, got.BlockIDs())
}

func TestGetAndNewID(t *testing.T) {
	svc, _ := newTestService(t, nil, nil, false)
	b, err := svc.Get("abc123")
	require.NoError(t, err)
	assert.Equal(t, "hooks note", b.Content)

	_, err = svc.Get("nope00")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	id := svc.NewID()
	assert.Len(t, id, 6)
	assert.NotEqual(t, "abc123", id)
}

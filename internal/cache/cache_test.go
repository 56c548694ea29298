package cache_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragnotes/internal/cache"
	"ragnotes/internal/cache/memory"
	"ragnotes/internal/domain"
)

// fakeEmbedder maps each text to a fixed vector and replays scripted scores.
type fakeEmbedder struct {
	vectors  map[string][]float64
	scores   []float64
	embedded [][]string
	scored   [][][]float64
	embedErr error
	simErr   error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	f.embedded = append(f.embedded, append([]string(nil), texts...))
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v, ok := f.vectors[t]
		if !ok {
			v = []float64{float64(len(t))}
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Similarity(_ context.Context, _ []float64, candidates [][]float64) ([]float64, error) {
	f.scored = append(f.scored, candidates)
	if f.simErr != nil {
		return nil, f.simErr
	}
	if f.scores != nil {
		return f.scores, nil
	}
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		out[i] = c[0]
	}
	return out, nil
}

// embeddedCount reports how many times text was sent to Embed.
func (f *fakeEmbedder) embeddedCount(text string) int {
	n := 0
	for _, batch := range f.embedded {
		for _, t := range batch {
			if t == text {
				n++
			}
		}
	}
	return n
}

func blk(id, content string) domain.Block {
	return domain.Block{ID: id, Content: content}
}

func TestFindSimilar_Scenario(t *testing.T) {
	emb := &fakeEmbedder{scores: []float64{0.9, 0.2}}
	c := cache.New(emb, memory.NewStorage(), nil)

	got, err := c.FindSimilar(context.Background(), "q",
		[]domain.Block{blk("xyz789", "fiber note"), blk("abc123", "hooks note")}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "xyz789", got[0].Block.ID)
	assert.Equal(t, 0.9, got[0].Score)
}

func TestFindSimilar_CachesUnchangedBlocks(t *testing.T) {
	emb := &fakeEmbedder{}
	store := memory.NewStorage()
	c := cache.New(emb, store, nil)
	ctx := context.Background()
	blocks := []domain.Block{blk("a", "alpha"), blk("b", "beta")}

	_, err := c.FindSimilar(ctx, "query", blocks, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, emb.embeddedCount("alpha"))
	assert.Equal(t, 1, emb.embeddedCount("beta"))
	n, _ := store.Len()
	assert.Equal(t, 2, n)

	_, err = c.FindSimilar(ctx, "query", blocks, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, emb.embeddedCount("alpha"))
	assert.Equal(t, 1, emb.embeddedCount("beta"))

	blocks[0].Content = "alpha v2"
	_, err = c.FindSimilar(ctx, "query", blocks, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, emb.embeddedCount("alpha v2"))
	assert.Equal(t, 1, emb.embeddedCount("beta"))

	cached, ok, _ := store.Get("a")
	require.True(t, ok)
	assert.Equal(t, cache.Hash("alpha v2"), cached.ContentHash)

	assert.Equal(t, cache.Stats{Hits: 3, Misses: 3}, c.Stats())
}

func TestFindSimilar_MissesAreBatched(t *testing.T) {
	emb := &fakeEmbedder{}
	c := cache.New(emb, memory.NewStorage(), nil)

	_, err := c.FindSimilar(context.Background(), "q",
		[]domain.Block{blk("a", "one"), blk("b", "two"), blk("c", "three")}, 5)
	require.NoError(t, err)
	require.Len(t, emb.embedded, 2)
	assert.Equal(t, []string{"one", "two", "three"}, emb.embedded[0])
	assert.Equal(t, []string{"q"}, emb.embedded[1])
	require.Len(t, emb.scored, 1)
	assert.Len(t, emb.scored[0], 3)
}

func TestFindSimilar_SortsDescendingAndTruncates(t *testing.T) {
	emb := &fakeEmbedder{scores: []float64{0.1, 0.7, 0.4, 0.9, 0.3, 0.8}}
	c := cache.New(emb, memory.NewStorage(), nil)
	blocks := []domain.Block{
		blk("b1", "1"), blk("b2", "2"), blk("b3", "3"),
		blk("b4", "4"), blk("b5", "5"), blk("b6", "6"),
	}

	got, err := c.FindSimilar(context.Background(), "q", blocks, 3)
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, g := range got {
		ids[i] = g.Block.ID
	}
	assert.Equal(t, []string{"b4", "b6", "b2"}, ids)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i-1].Score, got[i].Score)
	}

	got, err = c.FindSimilar(context.Background(), "q", blocks, 0)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestFindSimilar_EmptyBlocks(t *testing.T) {
	emb := &fakeEmbedder{}
	got, err := cache.New(emb, memory.NewStorage(), nil).FindSimilar(context.Background(), "q", nil, 3)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, emb.embedded)
}

func TestFindSimilar_PropagatesWorkerErrors(t *testing.T) {
	emb := &fakeEmbedder{embedErr: domain.ErrWorkerUnavailable}
	store := memory.NewStorage()
	c := cache.New(emb, store, nil)

	_, err := c.FindSimilar(context.Background(), "q", []domain.Block{blk("a", "x")}, 1)
	assert.ErrorIs(t, err, domain.ErrWorkerUnavailable)
	n, _ := store.Len()
	assert.Zero(t, n)

	emb = &fakeEmbedder{simErr: errors.New("boom")}
	_, err = cache.New(emb, memory.NewStorage(), nil).FindSimilar(context.Background(), "q", []domain.Block{blk("a", "x")}, 1)
	assert.ErrorContains(t, err, "boom")
}

func TestFindSimilar_ScoreCountMismatch(t *testing.T) {
	emb := &fakeEmbedder{scores: []float64{0.5}}
	_, err := cache.New(emb, memory.NewStorage(), nil).FindSimilar(context.Background(), "q",
		[]domain.Block{blk("a", "x"), blk("b", "y")}, 1)
	assert.ErrorIs(t, err, domain.ErrWorkerProtocol)
}

func TestObserverInvalidation(t *testing.T) {
	emb := &fakeEmbedder{}
	store := memory.NewStorage()
	c := cache.New(emb, store, nil)
	_, err := c.FindSimilar(context.Background(), "q", []domain.Block{blk("a", "x"), blk("b", "y")}, 5)
	require.NoError(t, err)

	var obs domain.Observer = c
	obs.OnUpdated(blk("a", "x2"))
	n, _ := c.Len()
	assert.Equal(t, 2, n)

	obs.OnRemoved("a")
	_, ok, _ := store.Get("a")
	assert.False(t, ok)
	_, ok, _ = store.Get("b")
	assert.True(t, ok)

	obs.OnCleared()
	n, _ = c.Len()
	assert.Zero(t, n)
	assert.Equal(t, cache.Stats{}, c.Stats())
}

func TestEmbedDelegates(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float64{"hi": {1, 2}}}
	got, err := cache.New(emb, memory.NewStorage(), nil).Embed(context.Background(), []string{"hi"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2}}, got)
}

// Package cache keeps block embeddings keyed by content hash so unchanged
// blocks are never sent to the worker twice.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"ragnotes/internal/domain"
)

const defaultTopK = 5

// Stats reports cache effectiveness since construction or the last Clear.
type Stats struct {
	Hits   int64
	Misses int64
}

// Cache wraps an Embedder with a hash-validated vector store.
//
// Overlapping FindSimilar calls over the same uncached block may each embed
// it. The resulting writes carry the same id, hash and vector, so the race
// only costs a redundant worker call.
type Cache struct {
	emb   domain.Embedder
	store Store
	log   *zap.Logger
	now   func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

func New(emb domain.Embedder, store Store, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		emb:   emb,
		store: store,
		log:   logger.Named("cache"),
		now:   time.Now,
	}
}

// Hash returns the content hash a cached vector is validated against.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Embed returns one vector per text, in order. It never touches the store.
func (c *Cache) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	return c.emb.Embed(ctx, texts)
}

// FindSimilar ranks blocks against query and returns at most topK of them,
// highest score first. topK <= 0 selects the default of 5.
func (c *Cache) FindSimilar(ctx context.Context, query string, blocks []domain.Block, topK int) ([]domain.ScoredBlock, error) {
	if len(blocks) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	vectors := make([][]float64, len(blocks))
	hashes := make([]string, len(blocks))
	var missIdx []int
	var missTexts []string
	for i, b := range blocks {
		hashes[i] = Hash(b.Content)
		cached, ok, err := c.store.Get(b.ID)
		if err != nil {
			c.log.Warn("cache read failed, recomputing", zap.String("block_id", b.ID), zap.Error(err))
			ok = false
		}
		if ok && cached.ContentHash == hashes[i] {
			vectors[i] = cached.Vector
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, b.Content)
	}
	c.hits.Add(int64(len(blocks) - len(missIdx)))
	c.misses.Add(int64(len(missIdx)))

	if len(missTexts) > 0 {
		computed, err := c.emb.Embed(ctx, missTexts)
		if err != nil {
			return nil, fmt.Errorf("embed %d uncached blocks: %w", len(missTexts), err)
		}
		if len(computed) != len(missTexts) {
			return nil, &domain.ProtocolError{Op: "embed", Err: fmt.Errorf("got %d vectors for %d texts", len(computed), len(missTexts))}
		}
		now := c.now()
		writes := make([]domain.CachedEmbedding, len(missIdx))
		for j, i := range missIdx {
			vectors[i] = computed[j]
			writes[j] = domain.CachedEmbedding{
				BlockID:     blocks[i].ID,
				ContentHash: hashes[i],
				Vector:      computed[j],
				Timestamp:   now,
			}
		}
		if err := c.store.Upsert(writes); err != nil {
			c.log.Warn("cache write failed", zap.Int("entries", len(writes)), zap.Error(err))
		}
	}

	qv, err := c.emb.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(qv) != 1 {
		return nil, &domain.ProtocolError{Op: "embed", Err: fmt.Errorf("got %d vectors for query", len(qv))}
	}

	scores, err := c.emb.Similarity(ctx, qv[0], vectors)
	if err != nil {
		return nil, fmt.Errorf("score %d candidates: %w", len(vectors), err)
	}
	if len(scores) != len(blocks) {
		return nil, &domain.ProtocolError{Op: "similarity", Err: fmt.Errorf("got %d scores for %d candidates", len(scores), len(blocks))}
	}

	out := make([]domain.ScoredBlock, len(blocks))
	for i, b := range blocks {
		out[i] = domain.ScoredBlock{Block: b, Score: scores[i]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}

	c.log.Debug("similarity search",
		zap.Int("candidates", len(blocks)),
		zap.Int("computed", len(missIdx)),
		zap.Int("returned", len(out)),
	)
	return out, nil
}

// Invalidate drops the cached vector for one block.
func (c *Cache) Invalidate(blockID string) error {
	return c.store.Delete(blockID)
}

// Clear drops every cached vector and resets the counters.
func (c *Cache) Clear() error {
	c.hits.Store(0)
	c.misses.Store(0)
	return c.store.Clear()
}

func (c *Cache) Len() (int, error) {
	return c.store.Len()
}

func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// OnAdded implements domain.Observer. New blocks have nothing cached yet.
func (c *Cache) OnAdded(domain.Block) {}

// OnUpdated implements domain.Observer. The stale vector stays until its
// hash fails validation on next use.
func (c *Cache) OnUpdated(domain.Block) {}

func (c *Cache) OnRemoved(id string) {
	if err := c.Invalidate(id); err != nil {
		c.log.Warn("invalidate failed", zap.String("block_id", id), zap.Error(err))
	}
}

func (c *Cache) OnCleared() {
	if err := c.Clear(); err != nil {
		c.log.Warn("clear failed", zap.Error(err))
	}
}

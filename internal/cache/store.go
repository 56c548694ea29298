package cache

import "ragnotes/internal/domain"

// Store persists cached embeddings keyed by block id.
type Store interface {
	Get(blockID string) (domain.CachedEmbedding, bool, error)
	Upsert(entries []domain.CachedEmbedding) error
	Delete(blockID string) error
	Clear() error
	Len() (int, error)
}

// Package memory is a process-local embedding store.
package memory

import (
	"errors"
	"sync"

	"ragnotes/internal/domain"
)

// Storage is an in-memory embedding store. It has no eviction.
type Storage struct {
	mu      sync.RWMutex
	entries map[string]domain.CachedEmbedding
}

func NewStorage() *Storage {
	return &Storage{entries: make(map[string]domain.CachedEmbedding)}
}

func (s *Storage) Get(blockID string) (domain.CachedEmbedding, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[blockID]
	return e, ok, nil
}

func (s *Storage) Upsert(entries []domain.CachedEmbedding) error {
	for _, e := range entries {
		if e.BlockID == "" {
			return errors.New("cached embedding without block id")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.entries[e.BlockID] = e
	}
	return nil
}

func (s *Storage) Delete(blockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, blockID)
	return nil
}

func (s *Storage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]domain.CachedEmbedding)
	return nil
}

func (s *Storage) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

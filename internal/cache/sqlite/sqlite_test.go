package sqlite

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragnotes/internal/domain"
)

func newTestStorage(t *testing.T) (*Storage, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "cache.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestUpsertGet(t *testing.T) {
	s, _ := newTestStorage(t)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, ok, err := s.Get("abc123")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Upsert([]domain.CachedEmbedding{
		{BlockID: "abc123", ContentHash: "h1", Vector: []float64{0.25, -1.5, 3}, Timestamp: ts},
	}))
	got, ok, err := s.Get("abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "h1", got.ContentHash)
	assert.Equal(t, []float64{0.25, -1.5, 3}, got.Vector)
	assert.True(t, ts.Equal(got.Timestamp))

	require.NoError(t, s.Upsert([]domain.CachedEmbedding{
		{BlockID: "abc123", ContentHash: "h2", Vector: []float64{1}, Timestamp: ts},
	}))
	got, _, err = s.Get("abc123")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.ContentHash)
	assert.Equal(t, []float64{1}, got.Vector)

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeleteClear(t *testing.T) {
	s, _ := newTestStorage(t)
	require.NoError(t, s.Upsert([]domain.CachedEmbedding{
		{BlockID: "a", ContentHash: "h", Vector: []float64{1}},
		{BlockID: "b", ContentHash: "h", Vector: []float64{2}},
	}))
	require.NoError(t, s.Delete("a"))
	_, ok, err := s.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Clear())
	n, err := s.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPersistsAcrossReopen(t *testing.T) {
	s, path := newTestStorage(t)
	require.NoError(t, s.Upsert([]domain.CachedEmbedding{{BlockID: "keep01", ContentHash: "h", Vector: []float64{4, 5}}}))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, ok, err := reopened.Get("keep01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float64{4, 5}, got.Vector)
}

func TestUpsertRejectsEmptyID(t *testing.T) {
	s, _ := newTestStorage(t)
	assert.Error(t, s.Upsert([]domain.CachedEmbedding{{ContentHash: "h"}}))
	n, err := s.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenError(t *testing.T) {
	orig := openDB
	openDB = func(driver, dsn string) (*sql.DB, error) { return nil, errors.New("boom") }
	defer func() { openDB = orig }()

	_, err := Open(filepath.Join(t.TempDir(), "x.db"))
	assert.ErrorContains(t, err, "boom")
}

func TestDecodeVectorCorrupt(t *testing.T) {
	_, err := decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

// Package sqlite persists cached embeddings so they survive restarts.
package sqlite

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"ragnotes/internal/domain"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// Storage is an embedding store backed by a single SQLite table. It has no eviction.
type Storage struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("cache: create data dir: %w", err)
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("cache: pragma %q: %w", p, err)
		}
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS embeddings (
			block_id     TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			vector       BLOB NOT NULL,
			created_at   INTEGER NOT NULL
		);
	`)
	return err
}

func (s *Storage) Get(blockID string) (domain.CachedEmbedding, bool, error) {
	var (
		hash    string
		blob    []byte
		created int64
	)
	err := s.db.QueryRow(
		`SELECT content_hash, vector, created_at FROM embeddings WHERE block_id = ?`, blockID,
	).Scan(&hash, &blob, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CachedEmbedding{}, false, nil
	}
	if err != nil {
		return domain.CachedEmbedding{}, false, fmt.Errorf("cache: get %s: %w", blockID, err)
	}
	vec, err := decodeVector(blob)
	if err != nil {
		return domain.CachedEmbedding{}, false, fmt.Errorf("cache: get %s: %w", blockID, err)
	}
	return domain.CachedEmbedding{
		BlockID:     blockID,
		ContentHash: hash,
		Vector:      vec,
		Timestamp:   time.Unix(0, created),
	}, true, nil
}

func (s *Storage) Upsert(entries []domain.CachedEmbedding) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("cache: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO embeddings (block_id, content_hash, vector, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(block_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			vector       = excluded.vector,
			created_at   = excluded.created_at`)
	if err != nil {
		return fmt.Errorf("cache: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if e.BlockID == "" {
			return errors.New("cache: cached embedding without block id")
		}
		if _, err := stmt.Exec(e.BlockID, e.ContentHash, encodeVector(e.Vector), e.Timestamp.UnixNano()); err != nil {
			return fmt.Errorf("cache: upsert %s: %w", e.BlockID, err)
		}
	}
	return tx.Commit()
}

func (s *Storage) Delete(blockID string) error {
	if _, err := s.db.Exec(`DELETE FROM embeddings WHERE block_id = ?`, blockID); err != nil {
		return fmt.Errorf("cache: delete %s: %w", blockID, err)
	}
	return nil
}

func (s *Storage) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM embeddings`); err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	return nil
}

func (s *Storage) Len() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache: count: %w", err)
	}
	return n, nil
}

// vectors are stored as little-endian float64s
func encodeVector(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("corrupt vector blob of %d bytes", len(b))
	}
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v, nil
}

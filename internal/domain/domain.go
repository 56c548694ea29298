package domain

import (
	"context"
	"time"
)

// Block is an addressable unit of captured text, identified by a short opaque id.
type Block struct {
	ID         string
	Content    string
	SourceFile string
	SourceLine int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CachedEmbedding is a vector computed for one version of a block's content.
// It is valid only while ContentHash matches the hash of the block's current content.
type CachedEmbedding struct {
	BlockID     string
	ContentHash string
	Vector      []float64
	Timestamp   time.Time
}

// ScoredBlock is a block with a similarity score against some query.
type ScoredBlock struct {
	Block Block
	Score float64
}

// Document is a named piece of text supplied by a caller, such as an open file.
type Document struct {
	Name    string
	Content string
}

// Observer receives index change notifications.
type Observer interface {
	OnAdded(b Block)
	OnUpdated(b Block)
	OnRemoved(id string)
	OnCleared()
}

// Embedder computes vectors for texts and scores candidate vectors against a query vector.
// Implementations delegate the numeric work to the worker process.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	Similarity(ctx context.Context, query []float64, candidates [][]float64) ([]float64, error)
}

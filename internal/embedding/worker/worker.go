package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ragnotes/internal/domain"
)

// Requester sends JSON requests to the running worker. *supervisor.Supervisor implements it.
type Requester interface {
	Request(ctx context.Context, method, path string, in, out any) error
}

// Client speaks the worker's embedding protocol and implements domain.Embedder.
type Client struct {
	req            Requester
	embedPath      string
	similarityPath string
	maxRetries     int
	sleep          func(time.Duration)
}

// Config configures the worker endpoints.
type Config struct {
	EmbedPath      string
	SimilarityPath string
	MaxRetries     int
}

// NewClient creates a client that talks to the worker through req.
func NewClient(req Requester, cfg Config) *Client {
	if cfg.EmbedPath == "" {
		cfg.EmbedPath = "/embed"
	}
	if cfg.SimilarityPath == "" {
		cfg.SimilarityPath = "/vector_similarity"
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{
		req:            req,
		embedPath:      cfg.EmbedPath,
		similarityPath: cfg.SimilarityPath,
		maxRetries:     cfg.MaxRetries,
		sleep:          time.Sleep,
	}
}

type embedRequest struct {
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
}

type similarityRequest struct {
	VectorsA [][]float64 `json:"vectors_a"`
	VectorsB [][]float64 `json:"vectors_b"`
}

type similarityResponse struct {
	Similarities []float64 `json:"similarities"`
}

// Embed returns one vector per text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var out embedResponse
	if err := c.post(ctx, c.embedPath, embedRequest{Texts: texts}, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		return nil, &domain.ProtocolError{Op: c.embedPath,
			Err: fmt.Errorf("got %d embeddings for %d texts", len(out.Embeddings), len(texts))}
	}
	for i, v := range out.Embeddings {
		if len(v) == 0 || (out.Dimensions > 0 && len(v) != out.Dimensions) {
			return nil, &domain.ProtocolError{Op: c.embedPath,
				Err: fmt.Errorf("embedding %d has %d dimensions, want %d", i, len(v), out.Dimensions)}
		}
	}
	return out.Embeddings, nil
}

// Similarity scores each candidate against query. The worker does the arithmetic.
func (c *Client) Similarity(ctx context.Context, query []float64, candidates [][]float64) ([]float64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	var out similarityResponse
	req := similarityRequest{VectorsA: [][]float64{query}, VectorsB: candidates}
	if err := c.post(ctx, c.similarityPath, req, &out); err != nil {
		return nil, err
	}
	if len(out.Similarities) != len(candidates) {
		return nil, &domain.ProtocolError{Op: c.similarityPath,
			Err: fmt.Errorf("got %d scores for %d candidates", len(out.Similarities), len(candidates))}
	}
	return out.Similarities, nil
}

// post retries server-side failures with backoff; unavailability and client errors are returned at once.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		err = c.req.Request(ctx, http.MethodPost, path, in, out)
		if err == nil || !retryable(err) || attempt == c.maxRetries {
			return err
		}
		c.sleep(retryDelay(attempt))
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func retryable(err error) bool {
	var pe *domain.ProtocolError
	if errors.As(err, &pe) {
		return pe.Status == http.StatusTooManyRequests || pe.Status >= 500
	}
	return false
}

func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := 200 * time.Millisecond
	// exponential backoff capped at 5s
	d := base << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

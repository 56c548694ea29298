package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ragnotes/internal/assembler"
	"ragnotes/internal/blocks"
	"ragnotes/internal/domain"
	"ragnotes/internal/summarizer"
	"ragnotes/internal/supervisor"
)

// Worker is the lifecycle side of the embeddings worker.
type Worker interface {
	Start() error
	Stop()
	State() supervisor.State
}

// Finder ranks blocks semantically.
type Finder interface {
	FindSimilar(ctx context.Context, query string, blocks []domain.Block, topK int) ([]domain.ScoredBlock, error)
}

// Deps are the collaborators a Service is built from. Worker and Finder may be
// nil, which leaves only lexical search.
type Deps struct {
	Index      *blocks.Index
	Worker     Worker
	Finder     Finder
	Assembler  *assembler.Assembler
	Summarizer *summarizer.FrequencySummarizer
	Autostart  bool
}

// SearchResult is one ranked block. Semantic is false for lexical matches.
type SearchResult struct {
	Block    domain.Block
	Score    float64
	Semantic bool
}

// Service is the entry point used by the CLI, the TUI and the MCP server.
type Service struct {
	index     *blocks.Index
	worker    Worker
	finder    Finder
	asm       *assembler.Assembler
	sum       *summarizer.FrequencySummarizer
	autostart bool
	log       *zap.Logger
}

func New(d Deps, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Summarizer == nil {
		d.Summarizer = summarizer.NewFrequencySummarizer()
	}
	return &Service{
		index:     d.Index,
		worker:    d.Worker,
		finder:    d.Finder,
		asm:       d.Assembler,
		sum:       d.Summarizer,
		autostart: d.Autostart,
		log:       logger.Named("service"),
	}
}

// Ingest parses every note file. Per-file parse failures are logged and
// skipped; a missing notes directory is returned.
func (s *Service) Ingest() (summarizer.Digest, error) {
	n, err := s.index.ParseAll()
	if err != nil {
		if errors.Is(err, domain.ErrConfiguration) {
			return summarizer.Digest{}, err
		}
		s.log.Warn("some notes were skipped", zap.Int("failures", len(multierr.Errors(err))))
	}
	s.log.Info("notes ingested", zap.Int("files", n), zap.Int("blocks", s.index.Len()))
	return s.Summary(), nil
}

// Summary digests the blocks currently indexed.
func (s *Service) Summary() summarizer.Digest {
	return s.sum.Summarize(s.index.All(), 3, 5)
}

func (s *Service) Get(id string) (domain.Block, error) {
	return s.index.Get(id)
}

// NewID returns an id not used by any indexed block.
func (s *Service) NewID() string {
	return s.index.GenerateID()
}

// WorkerState reports the worker state, Stopped when no worker is configured.
func (s *Service) WorkerState() supervisor.State {
	if s.worker == nil {
		return supervisor.Stopped
	}
	return s.worker.State()
}

// EnsureWorker starts the worker unless it is already Ready.
func (s *Service) EnsureWorker() error {
	if s.worker == nil {
		return fmt.Errorf("%w: no worker configured", domain.ErrWorkerUnavailable)
	}
	if s.worker.State() == supervisor.Ready {
		return nil
	}
	return s.worker.Start()
}

// Search ranks blocks for query. It uses the worker when Ready and otherwise,
// or when semantic search fails, falls back to substring matches ranked by
// term overlap. It never starts the worker.
func (s *Service) Search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if s.finder != nil && s.WorkerState() == supervisor.Ready {
		res, err := s.similar(ctx, query, topK)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.Warn("semantic search failed, using substring search", zap.Error(err))
	}
	return s.lexicalSearch(query, topK), nil
}

// Similar ranks all blocks semantically against query, starting the worker
// first when autostart is enabled.
func (s *Service) Similar(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	if s.finder == nil {
		return nil, fmt.Errorf("%w: semantic search not configured", domain.ErrWorkerUnavailable)
	}
	if s.autostart && s.WorkerState() != supervisor.Ready {
		if err := s.EnsureWorker(); err != nil {
			return nil, err
		}
	}
	return s.similar(ctx, query, topK)
}

func (s *Service) similar(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	scored, err := s.finder.FindSimilar(ctx, query, s.index.All(), topK)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, len(scored))
	for i, sb := range scored {
		out[i] = SearchResult{Block: sb.Block, Score: sb.Score, Semantic: true}
	}
	return out, nil
}

// BuildContext assembles the prompt context for a query and optional open document.
func (s *Service) BuildContext(ctx context.Context, req assembler.Request) (*assembler.Context, error) {
	if s.asm == nil {
		return nil, fmt.Errorf("%w: context assembly not configured", domain.ErrConfiguration)
	}
	return s.asm.Assemble(ctx, req)
}

// Close stops the worker if one is running.
func (s *Service) Close() {
	if s.worker != nil && s.worker.State() != supervisor.Stopped {
		s.worker.Stop()
	}
}

var unicodeWordRe = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)

func (s *Service) lexicalSearch(query string, topK int) []SearchResult {
	hits := s.index.Search(query)
	qset := toTokenSet(query)
	out := make([]SearchResult, len(hits))
	for i, b := range hits {
		out[i] = SearchResult{Block: b, Score: overlapOchiai(qset, b.Content)}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

func toTokenSet(s string) map[string]struct{} {
	tokens := unicodeWordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

// overlapOchiai is |A∩B| / sqrt(|A||B|) over the distinct tokens of query and text.
func overlapOchiai(qset map[string]struct{}, text string) float64 {
	stoks := unicodeWordRe.FindAllString(strings.ToLower(text), -1)
	seen := make(map[string]struct{}, len(stoks))
	inter := 0
	for _, t := range stoks {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := qset[t]; ok {
			inter++
		}
	}
	if len(qset) == 0 || len(seen) == 0 {
		return 0
	}
	return float64(inter) / math.Sqrt(float64(len(qset))*float64(len(seen)))
}

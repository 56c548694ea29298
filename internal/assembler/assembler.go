// Package assembler builds the prompt context handed to a completion model
// from five ordered tiers of notes, never repeating a block.
package assembler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ragnotes/internal/blocks"
	"ragnotes/internal/domain"
	"ragnotes/internal/fsys"
)

const (
	DefaultSeparator   = "\n\n---\n\n"
	defaultPattern     = "*.md"
	defaultRecentLimit = 10
	defaultTopK        = 5
	readConcurrency    = 4
)

// Tier identifies where a fragment came from.
type Tier int

const (
	TierAlwaysInclude Tier = iota + 1
	TierWorking
	TierReferenced
	TierSemantic
	TierLongTerm
)

func (t Tier) String() string {
	switch t {
	case TierAlwaysInclude:
		return "always-include"
	case TierWorking:
		return "working"
	case TierReferenced:
		return "referenced"
	case TierSemantic:
		return "semantic"
	case TierLongTerm:
		return "long-term"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Config controls which files feed the verbatim tiers. Relative directories
// and always-include names resolve against NotesDir. A non-empty OrganizedDir
// selects the organized-files-plus-latest-log tail; otherwise the tail is
// the most recent blocks.
type Config struct {
	NotesDir         string
	AlwaysInclude    []string
	OrganizedDir     string
	OrganizedPattern string
	LogsDir          string
	LogPattern       string
	RecentLimit      int
	TopK             int
	Separator        string
}

// BlockSource is the read side of the block index.
type BlockSource interface {
	TryGet(id string) (domain.Block, bool)
	All() []domain.Block
	Recent(n int, exclude map[string]struct{}) []domain.Block
}

// SimilarFinder ranks candidate blocks against a query.
type SimilarFinder interface {
	FindSimilar(ctx context.Context, query string, blocks []domain.Block, topK int) ([]domain.ScoredBlock, error)
}

// Request carries the caller's active query and open document, both optional.
// An empty Query falls back to the working document's content for tier 4.
type Request struct {
	Query   string
	Working *domain.Document
}

// Fragment is one labeled piece of the assembled context.
type Fragment struct {
	Tier    Tier
	Label   string
	BlockID string
	Score   float64
	Text    string
}

// Context is the assembled result. Text is the fragments joined by the separator.
type Context struct {
	Text      string
	Fragments []Fragment
}

// BlockIDs returns the ids of every block fragment, in order.
func (c *Context) BlockIDs() []string {
	var ids []string
	for _, f := range c.Fragments {
		if f.BlockID != "" {
			ids = append(ids, f.BlockID)
		}
	}
	return ids
}

type Assembler struct {
	cfg     Config
	fs      fsys.FS
	src     BlockSource
	similar SimilarFinder
	log     *zap.Logger
}

// New validates cfg and returns an Assembler. similar may be nil, which
// disables the semantic tier.
func New(cfg Config, fs fsys.FS, src BlockSource, similar SimilarFinder, logger *zap.Logger) (*Assembler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NotesDir == "" {
		return nil, fmt.Errorf("%w: notes directory not set", domain.ErrConfiguration)
	}
	info, err := fs.Stat(cfg.NotesDir)
	if err != nil {
		return nil, fmt.Errorf("%w: notes directory %s: %w", domain.ErrConfiguration, cfg.NotesDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: notes directory %s is not a directory", domain.ErrConfiguration, cfg.NotesDir)
	}
	if cfg.Separator == "" {
		cfg.Separator = DefaultSeparator
	}
	if cfg.OrganizedPattern == "" {
		cfg.OrganizedPattern = defaultPattern
	}
	if cfg.LogPattern == "" {
		cfg.LogPattern = defaultPattern
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = defaultRecentLimit
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	cfg.OrganizedDir = resolve(cfg.NotesDir, cfg.OrganizedDir)
	cfg.LogsDir = resolve(cfg.NotesDir, cfg.LogsDir)
	return &Assembler{cfg: cfg, fs: fs, src: src, similar: similar, log: logger.Named("assembler")}, nil
}

func resolve(root, dir string) string {
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(root, dir)
}

// assembly accumulates fragments and the set of block ids already placed.
type assembly struct {
	frags []Fragment
	seen  map[string]struct{}
}

func (a *assembly) add(f Fragment) {
	if f.Text == "" {
		return
	}
	a.frags = append(a.frags, f)
}

func (a *assembly) addBlock(t Tier, label string, b domain.Block, score float64) bool {
	if _, dup := a.seen[b.ID]; dup {
		return false
	}
	a.seen[b.ID] = struct{}{}
	a.add(Fragment{Tier: t, Label: label, BlockID: b.ID, Score: score, Text: label + "\n\n" + b.Content})
	return true
}

// Assemble builds the context. It only fails on context cancellation;
// every other failure degrades the affected tier.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Context, error) {
	asm := &assembly{seen: make(map[string]struct{})}

	a.alwaysInclude(ctx, asm)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if req.Working != nil && strings.TrimSpace(req.Working.Content) != "" {
		label := "## Working document: " + req.Working.Name
		asm.add(Fragment{Tier: TierWorking, Label: label, Text: label + "\n\n" + req.Working.Content})
		// blocks defined in the working document are already in the context
		for _, e := range blocks.Extract(req.Working.Content) {
			asm.seen[e.ID] = struct{}{}
		}
		a.referenced(req.Working.Content, asm)
	}

	query := req.Query
	if query == "" && req.Working != nil {
		query = req.Working.Content
	}
	a.semantic(ctx, query, asm)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if a.cfg.OrganizedDir != "" {
		a.organized(asm)
	} else {
		a.recent(asm)
	}

	texts := make([]string, len(asm.frags))
	for i, f := range asm.frags {
		texts[i] = f.Text
	}
	a.log.Debug("context assembled", zap.Int("fragments", len(asm.frags)), zap.Int("blocks", len(asm.seen)))
	return &Context{Text: strings.Join(texts, a.cfg.Separator), Fragments: asm.frags}, nil
}

// tier 1
func (a *Assembler) alwaysInclude(ctx context.Context, asm *assembly) {
	names := a.cfg.AlwaysInclude
	if len(names) == 0 {
		return
	}
	contents := make([]string, len(names))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for i, name := range names {
		g.Go(func() error {
			text, err := a.fs.ReadFile(resolve(a.cfg.NotesDir, name))
			if err != nil {
				a.log.Warn("skipping always-include file", zap.String("file", name), zap.Error(err))
				return nil
			}
			contents[i] = text
			return nil
		})
	}
	_ = g.Wait()
	for i, name := range names {
		label := "## " + filepath.Base(name)
		if contents[i] == "" {
			continue
		}
		asm.add(Fragment{Tier: TierAlwaysInclude, Label: label, Text: label + "\n\n" + contents[i]})
	}
}

// tier 3
func (a *Assembler) referenced(working string, asm *assembly) {
	for _, id := range blocks.References(working) {
		b, ok := a.src.TryGet(id)
		if !ok {
			a.log.Debug("unresolved block reference", zap.String("id", id))
			continue
		}
		asm.addBlock(TierReferenced, "## Referenced block ^"+id, b, 0)
	}
}

// tier 4
func (a *Assembler) semantic(ctx context.Context, query string, asm *assembly) {
	if a.similar == nil || strings.TrimSpace(query) == "" {
		return
	}
	var candidates []domain.Block
	for _, b := range a.src.All() {
		if _, dup := asm.seen[b.ID]; !dup {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return
	}
	results, err := a.similar.FindSimilar(ctx, query, candidates, a.cfg.TopK)
	if err != nil {
		a.log.Warn("semantic tier skipped", zap.Error(err))
		return
	}
	for _, r := range results {
		asm.addBlock(TierSemantic, fmt.Sprintf("## Related block ^%s (score %.2f)", r.Block.ID, r.Score), r.Block, r.Score)
	}
}

// tier 5, organized files plus the newest log
func (a *Assembler) organized(asm *assembly) {
	files, err := a.fs.Glob(a.cfg.OrganizedDir, a.cfg.OrganizedPattern)
	if err != nil {
		a.log.Warn("organized files unavailable", zap.String("dir", a.cfg.OrganizedDir), zap.Error(err))
	}
	emitted := make(map[string]bool, len(files))
	for _, path := range files {
		text, err := a.fs.ReadFile(path)
		if err != nil {
			a.log.Warn("skipping organized file", zap.String("file", path), zap.Error(err))
			continue
		}
		label := "## " + filepath.Base(path)
		asm.add(Fragment{Tier: TierLongTerm, Label: label, Text: label + "\n\n" + text})
		emitted[path] = true
	}

	if a.cfg.LogsDir == "" {
		return
	}
	latest, err := a.latestLog()
	if err != nil {
		a.log.Warn("latest log unavailable", zap.String("dir", a.cfg.LogsDir), zap.Error(err))
		return
	}
	if latest == "" || emitted[latest] {
		return
	}
	text, err := a.fs.ReadFile(latest)
	if err != nil {
		a.log.Warn("skipping latest log", zap.String("file", latest), zap.Error(err))
		return
	}
	label := "## Latest log: " + filepath.Base(latest)
	asm.add(Fragment{Tier: TierLongTerm, Label: label, Text: label + "\n\n" + text})
}

// latestLog picks the most recently modified log; ties go to the later name.
func (a *Assembler) latestLog() (string, error) {
	logs, err := a.fs.Glob(a.cfg.LogsDir, a.cfg.LogPattern)
	if err != nil {
		return "", err
	}
	var best string
	var bestMod int64
	for _, path := range logs {
		info, err := a.fs.Stat(path)
		if err != nil {
			continue
		}
		mod := info.ModTime().UnixNano()
		if best == "" || mod > bestMod || (mod == bestMod && path > best) {
			best, bestMod = path, mod
		}
	}
	return best, nil
}

// tier 5, recent blocks
func (a *Assembler) recent(asm *assembly) {
	for _, b := range a.src.Recent(a.cfg.RecentLimit, asm.seen) {
		asm.addBlock(TierLongTerm, "## Recent block ^"+b.ID, b, 0)
	}
}

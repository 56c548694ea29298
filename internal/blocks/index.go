// Package blocks extracts addressable blocks from note files and keeps them
// in an in-memory index attributed to their source files.
package blocks

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ragnotes/internal/domain"
	"ragnotes/internal/fsys"
)

const (
	idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	idLength   = 6
)

// Config lists where note files live.
type Config struct {
	Dirs    []string
	Pattern string
}

type entry struct {
	block domain.Block
	seq   uint64
}

// Index maps block ids to blocks and source files to the ids they define.
// ParseFile calls for the same path must not overlap; the caller serializes them.
type Index struct {
	cfg Config
	fs  fsys.FS
	log *zap.Logger

	now  func() time.Time
	intn func(n int) int

	mu     sync.RWMutex
	blocks map[string]*entry
	files  map[string]map[string]struct{}
	seq    uint64

	obsMu     sync.RWMutex
	observers map[int]domain.Observer
	nextObs   int
}

// New creates an empty index over the configured note directories.
func New(cfg Config, fs fsys.FS, logger *zap.Logger) *Index {
	if cfg.Pattern == "" {
		cfg.Pattern = "*.md"
	}
	if fs == nil {
		fs = fsys.OS{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		cfg:       cfg,
		fs:        fs,
		log:       logger.Named("blocks"),
		now:       time.Now,
		intn:      rand.IntN,
		blocks:    make(map[string]*entry),
		files:     make(map[string]map[string]struct{}),
		observers: make(map[int]domain.Observer),
	}
}

// Subscribe registers o for change notifications and returns a function that removes it.
func (ix *Index) Subscribe(o domain.Observer) func() {
	ix.obsMu.Lock()
	defer ix.obsMu.Unlock()
	id := ix.nextObs
	ix.nextObs++
	ix.observers[id] = o
	return func() {
		ix.obsMu.Lock()
		delete(ix.observers, id)
		ix.obsMu.Unlock()
	}
}

type eventKind int

const (
	evAdded eventKind = iota
	evUpdated
	evRemoved
	evCleared
)

type event struct {
	kind  eventKind
	block domain.Block
	id    string
}

func (ix *Index) emit(events []event) {
	if len(events) == 0 {
		return
	}
	ix.obsMu.RLock()
	obs := make([]domain.Observer, 0, len(ix.observers))
	for _, o := range ix.observers {
		obs = append(obs, o)
	}
	ix.obsMu.RUnlock()
	for _, ev := range events {
		for _, o := range obs {
			switch ev.kind {
			case evAdded:
				o.OnAdded(ev.block)
			case evUpdated:
				o.OnUpdated(ev.block)
			case evRemoved:
				o.OnRemoved(ev.id)
			case evCleared:
				o.OnCleared()
			}
		}
	}
}

// ParseFile reads path and reconciles the index so that exactly the blocks
// currently defined in it are attributed to it. It returns the number of blocks found.
func (ix *Index) ParseFile(path string) (int, error) {
	text, err := ix.fs.ReadFile(path)
	if err != nil {
		return 0, &domain.ParseError{Path: path, Err: err}
	}
	found := Extract(text)

	ix.mu.Lock()
	events := ix.reconcile(path, found)
	ix.mu.Unlock()

	ix.emit(events)
	return len(found), nil
}

// reconcile must be called with mu held.
func (ix *Index) reconcile(path string, found []Extracted) []event {
	var events []event
	now := ix.now()

	current := make(map[string]Extracted, len(found))
	ordered := make([]string, 0, len(found))
	for _, ex := range found {
		if _, dup := current[ex.ID]; dup {
			ix.log.Debug("duplicate block id in file, last definition wins",
				zap.String("id", ex.ID), zap.String("file", path))
		} else {
			ordered = append(ordered, ex.ID)
		}
		current[ex.ID] = ex
	}

	for id := range ix.files[path] {
		if _, still := current[id]; still {
			continue
		}
		if e, ok := ix.blocks[id]; ok && e.block.SourceFile == path {
			delete(ix.blocks, id)
			events = append(events, event{kind: evRemoved, id: id})
		}
	}

	next := make(map[string]struct{}, len(current))
	for _, id := range ordered {
		ex := current[id]
		next[id] = struct{}{}
		e, ok := ix.blocks[id]
		if !ok {
			ix.seq++
			b := domain.Block{
				ID:         id,
				Content:    ex.Content,
				SourceFile: path,
				SourceLine: ex.Line,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			ix.blocks[id] = &entry{block: b, seq: ix.seq}
			events = append(events, event{kind: evAdded, block: b})
			continue
		}
		if e.block.SourceFile != path {
			ix.log.Debug("block id redefined in another file, last parsed wins",
				zap.String("id", id), zap.String("from", e.block.SourceFile), zap.String("to", path))
			if set := ix.files[e.block.SourceFile]; set != nil {
				delete(set, id)
				if len(set) == 0 {
					delete(ix.files, e.block.SourceFile)
				}
			}
		}
		changed := e.block.Content != ex.Content || e.block.SourceFile != path
		e.block.SourceLine = ex.Line
		e.block.SourceFile = path
		if changed {
			e.block.Content = ex.Content
			e.block.UpdatedAt = now
			events = append(events, event{kind: evUpdated, block: e.block})
		}
	}

	if len(next) == 0 {
		delete(ix.files, path)
	} else {
		ix.files[path] = next
	}
	return events
}

// ParseAll parses every matching file under the configured directories.
// Per-file failures are collected and returned together; the other files still load.
// Files previously indexed that no longer exist are dropped.
func (ix *Index) ParseAll() (int, error) {
	var (
		total int
		errs  error
	)
	seen := make(map[string]struct{})
	globbed := true
	for _, dir := range ix.cfg.Dirs {
		paths, err := ix.fs.Glob(dir, ix.cfg.Pattern)
		if err != nil {
			globbed = false
			errs = multierr.Append(errs, fmt.Errorf("%w: notes dir %s: %v", domain.ErrConfiguration, dir, err))
			continue
		}
		for _, p := range paths {
			seen[p] = struct{}{}
			n, err := ix.ParseFile(p)
			if err != nil {
				ix.log.Warn("skipping unreadable note file", zap.String("file", p), zap.Error(err))
				errs = multierr.Append(errs, err)
				continue
			}
			total += n
		}
	}
	if globbed {
		for _, p := range ix.attributedFiles() {
			if _, ok := seen[p]; !ok && ix.underDirs(p) {
				ix.RemoveFile(p)
			}
		}
	}
	ix.log.Info("parsed notes", zap.Int("blocks", total), zap.Int("files", len(seen)))
	return total, errs
}

func (ix *Index) attributedFiles() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.files))
	for p := range ix.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (ix *Index) underDirs(path string) bool {
	for _, dir := range ix.cfg.Dirs {
		rel, err := filepath.Rel(dir, path)
		if err == nil && !strings.HasPrefix(rel, "..") {
			return true
		}
	}
	return false
}

// RemoveFile drops every block attributed to path.
func (ix *Index) RemoveFile(path string) {
	ix.mu.Lock()
	events := ix.reconcile(path, nil)
	ix.mu.Unlock()
	ix.emit(events)
}

// Get returns the block with the given id or an error wrapping domain.ErrNotFound.
func (ix *Index) Get(id string) (domain.Block, error) {
	b, ok := ix.TryGet(id)
	if !ok {
		return domain.Block{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return b, nil
}

// TryGet returns the block with the given id, if present.
func (ix *Index) TryGet(id string) (domain.Block, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.blocks[id]
	if !ok {
		return domain.Block{}, false
	}
	return e.block, true
}

// Delete removes a single block from the index.
func (ix *Index) Delete(id string) error {
	ix.mu.Lock()
	e, ok := ix.blocks[id]
	if !ok {
		ix.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	delete(ix.blocks, id)
	if set := ix.files[e.block.SourceFile]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(ix.files, e.block.SourceFile)
		}
	}
	ix.mu.Unlock()
	ix.emit([]event{{kind: evRemoved, id: id}})
	return nil
}

// Clear empties the index.
func (ix *Index) Clear() {
	ix.mu.Lock()
	ix.blocks = make(map[string]*entry)
	ix.files = make(map[string]map[string]struct{})
	ix.mu.Unlock()
	ix.emit([]event{{kind: evCleared}})
}

// All returns every block in insertion order.
func (ix *Index) All() []domain.Block {
	ix.mu.RLock()
	entries := make([]*entry, 0, len(ix.blocks))
	for _, e := range ix.blocks {
		entries = append(entries, e)
	}
	ix.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]domain.Block, len(entries))
	for i, e := range entries {
		out[i] = e.block
	}
	return out
}

// Search returns the blocks whose id or content contains text, case-insensitively, in insertion order.
func (ix *Index) Search(text string) []domain.Block {
	q := strings.ToLower(text)
	var out []domain.Block
	for _, b := range ix.All() {
		if strings.Contains(strings.ToLower(b.ID), q) || strings.Contains(strings.ToLower(b.Content), q) {
			out = append(out, b)
		}
	}
	return out
}

// Recent returns up to n blocks, newest first, skipping ids in exclude.
// Blocks created at the same instant are ordered by reverse insertion.
func (ix *Index) Recent(n int, exclude map[string]struct{}) []domain.Block {
	all := ix.All()
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	// stable sort kept insertion order among equal timestamps; flip those runs
	for i := 0; i < len(all); {
		j := i + 1
		for j < len(all) && all[j].CreatedAt.Equal(all[i].CreatedAt) {
			j++
		}
		for l, r := i, j-1; l < r; l, r = l+1, r-1 {
			all[l], all[r] = all[r], all[l]
		}
		i = j
	}
	var out []domain.Block
	for _, b := range all {
		if n > 0 && len(out) >= n {
			break
		}
		if _, skip := exclude[b.ID]; skip {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Len returns the number of indexed blocks.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.blocks)
}

// FileIDs returns the ids attributed to path, sorted.
func (ix *Index) FileIDs(path string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.files[path]))
	for id := range ix.files[path] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GenerateID returns a fresh 6-character id not currently in the index.
func (ix *Index) GenerateID() string {
	buf := make([]byte, idLength)
	for {
		for i := range buf {
			buf[i] = idAlphabet[ix.intn(len(idAlphabet))]
		}
		id := string(buf)
		ix.mu.RLock()
		_, taken := ix.blocks[id]
		ix.mu.RUnlock()
		if !taken {
			return id
		}
	}
}

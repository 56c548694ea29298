package main

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ragnotes/internal/assembler"
	"ragnotes/internal/blocks"
	"ragnotes/internal/cache"
	"ragnotes/internal/cache/memory"
	"ragnotes/internal/cache/sqlite"
	"ragnotes/internal/config"
	"ragnotes/internal/domain"
	"ragnotes/internal/embedding/worker"
	"ragnotes/internal/fsys"
	"ragnotes/internal/service"
	"ragnotes/internal/supervisor"
	"ragnotes/internal/summarizer"
)

// app holds the wired components for one command invocation.
type app struct {
	index   *blocks.Index
	sup     *supervisor.Supervisor
	cache   *cache.Cache
	svc     *service.Service
	unsub   []func()
	closers []func() error
}

func newApp(cfg *config.AppConfig, log *zap.Logger) (*app, error) {
	fs := fsys.OS{}
	a := &app{}

	a.index = blocks.New(blocks.Config{Dirs: cfg.Notes.Dirs, Pattern: cfg.Notes.Pattern}, fs, log)

	supCfg, err := supervisorConfig(cfg.Worker)
	if err != nil {
		return nil, err
	}
	a.sup = supervisor.New(supCfg, log)

	store, err := openStore(cfg.Cache)
	if err != nil {
		return nil, err
	}
	if c, ok := store.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	client := worker.NewClient(a.sup, worker.Config{
		EmbedPath:      cfg.Worker.EmbedPath,
		SimilarityPath: cfg.Worker.SimilarityPath,
		MaxRetries:     2,
	})
	a.cache = cache.New(client, store, log)
	a.unsub = append(a.unsub, a.index.Subscribe(a.cache))

	asm, err := assembler.New(assembler.Config{
		NotesDir:         cfg.Context.NotesDir,
		AlwaysInclude:    cfg.Context.AlwaysInclude,
		OrganizedDir:     cfg.Context.OrganizedDir,
		OrganizedPattern: cfg.Context.OrganizedPattern,
		LogsDir:          cfg.Context.LogsDir,
		LogPattern:       cfg.Context.LogPattern,
		RecentLimit:      cfg.Context.RecentLimit,
		TopK:             cfg.Context.TopK,
		Separator:        cfg.Context.Separator,
	}, fs, a.index, a.cache, log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.svc = service.New(service.Deps{
		Index:      a.index,
		Worker:     a.sup,
		Finder:     a.cache,
		Assembler:  asm,
		Summarizer: summarizer.NewFrequencySummarizer(),
		Autostart:  cfg.Worker.Autostart,
	}, log)
	return a, nil
}

// Close stops the worker and releases the cache store.
func (a *app) Close() error {
	for _, u := range a.unsub {
		u()
	}
	if a.svc != nil {
		a.svc.Close()
	}
	var err error
	for _, c := range a.closers {
		err = multierr.Append(err, c())
	}
	return err
}

// startWorkerAsync starts the worker in the background; failures leave search lexical.
func (a *app) startWorkerAsync(ctx context.Context, log *zap.Logger) {
	go func() {
		if err := a.svc.EnsureWorker(); err != nil && ctx.Err() == nil {
			log.Warn("embeddings worker unavailable, semantic search disabled", zap.Error(err))
		}
	}()
}

func openStore(c config.CacheConfig) (cache.Store, error) {
	switch c.Type {
	case "memory", "":
		return memory.NewStorage(), nil
	case "sqlite":
		return sqlite.Open(c.Path)
	default:
		return nil, fmt.Errorf("%w: unknown cache type %q", domain.ErrConfiguration, c.Type)
	}
}

func supervisorConfig(w config.WorkerConfig) (supervisor.Config, error) {
	sc := supervisor.Config{
		Dir:            w.Dir,
		Script:         w.Script,
		Port:           w.Port,
		Commands:       w.Commands,
		StartupTimeout: time.Duration(w.StartupTimeoutSecs) * time.Second,
		HealthPath:     w.HealthPath,
		PollInterval:   time.Duration(w.PollIntervalMs) * time.Millisecond,
		FatalMarkers:   w.FatalMarkers,
		RequestTimeout: time.Duration(w.RequestTimeoutSecs) * time.Second,
	}
	if w.ReadyPattern != "" {
		re, err := regexp.Compile(w.ReadyPattern)
		if err != nil {
			return sc, fmt.Errorf("%w: worker.ready_pattern: %w", domain.ErrConfiguration, err)
		}
		sc.ReadyPattern = re
	}
	if w.HealthField != "" {
		field, want := w.HealthField, w.HealthValue
		sc.HealthCheck = func(body map[string]any) bool {
			got, ok := body[field]
			return ok && fmt.Sprint(got) == want
		}
	}
	return sc, nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ragnotes/internal/assembler"
	"ragnotes/internal/domain"
	"ragnotes/internal/mcpserver"
	"ragnotes/internal/service"
	"ragnotes/internal/tui"
	"ragnotes/internal/watch"
)

var (
	limit        int
	contextQuery string
	contextFile  string
)

// open wires the app and loads the notes.
func open() (*app, error) {
	a, err := newApp(cfg, logger)
	if err != nil {
		return nil, err
	}
	if _, err := a.svc.Ingest(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func startWatcher(ctx context.Context, a *app) (*watch.Watcher, error) {
	w, err := watch.New(cfg.Notes.Dirs, cfg.Notes.Pattern, a.index, logger)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Interactive search and context preview (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTUI(cmd.Context())
	},
}

func runTUI(ctx context.Context) error {
	a, err := open()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := startWatcher(ctx, a)
	if err != nil {
		logger.Warn("live reload disabled", zap.Error(err))
	} else {
		defer w.Stop()
	}

	p := tea.NewProgram(tui.New(a.svc, cfg.UI.MarkdownStyle), tea.WithAltScreen())
	n := tui.Notifier{Send: p.Send}
	a.unsub = append(a.unsub, a.index.Subscribe(n), a.sup.Subscribe(n.WorkerState))

	if cfg.Worker.Autostart {
		a.startWorkerAsync(ctx, logger)
	}
	_, err = p.Run()
	return err
}

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Search blocks (semantic when the worker is up, substring otherwise)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open()
		if err != nil {
			return err
		}
		defer a.Close()

		if cfg.Worker.Autostart {
			if err := a.svc.EnsureWorker(); err != nil {
				logger.Warn("embeddings worker unavailable, using substring search", zap.Error(err))
			}
		}
		res, err := a.svc.Search(cmd.Context(), strings.Join(args, " "), limit)
		if err != nil {
			return err
		}
		printResults(cmd, res)
		return nil
	},
}

var similarCmd = &cobra.Command{
	Use:   "similar <query>",
	Short: "Rank blocks by semantic similarity (starts the worker)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.svc.EnsureWorker(); err != nil {
			return err
		}
		res, err := a.svc.Similar(cmd.Context(), strings.Join(args, " "), limit)
		if err != nil {
			return err
		}
		printResults(cmd, res)
		return nil
	},
}

func printResults(cmd *cobra.Command, res []service.SearchResult) {
	out := cmd.OutOrStdout()
	if len(res) == 0 {
		fmt.Fprintln(out, "No blocks found.")
		return
	}
	for _, r := range res {
		fmt.Fprintf(out, "^%s  %.3f  %s:%d\n  %s\n", r.Block.ID, r.Score, r.Block.SourceFile, r.Block.SourceLine,
			strings.ReplaceAll(r.Block.Content, "\n", "\n  "))
	}
}

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Print the assembled prompt context",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := assembler.Request{Query: contextQuery}
		if contextFile != "" {
			data, err := os.ReadFile(contextFile)
			if err != nil {
				return err
			}
			req.Working = &domain.Document{Name: filepath.Base(contextFile), Content: string(data)}
		}
		if req.Query == "" && req.Working == nil {
			return fmt.Errorf("provide --query or --file")
		}

		a, err := open()
		if err != nil {
			return err
		}
		defer a.Close()

		if cfg.Worker.Autostart {
			if err := a.svc.EnsureWorker(); err != nil {
				logger.Warn("embeddings worker unavailable, skipping related blocks", zap.Error(err))
			}
		}
		out, err := a.svc.BuildContext(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out.Text)
		return nil
	},
}

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print an unused block id",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open()
		if err != nil {
			return err
		}
		defer a.Close()
		fmt.Fprintln(cmd.OutOrStdout(), a.svc.NewID())
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the embeddings worker, report readiness, and stop it",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "starting worker on %s\n", a.sup.BaseURL())
		if err := a.sup.Start(); err != nil {
			return err
		}
		fmt.Fprintf(out, "worker %s\n", a.sup.State())
		vecs, err := a.cache.Embed(cmd.Context(), []string{"ragnotes health check"})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "embedding dimensions: %d\n", len(vecs[0]))
		return nil
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve block tools over MCP stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		if w, err := startWatcher(ctx, a); err != nil {
			logger.Warn("live reload disabled", zap.Error(err))
		} else {
			defer w.Stop()
		}
		if cfg.Worker.Autostart {
			a.startWorkerAsync(ctx, logger)
		}
		return server.ServeStdio(mcpserver.New(a.svc, version))
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the index and embedding cache current as notes change",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := open()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		w, err := startWatcher(ctx, a)
		if err != nil {
			return err
		}
		defer w.Stop()

		logger.Info("watching notes", zap.Strings("dirs", cfg.Notes.Dirs), zap.Int("blocks", a.index.Len()))
		fmt.Fprintf(cmd.OutOrStdout(), "%s\nwatching for changes, Ctrl+C to stop\n", a.svc.Summary())
		<-ctx.Done()
		return nil
	},
}

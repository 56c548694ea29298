package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ragnotes/internal/config"
	"ragnotes/internal/logging"
)

var version = "dev"

var (
	cfgPath string
	verbose bool

	cfg    *config.AppConfig
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ragnotes",
	Short: "Search and assemble context from [block]^id notes",
	Long: `ragnotes indexes [content]^id blocks in your markdown notes, keeps a local
embeddings worker alive for semantic search, and assembles layered prompt context.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		if cfgPath == "" {
			cfg, _, err = config.LoadDefault()
		} else {
			cfg, err = config.Load(cfgPath)
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logCfg := cfg.Logging
		if interactive(cmd) && logCfg.File == "" {
			logCfg.File = defaultLogFile()
		}
		logger, err = logging.New(logCfg, verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTUI(cmd.Context())
	},
}

// interactive commands own the terminal, so their logs go to a file.
func interactive(cmd *cobra.Command) bool {
	return !cmd.HasParent() || cmd.Name() == "tui"
}

func defaultLogFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "ragnotes.log")
	}
	return filepath.Join(home, ".local", "state", "ragnotes", "ragnotes.log")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to YAML config file (default ./config.yaml, then ~/.config/ragnotes/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.Version = version

	searchCmd.Flags().IntVarP(&limit, "limit", "n", 5, "Max results")
	similarCmd.Flags().IntVarP(&limit, "limit", "n", 5, "Max results")
	contextCmd.Flags().StringVarP(&contextQuery, "query", "q", "", "Active question or topic")
	contextCmd.Flags().StringVarP(&contextFile, "file", "f", "", "Working document to include and scan for ^id references")

	rootCmd.AddCommand(tuiCmd, searchCmd, similarCmd, contextCmd, idCmd, workerCmd, mcpCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

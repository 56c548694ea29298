package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"ragnotes/internal/domain"
)

// NotesConfig says where note files live.
type NotesConfig struct {
	Dirs    []string `yaml:"dirs"`
	Pattern string   `yaml:"pattern"`
}

// WorkerConfig describes how to launch and talk to the embeddings worker.
type WorkerConfig struct {
	Dir                string   `yaml:"dir"`
	Script             string   `yaml:"script"`
	Port               int      `yaml:"port"`
	Commands           []string `yaml:"commands"`
	StartupTimeoutSecs int      `yaml:"startup_timeout_secs"`
	ReadyPattern       string   `yaml:"ready_pattern,omitempty"`
	HealthPath         string   `yaml:"health_path"`
	HealthField        string   `yaml:"health_field"`
	HealthValue        string   `yaml:"health_value"`
	PollIntervalMs     int      `yaml:"poll_interval_ms"`
	FatalMarkers       []string `yaml:"fatal_markers"`
	EmbedPath          string   `yaml:"embed_path"`
	SimilarityPath     string   `yaml:"similarity_path"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs"`
	Autostart          bool     `yaml:"autostart"`
}

// CacheConfig selects the embedding cache store.
type CacheConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path,omitempty"`
}

// ContextConfig configures context assembly.
type ContextConfig struct {
	NotesDir         string   `yaml:"notes_dir"`
	AlwaysInclude    []string `yaml:"always_include"`
	OrganizedDir     string   `yaml:"organized_dir,omitempty"`
	OrganizedPattern string   `yaml:"organized_pattern,omitempty"`
	LogsDir          string   `yaml:"logs_dir,omitempty"`
	LogPattern       string   `yaml:"log_pattern,omitempty"`
	RecentLimit      int      `yaml:"recent_limit"`
	TopK             int      `yaml:"top_k"`
	Separator        string   `yaml:"separator,omitempty"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	File        string `yaml:"file,omitempty"`
}

// UIConfig configures the terminal UI.
type UIConfig struct {
	MarkdownStyle string `yaml:"markdown_style"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Notes   NotesConfig   `yaml:"notes"`
	Worker  WorkerConfig  `yaml:"worker"`
	Cache   CacheConfig   `yaml:"cache"`
	Context ContextConfig `yaml:"context"`
	Logging LoggingConfig `yaml:"logging"`
	UI      UIConfig      `yaml:"ui"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
// Environment overrides are applied in both cases.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := defaultConfig()
			if err := applyEnvOverrides(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", domain.ErrConfiguration, path, err)
	}
	applyConfigDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/ragnotes/config.yaml.
// If neither exists, it writes defaults to ~/.config/ragnotes/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate reports settings the application cannot start with.
func (c *AppConfig) Validate() error {
	if len(c.Notes.Dirs) == 0 {
		return fmt.Errorf("%w: notes.dirs is empty", domain.ErrConfiguration)
	}
	if c.Context.NotesDir == "" {
		return fmt.Errorf("%w: context.notes_dir is empty", domain.ErrConfiguration)
	}
	if c.Worker.Port <= 0 || c.Worker.Port > 65535 {
		return fmt.Errorf("%w: worker.port %d out of range", domain.ErrConfiguration, c.Worker.Port)
	}
	if len(c.Worker.Commands) == 0 {
		return fmt.Errorf("%w: worker.commands is empty", domain.ErrConfiguration)
	}
	switch c.Cache.Type {
	case "memory":
	case "sqlite":
		if c.Cache.Path == "" {
			return fmt.Errorf("%w: cache.path is required for the sqlite cache", domain.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown cache type %q", domain.ErrConfiguration, c.Cache.Type)
	}
	return nil
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "ragnotes", "config.yaml"), nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ragnotes"
	}
	return filepath.Join(home, ".local", "share", "ragnotes")
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{
		Notes: NotesConfig{Dirs: []string{"notes"}, Pattern: "*.md"},
		Worker: WorkerConfig{
			Dir:                "embeddings-server",
			Script:             "server.py",
			Port:               5000,
			Commands:           []string{"python3", "python", "py -3"},
			StartupTimeoutSecs: 60,
			HealthPath:         "/health",
			HealthField:        "status",
			HealthValue:        "ok",
			PollIntervalMs:     500,
			FatalMarkers:       []string{"Traceback", "ModuleNotFoundError", "Address already in use"},
			EmbedPath:          "/embed",
			SimilarityPath:     "/vector_similarity",
			RequestTimeoutSecs: 30,
			Autostart:          true,
		},
		Cache:   CacheConfig{Type: "sqlite", Path: filepath.Join(defaultDataDir(), "embeddings.db")},
		Context: ContextConfig{NotesDir: "notes", RecentLimit: 10, TopK: 5},
		Logging: LoggingConfig{Level: "info"},
		UI:      UIConfig{MarkdownStyle: "auto"},
	}
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	d := defaultConfig()
	if len(cfg.Notes.Dirs) == 0 {
		cfg.Notes.Dirs = d.Notes.Dirs
	}
	if cfg.Notes.Pattern == "" {
		cfg.Notes.Pattern = d.Notes.Pattern
	}

	w := &cfg.Worker
	if w.Script == "" {
		w.Script = d.Worker.Script
	}
	if w.Port == 0 {
		w.Port = d.Worker.Port
	}
	if len(w.Commands) == 0 {
		w.Commands = d.Worker.Commands
	}
	if w.StartupTimeoutSecs == 0 {
		w.StartupTimeoutSecs = d.Worker.StartupTimeoutSecs
	}
	if w.HealthPath == "" {
		w.HealthPath = d.Worker.HealthPath
	}
	if w.HealthField == "" {
		w.HealthField = d.Worker.HealthField
		w.HealthValue = d.Worker.HealthValue
	}
	if w.PollIntervalMs == 0 {
		w.PollIntervalMs = d.Worker.PollIntervalMs
	}
	if w.EmbedPath == "" {
		w.EmbedPath = d.Worker.EmbedPath
	}
	if w.SimilarityPath == "" {
		w.SimilarityPath = d.Worker.SimilarityPath
	}
	if w.RequestTimeoutSecs == 0 {
		w.RequestTimeoutSecs = d.Worker.RequestTimeoutSecs
	}

	if cfg.Cache.Type == "" {
		cfg.Cache.Type = d.Cache.Type
	}
	if cfg.Cache.Type == "sqlite" && cfg.Cache.Path == "" {
		cfg.Cache.Path = d.Cache.Path
	}

	if cfg.Context.NotesDir == "" {
		cfg.Context.NotesDir = cfg.Notes.Dirs[0]
	}
	if cfg.Context.RecentLimit == 0 {
		cfg.Context.RecentLimit = d.Context.RecentLimit
	}
	if cfg.Context.TopK == 0 {
		cfg.Context.TopK = d.Context.TopK
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.UI.MarkdownStyle == "" {
		cfg.UI.MarkdownStyle = d.UI.MarkdownStyle
	}
}

func applyEnvOverrides(cfg *AppConfig) error {
	if v := os.Getenv("RAGNOTES_NOTES_DIR"); v != "" {
		cfg.Notes.Dirs = []string{v}
		cfg.Context.NotesDir = v
	}
	if v := os.Getenv("RAGNOTES_WORKER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: RAGNOTES_WORKER_PORT=%q: %w", domain.ErrConfiguration, v, err)
		}
		cfg.Worker.Port = port
	}
	if v := os.Getenv("RAGNOTES_WORKER_DIR"); v != "" {
		cfg.Worker.Dir = v
	}
	if v := os.Getenv("RAGNOTES_CACHE_PATH"); v != "" {
		cfg.Cache.Path = v
	}
	if v := os.Getenv("RAGNOTES_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration
type Config struct {
	Server       ServerConfig      `yaml:"server"`
	Stream       StreamConfig      `yaml:"stream"`
	Breaker      BreakerConfig     `yaml:"breaker"`
	Logger       LoggerConfig      `yaml:"logger"`
	History      HistoryConfig     `yaml:"history"`
	UI           UIConfig          `yaml:"ui"`
	StatusLabels map[string]string `yaml:"status_labels"` // merged over the built-in labels
	QuickPrompts []QuickPrompt     `yaml:"quick_prompts"` // replaces the built-in prompts when non-empty
}

// ServerConfig locates the review agent backend
type ServerConfig struct {
	URL            string        `yaml:"url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// StreamConfig bounds a single streamed turn
type StreamConfig struct {
	// IdleTimeout is restarted on every received chunk.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// TurnTimeout bounds the whole call. Zero disables it.
	TurnTimeout time.Duration `yaml:"turn_timeout"`
}

// BreakerConfig configures the circuit breaker around stream initiation
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stderr", "stdout" or a file path
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

type UIConfig struct {
	DefaultBranch string `yaml:"default_branch"`
}

type QuickPrompt struct {
	Label string `yaml:"label"`
	Text  string `yaml:"text"`
}

// Dir returns the per-user directory holding the config file, log and history database
func Dir() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, herr := os.UserHomeDir()
		if herr != nil {
			return "."
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "revchat")
}

// DefaultPath is where Load looks when no --config flag is given
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Defaults returns a config that works against a backend on localhost
func Defaults() *Config {
	dir := Dir()
	return &Config{
		Server: ServerConfig{
			URL:            "http://localhost:8000",
			ConnectTimeout: 10 * time.Second,
		},
		Stream: StreamConfig{
			IdleTimeout: 90 * time.Second,
			TurnTimeout: 10 * time.Minute,
		},
		Breaker: BreakerConfig{
			MaxFailures: 3,
			OpenTimeout: 20 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: filepath.Join(dir, "revchat.log"),
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  filepath.Join(dir, "revchat.db"),
		},
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	ApplyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides lets REVCHAT_* variables win over file values
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REVCHAT_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("REVCHAT_BRANCH"); v != "" {
		cfg.UI.DefaultBranch = v
	}
	if v := os.Getenv("REVCHAT_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("REVCHAT_LOG_FILE"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("REVCHAT_DB_PATH"); v != "" {
		cfg.History.DBPath = v
	}
	if v := os.Getenv("REVCHAT_HISTORY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.History.Enabled = b
		}
	}
	if v := os.Getenv("REVCHAT_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stream.IdleTimeout = d
		}
	}
}

// Validate rejects values the client cannot run with
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.url: %q is not an http(s) URL", c.Server.URL)
	}
	if c.Stream.IdleTimeout <= 0 {
		return fmt.Errorf("stream.idle_timeout must be positive, got %s", c.Stream.IdleTimeout)
	}
	if c.Stream.TurnTimeout < 0 {
		return fmt.Errorf("stream.turn_timeout must not be negative, got %s", c.Stream.TurnTimeout)
	}
	if c.Breaker.MaxFailures == 0 {
		return errors.New("breaker.max_failures must be at least 1")
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DBPath) == "" {
		return errors.New("history.db_path is required when history is enabled")
	}
	for i, p := range c.QuickPrompts {
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("quick_prompts[%d]: text is empty", i)
		}
	}
	return nil
}

// Package config loads deepchat settings from defaults, an optional TOML
// file and DEEPCHAT_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
)

const (
	DefaultBaseURL = "https://api.deepseek.com/v1"
	DefaultModel   = "deepseek-chat"
)

type Config struct {
	DBPath      string        `toml:"db_path" env:"DEEPCHAT_DB_PATH"`
	HandoffPath string        `toml:"handoff_path" env:"DEEPCHAT_HANDOFF_PATH"`
	HandoffTTL  time.Duration `toml:"handoff_ttl" env:"DEEPCHAT_HANDOFF_TTL"`

	BaseURL      string `toml:"base_url" env:"DEEPCHAT_BASE_URL"`
	APIKey       string `toml:"api_key" env:"DEEPCHAT_API_KEY"`
	DefaultModel string `toml:"default_model" env:"DEEPCHAT_MODEL"`
	// MaxPromptTokens bounds the history sent with each turn. Zero disables
	// trimming.
	MaxPromptTokens int `toml:"max_prompt_tokens" env:"DEEPCHAT_MAX_PROMPT_TOKENS"`

	ListenAddr string `toml:"listen_addr" env:"DEEPCHAT_LISTEN_ADDR"`
	// MaxUserBytes caps stored message text per user. Zero means unlimited.
	MaxUserBytes int64 `toml:"max_user_bytes" env:"DEEPCHAT_MAX_USER_BYTES"`

	UserID string `toml:"user_id" env:"DEEPCHAT_USER"`
	Debug  bool   `toml:"debug" env:"DEEPCHAT_DEBUG"`
}

// Dir is the directory holding the default config file and data files.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".deepchat"
	}
	return filepath.Join(home, ".deepchat")
}

func Default() *Config {
	dir := Dir()
	return &Config{
		DBPath:          filepath.Join(dir, "deepchat.db"),
		HandoffPath:     filepath.Join(dir, "handoff.bolt"),
		HandoffTTL:      10 * time.Minute,
		BaseURL:         DefaultBaseURL,
		DefaultModel:    DefaultModel,
		MaxPromptTokens: 32000,
		ListenAddr:      ":8100",
		MaxUserBytes:    50 << 20,
		UserID:          "local",
	}
}

// Path returns the config file to read: DEEPCHAT_CONFIG if set, otherwise
// config.toml under Dir.
func Path() string {
	if p := os.Getenv("DEEPCHAT_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(Dir(), "config.toml")
}

// Load builds a Config. An empty path means Path(). A missing file is not
// an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if c.BaseURL == "" {
		problems = append(problems, "base_url is required")
	}
	if c.DefaultModel == "" {
		problems = append(problems, "default_model is required")
	}
	if c.MaxPromptTokens < 0 {
		problems = append(problems, "max_prompt_tokens must not be negative")
	}
	if c.MaxUserBytes < 0 {
		problems = append(problems, "max_user_bytes must not be negative")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

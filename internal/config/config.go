package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models daylog.yml.
type Config struct {
	GitHub struct {
		Token   string `yaml:"token"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"github"`
	Analyzer struct {
		BaseURL     string  `yaml:"base_url"`
		APIKey      string  `yaml:"api_key"`
		Model       string  `yaml:"model"`
		Temperature float64 `yaml:"temperature"`
		MaxRetries  int     `yaml:"max_retries"`
	} `yaml:"analyzer"`
	Analysis struct {
		// MaxConcurrent bounds the per-commit fan-out. Zero or negative
		// means unbounded.
		MaxConcurrent int `yaml:"max_concurrent"`
		// MaxCommits caps how many commits one run will analyze.
		MaxCommits int    `yaml:"max_commits"`
		Depth      string `yaml:"depth"`
	} `yaml:"analysis"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with daylog config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills secrets left blank in the file from the environment, so
// tokens can stay out of daylog.yml.
func (c *Config) applyEnv() {
	if c.GitHub.Token == "" {
		c.GitHub.Token = os.Getenv("DAYLOG_GITHUB_TOKEN")
	}
	if c.Analyzer.APIKey == "" {
		c.Analyzer.APIKey = os.Getenv("DAYLOG_ANALYZER_API_KEY")
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Analysis.Depth {
	case "basic", "standard", "deep":
	default:
		return fmt.Errorf("config.analysis.depth must be basic, standard or deep")
	}
	if c.Analysis.MaxCommits < 0 {
		return fmt.Errorf("config.analysis.max_commits must not be negative")
	}
	if c.Analyzer.Model == "" {
		return fmt.Errorf("config.analyzer.model is required")
	}
	if c.Analyzer.MaxRetries < 0 {
		return fmt.Errorf("config.analyzer.max_retries must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "daylog.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.GitHub.BaseURL = "https://api.github.com"
	cfg.Analyzer.BaseURL = "https://openrouter.ai/api/v1"
	cfg.Analyzer.Model = "anthropic/claude-3.5-sonnet"
	cfg.Analyzer.Temperature = 0.7
	cfg.Analyzer.MaxRetries = 2
	cfg.Analysis.MaxConcurrent = 4
	cfg.Analysis.MaxCommits = 50
	cfg.Analysis.Depth = "deep"
	cfg.Server.Addr = ":8787"
	cfg.Server.BasePath = "/v0"
	return &cfg
}

// GenerateDefault returns default config YAML for daylog config init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `github:
  # Personal access token used by fetch-commits. May also come from
  # DAYLOG_GITHUB_TOKEN.
  token: ""
  base_url: https://api.github.com

analyzer:
  base_url: https://openrouter.ai/api/v1
  # May also come from DAYLOG_ANALYZER_API_KEY.
  api_key: ""
  model: anthropic/claude-3.5-sonnet
  temperature: 0.7
  max_retries: 2

analysis:
  # Bound on parallel per-commit analysis. <= 0 removes the bound.
  max_concurrent: 4
  max_commits: 50
  depth: deep

server:
  addr: ":8787"
  base_path: /v0
`

// Package config loads and validates the pipeline configuration from an
// optional YAML file plus environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	margoerrors "github.com/margo-ai/margo/pkg/errors"
)

// Environment variable names for LLM credentials.
const (
	EnvOpenAIKey = "MARGO_OPENAI_KEY"
	EnvClaudeKey = "MARGO_CLAUDE_KEY"
)

// LLMConfig configures the model endpoint.
type LLMConfig struct {
	Model          string        `yaml:"model"`
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"-"`
	Temperature    float64       `yaml:"temperature"`
	TopP           float64       `yaml:"top_p"`
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	TotalTimeout   time.Duration `yaml:"total_timeout"`
	TokenBudget    int           `yaml:"token_budget"`
}

// ExecutorConfig configures execution behavior.
type ExecutorConfig struct {
	Mode            string `yaml:"mode"`
	StrictTemplates bool   `yaml:"strict_templates"`
	DefaultTemplate string `yaml:"default_template"`
}

// PipelineConfig configures orchestration behavior.
type PipelineConfig struct {
	AutoRollback bool          `yaml:"auto_rollback"`
	OutputDir    string        `yaml:"output_dir"`
	RunTimeout   time.Duration `yaml:"run_timeout"`
}

// Config is the root configuration.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Executor ExecutorConfig `yaml:"executor"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Model:          "gpt-4o",
			BaseURL:        "https://api.openai.com/v1",
			Temperature:    0,
			TopP:           1,
			MaxRetries:     2,
			RequestTimeout: 120 * time.Second,
			TotalTimeout:   10 * time.Minute,
			TokenBudget:    24000,
		},
		Executor: ExecutorConfig{
			Mode:            "normal",
			DefaultTemplate: "Normal",
		},
		Pipeline: PipelineConfig{
			AutoRollback: true,
			OutputDir:    ".",
			RunTimeout:   30 * time.Minute,
		},
	}
}

// Load reads configuration from an optional YAML file, layers environment
// variables on top, and resolves the API key for the selected model. A .env
// file in the working directory is honored when present.
func Load(path string) (*Config, error) {
	// Missing .env is not an error.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, margoerrors.Wrap(margoerrors.KindConfiguration,
				fmt.Sprintf("cannot read config file %s", path), err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, margoerrors.Wrap(margoerrors.KindConfiguration,
				fmt.Sprintf("cannot parse config file %s", path), err)
		}
	}

	cfg.LLM.APIKey = os.Getenv(KeyEnvName(cfg.LLM.Model))
	return cfg, nil
}

// KeyEnvName returns the environment variable expected to hold the API key
// for the given model.
func KeyEnvName(model string) string {
	if strings.HasPrefix(strings.ToLower(model), "claude") {
		return EnvClaudeKey
	}
	return EnvOpenAIKey
}

// Validate checks the configuration for use by the pipeline.
func (c *Config) Validate() error {
	if c.LLM.Model == "" {
		return margoerrors.New(margoerrors.KindConfiguration, "llm.model must not be empty")
	}
	if c.LLM.APIKey == "" {
		return margoerrors.Newf(margoerrors.KindConfiguration,
			"missing API key: set %s", KeyEnvName(c.LLM.Model))
	}
	switch c.Executor.Mode {
	case "normal", "dry_run", "safe":
	default:
		return margoerrors.Newf(margoerrors.KindConfiguration,
			"executor.mode must be one of normal, dry_run, safe; got %q", c.Executor.Mode)
	}
	if c.LLM.TokenBudget <= 0 {
		return margoerrors.New(margoerrors.KindConfiguration, "llm.token_budget must be positive")
	}
	return nil
}

// Package config loads service configuration from the environment, with an
// optional .env file for development.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full service configuration. Every field has a SCOUT_
// environment variable; secrets have no defaults.
type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	CRM      CRMConfig
	KB       KBConfig
	Model    ModelConfig
	Pipeline PipelineConfig
}

type ServerConfig struct {
	Host string `env:"SCOUT_HOST" envDefault:"127.0.0.1"`
	Port int    `env:"SCOUT_PORT" envDefault:"8700"`
	// MCPEnabled starts the MCP stdio server alongside the HTTP API.
	MCPEnabled bool `env:"SCOUT_MCP_ENABLED" envDefault:"false"`
	// APIToken guards every route except the health probe.
	APIToken string `env:"SCOUT_API_TOKEN"`
}

type StorageConfig struct {
	DataDir string `env:"SCOUT_DATA_DIR" envDefault:"./data"`
}

type CRMConfig struct {
	BaseURL string `env:"SCOUT_CRM_BASE_URL" envDefault:"https://api.hubapi.com"`
	Token   string `env:"SCOUT_CRM_TOKEN"`
}

type KBConfig struct {
	// BaseURL of the internal knowledge-base search service. Empty disables
	// the kb_search tool.
	BaseURL string `env:"SCOUT_KB_BASE_URL"`
}

type ModelConfig struct {
	// Provider selects the model backend: anthropic or openai.
	Provider     string `env:"SCOUT_MODEL_PROVIDER" envDefault:"anthropic"`
	Model        string `env:"SCOUT_MODEL" envDefault:"claude-sonnet-4-20250514"`
	AnthropicKey string `env:"SCOUT_ANTHROPIC_API_KEY"`
	OpenAIKey    string `env:"SCOUT_OPENAI_API_KEY"`
	MaxTokens    int    `env:"SCOUT_MODEL_MAX_TOKENS" envDefault:"4096"`
}

type PipelineConfig struct {
	MaxIterations  int `env:"SCOUT_MAX_ITERATIONS" envDefault:"15"`
	ToolTimeoutSec int `env:"SCOUT_TOOL_TIMEOUT_SEC" envDefault:"30"`
	ListTimeoutSec int `env:"SCOUT_LIST_TIMEOUT_SEC" envDefault:"5"`
}

// Load reads .env (if present) then the environment, and validates the
// result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("loading .env file: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements the struct tags cannot express.
func (c Config) Validate() error {
	if c.Server.APIToken == "" {
		return errors.New("SCOUT_API_TOKEN is required")
	}
	switch c.Model.Provider {
	case "anthropic":
		if c.Model.AnthropicKey == "" {
			return errors.New("SCOUT_ANTHROPIC_API_KEY is required when SCOUT_MODEL_PROVIDER=anthropic")
		}
	case "openai":
		if c.Model.OpenAIKey == "" {
			return errors.New("SCOUT_OPENAI_API_KEY is required when SCOUT_MODEL_PROVIDER=openai")
		}
	default:
		return fmt.Errorf("unknown model provider %q (want anthropic or openai)", c.Model.Provider)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return nil
}

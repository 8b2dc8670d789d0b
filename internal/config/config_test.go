package config

import (
	"strings"
	"testing"
)

func validConfig() Config {
	var c Config
	c.Server.Host = "127.0.0.1"
	c.Server.Port = 8700
	c.Server.APIToken = "secret"
	c.Model.Provider = "anthropic"
	c.Model.AnthropicKey = "sk-ant"
	return c
}

func TestValidateAccepts(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	c := validConfig()
	c.Model.Provider = "openai"
	c.Model.AnthropicKey = ""
	c.Model.OpenAIKey = "sk-oai"
	if err := c.Validate(); err != nil {
		t.Errorf("Validate(openai): %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing token", func(c *Config) { c.Server.APIToken = "" }, "SCOUT_API_TOKEN"},
		{"missing anthropic key", func(c *Config) { c.Model.AnthropicKey = "" }, "SCOUT_ANTHROPIC_API_KEY"},
		{"missing openai key", func(c *Config) {
			c.Model.Provider = "openai"
			c.Model.OpenAIKey = ""
		}, "SCOUT_OPENAI_API_KEY"},
		{"unknown provider", func(c *Config) { c.Model.Provider = "gemini" }, "unknown model provider"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "invalid port"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(&c)
			err := c.Validate()
			if err == nil {
				t.Fatal("Validate succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("SCOUT_API_TOKEN", "secret")
	t.Setenv("SCOUT_MODEL_PROVIDER", "openai")
	t.Setenv("SCOUT_OPENAI_API_KEY", "sk-oai")
	t.Setenv("SCOUT_PORT", "9100")
	t.Setenv("SCOUT_MAX_ITERATIONS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Pipeline.MaxIterations != 7 {
		t.Errorf("maxIterations = %d, want 7", cfg.Pipeline.MaxIterations)
	}
	// Defaults fill the rest.
	if cfg.CRM.BaseURL == "" || cfg.Pipeline.ToolTimeoutSec != 30 {
		t.Errorf("defaults missing: %+v", cfg)
	}
}

func TestLoadRejectsMissingSecrets(t *testing.T) {
	t.Setenv("SCOUT_API_TOKEN", "")
	t.Setenv("SCOUT_ANTHROPIC_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded without required secrets")
	}
}

package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvOverrides are deployment settings read from LORELINE_* variables.
type EnvOverrides struct {
	Addr            string        `env:"ADDR"`
	JWTSecret       string        `env:"JWT_SECRET"`
	QueueBackend    string        `env:"QUEUE_BACKEND"`
	ApprovalTimeout time.Duration `env:"APPROVAL_TIMEOUT"`
	OTELEndpoint    string        `env:"OTEL_ENDPOINT"`
	JournalDir      string        `env:"JOURNAL_DIR"`
	LLMProvider     string        `env:"LLM_PROVIDER"`
	LLMBaseURL      string        `env:"LLM_BASE_URL"`
	LLMModel        string        `env:"LLM_MODEL"`
	JournalEnabled  *bool         `env:"JOURNAL_ENABLED"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: "LORELINE_"}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment overrides and revalidates.
func (c *Config) ApplyEnv() error {
	var o EnvOverrides
	if err := ParseEnv(&o); err != nil {
		return err
	}
	if o.Addr != "" {
		c.Server.Addr = o.Addr
	}
	if o.JWTSecret != "" {
		c.Server.JWTSecret = o.JWTSecret
	}
	if o.QueueBackend != "" {
		c.Queues.Backend = o.QueueBackend
	}
	if o.ApprovalTimeout > 0 {
		c.Approvals.Timeout = o.ApprovalTimeout
	}
	if o.OTELEndpoint != "" {
		c.Telemetry.Endpoint = o.OTELEndpoint
	}
	if o.JournalDir != "" {
		c.Journal.Dir = o.JournalDir
	}
	if o.LLMProvider != "" {
		c.LLM.Provider = o.LLMProvider
	}
	if o.LLMBaseURL != "" {
		c.LLM.BaseURL = o.LLMBaseURL
	}
	if o.LLMModel != "" {
		c.LLM.Model = o.LLMModel
	}
	if o.JournalEnabled != nil {
		c.Journal.Enabled = *o.JournalEnabled
	}
	return c.Validate()
}

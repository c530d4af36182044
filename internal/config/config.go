package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Queue names as they appear in config and storage.
const (
	QueuePlayerAction = "player_action"
	QueueReasoning    = "llm_reasoning"
	QueueApproval     = "dm_approval"
	QueueAsset        = "asset_generation"
)

// Config models loreline.yml.
type Config struct {
	Server struct {
		Addr           string `yaml:"addr"`
		BasePath       string `yaml:"base_path"`
		JWTSecret      string `yaml:"jwt_secret"`
		AllowAnonymous bool   `yaml:"allow_anonymous"`
		MaxMessageSize int64  `yaml:"max_message_size"`
		SendBuffer     int    `yaml:"send_buffer"`
	} `yaml:"server"`
	Queues struct {
		Backend          string         `yaml:"backend"`
		PollInterval     time.Duration  `yaml:"poll_interval"`
		RecoveryInterval time.Duration  `yaml:"recovery_interval"`
		CleanupInterval  time.Duration  `yaml:"cleanup_interval"`
		HistoryRetention time.Duration  `yaml:"history_retention"`
		LeaseTimeout     time.Duration  `yaml:"lease_timeout"`
		MaxAttempts      int            `yaml:"max_attempts"`
		Workers          map[string]int `yaml:"workers"`
	} `yaml:"queues"`
	Approvals struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"approvals"`
	Staging struct {
		DefaultTTLHours      int           `yaml:"default_ttl_hours"`
		RequireDMApproval    bool          `yaml:"require_dm_approval"`
		RequestTimeout       time.Duration `yaml:"request_timeout"`
		AutoApproveOnTimeout bool          `yaml:"auto_approve_on_timeout"`
		LLMEnabled           bool          `yaml:"llm_enabled"`
	} `yaml:"staging"`
	World struct {
		MaxConversationTurns int `yaml:"max_conversation_turns"`
	} `yaml:"world"`
	LLM struct {
		Provider string        `yaml:"provider"`
		BaseURL  string        `yaml:"base_url"`
		Model    string        `yaml:"model"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"llm"`
	Journal struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"`
	} `yaml:"journal"`
	Telemetry struct {
		Endpoint    string `yaml:"endpoint"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"telemetry"`
	// Permissions grants extra actions per role on top of the defaults.
	Permissions map[string][]string `yaml:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ll config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Queues.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config.queues.backend must be memory or sqlite, got %q", c.Queues.Backend)
	}
	if c.Queues.PollInterval <= 0 {
		return fmt.Errorf("config.queues.poll_interval must be positive")
	}
	if c.Queues.RecoveryInterval <= 0 {
		return fmt.Errorf("config.queues.recovery_interval must be positive")
	}
	if c.Queues.CleanupInterval <= 0 {
		return fmt.Errorf("config.queues.cleanup_interval must be positive")
	}
	if c.Queues.HistoryRetention <= 0 {
		return fmt.Errorf("config.queues.history_retention must be positive")
	}
	if c.Queues.LeaseTimeout <= 0 {
		return fmt.Errorf("config.queues.lease_timeout must be positive")
	}
	if c.Queues.MaxAttempts < 1 {
		return fmt.Errorf("config.queues.max_attempts must be at least 1")
	}
	for name, n := range c.Queues.Workers {
		switch name {
		case QueuePlayerAction, QueueReasoning, QueueApproval, QueueAsset:
		default:
			return fmt.Errorf("config.queues.workers has unknown queue %s", name)
		}
		if n < 1 {
			return fmt.Errorf("config.queues.workers.%s must be at least 1", name)
		}
	}
	if c.Approvals.Timeout <= 0 {
		return fmt.Errorf("config.approvals.timeout must be positive")
	}
	if c.Staging.DefaultTTLHours < 1 {
		return fmt.Errorf("config.staging.default_ttl_hours must be at least 1")
	}
	if c.Staging.RequestTimeout <= 0 {
		return fmt.Errorf("config.staging.request_timeout must be positive")
	}
	if c.World.MaxConversationTurns < 1 {
		return fmt.Errorf("config.world.max_conversation_turns must be at least 1")
	}
	switch c.LLM.Provider {
	case "offline":
	case "ollama":
		if c.LLM.BaseURL == "" || c.LLM.Model == "" {
			return fmt.Errorf("config.llm.base_url and config.llm.model are required for ollama")
		}
	default:
		return fmt.Errorf("config.llm.provider must be offline or ollama, got %q", c.LLM.Provider)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("config.llm.timeout must be positive")
	}
	for role, actions := range c.Permissions {
		for _, a := range actions {
			if a == "" {
				return fmt.Errorf("config.permissions.%s has empty action", role)
			}
		}
	}
	return nil
}

// WorkersFor returns the configured concurrency for a queue, defaulting to 1.
func (c *Config) WorkersFor(queue string) int {
	if n, ok := c.Queues.Workers[queue]; ok && n > 0 {
		return n
	}
	return 1
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "loreline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  allow_anonymous: false
  max_message_size: 65536
  send_buffer: 64

queues:
  backend: sqlite
  poll_interval: 200ms
  recovery_interval: 30s
  cleanup_interval: 10m
  history_retention: 168h
  lease_timeout: 5m
  max_attempts: 3
  workers:
    player_action: 2
    llm_reasoning: 2
    dm_approval: 1
    asset_generation: 1

approvals:
  timeout: 10m

staging:
  default_ttl_hours: 3
  require_dm_approval: false
  request_timeout: 30s
  auto_approve_on_timeout: true
  llm_enabled: true

world:
  max_conversation_turns: 50

llm:
  provider: offline
  base_url: http://127.0.0.1:11434
  model: llama3
  timeout: 60s

journal:
  enabled: true

telemetry:
  service_name: loreline
`

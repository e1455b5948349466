// Package config provides configuration loading for devcrew.
//
// Configuration is layered: hardcoded defaults, then an optional YAML file, then
// DEVCREW_-prefixed environment variables. See LoadWithFile for details.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds the complete devcrew configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Log          LogConfig          `koanf:"log"`
	Models       ModelsConfig       `koanf:"models"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Workspace    WorkspaceConfig    `koanf:"workspace"`
	Memory       MemoryConfig       `koanf:"memory"`
	GitHub       GitHubConfig       `koanf:"github"`
	Prompts      PromptsConfig      `koanf:"prompts"`
	Checkpoint   CheckpointConfig   `koanf:"checkpoint"`
	Events       EventsConfig       `koanf:"events"`
	Secrets      SecretsConfig      `koanf:"secrets"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig holds the subset of logging settings exposed through the config file.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// ModelTier describes one model binding: which model, how creative, how long.
type ModelTier struct {
	Model       string  `koanf:"model"`
	Temperature float64 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`
}

// ModelsConfig holds language model endpoints and tier bindings.
type ModelsConfig struct {
	BaseURL    string        `koanf:"base_url"`
	APIKey     Secret        `koanf:"api_key"`
	Timeout    time.Duration `koanf:"timeout"`
	RateLimit  float64       `koanf:"rate_limit"` // requests per second
	Burst      int           `koanf:"burst"`
	MaxRetries int           `koanf:"max_retries"`

	Fast     ModelTier `koanf:"fast"`
	Precise  ModelTier `koanf:"precise"`
	Reasoner ModelTier `koanf:"reasoner"`
	Memory   ModelTier `koanf:"memory"`

	EmbeddingBaseURL string `koanf:"embedding_base_url"`
	EmbeddingModel   string `koanf:"embedding_model"`
	EmbeddingAPIKey  Secret `koanf:"embedding_api_key"`
}

// OrchestratorConfig holds routing and context bounds.
type OrchestratorConfig struct {
	// LoopThreshold is the number of tester->coder round trips tolerated before
	// the supervisor forces the PR creator. Routing forces PR creation once the
	// counter exceeds this value.
	LoopThreshold    int `koanf:"loop_threshold"`
	MaxSteps         int `koanf:"max_steps"`
	SupervisorWindow int `koanf:"supervisor_window"`
	HistoryWindow    int `koanf:"history_window"`
	SummaryCap       int `koanf:"summary_cap"`
	PreviewCap       int `koanf:"preview_cap"`
	MaxToolSteps     int `koanf:"max_tool_steps"`
}

// WorkspaceConfig holds the staging area locations.
type WorkspaceConfig struct {
	RepoDir        string        `koanf:"repo_dir"`
	TempDir        string        `koanf:"temp_dir"`
	CommandTimeout time.Duration `koanf:"command_timeout"`
}

// MemoryConfig holds memory file and recall index locations.
type MemoryConfig struct {
	Dir         string `koanf:"dir"`
	IndexPath   string `koanf:"index_path"`
	IndexEnable bool   `koanf:"index_enable"`
	RecallLimit int    `koanf:"recall_limit"`
}

// GitHubConfig holds GitHub API settings.
type GitHubConfig struct {
	Token      Secret `koanf:"token"`
	BaseBranch string `koanf:"base_branch"`
}

// PromptsConfig holds role template settings.
type PromptsConfig struct {
	Dir   string `koanf:"dir"`
	Watch bool   `koanf:"watch"`
}

// CheckpointConfig selects and configures the checkpoint backend.
type CheckpointConfig struct {
	Backend string `koanf:"backend"` // "memory" or "sqlite"
	Path    string `koanf:"path"`
}

// EventsConfig configures update publishing over NATS. Empty URL disables it.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// SecretsConfig configures tool output scrubbing.
type SecretsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Endpoint       string        `koanf:"endpoint"`
	Protocol       string        `koanf:"protocol"` // "grpc" or "http/protobuf"
	Insecure       bool          `koanf:"insecure"`
	ServiceName    string        `koanf:"service_name"`
	ServiceVersion string        `koanf:"service_version"`
	SampleRate     float64       `koanf:"sample_rate"`
	ExportInterval time.Duration `koanf:"export_interval"`
}

// Default returns a Config holding only the built-in defaults.
func Default() *Config {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	return &cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Orchestrator.LoopThreshold < 1 {
		return fmt.Errorf("orchestrator.loop_threshold must be >= 1, got %d", c.Orchestrator.LoopThreshold)
	}
	if c.Orchestrator.MaxSteps < 3 {
		return fmt.Errorf("orchestrator.max_steps must be >= 3, got %d", c.Orchestrator.MaxSteps)
	}
	if c.Orchestrator.HistoryWindow < 1 || c.Orchestrator.SupervisorWindow < 1 {
		return errors.New("orchestrator windows must be positive")
	}
	if c.Workspace.CommandTimeout <= 0 {
		return errors.New("workspace.command_timeout must be positive")
	}
	switch c.Checkpoint.Backend {
	case "memory":
	case "sqlite":
		if c.Checkpoint.Path == "" {
			return errors.New("checkpoint.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return errors.New("telemetry.endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			return fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate)
		}
	}
	for name, tier := range map[string]ModelTier{
		"fast": c.Models.Fast, "precise": c.Models.Precise,
		"reasoner": c.Models.Reasoner, "memory": c.Models.Memory,
	} {
		if tier.Model == "" {
			return fmt.Errorf("models.%s.model is required", name)
		}
		if tier.MaxTokens <= 0 {
			return fmt.Errorf("models.%s.max_tokens must be positive", name)
		}
	}
	return nil
}

package logging

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/devcrew/internal/config"
)

// TraceLevel sits one step below Debug. It carries raw model payloads and
// tool arguments and is off unless asked for.
const TraceLevel = zapcore.DebugLevel - 1

// Config holds logging configuration.
type Config struct {
	Level      zapcore.Level
	Format     string // "json" or "console"
	Output     OutputConfig
	Sampling   SamplingConfig
	Caller     bool
	Stacktrace zapcore.Level
	Fields     map[string]string
	Redaction  RedactionConfig
}

// OutputConfig selects the sinks.
type OutputConfig struct {
	Stdout bool
	OTEL   bool
	// Writer replaces os.Stdout for the stdout output. The MCP stdio
	// transport owns stdout, so that mode logs to stderr.
	Writer io.Writer
}

// SamplingConfig thins repeated entries below Error.
type SamplingConfig struct {
	Enabled    bool
	Tick       time.Duration
	Initial    int
	Thereafter int
}

// RedactionConfig lists field names masked outright and value patterns
// masked wherever they appear.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string
}

var (
	sensitiveKeys = []string{
		"password", "secret", "token", "api_key",
		"authorization", "bearer", "credential", "private_key",
	}
	// Credential shapes a tool transcript or model reply may echo back.
	sensitivePatterns = []string{
		`(?i)bearer\s+\S+`,
		`(?i)api[_-]?key[=:]\s*\S+`,
		`gh[pousr]_[A-Za-z0-9]{20,}`,
		`github_pat_[A-Za-z0-9_]{20,}`,
		`xai-[A-Za-z0-9]{20,}`,
	}
)

const maxPatternLen = 200

// NewDefaultConfig returns JSON logging at info to stdout with sampling and
// redaction on.
func NewDefaultConfig() *Config {
	return &Config{
		Level:      zapcore.InfoLevel,
		Format:     "json",
		Output:     OutputConfig{Stdout: true},
		Sampling:   SamplingConfig{Enabled: true, Tick: time.Second, Initial: 100, Thereafter: 10},
		Caller:     true,
		Stacktrace: zapcore.ErrorLevel,
		Fields:     map[string]string{"service": "devcrew"},
		Redaction: RedactionConfig{
			Enabled:  true,
			Fields:   append([]string(nil), sensitiveKeys...),
			Patterns: append([]string(nil), sensitivePatterns...),
		},
	}
}

// FromSettings applies the log section of the application config to the
// defaults.
func FromSettings(s config.LogConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if s.Level != "" {
		lvl, err := LevelFromString(s.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", s.Level, err)
		}
		cfg.Level = lvl
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	cfg.Output.OTEL = s.OTEL
	return cfg, cfg.Validate()
}

// LevelFromString accepts zap's level names plus "trace".
func LevelFromString(s string) (zapcore.Level, error) {
	if s == "trace" {
		return TraceLevel, nil
	}
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel, err
	}
	return lvl, nil
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		return errors.New("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled && c.Sampling.Tick <= 0 {
		return errors.New("sampling tick must be > 0 when sampling enabled")
	}
	if c.Redaction.Enabled {
		if _, err := compilePatterns(c.Redaction.Patterns); err != nil {
			return err
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant field %q=%q must have a key and a value", k, v)
		}
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables before mapping them to keys.
const EnvPrefix = "DEVCREW_"

const (
	maxConfigFileSize = 1 << 20
	systemConfigDir   = "/etc/devcrew"
)

// LoadWithFile layers configuration, later sources winning:
//
//  1. the embedded defaults.yaml
//  2. the YAML file at configPath, or ~/.config/devcrew/config.yaml when empty
//  3. DEVCREW_* environment variables
//
// A missing file is fine. A present one must live under ~/.config/devcrew or
// /etc/devcrew, be mode 0600 or 0400 and stay under 1 MiB.
//
// Environment names map to keys by splitting off the section at the first
// underscore and then trying each remaining underscore as a nesting dot:
//
//	DEVCREW_SERVER_HTTP_PORT      -> server.http_port
//	DEVCREW_MODELS_FAST_MODEL     -> models.fast.model
//
// GITHUB_TOKEN and XAI_API_KEY fill github.token and models.api_key when
// those are otherwise unset.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath == "" {
		dir, err := userConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}
	if err := checkConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	content, err := readConfigFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKeyMapper(k)), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyFallbacks()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func userConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "devcrew"), nil
}

// readConfigFile checks mode and size on the open descriptor, so the file
// inspected is the file read. A missing file returns fs.ErrNotExist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm != 0600 && perm != 0400 {
			return nil, fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// checkConfigPath accepts paths under the user or system config directory,
// after resolving symlinks on both sides. Paths that do not exist yet are
// checked as written.
func checkConfigPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	userDir, err := userConfigDir()
	if err != nil {
		return err
	}
	allowed := []string{userDir, systemConfigDir}
	if resolved, err := filepath.EvalSymlinks(userDir); err == nil && resolved != userDir {
		allowed = append(allowed, resolved)
	}

	for _, dir := range allowed {
		if abs == dir || strings.HasPrefix(abs, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/devcrew/ or %s/", systemConfigDir)
}

// envKeyMapper returns the env.Provider callback. Names matching no known key
// fall back to section.rest.
func envKeyMapper(k *koanf.Koanf) func(string) string {
	return func(name string) string {
		key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
		section, rest, ok := strings.Cut(key, "_")
		if !ok {
			return key
		}
		flat := section + "." + rest
		if k.Exists(flat) {
			return flat
		}
		for i, r := range rest {
			if r != '_' {
				continue
			}
			if nested := section + "." + rest[:i] + "." + rest[i+1:]; k.Exists(nested) {
				return nested
			}
		}
		return flat
	}
}

// applyFallbacks fills credentials from the conventional unprefixed variables
// and points the embedder at the chat endpoint when no separate one is set.
func (c *Config) applyFallbacks() {
	if !c.GitHub.Token.IsSet() {
		c.GitHub.Token = Secret(os.Getenv("GITHUB_TOKEN"))
	}
	if !c.Models.APIKey.IsSet() {
		c.Models.APIKey = Secret(os.Getenv("XAI_API_KEY"))
	}
	if !c.Models.EmbeddingAPIKey.IsSet() {
		c.Models.EmbeddingAPIKey = c.Models.APIKey
	}
	if c.Models.EmbeddingBaseURL == "" {
		c.Models.EmbeddingBaseURL = c.Models.BaseURL
	}
}

// EnsureConfigDir creates ~/.config/devcrew with mode 0700.
func EnsureConfigDir() error {
	dir, err := userConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

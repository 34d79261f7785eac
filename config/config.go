// Package config handles coder configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/coder/agentloop"
	"github.com/martinemde/coder/contextwindow"
	"github.com/martinemde/coder/policy"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./coder.yaml, ~/.config/coder/config.yaml, /etc/coder/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"coder.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "coder", "config.yaml"))
	}

	paths = append(paths, "/etc/coder/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no file exists on the search
// path. Callers usually fall back to Default.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all coder configuration.
type Config struct {
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text or json
	Provider  ProviderConfig `yaml:"provider"`
	Engine    EngineConfig   `yaml:"engine"`
	Daemon    DaemonConfig   `yaml:"daemon"`
	Tools     ToolsConfig    `yaml:"tools"`
}

// ProviderConfig selects the model backend.
type ProviderConfig struct {
	ID    string `yaml:"id"` // anthropic, openai, gemini, openrouter, ...
	Model string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the API key.
	// Default: <ID>_API_KEY, upper-cased.
	APIKeyEnv      string        `yaml:"api_key_env"`
	MaxTokens      int           `yaml:"max_tokens"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	BaseDelay      float64       `yaml:"base_delay"` // seconds
}

// EngineConfig tunes the orchestration loop.
type EngineConfig struct {
	MaxRounds          int     `yaml:"max_rounds"`
	PreserveTurns      int     `yaml:"preserve_turns"`
	LoopThreshold      int     `yaml:"loop_threshold"`
	MaxParallelReads   int     `yaml:"max_parallel_reads"`
	ContextBudgetRatio float64 `yaml:"context_budget_ratio"`
	DenialMessage      string  `yaml:"denial_message"`
}

// DaemonConfig defines where the daemon listens.
type DaemonConfig struct {
	Socket        string `yaml:"socket"`         // default: <data_dir>/coder.sock
	WebSocketAddr string `yaml:"websocket_addr"` // empty disables the websocket listener
}

// ToolsConfig configures the local tool registry.
type ToolsConfig struct {
	ShellEnabled bool          `yaml:"shell_enabled"`
	ShellTimeout time.Duration `yaml:"shell_timeout"`
	// DeniedPatterns are regular expressions; a matching shell command or
	// path is refused outright.
	DeniedPatterns []string `yaml:"denied_patterns"`
	// RiskPatterns are regular expressions; a matching call needs approval
	// once per session.
	RiskPatterns []string `yaml:"risk_patterns"`
	// OutputChars overrides the per-tool character limit for results.
	OutputChars map[string]int `yaml:"output_chars"`
}

// Default returns a default configuration.
func Default() *Config {
	dataDir := ".coder"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".local", "share", "coder")
	}
	return &Config{
		DataDir:   dataDir,
		LogLevel:  "info",
		LogFormat: "text",
		Provider: ProviderConfig{
			ID:             "anthropic",
			Model:          "claude-sonnet-4-5",
			MaxTokens:      8192,
			AttemptTimeout: 5 * time.Minute,
			MaxRetries:     2,
			BaseDelay:      1.0,
		},
		Engine: EngineConfig{
			MaxRounds:          agentloop.DefaultMaxRounds,
			PreserveTurns:      contextwindow.DefaultPreserveTurns,
			LoopThreshold:      policy.DefaultLoopThreshold,
			MaxParallelReads:   policy.DefaultMaxParallelReads,
			ContextBudgetRatio: contextwindow.DefaultBudgetRatio,
		},
		Tools: ToolsConfig{
			ShellEnabled: true,
			ShellTimeout: agentloop.DefaultShellTimeout,
			DeniedPatterns: []string{
				`rm\s+-rf\s+/(\s|$)`,
				`:\(\)\s*\{\s*:\|:&\s*\};:`,
				`mkfs\.`,
			},
			RiskPatterns: []string{
				`^git\s+push`,
				`^rm\s`,
				`curl[^|]*\|\s*(ba)?sh`,
			},
		},
	}
}

// Load reads configuration from a YAML file. Fields absent from the file
// keep their Default values. Environment variables in the file are
// expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads the config found by FindConfig(explicit), or the
// defaults when none exists and explicit is empty.
func LoadOrDefault(explicit string) (*Config, string, error) {
	path, err := FindConfig(explicit)
	if errors.Is(err, ErrNoConfig) {
		cfg := Default()
		return cfg, "", cfg.Validate()
	}
	if err != nil {
		return nil, "", err
	}
	cfg, err := Load(path)
	return cfg, path, err
}

// Validate checks ranges and fills derived defaults.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	c.DataDir = expandHome(c.DataDir)
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if c.Provider.ID == "" {
		errs = append(errs, errors.New("provider.id is required"))
	}
	if c.Provider.MaxRetries < 0 {
		errs = append(errs, errors.New("provider.max_retries must not be negative"))
	}
	if c.Engine.MaxRounds < 1 {
		errs = append(errs, fmt.Errorf("engine.max_rounds must be at least 1, got %d", c.Engine.MaxRounds))
	}
	if c.Engine.PreserveTurns < 0 {
		errs = append(errs, errors.New("engine.preserve_turns must not be negative"))
	}
	if r := c.Engine.ContextBudgetRatio; r <= 0 || r > 1 {
		errs = append(errs, fmt.Errorf("engine.context_budget_ratio must be in (0, 1], got %g", r))
	}
	if c.Engine.LoopThreshold < 2 {
		errs = append(errs, fmt.Errorf("engine.loop_threshold must be at least 2, got %d", c.Engine.LoopThreshold))
	}
	if c.Tools.ShellTimeout > agentloop.MaxShellTimeout {
		errs = append(errs, fmt.Errorf("tools.shell_timeout exceeds %s", agentloop.MaxShellTimeout))
	}
	if c.Daemon.Socket == "" {
		c.Daemon.Socket = filepath.Join(c.DataDir, "coder.sock")
	}
	c.Daemon.Socket = expandHome(c.Daemon.Socket)
	return errors.Join(errs...)
}

// SessionsDir is where the session store lives.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// APIKey returns the provider API key from the environment, or "" to let
// the provider SDK find it.
func (c *Config) APIKey() string {
	env := c.Provider.APIKeyEnv
	if env == "" {
		env = strings.ToUpper(strings.ReplaceAll(c.Provider.ID, "-", "_")) + "_API_KEY"
	}
	return os.Getenv(env)
}

// OutputLimits converts OutputChars into per-tool limits layered over the
// defaults.
func (c *Config) OutputLimits() map[string]agentloop.OutputLimit {
	if len(c.Tools.OutputChars) == 0 {
		return nil
	}
	out := make(map[string]agentloop.OutputLimit, len(c.Tools.OutputChars))
	for tool, chars := range c.Tools.OutputChars {
		limit, ok := agentloop.DefaultOutputLimits[tool]
		if !ok {
			limit = agentloop.OutputLimit{Mode: agentloop.KeepHeadTail}
		}
		limit.Chars = chars
		out[tool] = limit
	}
	return out
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

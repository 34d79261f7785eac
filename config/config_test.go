package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/coder.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
	if errors.Is(err, ErrNoConfig) {
		t.Error("a missing explicit path is not the same as no config")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "coder.yaml"), []byte("log_level: info\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "coder.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "coder.yaml")
	}
}

func TestLoadKeepsDefaultsForAbsentFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coder.yaml")
	t.Setenv("CODER_TEST_MODEL", "gpt-5.2")
	os.WriteFile(path, []byte(`
data_dir: `+dir+`
provider:
  id: openai
  model: ${CODER_TEST_MODEL}
  attempt_timeout: 90s
engine:
  max_rounds: 40
tools:
  shell_enabled: false
  output_chars:
    shell: 5000
`), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.ID != "openai" || cfg.Provider.Model != "gpt-5.2" {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if cfg.Provider.AttemptTimeout != 90*time.Second {
		t.Errorf("attempt_timeout = %s", cfg.Provider.AttemptTimeout)
	}
	if cfg.Engine.MaxRounds != 40 || cfg.Engine.LoopThreshold != Default().Engine.LoopThreshold {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Tools.ShellEnabled {
		t.Error("shell_enabled: false should override the default")
	}
	if len(cfg.Tools.DeniedPatterns) == 0 {
		t.Error("denied patterns should keep their defaults")
	}
	if cfg.Daemon.Socket != filepath.Join(dir, "coder.sock") {
		t.Errorf("socket = %q", cfg.Daemon.Socket)
	}
	if cfg.SessionsDir() != filepath.Join(dir, "sessions") {
		t.Errorf("sessions dir = %q", cfg.SessionsDir())
	}
	limits := cfg.OutputLimits()
	if limits["shell"].Chars != 5000 || limits["shell"].Lines == 0 {
		t.Errorf("shell limit should override chars and keep lines: %+v", limits["shell"])
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"log level":    "log_level: loud\n",
		"log format":   "log_format: xml\n",
		"max rounds":   "engine:\n  max_rounds: 0\n",
		"budget ratio": "engine:\n  context_budget_ratio: 1.5\n",
		"loop":         "engine:\n  loop_threshold: 1\n",
		"bad yaml":     "engine: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "coder.yaml")
			os.WriteFile(path, []byte(body), 0600)
			if _, err := Load(path); err == nil {
				t.Errorf("Load should reject %q", body)
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Daemon.Socket == "" {
		t.Error("Validate should derive the socket path")
	}
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	cfg, path, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if path != "" || cfg.Provider.ID != "anthropic" {
		t.Errorf("expected defaults, got path %q provider %q", path, cfg.Provider.ID)
	}
}

func TestAPIKey(t *testing.T) {
	cfg := Default()
	cfg.Provider.ID = "open-router"
	t.Setenv("OPEN_ROUTER_API_KEY", "k1")
	if got := cfg.APIKey(); got != "k1" {
		t.Errorf("APIKey = %q", got)
	}
	cfg.Provider.APIKeyEnv = "MY_KEY"
	t.Setenv("MY_KEY", "k2")
	if got := cfg.APIKey(); got != "k2" {
		t.Errorf("APIKey with api_key_env = %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestNewLoggerRendersTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelTrace, "text", &buf)
	logger.Log(t.Context(), LevelTrace, "wire payload", "bytes", 12)
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("trace level not renamed: %s", buf.String())
	}

	buf.Reset()
	NewLogger(slog.LevelInfo, "json", &buf).Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug should be filtered at info: %s", buf.String())
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefaultConfig verifies default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Defaults.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want 10", cfg.Defaults.MaxIterations)
	}
	if cfg.Timeout != 10*time.Hour {
		t.Errorf("Timeout = %v, want 10h", cfg.Timeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.RateLimit.MaxConsecutive != 5 {
		t.Errorf("RateLimit.MaxConsecutive = %d, want 5", cfg.RateLimit.MaxConsecutive)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

// TestLoadConfigValidFile tests loading a valid YAML config file
func TestLoadConfigValidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `defaults:
  subagent: codex
  backend: protocol
  max_iterations: -1
  model: o3
protocol:
  command: codex-mcp
  args: ["serve", "--stdio"]
  call_timeout: 5m
  tools:
    codex: run_codex
script:
  dir: /opt/looper/scripts
rate_limit:
  base_delay: 10s
  max_consecutive: 0
timeout: 30m
log_level: debug
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Defaults.Subagent != "codex" || cfg.Defaults.Backend != "protocol" {
		t.Errorf("Defaults = %+v, want codex/protocol", cfg.Defaults)
	}
	if cfg.Defaults.MaxIterations != -1 {
		t.Errorf("MaxIterations = %d, want -1", cfg.Defaults.MaxIterations)
	}
	if cfg.Protocol.Command != "codex-mcp" || len(cfg.Protocol.Args) != 2 {
		t.Errorf("Protocol = %+v", cfg.Protocol)
	}
	if cfg.Protocol.CallTimeout != 5*time.Minute {
		t.Errorf("CallTimeout = %v, want 5m", cfg.Protocol.CallTimeout)
	}
	if cfg.Protocol.Tools["codex"] != "run_codex" {
		t.Errorf("Tools = %v", cfg.Protocol.Tools)
	}
	// Untouched keys keep their defaults.
	if cfg.Protocol.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d, want default 3", cfg.Protocol.RetryAttempts)
	}
	if cfg.RateLimit.BaseDelay != 10*time.Second {
		t.Errorf("BaseDelay = %v, want 10s", cfg.RateLimit.BaseDelay)
	}
	// An explicit zero overrides the default.
	if cfg.RateLimit.MaxConsecutive != 0 {
		t.Errorf("MaxConsecutive = %d, want 0", cfg.RateLimit.MaxConsecutive)
	}
	if cfg.Timeout != 30*time.Minute {
		t.Errorf("Timeout = %v, want 30m", cfg.Timeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

// TestLoadConfigFileNotExists tests fallback to defaults when file doesn't exist
func TestLoadConfigFileNotExists(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadConfig() should not error on missing file, got: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want default", cfg.LogLevel)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"malformed yaml", "defaults: [unclosed", "failed to parse"},
		{"bad duration", "timeout: forever", "invalid timeout"},
		{"bad nested duration", "protocol:\n  call_timeout: soon", "invalid protocol.call_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadConfig(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadConfig() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigFromDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, HomeDirName), 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, HomeDirName, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: warn\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFromDir(dir)
	if err != nil {
		t.Fatalf("LoadConfigFromDir() error = %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"LOOPER_MODEL":          "sonnet",
		"LOOPER_MAX_ITERATIONS": "25",
		"LOOPER_TIMEOUT":        "2h",
		"LOOPER_MCP_COMMAND":    "my-server",
		"LOOPER_LOG_LEVEL":      "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Defaults.Model != "sonnet" {
		t.Errorf("Model = %q, want sonnet", cfg.Defaults.Model)
	}
	if cfg.Defaults.MaxIterations != 25 {
		t.Errorf("MaxIterations = %d, want 25", cfg.Defaults.MaxIterations)
	}
	if cfg.Timeout != 2*time.Hour {
		t.Errorf("Timeout = %v, want 2h", cfg.Timeout)
	}
	if cfg.Protocol.Command != "my-server" {
		t.Errorf("Protocol.Command = %q", cfg.Protocol.Command)
	}
	// Empty values leave the setting alone.
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}

	env = map[string]string{"LOOPER_MAX_ITERATIONS": "many"}
	if err := DefaultConfig().ApplyEnv(lookup); err == nil {
		t.Error("expected error for non-numeric LOOPER_MAX_ITERATIONS")
	}
}

func TestMergeWithFlags(t *testing.T) {
	cfg := DefaultConfig()
	iterations := 3
	timeout := 5 * time.Minute
	model := "opus"

	cfg.MergeWithFlags(FlagOverrides{MaxIterations: &iterations, Timeout: &timeout, Model: &model})

	if cfg.Defaults.MaxIterations != 3 {
		t.Errorf("MaxIterations = %d, want 3", cfg.Defaults.MaxIterations)
	}
	if cfg.Timeout != 5*time.Minute {
		t.Errorf("Timeout = %v, want 5m", cfg.Timeout)
	}
	if cfg.Defaults.Model != "opus" {
		t.Errorf("Model = %q, want opus", cfg.Defaults.Model)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel changed without a flag: %q", cfg.LogLevel)
	}
}

func TestResolvePaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FeedbackFile = "/abs/feedback.md"
	cfg.Script.Paths = map[string]string{"claude": "bin/claude.sh"}
	cfg.ResolvePaths("/home/me/.looper")

	if cfg.SessionsDB != "/home/me/.looper/sessions.db" {
		t.Errorf("SessionsDB = %q", cfg.SessionsDB)
	}
	if cfg.FeedbackFile != "/abs/feedback.md" {
		t.Errorf("absolute FeedbackFile rewritten: %q", cfg.FeedbackFile)
	}
	if cfg.Script.Paths["claude"] != "/home/me/.looper/bin/claude.sh" {
		t.Errorf("Script.Paths = %v", cfg.Script.Paths)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unbounded", func(c *Config) { c.Defaults.MaxIterations = -1 }, ""},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "invalid log_level"},
		{"zero iterations", func(c *Config) { c.Defaults.MaxIterations = 0 }, "max_iterations"},
		{"below unbounded", func(c *Config) { c.Defaults.MaxIterations = -2 }, "max_iterations"},
		{"negative timeout", func(c *Config) { c.Timeout = -time.Second }, "timeout must be >= 0"},
		{"negative call timeout", func(c *Config) { c.Protocol.CallTimeout = -1 }, "protocol.call_timeout"},
		{"no retry attempts", func(c *Config) { c.Protocol.RetryAttempts = 0 }, "retry_attempts"},
		{"negative ceiling", func(c *Config) { c.RateLimit.MaxConsecutive = -1 }, "max_consecutive"},
		{"base above max", func(c *Config) { c.RateLimit.BaseDelay = time.Hour }, "cannot exceed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestGetLooperHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOOPER_HOME", "")

	home, err := GetLooperHome(dir)
	if err != nil {
		t.Fatalf("GetLooperHome() error = %v", err)
	}
	if home != filepath.Join(dir, HomeDirName) {
		t.Errorf("home = %q", home)
	}
	if info, err := os.Stat(home); err != nil || !info.IsDir() {
		t.Errorf("home directory not created: %v", err)
	}

	custom := filepath.Join(dir, "custom")
	t.Setenv("LOOPER_HOME", custom)
	home, err = GetLooperHome(dir)
	if err != nil {
		t.Fatalf("GetLooperHome() error = %v", err)
	}
	if home != custom {
		t.Errorf("home = %q, want %q", home, custom)
	}
}

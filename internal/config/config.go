package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultsConfig holds request defaults used when the CLI does not set them.
type DefaultsConfig struct {
	// Subagent is the default subagent (claude, cursor, codex, gemini)
	Subagent string `yaml:"subagent"`

	// Backend is the default backend type (protocol, script)
	Backend string `yaml:"backend"`

	// MaxIterations is the iteration budget (-1 = unbounded)
	MaxIterations int `yaml:"max_iterations"`

	Model      string `yaml:"model"`
	ServerName string `yaml:"server_name"`
}

// ProtocolConfig configures the MCP protocol backend.
type ProtocolConfig struct {
	// Command is the MCP server executable spawned on connect
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`

	// Tools overrides the tool name per subagent (default <subagent>_subagent)
	Tools map[string]string `yaml:"tools"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	GracePeriod    time.Duration `yaml:"grace_period"`
}

// ScriptConfig configures the script backend.
type ScriptConfig struct {
	// Dir holds <subagent>.sh scripts
	Dir string `yaml:"dir"`

	// Paths maps a subagent to an explicit script path
	Paths map[string]string `yaml:"paths"`

	Timeout     time.Duration `yaml:"timeout"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// RateLimitConfig configures rate-limit backoff.
type RateLimitConfig struct {
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	MaxConsecutive int           `yaml:"max_consecutive"`

	// MaxWait is the longest single wait accepted before giving up
	MaxWait time.Duration `yaml:"max_wait"`

	CountdownInterval time.Duration `yaml:"countdown_interval"`
}

// Config represents looper configuration options
type Config struct {
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Script    ScriptConfig    `yaml:"script"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Timeout is the wall-clock budget of one run (0 = none)
	Timeout time.Duration `yaml:"timeout"`

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory where logs will be written
	LogDir string `yaml:"log_dir"`

	// SessionsDB is the SQLite database recording runs ("" disables recording)
	SessionsDB string `yaml:"sessions_db"`

	// FeedbackFile is the markdown file used by the feedback commands
	FeedbackFile string `yaml:"feedback_file"`

	// MetricsAddr serves Prometheus metrics when non-empty, e.g. ":9464"
	MetricsAddr string `yaml:"metrics_addr"`

	// StopFile cancels a running loop when it appears ("" disables)
	StopFile string `yaml:"stop_file"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Defaults: DefaultsConfig{
			MaxIterations: 10,
		},
		Protocol: ProtocolConfig{
			ConnectTimeout: 30 * time.Second,
			CallTimeout:    30 * time.Minute,
			RetryAttempts:  3,
			RetryDelay:     time.Second,
			GracePeriod:    5 * time.Second,
		},
		Script: ScriptConfig{
			Dir:         "scripts",
			Timeout:     30 * time.Minute,
			GracePeriod: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			BaseDelay:         30 * time.Second,
			MaxDelay:          15 * time.Minute,
			MaxConsecutive:    5,
			MaxWait:           6 * time.Hour,
			CountdownInterval: time.Minute,
		},
		Timeout:      10 * time.Hour,
		LogLevel:     "info",
		LogDir:       "logs",
		SessionsDB:   "sessions.db",
		FeedbackFile: "feedback.md",
		StopFile:     "STOP",
	}
}

// yamlConfig mirrors Config with pointer fields so that keys present in the
// file override defaults even when set to zero values.
type yamlConfig struct {
	Defaults struct {
		Subagent      *string `yaml:"subagent"`
		Backend       *string `yaml:"backend"`
		MaxIterations *int    `yaml:"max_iterations"`
		Model         *string `yaml:"model"`
		ServerName    *string `yaml:"server_name"`
	} `yaml:"defaults"`
	Protocol struct {
		Command        *string           `yaml:"command"`
		Args           []string          `yaml:"args"`
		Env            []string          `yaml:"env"`
		Tools          map[string]string `yaml:"tools"`
		ConnectTimeout *string           `yaml:"connect_timeout"`
		CallTimeout    *string           `yaml:"call_timeout"`
		RetryAttempts  *int              `yaml:"retry_attempts"`
		RetryDelay     *string           `yaml:"retry_delay"`
		GracePeriod    *string           `yaml:"grace_period"`
	} `yaml:"protocol"`
	Script struct {
		Dir         *string           `yaml:"dir"`
		Paths       map[string]string `yaml:"paths"`
		Timeout     *string           `yaml:"timeout"`
		GracePeriod *string           `yaml:"grace_period"`
	} `yaml:"script"`
	RateLimit struct {
		BaseDelay         *string `yaml:"base_delay"`
		MaxDelay          *string `yaml:"max_delay"`
		MaxConsecutive    *int    `yaml:"max_consecutive"`
		MaxWait           *string `yaml:"max_wait"`
		CountdownInterval *string `yaml:"countdown_interval"`
	} `yaml:"rate_limit"`
	Timeout      *string `yaml:"timeout"`
	LogLevel     *string `yaml:"log_level"`
	LogDir       *string `yaml:"log_dir"`
	SessionsDB   *string `yaml:"sessions_db"`
	FeedbackFile *string `yaml:"feedback_file"`
	MetricsAddr  *string `yaml:"metrics_addr"`
	StopFile     *string `yaml:"stop_file"`
}

// LoadConfig loads configuration from the specified file path
// If the file doesn't exist, returns default configuration without error
// If the file exists but is malformed, returns an error
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setString(&cfg.Defaults.Subagent, y.Defaults.Subagent)
	setString(&cfg.Defaults.Backend, y.Defaults.Backend)
	setInt(&cfg.Defaults.MaxIterations, y.Defaults.MaxIterations)
	setString(&cfg.Defaults.Model, y.Defaults.Model)
	setString(&cfg.Defaults.ServerName, y.Defaults.ServerName)

	setString(&cfg.Protocol.Command, y.Protocol.Command)
	if y.Protocol.Args != nil {
		cfg.Protocol.Args = y.Protocol.Args
	}
	if y.Protocol.Env != nil {
		cfg.Protocol.Env = y.Protocol.Env
	}
	if y.Protocol.Tools != nil {
		cfg.Protocol.Tools = y.Protocol.Tools
	}
	setInt(&cfg.Protocol.RetryAttempts, y.Protocol.RetryAttempts)

	setString(&cfg.Script.Dir, y.Script.Dir)
	if y.Script.Paths != nil {
		cfg.Script.Paths = y.Script.Paths
	}

	setInt(&cfg.RateLimit.MaxConsecutive, y.RateLimit.MaxConsecutive)

	setString(&cfg.LogLevel, y.LogLevel)
	setString(&cfg.LogDir, y.LogDir)
	setString(&cfg.SessionsDB, y.SessionsDB)
	setString(&cfg.FeedbackFile, y.FeedbackFile)
	setString(&cfg.MetricsAddr, y.MetricsAddr)
	setString(&cfg.StopFile, y.StopFile)

	durations := []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"protocol.connect_timeout", y.Protocol.ConnectTimeout, &cfg.Protocol.ConnectTimeout},
		{"protocol.call_timeout", y.Protocol.CallTimeout, &cfg.Protocol.CallTimeout},
		{"protocol.retry_delay", y.Protocol.RetryDelay, &cfg.Protocol.RetryDelay},
		{"protocol.grace_period", y.Protocol.GracePeriod, &cfg.Protocol.GracePeriod},
		{"script.timeout", y.Script.Timeout, &cfg.Script.Timeout},
		{"script.grace_period", y.Script.GracePeriod, &cfg.Script.GracePeriod},
		{"rate_limit.base_delay", y.RateLimit.BaseDelay, &cfg.RateLimit.BaseDelay},
		{"rate_limit.max_delay", y.RateLimit.MaxDelay, &cfg.RateLimit.MaxDelay},
		{"rate_limit.max_wait", y.RateLimit.MaxWait, &cfg.RateLimit.MaxWait},
		{"rate_limit.countdown_interval", y.RateLimit.CountdownInterval, &cfg.RateLimit.CountdownInterval},
		{"timeout", y.Timeout, &cfg.Timeout},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return nil, fmt.Errorf("invalid %s format %q: %w", d.key, *d.src, err)
		}
		*d.dst = v
	}

	return cfg, nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// LoadConfigFromDir loads configuration from .looper/config.yaml in the specified directory
// If the directory or file doesn't exist, returns default configuration without error
func LoadConfigFromDir(dir string) (*Config, error) {
	configPath := filepath.Join(dir, HomeDirName, "config.yaml")
	return LoadConfig(configPath)
}

// LookupEnv matches os.LookupEnv.
type LookupEnv func(key string) (string, bool)

// ApplyEnv overrides configuration values from LOOPER_* environment
// variables. Backend and subagent are resolved later by the backend
// selector, which gives explicit flags precedence over the environment.
func (c *Config) ApplyEnv(lookup LookupEnv) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("LOOPER_MODEL", &c.Defaults.Model)
	str("LOOPER_SERVER_NAME", &c.Defaults.ServerName)
	str("LOOPER_LOG_LEVEL", &c.LogLevel)
	str("LOOPER_LOG_DIR", &c.LogDir)
	str("LOOPER_MCP_COMMAND", &c.Protocol.Command)
	str("LOOPER_SCRIPTS_DIR", &c.Script.Dir)
	str("LOOPER_METRICS_ADDR", &c.MetricsAddr)

	if v, ok := lookup("LOOPER_MAX_ITERATIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid LOOPER_MAX_ITERATIONS %q: %w", v, err)
		}
		c.Defaults.MaxIterations = n
	}
	if v, ok := lookup("LOOPER_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid LOOPER_TIMEOUT %q: %w", v, err)
		}
		c.Timeout = d
	}
	return nil
}

// FlagOverrides holds CLI flag values; nil fields were not set.
type FlagOverrides struct {
	MaxIterations *int
	Model         *string
	ServerName    *string
	Timeout       *time.Duration
	LogLevel      *string
	LogDir        *string
	MetricsAddr   *string
	SessionsDB    *string
}

// MergeWithFlags merges CLI flags into the configuration
// Non-nil flag values override configuration values
// This allows CLI flags to take precedence over config file settings
func (c *Config) MergeWithFlags(f FlagOverrides) {
	if f.MaxIterations != nil {
		c.Defaults.MaxIterations = *f.MaxIterations
	}
	if f.Model != nil {
		c.Defaults.Model = *f.Model
	}
	if f.ServerName != nil {
		c.Defaults.ServerName = *f.ServerName
	}
	if f.Timeout != nil {
		c.Timeout = *f.Timeout
	}
	if f.LogLevel != nil {
		c.LogLevel = *f.LogLevel
	}
	if f.LogDir != nil {
		c.LogDir = *f.LogDir
	}
	if f.MetricsAddr != nil {
		c.MetricsAddr = *f.MetricsAddr
	}
	if f.SessionsDB != nil {
		c.SessionsDB = *f.SessionsDB
	}
}

// ResolvePaths makes relative file locations absolute under home.
func (c *Config) ResolvePaths(home string) {
	for _, p := range []*string{&c.LogDir, &c.SessionsDB, &c.FeedbackFile, &c.Script.Dir, &c.StopFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(home, *p)
		}
	}
	for k, p := range c.Script.Paths {
		if p != "" && !filepath.IsAbs(p) {
			c.Script.Paths[k] = filepath.Join(home, p)
		}
	}
}

// Validate validates the configuration values
// Returns an error if any values are invalid
func (c *Config) Validate() error {
	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.Defaults.MaxIterations == 0 || c.Defaults.MaxIterations < -1 {
		return fmt.Errorf("defaults.max_iterations must be -1 (unbounded) or >= 1, got %d", c.Defaults.MaxIterations)
	}

	// Timeout can be 0 (no timeout) or positive, negative is invalid
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %v", c.Timeout)
	}

	nonNegative := []struct {
		key string
		v   time.Duration
	}{
		{"protocol.connect_timeout", c.Protocol.ConnectTimeout},
		{"protocol.call_timeout", c.Protocol.CallTimeout},
		{"protocol.retry_delay", c.Protocol.RetryDelay},
		{"protocol.grace_period", c.Protocol.GracePeriod},
		{"script.timeout", c.Script.Timeout},
		{"script.grace_period", c.Script.GracePeriod},
		{"rate_limit.base_delay", c.RateLimit.BaseDelay},
		{"rate_limit.max_delay", c.RateLimit.MaxDelay},
		{"rate_limit.max_wait", c.RateLimit.MaxWait},
		{"rate_limit.countdown_interval", c.RateLimit.CountdownInterval},
	}
	for _, d := range nonNegative {
		if d.v < 0 {
			return fmt.Errorf("%s must be >= 0, got %v", d.key, d.v)
		}
	}

	if c.Protocol.RetryAttempts < 1 {
		return fmt.Errorf("protocol.retry_attempts must be >= 1, got %d", c.Protocol.RetryAttempts)
	}
	if c.RateLimit.MaxConsecutive < 0 {
		return fmt.Errorf("rate_limit.max_consecutive must be >= 0, got %d", c.RateLimit.MaxConsecutive)
	}
	if c.RateLimit.MaxDelay > 0 && c.RateLimit.BaseDelay > c.RateLimit.MaxDelay {
		return fmt.Errorf("rate_limit.base_delay (%v) cannot exceed rate_limit.max_delay (%v)", c.RateLimit.BaseDelay, c.RateLimit.MaxDelay)
	}

	return nil
}

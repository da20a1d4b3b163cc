// Package config loads forja.toml (or .yaml/.json) with FORJA_* environment overrides
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. FORJA_BUILD_MAX_PASSES
const EnvPrefix = "FORJA"

// Candidates are the config file names searched in the project root, in order
var Candidates = []string{"forja.toml", "forja.yaml", "forja.yml", "forja.json"}

// Config is the operator configuration of a forja project
type Config struct {
	Build         BuildConfig        `mapstructure:"build" json:"build" toml:"build"`
	Teammate      TeammateConfig     `mapstructure:"teammate" json:"teammate" toml:"teammate"`
	Review        ReviewConfig       `mapstructure:"review" json:"review" toml:"review"`
	Callback      CallbackConfig     `mapstructure:"callback" json:"callback" toml:"callback"`
	Notifications NotificationConfig `mapstructure:"notifications" json:"notifications" toml:"notifications"`
	Paths         PathsConfig        `mapstructure:"paths" json:"paths" toml:"paths"`
}

// BuildConfig holds the run limits. Durations are in (fractional) minutes or seconds.
type BuildConfig struct {
	TimeoutStallMinutes     float64 `mapstructure:"timeout_stall_minutes" json:"timeout_stall_minutes" toml:"timeout_stall_minutes"`
	TimeoutAbsoluteMinutes  float64 `mapstructure:"timeout_absolute_minutes" json:"timeout_absolute_minutes" toml:"timeout_absolute_minutes"`
	MaxCyclesPerFeature     int     `mapstructure:"max_cycles_per_feature" json:"max_cycles_per_feature" toml:"max_cycles_per_feature"`
	StallRatio              float64 `mapstructure:"stall_ratio" json:"stall_ratio" toml:"stall_ratio"`
	PollIntervalSeconds     float64 `mapstructure:"poll_interval_seconds" json:"poll_interval_seconds" toml:"poll_interval_seconds"`
	GracePeriodSeconds      float64 `mapstructure:"grace_period_seconds" json:"grace_period_seconds" toml:"grace_period_seconds"`
	WaveTimeoutMinutes      float64 `mapstructure:"wave_timeout_minutes" json:"wave_timeout_minutes" toml:"wave_timeout_minutes"`
	MaxPasses               int     `mapstructure:"max_passes" json:"max_passes" toml:"max_passes"`
	MinCompletion           float64 `mapstructure:"min_completion" json:"min_completion" toml:"min_completion"`
	FeatureStallWarnMinutes float64 `mapstructure:"feature_stall_warn_minutes" json:"feature_stall_warn_minutes" toml:"feature_stall_warn_minutes"`
	FeatureStallFailMinutes float64 `mapstructure:"feature_stall_fail_minutes" json:"feature_stall_fail_minutes" toml:"feature_stall_fail_minutes"`
	FeatureBudgetMinutes    float64 `mapstructure:"feature_budget_minutes" json:"feature_budget_minutes" toml:"feature_budget_minutes"`
}

// TeammateConfig describes how teammate processes are launched
type TeammateConfig struct {
	Command string `mapstructure:"command" json:"command" toml:"command"`
	Shell   string `mapstructure:"shell" json:"shell" toml:"shell"`
}

// ReviewConfig configures the optional external reviewer
type ReviewConfig struct {
	Enabled        bool    `mapstructure:"enabled" json:"enabled" toml:"enabled"`
	Command        string  `mapstructure:"command" json:"command" toml:"command"`
	TimeoutSeconds float64 `mapstructure:"timeout_seconds" json:"timeout_seconds" toml:"timeout_seconds"`
}

// CallbackConfig configures the loopback callback server
type CallbackConfig struct {
	Host      string  `mapstructure:"host" json:"host" toml:"host"`
	Port      int     `mapstructure:"port" json:"port" toml:"port"`
	RateLimit float64 `mapstructure:"rate_limit" json:"rate_limit" toml:"rate_limit"`
}

// NotificationConfig toggles desktop notifications
type NotificationConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled" toml:"enabled"`
}

// PathsConfig locates project directories, relative to the project root
type PathsConfig struct {
	TeammatesDir string `mapstructure:"teammates_dir" json:"teammates_dir" toml:"teammates_dir"`
	StateDir     string `mapstructure:"state_dir" json:"state_dir" toml:"state_dir"`
	LogDir       string `mapstructure:"log_dir" json:"log_dir" toml:"log_dir"`
}

func minutes(m float64) time.Duration { return time.Duration(m * float64(time.Minute)) }
func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// StallWindow is how long a mostly finished teammate may go without progress
func (b BuildConfig) StallWindow() time.Duration { return minutes(b.TimeoutStallMinutes) }

// AbsoluteTimeout is the wall-clock ceiling of one teammate process
func (b BuildConfig) AbsoluteTimeout() time.Duration { return minutes(b.TimeoutAbsoluteMinutes) }

// PollInterval is the supervisor liveness poll interval
func (b BuildConfig) PollInterval() time.Duration { return seconds(b.PollIntervalSeconds) }

// GracePeriod is the wait between SIGTERM and SIGKILL
func (b BuildConfig) GracePeriod() time.Duration { return seconds(b.GracePeriodSeconds) }

// WaveTimeout bounds one wave including retry passes
func (b BuildConfig) WaveTimeout() time.Duration { return minutes(b.WaveTimeoutMinutes) }

// FeatureStallWarn is when a long-running attempt gets logged
func (b BuildConfig) FeatureStallWarn() time.Duration { return minutes(b.FeatureStallWarnMinutes) }

// FeatureStallFail is when a long-running attempt is failed as timed out. Zero disables it.
func (b BuildConfig) FeatureStallFail() time.Duration { return minutes(b.FeatureStallFailMinutes) }

// FeatureBudget bounds the time since a feature's first attempt; zero disables it
func (b BuildConfig) FeatureBudget() time.Duration { return minutes(b.FeatureBudgetMinutes) }

// Timeout is the reviewer command timeout
func (r ReviewConfig) Timeout() time.Duration { return seconds(r.TimeoutSeconds) }

// defaults lists every key viper should know, so env overrides apply to all of them
var defaults = map[string]interface{}{
	"build.timeout_stall_minutes":      12.0,
	"build.timeout_absolute_minutes":   20.0,
	"build.max_cycles_per_feature":     5,
	"build.stall_ratio":                0.8,
	"build.poll_interval_seconds":      2.0,
	"build.grace_period_seconds":       10.0,
	"build.wave_timeout_minutes":       60.0,
	"build.max_passes":                 5,
	"build.min_completion":             0.8,
	"build.feature_stall_warn_minutes": 5.0,
	"build.feature_stall_fail_minutes": 8.0,
	"build.feature_budget_minutes":     0.0,
	"teammate.command":                 "",
	"teammate.shell":                   "sh",
	"review.enabled":                   false,
	"review.command":                   "",
	"review.timeout_seconds":           120.0,
	"callback.host":                    "127.0.0.1",
	"callback.port":                    0,
	"callback.rate_limit":              0.0,
	"notifications.enabled":            false,
	"paths.teammates_dir":              filepath.Join("context", "teammates"),
	"paths.state_dir":                  ".forja",
	"paths.log_dir":                    "",
}

// Manager loads configuration for one project without touching viper's globals
type Manager struct {
	projectRoot string
	configFile  string
}

// NewManager creates a manager rooted at projectRoot
func NewManager(projectRoot string) *Manager {
	return &Manager{projectRoot: projectRoot}
}

// ConfigFile returns the file used by the last Load, or "" when defaults were used
func (m *Manager) ConfigFile() string {
	return m.configFile
}

// Find returns the first config candidate present in the project root
func (m *Manager) Find() string {
	for _, name := range Candidates {
		p := filepath.Join(m.projectRoot, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load reads path (or the first candidate found when path is empty), applies
// FORJA_* overrides, and validates the result. No file at all means defaults.
func (m *Manager) Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = m.Find()
	}
	m.configFile = ""
	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "yml" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		m.configFile = path
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults returns the built-in configuration, ignoring files and environment
func Defaults() *Config {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return &cfg
}

// Validate rejects out-of-range values, reporting every problem at once
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	b := c.Build
	check(b.TimeoutStallMinutes > 0, "build.timeout_stall_minutes must be positive")
	check(b.TimeoutAbsoluteMinutes > 0, "build.timeout_absolute_minutes must be positive")
	check(b.MaxCyclesPerFeature >= 1, "build.max_cycles_per_feature must be at least 1")
	check(b.StallRatio > 0 && b.StallRatio <= 1, "build.stall_ratio must be in (0, 1], got %v", b.StallRatio)
	check(b.PollIntervalSeconds > 0, "build.poll_interval_seconds must be positive")
	check(b.GracePeriodSeconds > 0, "build.grace_period_seconds must be positive")
	check(b.WaveTimeoutMinutes >= 0, "build.wave_timeout_minutes must not be negative")
	check(b.MaxPasses >= 1, "build.max_passes must be at least 1")
	check(b.MinCompletion >= 0 && b.MinCompletion <= 1, "build.min_completion must be in [0, 1], got %v", b.MinCompletion)
	check(b.FeatureStallWarnMinutes >= 0, "build.feature_stall_warn_minutes must not be negative")
	check(b.FeatureStallFailMinutes >= 0, "build.feature_stall_fail_minutes must not be negative")
	check(b.FeatureBudgetMinutes >= 0, "build.feature_budget_minutes must not be negative")

	check(!c.Review.Enabled || strings.TrimSpace(c.Review.Command) != "", "review.command is required when review is enabled")
	check(c.Review.TimeoutSeconds >= 0, "review.timeout_seconds must not be negative")
	check(c.Callback.Port >= 0 && c.Callback.Port <= 65535, "callback.port out of range: %d", c.Callback.Port)
	check(c.Callback.RateLimit >= 0, "callback.rate_limit must not be negative")
	check(c.Paths.TeammatesDir != "", "paths.teammates_dir is required")
	check(c.Paths.StateDir != "", "paths.state_dir is required")

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
}

// Resolve returns p relative to root unless it is already absolute
func Resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// TeammatesDir returns the absolute teammates directory
func (c *Config) TeammatesDir(root string) string { return Resolve(root, c.Paths.TeammatesDir) }

// StateDir returns the absolute state directory
func (c *Config) StateDir(root string) string { return Resolve(root, c.Paths.StateDir) }

// LogDir returns the absolute teammate log directory, <state_dir>/logs by default
func (c *Config) LogDir(root string) string {
	if c.Paths.LogDir != "" {
		return Resolve(root, c.Paths.LogDir)
	}
	return filepath.Join(c.StateDir(root), "logs")
}

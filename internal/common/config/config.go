// Package config provides configuration management for Foreman.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Foreman.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tmux     TmuxConfig     `mapstructure:"tmux"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Activity ActivityConfig `mapstructure:"activity"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Verifier VerifierConfig `mapstructure:"verifier"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the embedded SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration. An empty URL means
// events stay on the in-process bus only.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TmuxConfig holds terminal multiplexer configuration.
type TmuxConfig struct {
	Binary        string `mapstructure:"binary"`        // tmux binary name or path
	SessionPrefix string `mapstructure:"sessionPrefix"` // prefix for managed sessions
	Cols          int    `mapstructure:"cols"`
	Rows          int    `mapstructure:"rows"`
}

// RunnerConfig holds the iterative runner tunables. All values in seconds
// unless noted.
type RunnerConfig struct {
	PollInterval         int `mapstructure:"pollInterval"`
	StatusUpdateInterval int `mapstructure:"statusUpdateInterval"`
	IterationTimeout     int `mapstructure:"iterationTimeout"`
	IdleWaitTimeout      int `mapstructure:"idleWaitTimeout"`
	ProgressHeartbeat    int `mapstructure:"progressHeartbeat"`
}

// ActivityConfig holds the activity detector thresholds, in seconds.
type ActivityConfig struct {
	ActiveIdleThreshold int `mapstructure:"activeIdleThreshold"`
	WaitingThreshold    int `mapstructure:"waitingThreshold"`
}

// WatchdogConfig holds the watchdog scan interval and progress SLA
// thresholds, in seconds.
type WatchdogConfig struct {
	Interval          int `mapstructure:"interval"`
	StaleWarning      int `mapstructure:"staleWarning"`
	StaleStuck        int `mapstructure:"staleStuck"`
	StaleCritical     int `mapstructure:"staleCritical"`
	AbsoluteRuntime   int `mapstructure:"absoluteRuntime"`
	QueueBlock        int `mapstructure:"queueBlock"`
	MaxHealthFailures int `mapstructure:"maxHealthFailures"`
}

// VerifierConfig holds the startup defaults for the LLM verifier.
// Runtime settings live in the store and can be changed via the API;
// these values seed the store on first boot.
type VerifierConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	APIURL    string `mapstructure:"apiUrl"`
	APIKey    string `mapstructure:"apiKey"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"maxTokens"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollIntervalDuration returns the poll interval as a time.Duration.
func (r *RunnerConfig) PollIntervalDuration() time.Duration {
	return time.Duration(r.PollInterval) * time.Second
}

// StatusUpdateIntervalDuration returns the status update interval as a time.Duration.
func (r *RunnerConfig) StatusUpdateIntervalDuration() time.Duration {
	return time.Duration(r.StatusUpdateInterval) * time.Second
}

// IterationTimeoutDuration returns the per-iteration wall clock budget as a time.Duration.
func (r *RunnerConfig) IterationTimeoutDuration() time.Duration {
	return time.Duration(r.IterationTimeout) * time.Second
}

// IdleWaitTimeoutDuration returns the idle wait timeout as a time.Duration.
func (r *RunnerConfig) IdleWaitTimeoutDuration() time.Duration {
	return time.Duration(r.IdleWaitTimeout) * time.Second
}

// ProgressHeartbeatDuration returns the progress heartbeat as a time.Duration.
func (r *RunnerConfig) ProgressHeartbeatDuration() time.Duration {
	return time.Duration(r.ProgressHeartbeat) * time.Second
}

// IntervalDuration returns the watchdog scan interval as a time.Duration.
func (w *WatchdogConfig) IntervalDuration() time.Duration {
	return time.Duration(w.Interval) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FOREMAN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "foreman.db")

	// NATS defaults - empty URL means in-process bus only
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "foreman")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tmux defaults
	v.SetDefault("tmux.binary", "tmux")
	v.SetDefault("tmux.sessionPrefix", "foreman_")
	v.SetDefault("tmux.cols", 220)
	v.SetDefault("tmux.rows", 50)

	// Runner defaults
	v.SetDefault("runner.pollInterval", 2)
	v.SetDefault("runner.statusUpdateInterval", 5)
	v.SetDefault("runner.iterationTimeout", 300)
	v.SetDefault("runner.idleWaitTimeout", 30)
	v.SetDefault("runner.progressHeartbeat", 10)

	// Activity detector defaults
	v.SetDefault("activity.activeIdleThreshold", 3)
	v.SetDefault("activity.waitingThreshold", 6)

	// Watchdog defaults
	v.SetDefault("watchdog.interval", 15)
	v.SetDefault("watchdog.staleWarning", 120)
	v.SetDefault("watchdog.staleStuck", 300)
	v.SetDefault("watchdog.staleCritical", 600)
	v.SetDefault("watchdog.absoluteRuntime", 900)
	v.SetDefault("watchdog.queueBlock", 1800)
	v.SetDefault("watchdog.maxHealthFailures", 5)

	// Verifier defaults - disabled until configured
	v.SetDefault("verifier.enabled", false)
	v.SetDefault("verifier.apiUrl", "https://api.openai.com/v1")
	v.SetDefault("verifier.apiKey", "")
	v.SetDefault("verifier.model", "gpt-4o-mini")
	v.SetDefault("verifier.maxTokens", 500)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FOREMAN_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/foreman/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("FOREMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("verifier.apiUrl", "FOREMAN_VERIFIER_API_URL")
	_ = v.BindEnv("verifier.apiKey", "FOREMAN_VERIFIER_API_KEY")
	_ = v.BindEnv("verifier.maxTokens", "FOREMAN_VERIFIER_MAX_TOKENS")
	_ = v.BindEnv("tmux.sessionPrefix", "FOREMAN_TMUX_SESSION_PREFIX")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/foreman/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Tmux.Binary == "" {
		errs = append(errs, "tmux.binary is required")
	}
	if cfg.Tmux.SessionPrefix == "" {
		errs = append(errs, "tmux.sessionPrefix is required")
	}

	if cfg.Runner.PollInterval <= 0 {
		errs = append(errs, "runner.pollInterval must be positive")
	}
	if cfg.Runner.IterationTimeout <= 0 {
		errs = append(errs, "runner.iterationTimeout must be positive")
	}

	if cfg.Activity.ActiveIdleThreshold <= 0 {
		errs = append(errs, "activity.activeIdleThreshold must be positive")
	}
	if cfg.Activity.WaitingThreshold < cfg.Activity.ActiveIdleThreshold {
		errs = append(errs, "activity.waitingThreshold must be >= activity.activeIdleThreshold")
	}

	if cfg.Watchdog.Interval <= 0 {
		errs = append(errs, "watchdog.interval must be positive")
	}
	if cfg.Watchdog.StaleWarning >= cfg.Watchdog.StaleStuck || cfg.Watchdog.StaleStuck >= cfg.Watchdog.StaleCritical {
		errs = append(errs, "watchdog thresholds must satisfy staleWarning < staleStuck < staleCritical")
	}
	if cfg.Watchdog.MaxHealthFailures <= 0 {
		errs = append(errs, "watchdog.maxHealthFailures must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

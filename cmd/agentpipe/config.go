package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/agentpipe/internal/engine"
	"github.com/rendis/agentpipe/internal/expressions"
	"github.com/rendis/agentpipe/internal/runtime"
)

// Config holds all agentpipe configuration.
// Priority: flags > AGENTPIPE_* env vars > config file > defaults.
type Config struct {
	DBPath              string        `mapstructure:"db_path"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFormat           string        `mapstructure:"log_format"`
	PoolSize            int           `mapstructure:"pool_size"`
	ExpressionEngine    string        `mapstructure:"expression_engine"`
	DefaultBackoff      string        `mapstructure:"default_backoff"`
	DefaultBackoffDelay string        `mapstructure:"default_backoff_delay"`
	MetricsAddr         string        `mapstructure:"metrics_addr"`
	CallbackTimeout     time.Duration `mapstructure:"callback_timeout"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`

	CircuitBreaker struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		Cooldown         time.Duration `mapstructure:"cooldown"`
		HalfOpenMax      int           `mapstructure:"half_open_max"`
	} `mapstructure:"circuit_breaker"`

	Docker struct {
		Binary     string `mapstructure:"binary"`
		PullPolicy string `mapstructure:"pull_policy"`
		Network    string `mapstructure:"network"`
	} `mapstructure:"docker"`

	Catalog struct {
		URL  string `mapstructure:"url"`
		File string `mapstructure:"file"`
	} `mapstructure:"catalog"`

	Vault struct {
		Passphrase string `mapstructure:"passphrase"`
		Salt       string `mapstructure:"salt"`
	} `mapstructure:"vault"`

	Scheduler struct {
		Enabled  bool          `mapstructure:"enabled"`
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"scheduler"`
}

func agentpipeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentpipe"
	}
	return filepath.Join(home, ".agentpipe")
}

func setDefaults(v *viper.Viper) {
	cb := engine.DefaultCircuitBreakerConfig()

	v.SetDefault("db_path", filepath.Join(agentpipeDir(), "agentpipe.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("pool_size", engine.DefaultPoolSize)
	v.SetDefault("expression_engine", expressions.EngineCEL)
	v.SetDefault("default_backoff", engine.BackoffExponential)
	v.SetDefault("default_backoff_delay", "1s")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("callback_timeout", "10s")
	v.SetDefault("shutdown_timeout", "30s")
	v.SetDefault("circuit_breaker.failure_threshold", cb.FailureThreshold)
	v.SetDefault("circuit_breaker.cooldown", cb.Cooldown.String())
	v.SetDefault("circuit_breaker.half_open_max", cb.HalfOpenMax)
	v.SetDefault("docker.binary", "docker")
	v.SetDefault("docker.pull_policy", string(runtime.PullMissing))
	v.SetDefault("docker.network", "")
	v.SetDefault("catalog.url", "")
	v.SetDefault("catalog.file", "")
	v.SetDefault("vault.passphrase", "")
	v.SetDefault("vault.salt", "")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "1m")
}

// loadConfig layers defaults, the config file, env vars and bound flags.
// An explicit cfgFile must exist; otherwise agentpipe.{yaml,json,toml} is
// looked up in the working directory and ~/.agentpipe.
func loadConfig(v *viper.Viper, cfgFile string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("AGENTPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("agentpipe")
		v.AddConfigPath(".")
		v.AddConfigPath(agentpipeDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.ExpressionEngine {
	case expressions.EngineCEL, expressions.EngineExpr:
	default:
		return fmt.Errorf("expression_engine must be cel or expr, got %q", c.ExpressionEngine)
	}
	switch c.DefaultBackoff {
	case engine.BackoffNone, engine.BackoffConstant, engine.BackoffLinear, engine.BackoffExponential:
	default:
		return fmt.Errorf("default_backoff must be none, constant, linear or exponential, got %q", c.DefaultBackoff)
	}
	if c.DefaultBackoffDelay != "" {
		if _, err := time.ParseDuration(c.DefaultBackoffDelay); err != nil {
			return fmt.Errorf("default_backoff_delay: %w", err)
		}
	}
	switch runtime.PullPolicy(c.Docker.PullPolicy) {
	case runtime.PullAlways, runtime.PullMissing, runtime.PullNever:
	default:
		return fmt.Errorf("docker.pull_policy must be always, missing or never, got %q", c.Docker.PullPolicy)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("pool_size must not be negative")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative")
	}
	if c.Vault.Passphrase != "" && c.Vault.Salt == "" {
		return fmt.Errorf("vault.salt is required with vault.passphrase")
	}
	if c.Catalog.URL != "" && c.Catalog.File != "" {
		return fmt.Errorf("catalog.url and catalog.file are mutually exclusive")
	}
	return nil
}

// circuitBreakerConfig returns the engine breaker settings, falling back to
// defaults for unset fields.
func (c Config) circuitBreakerConfig() *engine.CircuitBreakerConfig {
	cb := engine.DefaultCircuitBreakerConfig()
	if c.CircuitBreaker.FailureThreshold > 0 {
		cb.FailureThreshold = c.CircuitBreaker.FailureThreshold
	}
	if c.CircuitBreaker.Cooldown > 0 {
		cb.Cooldown = c.CircuitBreaker.Cooldown
	}
	if c.CircuitBreaker.HalfOpenMax > 0 {
		cb.HalfOpenMax = c.CircuitBreaker.HalfOpenMax
	}
	return &cb
}

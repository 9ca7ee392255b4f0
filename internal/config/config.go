// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Render    RenderConfig    `mapstructure:"render"`
	Preflight PreflightConfig `mapstructure:"preflight"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// HTTPConfig configures the direct transfer path.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
	MaxBytes       int    `mapstructure:"max_bytes"`
	UserAgent      string `mapstructure:"user_agent"`
	InsecureTLS    bool   `mapstructure:"insecure_tls"`
}

// AdmissionConfig bounds process-wide concurrent fetches.
type AdmissionConfig struct {
	Capacity         int `mapstructure:"capacity"`
	MaxQueue         int `mapstructure:"max_queue"`
	QueueWaitSeconds int `mapstructure:"queue_wait_seconds"`
}

// PoolConfig governs renderer worker pool sizing per profile.
type PoolConfig struct {
	Floor                 int     `mapstructure:"floor"`
	Ceiling               int     `mapstructure:"ceiling"`
	ScaleThreshold        float64 `mapstructure:"scale_threshold"`
	AcquireTimeoutSeconds int     `mapstructure:"acquire_timeout_seconds"`
}

// RenderConfig configures the budgeted render executor.
type RenderConfig struct {
	NavTimeoutSpeedSec    int    `mapstructure:"nav_timeout_speed_seconds"`
	NavTimeoutAccuracySec int    `mapstructure:"nav_timeout_accuracy_seconds"`
	DefaultProfile        string `mapstructure:"default_profile"`
}

// PreflightConfig bounds the classifier probe.
type PreflightConfig struct {
	ProbeTimeoutSeconds int `mapstructure:"probe_timeout_seconds"`
}

// RateLimitConfig controls the optional per-host politeness limiter.
// RPS of zero disables limiting.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RENDERFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("http.timeout_seconds", 120)
	v.SetDefault("http.max_retries", 1)
	v.SetDefault("http.max_bytes", 10*1024*1024)
	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.insecure_tls", false)
	v.SetDefault("admission.capacity", 8)
	v.SetDefault("admission.max_queue", 16)
	v.SetDefault("admission.queue_wait_seconds", 30)
	v.SetDefault("pool.floor", 2)
	v.SetDefault("pool.ceiling", 6)
	v.SetDefault("pool.scale_threshold", 0.8)
	v.SetDefault("pool.acquire_timeout_seconds", 30)
	v.SetDefault("render.nav_timeout_speed_seconds", 8)
	v.SetDefault("render.nav_timeout_accuracy_seconds", 20)
	v.SetDefault("render.default_profile", "speed")
	v.SetDefault("preflight.probe_timeout_seconds", 12)
	v.SetDefault("ratelimit.rps", 0)
	v.SetDefault("ratelimit.burst", 1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxBytes <= 0 {
		return fmt.Errorf("http.max_bytes must be > 0")
	}
	if c.Admission.Capacity <= 0 {
		return fmt.Errorf("admission.capacity must be > 0")
	}
	if c.Admission.MaxQueue < 0 {
		return fmt.Errorf("admission.max_queue must be >= 0")
	}
	if c.Pool.Floor <= 0 {
		return fmt.Errorf("pool.floor must be > 0")
	}
	if c.Pool.Ceiling < c.Pool.Floor {
		return fmt.Errorf("pool.ceiling must be >= pool.floor")
	}
	if c.Pool.ScaleThreshold <= 0 || c.Pool.ScaleThreshold > 1 {
		return fmt.Errorf("pool.scale_threshold must be in (0, 1]")
	}
	if p := c.Render.DefaultProfile; p != "speed" && p != "accuracy" {
		return fmt.Errorf("render.default_profile must be speed or accuracy")
	}
	return nil
}

// DefaultTimeout converts the HTTP timeout config into a duration.
func (c Config) DefaultTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// QueueWait converts the admission wait config into a duration.
func (c Config) QueueWait() time.Duration {
	return time.Duration(c.Admission.QueueWaitSeconds) * time.Second
}

// AcquireTimeout converts the pool acquire config into a duration.
func (c Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Pool.AcquireTimeoutSeconds) * time.Second
}

// Package config provides configuration management for vidrelay using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort         = 8080
	defaultServerTimeout      = 30 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultCacheMaxSize       = "10GiB"
	defaultCacheLowWaterRatio = 0.8
	defaultCacheEvictSchedule = "@every 5m"
	defaultProbeTimeout       = 10 * time.Second
	defaultProbeCacheTTL      = 5 * time.Minute
	defaultFetchTimeout       = 30 * time.Second
	defaultIdleTimeout        = 30 * time.Second
	defaultRetryAttempts      = 3
	defaultRetryDelay         = time.Second
	defaultCircuitThreshold   = 5
	defaultCircuitTimeout     = 30 * time.Second
	defaultRemuxWorkers       = 2
	defaultRemuxQueueSize     = 32
	defaultChunkSize          = "1MiB"
	defaultMinFreeSpace       = "1GiB"
	defaultRemuxTimeout       = 2 * time.Hour
	defaultDetectTTL          = 5 * time.Minute
	defaultJobRetention       = 24 * time.Hour
	defaultJobSweepSchedule   = "@every 10m"
	defaultOrphanMaxAge       = 3 * time.Hour
	defaultCleanupSchedule    = "@every 30m"
	maxPort                   = 65535
	minChunkSize              = 4 * 1024
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Remux    RemuxConfig    `mapstructure:"remux"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Relay    RelayConfig    `mapstructure:"relay"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// StorageConfig holds file storage configuration.
type StorageConfig struct {
	BaseDir  string `mapstructure:"base_dir"`
	CacheDir string `mapstructure:"cache_dir"`
}

// CacheConfig holds remux cache sizing configuration.
type CacheConfig struct {
	// MaxSize is the ceiling for the total size of cached artifacts.
	// Supports human-readable values like "10GiB" or raw byte counts.
	MaxSize ByteSize `mapstructure:"max_size"`
	// LowWaterRatio is the fraction of MaxSize eviction drains down to.
	LowWaterRatio float64 `mapstructure:"low_water_ratio"`
	// EvictSchedule is a cron spec for periodic eviction ("" disables).
	EvictSchedule string `mapstructure:"evict_schedule"`
}

// UpstreamConfig holds settings for requests to origin servers.
type UpstreamConfig struct {
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	ProbeCacheTTL    time.Duration `mapstructure:"probe_cache_ttl"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"` // time allowed until response headers
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`  // max gap between body reads
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	CircuitThreshold int           `mapstructure:"circuit_threshold"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// RemuxConfig holds remux worker configuration.
type RemuxConfig struct {
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue_size"`
	ChunkSize    ByteSize      `mapstructure:"chunk_size"`
	MinFreeSpace ByteSize      `mapstructure:"min_free_space"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// JobsConfig holds job record retention configuration.
type JobsConfig struct {
	Retention       time.Duration `mapstructure:"retention"`
	SweepSchedule   string        `mapstructure:"sweep_schedule"`
	OrphanMaxAge    time.Duration `mapstructure:"orphan_max_age"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
}

// RelayConfig holds stream relay configuration.
type RelayConfig struct {
	ChunkSize ByteSize `mapstructure:"chunk_size"`
	// LegacyPartialStatus reports 206 to clients when the origin ignored a
	// Range request and answered 200 with the full body.
	LegacyPartialStatus bool `mapstructure:"legacy_partial_status"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath string        `mapstructure:"binary_path"` // Path to ffmpeg binary (empty = auto-detect)
	DetectTTL  time.Duration `mapstructure:"detect_ttl"`  // How long a detection result is reused
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level        string   `mapstructure:"level"`  // debug, info, warn, error
	Format       string   `mapstructure:"format"` // json, text
	AddSource    bool     `mapstructure:"add_source"`
	TimeFormat   string   `mapstructure:"time_format"`
	RedactFields []string `mapstructure:"redact_fields"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with VIDRELAY_ and use underscores for nesting.
// Example: VIDRELAY_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/vidrelay")
		v.AddConfigPath("$HOME/.vidrelay")
	}

	v.SetEnvPrefix("VIDRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return Unmarshal(v)
}

// Unmarshal decodes and validates the configuration held by v.
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.cache_dir", "cache")

	// Cache defaults
	v.SetDefault("cache.max_size", defaultCacheMaxSize)
	v.SetDefault("cache.low_water_ratio", defaultCacheLowWaterRatio)
	v.SetDefault("cache.evict_schedule", defaultCacheEvictSchedule)

	// Upstream defaults
	v.SetDefault("upstream.probe_timeout", defaultProbeTimeout)
	v.SetDefault("upstream.probe_cache_ttl", defaultProbeCacheTTL)
	v.SetDefault("upstream.fetch_timeout", defaultFetchTimeout)
	v.SetDefault("upstream.idle_timeout", defaultIdleTimeout)
	v.SetDefault("upstream.retry_attempts", defaultRetryAttempts)
	v.SetDefault("upstream.retry_delay", defaultRetryDelay)
	v.SetDefault("upstream.circuit_threshold", defaultCircuitThreshold)
	v.SetDefault("upstream.circuit_timeout", defaultCircuitTimeout)
	v.SetDefault("upstream.user_agent", "")

	// Remux defaults
	v.SetDefault("remux.workers", defaultRemuxWorkers)
	v.SetDefault("remux.queue_size", defaultRemuxQueueSize)
	v.SetDefault("remux.chunk_size", defaultChunkSize)
	v.SetDefault("remux.min_free_space", defaultMinFreeSpace)
	v.SetDefault("remux.timeout", defaultRemuxTimeout)

	// Job defaults
	v.SetDefault("jobs.retention", defaultJobRetention)
	v.SetDefault("jobs.sweep_schedule", defaultJobSweepSchedule)
	v.SetDefault("jobs.orphan_max_age", defaultOrphanMaxAge)
	v.SetDefault("jobs.cleanup_schedule", defaultCleanupSchedule)

	// Relay defaults
	v.SetDefault("relay.chunk_size", defaultChunkSize)
	v.SetDefault("relay.legacy_partial_status", true)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.detect_ttl", defaultDetectTTL)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.redact_fields", []string{})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if c.Storage.CacheDir == "" {
		return fmt.Errorf("storage.cache_dir is required")
	}

	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be positive")
	}
	if c.Cache.LowWaterRatio <= 0 || c.Cache.LowWaterRatio > 1 {
		return fmt.Errorf("cache.low_water_ratio must be in (0, 1]")
	}

	if c.Upstream.ProbeTimeout <= 0 {
		return fmt.Errorf("upstream.probe_timeout must be positive")
	}
	if c.Upstream.RetryAttempts < 0 {
		return fmt.Errorf("upstream.retry_attempts must not be negative")
	}

	if c.Remux.Workers < 1 {
		return fmt.Errorf("remux.workers must be at least 1")
	}
	if c.Remux.QueueSize < 1 {
		return fmt.Errorf("remux.queue_size must be at least 1")
	}
	if c.Remux.ChunkSize < minChunkSize {
		return fmt.Errorf("remux.chunk_size must be at least %s", ByteSize(minChunkSize))
	}
	if c.Relay.ChunkSize < minChunkSize {
		return fmt.Errorf("relay.chunk_size must be at least %s", ByteSize(minChunkSize))
	}

	if c.Jobs.Retention <= 0 {
		return fmt.Errorf("jobs.retention must be positive")
	}
	schedules := map[string]string{
		"cache.evict_schedule":  c.Cache.EvictSchedule,
		"jobs.sweep_schedule":   c.Jobs.SweepSchedule,
		"jobs.cleanup_schedule": c.Jobs.CleanupSchedule,
	}
	for key, spec := range schedules {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s is not a valid cron expression: %w", key, err)
		}
	}

	// Work dirs of running remuxes must never look orphaned.
	if c.Remux.Timeout > 0 && c.Jobs.OrphanMaxAge <= c.Remux.Timeout {
		return fmt.Errorf("jobs.orphan_max_age must exceed remux.timeout")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CachePath returns the full path to the remux cache directory.
// An absolute CacheDir is returned unchanged.
func (c *StorageConfig) CachePath() string {
	if filepath.IsAbs(c.CacheDir) {
		return c.CacheDir
	}
	return filepath.Join(c.BaseDir, c.CacheDir)
}

// LowWaterBytes returns the total size eviction drains the cache down to.
func (c *CacheConfig) LowWaterBytes() int64 {
	return int64(float64(c.MaxSize.Bytes()) * c.LowWaterRatio)
}

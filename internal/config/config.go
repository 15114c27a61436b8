package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"trialsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Logging      LoggingConfig      `yaml:"logging"`
	Server       ServerConfig       `yaml:"server"`
	Queue        QueueConfig        `yaml:"queue"`
	Optimistic   OptimisticConfig   `yaml:"optimistic"`
	Cache        CacheConfig        `yaml:"cache"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Reconcile    ReconcileConfig    `yaml:"reconcile"`
	API          APIConfig          `yaml:"api"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address     string `yaml:"address"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
	FeedChannel string `yaml:"feed_channel"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// ServerConfig points at the authoritative scoring server.
type ServerConfig struct {
	BaseURL    string        `yaml:"base_url"`
	HealthPath string        `yaml:"health_path"`
	Timeout    time.Duration `yaml:"timeout"`
}

type QueueConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	DrainRPS   float64       `yaml:"drain_rps"`
	DrainBurst int           `yaml:"drain_burst"`
}

type OptimisticConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type CacheConfig struct {
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	PrefetchBatch int           `yaml:"prefetch_batch"`
	Persist       *bool         `yaml:"persist"`
}

// ShouldPersist reports whether cache writes are mirrored to the durable store.
func (c CacheConfig) ShouldPersist() bool {
	return c.Persist == nil || *c.Persist
}

type ConnectivityConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval"`
	SlowThreshold time.Duration `yaml:"slow_threshold"`
	FastThreshold time.Duration `yaml:"fast_threshold"`
}

// ReconcileConfig controls pending overlay retirement. A zero FallbackTimeout
// means overlays are cleared only by authoritative updates.
type ReconcileConfig struct {
	FallbackTimeout time.Duration `yaml:"fallback_timeout"`
}

// APIConfig is the local status and control endpoint of the daemon.
type APIConfig struct {
	Enabled      bool            `yaml:"enabled"`
	Port         int             `yaml:"port"`
	APIKey       string          `yaml:"api_key"`
	HeaderAPIKey string          `yaml:"header_api_key"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Server.BaseURL != "" && !strings.HasPrefix(c.Server.BaseURL, "http://") && !strings.HasPrefix(c.Server.BaseURL, "https://") {
		return fmt.Errorf("server base_url must be http(s): %q", c.Server.BaseURL)
	}

	if c.Queue.MaxRetries < 1 {
		return errors.New("queue max_retries must be at least 1")
	}

	if c.Optimistic.MaxRetries < 0 {
		return errors.New("optimistic max_retries must not be negative")
	}

	if c.Connectivity.FastThreshold >= c.Connectivity.SlowThreshold {
		return errors.New("connectivity fast_threshold must be below slow_threshold")
	}

	if c.Reconcile.FallbackTimeout < 0 {
		return errors.New("reconcile fallback_timeout must not be negative")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "trialsync"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Redis.FeedChannel == "" {
		c.Redis.FeedChannel = "records:updates"
	}

	if c.Server.HealthPath == "" {
		c.Server.HealthPath = "/health"
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = 10 * time.Second
	}

	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = models.DefaultMaxRetries
	}
	if c.Queue.BaseDelay == 0 {
		c.Queue.BaseDelay = models.DefaultQueueBaseDelay
	}
	if c.Queue.DrainRPS == 0 {
		c.Queue.DrainRPS = 5
	}
	if c.Queue.DrainBurst == 0 {
		c.Queue.DrainBurst = 1
	}

	if c.Optimistic.MaxRetries == 0 {
		c.Optimistic.MaxRetries = models.DefaultMaxRetries
	}
	if c.Optimistic.RetryDelay == 0 {
		c.Optimistic.RetryDelay = models.DefaultLiveRetryDelay
	}

	if c.Cache.DefaultTTL == 0 {
		c.Cache.DefaultTTL = models.DefaultCacheTTL
	}
	if c.Cache.PrefetchBatch == 0 {
		c.Cache.PrefetchBatch = models.DefaultPrefetchBatch
	}

	if c.Connectivity.ProbeInterval == 0 {
		c.Connectivity.ProbeInterval = 15 * time.Second
	}
	if c.Connectivity.SlowThreshold == 0 {
		c.Connectivity.SlowThreshold = 1500 * time.Millisecond
	}
	if c.Connectivity.FastThreshold == 0 {
		c.Connectivity.FastThreshold = 300 * time.Millisecond
	}

	if c.API.Enabled && c.API.Port == 0 {
		c.API.Port = 8088
	}
	if c.API.HeaderAPIKey == "" {
		c.API.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateLimit.RPS > 0 && c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 5
	}
}

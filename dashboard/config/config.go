// Package config loads dashboard settings from defaults, an optional YAML
// file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/itskum47/PuppetLens/dashboard/rollup"
)

// FileEnv names the environment variable holding the YAML config path.
const FileEnv = "PUPPETLENS_CONFIG"

// Cache backends.
const (
	CacheMemory   = "memory"
	CacheRedis    = "redis"
	CachePostgres = "postgres"
)

type Config struct {
	ListenAddr string          `yaml:"listen_addr"`
	PuppetDB   PuppetDBConfig  `yaml:"puppetdb"`
	Cache      CacheConfig     `yaml:"cache"`
	Rollup     RollupConfig    `yaml:"rollup"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
	API        APIConfig       `yaml:"api"`
}

type PuppetDBConfig struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	Proto      string        `yaml:"proto"`
	Timeout    time.Duration `yaml:"timeout"`
	SSLVerify  bool          `yaml:"ssl_verify"`
	Cert       string        `yaml:"cert"`
	Key        string        `yaml:"key"`
	CA         string        `yaml:"ca"`
	RateLimit  float64       `yaml:"rate_limit"` // requests per second, 0 = unpaced
	MaxRetries uint          `yaml:"max_retries"`

	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// URL returns the PuppetDB base URL.
func (p PuppetDBConfig) URL() string {
	return fmt.Sprintf("%s://%s:%d", p.Proto, p.Host, p.Port)
}

type CacheConfig struct {
	Type           string        `yaml:"type"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	KeyPrefix      string        `yaml:"key_prefix"`
	Redis          RedisConfig   `yaml:"redis"`
	PostgresDSN    string        `yaml:"postgres_dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RollupConfig struct {
	StatusColumns []string `yaml:"status_columns"`
}

type SchedulerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RebuildInterval time.Duration `yaml:"rebuild_interval"`
	Concurrency     int           `yaml:"concurrency"`
	LeaderLeaseTTL  time.Duration `yaml:"leader_lease_ttl"`
	NodeID          string        `yaml:"node_id"`
}

type APIConfig struct {
	RefreshRateLimit float64  `yaml:"refresh_rate_limit"` // per environment, per second
	RefreshBurst     int      `yaml:"refresh_burst"`
	StaleEntries     int      `yaml:"stale_entries"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		PuppetDB: PuppetDBConfig{
			Host:             "localhost",
			Port:             8080,
			Proto:            "http",
			Timeout:          20 * time.Second,
			SSLVerify:        true,
			MaxRetries:       3,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Cache: CacheConfig{
			Type:           CacheMemory,
			DefaultTimeout: time.Hour,
			KeyPrefix:      "puppetlens:",
			Redis:          RedisConfig{Addr: "localhost:6379"},
		},
		Rollup: RollupConfig{
			StatusColumns: []string{"failure", "success", "noop"},
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			RebuildInterval: 5 * time.Minute,
			Concurrency:     1,
			LeaderLeaseTTL:  30 * time.Second,
		},
		API: APIConfig{
			RefreshRateLimit: 1,
			RefreshBurst:     3,
			StaleEntries:     64,
			AllowedOrigins:   []string{"*"},
		},
	}
}

// Load builds the configuration from defaults, the file named by
// PUPPETLENS_CONFIG (if set) and the environment, then validates it.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Default()
	if path := getenv(FileEnv); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
		log.Printf("[CONFIG] Loaded %s", path)
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("LISTEN_ADDR", &cfg.ListenAddr)

	str("PUPPETDB_HOST", &cfg.PuppetDB.Host)
	integer("PUPPETDB_PORT", &cfg.PuppetDB.Port)
	str("PUPPETDB_PROTO", &cfg.PuppetDB.Proto)
	duration("PUPPETDB_TIMEOUT", &cfg.PuppetDB.Timeout)
	boolean("PUPPETDB_SSL_VERIFY", &cfg.PuppetDB.SSLVerify)
	str("PUPPETDB_CERT", &cfg.PuppetDB.Cert)
	str("PUPPETDB_KEY", &cfg.PuppetDB.Key)
	str("PUPPETDB_CA", &cfg.PuppetDB.CA)
	float("PUPPETDB_RATE_LIMIT", &cfg.PuppetDB.RateLimit)
	if v := getenv("PUPPETDB_MAX_RETRIES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("PUPPETDB_MAX_RETRIES: %w", err))
		} else {
			cfg.PuppetDB.MaxRetries = uint(n)
		}
	}

	str("CACHE_TYPE", &cfg.Cache.Type)
	duration("CACHE_DEFAULT_TIMEOUT", &cfg.Cache.DefaultTimeout)
	str("CACHE_KEY_PREFIX", &cfg.Cache.KeyPrefix)
	str("REDIS_ADDR", &cfg.Cache.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Cache.Redis.Password)
	integer("REDIS_DB", &cfg.Cache.Redis.DB)
	str("POSTGRES_DSN", &cfg.Cache.PostgresDSN)

	if v := getenv("CLASS_EVENTS_STATUS_COLUMNS"); v != "" {
		cfg.Rollup.StatusColumns = strings.Split(v, ",")
	}

	boolean("SCHEDULER_ENABLED", &cfg.Scheduler.Enabled)
	duration("REBUILD_INTERVAL", &cfg.Scheduler.RebuildInterval)
	integer("REBUILD_CONCURRENCY", &cfg.Scheduler.Concurrency)
	duration("LEADER_LEASE_TTL", &cfg.Scheduler.LeaderLeaseTTL)
	str("NODE_ID", &cfg.Scheduler.NodeID)

	float("REFRESH_RATE_LIMIT", &cfg.API.RefreshRateLimit)
	if v := getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.API.AllowedOrigins = strings.Split(v, ",")
	}

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("90s") and bare seconds ("90"), the
// latter being how timeouts are usually written for PuppetDB tooling.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// StatusColumns returns the parsed rollup buckets.
func (c Config) StatusColumns() ([]rollup.Status, error) {
	return rollup.ParseStatusColumns(c.Rollup.StatusColumns)
}

// Validate rejects settings the dashboard cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.PuppetDB.Proto != "http" && c.PuppetDB.Proto != "https" {
		errs = append(errs, fmt.Errorf("puppetdb proto must be http or https, got %q", c.PuppetDB.Proto))
	}
	if c.PuppetDB.Port <= 0 || c.PuppetDB.Port > 65535 {
		errs = append(errs, fmt.Errorf("puppetdb port out of range: %d", c.PuppetDB.Port))
	}
	if _, err := url.Parse(c.PuppetDB.URL()); err != nil || c.PuppetDB.Host == "" {
		errs = append(errs, fmt.Errorf("invalid puppetdb host %q", c.PuppetDB.Host))
	}
	if (c.PuppetDB.Cert == "") != (c.PuppetDB.Key == "") {
		errs = append(errs, errors.New("puppetdb cert and key must be set together"))
	}
	if c.PuppetDB.RateLimit < 0 {
		errs = append(errs, errors.New("puppetdb rate_limit must not be negative"))
	}

	switch c.Cache.Type {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, errors.New("redis cache requires REDIS_ADDR"))
		}
	case CachePostgres:
		if c.Cache.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres cache requires POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache type %q (want memory, redis or postgres)", c.Cache.Type))
	}
	if c.Cache.DefaultTimeout < 0 {
		errs = append(errs, errors.New("cache default_timeout must not be negative"))
	}

	if _, err := c.StatusColumns(); err != nil {
		errs = append(errs, err)
	}

	if c.Scheduler.Enabled {
		if c.Scheduler.RebuildInterval <= 0 {
			errs = append(errs, errors.New("rebuild_interval must be positive"))
		}
		if c.Scheduler.Concurrency < 1 {
			errs = append(errs, errors.New("rebuild concurrency must be at least 1"))
		}
		if c.Scheduler.LeaderLeaseTTL < 3*time.Second {
			errs = append(errs, errors.New("leader_lease_ttl must be at least 3s"))
		}
	}

	if c.API.RefreshRateLimit < 0 {
		errs = append(errs, errors.New("refresh_rate_limit must not be negative"))
	}
	return errors.Join(errs...)
}

// Package config loads server configuration from defaults, an optional YAML
// file and GUARDIAN_* environment variables, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/guardian-ai/guardian/internal/engine"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Forecast  ForecastConfig  `yaml:"forecast"`
	Engine    EngineConfig    `yaml:"engine"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Audit     AuditConfig     `yaml:"audit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	RequireVerified bool          `yaml:"require_verified"`
	MetricsUser     string        `yaml:"metrics_user"`
	MetricsPassword string        `yaml:"metrics_password"`
}

type StoreConfig struct {
	Backend       string `yaml:"backend"` // memory, sqlite, postgres or redis
	SnapshotPath  string `yaml:"snapshot_path"`
	SQLiteDir     string `yaml:"sqlite_dir"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

type ForecastConfig struct {
	Predictor string        `yaml:"predictor"` // smoothing, http or static
	URL       string        `yaml:"url"`
	Token     string        `yaml:"token"`
	Timeout   time.Duration `yaml:"timeout"`

	// exponential smoothing
	Alpha   float64 `yaml:"alpha"`
	Z       float64 `yaml:"z"`
	Horizon int     `yaml:"horizon"`

	// static
	StaticPoint       float64 `yaml:"static_point"`
	StaticUncertainty float64 `yaml:"static_uncertainty"`
}

type EngineConfig struct {
	Fallback              string  `yaml:"fallback"`
	RobustThresholdFactor float64 `yaml:"robust_threshold_factor"`
	UncertaintyWeight     float64 `yaml:"uncertainty_weight"`
}

type TrackerConfig struct {
	CacheSize            int           `yaml:"cache_size"`
	CacheTTL             time.Duration `yaml:"cache_ttl"`
	RecomputeInterval    time.Duration `yaml:"recompute_interval"`
	RecomputeConcurrency int           `yaml:"recompute_concurrency"`
}

type AuditConfig struct {
	Dir string `yaml:"dir"` // empty disables the journal
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
}

type RateLimitConfig struct {
	RPS        float64 `yaml:"rps"` // 0 disables
	Burst      int     `yaml:"burst"`
	DailyQuota int64   `yaml:"daily_quota"`
	MaxUsers   int     `yaml:"max_users"` // users tracked at once
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:          8080,
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   60 * time.Second,
			ShutdownGrace: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend:      "memory",
			SnapshotPath: "data/guardian.json",
			SQLiteDir:    "data",
			RedisAddr:    "localhost:6379",
			RedisPrefix:  "guardian",
		},
		Forecast: ForecastConfig{
			Predictor: "smoothing",
			Timeout:   2 * time.Second,
			Alpha:     0.3,
			Z:         1.96,
			Horizon:   1,
		},
		Engine: EngineConfig{
			Fallback:              string(engine.FallbackRobust),
			RobustThresholdFactor: 1.0,
			UncertaintyWeight:     1.0,
		},
		Tracker: TrackerConfig{
			CacheSize:            1024,
			CacheTTL:             5 * time.Minute,
			RecomputeInterval:    30 * time.Second,
			RecomputeConcurrency: 4,
		},
		Telemetry: TelemetryConfig{
			Endpoint:     "localhost:4317",
			Insecure:     true,
			SamplingRate: 1.0,
			Environment:  "production",
		},
		RateLimit: RateLimitConfig{RPS: 50, Burst: 100, MaxUsers: 10000},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. An empty path skips the file; a path that
// does not exist is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, set func(string) error) {
		if v, ok := lookup(key); ok && v != "" {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	intVar := func(dst *int) func(string) error {
		return func(v string) (err error) { *dst, err = strconv.Atoi(v); return }
	}
	floatVar := func(dst *float64) func(string) error {
		return func(v string) (err error) { *dst, err = strconv.ParseFloat(v, 64); return }
	}
	durVar := func(dst *time.Duration) func(string) error {
		return func(v string) (err error) { *dst, err = time.ParseDuration(v); return }
	}
	boolVar := func(dst *bool) func(string) error {
		return func(v string) (err error) { *dst, err = strconv.ParseBool(v); return }
	}

	num("GUARDIAN_PORT", intVar(&cfg.Server.Port))
	num("GUARDIAN_REQUIRE_VERIFIED", boolVar(&cfg.Server.RequireVerified))
	str("GUARDIAN_METRICS_USER", &cfg.Server.MetricsUser)
	str("GUARDIAN_METRICS_PASSWORD", &cfg.Server.MetricsPassword)

	str("GUARDIAN_STORE_BACKEND", &cfg.Store.Backend)
	str("GUARDIAN_SNAPSHOT_PATH", &cfg.Store.SnapshotPath)
	str("GUARDIAN_SQLITE_DIR", &cfg.Store.SQLiteDir)
	str("GUARDIAN_POSTGRES_DSN", &cfg.Store.PostgresDSN)
	str("GUARDIAN_REDIS_ADDR", &cfg.Store.RedisAddr)
	str("GUARDIAN_REDIS_PASSWORD", &cfg.Store.RedisPassword)
	num("GUARDIAN_REDIS_DB", intVar(&cfg.Store.RedisDB))

	str("GUARDIAN_PREDICTOR", &cfg.Forecast.Predictor)
	str("GUARDIAN_PREDICTOR_URL", &cfg.Forecast.URL)
	str("GUARDIAN_PREDICTOR_TOKEN", &cfg.Forecast.Token)
	num("GUARDIAN_FORECAST_TIMEOUT", durVar(&cfg.Forecast.Timeout))

	str("GUARDIAN_FALLBACK", &cfg.Engine.Fallback)
	num("GUARDIAN_ROBUST_THRESHOLD_FACTOR", floatVar(&cfg.Engine.RobustThresholdFactor))
	num("GUARDIAN_UNCERTAINTY_WEIGHT", floatVar(&cfg.Engine.UncertaintyWeight))

	str("GUARDIAN_AUDIT_DIR", &cfg.Audit.Dir)

	num("GUARDIAN_OTEL_ENABLED", boolVar(&cfg.Telemetry.Enabled))
	str("GUARDIAN_OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)
	num("GUARDIAN_OTEL_SAMPLING_RATE", floatVar(&cfg.Telemetry.SamplingRate))

	num("GUARDIAN_RATE_LIMIT_RPS", floatVar(&cfg.RateLimit.RPS))
	num("GUARDIAN_RATE_LIMIT_BURST", intVar(&cfg.RateLimit.Burst))

	str("GUARDIAN_LOG_LEVEL", &cfg.Log.Level)
	str("GUARDIAN_LOG_FORMAT", &cfg.Log.Format)

	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}

	switch c.Store.Backend {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			add("store.postgres_dsn is required for the postgres backend")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			add("store.redis_addr is required for the redis backend")
		}
	default:
		add("unknown store.backend %q", c.Store.Backend)
	}

	switch c.Forecast.Predictor {
	case "smoothing":
		if c.Forecast.Alpha <= 0 || c.Forecast.Alpha > 1 {
			add("forecast.alpha must be in (0, 1], got %v", c.Forecast.Alpha)
		}
	case "static":
	case "http":
		if c.Forecast.URL == "" {
			add("forecast.url is required for the http predictor")
		}
	default:
		add("unknown forecast.predictor %q", c.Forecast.Predictor)
	}
	if c.Forecast.Timeout < 0 {
		add("forecast.timeout must be >= 0")
	}

	if _, err := engine.ParseFallbackPolicy(c.Engine.Fallback); err != nil {
		add("engine.fallback: %v", err)
	}
	if c.Engine.RobustThresholdFactor <= 0 {
		add("engine.robust_threshold_factor must be > 0")
	}
	if c.Engine.UncertaintyWeight < 0 {
		add("engine.uncertainty_weight must be >= 0")
	}

	if c.Tracker.CacheSize <= 0 {
		add("tracker.cache_size must be > 0")
	}

	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		add("telemetry.sampling_rate must be in [0, 1]")
	}

	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 || c.RateLimit.DailyQuota < 0 || c.RateLimit.MaxUsers < 0 {
		add("ratelimit values must be >= 0")
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst == 0 {
		add("ratelimit.burst must be > 0 when rps is set")
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		add("log.format must be text or json, got %q", c.Log.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// NewLogger builds a logger from the log section.
func (c LogConfig) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetLevel(level)
	if strings.EqualFold(c.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

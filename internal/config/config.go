package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Attribution AttributionConfig `yaml:"attribution" mapstructure:"attribution"`
	Worker      WorkerConfig      `yaml:"worker" mapstructure:"worker"`
	MetricQuery MetricQueryConfig `yaml:"metric_query" mapstructure:"metric_query"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Tracing     TracingConfig     `yaml:"tracing" mapstructure:"tracing"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver           string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL      string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns         int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns         int32  `yaml:"min_conns" mapstructure:"min_conns"`
	TreeCacheSize    int    `yaml:"tree_cache_size" mapstructure:"tree_cache_size"`
	TreeCacheTTLSecs int    `yaml:"tree_cache_ttl_secs" mapstructure:"tree_cache_ttl_secs"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// AttributionConfig holds the numeric knobs of the attribution engines.
type AttributionConfig struct {
	Epsilon            float64 `yaml:"epsilon" mapstructure:"epsilon"`
	MetricQueryLimit   int     `yaml:"metric_query_limit" mapstructure:"metric_query_limit"`
	DimensionTopLimit  int     `yaml:"dimension_top_limit" mapstructure:"dimension_top_limit"`
	DimensionMaxResult int     `yaml:"dimension_max_result" mapstructure:"dimension_max_result"`
	EPThreshold        float64 `yaml:"ep_threshold" mapstructure:"ep_threshold"`
	EPTotalThreshold   float64 `yaml:"ep_total_threshold" mapstructure:"ep_total_threshold"`
}

// WorkerConfig sizes the task worker pool.
type WorkerConfig struct {
	MinWorkers    int `yaml:"min_workers" mapstructure:"min_workers"`
	MaxWorkers    int `yaml:"max_workers" mapstructure:"max_workers"`
	QueueCapacity int `yaml:"queue_capacity" mapstructure:"queue_capacity"`
	KeepAliveSecs int `yaml:"keep_alive_secs" mapstructure:"keep_alive_secs"`
}

// KeepAlive returns the idle timeout of workers above the minimum.
func (w WorkerConfig) KeepAlive() time.Duration {
	return time.Duration(w.KeepAliveSecs) * time.Second
}

// MetricQueryConfig holds metric query service settings.
type MetricQueryConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// MonitoringConfig configures the periodic task health check.
type MonitoringConfig struct {
	CheckIntervalSecs int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackHours     int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	FailRateThreshold float64 `yaml:"fail_rate_threshold" mapstructure:"fail_rate_threshold"`
}

// TracingConfig toggles OpenTelemetry tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Exporter string `yaml:"exporter" mapstructure:"exporter"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ATTRIBUTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("store.tree_cache_size", 256)
	v.SetDefault("store.tree_cache_ttl_secs", 60)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("attribution.epsilon", 0.000001)
	v.SetDefault("attribution.metric_query_limit", 1000)
	v.SetDefault("attribution.dimension_top_limit", 1000)
	v.SetDefault("attribution.dimension_max_result", 20)
	v.SetDefault("attribution.ep_threshold", 0.1)
	v.SetDefault("attribution.ep_total_threshold", 0.67)
	v.SetDefault("worker.min_workers", 4)
	v.SetDefault("worker.max_workers", 8)
	v.SetDefault("worker.queue_capacity", 200)
	v.SetDefault("worker.keep_alive_secs", 60)
	v.SetDefault("metric_query.base_url", "")
	v.SetDefault("metric_query.timeout_secs", 120)
	v.SetDefault("metric_query.rate_per_sec", 20)
	v.SetDefault("metric_query.burst", 5)
	v.SetDefault("metric_query.max_attempts", 3)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.fail_rate_threshold", 0.5)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration for the given command mode. Engine
// settings are checked in every mode; "serve" and "run" also need a metric
// query endpoint, and every mode except "sql" needs a database.
func (c *Config) Validate(mode string) error {
	var errs []string

	a := c.Attribution
	if a.Epsilon <= 0 {
		errs = append(errs, "attribution.epsilon must be > 0")
	}
	if a.EPThreshold < 0 || a.EPThreshold > 1 {
		errs = append(errs, "attribution.ep_threshold must be between 0 and 1")
	}
	if a.EPTotalThreshold < 0 || a.EPTotalThreshold > 1 {
		errs = append(errs, "attribution.ep_total_threshold must be between 0 and 1")
	}
	if a.DimensionMaxResult < 1 {
		errs = append(errs, "attribution.dimension_max_result must be >= 1")
	}
	if a.MetricQueryLimit < 1 || a.MetricQueryLimit > 10000 {
		errs = append(errs, "attribution.metric_query_limit must be between 1 and 10000")
	}
	if a.DimensionTopLimit < 1 || a.DimensionTopLimit > 10000 {
		errs = append(errs, "attribution.dimension_top_limit must be between 1 and 10000")
	}

	w := c.Worker
	if w.MinWorkers < 1 {
		errs = append(errs, "worker.min_workers must be >= 1")
	}
	if w.MaxWorkers < w.MinWorkers {
		errs = append(errs, "worker.max_workers must be >= worker.min_workers")
	}
	if w.QueueCapacity < 0 {
		errs = append(errs, "worker.queue_capacity must be >= 0")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.requireStore()...)
		errs = append(errs, c.requireMetricQuery()...)
	case "run":
		errs = append(errs, c.requireStore()...)
		errs = append(errs, c.requireMetricQuery()...)
	case "migrate", "import", "status":
		errs = append(errs, c.requireStore()...)
	case "sql":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) requireStore() []string {
	if c.Store.Driver == "sqlite" || c.Store.DatabaseURL != "" {
		return nil
	}
	return []string{"store.database_url is required"}
}

func (c *Config) requireMetricQuery() []string {
	if c.MetricQuery.BaseURL != "" {
		return nil
	}
	return []string{"metric_query.base_url is required"}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/cohenjo/cdcsync/pkg/sigcache"
	"github.com/cohenjo/cdcsync/pkg/store"
)

// Backend selects the implementation behind a shared resource
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
)

// EngineConfig represents the sync engine settings
type EngineConfig struct {
	StoreBackend      Backend       `json:"store_backend" yaml:"store_backend" validate:"oneof=memory postgres"`
	CacheBackend      Backend       `json:"cache_backend" yaml:"cache_backend" validate:"oneof=memory redis"`
	SignatureTTL      time.Duration `json:"signature_ttl" yaml:"signature_ttl"`
	DeletionBatchSize int           `json:"deletion_batch_size" yaml:"deletion_batch_size" validate:"min=1"`
	ExtractBatchSize  int           `json:"extract_batch_size" yaml:"extract_batch_size" validate:"min=1"`
	LoadBatchSize     int           `json:"load_batch_size" yaml:"load_batch_size" validate:"min=1"`
	// how long finished workflows stay addressable by id
	InstanceRetention time.Duration `json:"instance_retention" yaml:"instance_retention"`
}

// TimeoutTier holds the three workflow timeout granularities
type TimeoutTier struct {
	Execution time.Duration `json:"execution" yaml:"execution"`
	Run       time.Duration `json:"run" yaml:"run"`
	Task      time.Duration `json:"task,omitempty" yaml:"task,omitempty"`
}

// ActivityTimeouts holds the timeouts of one activity invocation
type ActivityTimeouts struct {
	StartToClose    time.Duration `json:"start_to_close" yaml:"start_to_close"`
	ScheduleToClose time.Duration `json:"schedule_to_close" yaml:"schedule_to_close"`
	ScheduleToStart time.Duration `json:"schedule_to_start" yaml:"schedule_to_start"`
	Heartbeat       time.Duration `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
}

// TimeoutsConfig represents the workflow timeout table
type TimeoutsConfig struct {
	Connection TimeoutTier      `json:"connection" yaml:"connection"`
	Extraction TimeoutTier      `json:"extraction" yaml:"extraction"`
	Load       TimeoutTier      `json:"load" yaml:"load"`
	PageFetch  ActivityTimeouts `json:"page_fetch" yaml:"page_fetch"`
	Activity   ActivityTimeouts `json:"activity" yaml:"activity"`
}

// RetryConfig represents the activity retry policy
type RetryConfig struct {
	InitialInterval    time.Duration `json:"initial_interval" yaml:"initial_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient" yaml:"backoff_coefficient" validate:"gte=1"`
	MaximumInterval    time.Duration `json:"maximum_interval" yaml:"maximum_interval"`
	MaximumAttempts    int           `json:"maximum_attempts" yaml:"maximum_attempts" validate:"min=1"`
}

// WorkersConfig represents the activity worker pools hosted by this process
type WorkersConfig struct {
	EngineQueue             string   `json:"engine_queue" yaml:"engine_queue" validate:"required"`
	Queues                  []string `json:"queues" yaml:"queues"`
	MaxConcurrentActivities int      `json:"max_concurrent_activities" yaml:"max_concurrent_activities" validate:"min=1"`
}

// MySQLSourceConfig represents the reference MySQL reader
type MySQLSourceConfig struct {
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// MongoSourceConfig represents the reference MongoDB reader
type MongoSourceConfig struct {
	URI      string `json:"uri,omitempty" yaml:"uri,omitempty"`
	Database string `json:"database,omitempty" yaml:"database,omitempty"`
}

// SourcesConfig represents the source connectors served in-process
type SourcesConfig struct {
	MySQL MySQLSourceConfig `json:"mysql" yaml:"mysql"`
	Mongo MongoSourceConfig `json:"mongodb" yaml:"mongodb"`
}

// KafkaTargetConfig represents the Kafka loader
type KafkaTargetConfig struct {
	Brokers     []string `json:"brokers,omitempty" yaml:"brokers,omitempty"`
	TopicPrefix string   `json:"topic_prefix,omitempty" yaml:"topic_prefix,omitempty"`
}

// ElasticTargetConfig represents the Elasticsearch loader
type ElasticTargetConfig struct {
	Addresses   []string `json:"addresses,omitempty" yaml:"addresses,omitempty"`
	IndexPrefix string   `json:"index_prefix,omitempty" yaml:"index_prefix,omitempty"`
}

// DestinationsConfig represents the loaders served in-process
type DestinationsConfig struct {
	Kafka   KafkaTargetConfig   `json:"kafka" yaml:"kafka"`
	Elastic ElasticTargetConfig `json:"elastic" yaml:"elastic"`
	MySQL   MySQLSourceConfig   `json:"mysql" yaml:"mysql"`
	Mongo   MongoSourceConfig   `json:"mongodb" yaml:"mongodb"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Port      int    `json:"port" yaml:"port"`
	Path      string `json:"path" yaml:"path"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// APIConfig represents the HTTP control API
type APIConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Host       string   `json:"host" yaml:"host"`
	Port       int      `json:"port" yaml:"port"`
	AuthTokens []string `json:"auth_tokens,omitempty" yaml:"auth_tokens,omitempty"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"oneof=json text"`
	Output string `json:"output" yaml:"output"` // stdout, stderr
}

// TelemetryConfig represents OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled         bool              `json:"enabled" yaml:"enabled"`
	ServiceName     string            `json:"service_name" yaml:"service_name"`
	ServiceVersion  string            `json:"service_version" yaml:"service_version"`
	Environment     string            `json:"environment" yaml:"environment"`
	MetricsEnabled  bool              `json:"metrics_enabled" yaml:"metrics_enabled"`
	TracingEnabled  bool              `json:"tracing_enabled" yaml:"tracing_enabled"`
	TraceSampleRate float64           `json:"trace_sample_rate" yaml:"trace_sample_rate" validate:"gte=0,lte=1"`
	Labels          map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Config represents the main application configuration
type Config struct {
	Engine       EngineConfig         `json:"engine" yaml:"engine"`
	Redis        sigcache.RedisConfig `json:"redis" yaml:"redis"`
	Postgres     store.PostgresConfig `json:"postgres" yaml:"postgres"`
	Sources      SourcesConfig        `json:"sources" yaml:"sources"`
	Destinations DestinationsConfig   `json:"destinations" yaml:"destinations"`
	Workers      WorkersConfig        `json:"workers" yaml:"workers"`
	TaskQueues   map[string]string    `json:"task_queues" yaml:"task_queues"`
	Timeouts     TimeoutsConfig       `json:"timeouts" yaml:"timeouts"`
	Retry        RetryConfig          `json:"retry" yaml:"retry"`
	Metrics      MetricsConfig        `json:"metrics" yaml:"metrics"`
	API          APIConfig            `json:"api" yaml:"api"`
	Logging      LoggingConfig        `json:"logging" yaml:"logging"`
	Telemetry    TelemetryConfig      `json:"telemetry" yaml:"telemetry"`

	Debug bool `json:"debug,omitempty" yaml:"debug,omitempty"`
}

// DefaultLanguage is the connector language used when an endpoint declares none
const DefaultLanguage = "ruby"

// DefaultTaskQueues returns the language to task queue routing table
func DefaultTaskQueues() map[string]string {
	return map[string]string{
		"ruby":       "ruby_connectors_queue",
		"python":     "python_connectors_queue",
		"javascript": "javascript_connectors_queue",
		"golang":     "golang_connectors_queue",
	}
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			StoreBackend:      BackendMemory,
			CacheBackend:      BackendMemory,
			SignatureTTL:      sigcache.DefaultTTL,
			DeletionBatchSize: 1000,
			ExtractBatchSize:  500,
			LoadBatchSize:     500,
			InstanceRetention: 15 * time.Minute,
		},
		Redis: sigcache.RedisConfig{
			Addr: "localhost:6379",
		},
		Postgres: store.PostgresConfig{
			MaxConns: 10,
		},
		Workers: WorkersConfig{
			EngineQueue: "cdcsync_engine_queue",
			Queues:      []string{
				"ruby_connectors_queue",
				"python_connectors_queue",
				"javascript_connectors_queue",
				"golang_connectors_queue",
			},
			MaxConcurrentActivities: 16,
		},
		TaskQueues: DefaultTaskQueues(),
		Timeouts: TimeoutsConfig{
			Connection: TimeoutTier{Execution: 86400 * time.Second, Run: 21600 * time.Second},
			Extraction: TimeoutTier{Execution: 43200 * time.Second, Run: 39600 * time.Second, Task: 300 * time.Second},
			Load:       TimeoutTier{Execution: 86400 * time.Second, Run: 86400 * time.Second, Task: 10 * time.Second},
			PageFetch: ActivityTimeouts{
				StartToClose:    1800 * time.Second,
				ScheduleToClose: 2000 * time.Second,
				ScheduleToStart: 120 * time.Second,
				Heartbeat:       120 * time.Second,
			},
			Activity: ActivityTimeouts{
				StartToClose:    10 * time.Minute,
				ScheduleToClose: 15 * time.Minute,
				ScheduleToStart: 2 * time.Minute,
			},
		},
		Retry: RetryConfig{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "cdcsync",
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Telemetry: TelemetryConfig{
			Enabled:         true,
			ServiceName:     "cdcsync",
			ServiceVersion:  "1.0.0",
			Environment:     "development",
			MetricsEnabled:  true,
			TracingEnabled:  true,
			TraceSampleRate: 0.1,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
	}

	if c.API.Enabled && (c.API.Port < 0 || c.API.Port > 65535) {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return ValidateConfig(c)
}

// LoadConfiguration loads configuration using viper
func LoadConfiguration() *Config {
	defaults := DefaultConfig()

	viper.SetDefault("Debug", false)

	viper.SetDefault("Engine.StoreBackend", string(defaults.Engine.StoreBackend))
	viper.SetDefault("Engine.CacheBackend", string(defaults.Engine.CacheBackend))
	viper.SetDefault("Engine.SignatureTTL", "168h")
	viper.SetDefault("Engine.DeletionBatchSize", defaults.Engine.DeletionBatchSize)
	viper.SetDefault("Engine.ExtractBatchSize", defaults.Engine.ExtractBatchSize)
	viper.SetDefault("Engine.LoadBatchSize", defaults.Engine.LoadBatchSize)
	viper.SetDefault("Engine.InstanceRetention", "15m")

	viper.SetDefault("Redis.Addr", defaults.Redis.Addr)
	viper.SetDefault("Postgres.MaxConns", defaults.Postgres.MaxConns)

	viper.SetDefault("Workers.EngineQueue", defaults.Workers.EngineQueue)
	viper.SetDefault("Workers.Queues", defaults.Workers.Queues)
	viper.SetDefault("Workers.MaxConcurrentActivities", defaults.Workers.MaxConcurrentActivities)
	viper.SetDefault("TaskQueues", defaults.TaskQueues)

	viper.SetDefault("Timeouts.Connection.Execution", "86400s")
	viper.SetDefault("Timeouts.Connection.Run", "21600s")
	viper.SetDefault("Timeouts.Extraction.Execution", "43200s")
	viper.SetDefault("Timeouts.Extraction.Run", "39600s")
	viper.SetDefault("Timeouts.Extraction.Task", "300s")
	viper.SetDefault("Timeouts.Load.Execution", "86400s")
	viper.SetDefault("Timeouts.Load.Run", "86400s")
	viper.SetDefault("Timeouts.Load.Task", "10s")
	viper.SetDefault("Timeouts.PageFetch.StartToClose", "1800s")
	viper.SetDefault("Timeouts.PageFetch.ScheduleToClose", "2000s")
	viper.SetDefault("Timeouts.PageFetch.ScheduleToStart", "120s")
	viper.SetDefault("Timeouts.PageFetch.Heartbeat", "120s")
	viper.SetDefault("Timeouts.Activity.StartToClose", "10m")
	viper.SetDefault("Timeouts.Activity.ScheduleToClose", "15m")
	viper.SetDefault("Timeouts.Activity.ScheduleToStart", "2m")

	viper.SetDefault("Retry.InitialInterval", "1s")
	viper.SetDefault("Retry.BackoffCoefficient", 2.0)
	viper.SetDefault("Retry.MaximumInterval", "1m")
	viper.SetDefault("Retry.MaximumAttempts", 3)

	viper.SetDefault("Metrics.Enabled", true)
	viper.SetDefault("Metrics.Port", 9090)
	viper.SetDefault("Metrics.Path", "/metrics")
	viper.SetDefault("Metrics.Namespace", "cdcsync")

	viper.SetDefault("API.Enabled", false)
	viper.SetDefault("API.Host", defaults.API.Host)
	viper.SetDefault("API.Port", defaults.API.Port)

	viper.SetDefault("Logging.Level", "info")
	viper.SetDefault("Logging.Format", "json")
	viper.SetDefault("Logging.Output", "stdout")

	viper.SetDefault("Telemetry.Enabled", true)
	viper.SetDefault("Telemetry.ServiceName", "cdcsync")
	viper.SetDefault("Telemetry.ServiceVersion", "1.0.0")
	viper.SetDefault("Telemetry.Environment", "development")
	viper.SetDefault("Telemetry.MetricsEnabled", true)
	viper.SetDefault("Telemetry.TracingEnabled", true)
	viper.SetDefault("Telemetry.TraceSampleRate", 0.1)

	viper.SetConfigName("cdcsync.conf")
	viper.AddConfigPath("/etc/cdcsync/")
	viper.AddConfigPath("$HOME/.cdcsync")
	viper.AddConfigPath("./conf")
	if err := viper.ReadInConfig(); err != nil {
		log.Warn().Err(err).Msg("no config file found, using defaults")
	} else {
		viper.WatchConfig()
		viper.OnConfigChange(reloadConfig)
	}

	cfg := DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		log.Error().Err(err).Msg("unable to decode into struct")
	}

	ConfigureLogging(cfg.Logging)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Debug().Msgf("configuration loaded: %+v", cfg)
	return cfg
}

// ConfigureLogging applies the level and format to the global zerolog logger
func ConfigureLogging(cfg LoggingConfig) {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	out := os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	if cfg.Format == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
	} else {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	}
}

func reloadConfig(e fsnotify.Event) {
	log.Info().Msgf("Config file changed: %v", e.Name)
	cfg := DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		log.Error().Err(err).Msg("unable to decode into struct")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("reloaded configuration is invalid, keeping previous")
		return
	}
	// only logging is applied live; everything else is read at start
	ConfigureLogging(cfg.Logging)
}

package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "CDCSYNC_"

// Loader handles configuration loading and validation
type Loader struct {
	validator *validator.Validate
}

// LoaderOptions represents options for the configuration loader
type LoaderOptions struct {
	// Environment variables prefix (e.g., "CDCSYNC_")
	EnvPrefix string
	// Default configuration file paths to search
	DefaultPaths []string
	// Whether to require configuration file to exist
	RequireFile bool
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(),
	}
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("filename cannot be empty")
	}

	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", filename, err)
	}
	defer file.Close()

	return l.loadFromReader(file, filepath.Ext(filename))
}

func (l *Loader) loadFromReader(reader io.Reader, fileExt string) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}

	// Start with default config to ensure all defaults are set
	config := DefaultConfig()

	switch strings.ToLower(fileExt) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", fileExt)
	}

	return config, nil
}

// Load loads configuration using the specified options
func (l *Loader) Load(opts LoaderOptions) (*Config, error) {
	var config *Config
	var err error

	if configFile := os.Getenv(opts.EnvPrefix + "CONFIG_FILE"); configFile != "" {
		config, err = l.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from env var specified file %s: %w", configFile, err)
		}
	} else {
		for _, path := range opts.DefaultPaths {
			if _, err := os.Stat(path); err == nil {
				config, err = l.LoadFromFile(path)
				if err != nil {
					return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
				}
				break
			}
		}

		if config == nil && opts.RequireFile {
			return nil, fmt.Errorf("no configuration file found in paths: %v", opts.DefaultPaths)
		}

		if config == nil {
			config = DefaultConfig()
		}
	}

	if err := l.loadFromEnvironment(config, opts.EnvPrefix); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := l.Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration using struct tags and custom rules
func (l *Loader) Validate(config *Config) error {
	if err := l.validator.Struct(config); err != nil {
		return l.formatValidationErrors(err)
	}

	return config.Validate()
}

// loadFromEnvironment loads configuration values from environment variables
func (l *Loader) loadFromEnvironment(config *Config, prefix string) error {
	if v := os.Getenv(prefix + "LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv(prefix + "LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}

	if v := os.Getenv(prefix + "STORE_BACKEND"); v != "" {
		config.Engine.StoreBackend = Backend(v)
	}
	if v := os.Getenv(prefix + "CACHE_BACKEND"); v != "" {
		config.Engine.CacheBackend = Backend(v)
	}
	if v := os.Getenv(prefix + "POSTGRES_DSN"); v != "" {
		config.Postgres.DSN = v
	}
	if v := os.Getenv(prefix + "REDIS_ADDR"); v != "" {
		config.Redis.Addr = v
	}
	if v := os.Getenv(prefix + "REDIS_PASSWORD"); v != "" {
		config.Redis.Password = v
	}
	if v := os.Getenv(prefix + "SIGNATURE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sSIGNATURE_TTL: %w", prefix, err)
		}
		config.Engine.SignatureTTL = ttl
	}

	if v := os.Getenv(prefix + "ENGINE_QUEUE"); v != "" {
		config.Workers.EngineQueue = v
	}
	if v := os.Getenv(prefix + "WORKER_QUEUES"); v != "" {
		config.Workers.Queues = splitList(v)
	}
	if v := os.Getenv(prefix + "MAX_CONCURRENT_ACTIVITIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_CONCURRENT_ACTIVITIES: %w", prefix, err)
		}
		config.Workers.MaxConcurrentActivities = n
	}

	if v := os.Getenv(prefix + "METRICS_ENABLED"); v != "" {
		config.Metrics.Enabled = strings.ToLower(v) == "true"
	}
	if v := os.Getenv(prefix + "METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Metrics.Port = port
		}
	}

	l.loadConnectorEnvironmentVariables(config, prefix)

	return nil
}

// loadConnectorEnvironmentVariables loads source and destination endpoints from environment
func (l *Loader) loadConnectorEnvironmentVariables(config *Config, prefix string) {
	if v := os.Getenv(prefix + "MYSQL_DSN"); v != "" {
		config.Sources.MySQL.DSN = v
	}
	if v := os.Getenv(prefix + "MONGODB_URI"); v != "" {
		config.Sources.Mongo.URI = v
	}
	if v := os.Getenv(prefix + "MONGODB_DATABASE"); v != "" {
		config.Sources.Mongo.Database = v
	}
	if v := os.Getenv(prefix + "KAFKA_BROKERS"); v != "" {
		config.Destinations.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv(prefix + "ELASTIC_ADDRESSES"); v != "" {
		config.Destinations.Elastic.Addresses = splitList(v)
	}
	if v := os.Getenv(prefix + "TARGET_MYSQL_DSN"); v != "" {
		config.Destinations.MySQL.DSN = v
	}
	if v := os.Getenv(prefix + "TARGET_MONGODB_URI"); v != "" {
		config.Destinations.Mongo.URI = v
	}
	if v := os.Getenv(prefix + "TARGET_MONGODB_DATABASE"); v != "" {
		config.Destinations.Mongo.Database = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// formatValidationErrors formats validator errors into a readable format
func (l *Loader) formatValidationErrors(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var messages []string
		for _, validationError := range validationErrors {
			messages = append(messages, fmt.Sprintf(
				"field '%s' failed validation: %s",
				validationError.Namespace(),
				validationError.Tag(),
			))
		}
		return fmt.Errorf("validation errors: %s", strings.Join(messages, "; "))
	}
	return err
}

// WriteFile writes config to filename, YAML or JSON by extension. The file
// is replaced atomically so a watcher never reads a partial document.
func (l *Loader) WriteFile(config *Config, filename string) error {
	if filename == "" {
		return fmt.Errorf("filename cannot be empty")
	}

	var (
		data []byte
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filename), ".cdcsync-*")
	if err != nil {
		return fmt.Errorf("create config file %s: %w", filename, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write config file %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filename)
}

package config

import (
	"fmt"
)

// ValidateConfig validates the entire configuration
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := ValidateEngineConfig(cfg); err != nil {
		return fmt.Errorf("engine config validation failed: %w", err)
	}

	if err := ValidateTimeoutsConfig(&cfg.Timeouts); err != nil {
		return fmt.Errorf("timeouts config validation failed: %w", err)
	}

	if err := ValidateRetryConfig(&cfg.Retry); err != nil {
		return fmt.Errorf("retry config validation failed: %w", err)
	}

	if err := ValidateTaskQueues(cfg.TaskQueues); err != nil {
		return fmt.Errorf("task queue routing validation failed: %w", err)
	}

	return nil
}

// ValidateEngineConfig validates backend selection and its connection settings
func ValidateEngineConfig(cfg *Config) error {
	switch cfg.Engine.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if cfg.Postgres.DSN == "" {
			return fmt.Errorf("postgres dsn is required for the postgres store backend")
		}
	default:
		return fmt.Errorf("unsupported store backend: %s", cfg.Engine.StoreBackend)
	}

	switch cfg.Engine.CacheBackend {
	case BackendMemory:
	case BackendRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("unsupported cache backend: %s", cfg.Engine.CacheBackend)
	}

	if cfg.Engine.SignatureTTL <= 0 {
		return fmt.Errorf("signature ttl must be positive")
	}
	if cfg.Engine.DeletionBatchSize <= 0 {
		return fmt.Errorf("deletion batch size must be positive")
	}

	return nil
}

// ValidateTimeoutTier validates one execution/run/task triple
func ValidateTimeoutTier(name string, tier TimeoutTier) error {
	if tier.Execution <= 0 {
		return fmt.Errorf("%s execution timeout must be positive", name)
	}
	if tier.Run <= 0 {
		return fmt.Errorf("%s run timeout must be positive", name)
	}
	if tier.Run > tier.Execution {
		return fmt.Errorf("%s run timeout %s exceeds execution timeout %s", name, tier.Run, tier.Execution)
	}
	if tier.Task < 0 {
		return fmt.Errorf("%s task timeout cannot be negative", name)
	}
	return nil
}

// ValidateActivityTimeouts validates the timeouts of one activity kind
func ValidateActivityTimeouts(name string, t ActivityTimeouts) error {
	if t.StartToClose <= 0 {
		return fmt.Errorf("%s start-to-close timeout must be positive", name)
	}
	if t.ScheduleToClose > 0 && t.ScheduleToClose < t.StartToClose {
		return fmt.Errorf("%s schedule-to-close timeout is shorter than start-to-close", name)
	}
	if t.ScheduleToStart < 0 || t.Heartbeat < 0 {
		return fmt.Errorf("%s timeouts cannot be negative", name)
	}
	return nil
}

// ValidateTimeoutsConfig validates the whole timeout table
func ValidateTimeoutsConfig(cfg *TimeoutsConfig) error {
	if cfg == nil {
		return fmt.Errorf("timeouts config cannot be nil")
	}

	tiers := []struct {
		name string
		tier TimeoutTier
	}{
		{"connection", cfg.Connection},
		{"extraction", cfg.Extraction},
		{"load", cfg.Load},
	}
	for _, t := range tiers {
		if err := ValidateTimeoutTier(t.name, t.tier); err != nil {
			return err
		}
	}

	if err := ValidateActivityTimeouts("page fetch", cfg.PageFetch); err != nil {
		return err
	}
	return ValidateActivityTimeouts("activity", cfg.Activity)
}

// ValidateRetryConfig validates the activity retry policy
func ValidateRetryConfig(cfg *RetryConfig) error {
	if cfg == nil {
		return fmt.Errorf("retry config cannot be nil")
	}

	if cfg.InitialInterval <= 0 {
		return fmt.Errorf("initial interval must be positive")
	}
	if cfg.BackoffCoefficient < 1 {
		return fmt.Errorf("backoff coefficient must be at least 1, got %v", cfg.BackoffCoefficient)
	}
	if cfg.MaximumAttempts < 1 {
		return fmt.Errorf("maximum attempts must be at least 1, got %d", cfg.MaximumAttempts)
	}
	if cfg.MaximumInterval > 0 && cfg.MaximumInterval < cfg.InitialInterval {
		return fmt.Errorf("maximum interval is shorter than initial interval")
	}

	return nil
}

// ValidateTaskQueues validates the language routing table
func ValidateTaskQueues(queues map[string]string) error {
	if len(queues) == 0 {
		return fmt.Errorf("task queue routing table cannot be empty")
	}

	if queues[DefaultLanguage] == "" {
		return fmt.Errorf("a queue for the default language %q is required", DefaultLanguage)
	}

	for language, queue := range queues {
		if language == "" {
			return fmt.Errorf("language cannot be empty")
		}
		if queue == "" {
			return fmt.Errorf("queue for language %s cannot be empty", language)
		}
	}

	return nil
}

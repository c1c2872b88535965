package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "mafa.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "MAFA_PORT")
	setString(&cfg.Server.CORSOrigin, "MAFA_CORS_ORIGIN")
	setString(&cfg.Server.APIToken, "MAFA_API_TOKEN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "MAFA_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "MAFA_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "MAFA_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "MAFA_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "MAFA_PG_HEALTH_CHECK")
	setString(&cfg.Bus.Backend, "MAFA_BUS_BACKEND")
	setInt(&cfg.Bus.QueueSize, "MAFA_BUS_QUEUE_SIZE")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Gemini.APIKey, "GOOGLE_API_KEY")
	setString(&cfg.Gemini.Model, "MAFA_GEMINI_MODEL")
	setDuration(&cfg.Gemini.Timeout, "MAFA_GEMINI_TIMEOUT")
	setString(&cfg.Logging.Level, "MAFA_LOG_LEVEL")
	setString(&cfg.Logging.Service, "MAFA_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "MAFA_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "MAFA_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "MAFA_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "MAFA_RATE_RPS")
	setInt(&cfg.Rate.Burst, "MAFA_RATE_BURST")
	setInt(&cfg.Memory.TopK, "MAFA_MEMORY_TOP_K")
	setDuration(&cfg.Pool.StartupTimeout, "MAFA_POOL_STARTUP_TIMEOUT")
	setDuration(&cfg.Pool.ShutdownGrace, "MAFA_POOL_SHUTDOWN_GRACE")
	setInt(&cfg.Pool.RestartMaxAttempts, "MAFA_POOL_RESTART_MAX_ATTEMPTS")
	setInt(&cfg.Dispatcher.MaxInFlight, "MAFA_DISPATCH_MAX_IN_FLIGHT")
	setDuration(&cfg.Dispatcher.CallTimeout, "MAFA_DISPATCH_CALL_TIMEOUT")
	setDuration(&cfg.Dispatcher.QueryBudget, "MAFA_DISPATCH_QUERY_BUDGET")
}

// validate rejects configurations that cannot work.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Bus.Backend {
	case "inproc", "nats":
	default:
		return fmt.Errorf("bus.backend must be inproc or nats, got %q", cfg.Bus.Backend)
	}
	if cfg.Bus.QueueSize < 1 {
		return errors.New("bus.queue_size must be positive")
	}
	if cfg.Dispatcher.MaxInFlight < 1 {
		return errors.New("dispatcher.max_in_flight must be positive")
	}
	if cfg.Dispatcher.CallTimeout <= 0 {
		return errors.New("dispatcher.call_timeout must be positive")
	}
	if cfg.Dispatcher.QueryBudget < cfg.Dispatcher.CallTimeout {
		return errors.New("dispatcher.query_budget must be at least call_timeout")
	}
	if cfg.Pool.RestartMaxAttempts < 0 {
		return errors.New("pool.restart_max_attempts must not be negative")
	}
	for name, w := range cfg.Workers {
		if len(w.Command) == 0 {
			return fmt.Errorf("workers.%s: command is required", name)
		}
	}
	return nil
}

// --- env overlay helpers ---

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Package config loads Kestrel configuration from TOML, YAML or JSON files
// and KESTREL_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Load reads path, applies environment overrides and validates the result.
// A missing file yields the tier defaults. An empty path skips the file.
func Load(path string) (*domain.Config, error) {
	cfg, err := loadFile(path)
	if err != nil {
		return nil, err
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns DefaultConfig, or ProConfig when KESTREL_TIER=pro.
func Defaults() *domain.Config {
	if domain.Tier(os.Getenv("KESTREL_TIER")) == domain.TierPro {
		return domain.ProConfig()
	}
	return domain.DefaultConfig()
}

func loadFile(path string) (*domain.Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	// A file that lists alert rules replaces the defaults instead of merging into them.
	cfg.Alerts.Rules = nil

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if cfg.Alerts.Rules == nil {
		cfg.Alerts.Rules = domain.DefaultAlertRules()
	}
	return cfg, nil
}

// ApplyEnvOverrides applies KESTREL_* environment variables to cfg.
func ApplyEnvOverrides(cfg *domain.Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, v)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidConfig, key, v)
		}
		*dst = b
		return nil
	}

	// Scoring
	str("KESTREL_MODEL_PATH", &cfg.Scoring.ModelPath)
	if err := flag("KESTREL_SCORING_ENABLED", &cfg.Scoring.Enabled); err != nil {
		return err
	}
	if err := flag("KESTREL_CONSUME_INGESTED", &cfg.Scoring.ConsumeIngested); err != nil {
		return err
	}

	// Repository
	str("KESTREL_DB_DRIVER", &cfg.Repository.Driver)
	str("KESTREL_SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("KESTREL_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	str("KESTREL_POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("KESTREL_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("KESTREL_POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("KESTREL_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)
	if err := num("KESTREL_POSTGRES_PORT", &cfg.Repository.PostgresPort); err != nil {
		return err
	}

	// Cache
	str("KESTREL_CACHE_TYPE", &cfg.Cache.Type)
	str("KESTREL_REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("KESTREL_REDIS_PASSWORD", &cfg.Cache.RedisPassword)

	// Event bus
	str("KESTREL_BUS_TYPE", &cfg.EventBus.Type)
	str("KESTREL_NAMESPACE", &cfg.EventBus.Namespace)
	str("KESTREL_NATS_URL", &cfg.EventBus.NATSUrl)
	str("KESTREL_NATS_TOKEN", &cfg.EventBus.NATSToken)
	str("KESTREL_NATS_QUEUE_GROUP", &cfg.EventBus.NATSQueueGroup)

	// Server
	str("KESTREL_HOST", &cfg.Server.Host)
	if err := num("KESTREL_PORT", &cfg.Server.Port); err != nil {
		return err
	}

	// Logging and tracing
	str("KESTREL_LOG_LEVEL", &cfg.Logging.Level)
	str("KESTREL_LOG_FORMAT", &cfg.Logging.Format)
	if os.Getenv("KESTREL_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	if err := flag("KESTREL_TRACING_ENABLED", &cfg.Tracing.Enabled); err != nil {
		return err
	}

	return nil
}

// Validate rejects unknown backends, impossible ports and an enabled scorer
// without a bundle path.
func Validate(cfg *domain.Config) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		bad("unknown repository driver %q", cfg.Repository.Driver)
	}

	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		bad("unknown cache type %q", cfg.Cache.Type)
	}
	if cfg.Cache.Type == "redis" && cfg.Cache.RedisAddr == "" {
		bad("cache.redis_addr is required for redis")
	}

	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		bad("unknown event bus type %q", cfg.EventBus.Type)
	}
	if cfg.EventBus.Namespace == "" {
		bad("event_bus.namespace is required")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		bad("server.port %d out of range", cfg.Server.Port)
	}

	if cfg.Scoring.Enabled && cfg.Scoring.ModelPath == "" {
		bad("scoring.model_path is required when scoring is enabled")
	}

	seen := make(map[string]struct{})
	for i, r := range cfg.Alerts.Rules {
		if r == nil || r.ID == "" {
			bad("alerts.rules[%d] has no id", i)
			continue
		}
		if _, dup := seen[r.ID]; dup {
			bad("duplicate alert rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "", "json", "text":
	default:
		bad("unknown logging format %q", cfg.Logging.Format)
	}

	return errors.Join(errs...)
}

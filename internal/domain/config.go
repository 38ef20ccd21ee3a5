package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" toml:"server" yaml:"server"`

	// Tier determines which backing services are used
	Tier Tier `json:"tier" toml:"tier" yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" toml:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" toml:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" toml:"event_bus" yaml:"event_bus"`

	// Anomaly scoring
	Scoring ScoringConfig `json:"scoring" toml:"scoring" yaml:"scoring"`
	Alerts  AlertsConfig  `json:"alerts" toml:"alerts" yaml:"alerts"`

	// Observability
	Logging LoggingConfig `json:"logging" toml:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" toml:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" toml:"host" yaml:"host"`
	Port         int    `json:"port" toml:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" toml:"read_timeout" yaml:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" toml:"write_timeout" yaml:"write_timeout"` // seconds
}

// ScoringConfig controls the background anomaly scorer.
type ScoringConfig struct {
	// Enabled turns EnqueueIDs into a no-op when false.
	Enabled bool `json:"enabled" toml:"enabled" yaml:"enabled"`

	// ModelPath is the filesystem path of the serialized pipeline bundle.
	ModelPath string `json:"modelPath" toml:"model_path" yaml:"model_path"`

	// ConsumeIngested subscribes to TopicTransactionsIngested on the event bus.
	ConsumeIngested bool `json:"consumeIngested" toml:"consume_ingested" yaml:"consume_ingested"`
}

// AlertsConfig holds the CEL alert policy.
type AlertsConfig struct {
	Rules []*AlertRule `json:"rules" toml:"rules" yaml:"rules"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" toml:"level" yaml:"level"`    // debug, info, warn, error
	Format string `json:"format" toml:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" toml:"service_name" yaml:"service_name"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process LRU
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default single-process configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			RollupTTL:    time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			Namespace:         "default",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			Enabled:   true,
			ModelPath: "./fraud_model.json",
		},
		Alerts: AlertsConfig{
			Rules: DefaultAlertRules(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       30 * time.Second,
		RollupTTL:      time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		Namespace:         "default",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Scoring.ConsumeIngested = true
	cfg.Tracing.Enabled = true
	return cfg
}

package domain

import "time"

// Config holds the complete Merlin configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines infrastructure defaults
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Fraud scoring parameters, injected read-only into the pipeline
	Fraud FraudConfig `json:"fraud"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// FraudConfig holds the scoring weights, thresholds, and rule parameters.
type FraudConfig struct {
	Scoring    ScoringWeights  `json:"scoring"`
	Thresholds RiskThresholds  `json:"thresholds"`
	Rules      RuleParameters  `json:"rules"`
	ML         MLServiceConfig `json:"ml"`
}

// ScoringWeights blend the three signal sources into the final score.
type ScoringWeights struct {
	RuleWeight        float64 `json:"ruleWeight"`
	StatisticalWeight float64 `json:"statisticalWeight"`
	MLWeight          float64 `json:"mlWeight"`
}

// RiskThresholds separate APPROVED / MONITOR / FLAGGED.
type RiskThresholds struct {
	SoftFlag float64 `json:"softFlag"`
	HardFlag float64 `json:"hardFlag"`
}

// RuleParameters tune the builtin fraud rules.
type RuleParameters struct {
	VelocityThreshold         int     `json:"velocityThreshold"`
	VelocityWindowMinutes     int     `json:"velocityWindowMinutes"`
	AmountAnomalyStdDev       float64 `json:"amountAnomalyStdDev"`
	GeographicTimeWindowHours int     `json:"geographicTimeWindowHours"`
}

// MLServiceConfig points at the external scoring service.
// An empty ServiceURL disables the ML signal entirely; the aggregator then
// renormalizes over the rule and statistical weights.
type MLServiceConfig struct {
	ServiceURL     string `json:"serviceUrl"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultFraudConfig returns the default scoring parameters.
func DefaultFraudConfig() FraudConfig {
	return FraudConfig{
		Scoring: ScoringWeights{
			RuleWeight:        0.5,
			StatisticalWeight: 0.3,
			MLWeight:          0.2,
		},
		Thresholds: RiskThresholds{
			SoftFlag: 50.0,
			HardFlag: 80.0,
		},
		Rules: RuleParameters{
			VelocityThreshold:         3,
			VelocityWindowMinutes:     5,
			AmountAnomalyStdDev:       3.0,
			GeographicTimeWindowHours: 2,
		},
		ML: MLServiceConfig{
			ServiceURL:     "http://localhost:8000",
			TimeoutSeconds: 5,
		},
	}
}

// DefaultConfig returns a default configuration for Community tier.
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
			SQLitePath: "./merlin.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Fraud: DefaultFraudConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "merlin",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "merlin",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

package domain

import "time"

// Config holds the complete Harrier configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines which backing services are used
	Tier Tier `json:"tier" yaml:"tier"`

	// Engine holds the rule engine settings
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// Strategy selects how resource conflicts between matched rules are resolved.
type Strategy string

const (
	// StrategyHighestPriority keeps the action of the highest-priority rule.
	StrategyHighestPriority Strategy = "highest-priority"

	// StrategyFirstMatch keeps the action of the first rule in registration order.
	StrategyFirstMatch Strategy = "first-match"

	// StrategyMerge executes every conflicting action in priority order.
	StrategyMerge Strategy = "merge"
)

// Normalize maps aliases and unknown values onto a supported strategy.
// Anything unrecognised falls back to StrategyHighestPriority.
func (s Strategy) Normalize() Strategy {
	switch s {
	case StrategyHighestPriority, StrategyFirstMatch, StrategyMerge:
		return s
	case "priority":
		return StrategyHighestPriority
	case "sequential":
		return StrategyMerge
	default:
		return StrategyHighestPriority
	}
}

// EngineConfig holds the rule engine settings. It is mutable at runtime
// through a partial merge (ConfigPatch).
type EngineConfig struct {
	MaxHistorySize             int           `json:"maxHistorySize" yaml:"maxHistorySize"`
	EvaluationTimeout          time.Duration `json:"evaluationTimeout" yaml:"evaluationTimeout"` // bounds a whole evaluate pass
	ExecutionTimeout           time.Duration `json:"executionTimeout" yaml:"executionTimeout"`   // bounds each action dispatch
	ConflictResolutionStrategy Strategy      `json:"conflictResolutionStrategy" yaml:"conflictResolutionStrategy"`
	EnableStatistics           bool          `json:"enableStatistics" yaml:"enableStatistics"`
	EnableRollback             bool          `json:"enableRollback" yaml:"enableRollback"`
	MaxWorkers                 int           `json:"maxWorkers" yaml:"maxWorkers"`
	AllowOverwrite             bool          `json:"allowOverwrite" yaml:"allowOverwrite"`
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxHistorySize:             1000,
		EvaluationTimeout:          5 * time.Second,
		ExecutionTimeout:           10 * time.Second,
		ConflictResolutionStrategy: StrategyHighestPriority,
		EnableStatistics:           true,
		EnableRollback:             true,
		MaxWorkers:                 10,
	}
}

// ConfigPatch is a partial engine configuration. Nil fields are left unchanged.
type ConfigPatch struct {
	MaxHistorySize             *int           `json:"maxHistorySize,omitempty"`
	EvaluationTimeout          *time.Duration `json:"evaluationTimeout,omitempty"`
	ExecutionTimeout           *time.Duration `json:"executionTimeout,omitempty"`
	ConflictResolutionStrategy *Strategy      `json:"conflictResolutionStrategy,omitempty"`
	EnableStatistics           *bool          `json:"enableStatistics,omitempty"`
	EnableRollback             *bool          `json:"enableRollback,omitempty"`
	MaxWorkers                 *int           `json:"maxWorkers,omitempty"`
	AllowOverwrite             *bool          `json:"allowOverwrite,omitempty"`
}

// Apply merges the patch into cfg and returns the result.
func (p ConfigPatch) Apply(cfg EngineConfig) EngineConfig {
	if p.MaxHistorySize != nil {
		cfg.MaxHistorySize = *p.MaxHistorySize
	}
	if p.EvaluationTimeout != nil {
		cfg.EvaluationTimeout = *p.EvaluationTimeout
	}
	if p.ExecutionTimeout != nil {
		cfg.ExecutionTimeout = *p.ExecutionTimeout
	}
	if p.ConflictResolutionStrategy != nil {
		cfg.ConflictResolutionStrategy = *p.ConflictResolutionStrategy
	}
	if p.EnableStatistics != nil {
		cfg.EnableStatistics = *p.EnableStatistics
	}
	if p.EnableRollback != nil {
		cfg.EnableRollback = *p.EnableRollback
	}
	if p.MaxWorkers != nil {
		cfg.MaxWorkers = *p.MaxWorkers
	}
	if p.AllowOverwrite != nil {
		cfg.AllowOverwrite = *p.AllowOverwrite
	}
	return cfg
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs fully in-process: SQLite + channels + LRU
	TierCommunity Tier = "community"

	// TierPro uses PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier:   TierCommunity,
		Engine: DefaultEngineConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./harrier.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			Namespace:    "harrier",
			LocalMaxSize: 10000,
			LocalTTL:     30 * time.Second,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			Namespace:         "default",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "harrier",
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
		PostgresDB:   "harrier",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		Namespace:      "harrier",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       30 * time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		Namespace:         "default",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

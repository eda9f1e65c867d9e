package domain

import "time"

// Config holds the complete ipsim configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines which backends are used
	Tier Tier `json:"tier" yaml:"tier"`

	// Simulation holds caller-side ranges and defaults
	Simulation SimulationConfig `json:"simulation" yaml:"simulation"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"eventBus"`

	// AsyncWorker starts the scan worker on the event bus
	AsyncWorker bool `json:"asyncWorker" yaml:"asyncWorker"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"readTimeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"writeTimeout"` // seconds
}

// SimulationConfig holds the dashboard conventions that constrain inputs
// accepted over the API. The simulation core itself accepts any valid
// domain value.
type SimulationConfig struct {
	PresetSizes []int `json:"presetSizes" yaml:"presetSizes"`
	MaxSeed     int64 `json:"maxSeed" yaml:"maxSeed"`

	VoPMin   float64 `json:"vopMin" yaml:"vopMin"`
	VoPMax   float64 `json:"vopMax" yaml:"vopMax"`
	FraudMin float64 `json:"fraudMin" yaml:"fraudMin"`
	FraudMax float64 `json:"fraudMax" yaml:"fraudMax"`

	DefaultN              int     `json:"defaultN" yaml:"defaultN"`
	DefaultSeed           int64   `json:"defaultSeed" yaml:"defaultSeed"`
	DefaultVoPThreshold   float64 `json:"defaultVopThreshold" yaml:"defaultVopThreshold"`
	DefaultFraudThreshold float64 `json:"defaultFraudThreshold" yaml:"defaultFraudThreshold"`

	// MaxGridPoints bounds the length of a caller-supplied scan grid
	MaxGridPoints int `json:"maxGridPoints" yaml:"maxGridPoints"`

	// EnforcePresets rejects sizes and thresholds outside the ranges above
	EnforcePresets bool `json:"enforcePresets" yaml:"enforcePresets"`

	// GeneratorWorkers bounds generation goroutines (0 = GOMAXPROCS)
	GeneratorWorkers int `json:"generatorWorkers" yaml:"generatorWorkers"`

	// PopulationCacheSize is the number of (n, seed) populations kept in memory
	PopulationCacheSize int `json:"populationCacheSize" yaml:"populationCacheSize"`

	// ResultTTL is how long computed KPI results stay in the result cache
	ResultTTL time.Duration `json:"resultTtl" yaml:"resultTtl"`
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
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultSimulationConfig returns the dashboard's slider ranges and defaults.
func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		PresetSizes:           []int{5_000, 20_000, 50_000, 100_000},
		MaxSeed:               999_999,
		VoPMin:                0.50,
		VoPMax:                0.95,
		FraudMin:              0.20,
		FraudMax:              0.90,
		DefaultN:              20_000,
		DefaultSeed:           42,
		DefaultVoPThreshold:   0.80,
		DefaultFraudThreshold: 0.50,
		MaxGridPoints:         101,
		EnforcePresets:        true,
		PopulationCacheSize:   4,
		ResultTTL:             10 * time.Minute,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 60,
		},
		Tier:       TierCommunity,
		Simulation: DefaultSimulationConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./ipsim.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     10 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			QueueGroup:        "ipsim-workers",
			ChannelBufferSize: 100,
		},
		AsyncWorker: true,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "ipsim",
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
		PostgresDB:   "ipsim",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		QueueGroup:        "ipsim-workers",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 2,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

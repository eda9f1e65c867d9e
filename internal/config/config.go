// Package config assembles the runtime configuration from defaults, an
// optional YAML file and IPSIM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/opensource-finance/ipsim/internal/domain"
	"gopkg.in/yaml.v3"
)

// Environment variables recognised by Load.
const (
	EnvConfigFile  = "IPSIM_CONFIG"
	EnvTier        = "IPSIM_TIER"
	EnvDebug       = "IPSIM_DEBUG"
	EnvPort        = "IPSIM_PORT"
	EnvSQLitePath  = "IPSIM_SQLITE_PATH"
	EnvDatabaseURL = "IPSIM_DATABASE_URL"
	EnvRedisAddr   = "IPSIM_REDIS_ADDR"
	EnvNATSUrl     = "IPSIM_NATS_URL"
	EnvAsyncWorker = "IPSIM_ASYNC_WORKER"
)

// Load builds the configuration. The tier picks the base defaults, the file
// named by IPSIM_CONFIG (if any) is layered on top, then single-value
// environment overrides are applied.
func Load(getenv func(string) string) (*domain.Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := domain.DefaultConfig()
	if getenv(EnvTier) == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}

	if path := getenv(EnvConfigFile); path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML document at path onto cfg. Fields absent from
// the file keep their current values.
func LoadFile(path string, cfg *domain.Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *domain.Config, getenv func(string) string) error {
	if getenv(EnvDebug) == "true" {
		cfg.Logging.Level = "debug"
	}

	if v := getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Server.Port = port
	}

	if v := getenv(EnvSQLitePath); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := getenv(EnvDatabaseURL); v != "" {
		cfg.Repository.PostgresURL = v
	}
	if v := getenv(EnvRedisAddr); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := getenv(EnvNATSUrl); v != "" {
		cfg.EventBus.NATSUrl = v
	}

	if v := getenv(EnvAsyncWorker); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAsyncWorker, err)
		}
		cfg.AsyncWorker = enabled
	}

	return nil
}

// Validate rejects configurations the server cannot start with.
func Validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	sc := cfg.Simulation
	if len(sc.PresetSizes) == 0 {
		return fmt.Errorf("simulation.presetSizes must not be empty")
	}
	for _, n := range sc.PresetSizes {
		if n <= 0 {
			return fmt.Errorf("simulation.presetSizes contains non-positive size %d", n)
		}
	}
	if sc.MaxSeed < 0 {
		return fmt.Errorf("simulation.maxSeed must be non-negative")
	}
	if !validRange(sc.VoPMin, sc.VoPMax) {
		return fmt.Errorf("simulation vop range [%v, %v] must lie within [0,1]", sc.VoPMin, sc.VoPMax)
	}
	if !validRange(sc.FraudMin, sc.FraudMax) {
		return fmt.Errorf("simulation fraud range [%v, %v] must lie within [0,1]", sc.FraudMin, sc.FraudMax)
	}
	if sc.DefaultN <= 0 {
		return fmt.Errorf("simulation.defaultN must be positive")
	}
	if sc.MaxGridPoints <= 0 {
		return fmt.Errorf("simulation.maxGridPoints must be positive")
	}
	if sc.PopulationCacheSize <= 0 {
		return fmt.Errorf("simulation.populationCacheSize must be positive")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %s", cfg.Logging.Level)
	}

	return nil
}

func validRange(lo, hi float64) bool {
	return lo >= 0 && hi <= 1 && lo <= hi
}

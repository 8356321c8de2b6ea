// Package config loads service configuration from the environment and holds
// the per-market liquidation policy, overridable at runtime without restart.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config is the process configuration.
type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Engine   EngineConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"risk-engine"`
	Port     string `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// AllowedOrigins restricts event stream upgrades; empty allows any origin.
	AllowedOrigins []string `envconfig:"WS_ALLOWED_ORIGINS"`
}

type PostgresConfig struct {
	// URL empty selects the in-memory store.
	URL string `envconfig:"DATABASE_URL"`
}

type RedisConfig struct {
	URL      string        `envconfig:"REDIS_URL"`
	CacheTTL time.Duration `envconfig:"REDIS_CACHE_TTL" default:"30s"`
}

type KafkaConfig struct {
	Brokers     []string `envconfig:"KAFKA_BROKERS"`
	EventsTopic string   `envconfig:"KAFKA_EVENTS_TOPIC" default:"risk.events"`
	PricesTopic string   `envconfig:"KAFKA_PRICES_TOPIC" default:"risk.mark-prices"`
	GroupID     string   `envconfig:"KAFKA_GROUP_ID" default:"risk-engine"`
}

type EngineConfig struct {
	// ScoringWorkers bounds per-market parallel scoring.
	ScoringWorkers int `envconfig:"ENGINE_SCORING_WORKERS" default:"8"`
	// ManualCyclesPerMinute throttles POST /cycles.
	ManualCyclesPerMinute int `envconfig:"ENGINE_MANUAL_CYCLES_PER_MINUTE" default:"60"`
	// Markets lists the markets the engine manages at startup.
	Markets []string `envconfig:"ENGINE_MARKETS"`
	// Correlations is "A|B=0.8,A|C=0.5" pairwise coefficients.
	Correlations string `envconfig:"ENGINE_CORRELATIONS"`
	// DefaultCorrelation applies to markets sharing a base asset.
	DefaultCorrelation float64 `envconfig:"ENGINE_DEFAULT_CORRELATION" default:"0.5"`
	// MaxPositionsPerCycle bounds orders per market per cycle; 0 is unbounded.
	MaxPositionsPerCycle int `envconfig:"ENGINE_MAX_POSITIONS_PER_CYCLE" default:"0"`
	// KeeperRewardBudget caps keeper rewards per market per cycle; zero
	// leaves only the reward pool as the cap.
	KeeperRewardBudget decimal.Decimal `envconfig:"ENGINE_KEEPER_REWARD_BUDGET" default:"0"`
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: process env: %w", err)
	}
	if cfg.Engine.ScoringWorkers < 1 {
		cfg.Engine.ScoringWorkers = 1
	}
	if cfg.Engine.ManualCyclesPerMinute < 1 {
		cfg.Engine.ManualCyclesPerMinute = 1
	}
	return &cfg, nil
}

// Package config loads the registry configuration from YAML with
// environment overrides for deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/verdant-network/carbon-registry/pkg/logger"
)

// Config is the root registry configuration.
type Config struct {
	Owner     string               `yaml:"owner"`
	Server    ServerConfig         `yaml:"server"`
	Logging   logger.LoggingConfig `yaml:"logging"`
	Database  DatabaseConfig       `yaml:"database"`
	Market    MarketConfig         `yaml:"market"`
	Staking   StakingConfig        `yaml:"staking"`
	Issuance  IssuanceConfig       `yaml:"issuance"`
	Validator ValidatorConfig      `yaml:"validator"`
	Events    EventsConfig         `yaml:"events"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AdminToken      string        `yaml:"admin_token"`
}

// Addr returns the server listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig configures the persistence backend. Driver "memory" runs
// the in-process store; "postgres" uses DSN.
type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// MarketConfig configures the marketplace escrow engine.
type MarketConfig struct {
	EscrowAccount string `yaml:"escrow_account"`
	FeeRecipient  string `yaml:"fee_recipient"`
	FeeBps        int64  `yaml:"fee_bps"`
	SweepSchedule string `yaml:"sweep_schedule"`
}

// StakingConfig configures the staking yield ledger.
type StakingConfig struct {
	PoolAccount    string   `yaml:"pool_account"`
	YieldPerSecond int64    `yaml:"yield_per_second"`
	Distributors   []string `yaml:"distributors"`
}

// IssuanceConfig configures the issuance engine.
type IssuanceConfig struct {
	VerifierEndpoint string `yaml:"verifier_endpoint"`
}

// ValidatorConfig configures the validator registry.
type ValidatorConfig struct {
	BondAccount    string   `yaml:"bond_account"`
	RewardTreasury string   `yaml:"reward_treasury"`
	MinStake       int64    `yaml:"min_stake"`
	RewardPerProof int64    `yaml:"reward_per_proof"`
	Submitters     []string `yaml:"submitters"`
}

// EventsConfig configures the in-process event log.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// Default returns a configuration suitable for local development with the
// in-memory store.
func Default() *Config {
	return &Config{
		Owner: "registry-owner",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Database: DatabaseConfig{
			Driver:       "memory",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Market: MarketConfig{
			EscrowAccount: "market-escrow",
			FeeRecipient:  "fee-treasury",
			FeeBps:        250,
			SweepSchedule: "@every 1m",
		},
		Staking: StakingConfig{
			PoolAccount:    "staking-pool",
			YieldPerSecond: 0,
		},
		Validator: ValidatorConfig{
			BondAccount:    "validator-bond",
			RewardTreasury: "reward-treasury",
			MinStake:       1000,
			RewardPerProof: 10,
		},
		Events: EventsConfig{BufferSize: 1000},
	}
}

// Load reads the configuration file at path, falling back to defaults when
// path is empty, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints before the application wires
// anything.
func (c *Config) Validate() error {
	if c.Owner == "" {
		return fmt.Errorf("owner identity is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("postgres driver requires a dsn")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Market.FeeBps < 0 {
		return fmt.Errorf("market fee bps cannot be negative")
	}
	if c.Validator.MinStake <= 0 {
		return fmt.Errorf("validator min stake must be positive")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REGISTRY_OWNER"); v != "" {
		cfg.Owner = v
	}
	if v := os.Getenv("REGISTRY_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("REGISTRY_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("REGISTRY_ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := os.Getenv("REGISTRY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REGISTRY_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("REGISTRY_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("REGISTRY_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REGISTRY_MARKET_FEE_BPS"); v != "" {
		if bps, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Market.FeeBps = bps
		}
	}
	if v := os.Getenv("REGISTRY_STAKING_YIELD_PER_SECOND"); v != "" {
		if rate, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Staking.YieldPerSecond = rate
		}
	}
	if v := os.Getenv("REGISTRY_VALIDATOR_MIN_STAKE"); v != "" {
		if stake, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Validator.MinStake = stake
		}
	}
}

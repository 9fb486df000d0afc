// Package config loads the feed's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	// Addr serves /kline-ws, /klines and /health.
	Addr string `yaml:"addr"`
	// MetricsAddr serves /metrics separately.
	MetricsAddr string `yaml:"metrics_addr"`
}

// NetworkConfig describes one chain's RPC endpoints and target contract.
type NetworkConfig struct {
	WebsocketURLs   []string `yaml:"websocket_urls"`
	HTTPURLs        []string `yaml:"http_urls"`
	ContractAddress string   `yaml:"contract_address"`
}

type StorageConfig struct {
	// Backend selects the candle store: memory or postgres.
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// ClickHouseDSN, when set, mirrors completed candles for analytics.
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
}

type Config struct {
	Server         ServerConfig             `yaml:"server"`
	Networks       map[string]NetworkConfig `yaml:"networks"`
	EventSignature string                   `yaml:"event_signature"`
	Storage        StorageConfig            `yaml:"storage"`
	LogLevel       string                   `yaml:"log_level"`
}

const (
	defaultAddr        = ":8080"
	defaultMetricsAddr = ":9090"
	defaultEventSig    = "Trade(address,address,uint256,uint256,bool)"

	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Load reads and validates the config file. ${VAR} references in the
// file expand from the environment, which keeps DSN credentials out of
// the file itself.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{LogLevel: "info"}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = defaultAddr
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = defaultMetricsAddr
	}
	if c.EventSignature == "" {
		c.EventSignature = defaultEventSig
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
}

// Validate rejects configs the process cannot start with.
func (c *Config) Validate() error {
	if len(c.Networks) == 0 {
		return fmt.Errorf("config: at least one network is required")
	}
	for name, n := range c.Networks {
		if len(n.WebsocketURLs) == 0 && len(n.HTTPURLs) == 0 {
			return fmt.Errorf("config: network %q has no RPC URLs", name)
		}
		if n.ContractAddress == "" {
			return fmt.Errorf("config: network %q has no contract address", name)
		}
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: postgres backend needs postgres_dsn")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

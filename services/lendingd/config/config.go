package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"senja/crypto"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime settings for the lending daemon.
type Config struct {
	ListenAddress string           `yaml:"listen"`
	TLS           TLSConfig        `yaml:"tls"`
	DataDir       string           `yaml:"data_dir"`
	PoolsFile     string           `yaml:"pools"`
	Journal       JournalConfig    `yaml:"journal"`
	Oracle        OracleConfig     `yaml:"oracle"`
	Feeds         []Feed           `yaml:"feeds"`
	Keeper        KeeperConfig     `yaml:"keeper"`
	Settlement    SettlementConfig `yaml:"settlement"`
	Auth          AuthConfig       `yaml:"auth"`
	RateLimit     RateLimitConfig  `yaml:"rate_limit"`
	Logging       LoggingConfig    `yaml:"logging"`
	// Paused lists the actions disabled at boot, e.g. "borrow".
	Paused []string `yaml:"paused"`
}

// TLSConfig holds the HTTPS listener material. Plaintext listeners require
// AllowInsecure.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// Enabled reports whether a certificate is configured.
func (cfg TLSConfig) Enabled() bool {
	return cfg.CertPath != "" && cfg.KeyPath != ""
}

// JournalConfig selects the relational store for audit history.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// OracleConfig tunes the aggregation loop.
type OracleConfig struct {
	Interval Duration `yaml:"interval"`
	MaxAge   Duration `yaml:"max_age"`
	MinFeeds int      `yaml:"min_feeds"`
}

// Feed describes an upstream price source. Static feeds publish the fixed
// whole-unit prices in Prices.
type Feed struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint"`
	APIKey   string            `yaml:"api_key"`
	Assets   map[string]string `yaml:"assets"`
	Prices   map[string]uint64 `yaml:"prices"`
}

// KeeperConfig controls the liquidation scanner.
type KeeperConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Interval   Duration `yaml:"interval"`
	Liquidator string   `yaml:"liquidator"`
}

// SettlementConfig enables cross-chain borrows and inbound credits. ChainID
// names this deployment in the digests relayers sign.
type SettlementConfig struct {
	Enabled          bool     `yaml:"enabled"`
	ChainID          string   `yaml:"chain_id"`
	Relayers         []string `yaml:"relayers"`
	IntentTTL        Duration `yaml:"intent_ttl"`
	DispatchInterval Duration `yaml:"dispatch_interval"`
	Endpoint         string   `yaml:"endpoint"`
	Bearer           string   `yaml:"bearer"`
}

// AuthConfig configures bearer token verification for mutating routes.
type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	ClockSkew  Duration `yaml:"clock_skew"`
}

// RateLimitConfig bounds per-client request rates.
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Config{}, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7075"
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = "senja-data"
	}
	cfg.PoolsFile = strings.TrimSpace(cfg.PoolsFile)
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	cfg.TLS.ClientCAPath = strings.TrimSpace(cfg.TLS.ClientCAPath)

	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)

	if cfg.Oracle.Interval.Duration <= 0 {
		cfg.Oracle.Interval.Duration = 15 * time.Second
	}
	if cfg.Oracle.MaxAge.Duration <= 0 {
		cfg.Oracle.MaxAge.Duration = 2 * time.Minute
	}
	if cfg.Oracle.MinFeeds <= 0 {
		cfg.Oracle.MinFeeds = 1
	}
	for i := range cfg.Feeds {
		feed := &cfg.Feeds[i]
		feed.Name = strings.TrimSpace(feed.Name)
		feed.Type = strings.ToLower(strings.TrimSpace(feed.Type))
		if feed.Type == "" {
			feed.Type = "http"
		}
		feed.Endpoint = strings.TrimSpace(feed.Endpoint)
	}

	if cfg.Keeper.Interval.Duration <= 0 {
		cfg.Keeper.Interval.Duration = 10 * time.Second
	}
	cfg.Keeper.Liquidator = strings.TrimSpace(cfg.Keeper.Liquidator)

	relayers := make([]string, 0, len(cfg.Settlement.Relayers))
	for _, relayer := range cfg.Settlement.Relayers {
		if trimmed := strings.TrimSpace(relayer); trimmed != "" {
			relayers = append(relayers, trimmed)
		}
	}
	cfg.Settlement.Relayers = relayers
	cfg.Settlement.ChainID = strings.ToLower(strings.TrimSpace(cfg.Settlement.ChainID))
	if cfg.Settlement.IntentTTL.Duration <= 0 {
		cfg.Settlement.IntentTTL.Duration = time.Hour
	}
	if cfg.Settlement.DispatchInterval.Duration <= 0 {
		cfg.Settlement.DispatchInterval.Duration = 5 * time.Second
	}
	cfg.Settlement.Endpoint = strings.TrimSpace(cfg.Settlement.Endpoint)

	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	cfg.Auth.Audience = strings.TrimSpace(cfg.Auth.Audience)
	if cfg.Auth.ClockSkew.Duration <= 0 {
		cfg.Auth.ClockSkew.Duration = time.Minute
	}

	if cfg.RateLimit.RatePerSecond <= 0 {
		cfg.RateLimit.RatePerSecond = 20
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 40
	}

	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.File = strings.TrimSpace(cfg.Logging.File)

	paused := make([]string, 0, len(cfg.Paused))
	for _, action := range cfg.Paused {
		if trimmed := strings.ToLower(strings.TrimSpace(action)); trimmed != "" {
			paused = append(paused, trimmed)
		}
	}
	cfg.Paused = paused
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.PoolsFile == "" {
		return fmt.Errorf("pools file required")
	}
	if (cfg.TLS.CertPath == "") != (cfg.TLS.KeyPath == "") {
		return fmt.Errorf("tls: cert and key must be set together")
	}
	if cfg.TLS.ClientCAPath != "" && !cfg.TLS.Enabled() {
		return fmt.Errorf("tls: client_ca requires cert and key")
	}
	switch cfg.Journal.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Journal.DSN == "" {
			return fmt.Errorf("journal: postgres requires dsn")
		}
	default:
		return fmt.Errorf("journal: unsupported driver %q", cfg.Journal.Driver)
	}
	if len(cfg.Feeds) == 0 {
		return fmt.Errorf("at least one price feed must be configured")
	}
	if cfg.Oracle.MinFeeds > len(cfg.Feeds) {
		return fmt.Errorf("oracle: min_feeds %d exceeds %d configured feeds", cfg.Oracle.MinFeeds, len(cfg.Feeds))
	}
	seen := make(map[string]struct{}, len(cfg.Feeds))
	for i, feed := range cfg.Feeds {
		if feed.Name == "" {
			return fmt.Errorf("feeds[%d]: name required", i)
		}
		if _, dup := seen[feed.Name]; dup {
			return fmt.Errorf("feeds[%d]: duplicate name %q", i, feed.Name)
		}
		seen[feed.Name] = struct{}{}
		switch feed.Type {
		case "http":
			if feed.Endpoint == "" {
				return fmt.Errorf("feeds[%d]: endpoint required", i)
			}
		case "static":
			if len(feed.Prices) == 0 {
				return fmt.Errorf("feeds[%d]: static feed requires prices", i)
			}
		default:
			return fmt.Errorf("feeds[%d]: unsupported type %q", i, feed.Type)
		}
	}
	if cfg.Keeper.Enabled {
		if _, err := crypto.DecodeAddress(cfg.Keeper.Liquidator); err != nil {
			return fmt.Errorf("keeper: liquidator: %w", err)
		}
	}
	if cfg.Settlement.Enabled {
		if cfg.Settlement.ChainID == "" {
			return fmt.Errorf("settlement: chain_id required")
		}
		if len(cfg.Settlement.Relayers) == 0 {
			return fmt.Errorf("settlement: at least one relayer required")
		}
		if _, err := cfg.Settlement.RelayerAddresses(); err != nil {
			return fmt.Errorf("settlement: %w", err)
		}
	}
	if cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth: hmac_secret required")
	}
	return nil
}

// RelayerAddresses decodes the trusted relayer list.
func (cfg SettlementConfig) RelayerAddresses() ([]crypto.Address, error) {
	out := make([]crypto.Address, 0, len(cfg.Relayers))
	for _, raw := range cfg.Relayers {
		addr, err := crypto.DecodeAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("relayer %q: %w", raw, err)
		}
		if addr.Prefix() != crypto.RelayerPrefix {
			return nil, fmt.Errorf("relayer %q: expected %s prefix", raw, crypto.RelayerPrefix)
		}
		out = append(out, addr)
	}
	return out, nil
}

// LiquidatorAddress decodes the keeper's liquidator account.
func (cfg KeeperConfig) LiquidatorAddress() (crypto.Address, error) {
	return crypto.DecodeAddress(cfg.Liquidator)
}

// SecretBytes returns the HMAC secret. Hex-prefixed secrets are decoded.
func (cfg AuthConfig) SecretBytes() ([]byte, error) {
	if strings.HasPrefix(cfg.HMACSecret, "0x") {
		decoded, err := hex.DecodeString(strings.TrimPrefix(cfg.HMACSecret, "0x"))
		if err != nil {
			return nil, fmt.Errorf("decode hmac secret: %w", err)
		}
		return decoded, nil
	}
	return []byte(cfg.HMACSecret), nil
}

// Package config defines the top-level configuration for the iotmart
// marketplace orchestrator and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by IOTMART_* environment variables.
type Config struct {
	Wallet   WalletConfig   `toml:"wallet"`
	Chain    ChainConfig    `toml:"chain"`
	Relayer  RelayerConfig  `toml:"relayer"`
	Workflow WorkflowConfig `toml:"workflow"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// WalletConfig holds the credentials of the signing account.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// HasKey reports whether any key source is configured.
func (w WalletConfig) HasKey() bool {
	return w.PrivateKey != "" || w.EncryptedKeyPath != ""
}

// ChainConfig locates the marketplace contract.
type ChainConfig struct {
	RPCURL          string   `toml:"rpc_url"`
	ChainID         int64    `toml:"chain_id"`
	ContractAddress string   `toml:"contract_address"`
	PollInterval    duration `toml:"poll_interval"`
	Confirmations   uint64   `toml:"confirmations"`
}

// RelayerConfig holds the confidential compute relayer endpoint and API
// credentials.
type RelayerConfig struct {
	BaseURL   string   `toml:"base_url"`
	APIKey    string   `toml:"api_key"`
	APISecret string   `toml:"api_secret"`
	Timeout   duration `toml:"timeout"`
	// RatePerSecond paces relayer calls when Redis is available. 0 disables
	// pacing.
	RatePerSecond int `toml:"rate_per_second"`
}

// WorkflowConfig tunes the creation and verification workflows.
type WorkflowConfig struct {
	ConfirmTimeout     duration `toml:"confirm_timeout"`
	ReconcileTimeout   duration `toml:"reconcile_timeout"`
	LenientNumbers     bool     `toml:"lenient_numbers"`
	SuccessNoticeTTL   duration `toml:"success_notice_ttl"`
	ErrorNoticeTTL     duration `toml:"error_notice_ttl"`
	RefreshConcurrency int      `toml:"refresh_concurrency"`
	RefreshInterval    duration `toml:"refresh_interval"`
	HistoryWindow      int      `toml:"history_window"`
	ArchiveOnShutdown  bool     `toml:"archive_on_shutdown"`
}

// PostgresConfig holds the connection parameters of the history store.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	KeyPrefix   string   `toml:"key_prefix"`
	SnapshotTTL duration `toml:"snapshot_ttl"`
}

// S3Config holds S3-compatible object storage parameters for the archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	PartSizeMB     int    `toml:"part_size_mb"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	Port           int      `toml:"port"`
	APIKey         string   `toml:"api_key"`
	CORSOrigins    []string `toml:"cors_origins"`
	RateLimit      int      `toml:"rate_limit"`
	WriteRateLimit int      `toml:"write_rate_limit"`
	RateWindow     duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding ("5m", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:        "http://localhost:8545",
			ChainID:       11155111,
			PollInterval:  duration{2 * time.Second},
			Confirmations: 1,
		},
		Relayer: RelayerConfig{
			BaseURL:       "http://localhost:3001",
			Timeout:       duration{30 * time.Second},
			RatePerSecond: 5,
		},
		Workflow: WorkflowConfig{
			ConfirmTimeout:     duration{2 * time.Minute},
			ReconcileTimeout:   duration{10 * time.Minute},
			SuccessNoticeTTL:   duration{5 * time.Second},
			ErrorNoticeTTL:     duration{8 * time.Second},
			RefreshConcurrency: 8,
			RefreshInterval:    duration{30 * time.Second},
			HistoryWindow:      5,
			ArchiveOnShutdown:  true,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "iotmart",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			KeyPrefix:   "iotmart:",
			SnapshotTTL: duration{10 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "iotmart-archive",
			Prefix:         "iotmart",
			ForcePathStyle: true,
			PartSizeMB:     5,
		},
		Server: ServerConfig{
			Port:           8000,
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:      120,
			WriteRateLimit: 10,
			RateWindow:     duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"listing_created", "listing_verified", "tx_pending", "workflow_error"},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve": true,
	"sync":  true,
	"demo":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, sync, demo)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// The demo mode runs against the in-memory ledger and needs no chain.
	if mode != "demo" {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must not be empty")
		}
		if c.Chain.ChainID <= 0 {
			errs = append(errs, "chain: chain_id must be positive")
		}
		if !common.IsHexAddress(c.Chain.ContractAddress) {
			errs = append(errs, fmt.Sprintf("chain: contract_address %q is not a hex address", c.Chain.ContractAddress))
		}
		if c.Relayer.BaseURL == "" {
			errs = append(errs, "relayer: base_url must not be empty")
		}
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}
	if (c.Relayer.APIKey == "") != (c.Relayer.APISecret == "") {
		errs = append(errs, "relayer: api_key and api_secret must be set together")
	}

	if c.Workflow.ConfirmTimeout.Duration <= 0 {
		errs = append(errs, "workflow: confirm_timeout must be > 0")
	}
	if c.Workflow.ReconcileTimeout.Duration < c.Workflow.ConfirmTimeout.Duration {
		errs = append(errs, "workflow: reconcile_timeout must not be shorter than confirm_timeout")
	}
	if c.Workflow.RefreshConcurrency < 1 {
		errs = append(errs, "workflow: refresh_concurrency must be >= 1")
	}
	if c.Workflow.HistoryWindow < 1 {
		errs = append(errs, "workflow: history_window must be >= 1")
	}
	if mode == "sync" && c.Workflow.RefreshInterval.Duration <= 0 {
		errs = append(errs, "workflow: refresh_interval must be > 0 in sync mode")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 || c.Server.WriteRateLimit < 0 {
			errs = append(errs, "server: rate limits must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

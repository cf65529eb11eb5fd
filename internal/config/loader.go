package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies IOTMART_* environment variable overrides, and
// returns the final Config. A missing file is not an error; the defaults and
// environment are used instead. The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known IOTMART_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "IOTMART_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "IOTMART_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "IOTMART_WALLET_KEY_PASSWORD")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "IOTMART_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "IOTMART_CHAIN_ID")
	setStr(&cfg.Chain.ContractAddress, "IOTMART_CHAIN_CONTRACT_ADDRESS")
	setDuration(&cfg.Chain.PollInterval, "IOTMART_CHAIN_POLL_INTERVAL")

	// ── Relayer ──
	setStr(&cfg.Relayer.BaseURL, "IOTMART_RELAYER_BASE_URL")
	setStr(&cfg.Relayer.APIKey, "IOTMART_RELAYER_API_KEY")
	setStr(&cfg.Relayer.APISecret, "IOTMART_RELAYER_API_SECRET")
	setDuration(&cfg.Relayer.Timeout, "IOTMART_RELAYER_TIMEOUT")
	setInt(&cfg.Relayer.RatePerSecond, "IOTMART_RELAYER_RATE_PER_SECOND")

	// ── Workflow ──
	setDuration(&cfg.Workflow.ConfirmTimeout, "IOTMART_WORKFLOW_CONFIRM_TIMEOUT")
	setDuration(&cfg.Workflow.ReconcileTimeout, "IOTMART_WORKFLOW_RECONCILE_TIMEOUT")
	setBool(&cfg.Workflow.LenientNumbers, "IOTMART_WORKFLOW_LENIENT_NUMBERS")
	setInt(&cfg.Workflow.RefreshConcurrency, "IOTMART_WORKFLOW_REFRESH_CONCURRENCY")
	setDuration(&cfg.Workflow.RefreshInterval, "IOTMART_WORKFLOW_REFRESH_INTERVAL")
	setInt(&cfg.Workflow.HistoryWindow, "IOTMART_WORKFLOW_HISTORY_WINDOW")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "IOTMART_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "IOTMART_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "IOTMART_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "IOTMART_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "IOTMART_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "IOTMART_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "IOTMART_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "IOTMART_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "IOTMART_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "IOTMART_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "IOTMART_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "IOTMART_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "IOTMART_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "IOTMART_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "IOTMART_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "IOTMART_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "IOTMART_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "IOTMART_S3_REGION")
	setStr(&cfg.S3.Bucket, "IOTMART_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "IOTMART_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "IOTMART_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "IOTMART_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "IOTMART_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "IOTMART_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "IOTMART_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "IOTMART_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "IOTMART_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "IOTMART_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.WriteRateLimit, "IOTMART_SERVER_WRITE_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "IOTMART_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "IOTMART_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "IOTMART_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "IOTMART_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "IOTMART_MODE")
	setStr(&cfg.LogLevel, "IOTMART_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

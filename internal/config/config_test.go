package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const contract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

func TestDefaultsNeedAContractOutsideDemo(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contract_address")

	cfg.Mode = "demo"
	assert.NoError(t, cfg.Validate())

	cfg.Mode = "serve"
	cfg.Chain.ContractAddress = contract
	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.LogLevel = "loud"
	cfg.Chain.ContractAddress = contract
	cfg.Wallet.EncryptedKeyPath = "/keys/wallet.json"
	cfg.Relayer.APIKey = "key-only"
	cfg.Workflow.ReconcileTimeout.Duration = time.Second
	cfg.Postgres.Enabled = true
	cfg.Postgres.PoolMinConns = 50

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown log_level "loud"`,
		"key_password is required",
		"api_key and api_secret",
		"reconcile_timeout",
		"pool_min_conns",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "iotmart.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "sync"

[chain]
contract_address = "`+contract+`"
poll_interval = "500ms"

[workflow]
confirm_timeout = "45s"
lenient_numbers = true

[redis]
enabled = true
key_prefix = "test:"
`), 0o600))

	t.Setenv("IOTMART_LOG_LEVEL", "debug")
	t.Setenv("IOTMART_WORKFLOW_HISTORY_WINDOW", "25")
	t.Setenv("IOTMART_NOTIFY_EVENTS", "listing_verified, workflow_error,")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sync", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 500*time.Millisecond, cfg.Chain.PollInterval.Duration)
	assert.Equal(t, 45*time.Second, cfg.Workflow.ConfirmTimeout.Duration)
	assert.True(t, cfg.Workflow.LenientNumbers)
	assert.Equal(t, 25, cfg.Workflow.HistoryWindow)
	assert.Equal(t, "test:", cfg.Redis.KeyPrefix)
	assert.Equal(t, 10*time.Minute, cfg.Redis.SnapshotTTL.Duration, "unset keys keep their default")
	assert.Equal(t, []string{"listing_verified", "workflow_error"}, cfg.Notify.Events)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "serve", cfg.Mode)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[workflow]\nconfirm_timeout = \"soon\"\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "0xabc"
	cfg.Relayer.APISecret = "c2VjcmV0"
	cfg.Postgres.Password = "pw"
	cfg.Server.APIKey = "k"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.Relayer.APISecret)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Empty(t, out.Wallet.KeyPassword, "empty secrets stay empty")
	assert.Equal(t, "0xabc", cfg.Wallet.PrivateKey, "original untouched")

	out.Server.CORSOrigins[0] = "changed"
	assert.NotEqual(t, "changed", cfg.Server.CORSOrigins[0])
}

package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestKeyFileRoundTrip(t *testing.T) {
	blob, err := encryptKey("0x"+testKeyHex, "hunter2", 1000)
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)
}

func TestEncryptKeyRejectsBadInput(t *testing.T) {
	_, err := EncryptKey(testKeyHex, "")
	assert.Error(t, err)

	_, err = encryptKey("abcd", "pw", 1000)
	assert.Error(t, err)
}

func TestLoadKey(t *testing.T) {
	got, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKeyHex})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)

	blob, err := encryptKey(testKeyHex, "pw", 1000)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)

	_, err = LoadKey(KeyConfig{})
	assert.Error(t, err)
}

func TestWalletRelayerAuthRecovers(t *testing.T) {
	w, err := NewWallet(testKeyHex, 11155111)
	require.NoError(t, err)

	sig, err := w.SignRelayerAuth(1700000000, 7)
	require.NoError(t, err)

	addr, err := RecoverRelayerAuth(w.Address().Hex(), 1700000000, 7, 11155111, sig)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), addr)

	other, err := RecoverRelayerAuth(w.Address().Hex(), 1700000000, 8, 11155111, sig)
	require.NoError(t, err)
	assert.NotEqual(t, w.Address(), other)
}

func TestWalletTransactor(t *testing.T) {
	w, err := GenerateWallet(31337)
	require.NoError(t, err)

	opts, err := w.Transactor(t.Context())
	require.NoError(t, err)
	assert.Equal(t, w.Address(), opts.From)
	assert.Equal(t, int64(31337), w.ChainID().Int64())
}

func TestRelayerAuthHeaders(t *testing.T) {
	auth := &RelayerAuth{Key: "key-1", Secret: "c2VjcmV0"}
	require.True(t, auth.Enabled())

	h1 := auth.HeadersAt("0xabc", "POST", "/v1/input-proof", `{"a":1}`, 1700000000)
	h2 := auth.HeadersAt("0xabc", "POST", "/v1/input-proof", `{"a":1}`, 1700000000)
	assert.Equal(t, h1, h2)
	assert.Equal(t, "key-1", h1[HeaderAPIKey])
	assert.Equal(t, "1700000000", h1[HeaderTimestamp])

	assert.True(t, auth.Verify("1700000000", "POST", "/v1/input-proof", `{"a":1}`, h1[HeaderSignature]))
	assert.False(t, auth.Verify("1700000000", "POST", "/v1/input-proof", `{"a":2}`, h1[HeaderSignature]))
	assert.NotContains(t, auth.String(), "c2VjcmV0")
}

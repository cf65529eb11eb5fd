package relayer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/iotmart/internal/compute/abicodec"
	"github.com/alanyoungcy/iotmart/internal/crypto"
	"github.com/alanyoungcy/iotmart/internal/domain"
)

const handle = "0x1111111111111111111111111111111111111111111111111111111111111111"

func newTestServer(t *testing.T, auth *crypto.RelayerAuth, keyCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/keyurl", func(w http.ResponseWriter, r *http.Request) {
		keyCalls.Add(1)
		assert.NotEmpty(t, r.Header.Get("X-Relayer-Auth-Signature"))
		_ = json.NewEncoder(w).Encode(keyURLResponse{PublicKeyID: "pk-1", KeyURL: "https://keys/pk-1"})
	})
	mux.HandleFunc("POST /v1/input-proof", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ok := auth.Verify(r.Header.Get(crypto.HeaderTimestamp), r.Method, r.URL.Path, string(body), r.Header.Get(crypto.HeaderSignature))
		if !ok {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		var in inputProofRequest
		require.NoError(t, json.Unmarshal(body, &in))
		assert.Equal(t, "42", in.Value)
		_ = json.NewEncoder(w).Encode(inputProofResponse{Handles: []string{handle}, InputProof: "0xabcd"})
	})
	mux.HandleFunc("POST /v1/public-decrypt", func(w http.ResponseWriter, r *http.Request) {
		var in publicDecryptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		out := publicDecryptResponse{ClearValues: map[string]string{}, DecryptionProof: "0x0102"}
		for _, h := range in.Handles {
			if h == handle {
				out.ClearValues[h] = strconv.Itoa(42)
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	return httptest.NewServer(mux)
}

func newTestClient(t *testing.T) (*Client, *atomic.Int32) {
	t.Helper()
	auth := &crypto.RelayerAuth{Key: "k", Secret: "c2VjcmV0"}
	var keyCalls atomic.Int32
	srv := newTestServer(t, auth, &keyCalls)
	t.Cleanup(srv.Close)

	w, err := crypto.GenerateWallet(11155111)
	require.NoError(t, err)
	return NewClient(Options{BaseURL: srv.URL, Wallet: w, Auth: auth}, slog.New(slog.NewTextHandler(io.Discard, nil))), &keyCalls
}

func TestInitOnce(t *testing.T) {
	c, calls := newTestClient(t)
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.Init(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestEncrypt(t *testing.T) {
	c, _ := newTestClient(t)
	in, err := c.Encrypt(context.Background(), "0xc0", "0xa1", 42)
	require.NoError(t, err)
	assert.Len(t, in.Ciphertext, 32)
	assert.Equal(t, []byte{0xab, 0xcd}, in.Proof)
}

func TestVerifyDecryption(t *testing.T) {
	c, _ := newTestClient(t)

	var encoded, proof []byte
	res, err := c.VerifyDecryption(context.Background(), []string{handle}, "0xc0",
		func(_ context.Context, e, p []byte) (domain.TxHandle, error) {
			encoded, proof = e, p
			return domain.TxHandle{Hash: "0xtx"}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), res.ClearValues[handle])
	assert.Equal(t, []byte{1, 2}, proof)

	vals, err := abicodec.DecodeClearValues(encoded, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{42}, vals)
}

func TestVerifyDecryptionMissingValue(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.VerifyDecryption(context.Background(), []string{"0x22"}, "0xc0",
		func(context.Context, []byte, []byte) (domain.TxHandle, error) {
			t.Fatal("submit must not be called")
			return domain.TxHandle{}, nil
		})
	assert.Error(t, err)
}

func TestHTTPErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := c.Encrypt(context.Background(), "0xc0", "0xa1", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type countingLimiter struct {
	waits atomic.Int32
	err   error
}

func (l *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (l *countingLimiter) Wait(_ context.Context, key string) error {
	if key != limiterKey {
		return errors.New("unexpected key " + key)
	}
	l.waits.Add(1)
	return l.err
}

func TestRequestsArePaced(t *testing.T) {
	c, _ := newTestClient(t)
	lim := &countingLimiter{}
	c.limiter = lim

	require.NoError(t, c.Init(context.Background()))
	_, err := c.Encrypt(context.Background(), "0xc0", "0xa1", 42)
	require.NoError(t, err)
	assert.Equal(t, int32(2), lim.waits.Load())

	lim.err = context.DeadlineExceeded
	_, err = c.Encrypt(context.Background(), "0xc0", "0xa1", 42)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

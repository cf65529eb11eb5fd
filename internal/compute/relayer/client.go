// Package relayer is the HTTP client of the confidential compute relayer. The
// relayer holds the network's FHE public key, produces input proofs for
// client-encrypted values and runs threshold public decryption.
package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/iotmart/internal/compute/abicodec"
	"github.com/alanyoungcy/iotmart/internal/crypto"
	"github.com/alanyoungcy/iotmart/internal/domain"
)

const limiterKey = "relayer"

// Client implements domain.ComputeService against a relayer.
type Client struct {
	baseURL    string
	httpClient *http.Client
	wallet     *crypto.Wallet
	auth       *crypto.RelayerAuth
	limiter    domain.RateLimiter
	logger     *slog.Logger

	mu          sync.Mutex
	ready       bool
	publicKeyID string
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// Wallet signs the session handshake; it may be nil for relayers that
	// do not require one.
	Wallet *crypto.Wallet
	// Auth adds HMAC API credentials to every request when enabled.
	Auth *crypto.RelayerAuth
	// Limiter, when set, paces requests under the "relayer" key.
	Limiter domain.RateLimiter
}

// NewClient creates a relayer Client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    opts.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		wallet:     opts.Wallet,
		auth:       opts.Auth,
		limiter:    opts.Limiter,
		logger:     logger.With(slog.String("component", "relayer")),
	}
}

// Init fetches the relayer's public key reference. Once it succeeds further
// calls are no-ops.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/keyurl", nil)
	if err != nil {
		return fmt.Errorf("relayer: create keyurl request: %w", err)
	}
	if c.wallet != nil {
		ts := time.Now().Unix()
		sig, err := c.wallet.SignRelayerAuth(ts, 0)
		if err != nil {
			return fmt.Errorf("relayer: sign handshake: %w", err)
		}
		req.Header.Set(crypto.HeaderAddress, c.wallet.Address().Hex())
		req.Header.Set("X-Relayer-Auth-Signature", sig)
		req.Header.Set("X-Relayer-Auth-Timestamp", strconv.FormatInt(ts, 10))
	}

	body, err := c.do(req, "")
	if err != nil {
		return fmt.Errorf("relayer: keyurl: %w", err)
	}
	var out keyURLResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("relayer: decode keyurl: %w", err)
	}
	if out.PublicKeyID == "" {
		return fmt.Errorf("relayer: keyurl returned no public key")
	}

	c.publicKeyID = out.PublicKeyID
	c.ready = true
	c.logger.InfoContext(ctx, "relayer session ready", slog.String("public_key_id", out.PublicKeyID))
	return nil
}

// Encrypt asks the relayer to encrypt plaintext for contract on behalf of
// account and returns the handle with its input proof.
func (c *Client) Encrypt(ctx context.Context, contract, account string, plaintext uint64) (domain.EncryptedInput, error) {
	var out inputProofResponse
	err := c.post(ctx, "/v1/input-proof", inputProofRequest{
		ContractAddress: contract,
		UserAddress:     account,
		Value:           strconv.FormatUint(plaintext, 10),
		Bits:            32,
	}, &out)
	if err != nil {
		return domain.EncryptedInput{}, fmt.Errorf("relayer: input proof: %w", err)
	}
	if len(out.Handles) != 1 {
		return domain.EncryptedInput{}, fmt.Errorf("relayer: input proof returned %d handles", len(out.Handles))
	}
	handle, err := hexutil.Decode(out.Handles[0])
	if err != nil {
		return domain.EncryptedInput{}, fmt.Errorf("relayer: decode handle: %w", err)
	}
	proof, err := hexutil.Decode(out.InputProof)
	if err != nil {
		return domain.EncryptedInput{}, fmt.Errorf("relayer: decode input proof: %w", err)
	}
	return domain.EncryptedInput{Ciphertext: handle, Proof: proof}, nil
}

// VerifyDecryption runs a public decryption of handles and passes the
// encoded clear values and the relayer's proof to submit.
func (c *Client) VerifyDecryption(ctx context.Context, handles []string, contract string, submit domain.SubmitFunc) (domain.DecryptionResult, error) {
	if len(handles) == 0 {
		return domain.DecryptionResult{}, fmt.Errorf("relayer: no handles")
	}

	var out publicDecryptResponse
	err := c.post(ctx, "/v1/public-decrypt", publicDecryptRequest{
		Handles:         handles,
		ContractAddress: contract,
	}, &out)
	if err != nil {
		return domain.DecryptionResult{}, fmt.Errorf("relayer: public decrypt: %w", err)
	}

	values := make([]uint64, len(handles))
	result := domain.DecryptionResult{ClearValues: make(map[string]uint64, len(handles))}
	for i, h := range handles {
		raw, ok := out.ClearValues[h]
		if !ok {
			return domain.DecryptionResult{}, fmt.Errorf("relayer: no clear value for handle %s", h)
		}
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return domain.DecryptionResult{}, fmt.Errorf("relayer: clear value for %s: %w", h, err)
		}
		values[i] = v
		result.ClearValues[h] = v
	}

	encoded, err := abicodec.EncodeClearValues(values)
	if err != nil {
		return domain.DecryptionResult{}, err
	}
	proof, err := hexutil.Decode(out.DecryptionProof)
	if err != nil {
		return domain.DecryptionResult{}, fmt.Errorf("relayer: decode decryption proof: %w", err)
	}

	if _, err := submit(ctx, encoded, proof); err != nil {
		return domain.DecryptionResult{}, err
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req, string(payload))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do applies API credentials, sends req and returns the body of a 2xx
// response.
func (c *Client) do(req *http.Request, body string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context(), limiterKey); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	if c.auth.Enabled() {
		address := ""
		if c.wallet != nil {
			address = c.wallet.Address().Hex()
		}
		for k, v := range c.auth.Headers(address, req.Method, req.URL.Path, body) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, string(body))
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, string(body))
	}
}

var _ domain.ComputeService = (*Client)(nil)

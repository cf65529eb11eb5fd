// Package localfhe is an in-process stand-in for the confidential compute
// service. Values are sealed with AES-GCM, handles are keccak256 digests of
// the sealed value, and input and decryption proofs are HMAC tags that the
// in-memory ledger checks through Verifier. It is used by demo mode and
// tests; it provides no homomorphic properties.
package localfhe

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/iotmart/internal/compute/abicodec"
	"github.com/alanyoungcy/iotmart/internal/domain"
)

// ErrNotInitialized is returned by Encrypt and VerifyDecryption before Init.
var ErrNotInitialized = errors.New("localfhe: engine not initialized")

// Engine implements domain.ComputeService.
type Engine struct {
	mu      sync.Mutex
	sealKey []byte
	macKey  []byte
	ready   bool
	values  map[string]uint64

	inits       int
	failEncrypt error
}

// New creates an uninitialized Engine.
func New() *Engine {
	return &Engine{values: make(map[string]uint64)}
}

// Init generates the engine keys. Calling it again is a no-op.
func (e *Engine) Init(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inits++
	if e.ready {
		return nil
	}
	e.sealKey = make([]byte, 32)
	e.macKey = make([]byte, 32)
	if _, err := rand.Read(e.sealKey); err != nil {
		return fmt.Errorf("localfhe: generate seal key: %w", err)
	}
	if _, err := rand.Read(e.macKey); err != nil {
		return fmt.Errorf("localfhe: generate mac key: %w", err)
	}
	e.ready = true
	return nil
}

// InitCalls returns how many times Init was invoked.
func (e *Engine) InitCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inits
}

// FailEncrypt makes subsequent Encrypt calls fail with err. A nil err clears it.
func (e *Engine) FailEncrypt(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failEncrypt = err
}

// Encrypt seals plaintext and returns its 32-byte handle with an input proof
// bound to contract and account.
func (e *Engine) Encrypt(_ context.Context, contract, account string, plaintext uint64) (domain.EncryptedInput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return domain.EncryptedInput{}, ErrNotInitialized
	}
	if e.failEncrypt != nil {
		return domain.EncryptedInput{}, e.failEncrypt
	}

	block, err := aes.NewCipher(e.sealKey)
	if err != nil {
		return domain.EncryptedInput{}, fmt.Errorf("localfhe: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return domain.EncryptedInput{}, fmt.Errorf("localfhe: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return domain.EncryptedInput{}, fmt.Errorf("localfhe: nonce: %w", err)
	}
	var pt [8]byte
	binary.BigEndian.PutUint64(pt[:], plaintext)
	sealed := gcm.Seal(nonce, nonce, pt[:], []byte(norm(contract)+norm(account)))

	handle := ethcrypto.Keccak256(sealed)
	e.values[hexutil.Encode(handle)] = plaintext

	return domain.EncryptedInput{
		Ciphertext: handle,
		Proof:      macWith(e.macKey, "input", handle, []byte(norm(contract)), []byte(norm(account))),
	}, nil
}

// VerifyDecryption decrypts handles, encodes the clear values and hands them
// to submit together with a decryption proof.
func (e *Engine) VerifyDecryption(ctx context.Context, handles []string, contract string, submit domain.SubmitFunc) (domain.DecryptionResult, error) {
	if len(handles) == 0 {
		return domain.DecryptionResult{}, fmt.Errorf("localfhe: no handles")
	}

	e.mu.Lock()
	if !e.ready {
		e.mu.Unlock()
		return domain.DecryptionResult{}, ErrNotInitialized
	}
	values := make([]uint64, len(handles))
	clearValues := make(map[string]uint64, len(handles))
	for i, h := range handles {
		v, ok := e.values[norm(h)]
		if !ok {
			e.mu.Unlock()
			return domain.DecryptionResult{}, fmt.Errorf("localfhe: handle %s: %w", h, domain.ErrNotFound)
		}
		values[i] = v
		clearValues[h] = v
	}
	e.mu.Unlock()

	encoded, err := abicodec.EncodeClearValues(values)
	if err != nil {
		return domain.DecryptionResult{}, err
	}
	proof := e.decryptionProof(handles, contract, encoded)

	if _, err := submit(ctx, encoded, proof); err != nil {
		return domain.DecryptionResult{}, err
	}
	return domain.DecryptionResult{ClearValues: clearValues}, nil
}

// Verifier returns the proof checks matching this engine's keys.
func (e *Engine) Verifier() *Verifier {
	return &Verifier{engine: e}
}

func (e *Engine) decryptionProof(handles []string, contract string, encoded []byte) []byte {
	parts := [][]byte{[]byte(norm(contract)), encoded}
	for _, h := range handles {
		parts = append(parts, []byte(norm(h)))
	}
	return macWith(e.key(), "decrypt", parts...)
}

func (e *Engine) key() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.macKey
}

func macWith(key []byte, domainTag string, parts ...[]byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(domainTag))
	for _, p := range parts {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(p)))
		m.Write(l[:])
		m.Write(p)
	}
	return m.Sum(nil)
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Verifier checks proofs produced by an Engine.
type Verifier struct {
	engine *Engine
}

// VerifyInputProof reports whether proof binds handle to contract and account.
func (v *Verifier) VerifyInputProof(handle, proof []byte, contract, account string) bool {
	want := macWith(v.engine.key(), "input", handle, []byte(norm(contract)), []byte(norm(account)))
	return hmac.Equal(want, proof)
}

// VerifyDecryptionProof reports whether proof attests encoded as the clear
// values of handles.
func (v *Verifier) VerifyDecryptionProof(handles []string, contract string, encoded, proof []byte) bool {
	return hmac.Equal(v.engine.decryptionProof(handles, contract, encoded), proof)
}

var _ domain.ComputeService = (*Engine)(nil)

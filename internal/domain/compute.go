package domain

import "context"

// EncryptedInput is the ciphertext handle and input proof produced for one
// plaintext value.
type EncryptedInput struct {
	Ciphertext []byte
	Proof      []byte
}

// SubmitFunc turns a decryption payload into a ledger write. The compute
// service calls it once it holds the ABI-encoded clear values and the
// decryption proof; the proof format is opaque to everything but the ledger.
type SubmitFunc func(ctx context.Context, encodedClearValues, proof []byte) (TxHandle, error)

// DecryptionResult maps each requested handle to its clear value.
type DecryptionResult struct {
	ClearValues map[string]uint64
}

// ComputeService is the confidential compute engine.
type ComputeService interface {
	// Init prepares the engine (key material, relayer session). It is safe to
	// call more than once.
	Init(ctx context.Context) error
	Encrypt(ctx context.Context, contractAddress, account string, plaintext uint64) (EncryptedInput, error)
	VerifyDecryption(ctx context.Context, handles []string, contractAddress string, submit SubmitFunc) (DecryptionResult, error)
}

package domain

import (
	"context"
	"time"
)

// TxHandle identifies a submitted ledger write.
type TxHandle struct {
	Hash        string    `json:"hash"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Receipt is the finality record of a confirmed ledger write.
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
}

// CreateListingRequest carries the arguments of the listing creation call.
type CreateListingRequest struct {
	ID             string
	Name           string
	Ciphertext     []byte
	Proof          []byte
	Price          uint64
	SecondaryValue uint64
	Description    string
}

// LedgerReader is the read-only path to listing records.
type LedgerReader interface {
	ListAllListingIDs(ctx context.Context) ([]string, error)
	GetListing(ctx context.Context, id string) (Listing, error)
	GetEncryptedValue(ctx context.Context, id string) (string, error)
	IsAvailable(ctx context.Context) (bool, error)
}

// LedgerWriter is the authenticated write path. Implementations must return
// errors wrapping ErrUserRejected when the signer declines a transaction and
// ErrAlreadyVerified when a verification races with another one.
type LedgerWriter interface {
	CreateListing(ctx context.Context, req CreateListingRequest) (TxHandle, error)
	SubmitVerification(ctx context.Context, id string, encodedClearValues, proof []byte) (TxHandle, error)
	AwaitConfirmation(ctx context.Context, tx TxHandle) (Receipt, error)
}

// LedgerGateway bundles both paths for a single deployed contract.
type LedgerGateway interface {
	LedgerReader
	LedgerWriter
	ContractAddress() string
}

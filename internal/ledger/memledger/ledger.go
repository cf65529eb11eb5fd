// Package memledger is an in-memory marketplace contract. It keeps the same
// rules as the deployed contract (unique ids, proof checks, one-time
// verification) and mines transactions immediately unless held, which lets
// demo mode and tests drive every confirmation path deterministically.
package memledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/iotmart/internal/compute/abicodec"
	"github.com/alanyoungcy/iotmart/internal/domain"
)

// ProofVerifier checks input and decryption proofs. localfhe.Verifier
// satisfies it.
type ProofVerifier interface {
	VerifyInputProof(handle, proof []byte, contract, account string) bool
	VerifyDecryptionProof(handles []string, contract string, encoded, proof []byte) bool
}

// Revert reasons, matching the deployed contract.
const (
	ReasonIDExists        = "ID already exists"
	ReasonNotFound        = "Data not found"
	ReasonAlreadyVerified = "Data already verified"
	ReasonInvalidProof    = "Invalid proof"
)

// Options configures a Ledger.
type Options struct {
	Address string
	// Sender is the account that signs every write.
	Sender   string
	Verifier ProofVerifier
	Now      func() time.Time
}

type tx struct {
	handle  domain.TxHandle
	apply   func() error
	mined   chan struct{}
	receipt domain.Receipt
	err     error
}

// Ledger implements domain.LedgerGateway in memory.
type Ledger struct {
	address  string
	sender   string
	verifier ProofVerifier
	now      func() time.Time

	mu         sync.Mutex
	records    map[string]*domain.LedgerRecord
	order      []string
	handles    map[string][]byte
	txs        map[string]*tx
	queue      []*tx
	nonce      uint64
	block      uint64
	hold       bool
	rejectNext int
	readErrs   map[string]error
	available  bool
	writes     int
}

// New creates an empty Ledger.
func New(opts Options) *Ledger {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	addr := opts.Address
	if addr == "" {
		addr = "0x00000000000000000000000000000000000c0de1"
	}
	return &Ledger{
		address:   addr,
		sender:    opts.Sender,
		verifier:  opts.Verifier,
		now:       now,
		records:   make(map[string]*domain.LedgerRecord),
		handles:   make(map[string][]byte),
		txs:       make(map[string]*tx),
		readErrs:  make(map[string]error),
		available: true,
	}
}

// ContractAddress returns the simulated contract address.
func (l *Ledger) ContractAddress() string { return l.address }

// ListAllListingIDs returns every listing id in creation order.
func (l *Ledger) ListAllListingIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readErrs[""]; err != nil {
		return nil, err
	}
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out, nil
}

// GetListing returns the listing with the given id.
func (l *Ledger) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	if err := ctx.Err(); err != nil {
		return domain.Listing{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readErrs[id]; err != nil {
		return domain.Listing{}, err
	}
	rec, ok := l.records[id]
	if !ok {
		return domain.Listing{}, fmt.Errorf("memledger: listing %s: %w", id, domain.ErrNotFound)
	}
	return domain.ListingFromLedger(*rec), nil
}

// GetEncryptedValue returns the hex handle of the listing's encrypted value.
func (l *Ledger) GetEncryptedValue(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[id]
	if !ok {
		return "", fmt.Errorf("memledger: listing %s: %w", id, domain.ErrNotFound)
	}
	return rec.EncryptedValueHandle, nil
}

// IsAvailable reports the simulated contract availability.
func (l *Ledger) IsAvailable(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available, nil
}

// CreateListing submits a listing creation.
func (l *Ledger) CreateListing(ctx context.Context, req domain.CreateListingRequest) (domain.TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return domain.TxHandle{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.consumeRejection(); err != nil {
		return domain.TxHandle{}, err
	}
	if err := l.checkCreate(req); err != nil {
		return domain.TxHandle{}, err
	}

	handle := hexutil.Encode(req.Ciphertext)
	rec := domain.LedgerRecord{
		ID:                   req.ID,
		Name:                 req.Name,
		Description:          req.Description,
		EncryptedValueHandle: handle,
		PublicValue1:         req.Price,
		PublicValue2:         req.SecondaryValue,
		Creator:              l.sender,
	}
	// Reserve the id so a second pending create with the same id reverts.
	l.handles[req.ID] = req.Ciphertext

	t := l.submit(func() error {
		if _, exists := l.records[rec.ID]; exists {
			return revert(ReasonIDExists)
		}
		rec.Timestamp = l.now().UTC()
		l.records[rec.ID] = &rec
		l.order = append(l.order, rec.ID)
		return nil
	})
	return t.handle, nil
}

func (l *Ledger) checkCreate(req domain.CreateListingRequest) error {
	if req.ID == "" {
		return revert("empty id")
	}
	if _, exists := l.handles[req.ID]; exists {
		return revert(ReasonIDExists)
	}
	if len(req.Ciphertext) == 0 || len(req.Proof) == 0 {
		return revert(ReasonInvalidProof)
	}
	if l.verifier != nil && !l.verifier.VerifyInputProof(req.Ciphertext, req.Proof, l.address, l.sender) {
		return revert(ReasonInvalidProof)
	}
	return nil
}

// SubmitVerification submits the verified decryption of a listing's value.
func (l *Ledger) SubmitVerification(ctx context.Context, id string, encoded, proof []byte) (domain.TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return domain.TxHandle{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.consumeRejection(); err != nil {
		return domain.TxHandle{}, err
	}
	rec, ok := l.records[id]
	if !ok {
		return domain.TxHandle{}, revert(ReasonNotFound)
	}
	if rec.IsVerified {
		return domain.TxHandle{}, fmt.Errorf("memledger: %w: execution reverted: %s", domain.ErrAlreadyVerified, ReasonAlreadyVerified)
	}
	if l.verifier != nil && !l.verifier.VerifyDecryptionProof([]string{rec.EncryptedValueHandle}, l.address, encoded, proof) {
		return domain.TxHandle{}, revert(ReasonInvalidProof)
	}
	values, err := abicodec.DecodeClearValues(encoded, 1)
	if err != nil {
		return domain.TxHandle{}, revert(err.Error())
	}

	t := l.submit(func() error {
		if rec.IsVerified {
			return revert(ReasonAlreadyVerified)
		}
		rec.IsVerified = true
		rec.DecryptedValue = values[0]
		return nil
	})
	return t.handle, nil
}

// AwaitConfirmation blocks until tx is mined or ctx ends.
func (l *Ledger) AwaitConfirmation(ctx context.Context, h domain.TxHandle) (domain.Receipt, error) {
	l.mu.Lock()
	t, ok := l.txs[h.Hash]
	l.mu.Unlock()
	if !ok {
		return domain.Receipt{}, fmt.Errorf("memledger: tx %s: %w", h.Hash, domain.ErrNotFound)
	}

	select {
	case <-t.mined:
		if t.err != nil {
			return t.receipt, t.err
		}
		return t.receipt, nil
	case <-ctx.Done():
		return domain.Receipt{}, fmt.Errorf("memledger: await %s: %w", h.Hash, ctx.Err())
	}
}

// submit records a write and mines it unless the ledger is held. l.mu must
// be held.
func (l *Ledger) submit(apply func() error) *tx {
	l.nonce++
	l.writes++
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], l.nonce)
	hash := hexutil.Encode(ethcrypto.Keccak256([]byte(l.address), seed[:]))

	t := &tx{
		handle: domain.TxHandle{Hash: hash, SubmittedAt: l.now().UTC()},
		apply:  apply,
		mined:  make(chan struct{}),
	}
	l.txs[hash] = t
	if l.hold {
		l.queue = append(l.queue, t)
	} else {
		l.mine(t)
	}
	return t
}

// mine executes t in the next block. l.mu must be held.
func (l *Ledger) mine(t *tx) {
	l.block++
	t.receipt = domain.Receipt{TxHash: t.handle.Hash, BlockNumber: l.block, GasUsed: 21000}
	if err := t.apply(); err != nil {
		// A mined revert only reports the failed status, as a receipt does.
		t.err = fmt.Errorf("memledger: tx %s: %w: reverted in block %d", t.handle.Hash, domain.ErrTransactionFailed, l.block)
	}
	close(t.mined)
}

func (l *Ledger) consumeRejection() error {
	if l.rejectNext > 0 {
		l.rejectNext--
		return fmt.Errorf("memledger: %w", domain.ErrUserRejected)
	}
	return nil
}

func revert(reason string) error {
	if reason == ReasonIDExists {
		return fmt.Errorf("memledger: %w: %w: execution reverted: %s", domain.ErrTransactionFailed, domain.ErrAlreadyExists, reason)
	}
	return fmt.Errorf("memledger: %w: execution reverted: %s", domain.ErrTransactionFailed, reason)
}

var _ domain.LedgerGateway = (*Ledger)(nil)

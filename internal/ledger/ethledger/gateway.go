// Package ethledger implements the ledger gateway against the deployed
// marketplace contract over JSON-RPC.
package ethledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

// Backend is the RPC surface the gateway needs. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// TransactorSource provides signing options for writes. *crypto.Wallet
// satisfies it.
type TransactorSource interface {
	Transactor(ctx context.Context) (*bind.TransactOpts, error)
	Address() common.Address
}

// Options tunes confirmation polling.
type Options struct {
	PollInterval  time.Duration
	Confirmations uint64
}

// Gateway implements domain.LedgerGateway.
type Gateway struct {
	backend  Backend
	address  common.Address
	contract *bind.BoundContract
	signer   TransactorSource
	opts     Options
	logger   *slog.Logger
}

// New creates a Gateway for the contract at address. signer may be nil, in
// which case writes fail with domain.ErrNotConnected.
func New(backend Backend, address string, signer TransactorSource, opts Options, logger *slog.Logger) (*Gateway, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("ethledger: invalid contract address %q", address)
	}
	parsed, err := abi.JSON(strings.NewReader(marketplaceABI))
	if err != nil {
		return nil, fmt.Errorf("ethledger: parse abi: %w", err)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}
	addr := common.HexToAddress(address)
	return &Gateway{
		backend:  backend,
		address:  addr,
		contract: bind.NewBoundContract(addr, parsed, backend, backend, backend),
		signer:   signer,
		opts:     opts,
		logger:   logger.With(slog.String("component", "ethledger")),
	}, nil
}

// Dial connects to rpcURL and creates a Gateway. The returned func closes the
// connection.
func Dial(ctx context.Context, rpcURL, address string, signer TransactorSource, opts Options, logger *slog.Logger) (*Gateway, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("ethledger: dial %s: %w", rpcURL, err)
	}
	g, err := New(client, address, signer, opts, logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return g, client.Close, nil
}

// ContractAddress returns the checksummed contract address.
func (g *Gateway) ContractAddress() string { return g.address.Hex() }

func (g *Gateway) call(ctx context.Context, method string, params ...any) ([]any, error) {
	var out []any
	if err := g.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("ethledger: %s: %w", method, classifyError(err))
	}
	return out, nil
}

// ListAllListingIDs returns every listing id stored by the contract.
func (g *Gateway) ListAllListingIDs(ctx context.Context) ([]string, error) {
	out, err := g.call(ctx, "getAllBusinessIds")
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("ethledger: getAllBusinessIds: unexpected %d outputs", len(out))
	}
	return *abi.ConvertType(out[0], new([]string)).(*[]string), nil
}

// GetListing reads one listing record.
func (g *Gateway) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	out, err := g.call(ctx, "getBusinessData", id)
	if err != nil {
		return domain.Listing{}, err
	}
	rec, err := decodeRecord(id, out)
	if err != nil {
		return domain.Listing{}, err
	}
	return domain.ListingFromLedger(rec), nil
}

func decodeRecord(id string, out []any) (domain.LedgerRecord, error) {
	if len(out) != 8 {
		return domain.LedgerRecord{}, fmt.Errorf("ethledger: getBusinessData %s: unexpected %d outputs", id, len(out))
	}
	pv1, err := toUint64(*abi.ConvertType(out[1], new(*big.Int)).(**big.Int))
	if err != nil {
		return domain.LedgerRecord{}, fmt.Errorf("ethledger: listing %s publicValue1: %w", id, err)
	}
	pv2, err := toUint64(*abi.ConvertType(out[2], new(*big.Int)).(**big.Int))
	if err != nil {
		return domain.LedgerRecord{}, fmt.Errorf("ethledger: listing %s publicValue2: %w", id, err)
	}
	ts, err := toUint64(*abi.ConvertType(out[5], new(*big.Int)).(**big.Int))
	if err != nil {
		return domain.LedgerRecord{}, fmt.Errorf("ethledger: listing %s timestamp: %w", id, err)
	}
	if id == "" || *abi.ConvertType(out[4], new(common.Address)).(*common.Address) == (common.Address{}) {
		return domain.LedgerRecord{}, fmt.Errorf("ethledger: listing %s: %w", id, domain.ErrNotFound)
	}
	return domain.LedgerRecord{
		ID:             id,
		Name:           *abi.ConvertType(out[0], new(string)).(*string),
		PublicValue1:   pv1,
		PublicValue2:   pv2,
		Description:    *abi.ConvertType(out[3], new(string)).(*string),
		Creator:        abi.ConvertType(out[4], new(common.Address)).(*common.Address).Hex(),
		Timestamp:      time.Unix(int64(ts), 0).UTC(),
		IsVerified:     *abi.ConvertType(out[6], new(bool)).(*bool),
		DecryptedValue: uint64(*abi.ConvertType(out[7], new(uint32)).(*uint32)),
	}, nil
}

// GetEncryptedValue returns the hex ciphertext handle of a listing.
func (g *Gateway) GetEncryptedValue(ctx context.Context, id string) (string, error) {
	out, err := g.call(ctx, "getEncryptedValue", id)
	if err != nil {
		return "", err
	}
	h := *abi.ConvertType(out[0], new([32]byte)).(*[32]byte)
	return hexutil.Encode(h[:]), nil
}

// IsAvailable calls the contract's availability probe.
func (g *Gateway) IsAvailable(ctx context.Context) (bool, error) {
	out, err := g.call(ctx, "isAvailable")
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// CreateListing sends createBusinessData.
func (g *Gateway) CreateListing(ctx context.Context, req domain.CreateListingRequest) (domain.TxHandle, error) {
	if len(req.Ciphertext) != 32 {
		return domain.TxHandle{}, fmt.Errorf("ethledger: %w: ciphertext handle must be 32 bytes, got %d", domain.ErrEncryptionFailed, len(req.Ciphertext))
	}
	var handle [32]byte
	copy(handle[:], req.Ciphertext)

	return g.transact(ctx, "createBusinessData",
		req.ID,
		req.Name,
		handle,
		req.Proof,
		new(big.Int).SetUint64(req.Price),
		new(big.Int).SetUint64(req.SecondaryValue),
		req.Description,
	)
}

// SubmitVerification sends verifyDecryption.
func (g *Gateway) SubmitVerification(ctx context.Context, id string, encoded, proof []byte) (domain.TxHandle, error) {
	return g.transact(ctx, "verifyDecryption", id, encoded, proof)
}

func (g *Gateway) transact(ctx context.Context, method string, params ...any) (domain.TxHandle, error) {
	if g.signer == nil {
		return domain.TxHandle{}, fmt.Errorf("ethledger: %s: %w", method, domain.ErrNotConnected)
	}
	opts, err := g.signer.Transactor(ctx)
	if err != nil {
		return domain.TxHandle{}, fmt.Errorf("ethledger: %s: %w", method, err)
	}
	tx, err := g.contract.Transact(opts, method, params...)
	if err != nil {
		return domain.TxHandle{}, fmt.Errorf("ethledger: %s: %w", method, classifyError(err))
	}
	g.logger.InfoContext(ctx, "transaction sent",
		slog.String("method", method),
		slog.String("tx", tx.Hash().Hex()),
		slog.Uint64("nonce", tx.Nonce()),
	)
	return domain.TxHandle{Hash: tx.Hash().Hex(), SubmittedAt: time.Now().UTC()}, nil
}

// AwaitConfirmation polls for the receipt of tx until it has the configured
// number of confirmations or ctx ends. A reverted transaction fails with
// domain.ErrTransactionFailed, plus the domain error of its revert reason
// when replaying it recovers one.
func (g *Gateway) AwaitConfirmation(ctx context.Context, tx domain.TxHandle) (domain.Receipt, error) {
	hash := common.HexToHash(tx.Hash)
	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()

	for {
		rcpt, err := g.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if rcpt.Status != types.ReceiptStatusSuccessful {
				return domain.Receipt{}, g.reverted(ctx, hash, rcpt.BlockNumber)
			}
			done, err := g.confirmed(ctx, rcpt.BlockNumber.Uint64())
			if err != nil {
				g.logger.WarnContext(ctx, "head lookup failed", slog.String("error", err.Error()))
			} else if done {
				return domain.Receipt{
					TxHash:      tx.Hash,
					BlockNumber: rcpt.BlockNumber.Uint64(),
					GasUsed:     rcpt.GasUsed,
				}, nil
			}
		case errors.Is(err, ethereum.NotFound):
		case ctx.Err() != nil:
			return domain.Receipt{}, fmt.Errorf("ethledger: await %s: %w", tx.Hash, ctx.Err())
		default:
			g.logger.WarnContext(ctx, "receipt lookup failed",
				slog.String("tx", tx.Hash),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return domain.Receipt{}, fmt.Errorf("ethledger: await %s: %w", tx.Hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// reverted builds the error of a failed receipt. The transaction is replayed
// as a call against the state of its block to recover the revert reason.
func (g *Gateway) reverted(ctx context.Context, hash common.Hash, block *big.Int) error {
	base := fmt.Errorf("ethledger: tx %s: %w: reverted in block %d", hash.Hex(), domain.ErrTransactionFailed, block.Uint64())

	tx, _, err := g.backend.TransactionByHash(ctx, hash)
	if err != nil {
		g.logger.WarnContext(ctx, "revert replay: tx lookup failed", slog.String("tx", hash.Hex()), slog.String("error", err.Error()))
		return base
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return base
	}
	_, callErr := g.backend.CallContract(ctx, ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, block)
	if callErr == nil {
		return base
	}
	classified := classifyError(callErr)
	if errors.Is(classified, domain.ErrAlreadyVerified) || errors.Is(classified, domain.ErrAlreadyExists) || errors.Is(classified, domain.ErrNotFound) {
		return fmt.Errorf("%w: %w", base, classified)
	}
	return base
}

func (g *Gateway) confirmed(ctx context.Context, block uint64) (bool, error) {
	if g.opts.Confirmations <= 1 {
		return true, nil
	}
	head, err := g.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, err
	}
	current := head.Number.Uint64()
	return current >= block && current-block+1 >= g.opts.Confirmations, nil
}

func toUint64(n *big.Int) (uint64, error) {
	if n == nil {
		return 0, nil
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("value %s overflows uint64", n)
	}
	return n.Uint64(), nil
}

var _ domain.LedgerGateway = (*Gateway)(nil)

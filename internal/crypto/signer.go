package crypto

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// RelayerAuth(address address,uint256 timestamp,uint256 nonce)
var relayerAuthTypeHash = ethcrypto.Keccak256(
	[]byte("RelayerAuth(address address,uint256 timestamp,uint256 nonce)"),
)

// EIP712Domain(string name,string version,uint256 chainId)
var eip712DomainTypeHash = ethcrypto.Keccak256(
	[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
)

// Wallet is the session identity: a secp256k1 key bound to one chain.
type Wallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	domainSep  []byte
}

// NewWallet creates a Wallet from a hex-encoded private key.
func NewWallet(privateKeyHex string, chainID int64) (*Wallet, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return newWallet(pk, chainID), nil
}

// GenerateWallet creates a Wallet with a fresh random key.
func GenerateWallet(chainID int64) (*Wallet, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: generate key: %w", err)
	}
	return newWallet(pk, chainID), nil
}

func newWallet(pk *ecdsa.PrivateKey, chainID int64) *Wallet {
	w := &Wallet{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    big.NewInt(chainID),
	}
	w.domainSep = buildDomainSeparator("IotMartRelayer", "1", w.chainID)
	return w
}

// Address returns the wallet address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// ChainID returns the chain the wallet signs for.
func (w *Wallet) ChainID() *big.Int {
	return new(big.Int).Set(w.chainID)
}

// Transactor returns transaction options signing with the wallet key.
func (w *Wallet) Transactor(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(w.privateKey, w.chainID)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// SignRelayerAuth signs the EIP-712 RelayerAuth message that opens a relayer
// session. It returns the 65-byte signature as 0x-prefixed hex.
func (w *Wallet) SignRelayerAuth(timestamp, nonce int64) (string, error) {
	structHash := ethcrypto.Keccak256(
		concatBytes(
			relayerAuthTypeHash,
			common.LeftPadBytes(w.address.Bytes(), 32),
			bigIntTo32Bytes(big.NewInt(timestamp)),
			bigIntTo32Bytes(big.NewInt(nonce)),
		),
	)
	return w.signDigest(eip712Hash(w.domainSep, structHash))
}

// RecoverRelayerAuth returns the address that produced sig over the
// RelayerAuth message for (address, timestamp, nonce) on chainID.
func RecoverRelayerAuth(address string, timestamp, nonce, chainID int64, sig string) (common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil || len(raw) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: malformed signature")
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	structHash := ethcrypto.Keccak256(
		concatBytes(
			relayerAuthTypeHash,
			common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32),
			bigIntTo32Bytes(big.NewInt(timestamp)),
			bigIntTo32Bytes(big.NewInt(nonce)),
		),
	)
	digest := eip712Hash(buildDomainSeparator("IotMartRelayer", "1", big.NewInt(chainID)), structHash)
	pub, err := ethcrypto.SigToPub(digest, raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// buildDomainSeparator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId)).
func buildDomainSeparator(name, version string, chainID *big.Int) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(name)),
			ethcrypto.Keccak256([]byte(version)),
			bigIntTo32Bytes(chainID),
		),
	)
}

// eip712Hash computes keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash))
}

func (w *Wallet) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, w.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	// go-ethereum returns v in {0,1}; EIP-712 expects v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}

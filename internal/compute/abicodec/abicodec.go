// Package abicodec encodes decrypted clear values the way the marketplace
// contract's verification entry point expects them: one uint256 per handle,
// ABI-encoded in handle order.
package abicodec

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var uint256Type = mustType("uint256")

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("abicodec: %s: %v", t, err))
	}
	return typ
}

func arguments(n int) abi.Arguments {
	args := make(abi.Arguments, n)
	for i := range args {
		args[i] = abi.Argument{Type: uint256Type}
	}
	return args
}

// EncodeClearValues ABI-encodes values as consecutive uint256 words.
func EncodeClearValues(values []uint64) ([]byte, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("abicodec: no values to encode")
	}
	params := make([]any, len(values))
	for i, v := range values {
		params[i] = new(big.Int).SetUint64(v)
	}
	out, err := arguments(len(values)).Pack(params...)
	if err != nil {
		return nil, fmt.Errorf("abicodec: pack: %w", err)
	}
	return out, nil
}

// DecodeClearValues decodes n uint256 words. Values that do not fit a uint64
// are rejected.
func DecodeClearValues(data []byte, n int) ([]uint64, error) {
	if n < 1 {
		return nil, fmt.Errorf("abicodec: invalid value count %d", n)
	}
	raw, err := arguments(n).Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("abicodec: unpack: %w", err)
	}
	out := make([]uint64, len(raw))
	for i, r := range raw {
		b, ok := r.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("abicodec: value %d has type %T", i, r)
		}
		if !b.IsUint64() {
			return nil, fmt.Errorf("abicodec: value %d overflows uint64", i)
		}
		out[i] = b.Uint64()
	}
	return out, nil
}

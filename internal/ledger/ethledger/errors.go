package ethledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

// codeUserRejected is the EIP-1193 "user rejected request" error code
// returned by remote signers.
const codeUserRejected = 4001

// classifyError maps RPC and revert errors onto the domain taxonomy while
// keeping the original error in the chain.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeUserRejected {
		return fmt.Errorf("%w: %w", domain.ErrUserRejected, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "user rejected") || strings.Contains(msg, "user denied") || strings.Contains(msg, "request denied") {
		return fmt.Errorf("%w: %w", domain.ErrUserRejected, err)
	}

	reason, reverted := revertReason(err)
	switch {
	case reason == reasonAlreadyVerified:
		return fmt.Errorf("%w: %w", domain.ErrAlreadyVerified, err)
	case reason == reasonNotFound:
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	case reason == reasonIDExists:
		return fmt.Errorf("%w: %w: %w", domain.ErrTransactionFailed, domain.ErrAlreadyExists, err)
	case reverted:
		return fmt.Errorf("%w: %w", domain.ErrTransactionFailed, err)
	}
	return err
}

// revertReason extracts the Error(string) reason of a reverted call. It
// prefers the ABI-encoded revert data and falls back to the node's message.
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason, true
				}
			}
		}
	}
	const marker = "execution reverted"
	msg := err.Error()
	i := strings.Index(msg, marker)
	if i < 0 {
		return "", false
	}
	rest := strings.TrimPrefix(msg[i+len(marker):], ":")
	return strings.TrimSpace(rest), true
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

const defaultConfirmTimeout = 2 * time.Minute

// WorkflowConfig holds the tunables shared by both workflows.
type WorkflowConfig struct {
	ConfirmTimeout   time.Duration
	Validation       ValidationOptions
	SuccessNoticeTTL time.Duration
	ErrorNoticeTTL   time.Duration
}

func (c WorkflowConfig) confirmTimeout() time.Duration {
	if c.ConfirmTimeout <= 0 {
		return defaultConfirmTimeout
	}
	return c.ConfirmTimeout
}

// EventSink receives marketplace events emitted by the workflows.
type EventSink func(ctx context.Context, ev domain.Event)

func (s EventSink) emit(ctx context.Context, ev domain.Event) {
	if s == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	s(ctx, ev)
}

// confirmation is the outcome of awaiting a submitted transaction.
type confirmation struct {
	receipt domain.Receipt
	// pending is set when the wait timed out or the caller stopped waiting;
	// the transaction may still land.
	pending  bool
	detached bool
	err      error
}

// awaitConfirmation waits for tx on a context detached from the caller and
// bounded by timeout. If the caller's ctx ends first the wait is abandoned
// and the result is reported as pending.
func awaitConfirmation(ctx context.Context, ledger domain.LedgerWriter, tx domain.TxHandle, timeout time.Duration) confirmation {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	type res struct {
		r   domain.Receipt
		err error
	}
	ch := make(chan res, 1)
	go func() {
		r, err := ledger.AwaitConfirmation(cctx, tx)
		ch <- res{r: r, err: err}
	}()

	select {
	case out := <-ch:
		timedOut := errors.Is(cctx.Err(), context.DeadlineExceeded)
		cancel()
		if out.err == nil {
			return confirmation{receipt: out.r}
		}
		if timedOut {
			return confirmation{pending: true, err: pendingErr(tx, out.err)}
		}
		return confirmation{err: txFailed(out.err)}
	case <-ctx.Done():
		cancel()
		return confirmation{pending: true, detached: true, err: pendingErr(tx, ctx.Err())}
	}
}

func pendingErr(tx domain.TxHandle, cause error) error {
	return fmt.Errorf("%w: tx %s: %w", domain.ErrPendingUnconfirmed, tx.Hash, cause)
}

// txFailed makes sure err carries domain.ErrTransactionFailed while keeping
// the underlying message.
func txFailed(err error) error {
	if errors.Is(err, domain.ErrTransactionFailed) ||
		errors.Is(err, domain.ErrUserRejected) ||
		errors.Is(err, domain.ErrAlreadyVerified) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrTransactionFailed, err)
}

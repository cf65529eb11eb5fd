package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

const defaultReconcileTimeout = 10 * time.Minute

// LandedFunc is called by the Reconciler once a tracked transaction confirms.
type LandedFunc func(ctx context.Context, rcpt domain.Receipt)

// Reconciler keeps awaiting transactions whose confirmation outlived the
// workflow that submitted them. It never reports into a workflow; landed
// transactions are reconciled through their LandedFunc, which refreshes the
// repository.
type Reconciler struct {
	ledger  domain.LedgerWriter
	timeout time.Duration
	logger  *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]domain.TxHandle
}

// NewReconciler creates a Reconciler. timeout bounds how long each tracked
// transaction is awaited; values <= 0 use a default.
func NewReconciler(ledger domain.LedgerWriter, timeout time.Duration, logger *slog.Logger) *Reconciler {
	if timeout <= 0 {
		timeout = defaultReconcileTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		ledger:  ledger,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "reconciler")),
		base:    base,
		cancel:  cancel,
		pending: make(map[string]domain.TxHandle),
	}
}

// Track starts awaiting tx in the background. landed may be nil.
func (r *Reconciler) Track(tx domain.TxHandle, landed LandedFunc) {
	r.mu.Lock()
	if _, ok := r.pending[tx.Hash]; ok {
		r.mu.Unlock()
		return
	}
	r.pending[tx.Hash] = tx
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.pending, tx.Hash)
			r.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(r.base, r.timeout)
		defer cancel()

		rcpt, err := r.ledger.AwaitConfirmation(ctx, tx)
		if err != nil {
			r.logger.Warn("tracked transaction did not confirm",
				slog.String("tx", tx.Hash),
				slog.String("error", err.Error()),
			)
			return
		}
		r.logger.Info("tracked transaction confirmed",
			slog.String("tx", tx.Hash),
			slog.Uint64("block", rcpt.BlockNumber),
		)
		if landed != nil {
			landed(context.WithoutCancel(ctx), rcpt)
		}
	}()
}

// Pending returns the transactions still being awaited.
func (r *Reconciler) Pending() []domain.TxHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TxHandle, 0, len(r.pending))
	for _, tx := range r.pending {
		out = append(out, tx)
	}
	return out
}

// Wait blocks until every tracked transaction has been resolved.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Close abandons all tracked transactions and waits for their goroutines.
func (r *Reconciler) Close() {
	r.cancel()
	r.wg.Wait()
}

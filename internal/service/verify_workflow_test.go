package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/iotmart/internal/domain"
	"github.com/alanyoungcy/iotmart/internal/ledger/memledger"
)

func TestCreateThenVerifyScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.mustCreate(t, "Temp-01", "42", "10")

	st := ComputeStats(h.repo.Snapshot())
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Available)
	assert.Zero(t, st.Verified)
	assert.InDelta(t, 10.0, st.AvgPrice, 1e-9)

	res := h.verify.Run(ctx, h.sess, id)
	require.Equal(t, OutcomeSuccess, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, StateDone, res.State)
	assert.True(t, res.ValueConfirmed)
	assert.Equal(t, uint64(42), res.ClearValue)

	assert.Equal(t, []Transition{
		{From: StateIdle, To: StateCheckingLedger},
		{From: StateCheckingLedger, To: StateRequestingProof},
		{From: StateRequestingProof, To: StateSubmitting},
		{From: StateSubmitting, To: StateConfirming},
		{From: StateConfirming, To: StateDone},
	}, h.sess.VerificationTrail())

	l, ok := h.repo.Get(id)
	require.True(t, ok)
	assert.True(t, l.IsVerified)
	v, ok := l.ClearValue()
	require.True(t, ok)
	assert.Equal(t, uint64(42), v)
	assert.Equal(t, 1, ComputeStats(h.repo.Snapshot()).Verified)

	hist := h.sess.History.All()
	require.Len(t, hist, 2)
	assert.Equal(t, domain.HistoryCreate, hist[0].Kind)
	assert.Equal(t, domain.HistoryDecrypt, hist[1].Kind)
	assert.Equal(t, uint64(42), hist[1].Value)
	assert.Equal(t, "Temp-01", hist[1].DisplayName)
	assert.Contains(t, h.events.types(), domain.EventListingVerified)
}

func TestVerifyAlreadyVerifiedIsIdempotent(t *testing.T) {
	h := newHarness(t)
	id := h.mustCreate(t, "Temp-01", "42", "10")
	require.Equal(t, OutcomeSuccess, h.verify.Run(context.Background(), h.sess, id).Outcome)

	writes := h.ledger.Writes()
	histLen := h.sess.History.Len()

	res := h.verify.Run(context.Background(), h.sess, id)
	assert.Equal(t, OutcomeAlreadyVerified, res.Outcome)
	assert.Equal(t, StateAlreadyVerified, res.State)
	assert.True(t, res.OK())
	assert.True(t, res.ValueConfirmed)
	assert.Equal(t, uint64(42), res.ClearValue)

	assert.Equal(t, writes, h.ledger.Writes(), "no write for an already verified listing")
	assert.Equal(t, histLen, h.sess.History.Len())
}

func TestVerifyVerifiedElsewhereBeforeSubmit(t *testing.T) {
	h := newHarness(t, func(o *harnessOpts) {
		o.wrap = func(l *memledger.Ledger) domain.LedgerGateway {
			return &hookLedger{Ledger: l, beforeHandle: func(id string) { l.MarkVerified(id, 42) }}
		}
	})
	id := h.mustCreate(t, "Temp-01", "42", "10")
	writes := h.ledger.Writes()

	res := h.verify.Run(context.Background(), h.sess, id)
	assert.Equal(t, OutcomeAlreadyVerified, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, uint64(42), res.ClearValue)
	assert.Equal(t, writes, h.ledger.Writes())
	assert.Equal(t, 1, h.sess.History.Len(), "losing the race adds no history")
}

func TestVerifyVerifiedElsewhereWhileMining(t *testing.T) {
	h := newHarness(t)
	id := h.mustCreate(t, "Temp-01", "42", "10")
	h.ledger.Hold()

	done := make(chan Result, 1)
	go func() { done <- h.verify.Run(context.Background(), h.sess, id) }()
	require.Eventually(t, func() bool { return h.ledger.PendingTxs() == 1 }, time.Second, time.Millisecond)

	require.True(t, h.ledger.MarkVerified(id, 42))
	h.ledger.Release()

	res := <-done
	assert.Equal(t, OutcomeAlreadyVerified, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, uint64(42), res.ClearValue)
	assert.Equal(t, 1, h.sess.History.Len())
}

// revertingLedger reports every awaited transaction as reverted without a
// reason once revert is set, as a receipt with a failed status does.
type revertingLedger struct {
	*memledger.Ledger
	revert atomic.Bool
}

func (r *revertingLedger) AwaitConfirmation(ctx context.Context, h domain.TxHandle) (domain.Receipt, error) {
	if r.revert.Load() {
		return domain.Receipt{}, fmt.Errorf("ethledger: tx %s: %w: reverted in block 7", h.Hash, domain.ErrTransactionFailed)
	}
	return r.Ledger.AwaitConfirmation(ctx, h)
}

func TestVerifyRevertWithoutVerificationFails(t *testing.T) {
	var rl *revertingLedger
	h := newHarness(t, func(o *harnessOpts) {
		o.wrap = func(l *memledger.Ledger) domain.LedgerGateway {
			rl = &revertingLedger{Ledger: l}
			return rl
		}
	})
	id := h.mustCreate(t, "Temp-01", "42", "10")
	h.ledger.Hold()
	defer h.ledger.Release()
	rl.revert.Store(true)

	res := h.verify.Run(context.Background(), h.sess, id)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, domain.ErrTransactionFailed)
	assert.Equal(t, StateError, h.sess.VerificationState())
	assert.Equal(t, 1, h.sess.History.Len())
}

func TestVerifyUserDeclined(t *testing.T) {
	h := newHarness(t)
	id := h.mustCreate(t, "Temp-01", "42", "10")
	h.ledger.RejectNext(1)

	res := h.verify.Run(context.Background(), h.sess, id)
	assert.Equal(t, OutcomeUserDeclined, res.Outcome)
	assert.Equal(t, StateIdle, h.sess.VerificationState())
	n, ok := h.sess.Notices.Current()
	require.True(t, ok)
	assert.Equal(t, NoticeInfo, n.Level)
	assert.NotEqual(t, NoticeError, n.Level)

	l, ok := h.repo.Get(id)
	require.True(t, ok)
	assert.False(t, l.IsVerified)
	assert.Equal(t, 1, h.sess.History.Len())

	again := h.verify.Run(context.Background(), h.sess, id)
	assert.Equal(t, OutcomeSuccess, again.Outcome)
}

func TestVerifyUnknownListing(t *testing.T) {
	h := newHarness(t)
	res := h.verify.Run(context.Background(), h.sess, "sensor-missing")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, domain.ErrNotFound)
	assert.Zero(t, h.ledger.Writes())
}

func TestVerifyRequiresIdentity(t *testing.T) {
	h := newHarness(t, func(o *harnessOpts) { o.account = "" })
	res := h.verify.Run(context.Background(), h.sess, "sensor-1")
	assert.ErrorIs(t, res.Err, domain.ErrNotConnected)
	assert.Zero(t, h.engine.InitCalls())
}

func TestVerifyPendingThenReconciled(t *testing.T) {
	h := newHarness(t, withConfirmTimeout(20*time.Millisecond))
	id := h.mustCreate(t, "Temp-01", "42", "10")
	h.ledger.Hold()

	res := h.verify.Run(context.Background(), h.sess, id)
	assert.Equal(t, OutcomePending, res.Outcome)
	assert.ErrorIs(t, res.Err, domain.ErrPendingUnconfirmed)
	assert.False(t, res.ValueConfirmed)
	assert.Equal(t, 1, h.sess.History.Len())

	h.ledger.Release()
	h.rec.Wait()

	l, ok := h.repo.Get(id)
	require.True(t, ok)
	assert.True(t, l.IsVerified)
	hist := h.sess.History.All()
	require.Len(t, hist, 2)
	assert.Equal(t, domain.HistoryDecrypt, hist[1].Kind)
	assert.Equal(t, uint64(42), hist[1].Value)
}

func TestVerifyRecordsProvisionalValueWhenReadBackFails(t *testing.T) {
	h := newHarness(t)
	id := h.mustCreate(t, "Temp-01", "42", "10")

	reads := 0
	fl := &failingReadLedger{Ledger: h.ledger, failAfter: 1, id: id, reads: &reads}
	wf := NewVerificationWorkflow(fl, h.engine, nil, nil, WorkflowConfig{}, nil, testLogger())

	res := wf.Run(context.Background(), h.sess, id)
	assert.Equal(t, OutcomeSuccess, res.Outcome, "err: %v", res.Err)
	assert.False(t, res.ValueConfirmed, "clear value is only reported from the ledger")
	assert.Zero(t, res.ClearValue)

	hist := h.sess.History.All()
	require.Len(t, hist, 2)
	assert.Equal(t, uint64(42), hist[1].Value)
}

// failingReadLedger fails every GetListing(id) after the first failAfter.
type failingReadLedger struct {
	*memledger.Ledger
	id        string
	failAfter int
	reads     *int
}

func (f *failingReadLedger) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	if id == f.id {
		*f.reads++
		if *f.reads > f.failAfter {
			return domain.Listing{}, errors.New("rpc unavailable")
		}
	}
	return f.Ledger.GetListing(ctx, id)
}

type heldLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *heldLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

func TestVerifyHonoursSharedLock(t *testing.T) {
	locks := &heldLocks{held: map[string]bool{}}
	h := newHarness(t, func(o *harnessOpts) { o.locks = locks })
	id := h.mustCreate(t, "Temp-01", "42", "10")

	handle, err := h.ledger.GetEncryptedValue(context.Background(), id)
	require.NoError(t, err)
	unlock, err := locks.Acquire(context.Background(), "verify:"+handle, time.Minute)
	require.NoError(t, err)

	res := h.verify.Run(context.Background(), h.sess, id)
	assert.ErrorIs(t, res.Err, domain.ErrBusy)
	assert.Equal(t, 1, h.ledger.Writes())

	unlock()
	res = h.verify.Run(context.Background(), h.sess, id)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Empty(t, locks.held, "lock released after the run")
}

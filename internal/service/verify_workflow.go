package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

const defaultVerifyLockTTL = 5 * time.Minute

// VerificationWorkflow obtains a verified decryption of a listing's value and
// records it on the ledger.
type VerificationWorkflow struct {
	ledger     domain.LedgerGateway
	compute    domain.ComputeService
	locks      domain.LockManager
	lockTTL    time.Duration
	reconciler *Reconciler
	cfg        WorkflowConfig
	events     EventSink
	logger     *slog.Logger
}

// NewVerificationWorkflow creates a VerificationWorkflow. locks, reconciler
// and events may be nil.
func NewVerificationWorkflow(
	ledger domain.LedgerGateway,
	compute domain.ComputeService,
	locks domain.LockManager,
	reconciler *Reconciler,
	cfg WorkflowConfig,
	events EventSink,
	logger *slog.Logger,
) *VerificationWorkflow {
	return &VerificationWorkflow{
		ledger:     ledger,
		compute:    compute,
		locks:      locks,
		lockTTL:    defaultVerifyLockTTL,
		reconciler: reconciler,
		cfg:        cfg,
		events:     events,
		logger:     logger.With(slog.String("component", "verification_workflow")),
	}
}

// Run executes one verification attempt of listing id for sess. A listing the
// ledger already reports as verified is returned as OutcomeAlreadyVerified
// without any write.
func (w *VerificationWorkflow) Run(ctx context.Context, sess *Session, id string) Result {
	if !sess.Connected() {
		return Result{Outcome: OutcomeFailed, State: sess.VerificationState(), ListingID: id, Err: fmt.Errorf("verify listing: %w", domain.ErrNotConnected)}
	}
	release, err := sess.acquire(&sess.verifying, "verify listing")
	if err != nil {
		return Result{Outcome: OutcomeFailed, State: sess.VerificationState(), ListingID: id, Err: err}
	}
	defer release()

	sm := sess.verifySM
	sm.begin()
	log := w.logger.With(slog.String("session", sess.ID), slog.String("listing_id", id))

	// CheckingLedger
	sm.to(StateCheckingLedger)
	listing, err := w.ledger.GetListing(ctx, id)
	if err != nil {
		return w.fail(ctx, sess, id, "", fmt.Errorf("verify listing %s: read: %w", id, err))
	}
	if listing.IsVerified {
		return w.alreadyVerified(ctx, sess, listing)
	}
	handle, err := w.ledger.GetEncryptedValue(ctx, id)
	if err != nil {
		return w.fail(ctx, sess, id, "", fmt.Errorf("verify listing %s: read handle: %w", id, err))
	}

	if w.locks != nil {
		unlock, err := w.locks.Acquire(ctx, "verify:"+handle, w.lockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return Result{Outcome: OutcomeFailed, State: sm.State(), ListingID: id, Err: fmt.Errorf("verify listing %s: %w: %w", id, domain.ErrBusy, err)}
			}
			return w.fail(ctx, sess, id, "", fmt.Errorf("verify listing %s: lock: %w", id, err))
		}
		defer unlock()
	}

	if err := sess.initCompute(ctx, w.compute); err != nil {
		return w.fail(ctx, sess, id, "", fmt.Errorf("verify listing %s: init compute: %w", id, err))
	}

	// RequestingProof, then Submitting from inside the compute callback.
	sm.to(StateRequestingProof)
	sess.Notices.Post(NoticePending, "Requesting decryption proof...", 0)

	var (
		subMu  sync.Mutex
		subTx  domain.TxHandle
		subErr error
		subOK  bool
	)
	submit := func(sctx context.Context, encoded, proof []byte) (domain.TxHandle, error) {
		sm.to(StateSubmitting)
		sess.Notices.Post(NoticePending, "Confirm the verification in your wallet...", 0)
		h, err := w.ledger.SubmitVerification(sctx, id, encoded, proof)
		subMu.Lock()
		defer subMu.Unlock()
		if err != nil {
			subErr = err
			return h, err
		}
		subTx, subOK = h, true
		return h, nil
	}

	dec, err := w.compute.VerifyDecryption(ctx, []string{handle}, sess.Contract, submit)
	subMu.Lock()
	tx, submitted, submitErr := subTx, subOK, subErr
	subMu.Unlock()
	if err == nil && submitErr != nil {
		err = submitErr
	}
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUserRejected):
			sm.to(StateIdle)
			sess.Notices.Post(NoticeInfo, "Transaction cancelled", w.cfg.SuccessNoticeTTL)
			log.InfoContext(ctx, "verification declined")
			return Result{Outcome: OutcomeUserDeclined, State: StateIdle, ListingID: id, Err: err}
		case errors.Is(err, domain.ErrAlreadyVerified):
			log.InfoContext(ctx, "listing verified concurrently")
			return w.raceLost(ctx, sess, id)
		}
		return w.fail(ctx, sess, id, tx.Hash, fmt.Errorf("verify listing %s: %w", id, txFailed(err)))
	}
	if !submitted {
		return w.fail(ctx, sess, id, "", fmt.Errorf("verify listing %s: %w: no verification was submitted", id, domain.ErrTransactionFailed))
	}
	provisional, ok := dec.ClearValues[handle]
	if !ok {
		log.WarnContext(ctx, "decryption result misses requested handle", slog.String("handle", handle))
	}
	log.InfoContext(ctx, "verification submitted", slog.String("tx", tx.Hash))

	// Confirming
	sm.to(StateConfirming)
	sess.Notices.Post(NoticePending, "Waiting for confirmation...", 0)
	conf := awaitConfirmation(ctx, w.ledger, tx, w.cfg.confirmTimeout())
	switch {
	case conf.pending:
		sm.to(StatePendingUnconfirmed)
		w.handOff(ctx, sess, listing, provisional, tx)
		log.WarnContext(ctx, "verification confirmation pending",
			slog.String("tx", tx.Hash),
			slog.Bool("detached", conf.detached),
		)
		return Result{Outcome: OutcomePending, State: StatePendingUnconfirmed, ListingID: id, TxHash: tx.Hash, Err: conf.err}
	case conf.err != nil:
		if errors.Is(conf.err, domain.ErrAlreadyVerified) {
			return w.raceLost(ctx, sess, id)
		}
		// A reverted receipt may not carry its reason; the ledger state decides.
		if errors.Is(conf.err, domain.ErrTransactionFailed) {
			if current, err := w.ledger.GetListing(ctx, id); err == nil && current.IsVerified {
				log.InfoContext(ctx, "verification reverted, listing verified concurrently", slog.String("tx", tx.Hash))
				return w.alreadyVerified(ctx, sess, current)
			}
		}
		return w.fail(ctx, sess, id, tx.Hash, fmt.Errorf("confirm verification %s: %w", id, conf.err))
	}

	value, confirmed := w.landed(context.WithoutCancel(ctx), sess, listing, provisional, tx.Hash)
	sm.to(StateDone)
	sess.Notices.Post(NoticeSuccess, fmt.Sprintf("Listing %q verified", listing.Name), w.cfg.SuccessNoticeTTL)
	log.InfoContext(ctx, "listing verified",
		slog.String("tx", tx.Hash),
		slog.Bool("value_confirmed", confirmed),
	)
	res := Result{Outcome: OutcomeSuccess, State: StateDone, ListingID: id, TxHash: tx.Hash}
	if confirmed {
		res.ClearValue, res.ValueConfirmed = value, true
	}
	return res
}

// landed refreshes the repository and reads the verified value back from the
// ledger. The returned value is the ledger's; confirmed is false when the
// read-back failed, in which case the history keeps the provisional value.
func (w *VerificationWorkflow) landed(ctx context.Context, sess *Session, listing domain.Listing, provisional uint64, txHash string) (uint64, bool) {
	if _, err := sess.Listings.Refresh(ctx); err != nil {
		w.logger.WarnContext(ctx, "refresh after verification failed",
			slog.String("listing_id", listing.ID),
			slog.String("error", err.Error()),
		)
	}

	value, confirmed := w.readBack(ctx, listing.ID)
	recorded := provisional
	if confirmed {
		recorded = value
		if value != provisional {
			w.logger.WarnContext(ctx, "ledger value differs from decryption result",
				slog.String("listing_id", listing.ID),
				slog.Uint64("ledger", value),
				slog.Uint64("decrypted", provisional),
			)
		}
	}

	sess.History.Append(ctx, domain.HistoryEntry{
		Kind:        domain.HistoryDecrypt,
		ListingID:   listing.ID,
		DisplayName: listing.Name,
		Value:       recorded,
		Account:     sess.Account,
		TxHash:      txHash,
	})
	w.events.emit(ctx, domain.Event{
		Type:      domain.EventListingVerified,
		ListingID: listing.ID,
		TxHash:    txHash,
		Message:   listing.Name,
	})
	return value, confirmed
}

func (w *VerificationWorkflow) readBack(ctx context.Context, id string) (uint64, bool) {
	l, err := w.ledger.GetListing(ctx, id)
	if err != nil {
		w.logger.WarnContext(ctx, "read back verified listing failed",
			slog.String("listing_id", id),
			slog.String("error", err.Error()),
		)
		return 0, false
	}
	return l.ClearValue()
}

func (w *VerificationWorkflow) alreadyVerified(ctx context.Context, sess *Session, listing domain.Listing) Result {
	sess.verifySM.to(StateAlreadyVerified)
	if _, err := sess.Listings.Refresh(ctx); err != nil {
		w.logger.WarnContext(ctx, "refresh of verified listing failed",
			slog.String("listing_id", listing.ID),
			slog.String("error", err.Error()),
		)
	}
	value, ok := listing.ClearValue()
	sess.Notices.Post(NoticeSuccess, fmt.Sprintf("Listing %q is already verified", listing.Name), w.cfg.SuccessNoticeTTL)
	return Result{
		Outcome:        OutcomeAlreadyVerified,
		State:          StateAlreadyVerified,
		ListingID:      listing.ID,
		ClearValue:     value,
		ValueConfirmed: ok,
	}
}

// raceLost handles a verification that another party completed first.
func (w *VerificationWorkflow) raceLost(ctx context.Context, sess *Session, id string) Result {
	listing, err := w.ledger.GetListing(ctx, id)
	if err != nil {
		return w.fail(ctx, sess, id, "", fmt.Errorf("verify listing %s: read after race: %w", id, err))
	}
	if !listing.IsVerified {
		return w.fail(ctx, sess, id, "", fmt.Errorf("verify listing %s: %w: ledger reported verified but record is not", id, domain.ErrTransactionFailed))
	}
	return w.alreadyVerified(ctx, sess, listing)
}

func (w *VerificationWorkflow) handOff(ctx context.Context, sess *Session, listing domain.Listing, provisional uint64, tx domain.TxHandle) {
	sess.Notices.Post(NoticePending, "Verification submitted, confirmation pending", 0)
	w.events.emit(ctx, domain.Event{Type: domain.EventTxPending, ListingID: listing.ID, TxHash: tx.Hash})
	if w.reconciler == nil {
		return
	}
	w.reconciler.Track(tx, func(lctx context.Context, _ domain.Receipt) {
		w.landed(lctx, sess, listing, provisional, tx.Hash)
		sess.Notices.Post(NoticeSuccess, fmt.Sprintf("Listing %q verified", listing.Name), w.cfg.SuccessNoticeTTL)
	})
}

func (w *VerificationWorkflow) fail(ctx context.Context, sess *Session, id, txHash string, err error) Result {
	sess.verifySM.to(StateError)
	sess.Notices.Post(NoticeError, err.Error(), w.cfg.ErrorNoticeTTL)
	w.events.emit(ctx, domain.Event{Type: domain.EventWorkflowError, ListingID: id, TxHash: txHash, Message: err.Error()})
	w.logger.ErrorContext(ctx, "verification failed",
		slog.String("session", sess.ID),
		slog.String("listing_id", id),
		slog.String("error", err.Error()),
	)
	return Result{Outcome: OutcomeFailed, State: StateError, ListingID: id, TxHash: txHash, Err: err}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

// CreationWorkflow encrypts a sensor reading and publishes it as a new
// listing on the ledger.
type CreationWorkflow struct {
	ledger     domain.LedgerGateway
	compute    domain.ComputeService
	reconciler *Reconciler
	cfg        WorkflowConfig
	events     EventSink
	logger     *slog.Logger
}

// NewCreationWorkflow creates a CreationWorkflow. reconciler and events may
// be nil.
func NewCreationWorkflow(
	ledger domain.LedgerGateway,
	compute domain.ComputeService,
	reconciler *Reconciler,
	cfg WorkflowConfig,
	events EventSink,
	logger *slog.Logger,
) *CreationWorkflow {
	return &CreationWorkflow{
		ledger:     ledger,
		compute:    compute,
		reconciler: reconciler,
		cfg:        cfg,
		events:     events,
		logger:     logger.With(slog.String("component", "creation_workflow")),
	}
}

// Run executes one creation attempt for sess. Validation and identity
// failures return before any external call. Every attempt uses a fresh
// listing id.
func (w *CreationWorkflow) Run(ctx context.Context, sess *Session, form ListingForm) Result {
	sess.SetForm(form)

	in, err := form.Validate(w.cfg.Validation)
	if err != nil {
		return Result{Outcome: OutcomeFailed, State: sess.CreationState(), Err: err}
	}
	if !sess.Connected() {
		return Result{Outcome: OutcomeFailed, State: sess.CreationState(), Err: fmt.Errorf("create listing: %w", domain.ErrNotConnected)}
	}
	release, err := sess.acquire(&sess.creating, "create listing")
	if err != nil {
		return Result{Outcome: OutcomeFailed, State: sess.CreationState(), Err: err}
	}
	defer release()

	sm := sess.createSM
	sm.begin()
	log := w.logger.With(slog.String("session", sess.ID))

	// Encrypting
	sm.to(StateEncrypting)
	sess.Notices.Post(NoticePending, "Encrypting sensor value...", 0)
	enc, err := w.encrypt(ctx, sess, in.Value)
	if err != nil {
		return w.fail(ctx, sess, "", "", err)
	}

	// Submitting
	id := sess.newListingID()
	sm.to(StateSubmitting)
	sess.Notices.Post(NoticePending, "Confirm the transaction in your wallet...", 0)
	tx, err := w.ledger.CreateListing(ctx, domain.CreateListingRequest{
		ID:             id,
		Name:           in.Name,
		Ciphertext:     enc.Ciphertext,
		Proof:          enc.Proof,
		Price:          in.Price,
		SecondaryValue: in.SecondaryValue,
		Description:    in.Description,
	})
	if err != nil {
		if errors.Is(err, domain.ErrUserRejected) {
			sm.to(StateIdle)
			sess.Notices.Post(NoticeInfo, "Transaction cancelled", w.cfg.SuccessNoticeTTL)
			log.InfoContext(ctx, "listing creation declined", slog.String("listing_id", id))
			return Result{Outcome: OutcomeUserDeclined, State: StateIdle, ListingID: id, Err: err}
		}
		return w.fail(ctx, sess, id, "", fmt.Errorf("create listing %s: %w", id, txFailed(err)))
	}
	log.InfoContext(ctx, "listing submitted",
		slog.String("listing_id", id),
		slog.String("tx", tx.Hash),
	)

	// Confirming
	sm.to(StateConfirming)
	sess.Notices.Post(NoticePending, "Waiting for confirmation...", 0)
	entry := domain.HistoryEntry{
		Kind:        domain.HistoryCreate,
		ListingID:   id,
		DisplayName: in.Name,
		Value:       in.Value,
		Account:     sess.Account,
		TxHash:      tx.Hash,
	}
	conf := awaitConfirmation(ctx, w.ledger, tx, w.cfg.confirmTimeout())
	switch {
	case conf.pending:
		sm.to(StatePendingUnconfirmed)
		w.handOff(ctx, sess, tx, entry)
		log.WarnContext(ctx, "listing confirmation pending",
			slog.String("listing_id", id),
			slog.String("tx", tx.Hash),
			slog.Bool("detached", conf.detached),
		)
		return Result{Outcome: OutcomePending, State: StatePendingUnconfirmed, ListingID: id, TxHash: tx.Hash, Err: conf.err}
	case conf.err != nil:
		return w.fail(ctx, sess, id, tx.Hash, fmt.Errorf("confirm listing %s: %w", id, conf.err))
	}

	w.landed(context.WithoutCancel(ctx), sess, entry)
	sm.to(StateDone)
	sess.ClearForm()
	sess.Notices.Post(NoticeSuccess, fmt.Sprintf("Listing %q created", in.Name), w.cfg.SuccessNoticeTTL)
	log.InfoContext(ctx, "listing created",
		slog.String("listing_id", id),
		slog.String("tx", tx.Hash),
		slog.Uint64("block", conf.receipt.BlockNumber),
	)
	return Result{Outcome: OutcomeSuccess, State: StateDone, ListingID: id, TxHash: tx.Hash}
}

func (w *CreationWorkflow) encrypt(ctx context.Context, sess *Session, value uint64) (domain.EncryptedInput, error) {
	if err := sess.initCompute(ctx, w.compute); err != nil {
		return domain.EncryptedInput{}, fmt.Errorf("%w: init: %w", domain.ErrEncryptionFailed, err)
	}
	enc, err := w.compute.Encrypt(ctx, sess.Contract, sess.Account, value)
	if err != nil {
		if errors.Is(err, domain.ErrEncryptionFailed) {
			return enc, err
		}
		return enc, fmt.Errorf("%w: %w", domain.ErrEncryptionFailed, err)
	}
	if len(enc.Ciphertext) == 0 || len(enc.Proof) == 0 {
		return enc, fmt.Errorf("%w: empty ciphertext or proof", domain.ErrEncryptionFailed)
	}
	return enc, nil
}

// landed records a confirmed creation: history, repository refresh, event.
// A refresh failure does not undo the confirmed write.
func (w *CreationWorkflow) landed(ctx context.Context, sess *Session, entry domain.HistoryEntry) {
	sess.History.Append(ctx, entry)
	if _, err := sess.Listings.Refresh(ctx); err != nil {
		w.logger.WarnContext(ctx, "refresh after create failed",
			slog.String("listing_id", entry.ListingID),
			slog.String("error", err.Error()),
		)
	}
	w.events.emit(ctx, domain.Event{
		Type:      domain.EventListingCreated,
		ListingID: entry.ListingID,
		TxHash:    entry.TxHash,
		Message:   entry.DisplayName,
	})
}

func (w *CreationWorkflow) handOff(ctx context.Context, sess *Session, tx domain.TxHandle, entry domain.HistoryEntry) {
	sess.Notices.Post(NoticePending, "Transaction submitted, confirmation pending", 0)
	w.events.emit(ctx, domain.Event{Type: domain.EventTxPending, ListingID: entry.ListingID, TxHash: tx.Hash})
	if w.reconciler == nil {
		return
	}
	w.reconciler.Track(tx, func(lctx context.Context, _ domain.Receipt) {
		w.landed(lctx, sess, entry)
		sess.Notices.Post(NoticeSuccess, fmt.Sprintf("Listing %q confirmed", entry.DisplayName), w.cfg.SuccessNoticeTTL)
	})
}

func (w *CreationWorkflow) fail(ctx context.Context, sess *Session, id, txHash string, err error) Result {
	sess.createSM.to(StateError)
	sess.Notices.Post(NoticeError, err.Error(), w.cfg.ErrorNoticeTTL)
	w.events.emit(ctx, domain.Event{Type: domain.EventWorkflowError, ListingID: id, TxHash: txHash, Message: err.Error()})
	w.logger.ErrorContext(ctx, "listing creation failed",
		slog.String("session", sess.ID),
		slog.String("listing_id", id),
		slog.String("error", err.Error()),
	)
	return Result{Outcome: OutcomeFailed, State: StateError, ListingID: id, TxHash: txHash, Err: err}
}

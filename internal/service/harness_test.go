package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/iotmart/internal/compute/localfhe"
	"github.com/alanyoungcy/iotmart/internal/domain"
	"github.com/alanyoungcy/iotmart/internal/ledger/memledger"
)

const testAccount = "0x00000000000000000000000000000000000000a1"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// eventLog collects emitted events.
type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) sink(_ context.Context, ev domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []domain.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

// hookLedger lets a test run code between the verification workflow's
// ledger check and its proof request.
type hookLedger struct {
	*memledger.Ledger
	beforeHandle func(id string)
}

func (h *hookLedger) GetEncryptedValue(ctx context.Context, id string) (string, error) {
	if h.beforeHandle != nil {
		h.beforeHandle(id)
	}
	return h.Ledger.GetEncryptedValue(ctx, id)
}

type harness struct {
	ledger  *memledger.Ledger
	gateway domain.LedgerGateway
	engine  *localfhe.Engine
	repo    *ListingRepository
	sess    *Session
	rec     *Reconciler
	create  *CreationWorkflow
	verify  *VerificationWorkflow
	events  *eventLog
}

type harnessOpts struct {
	cfg     WorkflowConfig
	account string
	locks   domain.LockManager
	wrap    func(*memledger.Ledger) domain.LedgerGateway
}

func newHarness(t *testing.T, mods ...func(*harnessOpts)) *harness {
	t.Helper()
	o := harnessOpts{
		cfg:     WorkflowConfig{ConfirmTimeout: 5 * time.Second},
		account: testAccount,
	}
	for _, m := range mods {
		m(&o)
	}

	engine := localfhe.New()
	ledger := memledger.New(memledger.Options{Sender: o.account, Verifier: engine.Verifier()})
	var gw domain.LedgerGateway = ledger
	if o.wrap != nil {
		gw = o.wrap(ledger)
	}

	log := testLogger()
	repo := NewListingRepository(gw, 4, log)
	rec := NewReconciler(gw, 5*time.Second, log)
	t.Cleanup(rec.Close)
	events := &eventLog{}

	sess := NewSession("test-session", SessionConfig{
		Account:  o.account,
		Contract: gw.ContractAddress(),
		Listings: repo,
		History:  NewHistory("test-session", DefaultHistoryWindow, nil, log),
	})

	return &harness{
		ledger:  ledger,
		gateway: gw,
		engine:  engine,
		repo:    repo,
		sess:    sess,
		rec:     rec,
		create:  NewCreationWorkflow(gw, engine, rec, o.cfg, events.sink, log),
		verify:  NewVerificationWorkflow(gw, engine, o.locks, rec, o.cfg, events.sink, log),
		events:  events,
	}
}

func withConfirmTimeout(d time.Duration) func(*harnessOpts) {
	return func(o *harnessOpts) { o.cfg.ConfirmTimeout = d }
}

func (h *harness) mustCreate(t *testing.T, name, value, price string) string {
	t.Helper()
	res := h.create.Run(context.Background(), h.sess, ListingForm{Name: name, Value: value, Price: price})
	require.Equal(t, OutcomeSuccess, res.Outcome, "create failed: %v", res.Err)
	return res.ListingID
}

package service

import (
	"errors"
	"sync"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

// State is a step of the creation or verification state machine.
type State string

const (
	StateIdle               State = "idle"
	StateEncrypting         State = "encrypting"
	StateCheckingLedger     State = "checking_ledger"
	StateRequestingProof    State = "requesting_proof"
	StateSubmitting         State = "submitting"
	StateConfirming         State = "confirming"
	StateAlreadyVerified    State = "already_verified"
	StatePendingUnconfirmed State = "pending_unconfirmed"
	StateDone               State = "done"
	StateError              State = "error"
)

// Terminal reports whether no further transition follows s within the same
// attempt.
func (s State) Terminal() bool {
	switch s {
	case StateIdle, StateDone, StateError, StateAlreadyVerified, StatePendingUnconfirmed:
		return true
	}
	return false
}

// Outcome is the tagged result of a workflow attempt.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeAlreadyVerified Outcome = "already_verified"
	OutcomeUserDeclined    Outcome = "user_declined"
	OutcomePending         Outcome = "pending"
	OutcomeFailed          Outcome = "failed"
)

// Result is what a workflow attempt reports to its caller.
type Result struct {
	Outcome   Outcome
	State     State
	ListingID string
	TxHash    string

	// ClearValue is the verified value read back from the ledger. It is only
	// meaningful when ValueConfirmed is true.
	ClearValue     uint64
	ValueConfirmed bool

	// Err is set for OutcomeFailed and OutcomePending and wraps one of the
	// domain sentinel errors.
	Err error
}

// OK reports whether the outcome counts as a success for the caller.
func (r Result) OK() bool {
	return r.Outcome == OutcomeSuccess || r.Outcome == OutcomeAlreadyVerified
}

// Transition is one observed state change.
type Transition struct {
	From State
	To   State
}

// stateMachine tracks the current state of one workflow kind and the
// transitions it went through during the latest attempt.
type stateMachine struct {
	mu      sync.RWMutex
	current State
	trail   []Transition
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateIdle}
}

func (m *stateMachine) begin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trail = m.trail[:0]
}

func (m *stateMachine) to(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == s {
		return
	}
	m.trail = append(m.trail, Transition{From: m.current, To: s})
	m.current = s
}

func (m *stateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *stateMachine) Trail() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.trail))
	copy(out, m.trail)
	return out
}

// classify maps a write-path error to its outcome.
func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, domain.ErrUserRejected):
		return OutcomeUserDeclined
	case errors.Is(err, domain.ErrAlreadyVerified):
		return OutcomeAlreadyVerified
	case errors.Is(err, domain.ErrPendingUnconfirmed):
		return OutcomePending
	default:
		return OutcomeFailed
	}
}

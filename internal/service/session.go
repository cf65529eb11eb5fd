package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

// Session is the explicitly owned context of one connected user. Workflows
// receive it on every invocation; nothing here is process-global, so tests
// construct isolated sessions freely.
type Session struct {
	ID       string
	Account  string
	Contract string

	Listings *ListingRepository
	History  *History
	Notices  *NoticeBoard

	formMu sync.Mutex
	form   ListingForm

	idMu    sync.Mutex
	usedIDs map[string]struct{}

	creating  atomic.Bool
	verifying atomic.Bool

	createSM *stateMachine
	verifySM *stateMachine

	computeMu    sync.Mutex
	computeReady bool
}

// SessionConfig holds the collaborators of a new Session.
type SessionConfig struct {
	Account  string
	Contract string
	Listings *ListingRepository
	History  *History
	Notices  *NoticeBoard
}

// NewSession creates a Session. An empty Account yields a disconnected
// session on which every workflow fails with domain.ErrNotConnected.
func NewSession(id string, cfg SessionConfig) *Session {
	if id == "" {
		id = uuid.New().String()
	}
	notices := cfg.Notices
	if notices == nil {
		notices = NewNoticeBoard(nil)
	}
	history := cfg.History
	if history == nil {
		history = NewHistory(id, DefaultHistoryWindow, nil, slog.Default())
	}
	return &Session{
		ID:       id,
		Account:  cfg.Account,
		Contract: cfg.Contract,
		Listings: cfg.Listings,
		History:  history,
		Notices:  notices,
		usedIDs:  make(map[string]struct{}),
		createSM: newStateMachine(),
		verifySM: newStateMachine(),
	}
}

// Connected reports whether the session carries an authenticated identity.
func (s *Session) Connected() bool {
	return strings.TrimSpace(s.Account) != ""
}

// Form returns the current listing draft.
func (s *Session) Form() ListingForm {
	s.formMu.Lock()
	defer s.formMu.Unlock()
	return s.form
}

// SetForm replaces the listing draft.
func (s *Session) SetForm(f ListingForm) {
	s.formMu.Lock()
	defer s.formMu.Unlock()
	s.form = f
}

// ClearForm resets the listing draft.
func (s *Session) ClearForm() {
	s.SetForm(ListingForm{})
}

// newListingID returns an id that has not been handed out in this session.
func (s *Session) newListingID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	for {
		id := fmt.Sprintf("sensor-%d-%s", time.Now().UnixMilli(), uuid.New().String()[:8])
		if _, used := s.usedIDs[id]; used {
			continue
		}
		s.usedIDs[id] = struct{}{}
		return id
	}
}

// IssuedIDs returns how many listing ids this session has generated.
func (s *Session) IssuedIDs() int {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return len(s.usedIDs)
}

func (s *Session) acquire(flag *atomic.Bool, kind string) (release func(), err error) {
	if !flag.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%s: %w", kind, domain.ErrBusy)
	}
	return func() { flag.Store(false) }, nil
}

// CreationState returns the current state of the session's creation workflow.
func (s *Session) CreationState() State { return s.createSM.State() }

// VerificationState returns the current state of the session's verification
// workflow.
func (s *Session) VerificationState() State { return s.verifySM.State() }

// CreationTrail returns the transitions of the latest creation attempt.
func (s *Session) CreationTrail() []Transition { return s.createSM.Trail() }

// VerificationTrail returns the transitions of the latest verification attempt.
func (s *Session) VerificationTrail() []Transition { return s.verifySM.Trail() }

// initCompute runs c.Init at most once successfully per session. Concurrent
// callers wait for the same initialization; a failed Init is retried by the
// next caller.
func (s *Session) initCompute(ctx context.Context, c domain.ComputeService) error {
	s.computeMu.Lock()
	defer s.computeMu.Unlock()
	if s.computeReady {
		return nil
	}
	if err := c.Init(ctx); err != nil {
		return err
	}
	s.computeReady = true
	return nil
}

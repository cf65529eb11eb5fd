package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

// Notifier forwards marketplace events to operators.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// MarketplaceDeps are the collaborators of a Marketplace. Ledger, Compute and
// Logger are required; the rest may be nil.
type MarketplaceDeps struct {
	Ledger       domain.LedgerGateway
	Compute      domain.ComputeService
	Locks        domain.LockManager
	Bus          domain.SignalBus
	Cache        domain.ListingCache
	HistoryStore domain.HistoryStore
	Notifier     Notifier
	Logger       *slog.Logger
}

// MarketplaceConfig holds the tunables of a Marketplace.
type MarketplaceConfig struct {
	Account            string
	SessionID          string
	Workflow           WorkflowConfig
	RefreshConcurrency int
	HistoryWindow      int
	ReconcileTimeout   time.Duration
}

// Marketplace wires the repository, both workflows and the aggregator around
// one session and fans their events out to the bus, cache and notifier.
type Marketplace struct {
	deps   MarketplaceDeps
	logger *slog.Logger

	session    *Session
	repo       *ListingRepository
	stats      *Aggregator
	reconciler *Reconciler
	creation   *CreationWorkflow
	verify     *VerificationWorkflow

	// Operator notifications, delivered in order off the workflow path.
	notesMu     sync.RWMutex
	notes       chan notification
	notesClosed bool
	notesDone   chan struct{}
	closeOnce   sync.Once
}

type notification struct {
	event, title, message string
}

const (
	notifyQueueSize = 64
	notifyTimeout   = 15 * time.Second
)

// NewMarketplace builds a Marketplace. The repository starts empty; call
// Refresh (or WarmFromCache) to populate it.
func NewMarketplace(deps MarketplaceDeps, cfg MarketplaceConfig) *Marketplace {
	m := &Marketplace{
		deps:   deps,
		logger: deps.Logger.With(slog.String("component", "marketplace")),
	}

	m.repo = NewListingRepository(deps.Ledger, cfg.RefreshConcurrency, deps.Logger)
	m.reconciler = NewReconciler(deps.Ledger, cfg.ReconcileTimeout, deps.Logger)
	m.stats = NewAggregator(m.repo, m.onStats)
	m.repo.OnChange(m.onSnapshot)

	sid := cfg.SessionID
	if sid == "" {
		sid = fmt.Sprintf("session-%d", time.Now().UnixMilli())
	}
	m.session = NewSession(sid, SessionConfig{
		Account:  cfg.Account,
		Contract: deps.Ledger.ContractAddress(),
		Listings: m.repo,
		History:  NewHistory(sid, cfg.HistoryWindow, deps.HistoryStore, deps.Logger),
		Notices:  NewNoticeBoard(m.onNotice),
	})

	if deps.Notifier != nil {
		m.notes = make(chan notification, notifyQueueSize)
		m.notesDone = make(chan struct{})
		go m.deliverNotifications()
	}

	m.creation = NewCreationWorkflow(deps.Ledger, deps.Compute, m.reconciler, cfg.Workflow, m.emit, deps.Logger)
	m.verify = NewVerificationWorkflow(deps.Ledger, deps.Compute, deps.Locks, m.reconciler, cfg.Workflow, m.emit, deps.Logger)
	return m
}

// Session returns the marketplace's session.
func (m *Marketplace) Session() *Session { return m.session }

// Reconciler returns the background confirmation tracker.
func (m *Marketplace) Reconciler() *Reconciler { return m.reconciler }

// CreateListing runs the creation workflow.
func (m *Marketplace) CreateListing(ctx context.Context, form ListingForm) Result {
	return m.creation.Run(ctx, m.session, form)
}

// VerifyListing runs the verification workflow for listing id.
func (m *Marketplace) VerifyListing(ctx context.Context, id string) Result {
	return m.verify.Run(ctx, m.session, id)
}

// Refresh re-reads the listings from the ledger.
func (m *Marketplace) Refresh(ctx context.Context) (*Snapshot, error) {
	return m.repo.Refresh(ctx)
}

// Listings returns the current snapshot.
func (m *Marketplace) Listings() *Snapshot { return m.repo.Snapshot() }

// Listing returns one listing from the current snapshot.
func (m *Marketplace) Listing(id string) (domain.Listing, error) {
	l, ok := m.repo.Get(id)
	if !ok {
		return domain.Listing{}, fmt.Errorf("listing %s: %w", id, domain.ErrNotFound)
	}
	return l, nil
}

// Stats returns the statistics of the current snapshot.
func (m *Marketplace) Stats() domain.Stats { return m.stats.Stats() }

// History returns the visible window of the session history.
func (m *Marketplace) History() []domain.HistoryEntry { return m.session.History.Recent() }

// Notice returns the visible status notice, if any.
func (m *Marketplace) Notice() (Notice, bool) { return m.session.Notices.Current() }

// ContractAvailable reports whether the marketplace contract answers.
func (m *Marketplace) ContractAvailable(ctx context.Context) (bool, error) {
	ok, err := m.deps.Ledger.IsAvailable(ctx)
	if err != nil {
		return false, fmt.Errorf("marketplace: availability: %w", err)
	}
	return ok, nil
}

// WarmFromCache seeds the repository from the listing cache. It is a no-op
// without a cache or once a ledger refresh has completed.
func (m *Marketplace) WarmFromCache(ctx context.Context) error {
	if m.deps.Cache == nil {
		return nil
	}
	records, fetchedAt, err := m.deps.Cache.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("marketplace: warm from cache: %w", err)
	}
	if m.repo.Restore(records, fetchedAt) {
		m.logger.InfoContext(ctx, "repository warmed from cache",
			slog.Int("listings", len(records)),
			slog.Time("fetched_at", fetchedAt),
		)
	}
	return nil
}

// Close stops background confirmation tracking and flushes queued
// notifications. It is safe to call more than once.
func (m *Marketplace) Close() {
	m.closeOnce.Do(func() {
		m.reconciler.Close()
		if m.notes == nil {
			return
		}
		m.notesMu.Lock()
		m.notesClosed = true
		close(m.notes)
		m.notesMu.Unlock()
		<-m.notesDone
	})
}

func (m *Marketplace) deliverNotifications() {
	defer close(m.notesDone)
	for n := range m.notes {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := m.deps.Notifier.Notify(ctx, n.event, n.title, n.message); err != nil {
			m.logger.Warn("notify failed", slog.String("event", n.event), slog.String("error", err.Error()))
		}
		cancel()
	}
}

// enqueueNotification hands n to the delivery goroutine. A full queue drops
// n rather than block the caller.
func (m *Marketplace) enqueueNotification(ctx context.Context, n notification) {
	m.notesMu.RLock()
	defer m.notesMu.RUnlock()
	if m.notesClosed {
		return
	}
	select {
	case m.notes <- n:
	default:
		m.logger.WarnContext(ctx, "notification dropped, queue full", slog.String("event", n.event))
	}
}

func (m *Marketplace) onSnapshot(snap *Snapshot) {
	if m.deps.Cache == nil {
		return
	}
	records := make([]domain.LedgerRecord, 0, snap.Len())
	for _, l := range snap.Listings {
		records = append(records, l.Record())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.deps.Cache.StoreSnapshot(ctx, records, snap.FetchedAt); err != nil {
		m.logger.Warn("listing cache update failed", slog.String("error", err.Error()))
	}
}

func (m *Marketplace) onStats(st domain.Stats) {
	m.emit(context.Background(), domain.Event{Type: domain.EventStatsUpdated, Payload: st})
}

func (m *Marketplace) onNotice(n *Notice) {
	ev := domain.Event{Type: domain.EventNotice}
	if n != nil {
		ev.Message = n.Message
		ev.Payload = *n
	}
	m.emit(context.Background(), ev)
}

// emit publishes ev on the bus and queues workflow outcomes for the
// notifier. Delivery failures are logged only.
func (m *Marketplace) emit(ctx context.Context, ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ctx = context.WithoutCancel(ctx)

	if m.deps.Bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			m.logger.Error("marshal event failed", slog.String("error", err.Error()))
			return
		}
		if err := m.deps.Bus.Publish(ctx, channelFor(ev.Type), payload); err != nil {
			m.logger.WarnContext(ctx, "publish event failed",
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
		if ev.Type == domain.EventListingCreated || ev.Type == domain.EventListingVerified {
			if err := m.deps.Bus.StreamAppend(ctx, domain.StreamHistory, payload); err != nil {
				m.logger.WarnContext(ctx, "append history stream failed", slog.String("error", err.Error()))
			}
		}
	}

	if m.notes != nil {
		title, ok := notifyTitle(ev.Type)
		if !ok {
			return
		}
		m.enqueueNotification(ctx, notification{
			event:   string(ev.Type),
			title:   title,
			message: fmt.Sprintf("listing: %s\ntx: %s\n%s", ev.ListingID, ev.TxHash, ev.Message),
		})
	}
}

func channelFor(t domain.EventType) string {
	switch t {
	case domain.EventStatsUpdated:
		return domain.ChannelStats
	case domain.EventNotice:
		return domain.ChannelNotice
	default:
		return domain.ChannelListings
	}
}

func notifyTitle(t domain.EventType) (string, bool) {
	switch t {
	case domain.EventListingCreated:
		return "Listing created", true
	case domain.EventListingVerified:
		return "Listing verified", true
	case domain.EventTxPending:
		return "Transaction pending", true
	case domain.EventWorkflowError:
		return "Workflow error", true
	}
	return "", false
}

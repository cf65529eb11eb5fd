package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

const defaultRefreshConcurrency = 8

// Snapshot is an immutable view of every listing the ledger returned during
// one refresh, in ledger id order.
type Snapshot struct {
	Listings  []domain.Listing
	Skipped   []string
	FetchedAt time.Time

	byID map[string]int
}

// Get returns the listing with the given id from the snapshot.
func (s *Snapshot) Get(id string) (domain.Listing, bool) {
	if s == nil {
		return domain.Listing{}, false
	}
	i, ok := s.byID[id]
	if !ok {
		return domain.Listing{}, false
	}
	return s.Listings[i], true
}

// Len returns the number of listings in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Listings)
}

var emptySnapshot = &Snapshot{byID: map[string]int{}}

// ListingRepository is the session-scoped, in-memory mirror of the ledger's
// listings. Readers never block on a refresh; each refresh swaps in a whole
// new snapshot.
type ListingRepository struct {
	ledger      domain.LedgerReader
	concurrency int
	logger      *slog.Logger

	current   atomic.Pointer[Snapshot]
	refreshMu sync.Mutex

	subMu       sync.RWMutex
	subscribers []func(*Snapshot)
}

// NewListingRepository creates a repository reading from ledger. concurrency
// bounds the number of parallel per-record fetches; values < 1 use a default.
func NewListingRepository(ledger domain.LedgerReader, concurrency int, logger *slog.Logger) *ListingRepository {
	if concurrency < 1 {
		concurrency = defaultRefreshConcurrency
	}
	r := &ListingRepository{
		ledger:      ledger,
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "listing_repository")),
	}
	r.current.Store(emptySnapshot)
	return r
}

// OnChange registers fn to be called with every new snapshot.
func (r *ListingRepository) OnChange(fn func(*Snapshot)) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Snapshot returns the current snapshot. It never returns nil.
func (r *ListingRepository) Snapshot() *Snapshot {
	return r.current.Load()
}

// Get returns a listing from the current snapshot.
func (r *ListingRepository) Get(id string) (domain.Listing, bool) {
	return r.Snapshot().Get(id)
}

// Restore installs listings from a cached snapshot. It only applies while
// the repository has not completed a ledger refresh, so a cached view never
// replaces ledger data.
func (r *ListingRepository) Restore(records []domain.LedgerRecord, fetchedAt time.Time) bool {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	if r.Snapshot() != emptySnapshot {
		return false
	}
	snap := &Snapshot{
		Listings:  make([]domain.Listing, 0, len(records)),
		FetchedAt: fetchedAt,
		byID:      make(map[string]int, len(records)),
	}
	for _, rec := range records {
		if _, dup := snap.byID[rec.ID]; dup || rec.ID == "" {
			continue
		}
		snap.byID[rec.ID] = len(snap.Listings)
		snap.Listings = append(snap.Listings, domain.ListingFromLedger(rec))
	}
	if !r.current.CompareAndSwap(emptySnapshot, snap) {
		return false
	}
	r.publish(snap)
	return true
}

// Refresh re-reads every listing from the ledger and replaces the snapshot.
// A failure to list the ids aborts the refresh and keeps the previous snapshot; a
// failing single record is skipped and logged.
func (r *ListingRepository) Refresh(ctx context.Context) (*Snapshot, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	ids, err := r.ledger.ListAllListingIDs(ctx)
	if err != nil {
		return r.Snapshot(), fmt.Errorf("listing_repository: list ids: %w", err)
	}

	records := make([]domain.Listing, len(ids))
	fetched := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			l, err := r.ledger.GetListing(gctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.WarnContext(ctx, "skipping listing",
					slog.String("listing_id", id),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if l.ID == "" {
				l.ID = id
			}
			records[i] = l
			fetched[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return r.Snapshot(), fmt.Errorf("listing_repository: refresh: %w", err)
	}

	snap := &Snapshot{
		Listings:  make([]domain.Listing, 0, len(ids)),
		FetchedAt: time.Now().UTC(),
		byID:      make(map[string]int, len(ids)),
	}
	for i, id := range ids {
		if !fetched[i] {
			snap.Skipped = append(snap.Skipped, id)
			continue
		}
		if _, dup := snap.byID[id]; dup {
			continue
		}
		snap.byID[id] = len(snap.Listings)
		snap.Listings = append(snap.Listings, records[i])
	}

	r.current.Store(snap)

	r.logger.DebugContext(ctx, "snapshot replaced",
		slog.Int("listings", snap.Len()),
		slog.Int("skipped", len(snap.Skipped)),
	)

	r.publish(snap)
	return snap, nil
}

func (r *ListingRepository) publish(snap *Snapshot) {
	r.subMu.RLock()
	subs := make([]func(*Snapshot), len(r.subscribers))
	copy(subs, r.subscribers)
	r.subMu.RUnlock()
	for _, fn := range subs {
		fn(snap)
	}
}

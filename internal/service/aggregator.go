package service

import (
	"sync"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

// ComputeStats derives marketplace statistics from a snapshot. AvgPrice is 0
// when the snapshot is empty.
func ComputeStats(snap *Snapshot) domain.Stats {
	var st domain.Stats
	if snap == nil {
		return st
	}

	var sum float64
	for _, l := range snap.Listings {
		st.Total++
		switch l.Status {
		case domain.ListingSold:
			st.Sold++
		default:
			st.Available++
		}
		if l.IsVerified {
			st.Verified++
		}
		sum += float64(l.PublicPrice)
	}
	if st.Total > 0 {
		st.AvgPrice = sum / float64(st.Total)
	}
	return st
}

// Aggregator keeps the stats of the latest repository snapshot.
type Aggregator struct {
	mu       sync.RWMutex
	stats    domain.Stats
	onUpdate func(domain.Stats)
}

// NewAggregator subscribes a new Aggregator to repo. onUpdate, when non-nil,
// is called after every recomputation.
func NewAggregator(repo *ListingRepository, onUpdate func(domain.Stats)) *Aggregator {
	a := &Aggregator{
		stats:    ComputeStats(repo.Snapshot()),
		onUpdate: onUpdate,
	}
	repo.OnChange(a.recompute)
	return a
}

func (a *Aggregator) recompute(snap *Snapshot) {
	st := ComputeStats(snap)
	a.mu.Lock()
	a.stats = st
	a.mu.Unlock()
	if a.onUpdate != nil {
		a.onUpdate(st)
	}
}

// Stats returns the stats of the latest snapshot.
func (a *Aggregator) Stats() domain.Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats
}

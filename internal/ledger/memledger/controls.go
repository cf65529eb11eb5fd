package memledger

import "github.com/alanyoungcy/iotmart/internal/domain"

// Hold stops mining; submitted transactions stay pending until Release.
func (l *Ledger) Hold() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hold = true
}

// Release mines every pending transaction in submission order and resumes
// immediate mining.
func (l *Ledger) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hold = false
	for _, t := range l.queue {
		l.mine(t)
	}
	l.queue = nil
}

// PendingTxs returns the number of submitted but unmined transactions.
func (l *Ledger) PendingTxs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// RejectNext makes the next n writes fail as if the signer declined them.
func (l *Ledger) RejectNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejectNext = n
}

// FailReads makes GetListing(id) fail with err. An empty id targets
// ListAllListingIDs. A nil err clears the failure.
func (l *Ledger) FailReads(id string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.readErrs, id)
		return
	}
	l.readErrs[id] = err
}

// SetAvailable sets the result of IsAvailable.
func (l *Ledger) SetAvailable(ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.available = ok
}

// MarkVerified verifies a listing outside this client, as another party's
// confirmed verification would.
func (l *Ledger) MarkVerified(id string, value uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[id]
	if !ok {
		return false
	}
	rec.IsVerified = true
	rec.DecryptedValue = value
	return true
}

// Put installs rec directly, bypassing proof checks.
func (l *Ledger) Put(rec domain.LedgerRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[rec.ID]; !ok {
		l.order = append(l.order, rec.ID)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}
	l.handles[rec.ID] = nil
	l.records[rec.ID] = &rec
}

// Writes returns the number of accepted write transactions.
func (l *Ledger) Writes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes
}

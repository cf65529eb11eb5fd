package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/iotmart/internal/domain"
	"github.com/alanyoungcy/iotmart/internal/ledger/memledger"
)

func TestReconcilerTracksOncePerHash(t *testing.T) {
	l := memledger.New(memledger.Options{Sender: testAccount})
	l.Put(domain.LedgerRecord{ID: "a", Creator: testAccount})
	l.Hold()
	tx, err := l.CreateListing(context.Background(), domain.CreateListingRequest{ID: "b", Ciphertext: []byte{1}, Proof: []byte{2}})
	require.NoError(t, err)

	r := NewReconciler(l, time.Second, testLogger())
	defer r.Close()

	var landed atomic.Int32
	r.Track(tx, func(context.Context, domain.Receipt) { landed.Add(1) })
	r.Track(tx, func(context.Context, domain.Receipt) { landed.Add(1) })
	assert.Len(t, r.Pending(), 1)

	l.Release()
	r.Wait()
	assert.Equal(t, int32(1), landed.Load())
	assert.Empty(t, r.Pending())
}

func TestReconcilerCloseAbandons(t *testing.T) {
	l := memledger.New(memledger.Options{Sender: testAccount})
	l.Hold()
	tx, err := l.CreateListing(context.Background(), domain.CreateListingRequest{ID: "b", Ciphertext: []byte{1}, Proof: []byte{2}})
	require.NoError(t, err)

	r := NewReconciler(l, time.Minute, testLogger())
	var landed atomic.Bool
	r.Track(tx, func(context.Context, domain.Receipt) { landed.Store(true) })

	r.Close()
	assert.False(t, landed.Load())
	assert.Empty(t, r.Pending())
}

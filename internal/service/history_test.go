package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

type memHistoryStore struct {
	mu      sync.Mutex
	entries map[string][]domain.HistoryEntry
	err     error
}

func (s *memHistoryStore) Append(_ context.Context, sessionID string, e domain.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.entries == nil {
		s.entries = map[string][]domain.HistoryEntry{}
	}
	s.entries[sessionID] = append(s.entries[sessionID], e)
	return nil
}

func (s *memHistoryStore) List(_ context.Context, sessionID string, _ domain.ListOpts) ([]domain.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[sessionID], nil
}

func TestHistoryWindow(t *testing.T) {
	store := &memHistoryStore{}
	h := NewHistory("s1", 3, store, testLogger())
	ctx := context.Background()

	for i := range 5 {
		h.Append(ctx, domain.HistoryEntry{Kind: domain.HistoryCreate, ListingID: fmt.Sprintf("l%d", i)})
	}

	recent := h.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, "l2", recent[0].ListingID)
	assert.Equal(t, "l4", recent[2].ListingID)
	assert.Equal(t, 5, h.Len(), "window never trims the log")

	stored, err := store.List(ctx, "s1", domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, stored, 5)
	for _, e := range h.All() {
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestHistoryDefaultWindow(t *testing.T) {
	h := NewHistory("s1", 0, nil, testLogger())
	for i := range 7 {
		h.Append(context.Background(), domain.HistoryEntry{ListingID: fmt.Sprint(i)})
	}
	assert.Len(t, h.Recent(), DefaultHistoryWindow)
}

func TestHistoryStoreFailureKeepsSessionLog(t *testing.T) {
	store := &memHistoryStore{err: errors.New("db down")}
	h := NewHistory("s1", 5, store, testLogger())
	h.Append(context.Background(), domain.HistoryEntry{ListingID: "l1"})
	assert.Equal(t, 1, h.Len())
}

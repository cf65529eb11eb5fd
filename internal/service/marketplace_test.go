package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/iotmart/internal/compute/localfhe"
	"github.com/alanyoungcy/iotmart/internal/domain"
	"github.com/alanyoungcy/iotmart/internal/ledger/memledger"
)

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streams   map[string][][]byte
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = map[string][][]byte{}
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams == nil {
		b.streams = map[string][][]byte{}
	}
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) events(channel string) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, p := range b.published[channel] {
		var ev domain.Event
		if err := json.Unmarshal(p, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

type fakeCache struct {
	mu        sync.Mutex
	records   []domain.LedgerRecord
	fetchedAt time.Time
	stores    int
}

func (c *fakeCache) StoreSnapshot(_ context.Context, records []domain.LedgerRecord, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records, c.fetchedAt = records, at
	c.stores++
	return nil
}

func (c *fakeCache) LoadSnapshot(context.Context) ([]domain.LedgerRecord, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records, c.fetchedAt, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

// blockingNotifier holds every delivery until release is closed.
type blockingNotifier struct {
	fakeNotifier
	release chan struct{}
}

func (n *blockingNotifier) Notify(ctx context.Context, event, title, message string) error {
	<-n.release
	return n.fakeNotifier.Notify(ctx, event, title, message)
}

func newTestMarketplace(t *testing.T, deps MarketplaceDeps) (*Marketplace, *memledger.Ledger) {
	t.Helper()
	engine := localfhe.New()
	ledger := memledger.New(memledger.Options{Sender: testAccount, Verifier: engine.Verifier()})
	deps.Ledger = ledger
	deps.Compute = engine
	deps.Logger = testLogger()
	m := NewMarketplace(deps, MarketplaceConfig{
		Account:   testAccount,
		SessionID: "market-test",
		Workflow:  WorkflowConfig{ConfirmTimeout: 5 * time.Second},
	})
	t.Cleanup(m.Close)
	return m, ledger
}

func TestMarketplaceScenario(t *testing.T) {
	bus := &fakeBus{}
	cache := &fakeCache{}
	notifier := &fakeNotifier{}
	store := &memHistoryStore{}
	m, _ := newTestMarketplace(t, MarketplaceDeps{Bus: bus, Cache: cache, Notifier: notifier, HistoryStore: store})
	ctx := context.Background()

	created := m.CreateListing(ctx, ListingForm{Name: "Temp-01", Value: "42", Price: "10"})
	require.Equal(t, OutcomeSuccess, created.Outcome, "err: %v", created.Err)

	l, err := m.Listing(created.ListingID)
	require.NoError(t, err)
	_, ok := l.ClearValue()
	assert.False(t, ok)
	assert.Equal(t, 1, m.Stats().Total)
	assert.InDelta(t, 10.0, m.Stats().AvgPrice, 1e-9)

	verified := m.VerifyListing(ctx, created.ListingID)
	require.Equal(t, OutcomeSuccess, verified.Outcome, "err: %v", verified.Err)
	assert.Equal(t, uint64(42), verified.ClearValue)
	assert.Equal(t, 1, m.Stats().Verified)

	hist := m.History()
	require.Len(t, hist, 2)
	stored, err := store.List(ctx, "market-test", domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	var types []domain.EventType
	for _, ev := range bus.events(domain.ChannelListings) {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, domain.EventListingCreated)
	assert.Contains(t, types, domain.EventListingVerified)
	assert.NotEmpty(t, bus.events(domain.ChannelStats))
	assert.NotEmpty(t, bus.events(domain.ChannelNotice))
	assert.Len(t, bus.streams[domain.StreamHistory], 2)

	m.Close()
	assert.Equal(t, []string{string(domain.EventListingCreated), string(domain.EventListingVerified)}, notifier.events)

	cache.mu.Lock()
	require.Len(t, cache.records, 1)
	assert.True(t, cache.records[0].IsVerified)
	assert.Equal(t, uint64(42), cache.records[0].DecryptedValue)
	cache.mu.Unlock()
}

func TestMarketplaceSlowNotifierDoesNotDelayWorkflows(t *testing.T) {
	notifier := &blockingNotifier{release: make(chan struct{})}
	m, _ := newTestMarketplace(t, MarketplaceDeps{Notifier: notifier})

	done := make(chan Result, 1)
	go func() {
		done <- m.CreateListing(context.Background(), ListingForm{Name: "Temp-01", Value: "42", Price: "10"})
	}()

	select {
	case res := <-done:
		require.Equal(t, OutcomeSuccess, res.Outcome, "err: %v", res.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("create waited on the notifier")
	}

	close(notifier.release)
	m.Close()
	assert.Equal(t, []string{string(domain.EventListingCreated)}, notifier.events)
}

func TestMarketplaceListingNotFound(t *testing.T) {
	m, _ := newTestMarketplace(t, MarketplaceDeps{})
	_, err := m.Listing("nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarketplaceContractAvailability(t *testing.T) {
	m, ledger := newTestMarketplace(t, MarketplaceDeps{})
	ok, err := m.ContractAvailable(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	ledger.SetAvailable(false)
	ok, err = m.ContractAvailable(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarketplaceWarmFromCache(t *testing.T) {
	cache := &fakeCache{
		records:   []domain.LedgerRecord{{ID: "cached", Name: "c", PublicValue1: 8}},
		fetchedAt: time.Now().Add(-time.Minute),
	}
	m, ledger := newTestMarketplace(t, MarketplaceDeps{Cache: cache})
	ledger.Put(domain.LedgerRecord{ID: "live", Name: "l", Creator: testAccount})

	require.NoError(t, m.WarmFromCache(context.Background()))
	_, err := m.Listing("cached")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats().Total)

	_, err = m.Refresh(context.Background())
	require.NoError(t, err)
	_, err = m.Listing("cached")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = m.Listing("live")
	assert.NoError(t, err)
}

func TestChannelFor(t *testing.T) {
	assert.Equal(t, domain.ChannelStats, channelFor(domain.EventStatsUpdated))
	assert.Equal(t, domain.ChannelNotice, channelFor(domain.EventNotice))
	assert.Equal(t, domain.ChannelListings, channelFor(domain.EventTxPending))
	_, ok := notifyTitle(domain.EventNotice)
	assert.False(t, ok)
}

package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

type chanBus struct {
	mu   sync.Mutex
	subs map[string]chan []byte
	wg   sync.WaitGroup
}

func newChanBus() *chanBus {
	b := &chanBus{subs: make(map[string]chan []byte)}
	b.wg.Add(len(Channels))
	return b
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	ch := b.subs[channel]
	b.mu.Unlock()
	ch <- payload
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 8)
	b.mu.Lock()
	b.subs[channel] = ch
	b.mu.Unlock()
	b.wg.Done()
	return ch, nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHubRelaysSubscribedChannels(t *testing.T) {
	bus := newChanBus()
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		Status: func() any { return map[string]any{"contract": "0xc0ffee"} },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	bus.wg.Wait()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	status := readJSON(t, conn)
	assert.Equal(t, "marketplace_status", status["type"])

	require.NoError(t, bus.Publish(ctx, domain.ChannelListings, []byte(`{"type":"listing_created","listing_id":"1"}`)))
	ev := readJSON(t, conn)
	assert.Equal(t, "listing_created", ev["type"])

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{domain.ChannelStats}}))
	// Give the read pump a moment to apply the subscription change.
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			if c.isSubscribed(domain.ChannelStats) {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, domain.ChannelStats, []byte(`{"type":"stats_updated"}`)))
	require.NoError(t, bus.Publish(ctx, domain.ChannelNotice, []byte(`{"type":"notice"}`)))
	ev = readJSON(t, conn)
	assert.Equal(t, "notice", ev["type"], "stats frame is skipped after unsubscribe")
	assert.Equal(t, 1, hub.ClientCount())
}

func TestIsSubscribedWildcard(t *testing.T) {
	c := &client{subs: map[string]bool{"ch:*": true}}
	assert.True(t, c.isSubscribed(domain.ChannelNotice))
	assert.False(t, c.isSubscribed("stream:history"))
}

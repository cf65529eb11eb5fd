package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

// DefaultHistoryWindow is the number of entries Recent returns by default.
const DefaultHistoryWindow = 5

// History is the append-only log of operations completed in this session.
// Entries are kept in completion order. The visible window is a view; the
// in-memory log and the optional durable store are never trimmed by it.
type History struct {
	sessionID string
	window    int
	store     domain.HistoryStore
	logger    *slog.Logger

	mu      sync.RWMutex
	entries []domain.HistoryEntry
}

// NewHistory creates a History. store may be nil.
func NewHistory(sessionID string, window int, store domain.HistoryStore, logger *slog.Logger) *History {
	if window < 1 {
		window = DefaultHistoryWindow
	}
	return &History{
		sessionID: sessionID,
		window:    window,
		store:     store,
		logger:    logger.With(slog.String("component", "history")),
	}
}

// Append records a completed operation and mirrors it to the durable store.
// A store failure is logged and does not affect the session log.
func (h *History) Append(ctx context.Context, e domain.HistoryEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	h.entries = append(h.entries, e)
	h.mu.Unlock()

	if h.store == nil {
		return
	}
	if err := h.store.Append(ctx, h.sessionID, e); err != nil {
		h.logger.WarnContext(ctx, "history audit append failed",
			slog.String("listing_id", e.ListingID),
			slog.String("kind", string(e.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

// Recent returns the last window entries, oldest first.
func (h *History) Recent() []domain.HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	start := 0
	if len(h.entries) > h.window {
		start = len(h.entries) - h.window
	}
	out := make([]domain.HistoryEntry, len(h.entries)-start)
	copy(out, h.entries[start:])
	return out
}

// All returns every entry of the session, oldest first.
func (h *History) All() []domain.HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]domain.HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of entries in the session log.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

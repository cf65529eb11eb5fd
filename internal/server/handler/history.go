package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

// SessionHistory is the visible history window of the running session.
type SessionHistory interface {
	History() []domain.HistoryEntry
}

// HistoryHandler serves the session history and, when a durable store is
// configured, the full audit record.
type HistoryHandler struct {
	session   SessionHistory
	store     domain.HistoryStore
	sessionID string
	logger    *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler. store may be nil.
func NewHistoryHandler(session SessionHistory, store domain.HistoryStore, sessionID string, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{
		session:   session,
		store:     store,
		sessionID: sessionID,
		logger:    logHandler(logger, "history"),
	}
}

type historyResponse struct {
	Source  string                `json:"source"`
	Entries []domain.HistoryEntry `json:"entries"`
}

// ListHistory returns the visible session window, or the durable record when
// source=store is requested.
// GET /api/history?source=store&session=...&limit=50&offset=0&since=...
func (h *HistoryHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("source") != "store" {
		entries := h.session.History()
		if entries == nil {
			entries = []domain.HistoryEntry{}
		}
		writeJSON(w, http.StatusOK, historyResponse{Source: "session", Entries: entries})
		return
	}

	if h.store == nil {
		writeError(w, http.StatusNotFound, "history store not configured")
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sid := q.Get("session")
	if sid == "" {
		sid = h.sessionID
	}
	entries, err := h.store.List(r.Context(), sid, opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list history failed",
			slog.String("session", sid),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Source: "store", Entries: entries})
}

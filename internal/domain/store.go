package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// HistoryStore is the durable audit record behind the session history. It is
// append-only; the visible history window never deletes from it.
type HistoryStore interface {
	Append(ctx context.Context, sessionID string, entry HistoryEntry) error
	List(ctx context.Context, sessionID string, opts ListOpts) ([]HistoryEntry, error)
}

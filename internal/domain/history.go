package domain

import "time"

// HistoryKind tags a completed session operation.
type HistoryKind string

const (
	HistoryCreate  HistoryKind = "create"
	HistoryDecrypt HistoryKind = "decrypt"
)

// HistoryEntry is one completed operation of the current session.
type HistoryEntry struct {
	Kind        HistoryKind `json:"kind"`
	ListingID   string      `json:"listing_id"`
	DisplayName string      `json:"display_name"`
	Timestamp   time.Time   `json:"timestamp"`
	Value       uint64      `json:"value"`
	Account     string      `json:"account,omitempty"`
	TxHash      string      `json:"tx_hash,omitempty"`
}

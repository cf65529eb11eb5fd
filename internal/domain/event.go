package domain

import "time"

// Event channels published on the SignalBus.
const (
	ChannelListings = "ch:listings"
	ChannelStats    = "ch:stats"
	ChannelNotice   = "ch:notice"
	StreamHistory   = "stream:history"
)

// EventType classifies marketplace events.
type EventType string

const (
	EventListingCreated  EventType = "listing_created"
	EventListingVerified EventType = "listing_verified"
	EventTxPending       EventType = "tx_pending"
	EventWorkflowError   EventType = "workflow_error"
	EventStatsUpdated    EventType = "stats_updated"
	EventNotice          EventType = "notice"
)

// Event is the JSON envelope published for websocket clients and notifiers.
type Event struct {
	Type      EventType `json:"type"`
	ListingID string    `json:"listing_id,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Message   string    `json:"message,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

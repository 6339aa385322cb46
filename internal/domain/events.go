package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types published on the signal bus after a ledger transition commits.
const (
	EventTokenMinted      = "token_minted"
	EventListingCreated   = "listing_created"
	EventPriceUpdated     = "price_updated"
	EventItemSold         = "item_sold"
	EventOwnershipChanged = "ownership_changed"
	EventWithdrawal       = "withdrawal"
)

// Channel names for pub/sub delivery to frontends.
const (
	ChannelListings    = "listings"
	ChannelSales       = "sales"
	ChannelTokens      = "tokens"
	ChannelWithdrawals = "withdrawals"
)

// Event is the envelope published for every committed ledger transition.
// Payload fields are strings so big integers survive JSON round-trips.
type Event struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	At      time.Time         `json:"at"`
	Payload map[string]string `json:"payload"`
}

// NewEvent builds an Event with a fresh correlation ID and UTC timestamp.
func NewEvent(eventType string, payload map[string]string) Event {
	return Event{
		ID:      uuid.New().String(),
		Type:    eventType,
		At:      time.Now().UTC(),
		Payload: payload,
	}
}

// Encode marshals the event for the wire. Marshalling a map of strings cannot
// fail, so Encode swallows the error to keep publish call sites small.
func (e Event) Encode() []byte {
	data, _ := json.Marshal(e)
	return data
}

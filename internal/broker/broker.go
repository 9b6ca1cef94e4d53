package broker

import (
	"encoding/json"
	"time"
)

// Event is a normalized message produced from a raw broker frame. Data keys
// are broker-specific payload fields in the gateway's wire vocabulary.
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// ToJSON serializes the event for delivery to consumer sessions.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType string, data map[string]interface{}) Event {
	return Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Broker adapts one upstream trading venue's wire protocol to the client's
// connection machinery. Implementations build raw outbound frames and
// normalize inbound ones into Events.
type Broker interface {
	// Name identifies the venue in logs and metrics.
	Name() string

	// WebSocketURL is the endpoint the client dials.
	WebSocketURL() string

	// AuthFrame builds the frame sent immediately after connecting.
	AuthFrame(accessToken string) ([]byte, error)

	// ParseAuthAck inspects a raw frame for the authorization outcome.
	// handled is false when the frame is not an auth response.
	ParseAuthAck(raw []byte) (handled bool, err error)

	// HeartbeatFrame builds the keepalive frame.
	HeartbeatFrame() []byte

	// IsHeartbeat reports whether a raw inbound frame is a keepalive.
	IsHeartbeat(raw []byte) bool

	// MarketDataSubscription builds the quote subscription frame for symbol.
	MarketDataSubscription(symbol string) ([]byte, error)

	// MarketDataUnsubscription builds the quote unsubscription frame.
	MarketDataUnsubscription(symbol string) ([]byte, error)

	// AccountSubscription builds the user-data subscription frame, covering
	// orders, positions and account events.
	AccountSubscription(accountIDs []string) ([]byte, error)

	// OrderFrame builds an order placement frame from a normalized request.
	OrderFrame(req map[string]interface{}) ([]byte, error)

	// CancelOrderFrame builds an order cancellation frame.
	CancelOrderFrame(orderID string) ([]byte, error)

	// Parse normalizes a raw inbound frame into zero or more events.
	// Keepalives and protocol noise yield an empty slice.
	Parse(raw []byte) ([]Event, error)
}

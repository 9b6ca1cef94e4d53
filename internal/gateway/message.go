package gateway

import (
	"encoding/json"
	"time"
)

// Client-to-gateway message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeOrder       = "order"
	TypeCancelOrder = "cancel_order"
	TypeMarketData  = "market_data"
	TypeHeartbeat   = "heartbeat"
)

// Gateway-to-client message types.
const (
	TypeError              = "error"
	TypeConnectionStatus   = "connection_status"
	TypeSubscribeSuccess   = "subscription_success"
	TypeUnsubscribeSuccess = "unsubscribe_success"
	TypeOrderResponse      = "order_response"
	TypeCancelResponse     = "cancel_response"
)

// Error codes carried in error envelopes.
const (
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeBrokerUnavailable = "BROKER_UNAVAILABLE"
)

// Close codes for session termination.
const (
	CloseNoActiveAccount = 4003
)

// Message is the envelope exchanged with consumer sessions.
type Message struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewMessage creates an envelope stamped with the current time.
func NewMessage(msgType string, data map[string]interface{}) *Message {
	return &Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorMessage creates an error envelope.
func NewErrorMessage(code, detail string) *Message {
	return NewMessage(TypeError, map[string]interface{}{
		"code":   code,
		"detail": detail,
	})
}

// ToJSON serializes the message for the wire.
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

package tradovate

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/tradeforge-ops/broker-gateway-go/internal/broker"
)

// Event types emitted after normalization.
const (
	EventMarketData = "market_data"
	EventPosition   = "position"
	EventOrder      = "order"
	EventFill       = "fill"
	EventAccount    = "account"
)

// Broker implements the broker.Broker protocol adapter for Tradovate. It
// builds op-frames for the Tradovate WebSocket API and normalizes inbound
// events into the gateway vocabulary, keeping position and order caches as
// updates stream in.
type Broker struct {
	wsURL     string
	accountID string

	mu        sync.RWMutex
	positions map[string]map[string]interface{}
	orders    map[string]map[string]interface{}
}

// New creates a Tradovate adapter for one account's stream.
func New(wsURL, accountID string) *Broker {
	return &Broker{
		wsURL:     wsURL,
		accountID: accountID,
		positions: make(map[string]map[string]interface{}),
		orders:    make(map[string]map[string]interface{}),
	}
}

func (b *Broker) Name() string         { return "tradovate" }
func (b *Broker) WebSocketURL() string { return b.wsURL }

type opFrame struct {
	Op   string        `json:"op"`
	Data interface{}   `json:"data,omitempty"`
	Args []interface{} `json:"args,omitempty"`
}

// AuthFrame builds the authorize frame carrying the access token.
func (b *Broker) AuthFrame(accessToken string) ([]byte, error) {
	return json.Marshal(opFrame{
		Op: "authorize",
		Data: map[string]string{
			"access_token": accessToken,
		},
	})
}

// ParseAuthAck recognizes the authorize response by its success field.
func (b *Broker) ParseAuthAck(raw []byte) (bool, error) {
	var resp struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Success == nil {
		return false, nil
	}
	if !*resp.Success {
		if resp.Message == "" {
			resp.Message = "unknown error"
		}
		return true, fmt.Errorf("authorization failed: %s", resp.Message)
	}
	return true, nil
}

// HeartbeatFrame is the empty array keepalive Tradovate expects.
func (b *Broker) HeartbeatFrame() []byte { return []byte("[]") }

// IsHeartbeat reports whether raw is a keepalive frame.
func (b *Broker) IsHeartbeat(raw []byte) bool {
	return string(raw) == "[]" || string(raw) == "h"
}

// MarketDataSubscription builds the md/subscribeQuote frame.
func (b *Broker) MarketDataSubscription(symbol string) ([]byte, error) {
	return json.Marshal(opFrame{
		Op:   "subscribe",
		Args: []interface{}{"md/subscribeQuote", map[string]string{"symbol": symbol}},
	})
}

// MarketDataUnsubscription builds the md/unsubscribeQuote frame.
func (b *Broker) MarketDataUnsubscription(symbol string) ([]byte, error) {
	return json.Marshal(opFrame{
		Op:   "unsubscribe",
		Args: []interface{}{"md/unsubscribeQuote", map[string]string{"symbol": symbol}},
	})
}

// AccountSubscription builds the user/changes subscription covering users,
// accounts, positions, orders and fills.
func (b *Broker) AccountSubscription(accountIDs []string) ([]byte, error) {
	return json.Marshal(opFrame{
		Op: "subscribe",
		Args: []interface{}{"user/changes", map[string]bool{
			"users":     true,
			"accounts":  true,
			"positions": true,
			"orders":    true,
			"fills":     true,
		}},
	})
}

// OrderFrame builds an order/placeorder frame from a normalized request.
func (b *Broker) OrderFrame(req map[string]interface{}) ([]byte, error) {
	if req["symbol"] == nil {
		return nil, fmt.Errorf("order request missing symbol")
	}
	return json.Marshal(opFrame{
		Op:   "order",
		Args: []interface{}{"order/placeorder", req},
	})
}

// CancelOrderFrame builds an order/cancelorder frame.
func (b *Broker) CancelOrderFrame(orderID string) ([]byte, error) {
	if orderID == "" {
		return nil, fmt.Errorf("cancel request missing order id")
	}
	return json.Marshal(opFrame{
		Op:   "order",
		Args: []interface{}{"order/cancelorder", map[string]string{"orderId": orderID}},
	})
}

// inbound is the Tradovate event envelope, event type in "e" with the
// payload either nested under "d" or inline.
type inbound struct {
	Event string                 `json:"e"`
	Data  map[string]interface{} `json:"d"`
}

// Parse normalizes one inbound frame into gateway events.
func (b *Broker) Parse(raw []byte) ([]broker.Event, error) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed tradovate frame: %w", err)
	}

	data := msg.Data
	if data == nil {
		// Payload fields inline alongside "e"
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("malformed tradovate frame: %w", err)
		}
		delete(data, "e")
	}

	switch msg.Event {
	case EventMarketData, "md", "quote":
		return []broker.Event{broker.NewEvent(EventMarketData, b.normalizeMarketData(data))}, nil
	case EventPosition:
		return []broker.Event{broker.NewEvent(EventPosition, b.normalizePosition(data))}, nil
	case EventOrder:
		return []broker.Event{broker.NewEvent(EventOrder, b.normalizeOrder(data))}, nil
	case EventFill:
		return []broker.Event{broker.NewEvent(EventFill, b.normalizeFill(data))}, nil
	case EventAccount:
		return []broker.Event{broker.NewEvent(EventAccount, b.normalizeAccount(data))}, nil
	case "", "heartbeat", "shutdown":
		return nil, nil
	default:
		// Forward unrecognized events untouched so consumers can decide
		return []broker.Event{broker.NewEvent(msg.Event, data)}, nil
	}
}

func (b *Broker) normalizeMarketData(data map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"symbol":    data["symbol"],
		"price":     data["last"],
		"bid":       data["bid"],
		"ask":       data["ask"],
		"volume":    data["volume"],
		"timestamp": data["timestamp"],
		"source":    "tradovate",
	}
}

func (b *Broker) normalizePosition(data map[string]interface{}) map[string]interface{} {
	contractID := asString(data["contractId"])
	symbol, ok := KnownContracts[contractID]
	if !ok {
		symbol = "Contract-" + contractID
	}
	spec := SpecForSymbol(symbol)

	netPos := asFloat(data["netPos"])
	netPrice := asFloat(data["netPrice"])
	currentPrice := netPrice
	if v, ok := data["lastPrice"]; ok {
		currentPrice = asFloat(v)
	}

	priceDiff := currentPrice - netPrice
	var pnl float64
	if netPos != 0 {
		ticks := math.Abs(priceDiff / spec.TickSize)
		pnl = ticks * spec.TickValue * math.Abs(netPos)
		if (netPos > 0 && priceDiff < 0) || (netPos < 0 && priceDiff > 0) {
			pnl = -pnl
		}
	}

	side := "SHORT"
	if netPos > 0 {
		side = "LONG"
	}

	normalized := map[string]interface{}{
		"id":            asString(data["id"]),
		"contractId":    contractID,
		"symbol":        symbol,
		"side":          side,
		"quantity":      math.Abs(netPos),
		"avgPrice":      netPrice,
		"currentPrice":  currentPrice,
		"unrealizedPnL": pnl,
		"timeEntered":   data["timestamp"],
		"accountId":     b.accountID,
		"contractInfo": map[string]interface{}{
			"tickValue": spec.TickValue,
			"tickSize":  spec.TickSize,
			"name":      symbol,
		},
	}

	b.mu.Lock()
	b.positions[contractID] = normalized
	b.mu.Unlock()
	return normalized
}

func (b *Broker) normalizeOrder(data map[string]interface{}) map[string]interface{} {
	orderID := asString(data["orderId"])
	filled := data["filledQty"]
	if filled == nil {
		filled = float64(0)
	}
	normalized := map[string]interface{}{
		"orderId":        orderID,
		"status":         data["status"],
		"symbol":         data["symbol"],
		"side":           data["action"],
		"quantity":       data["orderQty"],
		"filledQuantity": filled,
		"price":          data["price"],
		"orderType":      data["orderType"],
		"timestamp":      data["timestamp"],
		"accountId":      b.accountID,
		"source":         "tradovate",
	}

	b.mu.Lock()
	b.orders[orderID] = normalized
	b.mu.Unlock()
	return normalized
}

func (b *Broker) normalizeFill(data map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"fillId":    asString(data["id"]),
		"orderId":   asString(data["orderId"]),
		"symbol":    data["symbol"],
		"side":      data["action"],
		"quantity":  data["qty"],
		"price":     data["price"],
		"timestamp": data["timestamp"],
		"accountId": b.accountID,
		"source":    "tradovate",
	}
}

func (b *Broker) normalizeAccount(data map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"accountId":       b.accountID,
		"balance":         data["cashBalance"],
		"availableMargin": data["availableForTrade"],
		"marginUsed":      data["marginUsed"],
		"timestamp":       data["timestamp"],
		"source":          "tradovate",
	}
}

// Positions returns a copy of the position cache keyed by contract ID.
func (b *Broker) Positions() map[string]map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]map[string]interface{}, len(b.positions))
	for k, v := range b.positions {
		out[k] = v
	}
	return out
}

// Orders returns a copy of the order cache keyed by order ID.
func (b *Broker) Orders() map[string]map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]map[string]interface{}, len(b.orders))
	for k, v := range b.orders {
		out[k] = v
	}
	return out
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; contract and order IDs are integral
		return fmt.Sprintf("%.0f", t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		var f float64
		fmt.Sscanf(t, "%f", &f)
		return f
	default:
		return 0
	}
}

package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tradeforge-ops/broker-gateway-go/internal/broker"
	gwerrors "github.com/tradeforge-ops/broker-gateway-go/pkg/errors"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Send pings to the peer with this period
	pingPeriod = 30 * time.Second
)


// Session is one consumer WebSocket attached to a shared broker connection.
type Session struct {
	ID          string
	UserID      string
	Environment string

	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	hub    *Hub
	logger *logrus.Logger
	shared *sharedClient

	subMu         sync.Mutex
	subscriptions map[string]struct{}

	limiter       *SlidingWindowLimiter
	hbMu          sync.Mutex
	lastHeartbeat time.Time

	ConnectedAt time.Time
}

// HandleWebSocket upgrades the request and runs the session. Admission
// requires at least one active credentialed account; sessions without one
// are closed with code 4003.
func HandleWebSocket(hub *Hub, c *gin.Context) {
	userID := c.GetString("user_id")
	environment := c.DefaultQuery("environment", "demo")

	upgrader := websocket.Upgrader{
		ReadBufferSize:  hub.cfg.ReadBufferSize,
		WriteBufferSize: hub.cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	accounts, err := hub.accounts.GetActiveByUser(c.Request.Context(), userID)
	if err != nil || len(accounts) == 0 {
		hub.logger.WithFields(logrus.Fields{
			"component": "gateway",
			"user_id":   userID,
		}).Warn("Rejecting session without active account")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseNoActiveAccount, "no active account"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	session := &Session{
		ID:            uuid.New().String(),
		UserID:        userID,
		Environment:   environment,
		conn:          conn,
		send:          make(chan []byte, 256),
		done:          make(chan struct{}),
		hub:           hub,
		logger:        hub.logger,
		subscriptions: make(map[string]struct{}),
		limiter:       NewSlidingWindowLimiter(hub.cfg.RateLimit, time.Duration(hub.cfg.RateWindow)*time.Second),
		lastHeartbeat: time.Now(),
		ConnectedAt:   time.Now(),
	}

	if err := hub.attachSession(c.Request.Context(), session); err != nil {
		hub.logger.WithError(err).WithFields(logrus.Fields{
			"component": "gateway",
			"user_id":   userID,
		}).Error("Failed to attach session to broker connection")
		payload, _ := NewErrorMessage(CodeBrokerUnavailable, "broker connection unavailable").ToJSON()
		conn.WriteMessage(websocket.TextMessage, payload)
		conn.Close()
		return
	}

	hub.register <- session

	go session.writePump()
	go session.supervise()
	go session.readPump()
}

// readPump routes inbound messages until the connection drops.
func (s *Session) readPump() {
	defer func() {
		close(s.done)
		s.hub.unregister <- s
		s.conn.Close()
	}()

	s.conn.SetReadLimit(int64(s.hub.cfg.MaxMessageSize))

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.WithError(err).WithField("session_id", s.ID).Debug("Session read error")
			}
			return
		}

		s.touchHeartbeat()

		if !s.limiter.Allow() {
			limitErr := &gwerrors.RateLimitError{
				Limit:      s.hub.cfg.RateLimit,
				RetryAfter: s.limiter.RetryAfter(),
			}
			payload, _ := NewMessage(TypeError, map[string]interface{}{
				"code":        CodeRateLimitExceeded,
				"detail":      limitErr.Error(),
				"retry_after": limitErr.RetryAfter.Seconds(),
			}).ToJSON()
			s.enqueue(payload)
			metricRateLimited.Inc()
			continue
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			payload, _ := NewErrorMessage(CodeInvalidMessage, "invalid JSON format").ToJSON()
			s.enqueue(payload)
			continue
		}

		s.route(&msg, raw)
	}
}

// route dispatches one parsed message. Unrecognized types are forwarded to
// the broker connection untouched.
func (s *Session) route(msg *Message, raw []byte) {
	switch msg.Type {
	case TypeSubscribe:
		s.handleSubscribe(msg)
	case TypeUnsubscribe:
		s.handleUnsubscribe(msg)
	case TypeOrder:
		s.handleOrder(msg)
	case TypeCancelOrder:
		s.handleCancelOrder(msg)
	case TypeMarketData:
		s.handleMarketData(msg)
	case TypeHeartbeat:
		s.handleHeartbeat()
	default:
		if err := s.shared.client.Send(raw, broker.PriorityNormal); err != nil {
			s.sendError(CodeBrokerUnavailable, "failed to forward message")
		}
	}
	metricMessagesRouted.WithLabelValues(msg.Type).Inc()
}

func (s *Session) handleSubscribe(msg *Message) {
	symbols := extractSymbols(msg.Data)
	if len(symbols) == 0 {
		s.sendError(CodeInvalidMessage, "no symbols specified")
		return
	}

	for _, symbol := range symbols {
		s.subMu.Lock()
		_, already := s.subscriptions[symbol]
		if !already {
			s.subscriptions[symbol] = struct{}{}
		}
		s.subMu.Unlock()

		if already {
			continue
		}
		if err := s.shared.subscribeSymbol(symbol); err != nil {
			s.subMu.Lock()
			delete(s.subscriptions, symbol)
			s.subMu.Unlock()
			s.sendError(CodeBrokerUnavailable, "subscription failed")
			return
		}
	}

	payload, _ := NewMessage(TypeSubscribeSuccess, map[string]interface{}{
		"symbols": s.subscribedSymbols(),
	}).ToJSON()
	s.enqueue(payload)
}

func (s *Session) handleUnsubscribe(msg *Message) {
	symbols := extractSymbols(msg.Data)
	if len(symbols) == 0 {
		s.sendError(CodeInvalidMessage, "no symbols specified")
		return
	}

	for _, symbol := range symbols {
		s.subMu.Lock()
		_, had := s.subscriptions[symbol]
		delete(s.subscriptions, symbol)
		s.subMu.Unlock()

		if had {
			s.shared.releaseSymbol(symbol)
		}
	}

	payload, _ := NewMessage(TypeUnsubscribeSuccess, map[string]interface{}{
		"symbols": s.subscribedSymbols(),
	}).ToJSON()
	s.enqueue(payload)
}

func (s *Session) handleOrder(msg *Message) {
	frame, err := s.shared.client.Broker().OrderFrame(msg.Data)
	if err != nil {
		s.sendError(CodeInvalidMessage, err.Error())
		return
	}
	if err := s.shared.client.Send(frame, broker.PriorityHigh); err != nil {
		s.sendError(CodeBrokerUnavailable, "order submission failed")
		return
	}

	payload, _ := NewMessage(TypeOrderResponse, map[string]interface{}{
		"submitted": true,
	}).ToJSON()
	s.enqueue(payload)
}

func (s *Session) handleCancelOrder(msg *Message) {
	orderID, _ := msg.Data["order_id"].(string)
	if orderID == "" {
		s.sendError(CodeInvalidMessage, "no order ID specified")
		return
	}

	frame, err := s.shared.client.Broker().CancelOrderFrame(orderID)
	if err != nil {
		s.sendError(CodeInvalidMessage, err.Error())
		return
	}
	if err := s.shared.client.Send(frame, broker.PriorityHigh); err != nil {
		s.sendError(CodeBrokerUnavailable, "cancellation failed")
		return
	}

	payload, _ := NewMessage(TypeCancelResponse, map[string]interface{}{
		"success":  true,
		"order_id": orderID,
	}).ToJSON()
	s.enqueue(payload)
}

// handleMarketData echoes a normalized quote back, mirroring the broker
// adapter's vocabulary for clients that push raw quotes for normalization.
func (s *Session) handleMarketData(msg *Message) {
	payload, _ := NewMessage(TypeMarketData, msg.Data).ToJSON()
	s.enqueue(payload)
}

func (s *Session) handleHeartbeat() {
	payload, _ := NewMessage(TypeHeartbeat, map[string]interface{}{
		"server_time": time.Now().UTC().Format(time.RFC3339),
	}).ToJSON()
	s.enqueue(payload)
}

// supervise closes the session when the client goes silent for two
// heartbeat intervals.
func (s *Session) supervise() {
	interval := s.hub.cfg.Heartbeat()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.hbMu.Lock()
			silent := time.Since(s.lastHeartbeat) > 2*interval
			s.hbMu.Unlock()

			if silent {
				s.logger.WithFields(logrus.Fields{
					"component":  "gateway",
					"session_id": s.ID,
				}).Info("Closing silent session")
				s.conn.Close()
				return
			}
		}
	}
}

func (s *Session) touchHeartbeat() {
	s.hbMu.Lock()
	s.lastHeartbeat = time.Now()
	s.hbMu.Unlock()
}

// writePump serializes outbound messages and pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands a payload to the write pump, dropping it if the session's
// buffer is full or closed.
func (s *Session) enqueue(payload []byte) {
	defer func() {
		// Send on a closed channel during teardown is survivable
		recover()
	}()
	select {
	case s.send <- payload:
	default:
	}
}

func (s *Session) sendError(code, detail string) {
	payload, _ := NewErrorMessage(code, detail).ToJSON()
	s.enqueue(payload)
}

func (s *Session) subscribedTo(symbol string) bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	_, ok := s.subscriptions[symbol]
	return ok
}

func (s *Session) subscribedSymbols() []string {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	out := make([]string, 0, len(s.subscriptions))
	for symbol := range s.subscriptions {
		out = append(out, symbol)
	}
	return out
}

func extractSymbols(data map[string]interface{}) []string {
	raw, ok := data["symbols"].([]interface{})
	if !ok {
		if single, ok := data["symbol"].(string); ok && single != "" {
			return []string{single}
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if symbol, ok := v.(string); ok && symbol != "" {
			out = append(out, symbol)
		}
	}
	return out
}

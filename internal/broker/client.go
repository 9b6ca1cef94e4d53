package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/tradeforge-ops/broker-gateway-go/internal/config"
	"github.com/tradeforge-ops/broker-gateway-go/pkg/errors"
)

// ConnectionState represents the broker connection lifecycle state
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

const (
	authAckTimeout = 10 * time.Second

	// Queued messages older than this are dropped instead of flushed after
	// a reconnect.
	staleMessageAge = 5 * time.Minute
)

// Listener receives normalized events and state transitions from a Client.
type Listener interface {
	OnEvent(event Event)
	OnStateChange(state ConnectionState)
}

// TokenSource supplies the current access token for authentication frames.
// Connect and reconnects call it each time, so refreshed tokens take effect
// without restarting the client.
type TokenSource func(ctx context.Context) (string, error)

// ClientStatus is a point-in-time connection snapshot.
type ClientStatus struct {
	State         string              `json:"state"`
	Broker        string              `json:"broker"`
	ConnectedAt   time.Time           `json:"connected_at,omitempty"`
	LastMessageAt time.Time           `json:"last_message_at,omitempty"`
	QueueDepth    int                 `json:"queue_depth"`
	QueueDropped  int64               `json:"queue_dropped"`
	Reconnects    int64               `json:"reconnects"`
	BatchSize     int                 `json:"batch_size"`
	Circuit       CircuitBreakerStats `json:"circuit"`
}

// Client maintains one authenticated WebSocket connection to a broker. It
// owns reconnection, heartbeat supervision, outbound queueing while down and
// adaptive batch flushing when the connection returns.
type Client struct {
	broker   Broker
	tokens   TokenSource
	cfg      config.BrokerConfig
	logger   *logrus.Logger
	listener Listener

	breaker *CircuitBreaker
	queue   *MessageQueue
	batcher *AdaptiveBatcher
	monitor *PerformanceMonitor

	mu            sync.Mutex
	conn          *websocket.Conn
	writeMu       sync.Mutex
	state         ConnectionState
	connectedAt   time.Time
	lastMessageAt time.Time
	reconnects    int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// connectMu serializes Connect and reconnect attempts so the breaker's
	// half-open probe is a single attempt.
	connectMu sync.Mutex
}

// NewClient creates a broker client. Call Connect to establish the session.
func NewClient(b Broker, tokens TokenSource, cfg config.BrokerConfig, logger *logrus.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		broker:  b,
		tokens:  tokens,
		cfg:     cfg,
		logger:  logger,
		breaker: NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.BreakerReset(), logger),
		queue:   NewMessageQueue(10000, 1000),
		batcher: NewAdaptiveBatcher(cfg.MessageBatchSize, logger),
		monitor: NewPerformanceMonitor(30*time.Second, logger),
		state:   StateDisconnected,
		ctx:     ctx,
		cancel:  cancel,
	}
	go c.monitor.Start(ctx)
	return c
}

// SetListener registers the event sink. Must be called before Connect.
func (c *Client) SetListener(l Listener) {
	c.listener = l
}

// Broker returns the protocol adapter this client speaks through.
func (c *Client) Broker() Broker { return c.broker }

// Monitor exposes the client's performance monitor.
func (c *Client) Monitor() *PerformanceMonitor { return c.monitor }

// Connect dials, authenticates and starts the read and heartbeat loops.
// Attempts are gated by the circuit breaker.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.State() == StateConnected {
		return nil
	}

	return c.breaker.Call(func() error {
		return c.connectOnce(ctx)
	})
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting)

	token, err := c.tokens(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return &errors.AuthenticationError{Broker: c.broker.Name(), Reason: fmt.Sprintf("token unavailable: %v", err)}
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnTimeout()}
	conn, _, err := dialer.DialContext(ctx, c.broker.WebSocketURL(), nil)
	if err != nil {
		c.setState(StateDisconnected)
		return &errors.ConnectionError{URL: c.broker.WebSocketURL(), Err: err}
	}

	if err := c.authenticate(conn, token); err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connectedAt = time.Now()
	c.lastMessageAt = time.Now()
	c.mu.Unlock()
	c.setState(StateConnected)

	c.logger.WithFields(logrus.Fields{
		"component": "broker_client",
		"broker":    c.broker.Name(),
		"url":       c.broker.WebSocketURL(),
	}).Info("Broker connection established")

	c.wg.Add(2)
	go c.readPump(conn)
	go c.heartbeatLoop(conn)

	if removed := c.queue.ClearOld(staleMessageAge); removed > 0 {
		c.logger.WithFields(logrus.Fields{
			"component": "broker_client",
			"removed":   removed,
		}).Warn("Dropped stale queued messages before flush")
	}
	c.flushQueue(conn)
	return nil
}

// authenticate sends the auth frame and waits for the broker's ack inside
// the auth timeout. Frames arriving before the ack that are not auth
// responses are discarded.
func (c *Client) authenticate(conn *websocket.Conn, token string) error {
	frame, err := c.broker.AuthFrame(token)
	if err != nil {
		return &errors.AuthenticationError{Broker: c.broker.Name(), Reason: err.Error()}
	}

	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &errors.ConnectionError{URL: c.broker.WebSocketURL(), Err: err}
	}

	deadline := time.Now().Add(authAckTimeout)
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for time.Now().Before(deadline) {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return &errors.AuthenticationError{Broker: c.broker.Name(), Reason: "no authorization response before timeout"}
		}
		if c.broker.IsHeartbeat(raw) {
			continue
		}
		handled, authErr := c.broker.ParseAuthAck(raw)
		if !handled {
			continue
		}
		if authErr != nil {
			return &errors.AuthenticationError{Broker: c.broker.Name(), Reason: authErr.Error()}
		}
		return nil
	}
	return &errors.AuthenticationError{Broker: c.broker.Name(), Reason: "no authorization response before timeout"}
}

// Send transmits payload immediately when connected, otherwise queues it for
// the next flush.
func (c *Client) Send(payload []byte, priority Priority) error {
	select {
	case <-c.ctx.Done():
		return errors.ErrNotConnected
	default:
	}

	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.queue.Enqueue(payload, priority)
		metricQueueDepth.WithLabelValues(c.broker.Name()).Set(float64(c.queue.Len()))
		return nil
	}

	if err := c.write(conn, payload); err != nil {
		c.queue.Enqueue(payload, priority)
		return &errors.MessageError{Op: "send", Err: err}
	}
	return nil
}

func (c *Client) write(conn *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}
	c.monitor.MessageSent()
	metricMessagesSent.WithLabelValues(c.broker.Name()).Inc()
	return nil
}

// flushQueue drains queued messages in adaptive batches. Each batch's
// wall-clock span feeds the batch sizer.
func (c *Client) flushQueue(conn *websocket.Conn) {
	for c.queue.Len() > 0 {
		batch := c.queue.Dequeue(c.batcher.BatchSize())
		if len(batch) == 0 {
			return
		}

		start := time.Now()
		for i, msg := range batch {
			if err := c.write(conn, msg.Payload); err != nil {
				c.logger.WithError(err).WithField("component", "broker_client").
					Warn("Flush interrupted, requeueing unsent messages")
				c.queue.Requeue(batch[i:])
				return
			}
		}
		c.batcher.Record(time.Since(start), c.queue.Len())

		metricBatchSize.WithLabelValues(c.broker.Name()).Set(float64(c.batcher.BatchSize()))
		metricQueueDepth.WithLabelValues(c.broker.Name()).Set(float64(c.queue.Len()))

		if c.queue.Len() > 0 && c.cfg.MessageBatchTimeout > 0 {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Duration(c.cfg.MessageBatchTimeout * float64(time.Second))):
			}
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			c.logger.WithError(err).WithFields(logrus.Fields{
				"component": "broker_client",
				"broker":    c.broker.Name(),
			}).Warn("Broker connection lost")
			c.scheduleReconnect(conn)
			return
		}

		c.mu.Lock()
		c.lastMessageAt = time.Now()
		c.mu.Unlock()
		c.monitor.MessageReceived()
		metricMessagesReceived.WithLabelValues(c.broker.Name()).Inc()

		if c.broker.IsHeartbeat(raw) {
			// Ack promptly so the broker's liveness window stays open
			if err := c.write(conn, c.broker.HeartbeatFrame()); err != nil {
				c.logger.WithError(err).WithField("component", "broker_client").
					Debug("Heartbeat ack failed")
			}
			continue
		}

		events, err := c.broker.Parse(raw)
		if err != nil {
			c.logger.WithError(err).WithField("component", "broker_client").
				Debug("Dropping unparseable broker frame")
			continue
		}
		if c.listener != nil {
			for _, ev := range events {
				c.listener.OnEvent(ev)
			}
		}
	}
}

// heartbeatLoop sends keepalives and watches for a silent connection. Two
// missed intervals without any inbound frame forces a reconnect.
func (c *Client) heartbeatLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	interval := c.cfg.Heartbeat()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := c.state == StateConnected && time.Since(c.lastMessageAt) > 2*interval
			current := c.conn
			c.mu.Unlock()

			if current != conn {
				return
			}
			if stale {
				c.logger.WithField("component", "broker_client").
					Warn("No broker traffic for two heartbeat intervals, reconnecting")
				conn.Close()
				return
			}
			if err := c.write(conn, c.broker.HeartbeatFrame()); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// scheduleReconnect tears down the current connection and retries with
// exponential backoff until connected or the client is closed.
func (c *Client) scheduleReconnect(old *websocket.Conn) {
	c.mu.Lock()
	if c.conn != old {
		// Another goroutine already replaced the connection
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.reconnects++
	c.mu.Unlock()

	old.Close()
	c.setState(StateReconnecting)
	c.monitor.Reconnected()
	metricReconnects.WithLabelValues(c.broker.Name()).Inc()

	go func() {
		backoff := c.cfg.ReconnectInterval
		if backoff <= 0 {
			backoff = 1
		}
		attempts := c.cfg.ReconnectAttempts
		if attempts <= 0 {
			attempts = 5
		}
		for attempt := 1; attempt <= attempts; attempt++ {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Duration(backoff) * time.Second):
			}

			err := c.Connect(c.ctx)
			if err == nil {
				return
			}
			c.logger.WithError(err).WithFields(logrus.Fields{
				"component": "broker_client",
				"attempt":   attempt,
			}).Warn("Reconnect attempt failed")

			if backoff < 60 {
				backoff *= 2
			}
			c.setState(StateReconnecting)
		}

		c.logger.WithField("component", "broker_client").
			Error("Reconnect attempts exhausted, giving up")
		c.setState(StateDisconnected)
	}()
}

// Healthy reports whether the client currently holds a live connection.
func (c *Client) Healthy() bool {
	return c.State() == StateConnected
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		metricCircuitState.WithLabelValues(c.broker.Name()).Set(float64(c.breaker.State()))
		if c.listener != nil {
			c.listener.OnStateChange(s)
		}
	}
}

// Status returns a connection snapshot for health endpoints.
func (c *Client) Status() ClientStatus {
	c.mu.Lock()
	status := ClientStatus{
		State:         c.state.String(),
		Broker:        c.broker.Name(),
		ConnectedAt:   c.connectedAt,
		LastMessageAt: c.lastMessageAt,
		Reconnects:    c.reconnects,
	}
	c.mu.Unlock()

	status.QueueDepth = c.queue.Len()
	status.QueueDropped = c.queue.Dropped()
	status.BatchSize = c.batcher.BatchSize()
	status.Circuit = c.breaker.GetStats()
	return status
}

// Close shuts the client down and releases the connection.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.wg.Wait()
	c.setState(StateDisconnected)
	return nil
}

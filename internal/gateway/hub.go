package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tradeforge-ops/broker-gateway-go/internal/broker"
	"github.com/tradeforge-ops/broker-gateway-go/internal/config"
	"github.com/tradeforge-ops/broker-gateway-go/internal/database/repositories"
	"github.com/tradeforge-ops/broker-gateway-go/internal/pool"
)

// Hub tracks consumer sessions and the shared broker connections behind
// them. Sessions for the same credential share one pooled broker client,
// with symbol subscriptions reference counted so the upstream subscription
// survives until the last interested session leaves.
type Hub struct {
	sessions   map[string]*Session
	register   chan *Session
	unregister chan *Session

	pool     *pool.Pool
	accounts repositories.AccountRepository
	cfg      config.GatewayConfig
	logger   *logrus.Logger

	mu     sync.RWMutex
	shared map[string]*sharedClient

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a session hub backed by the given connection pool.
func NewHub(p *pool.Pool, accounts repositories.AccountRepository, cfg config.GatewayConfig, logger *logrus.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		sessions:   make(map[string]*Session),
		register:   make(chan *Session, 16),
		unregister: make(chan *Session, 16),
		pool:       p,
		accounts:   accounts,
		cfg:        cfg,
		logger:     logger,
		shared:     make(map[string]*sharedClient),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run processes session registration until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case session := <-h.register:
			h.mu.Lock()
			h.sessions[session.ID] = session
			count := len(h.sessions)
			h.mu.Unlock()
			metricSessions.Set(float64(count))

			h.logger.WithFields(logrus.Fields{
				"component":  "gateway",
				"session_id": session.ID,
				"user_id":    session.UserID,
				"sessions":   count,
			}).Info("Session registered")

		case session := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.sessions[session.ID]; ok {
				delete(h.sessions, session.ID)
				close(session.send)
			}
			count := len(h.sessions)
			h.mu.Unlock()
			metricSessions.Set(float64(count))

			h.detachSession(session)

			h.logger.WithFields(logrus.Fields{
				"component":  "gateway",
				"session_id": session.ID,
				"sessions":   count,
			}).Info("Session unregistered")
		}
	}
}

// Stop shuts the hub down and closes every session.
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, session := range h.sessions {
		close(session.send)
		delete(h.sessions, id)
	}
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// BrokerStatuses returns the status of every shared broker connection.
func (h *Hub) BrokerStatuses() map[string]broker.ClientStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]broker.ClientStatus, len(h.shared))
	for key, sc := range h.shared {
		out[key] = sc.client.Status()
	}
	return out
}

// attachSession finds or builds the shared broker client for the session's
// credential and joins the session to it.
func (h *Hub) attachSession(ctx context.Context, session *Session) error {
	key := sharedKey(session.UserID, session.Environment)

	h.mu.Lock()
	sc, ok := h.shared[key]
	h.mu.Unlock()

	if !ok {
		conn, err := h.pool.Acquire(ctx, key)
		if err != nil {
			return err
		}
		client, isClient := conn.(*broker.Client)
		if !isClient {
			h.pool.Release(conn)
			return fmt.Errorf("pool returned unexpected connection type %T", conn)
		}

		h.mu.Lock()
		// Another session may have raced the build
		if existing, dup := h.shared[key]; dup {
			h.mu.Unlock()
			h.pool.Release(conn)
			sc = existing
		} else {
			sc = newSharedClient(key, client, h, h.logger)
			h.shared[key] = sc
			h.mu.Unlock()

			client.SetListener(sc)
			h.subscribeAccountEvents(ctx, session, client)
			go func() {
				if err := client.Connect(h.ctx); err != nil {
					h.logger.WithError(err).WithFields(logrus.Fields{
						"component": "gateway",
						"key":       key,
					}).Error("Broker connection failed")
					h.pool.ReportError(client)
				}
			}()
		}
	}

	sc.join(session)
	session.shared = sc
	return nil
}

// detachSession removes the session from its shared client, releasing the
// pooled connection when the last session leaves.
func (h *Hub) detachSession(session *Session) {
	sc := session.shared
	if sc == nil {
		return
	}
	session.shared = nil

	if sc.leave(session) {
		h.mu.Lock()
		delete(h.shared, sc.key)
		h.mu.Unlock()
		h.pool.Release(sc.client)
	}
}

// subscribeAccountEvents queues the broker-side subscription for position,
// order and fill updates on the user's accounts. The frame is flushed once
// the connection authenticates.
func (h *Hub) subscribeAccountEvents(ctx context.Context, session *Session, client *broker.Client) {
	accounts, err := h.accounts.GetActiveByUser(ctx, session.UserID)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", session.UserID).
			Warn("Failed to load accounts for event subscription")
		return
	}

	ids := make([]string, 0, len(accounts))
	for _, acct := range accounts {
		if acct.Environment == session.Environment {
			ids = append(ids, acct.BrokerAccountID)
		}
	}
	if len(ids) == 0 {
		return
	}

	frame, err := client.Broker().AccountSubscription(ids)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to build account subscription frame")
		return
	}
	if err := client.Send(frame, broker.PriorityHigh); err != nil {
		h.logger.WithError(err).Warn("Failed to queue account subscription")
	}
}

func sharedKey(userID, environment string) string {
	return userID + ":" + environment
}

package gateway

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tradeforge-ops/broker-gateway-go/internal/broker"
)

// sharedClient fans one broker connection out to the sessions riding it.
// Symbol subscriptions are reference counted: the upstream subscribe frame
// goes out on the first interested session and the unsubscribe frame only
// when the last one drops the symbol.
type sharedClient struct {
	key    string
	client *broker.Client
	hub    *Hub
	logger *logrus.Logger

	mu         sync.Mutex
	sessions   map[*Session]struct{}
	symbolRefs map[string]int
}

func newSharedClient(key string, client *broker.Client, hub *Hub, logger *logrus.Logger) *sharedClient {
	return &sharedClient{
		key:        key,
		client:     client,
		hub:        hub,
		logger:     logger,
		sessions:   make(map[*Session]struct{}),
		symbolRefs: make(map[string]int),
	}
}

func (sc *sharedClient) join(session *Session) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.sessions[session] = struct{}{}
}

// leave removes a session and its symbol references. Returns true when no
// sessions remain.
func (sc *sharedClient) leave(session *Session) bool {
	session.subMu.Lock()
	symbols := make([]string, 0, len(session.subscriptions))
	for symbol := range session.subscriptions {
		symbols = append(symbols, symbol)
	}
	session.subscriptions = make(map[string]struct{})
	session.subMu.Unlock()

	sc.mu.Lock()
	delete(sc.sessions, session)
	empty := len(sc.sessions) == 0
	sc.mu.Unlock()

	for _, symbol := range symbols {
		sc.releaseSymbol(symbol)
	}

	// The underlying connection stays pooled for reuse; the pool's idle
	// TTL reclaims it if no session returns
	return empty
}

// subscribeSymbol bumps the refcount, sending the upstream frame on the
// first reference.
func (sc *sharedClient) subscribeSymbol(symbol string) error {
	sc.mu.Lock()
	sc.symbolRefs[symbol]++
	first := sc.symbolRefs[symbol] == 1
	sc.mu.Unlock()

	if !first {
		return nil
	}

	frame, err := sc.client.Broker().MarketDataSubscription(symbol)
	if err != nil {
		return err
	}
	return sc.client.Send(frame, broker.PriorityNormal)
}

// releaseSymbol drops one reference, unsubscribing upstream on the last.
func (sc *sharedClient) releaseSymbol(symbol string) {
	sc.mu.Lock()
	if sc.symbolRefs[symbol] == 0 {
		sc.mu.Unlock()
		return
	}
	sc.symbolRefs[symbol]--
	last := sc.symbolRefs[symbol] == 0
	if last {
		delete(sc.symbolRefs, symbol)
	}
	sc.mu.Unlock()

	if !last {
		return
	}

	frame, err := sc.client.Broker().MarketDataUnsubscription(symbol)
	if err != nil {
		sc.logger.WithError(err).WithField("component", "gateway").
			Warn("Failed to build unsubscribe frame")
		return
	}
	if err := sc.client.Send(frame, broker.PriorityNormal); err != nil {
		sc.logger.WithError(err).WithField("component", "gateway").
			Warn("Failed to send unsubscribe frame")
	}
}

// OnEvent routes a normalized broker event to interested sessions. Market
// data goes only to sessions subscribed to its symbol; account scoped
// events go to every session on the credential.
func (sc *sharedClient) OnEvent(event broker.Event) {
	payload, err := (&Message{Type: event.Type, Data: event.Data, Timestamp: event.Timestamp}).ToJSON()
	if err != nil {
		return
	}

	symbol, _ := event.Data["symbol"].(string)
	marketData := event.Type == TypeMarketData

	sc.mu.Lock()
	targets := make([]*Session, 0, len(sc.sessions))
	for session := range sc.sessions {
		if marketData && symbol != "" && !session.subscribedTo(symbol) {
			continue
		}
		targets = append(targets, session)
	}
	sc.mu.Unlock()

	for _, session := range targets {
		session.enqueue(payload)
	}
	metricEventsRouted.WithLabelValues(event.Type).Add(float64(len(targets)))
}

// OnStateChange tells riding sessions about broker connectivity changes.
func (sc *sharedClient) OnStateChange(state broker.ConnectionState) {
	msg := NewMessage(TypeConnectionStatus, map[string]interface{}{
		"broker_state": state.String(),
	})
	payload, err := msg.ToJSON()
	if err != nil {
		return
	}

	sc.mu.Lock()
	targets := make([]*Session, 0, len(sc.sessions))
	for session := range sc.sessions {
		targets = append(targets, session)
	}
	sc.mu.Unlock()

	for _, session := range targets {
		session.enqueue(payload)
	}
}

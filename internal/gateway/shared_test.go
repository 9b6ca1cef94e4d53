package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge-ops/broker-gateway-go/internal/broker"
	"github.com/tradeforge-ops/broker-gateway-go/internal/broker/tradovate"
	"github.com/tradeforge-ops/broker-gateway-go/internal/config"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// newOfflineShared builds a shared client over a disconnected broker client,
// so outbound frames land in its queue where the test can count them.
func newOfflineShared(t *testing.T) *sharedClient {
	t.Helper()
	adapter := tradovate.New("wss://example.invalid/ws", "acct-1")
	client := broker.NewClient(adapter,
		func(context.Context) (string, error) { return "tok", nil },
		config.BrokerConfig{
			HeartbeatInterval:       15,
			ConnectionTimeout:       1,
			CircuitBreakerThreshold: 5,
			CircuitBreakerReset:     60,
			MessageBatchSize:        10,
		}, quietLogger())
	return newSharedClient("user-1:demo", client, nil, quietLogger())
}

func newTestSession(id string) *Session {
	return &Session{
		ID:            id,
		UserID:        "user-1",
		Environment:   "demo",
		send:          make(chan []byte, 16),
		done:          make(chan struct{}),
		logger:        quietLogger(),
		subscriptions: make(map[string]struct{}),
	}
}

func TestSharedClient_SubscriptionDedupe(t *testing.T) {
	sc := newOfflineShared(t)

	s1 := newTestSession("s1")
	s2 := newTestSession("s2")
	sc.join(s1)
	sc.join(s2)
	s1.shared = sc
	s2.shared = sc

	// Both sessions subscribe to the same symbol; only one upstream frame
	require.NoError(t, sc.subscribeSymbol("NQZ4"))
	s1.subscriptions["NQZ4"] = struct{}{}
	require.NoError(t, sc.subscribeSymbol("NQZ4"))
	s2.subscriptions["NQZ4"] = struct{}{}

	assert.Equal(t, 1, sc.client.Status().QueueDepth)

	// First leave drops a reference but keeps the upstream subscription
	sc.leave(s1)
	assert.Equal(t, 1, sc.client.Status().QueueDepth)

	// Last leave sends the unsubscribe frame
	empty := sc.leave(s2)
	assert.True(t, empty)
	assert.Equal(t, 2, sc.client.Status().QueueDepth)
}

func TestSharedClient_MarketDataRoutedBySubscription(t *testing.T) {
	sc := newOfflineShared(t)

	subscribed := newTestSession("s1")
	subscribed.subscriptions["NQZ4"] = struct{}{}
	other := newTestSession("s2")
	sc.join(subscribed)
	sc.join(other)

	sc.OnEvent(broker.Event{
		Type:      TypeMarketData,
		Data:      map[string]interface{}{"symbol": "NQZ4", "price": 20500.25},
		Timestamp: time.Now(),
	})

	select {
	case payload := <-subscribed.send:
		var msg Message
		require.NoError(t, json.Unmarshal(payload, &msg))
		assert.Equal(t, TypeMarketData, msg.Type)
	default:
		t.Fatal("subscribed session received nothing")
	}

	select {
	case <-other.send:
		t.Fatal("unsubscribed session should not receive the quote")
	default:
	}
}

func TestSharedClient_AccountEventsReachAllSessions(t *testing.T) {
	sc := newOfflineShared(t)

	s1 := newTestSession("s1")
	s2 := newTestSession("s2")
	sc.join(s1)
	sc.join(s2)

	sc.OnEvent(broker.Event{
		Type:      "order",
		Data:      map[string]interface{}{"orderId": "42", "status": "Filled"},
		Timestamp: time.Now(),
	})

	for _, s := range []*Session{s1, s2} {
		select {
		case payload := <-s.send:
			var msg Message
			require.NoError(t, json.Unmarshal(payload, &msg))
			assert.Equal(t, "order", msg.Type)
		default:
			t.Fatalf("session %s received nothing", s.ID)
		}
	}
}

func TestSharedClient_StateChangeBroadcast(t *testing.T) {
	sc := newOfflineShared(t)
	s1 := newTestSession("s1")
	sc.join(s1)

	sc.OnStateChange(broker.StateReconnecting)

	select {
	case payload := <-s1.send:
		var msg Message
		require.NoError(t, json.Unmarshal(payload, &msg))
		assert.Equal(t, TypeConnectionStatus, msg.Type)
		assert.Equal(t, "reconnecting", msg.Data["broker_state"])
	default:
		t.Fatal("session received no state change")
	}
}

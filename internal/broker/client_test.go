package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge-ops/broker-gateway-go/internal/config"
	gwerrors "github.com/tradeforge-ops/broker-gateway-go/pkg/errors"
)

// fakeBroker speaks a minimal JSON protocol for tests.
type fakeBroker struct {
	url string
}

func (f *fakeBroker) Name() string         { return "fake" }
func (f *fakeBroker) WebSocketURL() string { return f.url }

func (f *fakeBroker) AuthFrame(token string) ([]byte, error) {
	return []byte(`{"op":"auth","token":"` + token + `"}`), nil
}

func (f *fakeBroker) ParseAuthAck(raw []byte) (bool, error) {
	var msg map[string]string
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false, nil
	}
	if msg["op"] != "auth_ack" {
		return false, nil
	}
	if msg["status"] != "ok" {
		return true, fmt.Errorf("authorization rejected: %s", msg["status"])
	}
	return true, nil
}

func (f *fakeBroker) HeartbeatFrame() []byte    { return []byte(`{"op":"hb"}`) }
func (f *fakeBroker) IsHeartbeat(b []byte) bool { return strings.Contains(string(b), `"hb"`) }

func (f *fakeBroker) MarketDataSubscription(symbol string) ([]byte, error) {
	return []byte(`{"op":"sub","symbol":"` + symbol + `"}`), nil
}

func (f *fakeBroker) MarketDataUnsubscription(symbol string) ([]byte, error) {
	return []byte(`{"op":"unsub","symbol":"` + symbol + `"}`), nil
}

func (f *fakeBroker) AccountSubscription(ids []string) ([]byte, error) {
	return []byte(`{"op":"user"}`), nil
}

func (f *fakeBroker) OrderFrame(req map[string]interface{}) ([]byte, error) {
	return json.Marshal(map[string]interface{}{"op": "order", "req": req})
}

func (f *fakeBroker) CancelOrderFrame(orderID string) ([]byte, error) {
	return []byte(`{"op":"cancel","id":"` + orderID + `"}`), nil
}

func (f *fakeBroker) Parse(raw []byte) ([]Event, error) {
	var msg map[string]interface{}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return []Event{NewEvent("quote", msg)}, nil
}

type recordingListener struct {
	mu     sync.Mutex
	events []Event
	states []ConnectionState
}

func (l *recordingListener) OnEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *recordingListener) OnStateChange(s ConnectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *recordingListener) eventCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *recordingListener) sawState(s ConnectionState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.states {
		if got == s {
			return true
		}
	}
	return false
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeServer accepts one connection, acks auth and records inbound frames.
type fakeServer struct {
	*httptest.Server
	mu       sync.Mutex
	received []string
	ackAuth  bool
}

func newFakeServer(ackAuth bool) *fakeServer {
	fs := &fakeServer{ackAuth: ackAuth}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fs.mu.Lock()
			fs.received = append(fs.received, string(raw))
			fs.mu.Unlock()

			if strings.Contains(string(raw), `"auth"`) {
				if fs.ackAuth {
					conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"auth_ack","status":"ok"}`))
				} else {
					conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"auth_ack","status":"denied"}`))
				}
			}
		}
	}))
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) frames() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]string, len(fs.received))
	copy(out, fs.received)
	return out
}

func testBrokerConfig() config.BrokerConfig {
	return config.BrokerConfig{
		HeartbeatInterval:       15,
		ConnectionTimeout:       5,
		ReconnectAttempts:       3,
		ReconnectInterval:       1,
		CircuitBreakerThreshold: 5,
		CircuitBreakerReset:     60,
		MessageBatchSize:        10,
	}
}

func staticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

func TestClient_ConnectAuthenticates(t *testing.T) {
	srv := newFakeServer(true)
	defer srv.Close()

	fb := &fakeBroker{url: srv.wsURL()}
	client := NewClient(fb, staticToken("tok-1"), testBrokerConfig(), logrus.New())
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, StateConnected, client.State())

	frames := srv.frames()
	require.NotEmpty(t, frames)
	assert.Contains(t, frames[0], "tok-1")
}

func TestClient_ConnectAuthRejected(t *testing.T) {
	srv := newFakeServer(false)
	defer srv.Close()

	fb := &fakeBroker{url: srv.wsURL()}
	client := NewClient(fb, staticToken("tok-1"), testBrokerConfig(), logrus.New())
	defer client.Close()

	err := client.Connect(context.Background())
	require.Error(t, err)

	var authErr *gwerrors.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, StateDisconnected, client.State())
}

func TestClient_QueuesWhileDisconnectedAndFlushesOnConnect(t *testing.T) {
	srv := newFakeServer(true)
	defer srv.Close()

	fb := &fakeBroker{url: srv.wsURL()}
	client := NewClient(fb, staticToken("tok-1"), testBrokerConfig(), logrus.New())
	defer client.Close()

	require.NoError(t, client.Send([]byte(`{"op":"sub","symbol":"ESZ5"}`), PriorityNormal))
	require.NoError(t, client.Send([]byte(`{"op":"order","id":1}`), PriorityHigh))
	assert.Equal(t, 2, client.Status().QueueDepth)

	require.NoError(t, client.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		return client.Status().QueueDepth == 0 && len(srv.frames()) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	// High priority order flushes before the earlier subscription
	frames := srv.frames()
	orderIdx, subIdx := -1, -1
	for i, f := range frames {
		if strings.Contains(f, `"order"`) {
			orderIdx = i
		}
		if strings.Contains(f, `"sub"`) {
			subIdx = i
		}
	}
	require.NotEqual(t, -1, orderIdx)
	require.NotEqual(t, -1, subIdx)
	assert.Less(t, orderIdx, subIdx)
}

func TestClient_SilentConnectionTriggersReconnect(t *testing.T) {
	srv := newFakeServer(true)
	defer srv.Close()

	cfg := testBrokerConfig()
	cfg.HeartbeatInterval = 1

	fb := &fakeBroker{url: srv.wsURL()}
	listener := &recordingListener{}
	client := NewClient(fb, staticToken("tok-1"), cfg, logrus.New())
	client.SetListener(listener)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))

	// The server acks auth and then goes silent; after two missed heartbeat
	// intervals the client tears the connection down on its own.
	assert.Eventually(t, func() bool {
		return listener.sawState(StateReconnecting)
	}, 6*time.Second, 20*time.Millisecond)
}

func TestClient_MalformedFrameDoesNotStopDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"auth_ack","status":"ok"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"ESZ5","price":6400.50}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`garbage{{`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"NQZ5","price":20500.25}`))
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	fb := &fakeBroker{url: "ws" + strings.TrimPrefix(srv.URL, "http")}
	listener := &recordingListener{}
	client := NewClient(fb, staticToken("tok-1"), testBrokerConfig(), logrus.New())
	client.SetListener(listener)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		return listener.eventCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, client.State())

	listener.mu.Lock()
	defer listener.mu.Unlock()
	assert.Equal(t, "ESZ5", listener.events[0].Data["symbol"])
	assert.Equal(t, "NQZ5", listener.events[1].Data["symbol"])
}

func TestClient_DeliversNormalizedEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Ack auth, then push one quote
		conn.ReadMessage()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"auth_ack","status":"ok"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"NQZ5","price":20500.25}`))
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	fb := &fakeBroker{url: "ws" + strings.TrimPrefix(srv.URL, "http")}
	listener := &recordingListener{}
	client := NewClient(fb, staticToken("tok-1"), testBrokerConfig(), logrus.New())
	client.SetListener(listener)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		return listener.eventCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	listener.mu.Lock()
	defer listener.mu.Unlock()
	assert.Equal(t, "quote", listener.events[0].Type)
	assert.Equal(t, "NQZ5", listener.events[0].Data["symbol"])
}

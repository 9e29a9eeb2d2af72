package tunnel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/pocketagent/relay/internal/errors"
	"github.com/pocketagent/relay/internal/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientAuthRejectionIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: wsURL(srv), Token: "bad-key"})
	err := c.Connect(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeTunnelAuthRejected) {
		t.Fatalf("Connect with bad key: got %v, want tunnel.auth_rejected", err)
	}
	if c.State() != StateDisabled {
		t.Errorf("state after auth rejection = %s, want disabled", c.State())
	}

	// A disabled client never retries with the same credential.
	err = c.Connect(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeTunnelDisabled) {
		t.Errorf("Connect while disabled: got %v, want tunnel.disabled", err)
	}
}

func TestClientEnvelopeRoundTrip(t *testing.T) {
	serverRecv := make(chan protocol.Envelope, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want bearer test-key", got)
		}
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws)

		// Deliver a request to the daemon, then collect whatever it
		// sends back.
		if err := conn.WriteEnvelope(protocol.NewRequest("req-1", "GET", "/session", nil, nil)); err != nil {
			return
		}
		for {
			env, err := conn.ReadEnvelope()
			if err != nil {
				return
			}
			serverRecv <- env
		}
	}))
	defer srv.Close()

	received := make(chan protocol.Envelope, 4)
	connected := make(chan struct{}, 1)

	c := NewClient(Config{
		URL:        wsURL(srv),
		Token:      "test-key",
		OnEnvelope: func(env protocol.Envelope) { received <- env },
		OnConnect:  func() { connected <- struct{}{} },
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect never fired")
	}
	if c.State() != StateConnected {
		t.Errorf("state = %s, want connected", c.State())
	}

	select {
	case env := <-received:
		if env.Type != protocol.TypeHTTPRequest || env.RequestID != "req-1" {
			t.Errorf("unexpected envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request envelope never dispatched")
	}

	if err := c.Send(protocol.NewResponse("req-1", 200, []byte(`{"ok":true}`))); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case env := <-serverRecv:
		if env.Type != protocol.TypeHTTPResponse || env.Status != 200 {
			t.Errorf("server got %+v, want 200 http_response", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("response never reached server")
	}
}

func TestClientSendWhileDisconnectedDrops(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1/tunnel", Token: "key"})
	if err := c.Send(protocol.NewStatus(true)); err != nil {
		t.Errorf("Send while disconnected: got %v, want silent drop", err)
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	var dials int
	dialed := make(chan int, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		dials++
		n := dials
		dialed <- n
		if n == 1 {
			// Drop the first connection immediately to force the
			// backoff path.
			ws.Close()
			return
		}
		conn := NewConn(ws)
		for {
			if _, err := conn.ReadEnvelope(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := NewClient(Config{URL: wsURL(srv), Token: "test-key"})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	<-dialed

	// First retry fires after roughly one second of backoff.
	select {
	case <-dialed:
	case <-time.After(5 * time.Second):
		t.Fatal("client never reconnected after drop")
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s after reconnect, want connected", c.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientDisconnectLeavesOneReader(t *testing.T) {
	serverClosed := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws)
		for {
			if _, err := conn.ReadEnvelope(); err != nil {
				serverClosed <- err
				ws.Close()
				return
			}
		}
	}))
	defer srv.Close()

	c := NewClient(Config{URL: wsURL(srv), Token: "test-key"})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.Disconnect()

	select {
	case err := <-serverClosed:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("server saw %v, want a normal close frame", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the close")
	}

	if c.State() != StateDisabled {
		t.Errorf("state after Disconnect = %s, want disabled", c.State())
	}
	if err := c.Send(protocol.NewStatus(true)); err != nil {
		t.Errorf("Send after Disconnect: got %v, want silent drop", err)
	}
}

func TestClientDialAfterDisconnectStaysDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws)
		for {
			if _, err := conn.ReadEnvelope(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := NewClient(Config{URL: wsURL(srv), Token: "test-key"})
	c.Disconnect()

	// A dial completing after Disconnect must not resurrect the tunnel.
	err := c.dial(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeTunnelDisabled) {
		t.Fatalf("dial while disabled: got %v, want tunnel.disabled", err)
	}
	if c.State() != StateDisabled {
		t.Errorf("state = %s, want disabled", c.State())
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		t.Error("dial installed a connection on a disabled client")
	}
}

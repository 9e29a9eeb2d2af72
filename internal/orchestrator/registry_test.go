package orchestrator

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
	"github.com/pocketagent/relay/internal/tunnel"
)

// dialPair gives the test both ends of a websocket: the daemon side
// (raw gorilla conn) and the orchestrator side (registered via Run).
func dialPair(t *testing.T, r *Registry, identity string) *tunnel.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	running := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		close(running)
		r.Run(identity, tunnel.NewConn(ws))
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	select {
	case <-running:
	case <-time.After(2 * time.Second):
		t.Fatal("registry never registered the tunnel")
	}
	return tunnel.NewConn(ws)
}

// answer responds to the next http_request the daemon side receives.
func answer(t *testing.T, daemon *tunnel.Conn, status int, body string) {
	t.Helper()
	go func() {
		env, err := daemon.ReadEnvelope()
		if err != nil {
			return
		}
		if env.Type != protocol.TypeHTTPRequest {
			return
		}
		daemon.WriteEnvelope(protocol.NewResponse(env.RequestID, status, []byte(body)))
	}()
}

func TestForwardRoundTrip(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	daemon := dialPair(t, r, "user-1")

	if !r.IsConnected("user-1") {
		t.Fatal("IsConnected false after Run")
	}

	answer(t, daemon, 200, `[{"id":"s-1"}]`)
	status, body, err := r.Forward(context.Background(), "user-1", "GET", "/session", nil, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if status != 200 || string(body) != `[{"id":"s-1"}]` {
		t.Errorf("Forward = %d %s", status, body)
	}
}

func TestForwardRemaps204(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	daemon := dialPair(t, r, "user-1")

	answer(t, daemon, http.StatusNoContent, "")
	status, body, err := r.Forward(context.Background(), "user-1", "POST", "/session/s-1/abort", nil, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %s, want {\"ok\":true}", body)
	}
}

func TestForwardNotConnected(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	_, _, err := r.Forward(context.Background(), "nobody", "GET", "/session", nil, nil)
	if !apperrors.IsCode(err, apperrors.CodeTunnelNotConnected) {
		t.Errorf("Forward without tunnel: got %v, want tunnel.not_connected", err)
	}
}

func TestForwardTimesOutOnSilentDaemon(t *testing.T) {
	r := NewRegistry(RegistryConfig{ForwardTimeout: 100 * time.Millisecond})
	daemon := dialPair(t, r, "user-1")

	// Keep the tunnel open but never answer.
	go func() {
		for {
			if _, err := daemon.ReadEnvelope(); err != nil {
				return
			}
		}
	}()

	start := time.Now()
	_, _, err := r.Forward(context.Background(), "user-1", "GET", "/session", nil, nil)
	if err != context.DeadlineExceeded {
		t.Fatalf("Forward on silent daemon: got %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Forward hung well past its deadline")
	}
}

func TestForwardFailsWhenTunnelDrops(t *testing.T) {
	r := NewRegistry(RegistryConfig{ForwardTimeout: 5 * time.Second})
	daemon := dialPair(t, r, "user-1")

	errCh := make(chan error, 1)
	go func() {
		_, _, err := r.Forward(context.Background(), "user-1", "GET", "/session", nil, nil)
		errCh <- err
	}()

	// Wait for the request to land, then kill the tunnel.
	if _, err := daemon.ReadEnvelope(); err != nil {
		t.Fatalf("daemon read: %v", err)
	}
	daemon.Close()

	select {
	case err := <-errCh:
		if !apperrors.IsCode(err, apperrors.CodeTunnelClosed) {
			t.Errorf("Forward after drop: got %v, want tunnel.closed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Forward hung after the tunnel dropped")
	}
}

func TestHeartbeatIsAcked(t *testing.T) {
	beats := make(chan string, 1)
	r := NewRegistry(RegistryConfig{
		OnHeartbeat: func(identity string) { beats <- identity },
	})
	daemon := dialPair(t, r, "user-1")

	if err := daemon.WriteEnvelope(protocol.NewHeartbeat(time.Now())); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	env, err := daemon.ReadEnvelope()
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if env.Type != protocol.TypeHeartbeatAck {
		t.Errorf("reply type = %s, want heartbeat_ack", env.Type)
	}
	select {
	case id := <-beats:
		if id != "user-1" {
			t.Errorf("heartbeat identity = %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("OnHeartbeat never fired")
	}
}

func TestStatusEnvelopeDispatch(t *testing.T) {
	statuses := make(chan bool, 1)
	r := NewRegistry(RegistryConfig{
		OnStatus: func(identity string, ready bool) { statuses <- ready },
	})
	daemon := dialPair(t, r, "user-1")

	daemon.WriteEnvelope(protocol.NewStatus(true))
	select {
	case ready := <-statuses:
		if !ready {
			t.Error("OnStatus ready = false, want true")
		}
	case <-time.After(time.Second):
		t.Fatal("OnStatus never fired")
	}
}

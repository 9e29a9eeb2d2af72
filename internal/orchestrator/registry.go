// Package orchestrator is the public-facing side: it accepts daemon
// tunnels, authenticates mobile clients, and forwards their HTTP calls
// over the matching tunnel. When no tunnel is up it serves reads from
// the degraded-mode cache.
package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/pocketagent/relay/internal/errors"
	"github.com/pocketagent/relay/internal/protocol"
	"github.com/pocketagent/relay/internal/tunnel"
)

// RegistryConfig wires the registry's collaborators.
type RegistryConfig struct {
	// ForwardTimeout bounds every forwarded request. Zero means 60s.
	// A daemon that stays connected but stops answering must not hang
	// callers forever.
	ForwardTimeout time.Duration

	// OnConnect fires after a daemon tunnel is registered. The server
	// uses it to kick off a sync exchange.
	OnConnect func(identity string)

	// OnStatus fires when a daemon reports agent readiness.
	OnStatus func(identity string, ready bool)

	// OnEvent fires for every event envelope a daemon pushes.
	OnEvent func(identity string, env protocol.Envelope)

	// OnSyncResponse fires when a daemon answers a sync_request.
	OnSyncResponse func(identity string, env protocol.Envelope)

	// OnHeartbeat fires on every daemon heartbeat, after the ack.
	OnHeartbeat func(identity string)
}

const defaultForwardTimeout = 60 * time.Second

// daemonConn is one registered tunnel plus its in-flight request table.
type daemonConn struct {
	identity string
	conn     *tunnel.Conn
	pending  *tunnel.Pending
	ready    bool
	mu       sync.Mutex
}

func (d *daemonConn) setReady(ready bool) {
	d.mu.Lock()
	d.ready = ready
	d.mu.Unlock()
}

// Registry tracks at most one live tunnel per authenticated daemon
// identity. It is an explicit object injected into the route layer.
type Registry struct {
	cfg RegistryConfig

	mu    sync.Mutex
	conns map[string]*daemonConn
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.ForwardTimeout == 0 {
		cfg.ForwardTimeout = defaultForwardTimeout
	}
	return &Registry{cfg: cfg, conns: make(map[string]*daemonConn)}
}

// IsConnected reports whether a live tunnel exists for the identity.
func (r *Registry) IsConnected(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[identity] != nil
}

// Run registers the tunnel and consumes it until it drops. A second
// tunnel for the same identity replaces the first; the old socket is
// closed and its in-flight requests fail immediately.
func (r *Registry) Run(identity string, conn *tunnel.Conn) {
	dc := &daemonConn{
		identity: identity,
		conn:     conn,
		pending:  tunnel.NewPending(),
	}

	r.mu.Lock()
	if old := r.conns[identity]; old != nil {
		log.Printf("orchestrator: replacing tunnel for %s", identity)
		old.conn.Close()
		old.pending.FailAll()
	}
	r.conns[identity] = dc
	r.mu.Unlock()

	log.Printf("orchestrator: daemon %s connected", identity)
	if r.cfg.OnConnect != nil {
		r.cfg.OnConnect(identity)
	}

	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			break
		}
		r.dispatch(dc, env)
	}

	r.mu.Lock()
	if r.conns[identity] == dc {
		delete(r.conns, identity)
	}
	r.mu.Unlock()
	dc.pending.FailAll()
	log.Printf("orchestrator: daemon %s disconnected", identity)
}

func (r *Registry) dispatch(dc *daemonConn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHTTPResponse:
		dc.pending.Resolve(env)
	case protocol.TypeHeartbeat:
		dc.conn.WriteEnvelope(protocol.NewHeartbeatAck())
		if r.cfg.OnHeartbeat != nil {
			r.cfg.OnHeartbeat(dc.identity)
		}
	case protocol.TypeStatus:
		ready := env.AgentReady != nil && *env.AgentReady
		dc.setReady(ready)
		if r.cfg.OnStatus != nil {
			r.cfg.OnStatus(dc.identity, ready)
		}
	case protocol.TypeEvent:
		if r.cfg.OnEvent != nil {
			r.cfg.OnEvent(dc.identity, env)
		}
	case protocol.TypeSyncResponse:
		if r.cfg.OnSyncResponse != nil {
			r.cfg.OnSyncResponse(dc.identity, env)
		}
	default:
		log.Printf("orchestrator: ignoring %s envelope from %s", env.Type, dc.identity)
	}
}

// Send pushes one envelope down a daemon's tunnel, if connected.
func (r *Registry) Send(identity string, env protocol.Envelope) error {
	r.mu.Lock()
	dc := r.conns[identity]
	r.mu.Unlock()
	if dc == nil {
		return apperrors.TunnelNotConnected(identity)
	}
	return dc.conn.WriteEnvelope(env)
}

// Forward sends an http_request envelope to the daemon and waits for the
// correlated http_response. Returns tunnel.not_connected immediately if
// no tunnel is up. An upstream 204 is remapped to a 200 with an {"ok"}
// body because some intermediaries reject empty non-200 bodies.
func (r *Registry) Forward(ctx context.Context, identity, method, path string, query map[string]string, body json.RawMessage) (int, json.RawMessage, error) {
	r.mu.Lock()
	dc := r.conns[identity]
	r.mu.Unlock()
	if dc == nil {
		return 0, nil, apperrors.TunnelNotConnected(identity)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.ForwardTimeout)
		defer cancel()
	}

	requestID := uuid.New().String()
	ch := dc.pending.Add(requestID)

	env := protocol.NewRequest(requestID, method, path, query, body)
	if err := dc.conn.WriteEnvelope(env); err != nil {
		dc.pending.Remove(requestID)
		return 0, nil, apperrors.Wrap(apperrors.CodeTunnelSendFailed, "forward write failed", err)
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, nil, res.Err
		}
		status, respBody := res.Env.Status, res.Env.Body
		if status == http.StatusNoContent {
			return http.StatusOK, json.RawMessage(`{"ok":true}`), nil
		}
		return status, respBody, nil
	case <-ctx.Done():
		dc.pending.Remove(requestID)
		return 0, nil, ctx.Err()
	}
}

// ConnectedCount reports how many daemons currently hold a tunnel.
func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

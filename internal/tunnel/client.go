package tunnel

import (
	"context"
	"crypto/tls"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/pocketagent/relay/internal/errors"
	"github.com/pocketagent/relay/internal/protocol"
)

// PairingToken is the reserved bearer token a daemon presents when it has
// no device key yet and wants to run the pairing handshake.
const PairingToken = "pairing"

// defaultHeartbeatInterval is how often a connected client emits a
// heartbeat envelope. Acks are informational only; a missing ack never
// tears the connection down.
const defaultHeartbeatInterval = 30 * time.Second

// State is the tunnel client's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReconnecting
	// StateDisabled is terminal: entered on explicit Disconnect or when
	// the credential is rejected. No reconnect attempts are made.
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Config configures a tunnel client.
type Config struct {
	// URL is the orchestrator websocket endpoint.
	URL string

	// Token is the bearer credential: a device key, or PairingToken
	// during the pairing handshake.
	Token string

	// TLSConfig is applied to the websocket dial. Nil uses defaults.
	TLSConfig *tls.Config

	// OnEnvelope is invoked for every inbound envelope except
	// heartbeat acks. Called from the read loop; handlers that block
	// stall the tunnel.
	OnEnvelope func(protocol.Envelope)

	// OnConnect is invoked after every successful connect, including
	// reconnects. The daemon uses it to send its initial status.
	OnConnect func()

	// HeartbeatInterval overrides the 30s default. Zero means default.
	HeartbeatInterval time.Duration
}

// Client maintains one outbound tunnel to the orchestrator, reconnecting
// with capped exponential backoff on unexpected closes.
type Client struct {
	cfg Config
	ctx context.Context

	mu           sync.Mutex
	state        State
	conn         *Conn
	connDone     chan struct{}
	readDone     chan struct{}
	attempt      int
	reconnecting bool
}

// NewClient returns an unconnected client.
func NewClient(cfg Config) *Client {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &Client{cfg: cfg, state: StateDisconnected}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the orchestrator. It returns once the tunnel is open, or
// with an error on connect failure. An auth rejection permanently
// disables the client. The context bounds the dial and all later
// reconnect sleeps.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDisabled {
		c.mu.Unlock()
		return apperrors.New(apperrors.CodeTunnelDisabled, "tunnel is disabled")
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.ctx = ctx
	c.mu.Unlock()

	return c.dial(ctx)
}

// Send transmits an envelope. Sends while not connected are silently
// dropped; the tunnel is best-effort by contract and callers that need
// delivery confirmation correlate on the response.
func (c *Client) Send(env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	if c.state != StateConnected {
		conn = nil
	}
	c.mu.Unlock()

	if conn == nil {
		log.Printf("tunnel: dropping %s envelope, not connected", env.Type)
		return nil
	}
	if err := conn.WriteEnvelope(env); err != nil {
		return apperrors.Wrap(apperrors.CodeTunnelSendFailed, "envelope write failed", err)
	}
	return nil
}

// Disconnect permanently disables the client and closes the tunnel
// gracefully, waiting briefly for the peer's close acknowledgment. The
// read loop stays the only reader: Disconnect sends the close frame and
// bounds the read deadline, then waits for the loop to drain and exit.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.state = StateDisabled
	conn := c.conn
	readDone := c.readDone
	c.mu.Unlock()

	if conn == nil {
		return
	}

	conn.WriteClose()
	conn.SetReadDeadline(time.Now().Add(closeAckWait))
	if readDone != nil {
		select {
		case <-readDone:
		case <-time.After(closeAckWait + time.Second):
		}
	}
}

// dial opens the websocket and starts the per-connection loops.
func (c *Client) dial(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  c.cfg.TLSConfig,
	}

	ws, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.mu.Lock()
			c.state = StateDisabled
			c.mu.Unlock()
			return apperrors.TunnelAuthRejected()
		}
		return apperrors.Wrap(apperrors.CodeTunnelNotConnected, "tunnel connect failed", err)
	}

	conn := NewConn(ws)
	done := make(chan struct{})
	readDone := make(chan struct{})

	c.mu.Lock()
	if c.state == StateDisabled {
		// Disconnect (or an auth disable) landed while the dial was in
		// flight. Disabled is terminal; drop the fresh socket.
		c.mu.Unlock()
		ws.Close()
		return apperrors.New(apperrors.CodeTunnelDisabled, "tunnel is disabled")
	}
	c.conn = conn
	c.connDone = done
	c.readDone = readDone
	c.state = StateConnected
	c.attempt = 0
	c.mu.Unlock()

	log.Printf("tunnel: connected to %s", c.cfg.URL)

	go c.readLoop(conn, readDone)
	go c.heartbeatLoop(conn, done)

	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect()
	}
	return nil
}

// readLoop dispatches inbound envelopes until the connection drops. It
// closes done on exit so Disconnect can wait for the close-ack drain.
func (c *Client) readLoop(conn *Conn, done chan struct{}) {
	defer close(done)
	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		if env.Type == protocol.TypeHeartbeatAck {
			continue
		}
		if c.cfg.OnEnvelope != nil {
			c.cfg.OnEnvelope(env)
		}
	}
}

// heartbeatLoop emits a heartbeat envelope on a fixed interval while the
// connection is up.
func (c *Client) heartbeatLoop(conn *Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteEnvelope(protocol.NewHeartbeat(time.Now())); err != nil {
				return
			}
		}
	}
}

// handleClose reacts to an unexpected connection drop. If the client is
// still enabled it enters Reconnecting and schedules the backoff loop;
// at most one reconnect loop runs at a time.
func (c *Client) handleClose(conn *Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	if c.state == StateDisabled {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.state = StateReconnecting
	startLoop := !c.reconnecting
	if startLoop {
		c.reconnecting = true
	}
	c.mu.Unlock()

	log.Printf("tunnel: connection lost: %v", err)
	conn.Close()

	if startLoop {
		go c.reconnectLoop()
	}
}

// reconnectLoop retries the dial with capped exponential backoff until it
// succeeds, the credential is rejected, or the context ends.
func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		attempt := c.attempt
		c.attempt++
		ctx := c.ctx
		c.mu.Unlock()

		delay := ReconnectDelay(attempt)
		log.Printf("tunnel: reconnect attempt %d in %s", attempt+1, delay.Round(time.Millisecond))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		err := c.dial(ctx)
		if err == nil {
			return
		}
		if apperrors.IsCode(err, apperrors.CodeTunnelAuthRejected) {
			log.Printf("tunnel: credential rejected, disabling reconnect")
			return
		}
		log.Printf("tunnel: reconnect failed: %v", err)
	}
}

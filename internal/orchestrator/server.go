package orchestrator

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pocketagent/relay/internal/pairing"
	"github.com/pocketagent/relay/internal/protocol"
	"github.com/pocketagent/relay/internal/storage"
	"github.com/pocketagent/relay/internal/tunnel"
)

// Store is everything the orchestrator needs from persistence.
type Store interface {
	IdentityStore
	CacheStore
	SaveDevice(d *storage.Device) error
	GetCachedSession(userID, sessionID string) (*storage.CachedSession, error)
	ListCachedSessions(userID string) ([]*storage.CachedSession, error)
	ListCachedMessages(userID, sessionID string) ([]*storage.CachedMessage, error)
	CachedSessionIDs(userID string) ([]string, error)
	EventCursor(userID string) (int64, error)
	SavePushToken(userID, platform, token string) error
}

// ServerConfig configures the public-facing server.
type ServerConfig struct {
	Addr string

	// TLSCert and TLSKey are file paths; both empty means plain HTTP
	// (behind a terminating proxy, or NoTLS deployments).
	TLSCert string
	TLSKey  string

	// ForwardTimeout bounds forwarded requests; zero means 60s.
	ForwardTimeout time.Duration
}

// Server ties the registry, pairing manager, cache writer and HTTP
// surface together.
type Server struct {
	cfg      ServerConfig
	store    Store
	registry *Registry
	pairing  *pairing.Manager
	cache    *CacheWriter

	httpSrv  *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
}

// NewServer wires the orchestrator components.
func NewServer(cfg ServerConfig, store Store) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		pairing: pairing.NewManager(store),
		cache:   NewCacheWriter(store),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.registry = NewRegistry(RegistryConfig{
		ForwardTimeout: cfg.ForwardTimeout,
		OnConnect:      s.triggerSync,
		OnEvent: func(identity string, env protocol.Envelope) {
			s.cache.RecordEvent(identity, env.Timestamp)
		},
		OnSyncResponse: func(identity string, env protocol.Envelope) {
			log.Printf("orchestrator: sync delivered %d sessions for %s", len(env.Sessions), identity)
			s.cache.RecordSync(identity, env.Sessions, env.DeletedSessionIDs)
		},
		OnStatus: func(identity string, ready bool) {
			log.Printf("orchestrator: daemon %s agent ready=%t", identity, ready)
		},
	})

	s.httpSrv = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.routes(),
	}
	return s
}

// Registry exposes the connection registry, mainly for tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start begins listening. It returns once the listener is bound, so
// callers can connect immediately; serving continues in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		var serveErr error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			log.Printf("orchestrator: listening on %s (tls)", ln.Addr())
			serveErr = s.httpSrv.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			log.Printf("orchestrator: listening on %s", ln.Addr())
			serveErr = s.httpSrv.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Printf("orchestrator: serve error: %v", serveErr)
		}
	}()
	return nil
}

// Addr returns the bound address, useful when Addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the HTTP server and the cache worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.cache.Stop()
	return err
}

// handleTunnel upgrades a daemon's websocket. The reserved pairing token
// selects the unauthenticated pairing flow; anything else must be a
// valid device key.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r)

	if token == tunnel.PairingToken {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.runPairingTunnel(tunnel.NewConn(ws))
		return
	}

	device, err := validateDeviceKey(s.store, token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	// One daemon per user; the registry keys tunnels by the owning
	// user so the route layer can find them from a mobile credential.
	s.registry.Run(device.UserID, tunnel.NewConn(ws))
}

// runPairingTunnel serves one pairing handshake and closes. The daemon
// sends pair_request; we hold the socket open until the operator
// verifies the code or the window expires.
func (s *Server) runPairingTunnel(conn *tunnel.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pairing.DefaultWindow + time.Minute))
	env, err := conn.ReadEnvelope()
	if err != nil {
		return
	}
	if env.Type != protocol.TypePairRequest || env.PairingCode == "" {
		conn.WriteEnvelope(protocol.NewPairFailure("expected a pair request"))
		return
	}

	code := pairing.NormalizeCode(env.PairingCode)
	verdict, err := s.pairing.Begin(code, env.Hostname, env.Projects)
	if err != nil {
		conn.WriteEnvelope(protocol.NewPairFailure("pairing code already in use, generate a new one"))
		return
	}
	defer s.pairing.Cancel(code)

	timer := time.NewTimer(pairing.DefaultWindow)
	defer timer.Stop()

	select {
	case v := <-verdict:
		conn.WriteEnvelope(protocol.NewPairSuccess(v.DeviceKey))
	case <-timer.C:
		conn.WriteEnvelope(protocol.NewPairFailure("pairing timed out, no verification received"))
	}
}

// triggerSync asks a freshly connected daemon for everything the cache
// missed while it was away. The event cursor only advances when the
// daemon emits event envelopes; until a daemon-side event source exists
// it stays at zero and every sync re-checks all cached sessions, which
// over-fetches but never loses messages.
func (s *Server) triggerSync(identity string) {
	ids, err := s.store.CachedSessionIDs(identity)
	if err != nil {
		log.Printf("orchestrator: sync skipped, listing cached sessions failed: %v", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	cursor, err := s.store.EventCursor(identity)
	if err != nil {
		log.Printf("orchestrator: sync skipped, reading event cursor failed: %v", err)
		return
	}
	if err := s.registry.Send(identity, protocol.NewSyncRequest(ids, cursor)); err != nil {
		log.Printf("orchestrator: sync request failed for %s: %v", identity, err)
	}
}

// Package daemon composes the relay daemon: one tunnel client, one
// router, and per-project agent supervisors and health monitors. It is
// the process-level glue; the pieces it wires are each testable alone.
package daemon

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pocketagent/relay/internal/agent"
	apperrors "github.com/pocketagent/relay/internal/errors"
	"github.com/pocketagent/relay/internal/health"
	"github.com/pocketagent/relay/internal/protocol"
	"github.com/pocketagent/relay/internal/router"
	"github.com/pocketagent/relay/internal/storage"
	"github.com/pocketagent/relay/internal/tunnel"
)

// Config holds everything the daemon needs at startup. Values come from
// the config file and CLI flags; the cmd layer resolves precedence
// before constructing this.
type Config struct {
	// OrchestratorURL is the websocket endpoint the tunnel dials.
	OrchestratorURL string

	// DeviceKey authenticates the tunnel. Obtained by pairing.
	DeviceKey string

	// AgentCommand is the base command for agent processes; the
	// project's port is appended as "--port N".
	AgentCommand string

	// SkipAgent routes to externally managed agents instead of
	// spawning them.
	SkipAgent bool

	// HealthInterval is the probe cadence per project.
	HealthInterval time.Duration

	// HealthFailureThreshold is the consecutive-failure count that
	// marks a project unhealthy.
	HealthFailureThreshold int

	// TLSConfig applies to the tunnel dial. Nil uses defaults.
	TLSConfig *tls.Config

	// ReadyAttempts and ReadyInterval bound the readiness wait after an
	// agent start or restart. Zero means defaults.
	ReadyAttempts int
	ReadyInterval time.Duration
}

const (
	defaultReadyAttempts = 30
	defaultReadyInterval = time.Second
)

// projectUnit bundles one project's router entry with its supervisor
// and monitor. Supervisor is nil when SkipAgent is set.
type projectUnit struct {
	project    *router.Project
	supervisor *agent.Supervisor
	monitor    *health.Monitor
}

// Daemon runs beside local agent processes and bridges them to the
// orchestrator over a single tunnel.
type Daemon struct {
	cfg    Config
	store  *storage.SQLiteStore
	router *router.Router
	client *tunnel.Client
	units  []*projectUnit

	wg sync.WaitGroup
}

// New loads the project list from the store and assembles the daemon.
// Nothing is started until Run.
func New(cfg Config, store *storage.SQLiteStore) (*Daemon, error) {
	stored, err := store.ListProjects()
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}

	if cfg.ReadyAttempts == 0 {
		cfg.ReadyAttempts = defaultReadyAttempts
	}
	if cfg.ReadyInterval == 0 {
		cfg.ReadyInterval = defaultReadyInterval
	}

	d := &Daemon{cfg: cfg, store: store}

	projects := make([]*router.Project, 0, len(stored))
	for _, sp := range stored {
		p := &router.Project{
			Name:      sp.Name,
			Directory: sp.Directory,
			BaseURL:   router.BaseURLForPort(sp.Port),
		}
		projects = append(projects, p)

		unit := &projectUnit{project: p}
		if !cfg.SkipAgent {
			unit.supervisor = agent.NewSupervisor(agent.Config{
				Command: fmt.Sprintf("%s --port %d", cfg.AgentCommand, sp.Port),
				Dir:     sp.Directory,
				BaseURL: p.BaseURL,
				Name:    sp.Name,
			})
		}
		unit.monitor = health.NewMonitor(health.Config{
			Project:          sp.Name,
			BaseURL:          p.BaseURL,
			Interval:         cfg.HealthInterval,
			FailureThreshold: cfg.HealthFailureThreshold,
		})
		d.units = append(d.units, unit)
	}

	d.router = router.New(projects, store)
	d.client = tunnel.NewClient(tunnel.Config{
		URL:        cfg.OrchestratorURL,
		Token:      cfg.DeviceKey,
		TLSConfig:  cfg.TLSConfig,
		OnEnvelope: d.handleEnvelope,
		OnConnect: func() {
			d.client.Send(protocol.NewStatus(d.router.AnyReady()))
		},
	})
	return d, nil
}

// Router exposes the routing layer, mainly for tests.
func (d *Daemon) Router() *router.Router {
	return d.router
}

// TunnelState reports the tunnel client's connection state.
func (d *Daemon) TunnelState() tunnel.State {
	return d.client.State()
}

// Run starts agents, monitors, and the tunnel, then blocks until ctx is
// cancelled or the tunnel is permanently disabled.
func (d *Daemon) Run(ctx context.Context) error {
	for _, unit := range d.units {
		if unit.supervisor != nil {
			if err := unit.supervisor.Start(); err != nil {
				log.Printf("daemon: starting agent for %s failed: %v", unit.project.Name, err)
			} else {
				d.wg.Add(1)
				go func(u *projectUnit) {
					defer d.wg.Done()
					d.awaitReady(ctx, u)
				}(unit)
			}
		}
		unit.monitor.Start()

		d.wg.Add(1)
		go d.watch(ctx, unit)
	}

	if err := d.client.Connect(ctx); err != nil {
		if apperrors.IsCode(err, apperrors.CodeTunnelAuthRejected) {
			log.Printf("daemon: device key rejected; run 'relay pair' to pair again")
		}
		d.shutdown()
		return err
	}

	<-ctx.Done()
	d.shutdown()
	return ctx.Err()
}

// watch supervises one project: health transitions update the router
// and push a status envelope; recovery events and crashes restart the
// agent.
func (d *Daemon) watch(ctx context.Context, unit *projectUnit) {
	defer d.wg.Done()

	var crashes <-chan error
	if unit.supervisor != nil {
		crashes = unit.supervisor.Crashes()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-unit.monitor.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case health.EventStateChange:
				d.router.SetReady(ev.Project, ev.State == health.StateHealthy)
				d.client.Send(protocol.NewStatus(d.router.AnyReady()))
			case health.EventRecoveryNeeded:
				if unit.supervisor == nil {
					log.Printf("daemon: %s is unhealthy and externally managed, not restarting", ev.Project)
					continue
				}
				log.Printf("daemon: restarting agent for %s", ev.Project)
				if err := unit.supervisor.Restart(); err != nil {
					log.Printf("daemon: restart of %s failed: %v", ev.Project, err)
				} else {
					d.awaitReady(ctx, unit)
				}
			}

		case err := <-crashes:
			log.Printf("daemon: agent for %s exited: %v", unit.project.Name, err)
			if err := unit.supervisor.Restart(); err != nil {
				log.Printf("daemon: restart of %s failed: %v", unit.project.Name, err)
			} else {
				d.awaitReady(ctx, unit)
			}
		}
	}
}

// awaitReady blocks until a freshly started agent answers HTTP, then
// hands liveness over to the health monitor. A timeout is not fatal:
// the monitor keeps probing and recovery restarts the agent if it never
// comes up.
func (d *Daemon) awaitReady(ctx context.Context, unit *projectUnit) error {
	if unit.supervisor == nil {
		return nil
	}
	err := unit.supervisor.WaitForReady(ctx, d.cfg.ReadyAttempts, d.cfg.ReadyInterval)
	if err != nil {
		log.Printf("daemon: agent for %s did not become ready: %v", unit.project.Name, err)
	}
	return err
}

// handleEnvelope dispatches inbound tunnel envelopes. Requests are
// handled off the read loop so a slow agent cannot stall heartbeats.
func (d *Daemon) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHTTPRequest:
		go func() {
			resp := d.router.Handle(context.Background(), env)
			d.client.Send(resp)
		}()
	case protocol.TypeSyncRequest:
		go func() {
			resp := d.router.HandleSync(context.Background(), env)
			d.client.Send(resp)
		}()
	default:
		log.Printf("daemon: ignoring envelope type %q", env.Type)
	}
}

func (d *Daemon) shutdown() {
	d.client.Disconnect()
	for _, unit := range d.units {
		unit.monitor.Stop()
		if unit.supervisor != nil {
			if err := unit.supervisor.Stop(); err != nil {
				log.Printf("daemon: stopping agent for %s: %v", unit.project.Name, err)
			}
		}
	}
	d.wg.Wait()
}

// Package mdns advertises the orchestrator on the local network so
// daemons and mobile clients can discover it without manual URLs.
package mdns

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type used for discovery.
const ServiceType = "_pocketagent._tcp"

// Config holds advertiser settings.
type Config struct {
	// InstanceName is the human-readable service instance name.
	// Empty means the machine hostname.
	InstanceName string

	// Port is the orchestrator's listen port.
	Port int

	// Version is included as a TXT record.
	Version string

	// Fingerprint is the TLS certificate fingerprint, included as a
	// TXT record when TLS is enabled so clients can pin it.
	Fingerprint string
}

// Advertiser registers the orchestrator as a zeroconf service.
type Advertiser struct {
	cfg    Config
	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an advertiser. Call Start to begin advertising.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{cfg: cfg}
}

// Start registers the service. Calling Start on a running advertiser
// is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.cfg.InstanceName
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "pocketagent"
		}
		name = hostname
	}

	txt := []string{
		fmt.Sprintf("version=%s", a.cfg.Version),
		fmt.Sprintf("name=%s", name),
	}
	if a.cfg.Fingerprint != "" {
		txt = append(txt, fmt.Sprintf("fp=%s", a.cfg.Fingerprint))
	}

	server, err := zeroconf.Register(name, ServiceType, "local.", a.cfg.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	a.server = server
	log.Printf("mdns: advertising %q as %s on port %d", name, ServiceType, a.cfg.Port)
	return nil
}

// Stop unregisters the service. Safe to call when not running.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	log.Printf("mdns: stopped advertising")
}

// IsRunning reports whether the service is currently registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

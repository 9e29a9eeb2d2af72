// Package health probes local agent instances on a fixed interval and
// reports state transitions as events. The monitor is the only component
// that decides a project's readiness.
package health

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"
)

// State is a project's observed health.
type State int

const (
	StateUnknown State = iota
	StateHealthy
	StateUnhealthy
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// EventKind discriminates monitor events.
type EventKind int

const (
	// EventStateChange fires on every health transition.
	EventStateChange EventKind = iota
	// EventRecoveryNeeded fires once per unhealthy episode, after the
	// failure threshold is crossed. It does not repeat on further
	// failed probes; the next episode starts only after a successful
	// probe.
	EventRecoveryNeeded
)

// Event is one monitor observation delivered to the supervising loop.
type Event struct {
	Project string
	Kind    EventKind
	State   State
}

// Config configures a monitor for one project.
type Config struct {
	Project string
	BaseURL string

	// Interval between probes.
	Interval time.Duration

	// FailureThreshold is how many consecutive failed probes flip the
	// project to unhealthy.
	FailureThreshold int

	// ProbeTimeout bounds a single probe. A slow probe fails the
	// probe, not the monitor. Zero means 2s.
	ProbeTimeout time.Duration
}

const defaultProbeTimeout = 2 * time.Second

// Monitor runs the probe loop for one project.
type Monitor struct {
	cfg    Config
	events chan Event

	stopCh   chan struct{}
	stopOnce sync.Once

	mu           sync.Mutex
	state        State
	failures     int
	recoverySent bool

	// probe is replaceable in tests.
	probe func(ctx context.Context) error
}

// NewMonitor returns a monitor in the Unknown state. Call Start to begin
// probing and consume Events from a supervising goroutine.
func NewMonitor(cfg Config) *Monitor {
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	m := &Monitor{
		cfg:    cfg,
		events: make(chan Event, 16),
		stopCh: make(chan struct{}),
	}
	m.probe = m.httpProbe
	return m
}

// Events is the stream of state changes and recovery requests.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// State returns the last observed health state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start launches the probe loop.
func (m *Monitor) Start() {
	log.Printf("health: monitoring %s every %s (threshold %d)",
		m.cfg.Project, m.cfg.Interval, m.cfg.FailureThreshold)
	go m.loop()
}

// Stop ends the probe loop. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick runs one probe and applies the transition rules.
func (m *Monitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	err := m.probe(ctx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		m.failures = 0
		m.recoverySent = false
		if m.state != StateHealthy {
			m.state = StateHealthy
			m.emit(Event{Project: m.cfg.Project, Kind: EventStateChange, State: StateHealthy})
		}
		return
	}

	m.failures++
	log.Printf("health: probe failed for %s (%d/%d): %v",
		m.cfg.Project, m.failures, m.cfg.FailureThreshold, err)

	if m.failures < m.cfg.FailureThreshold {
		return
	}
	if m.state != StateUnhealthy {
		m.state = StateUnhealthy
		m.emit(Event{Project: m.cfg.Project, Kind: EventStateChange, State: StateUnhealthy})
	}
	if !m.recoverySent {
		m.recoverySent = true
		m.emit(Event{Project: m.cfg.Project, Kind: EventRecoveryNeeded, State: StateUnhealthy})
	}
}

// emit delivers an event without ever blocking the probe loop. A full
// channel means the supervisor has stalled; dropping is the lesser evil.
func (m *Monitor) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Printf("health: event channel full, dropping %v for %s", ev.Kind, ev.Project)
	}
}

// httpProbe treats any HTTP answer from the agent as liveness; a refused
// connection or timeout is a failed probe.
func (m *Monitor) httpProbe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+"/session", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

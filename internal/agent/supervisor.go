// Package agent supervises the local coding-agent process for one
// project. The agent runs under a PTY so it behaves the way it would in
// a real terminal; its output is captured and logged line by line.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/creack/pty"

	apperrors "github.com/pocketagent/relay/internal/errors"
)

// stopGrace is how long Stop waits for a SIGTERM'd process before
// escalating to SIGKILL.
const stopGrace = 5 * time.Second

// Config describes one supervised agent process.
type Config struct {
	// Command is the full command line, e.g. "opencode serve --port 4096".
	Command string

	// Dir is the working directory the agent runs in (the project
	// directory).
	Dir string

	// BaseURL is the agent's local HTTP address, used by the readiness
	// probe.
	BaseURL string

	// Name labels log output when several agents run at once.
	Name string
}

// Supervisor owns the lifecycle of one agent process: spawn under a
// PTY, stream output to the log, detect crashes, restart on demand.
type Supervisor struct {
	cfg    Config
	client *http.Client

	mu      sync.Mutex
	cmd     *exec.Cmd
	ptmx    *os.File
	running bool
	// stopping suppresses crash reporting for exits we asked for.
	stopping bool

	crashes chan error
}

// NewSupervisor returns a supervisor that has not started anything yet.
func NewSupervisor(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		client:  &http.Client{Timeout: 2 * time.Second},
		crashes: make(chan error, 1),
	}
}

// Crashes delivers one error per unexpected agent exit. The daemon's
// supervising loop consumes it and decides whether to restart.
func (s *Supervisor) Crashes() <-chan error {
	return s.crashes
}

// IsRunning reports whether the agent process is alive.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start spawns the agent under a PTY. Returns an error if it is already
// running or the spawn fails.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	parts := strings.Fields(s.cfg.Command)
	if len(parts) == 0 {
		return apperrors.New(apperrors.CodeAgentSpawnFailed, "empty agent command")
	}

	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = os.Environ()

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeAgentSpawnFailed,
			fmt.Sprintf("starting %q", s.cfg.Command), err)
	}

	s.cmd = cmd
	s.ptmx = ptmx
	s.running = true
	s.stopping = false

	log.Printf("agent: %s started (pid %d)", s.label(), cmd.Process.Pid)

	go s.streamOutput(ptmx)
	go s.reap(cmd)
	return nil
}

// Stop terminates the agent: SIGTERM, a grace period, then SIGKILL.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running || s.cmd == nil || s.cmd.Process == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	proc := s.cmd.Process
	s.mu.Unlock()

	log.Printf("agent: stopping %s", s.label())
	proc.Signal(syscall.SIGTERM)

	deadline := time.After(stopGrace)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			log.Printf("agent: %s ignored SIGTERM, killing", s.label())
			proc.Kill()
			return nil
		case <-tick.C:
			if !s.IsRunning() {
				return nil
			}
		}
	}
}

// Restart stops and relaunches the agent.
func (s *Supervisor) Restart() error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start()
}

// WaitForReady polls the agent's HTTP endpoint until it answers, at a
// constant interval for at most the given number of attempts. Returns a
// timeout error if the agent never becomes reachable.
func (s *Supervisor) WaitForReady(ctx context.Context, attempts int, interval time.Duration) error {
	probe := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/session", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		resp.Body.Close()
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts))
	if err := backoff.Retry(probe, b); err != nil {
		return apperrors.AgentReadyTimeout(attempts)
	}
	log.Printf("agent: %s is ready", s.label())
	return nil
}

// streamOutput copies agent output to the log, one line at a time.
func (s *Supervisor) streamOutput(ptmx *os.File) {
	scanner := bufio.NewScanner(ptmx)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)
	for scanner.Scan() {
		log.Printf("agent: [%s] %s", s.label(), scanner.Text())
	}
}

// reap waits for the process to exit and reports unexpected exits as
// crashes.
func (s *Supervisor) reap(cmd *exec.Cmd) {
	err := cmd.Wait()

	s.mu.Lock()
	s.running = false
	stopping := s.stopping
	if s.ptmx != nil {
		s.ptmx.Close()
		s.ptmx = nil
	}
	s.mu.Unlock()

	if stopping {
		log.Printf("agent: %s exited", s.label())
		return
	}

	log.Printf("agent: %s crashed: %v", s.label(), err)
	if err == nil {
		err = apperrors.New(apperrors.CodeAgentNotRunning, "agent exited unexpectedly")
	}
	select {
	case s.crashes <- err:
	default:
	}
}

func (s *Supervisor) label() string {
	if s.cfg.Name != "" {
		return s.cfg.Name
	}
	return "agent"
}

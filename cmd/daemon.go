package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pocketagent/relay/internal/config"
	"github.com/pocketagent/relay/internal/daemon"
	apperrors "github.com/pocketagent/relay/internal/errors"
	"github.com/pocketagent/relay/internal/storage"
)

// DaemonConfig holds the daemon start flags before they are merged with
// the config file.
type DaemonConfig struct {
	ConfigPath             string
	URL                    string
	Store                  string
	AgentCommand           string
	SkipAgent              bool
	HealthIntervalMs       int
	HealthFailureThreshold int
	Insecure               bool
}

func runDaemonStart(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("daemon start", flag.ContinueOnError)
	fs.SetOutput(stderr)

	dc := &DaemonConfig{}
	fs.StringVar(&dc.ConfigPath, "config", "", "Path to config file (default: ~/.pocketagent/config.toml)")
	fs.StringVar(&dc.URL, "url", "", "Orchestrator websocket URL (e.g. wss://relay.example.com/tunnel)")
	fs.StringVar(&dc.Store, "store", "", "Path to database (default: ~/.pocketagent/relay.db)")
	fs.StringVar(&dc.AgentCommand, "agent-command", "", "Command to run per project (default: opencode serve)")
	fs.BoolVar(&dc.SkipAgent, "skip-agent", false, "Do not spawn agents, route to externally managed ones")
	fs.IntVar(&dc.HealthIntervalMs, "health-interval-ms", 0, "Health probe interval in milliseconds (default: 10000)")
	fs.IntVar(&dc.HealthFailureThreshold, "health-failures", 0, "Consecutive probe failures before restart (default: 3)")
	fs.BoolVar(&dc.Insecure, "insecure", false, "Skip TLS certificate verification (self-signed orchestrator certs)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay daemon start [options]\n\nStart the relay daemon next to your coding agents.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	fileCfg, err := config.Load(dc.ConfigPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	url := pickString(dc.URL, fileCfg.OrchestratorURL, "")
	if url == "" {
		fmt.Fprintln(stderr, "Error: no orchestrator URL configured")
		fmt.Fprintln(stderr, "Set orchestrator_url in the config file or pass --url.")
		return 1
	}

	store, err := openStore(dc.Store, fileCfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	deviceKey, err := store.LoadDeviceKey()
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			fmt.Fprintln(stderr, "Error: this machine is not paired")
			fmt.Fprintln(stderr, "Run 'relay pair' first to obtain a device key.")
			return 1
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var tlsConfig *tls.Config
	if dc.Insecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	skipAgent := dc.SkipAgent || fileCfg.SkipAgent
	d, err := daemon.New(daemon.Config{
		OrchestratorURL:        url,
		DeviceKey:              deviceKey,
		AgentCommand:           pickString(dc.AgentCommand, fileCfg.AgentCommand, config.DefaultAgentCommand),
		SkipAgent:              skipAgent,
		HealthInterval:         msDuration(pickInt(dc.HealthIntervalMs, fileCfg.HealthIntervalMs, int(config.DefaultHealthInterval.Milliseconds()))),
		HealthFailureThreshold: pickInt(dc.HealthFailureThreshold, fileCfg.HealthFailureThreshold, config.DefaultHealthFailureThreshold),
		TLSConfig:              tlsConfig,
	}, store)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if len(d.Router().Projects()) == 0 {
		fmt.Fprintln(stderr, "Warning: no projects configured; add one with 'relay projects add'")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(stdout, "Daemon starting, tunnel to %s\n", url)
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		if apperrors.IsCode(err, apperrors.CodeTunnelAuthRejected) {
			fmt.Fprintln(stderr, "Error: device key rejected by the orchestrator")
			fmt.Fprintln(stderr, "The key may have been revoked. Run 'relay pair' to pair again.")
			return 1
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "Daemon stopped.")
	return 0
}

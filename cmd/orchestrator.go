package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pocketagent/relay/internal/config"
	"github.com/pocketagent/relay/internal/mdns"
	"github.com/pocketagent/relay/internal/orchestrator"
	"github.com/pocketagent/relay/internal/tlsutil"
)

// OrchestratorConfig holds the orchestrator start flags.
type OrchestratorConfig struct {
	ConfigPath       string
	Addr             string
	Store            string
	TLSCert          string
	TLSKey           string
	NoTLS            bool
	ForwardTimeoutMs int
	Mdns             bool
}

func runOrchestratorStart(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("orchestrator start", flag.ContinueOnError)
	fs.SetOutput(stderr)

	oc := &OrchestratorConfig{}
	fs.StringVar(&oc.ConfigPath, "config", "", "Path to config file (default: ~/.pocketagent/config.toml)")
	fs.StringVar(&oc.Addr, "addr", "", "Listen address (default: 0.0.0.0:8400)")
	fs.StringVar(&oc.Store, "store", "", "Path to database (default: ~/.pocketagent/relay.db)")
	fs.StringVar(&oc.TLSCert, "tls-cert", "", "Path to TLS certificate (default: auto-generated)")
	fs.StringVar(&oc.TLSKey, "tls-key", "", "Path to TLS key (default: auto-generated)")
	fs.BoolVar(&oc.NoTLS, "no-tls", false, "Serve plain HTTP (behind a TLS-terminating proxy)")
	fs.IntVar(&oc.ForwardTimeoutMs, "forward-timeout-ms", 0, "Forwarded request timeout in milliseconds (default: 60000)")
	fs.BoolVar(&oc.Mdns, "mdns", false, "Advertise on the local network via mDNS")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay orchestrator start [options]\n\nStart the public orchestrator that phones and daemons connect to.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	fileCfg, err := config.Load(oc.ConfigPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	store, err := openStore(oc.Store, fileCfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	addr := pickString(oc.Addr, fileCfg.Addr, config.DefaultAddr)
	noTLS := oc.NoTLS || fileCfg.NoTLS

	var certPath, keyPath, fingerprint string
	if !noTLS {
		info, err := tlsutil.EnsureCertificate(tlsutil.CertConfig{
			CertPath: pickString(oc.TLSCert, fileCfg.TLSCert, ""),
			KeyPath:  pickString(oc.TLSKey, fileCfg.TLSKey, ""),
		})
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		certPath, keyPath, fingerprint = info.CertPath, info.KeyPath, info.Fingerprint
		if info.IsGenerated {
			fmt.Fprintf(stdout, "Generated self-signed certificate at %s\n", info.CertPath)
		}
		fmt.Fprintf(stdout, "Certificate fingerprint: %s\n", fingerprint)
	}

	srv := orchestrator.NewServer(orchestrator.ServerConfig{
		Addr:           addr,
		TLSCert:        certPath,
		TLSKey:         keyPath,
		ForwardTimeout: msDuration(pickInt(oc.ForwardTimeoutMs, fileCfg.ForwardTimeoutMs, int(config.DefaultForwardTimeout.Milliseconds()))),
	}, store)

	if err := srv.Start(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Orchestrator listening on %s\n", srv.Addr())

	var advertiser *mdns.Advertiser
	if oc.Mdns || fileCfg.MdnsEnabled {
		advertiser = mdns.NewAdvertiser(mdns.Config{
			Port:        listenPort(srv.Addr()),
			Version:     Version,
			Fingerprint: fingerprint,
		})
		if err := advertiser.Start(); err != nil {
			fmt.Fprintf(stderr, "Warning: mDNS advertising failed: %v\n", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Fprintln(stdout, "Shutting down...")
	if advertiser != nil {
		advertiser.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(stderr, "Error during shutdown: %v\n", err)
		return 1
	}
	return 0
}

// listenPort extracts the numeric port from a listen address.
func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port
}

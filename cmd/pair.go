package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/pocketagent/relay/internal/config"
	apperrors "github.com/pocketagent/relay/internal/errors"
	"github.com/pocketagent/relay/internal/pairing"
)

// PairCmdConfig holds the pair command flags.
type PairCmdConfig struct {
	ConfigPath string
	URL        string
	Store      string
	TimeoutMs  int
	QR         bool
	Insecure   bool
}

func runPair(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pair", flag.ContinueOnError)
	fs.SetOutput(stderr)

	pc := &PairCmdConfig{}
	fs.StringVar(&pc.ConfigPath, "config", "", "Path to config file (default: ~/.pocketagent/config.toml)")
	fs.StringVar(&pc.URL, "url", "", "Orchestrator websocket URL (e.g. wss://relay.example.com/tunnel)")
	fs.StringVar(&pc.Store, "store", "", "Path to database (default: ~/.pocketagent/relay.db)")
	fs.IntVar(&pc.TimeoutMs, "timeout-ms", 0, "Pairing deadline in milliseconds (default: 300000)")
	fs.BoolVar(&pc.QR, "qr", false, "Display pairing information as a QR code")
	fs.BoolVar(&pc.Insecure, "insecure", false, "Skip TLS certificate verification (self-signed orchestrator certs)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay pair [options]\n\nPair this machine with the orchestrator.\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nA 6-digit code is generated and shown here. Enter it in the mobile\napp within 5 minutes; the code works exactly once.\n")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	fileCfg, err := config.Load(pc.ConfigPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	orchURL := pickString(pc.URL, fileCfg.OrchestratorURL, "")
	if orchURL == "" {
		fmt.Fprintln(stderr, "Error: no orchestrator URL configured")
		fmt.Fprintln(stderr, "Set orchestrator_url in the config file or pass --url.")
		return 1
	}

	store, err := openStore(pc.Store, fileCfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	code, err := pairing.GenerateCode()
	if err != nil {
		fmt.Fprintf(stderr, "Error: generating pairing code: %v\n", err)
		return 1
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	projects, err := store.ListProjects()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	names := make([]string, len(projects))
	for i, p := range projects {
		names[i] = p.Name
	}

	timeout := msDuration(pickInt(pc.TimeoutMs, fileCfg.PairingTimeoutMs, int(config.DefaultPairingTimeout.Milliseconds())))
	expiry := time.Now().Add(timeout)

	if pc.QR {
		displayQRCode(stdout, code, expiry, orchURL)
	} else {
		displayPairingCode(stdout, code, expiry, orchURL)
	}
	if confirm := browserPairURL(orchURL, code); confirm != "" {
		fmt.Fprintf(stdout, "Or open in a browser: %s\n\n", confirm)
	}

	var tlsConfig *tls.Config
	if pc.Insecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	fmt.Fprintln(stdout, "Waiting for the code to be entered...")
	deviceKey, err := pairing.Pair(context.Background(), pairing.ClientConfig{
		URL:       orchURL,
		Code:      code,
		Hostname:  hostname,
		Projects:  names,
		TLSConfig: tlsConfig,
		Timeout:   timeout,
	})
	if err != nil {
		switch {
		case apperrors.IsCode(err, apperrors.CodePairTimeout):
			fmt.Fprintln(stderr, "Error: pairing timed out; the code was never entered")
		case apperrors.IsCode(err, apperrors.CodePairRejected):
			fmt.Fprintf(stderr, "Error: orchestrator rejected the pairing: %s\n", apperrors.GetMessage(err))
		default:
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}

	if err := store.SaveDeviceKey(deviceKey); err != nil {
		fmt.Fprintf(stderr, "Error: pairing succeeded but saving the device key failed: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "Paired. Device key saved; start the daemon with 'relay daemon start'.")
	return 0
}

// browserPairURL converts the websocket tunnel URL into the
// orchestrator's confirmation page URL with the code embedded.
// Returns "" when the URL cannot be parsed.
func browserPairURL(orchURL, code string) string {
	u, err := url.Parse(orchURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = "/pair"
	u.RawQuery = url.Values{"code": {code}}.Encode()
	return u.String()
}

// displayPairingCode shows the code and expiry in plain text.
func displayPairingCode(w io.Writer, code string, expiry time.Time, orchURL string) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         PAIRING CODE")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "           %s\n", pairing.FormatCode(code))
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "  Expires:      %s\n", expiry.Format("15:04:05"))
	fmt.Fprintf(w, "  Orchestrator: %s\n", orchURL)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  Enter this code in the mobile app to pair.")
	fmt.Fprintln(w, "  The code can only be used once.")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}

// displayQRCode shows the pairing info as a QR code with a plain-text
// fallback. The payload is a URL the mobile app parses:
// pocketagent://pair?orchestrator=<url>&code=<code>
func displayQRCode(w io.Writer, code string, expiry time.Time, orchURL string) {
	payload := fmt.Sprintf("pocketagent://pair?orchestrator=%s&code=%s",
		url.QueryEscape(orchURL), code)

	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		fmt.Fprintf(w, "Falling back to text display.\n\n")
		displayPairingCode(w, code, expiry, orchURL)
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         SCAN TO PAIR")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintln(w, "-------------------------------------------")
	fmt.Fprintln(w, "  Plain-text fallback:")
	fmt.Fprintf(w, "  Code:         %s\n", pairing.FormatCode(code))
	fmt.Fprintf(w, "  Orchestrator: %s\n", orchURL)
	fmt.Fprintf(w, "  Expires:      %s\n", expiry.Format("15:04:05"))
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}

package pairing

import (
	"context"
	"crypto/tls"
	"log"
	"time"

	apperrors "github.com/pocketagent/relay/internal/errors"
	"github.com/pocketagent/relay/internal/protocol"
	"github.com/pocketagent/relay/internal/tunnel"
)

// ClientConfig configures a daemon-side pairing attempt.
type ClientConfig struct {
	// URL is the orchestrator websocket endpoint.
	URL string

	// Code is the locally generated pairing code the operator submits
	// to the orchestrator out-of-band.
	Code string

	// Hostname identifies this machine in the paired-device list.
	Hostname string

	// Projects are advertised so the operator can confirm what they
	// are pairing with.
	Projects []string

	// TLSConfig is applied to the tunnel dial. Nil uses defaults.
	TLSConfig *tls.Config

	// Timeout bounds the whole handshake. Zero means the 5-minute
	// default.
	Timeout time.Duration
}

// Pair runs the handshake: it opens a tunnel with the reserved pairing
// token, announces the code, and waits for the orchestrator to deliver a
// device key once the operator verifies the code. The returned key must
// be persisted before the first authenticated connect.
func Pair(ctx context.Context, cfg ClientConfig) (string, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultWindow
	}

	responses := make(chan protocol.Envelope, 1)
	var client *tunnel.Client
	client = tunnel.NewClient(tunnel.Config{
		URL:       cfg.URL,
		Token:     tunnel.PairingToken,
		TLSConfig: cfg.TLSConfig,
		OnEnvelope: func(env protocol.Envelope) {
			// Anything other than the pair response is noise during
			// the handshake and is ignored.
			if env.Type == protocol.TypePairResponse {
				select {
				case responses <- env:
				default:
				}
			}
		},
		OnConnect: func() {
			client.Send(protocol.NewPairRequest(cfg.Code, cfg.Hostname, cfg.Projects))
		},
	})

	if err := client.Connect(ctx); err != nil {
		return "", err
	}
	defer client.Disconnect()

	timer := time.NewTimer(cfg.Timeout)
	defer timer.Stop()

	select {
	case env := <-responses:
		if env.Success == nil || !*env.Success {
			reason := env.Error
			if reason == "" {
				reason = "pairing rejected"
			}
			return "", apperrors.New(apperrors.CodePairRejected, reason)
		}
		if env.DeviceKey == "" {
			return "", apperrors.New(apperrors.CodePairRejected, "pair response carried no device key")
		}
		log.Printf("pairing: handshake complete")
		return env.DeviceKey, nil
	case <-timer.C:
		return "", apperrors.PairTimeout()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

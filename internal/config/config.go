// Package config provides TOML configuration file loading for the relay.
// The configuration file lives at ~/.pocketagent/config.toml by default, but
// can be overridden with the --config flag. CLI flags always take precedence
// over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the relay configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML
// files via struct tags. Both the daemon and the orchestrator read the same
// file; each consumes only the fields it cares about.
type Config struct {
	// OrchestratorURL is the websocket URL the daemon dials for its tunnel
	// (e.g., "wss://relay.example.com/tunnel").
	OrchestratorURL string `toml:"orchestrator_url"`

	// StorePath is the path to the SQLite database.
	// Default: ~/.pocketagent/relay.db
	StorePath string `toml:"store_path"`

	// AgentCommand is the command the daemon runs per project
	// (e.g., "opencode serve"). The project's port is appended as
	// "--port N". Default: "opencode serve".
	AgentCommand string `toml:"agent_command"`

	// AgentPort is the base local port for agent instances.
	// Each project gets AgentPort + its ordinal. Default: 4096.
	AgentPort int `toml:"agent_port"`

	// SkipAgent disables spawning agent processes; the daemon routes to
	// externally managed agents instead. Default: false.
	SkipAgent bool `toml:"skip_agent"`

	// HealthIntervalMs is the health probe interval in milliseconds.
	// Default: 10000.
	HealthIntervalMs int `toml:"health_interval_ms"`

	// HealthFailureThreshold is the number of consecutive failed probes
	// before a project is marked unhealthy. Default: 3.
	HealthFailureThreshold int `toml:"health_failure_threshold"`

	// PairingTimeoutMs is the pairing handshake deadline in milliseconds.
	// Default: 300000 (5 minutes).
	PairingTimeoutMs int `toml:"pairing_timeout_ms"`

	// MdnsEnabled advertises the daemon on the local network during
	// pairing so a phone can discover its hostname. Discovery only
	// reveals presence; the pairing code is still required.
	// Default: false.
	MdnsEnabled bool `toml:"mdns_enabled"`

	// Addr is the orchestrator listen address.
	// Default: 0.0.0.0:8400.
	Addr string `toml:"addr"`

	// TLSCert is the path to the orchestrator TLS certificate file.
	// Default: ~/.pocketagent/certs/orchestrator.crt (auto-generated).
	TLSCert string `toml:"tls_cert"`

	// TLSKey is the path to the orchestrator TLS key file.
	// Default: ~/.pocketagent/certs/orchestrator.key (auto-generated).
	TLSKey string `toml:"tls_key"`

	// NoTLS disables TLS on the orchestrator listener (for deployments
	// that terminate TLS in front of it). Default: false.
	NoTLS bool `toml:"no_tls"`

	// ForwardTimeoutMs bounds every forwarded request awaiting its
	// correlated response. Default: 60000.
	ForwardTimeoutMs int `toml:"forward_timeout_ms"`
}

// DefaultConfigPath returns the default config file location:
// ~/.pocketagent/config.toml. Returns an error only if the user's home
// directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".pocketagent", "config.toml"), nil
}

// DefaultStorePath returns the default SQLite database location:
// ~/.pocketagent/relay.db, creating the parent directory if needed.
func DefaultStorePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(home, ".pocketagent")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return filepath.Join(dir, "relay.db"), nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location.
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		// No explicit path: try the default location, but don't error if
		// missing. The relay can start without any config file.
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		// Explicit path provided: error if the file doesn't exist. If the
		// user names a config file, it should exist.
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

package config

import "time"

// DefaultAddr is the default orchestrator listen address.
const DefaultAddr = "0.0.0.0:8400"

// DefaultAgentCommand is the command the daemon runs per project.
const DefaultAgentCommand = "opencode serve"

// DefaultAgentPort is the base local port for agent instances.
const DefaultAgentPort = 4096

// DefaultHealthInterval is the interval between liveness probes.
const DefaultHealthInterval = 10 * time.Second

// DefaultHealthFailureThreshold is the number of consecutive failed probes
// before a project flips to unhealthy.
const DefaultHealthFailureThreshold = 3

// DefaultPairingTimeout is the pairing handshake deadline. Codes expire at
// the same time, so both sides give up together.
const DefaultPairingTimeout = 5 * time.Minute

// DefaultForwardTimeout bounds a forwarded request awaiting its correlated
// response over the tunnel.
const DefaultForwardTimeout = 60 * time.Second

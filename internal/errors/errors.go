// Package errors provides standardized error codes for the relay.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: the subsystem that generated the error (tunnel, route, pair,
//     health, agent, sync, storage, auth)
//   - error: the specific error type within that domain
//
// These codes are stable and can be used by mobile clients for programmatic
// error handling. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
// These are stable identifiers that clients can rely on for error handling.
const (
	// Tunnel domain - transport and connection errors
	CodeTunnelClosed       = "tunnel.closed"        // Tunnel closed with requests in flight
	CodeTunnelNotConnected = "tunnel.not_connected" // No tunnel for the target daemon
	CodeTunnelAuthRejected = "tunnel.auth_rejected" // Credential rejected during upgrade
	CodeTunnelDisabled     = "tunnel.disabled"      // Reconnect permanently disabled
	CodeTunnelSendFailed   = "tunnel.send_failed"   // Write to the tunnel failed

	// Route domain - daemon-side request routing
	CodeRouteNoProject        = "route.no_project"        // No project matches the request
	CodeRouteSessionNotFound  = "route.session_not_found" // Session id unknown after refresh
	CodeRouteProjectUnready   = "route.project_unready"   // Target project is not ready
	CodeRouteAmbiguousProject = "route.ambiguous_project" // Multiple projects, none specified
	CodeRouteUpstreamFailed   = "route.upstream_failed"   // Local agent request failed

	// Pair domain - device pairing handshake
	CodePairTimeout     = "pair.timeout"      // No verification within the window
	CodePairCodeInvalid = "pair.code_invalid" // Code matches no pending handshake
	CodePairCodeUsed    = "pair.code_used"    // Code was already redeemed
	CodePairRateLimited = "pair.rate_limited" // Too many verification attempts
	CodePairRejected    = "pair.rejected"     // Far side refused the handshake

	// Health domain - liveness probing
	CodeHealthProbeFailed = "health.probe_failed" // Single probe failed
	CodeHealthUnhealthy   = "health.unhealthy"    // Threshold of failures reached

	// Agent domain - local agent process lifecycle
	CodeAgentSpawnFailed  = "agent.spawn_failed"  // Process could not be started
	CodeAgentNotRunning   = "agent.not_running"   // Operation requires a running agent
	CodeAgentReadyTimeout = "agent.ready_timeout" // Agent never became ready

	// Sync domain - catch-up protocol
	CodeSyncFailed = "sync.failed" // Sync exchange failed as a whole

	// Storage domain - persistence errors
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageNotFound    = "storage.not_found"    // Row not found

	// Auth domain - orchestrator credential checks
	CodeAuthRequired      = "auth.required"       // Missing bearer credential
	CodeAuthInvalid       = "auth.invalid"        // Invalid credential
	CodeAuthDeviceRevoked = "auth.device_revoked" // Device key has been revoked

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "tunnel.closed")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors for frequently used error types.

// TunnelClosed creates a "tunnel.closed" error. Pending forwarded requests
// fail with this when the tunnel drops before their response arrives.
func TunnelClosed() *CodedError {
	return New(CodeTunnelClosed, "tunnel closed before a response arrived")
}

// TunnelNotConnected creates a "tunnel.not_connected" error.
func TunnelNotConnected(daemonID string) *CodedError {
	return New(CodeTunnelNotConnected, fmt.Sprintf("no tunnel connected for daemon %s", daemonID))
}

// TunnelAuthRejected creates a "tunnel.auth_rejected" error. This is
// terminal for the credential: the tunnel will not retry with it.
func TunnelAuthRejected() *CodedError {
	return New(CodeTunnelAuthRejected, "credential rejected during tunnel upgrade")
}

// SessionNotFound creates a "route.session_not_found" error.
// Raised only after the one bounded refresh-and-retry has been exhausted.
func SessionNotFound(sessionID string) *CodedError {
	return New(CodeRouteSessionNotFound, fmt.Sprintf("session %s not found in any project", sessionID))
}

// ProjectUnready creates a "route.project_unready" error.
func ProjectUnready(name string) *CodedError {
	return New(CodeRouteProjectUnready, fmt.Sprintf("project %s is not ready", name))
}

// AmbiguousProject creates a "route.ambiguous_project" error.
// Session creation with no project field and more than one project
// configured cannot be resolved.
func AmbiguousProject(count int) *CodedError {
	return New(CodeRouteAmbiguousProject,
		fmt.Sprintf("%d projects configured - request must name one", count))
}

// PairTimeout creates a "pair.timeout" error. Distinguishable from other
// pairing failures so the caller can prompt for a fresh code.
func PairTimeout() *CodedError {
	return New(CodePairTimeout, "no verification received before the pairing window closed")
}

// PairCodeInvalid creates a "pair.code_invalid" error.
func PairCodeInvalid() *CodedError {
	return New(CodePairCodeInvalid, "pairing code matches no pending handshake")
}

// PairCodeUsed creates a "pair.code_used" error.
func PairCodeUsed() *CodedError {
	return New(CodePairCodeUsed, "pairing code was already used")
}

// PairRateLimited creates a "pair.rate_limited" error.
func PairRateLimited() *CodedError {
	return New(CodePairRateLimited, "too many pairing attempts, try again later")
}

// AgentReadyTimeout creates an "agent.ready_timeout" error.
func AgentReadyTimeout(attempts int) *CodedError {
	return New(CodeAgentReadyTimeout,
		fmt.Sprintf("agent did not become ready after %d probes", attempts))
}

// AuthRequired creates an "auth.required" error.
func AuthRequired() *CodedError {
	return New(CodeAuthRequired, "authentication required")
}

// AuthInvalid creates an "auth.invalid" error.
func AuthInvalid() *CodedError {
	return New(CodeAuthInvalid, "invalid credential")
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}

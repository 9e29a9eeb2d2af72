// Package protocol defines the envelope types exchanged over the tunnel
// between a relay daemon and the orchestrator.
//
// Every frame on the wire is one JSON envelope with a "type" discriminant.
// The union fields are flattened into a single struct; each envelope type
// populates only its own fields. The envelope set is deliberately small:
// HTTP-shaped request/response pairs, heartbeats, readiness status, the
// pairing handshake, out-of-band events, and the sync catch-up exchange.
//
// The tunnel carries request bodies and event data as opaque JSON; this
// package never interprets agent semantics.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeType identifies the kind of envelope being sent over the tunnel.
type EnvelopeType string

const (
	// TypeHTTPRequest carries an HTTP-shaped request from the orchestrator
	// to the daemon. Fields: RequestID, Method, Path, Query, Body.
	TypeHTTPRequest EnvelopeType = "http_request"

	// TypeHTTPResponse carries the correlated response back. Every
	// http_request yields exactly one http_response with the same
	// RequestID, or none at all if the tunnel dies first.
	TypeHTTPResponse EnvelopeType = "http_response"

	// TypeHeartbeat is emitted by the daemon every 30 seconds while
	// connected. Fields: Timestamp (unix millis).
	TypeHeartbeat EnvelopeType = "heartbeat"

	// TypeHeartbeatAck acknowledges a heartbeat. Purely informational;
	// liveness does not depend on it.
	TypeHeartbeatAck EnvelopeType = "heartbeat_ack"

	// TypeStatus reports daemon-side agent readiness.
	// Fields: AgentReady (wire name "opencodeReady").
	TypeStatus EnvelopeType = "status"

	// TypeSyncRequest asks a reconnecting daemon for everything the
	// orchestrator missed. Fields: CachedSessionIDs, LastEventTimestamp.
	TypeSyncRequest EnvelopeType = "sync_request"

	// TypeSyncResponse returns the missed messages grouped per session.
	// Fields: Sessions.
	TypeSyncResponse EnvelopeType = "sync_response"

	// TypePairRequest opens the pairing handshake on an unauthenticated
	// tunnel. Fields: PairingCode, Hostname, Projects.
	TypePairRequest EnvelopeType = "pair_request"

	// TypePairResponse completes the handshake.
	// Fields: Success, DeviceKey or Error.
	TypePairResponse EnvelopeType = "pair_response"

	// TypeEvent carries an out-of-band agent event from daemon to
	// orchestrator. Fields: Event, Timestamp, SessionID.
	TypeEvent EnvelopeType = "event"
)

// Event is an opaque agent event forwarded through the tunnel.
// The relay never interprets Data beyond passing it along.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SyncMessage is one message inside a sync_response session entry.
// Body is the upstream message object, passed through untouched.
// Timestamp is unix millis; zero means the upstream message carried no
// timestamp, in which case sync treats it as always-missed.
type SyncMessage struct {
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// SyncSession groups the missed messages for one session.
type SyncSession struct {
	ID       string        `json:"id"`
	Messages []SyncMessage `json:"messages"`
}

// Envelope is one frame on the tunnel. Type selects which of the union
// fields are meaningful; all others are omitted from the wire encoding.
type Envelope struct {
	Type EnvelopeType `json:"type"`

	// http_request / http_response
	RequestID string            `json:"requestId,omitempty"`
	Method    string            `json:"method,omitempty"`
	Path      string            `json:"path,omitempty"`
	Query     map[string]string `json:"query,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Status    int               `json:"status,omitempty"`

	// heartbeat / event
	Timestamp int64 `json:"timestamp,omitempty"`

	// status. The wire name is opencodeReady for compatibility with
	// existing mobile clients.
	AgentReady *bool `json:"opencodeReady,omitempty"`

	// sync_request / sync_response
	CachedSessionIDs   []string      `json:"cachedSessionIds,omitempty"`
	LastEventTimestamp int64         `json:"lastEventTimestamp,omitempty"`
	Sessions           []SyncSession `json:"sessions,omitempty"`
	DeletedSessionIDs  []string      `json:"deletedSessionIds,omitempty"`

	// pair_request / pair_response
	PairingCode string   `json:"pairingCode,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
	Projects    []string `json:"projects,omitempty"`
	Success     *bool    `json:"success,omitempty"`
	DeviceKey   string   `json:"deviceKey,omitempty"`
	Error       string   `json:"error,omitempty"`

	// event
	Event     *Event `json:"event,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// NewRequest builds an http_request envelope. Query and body may be nil.
func NewRequest(requestID, method, path string, query map[string]string, body json.RawMessage) Envelope {
	return Envelope{
		Type:      TypeHTTPRequest,
		RequestID: requestID,
		Method:    method,
		Path:      path,
		Query:     query,
		Body:      body,
	}
}

// NewResponse builds the http_response envelope correlated with requestID.
func NewResponse(requestID string, status int, body json.RawMessage) Envelope {
	return Envelope{
		Type:      TypeHTTPResponse,
		RequestID: requestID,
		Status:    status,
		Body:      body,
	}
}

// NewErrorResponse builds an http_response carrying a JSON error body.
// Routing failures are always reported this way; the caller across the
// tunnel has no other channel to observe them.
func NewErrorResponse(requestID string, status int, message string) Envelope {
	body, _ := json.Marshal(map[string]string{"error": message})
	return NewResponse(requestID, status, body)
}

// NewHeartbeat builds a heartbeat envelope stamped with the given time.
func NewHeartbeat(now time.Time) Envelope {
	return Envelope{Type: TypeHeartbeat, Timestamp: now.UnixMilli()}
}

// NewHeartbeatAck builds the heartbeat acknowledgment.
func NewHeartbeatAck() Envelope {
	return Envelope{Type: TypeHeartbeatAck}
}

// NewStatus builds a status envelope reporting agent readiness.
func NewStatus(ready bool) Envelope {
	return Envelope{Type: TypeStatus, AgentReady: &ready}
}

// NewSyncRequest builds a sync_request for the given cache state.
func NewSyncRequest(cachedSessionIDs []string, lastEventTimestamp int64) Envelope {
	return Envelope{
		Type:               TypeSyncRequest,
		CachedSessionIDs:   cachedSessionIDs,
		LastEventTimestamp: lastEventTimestamp,
	}
}

// NewSyncResponse builds a sync_response. Sessions holds only sessions
// with at least one missed message; deleted lists cached session ids
// that no longer exist on the daemon side.
func NewSyncResponse(sessions []SyncSession, deleted []string) Envelope {
	return Envelope{Type: TypeSyncResponse, Sessions: sessions, DeletedSessionIDs: deleted}
}

// NewPairRequest builds the pair_request sent over a pairing tunnel.
func NewPairRequest(code, hostname string, projects []string) Envelope {
	return Envelope{
		Type:        TypePairRequest,
		PairingCode: code,
		Hostname:    hostname,
		Projects:    projects,
	}
}

// NewPairSuccess builds a successful pair_response carrying the device key.
func NewPairSuccess(deviceKey string) Envelope {
	ok := true
	return Envelope{Type: TypePairResponse, Success: &ok, DeviceKey: deviceKey}
}

// NewPairFailure builds a failed pair_response with a reason string.
// Pairing failures carry a specific reason, never a generic error.
func NewPairFailure(reason string) Envelope {
	ok := false
	return Envelope{Type: TypePairResponse, Success: &ok, Error: reason}
}

// NewEvent builds an event envelope. sessionID may be empty for
// daemon-global events.
func NewEvent(ev Event, now time.Time, sessionID string) Envelope {
	return Envelope{
		Type:      TypeEvent,
		Event:     &ev,
		Timestamp: now.UnixMilli(),
		SessionID: sessionID,
	}
}

// Encode serializes the envelope to its wire form.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return data, nil
}

// Decode parses one wire frame into an envelope. Malformed JSON or a
// missing type discriminant returns an error; receive loops log and drop
// such frames rather than tearing down the tunnel.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

package router

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/pocketagent/relay/internal/protocol"
)

// HandleSync answers a catch-up request from the orchestrator: for every
// session id the far side has cached, collect the messages newer than
// its last-seen timestamp. Sessions deleted upstream are reported so the
// far side can drop its cache entry, and a message without a timestamp
// is always included; re-delivering is cheaper than dropping.
func (r *Router) HandleSync(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	cutoff := env.LastEventTimestamp
	var sessions []protocol.SyncSession
	var deleted []string

	for _, sessionID := range env.CachedSessionIDs {
		p := r.resolveSession(ctx, sessionID)
		if p == nil {
			continue
		}

		body, status, err := r.get(ctx, p, "/session/"+sessionID+"/message", nil)
		if err != nil {
			log.Printf("router: sync fetch for session %s failed: %v", sessionID, err)
			continue
		}
		if status == http.StatusNotFound {
			deleted = append(deleted, sessionID)
			continue
		}
		if status != http.StatusOK {
			continue
		}

		missed := missedMessages(body, cutoff)
		if len(missed) > 0 {
			sessions = append(sessions, protocol.SyncSession{ID: sessionID, Messages: missed})
		}
	}

	return protocol.NewSyncResponse(sessions, deleted)
}

// missedMessages filters a message listing down to entries strictly
// newer than the cutoff.
func missedMessages(body []byte, cutoff int64) []protocol.SyncMessage {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil
	}

	var out []protocol.SyncMessage
	for _, item := range raw {
		id, ts := messageMeta(item)
		if ts != 0 && ts <= cutoff {
			continue
		}
		out = append(out, protocol.SyncMessage{ID: id, Timestamp: ts, Body: item})
	}
	return out
}

// messageMeta pulls the id and created-timestamp out of one message
// object, tolerating both flat and info-wrapped shapes.
func messageMeta(item json.RawMessage) (string, int64) {
	var m struct {
		ID        string `json:"id"`
		Timestamp int64  `json:"timestamp"`
		Time      struct {
			Created int64 `json:"created"`
		} `json:"time"`
		Info struct {
			ID   string `json:"id"`
			Time struct {
				Created int64 `json:"created"`
			} `json:"time"`
		} `json:"info"`
	}
	if err := json.Unmarshal(item, &m); err != nil {
		return "", 0
	}

	id := m.ID
	if id == "" {
		id = m.Info.ID
	}
	ts := m.Timestamp
	if ts == 0 {
		ts = m.Time.Created
	}
	if ts == 0 {
		ts = m.Info.Time.Created
	}
	return id, ts
}

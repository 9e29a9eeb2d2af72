package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pocketagent/relay/internal/protocol"
)

func TestHandleSyncFiltersByTimestamp(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"s-1"},{"id":"s-2"}]`))
	})
	mux.HandleFunc("/session/s-1/message", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"id":"m-old","time":{"created":100}},
			{"id":"m-new","time":{"created":300}},
			{"id":"m-untimed"}
		]`))
	})
	mux.HandleFunc("/session/s-2/message", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"m-seen","time":{"created":50}}]`))
	})
	mux.HandleFunc("/session/s-gone/message", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := New([]*Project{{Name: "alpha", BaseURL: srv.URL, Ready: true}}, nil)

	req := protocol.NewSyncRequest([]string{"s-1", "s-2", "s-gone"}, 200)
	resp := r.HandleSync(context.Background(), req)

	if resp.Type != protocol.TypeSyncResponse {
		t.Fatalf("response type = %s, want sync_response", resp.Type)
	}

	// s-2 has nothing newer than the cutoff and s-gone no longer
	// exists; only s-1 reports missed messages.
	if len(resp.Sessions) != 1 {
		t.Fatalf("sync returned %d sessions, want 1: %+v", len(resp.Sessions), resp.Sessions)
	}
	if len(resp.DeletedSessionIDs) != 1 || resp.DeletedSessionIDs[0] != "s-gone" {
		t.Errorf("deleted sessions = %v, want [s-gone]", resp.DeletedSessionIDs)
	}
	sess := resp.Sessions[0]
	if sess.ID != "s-1" {
		t.Errorf("session id = %s, want s-1", sess.ID)
	}
	if len(sess.Messages) != 2 {
		t.Fatalf("session s-1 has %d missed messages, want 2 (newer + untimed)", len(sess.Messages))
	}
	ids := map[string]bool{}
	for _, m := range sess.Messages {
		ids[m.ID] = true
	}
	if !ids["m-new"] || !ids["m-untimed"] {
		t.Errorf("missed messages = %v, want m-new and m-untimed", ids)
	}
	if ids["m-old"] {
		t.Error("message older than cutoff was re-delivered")
	}
}

func TestMessageMetaShapes(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		wantID string
		wantTS int64
	}{
		{"flat", `{"id":"m1","timestamp":42}`, "m1", 42},
		{"time wrapped", `{"id":"m2","time":{"created":43}}`, "m2", 43},
		{"info wrapped", `{"info":{"id":"m3","time":{"created":44}}}`, "m3", 44},
		{"no timestamp", `{"id":"m4"}`, "m4", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ts := messageMeta(json.RawMessage(tt.body))
			if id != tt.wantID || ts != tt.wantTS {
				t.Errorf("messageMeta = (%q, %d), want (%q, %d)", id, ts, tt.wantID, tt.wantTS)
			}
		})
	}
}

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/pocketagent/relay/internal/errors"
	"github.com/pocketagent/relay/internal/storage"
)

// defaultUserID is the identity used when pairing is verified without a
// mobile credential. Single-user deployments never issue API keys; their
// daemon and client share this identity.
const defaultUserID = "default"

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /pair/verify", s.handlePairVerify)
	mux.HandleFunc("GET /pair", s.handlePairPage)
	mux.HandleFunc("POST /pair/confirm", s.handlePairConfirm)
	mux.HandleFunc("GET /tunnel", s.handleTunnel)

	mux.HandleFunc("GET /sessions", s.requireAuth(s.handleListSessions))
	mux.HandleFunc("POST /sessions", s.requireAuth(s.handleCreateSession))
	mux.HandleFunc("GET /sessions/{id}", s.requireAuth(s.handleGetSession))
	mux.HandleFunc("GET /sessions/{id}/messages", s.requireAuth(s.handleListMessages))
	mux.HandleFunc("GET /sessions/{id}/diff", s.requireAuth(s.forwardSession("GET", "diff")))
	mux.HandleFunc("POST /sessions/{id}/message", s.requireAuth(s.handleSendMessage("message")))
	mux.HandleFunc("POST /sessions/{id}/prompt", s.requireAuth(s.handleSendMessage("prompt")))
	mux.HandleFunc("POST /sessions/{id}/abort", s.requireAuth(s.forwardSession("POST", "abort")))
	mux.HandleFunc("POST /sessions/{id}/revert", s.requireAuth(s.forwardSession("POST", "revert")))
	mux.HandleFunc("POST /sessions/{id}/approve/{pid}", s.requireAuth(s.forwardPermission("approve")))
	mux.HandleFunc("POST /sessions/{id}/deny/{pid}", s.requireAuth(s.forwardPermission("deny")))

	mux.HandleFunc("GET /providers", s.requireAuth(s.forwardPlain("GET", "/providers")))
	mux.HandleFunc("GET /project/current", s.requireAuth(s.forwardPlain("GET", "/project")))
	mux.HandleFunc("POST /push/register", s.requireAuth(s.handlePushRegister))

	return mux
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

// requireAuth resolves the bearer credential to a user id or rejects the
// request.
func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := validateAPIKey(s.store, extractBearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing credential")
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"daemons": s.registry.ConnectedCount(),
	})
}

func (s *Server) handlePairVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "missing pairing code")
		return
	}

	// Verification itself is unauthenticated so the mobile client can
	// pair before it has any credential, but a valid bearer scopes the
	// new device to that user.
	userID := defaultUserID
	if id, err := validateAPIKey(s.store, extractBearerToken(r)); err == nil {
		userID = id
	}

	device, err := s.pairing.Verify(req.Code, userID)
	if err != nil {
		switch {
		case apperrors.IsCode(err, apperrors.CodePairRateLimited):
			writeError(w, http.StatusTooManyRequests, apperrors.GetMessage(err))
		case apperrors.IsCode(err, apperrors.CodePairCodeInvalid):
			writeError(w, http.StatusNotFound, apperrors.GetMessage(err))
		default:
			writeError(w, http.StatusInternalServerError, apperrors.GetMessage(err))
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId": device.ID,
		"name":     device.Name,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, userID string) {
	if !s.registry.IsConnected(userID) {
		s.serveCachedSessions(w, userID)
		return
	}

	status, body, err := s.registry.Forward(r.Context(), userID, http.MethodGet, "/session", nil, nil)
	if err != nil {
		writeForwardError(w, err)
		return
	}
	if status == http.StatusOK {
		s.cache.RecordSessions(userID, body)
	}
	writeRaw(w, status, body)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, userID string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	status, respBody, err := s.registry.Forward(r.Context(), userID, http.MethodPost, "/session", nil, body)
	if err != nil {
		writeForwardError(w, err)
		return
	}
	if status >= 200 && status < 300 {
		s.cache.RecordSessionCreated(userID, respBody)
	}
	writeRaw(w, status, respBody)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	if !s.registry.IsConnected(userID) {
		cs, err := s.store.GetCachedSession(userID, id)
		if err != nil || cs == nil {
			writeError(w, http.StatusServiceUnavailable, "daemon not connected and session not cached")
			return
		}
		writeJSON(w, http.StatusOK, viewOfCachedSession(cs))
		return
	}

	status, body, err := s.registry.Forward(r.Context(), userID, http.MethodGet, "/session/"+id, nil, nil)
	if err != nil {
		writeForwardError(w, err)
		return
	}
	writeRaw(w, status, body)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	if !s.registry.IsConnected(userID) {
		s.serveCachedMessages(w, userID, id)
		return
	}

	status, body, err := s.registry.Forward(r.Context(), userID, http.MethodGet, "/session/"+id+"/message", nil, nil)
	if err != nil {
		writeForwardError(w, err)
		return
	}
	writeRaw(w, status, body)
}

// handleSendMessage forwards a prompt or message and mirrors what was
// sent into the cache on success.
func (s *Server) handleSendMessage(leaf string) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		id := r.PathValue("id")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}

		status, respBody, err := s.registry.Forward(r.Context(), userID, http.MethodPost, "/session/"+id+"/"+leaf, nil, body)
		if err != nil {
			writeForwardError(w, err)
			return
		}
		if status >= 200 && status < 300 {
			s.cache.RecordUserMessage(userID, id, body)
		}
		writeRaw(w, status, respBody)
	}
}

// forwardSession forwards a session-scoped call verbatim.
func (s *Server) forwardSession(method, leaf string) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		id := r.PathValue("id")
		s.forwardAndWrite(r.Context(), w, r, userID, method, "/session/"+id+"/"+leaf)
	}
}

// forwardPermission forwards an approve/deny call with its permission id.
func (s *Server) forwardPermission(verb string) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		id := r.PathValue("id")
		pid := r.PathValue("pid")
		s.forwardAndWrite(r.Context(), w, r, userID, http.MethodPost,
			fmt.Sprintf("/session/%s/%s/%s", id, verb, pid))
	}
}

// forwardPlain forwards a fixed daemon path.
func (s *Server) forwardPlain(method, path string) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		s.forwardAndWrite(r.Context(), w, r, userID, method, path)
	}
}

func (s *Server) forwardAndWrite(ctx context.Context, w http.ResponseWriter, r *http.Request, userID, method, path string) {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
	}
	query := map[string]string{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	if len(query) == 0 {
		query = nil
	}

	status, respBody, err := s.registry.Forward(ctx, userID, method, path, query, body)
	if err != nil {
		writeForwardError(w, err)
		return
	}
	writeRaw(w, status, respBody)
}

func (s *Server) handlePushRegister(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Platform string `json:"platform"`
		Token    string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "missing push token")
		return
	}
	if req.Platform == "" {
		req.Platform = "unknown"
	}
	if err := s.store.SavePushToken(userID, req.Platform, req.Token); err != nil {
		writeError(w, http.StatusInternalServerError, "saving push token failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type sessionView struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Project string `json:"project"`
	Updated int64  `json:"updated"`
	Cached  bool   `json:"cached"`
}

func viewOfCachedSession(cs *storage.CachedSession) sessionView {
	return sessionView{
		ID:      cs.SessionID,
		Title:   cs.Title,
		Project: cs.Project,
		Updated: cs.UpdatedAt,
		Cached:  true,
	}
}

func (s *Server) serveCachedSessions(w http.ResponseWriter, userID string) {
	sessions, err := s.store.ListCachedSessions(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading cache failed")
		return
	}
	views := make([]sessionView, len(sessions))
	for i, cs := range sessions {
		views[i] = viewOfCachedSession(cs)
	}
	writeJSON(w, http.StatusOK, views)
}

type messageView struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Body      json.RawMessage `json:"body"`
	Timestamp int64           `json:"timestamp"`
	Cached    bool            `json:"cached"`
}

func (s *Server) serveCachedMessages(w http.ResponseWriter, userID, sessionID string) {
	messages, err := s.store.ListCachedMessages(userID, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading cache failed")
		return
	}
	views := make([]messageView, len(messages))
	for i, m := range messages {
		body := json.RawMessage(m.Body)
		if !json.Valid(body) {
			quoted, _ := json.Marshal(m.Body)
			body = quoted
		}
		views[i] = messageView{
			ID:        m.MessageID,
			Role:      m.Role,
			Body:      body,
			Timestamp: m.Timestamp,
			Cached:    true,
		}
	}
	writeJSON(w, http.StatusOK, views)
}

// writeForwardError translates forwarding failures into the statuses the
// mobile client expects: 503 when no tunnel is up, 504 when the daemon
// went silent, 502 for everything else.
func writeForwardError(w http.ResponseWriter, err error) {
	switch {
	case apperrors.IsCode(err, apperrors.CodeTunnelNotConnected):
		writeError(w, http.StatusServiceUnavailable, "daemon not connected")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "daemon did not answer in time")
	case apperrors.IsCode(err, apperrors.CodeTunnelClosed):
		writeError(w, http.StatusBadGateway, "tunnel closed mid-request")
	default:
		writeError(w, http.StatusBadGateway, "forwarding failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if len(body) > 0 {
		w.Write(body)
	}
}

// Package router resolves inbound request envelopes to local agent
// instances. It owns the project list and the session-to-project map;
// everything else reads projects through it.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/pocketagent/relay/internal/protocol"
	"github.com/pocketagent/relay/internal/storage"
)

// Project is one locally managed agent instance. Ready is owned by the
// health monitor; nothing else writes it.
type Project struct {
	Name      string
	Directory string
	BaseURL   string
	Ready     bool
}

// ProjectStore persists project add/remove operations performed over the
// tunnel. Nil disables persistence (tests).
type ProjectStore interface {
	AddProject(p storage.Project) error
	RemoveProject(name string) error
}

// Router routes request envelopes to project base URLs or internal
// handlers and maintains the session routing map.
type Router struct {
	client *http.Client
	store  ProjectStore

	mu       sync.RWMutex
	projects []*Project
	sessions map[string]string // session id -> project name
}

// New returns a router over the given projects, in order. The order
// matters: the first ready project is the fallback target.
func New(projects []*Project, store ProjectStore) *Router {
	return &Router{
		client:   &http.Client{},
		store:    store,
		projects: projects,
		sessions: make(map[string]string),
	}
}

// Projects returns a snapshot of the project list.
func (r *Router) Projects() []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Project, len(r.projects))
	copy(out, r.projects)
	return out
}

// ProjectNames returns the project names in order.
func (r *Router) ProjectNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.projects))
	for i, p := range r.projects {
		names[i] = p.Name
	}
	return names
}

// SetReady updates a project's readiness. Only the health monitor calls
// this.
func (r *Router) SetReady(name string, ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.projects {
		if strings.EqualFold(p.Name, name) {
			p.Ready = ready
			return
		}
	}
}

// AnyReady reports whether at least one project is ready.
func (r *Router) AnyReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.projects {
		if p.Ready {
			return true
		}
	}
	return false
}

// RegisterSession binds a session id to a project name.
func (r *Router) RegisterSession(sessionID, projectName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = projectName
}

// Handle routes one http_request envelope and always produces an
// http_response envelope. Routing never fails silently: unroutable
// requests become typed 400/404/502/503 responses because the caller
// across the tunnel has no other way to observe the failure.
func (r *Router) Handle(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	path := env.Path

	switch {
	// 1. Internal management routes are handled locally, never
	// forwarded.
	case path == "/project" || strings.HasPrefix(path, "/project/"):
		return r.handleProjectRoute(env)

	// 2. Aggregate reads fan out to every project and merge, skipping
	// unready ones.
	case env.Method == http.MethodGet && (path == "/session" || path == "/mcp-servers"):
		return r.handleAggregate(ctx, env)

	// 3. Session creation resolves its project from the body, or the
	// sole configured project.
	case env.Method == http.MethodPost && path == "/session":
		return r.handleSessionCreate(ctx, env)

	// 4. Session-scoped routes go to the session's owning project,
	// with one refresh on miss and a first-ready fallback.
	case strings.HasPrefix(path, "/session/"):
		return r.handleSessionRoute(ctx, env)

	// 5. Everything else goes to the first ready project.
	default:
		p := r.firstReady()
		if p == nil {
			return protocol.NewErrorResponse(env.RequestID, http.StatusServiceUnavailable, "no project is ready")
		}
		return r.forward(ctx, p, env)
	}
}

// isReady reads a project's readiness under the router lock. Callers
// holding a snapshot pointer must go through this: the health monitor
// flips Ready under the same lock.
func (r *Router) isReady(p *Project) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return p.Ready
}

func (r *Router) firstReady() *Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.projects {
		if p.Ready {
			return p
		}
	}
	return nil
}

func (r *Router) findProject(name string) *Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.projects {
		if strings.EqualFold(p.Name, name) {
			return p
		}
	}
	return nil
}

// resolveSession finds the owning project for a session id: map hit,
// then one forced refresh of the aggregate listing, then the first
// ready project. Returns nil if all three fail.
func (r *Router) resolveSession(ctx context.Context, sessionID string) *Project {
	r.mu.RLock()
	name, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if !ok {
		r.refreshSessions(ctx)
		r.mu.RLock()
		name, ok = r.sessions[sessionID]
		r.mu.RUnlock()
	}
	if ok {
		if p := r.findProject(name); p != nil {
			return p
		}
	}
	// The session may exist upstream without having been indexed yet;
	// in the common single-project case the first ready project is the
	// right owner.
	return r.firstReady()
}

// refreshSessions re-lists every ready project's sessions and records
// the ids it sees.
func (r *Router) refreshSessions(ctx context.Context) {
	for _, p := range r.Projects() {
		if !r.isReady(p) {
			continue
		}
		body, status, err := r.get(ctx, p, "/session", nil)
		if err != nil || status != http.StatusOK {
			continue
		}
		for _, id := range sessionIDsFromListing(body) {
			r.RegisterSession(id, p.Name)
		}
	}
}

func (r *Router) handleSessionRoute(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	sessionID := sessionIDFromPath(env.Path)
	if sessionID == "" {
		return protocol.NewErrorResponse(env.RequestID, http.StatusBadRequest, "missing session id")
	}
	p := r.resolveSession(ctx, sessionID)
	if p == nil {
		return protocol.NewErrorResponse(env.RequestID, http.StatusNotFound,
			fmt.Sprintf("no project found for session %s", sessionID))
	}
	return r.forward(ctx, p, env)
}

func (r *Router) handleSessionCreate(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	var body struct {
		Project string `json:"project"`
	}
	if len(env.Body) > 0 {
		// A malformed body still routes through the single-project
		// fallback below; the upstream agent rejects it if need be.
		json.Unmarshal(env.Body, &body)
	}

	var p *Project
	if body.Project != "" {
		p = r.findProject(body.Project)
		if p == nil {
			return protocol.NewErrorResponse(env.RequestID, http.StatusBadRequest,
				fmt.Sprintf("unknown project %q", body.Project))
		}
		if !r.isReady(p) {
			return protocol.NewErrorResponse(env.RequestID, http.StatusServiceUnavailable,
				fmt.Sprintf("project %q is not ready", body.Project))
		}
	} else {
		projects := r.Projects()
		if len(projects) != 1 {
			return protocol.NewErrorResponse(env.RequestID, http.StatusBadRequest,
				"multiple projects configured, session creation needs an explicit project")
		}
		p = projects[0]
		if !r.isReady(p) {
			return protocol.NewErrorResponse(env.RequestID, http.StatusServiceUnavailable,
				fmt.Sprintf("project %q is not ready", p.Name))
		}
	}

	resp := r.forward(ctx, p, env)

	// A successful create binds the new session id to the project so
	// follow-up requests route without a refresh.
	if resp.Status >= 200 && resp.Status < 300 {
		var created struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(resp.Body, &created); err == nil && created.ID != "" {
			r.RegisterSession(created.ID, p.Name)
		}
	}
	return resp
}

func (r *Router) handleAggregate(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	merged := make([]json.RawMessage, 0)
	for _, p := range r.Projects() {
		if !r.isReady(p) {
			continue
		}
		body, status, err := r.get(ctx, p, env.Path, env.Query)
		if err != nil || status != http.StatusOK {
			// Partial results beat a failed aggregate.
			log.Printf("router: aggregate %s skipped project %s: status=%d err=%v", env.Path, p.Name, status, err)
			continue
		}
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			continue
		}
		merged = append(merged, items...)

		if env.Path == "/session" {
			for _, id := range sessionIDsFromListing(body) {
				r.RegisterSession(id, p.Name)
			}
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return protocol.NewErrorResponse(env.RequestID, http.StatusInternalServerError, "merge failed")
	}
	return protocol.NewResponse(env.RequestID, http.StatusOK, out)
}

// forward proxies the envelope to the project's base URL and converts
// the HTTP result (or failure) back into a response envelope.
func (r *Router) forward(ctx context.Context, p *Project, env protocol.Envelope) protocol.Envelope {
	var reqBody io.Reader
	if len(env.Body) > 0 {
		reqBody = bytes.NewReader(env.Body)
	}

	target := p.BaseURL + env.Path
	if len(env.Query) > 0 {
		q := url.Values{}
		for k, v := range env.Query {
			q.Set(k, v)
		}
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, env.Method, target, reqBody)
	if err != nil {
		return protocol.NewErrorResponse(env.RequestID, http.StatusBadRequest, "malformed request")
	}
	if len(env.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		log.Printf("router: forward to %s failed: %v", p.Name, err)
		return protocol.NewErrorResponse(env.RequestID, http.StatusBadGateway,
			fmt.Sprintf("project %q unreachable", p.Name))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return protocol.NewErrorResponse(env.RequestID, http.StatusBadGateway, "reading upstream response failed")
	}
	return protocol.NewResponse(env.RequestID, resp.StatusCode, body)
}

// get issues a GET against a project, for internal use (refresh, sync,
// aggregates).
func (r *Router) get(ctx context.Context, p *Project, path string, query map[string]string) ([]byte, int, error) {
	target := p.BaseURL + path
	if len(query) > 0 {
		q := url.Values{}
		for k, v := range query {
			q.Set(k, v)
		}
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// sessionIDFromPath extracts the id from /session/:id/... paths.
func sessionIDFromPath(path string) string {
	rest := strings.TrimPrefix(path, "/session/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// sessionIDsFromListing pulls session ids out of a listing response.
func sessionIDsFromListing(body []byte) []string {
	var items []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &items); err != nil {
		return nil
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if it.ID != "" {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

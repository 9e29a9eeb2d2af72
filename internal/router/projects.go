package router

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pocketagent/relay/internal/protocol"
	"github.com/pocketagent/relay/internal/storage"
)

// BaseURLForPort builds the local base URL for an agent listening on the
// given port.
func BaseURLForPort(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

type projectView struct {
	Name      string `json:"name"`
	Directory string `json:"directory"`
	Ready     bool   `json:"ready"`
}

type projectAddRequest struct {
	Name      string `json:"name"`
	Directory string `json:"directory"`
	Port      int    `json:"port"`
}

// handleProjectRoute serves the internal management routes: list, add,
// and remove projects. These never forward to an agent.
func (r *Router) handleProjectRoute(env protocol.Envelope) protocol.Envelope {
	switch {
	case env.Method == http.MethodGet && env.Path == "/project":
		return r.listProjectsResponse(env.RequestID)
	case env.Method == http.MethodPost && env.Path == "/project":
		return r.addProjectResponse(env)
	case env.Method == http.MethodDelete && strings.HasPrefix(env.Path, "/project/"):
		name := strings.TrimPrefix(env.Path, "/project/")
		return r.removeProjectResponse(env.RequestID, name)
	default:
		return protocol.NewErrorResponse(env.RequestID, http.StatusNotFound, "unknown project route")
	}
}

func (r *Router) listProjectsResponse(requestID string) protocol.Envelope {
	projects := r.Projects()
	views := make([]projectView, len(projects))
	for i, p := range projects {
		views[i] = projectView{Name: p.Name, Directory: p.Directory, Ready: r.isReady(p)}
	}
	body, err := json.Marshal(views)
	if err != nil {
		return protocol.NewErrorResponse(requestID, http.StatusInternalServerError, "encoding project list failed")
	}
	return protocol.NewResponse(requestID, http.StatusOK, body)
}

func (r *Router) addProjectResponse(env protocol.Envelope) protocol.Envelope {
	var req projectAddRequest
	if err := json.Unmarshal(env.Body, &req); err != nil || req.Name == "" || req.Directory == "" || req.Port == 0 {
		return protocol.NewErrorResponse(env.RequestID, http.StatusBadRequest, "project add needs name, directory and port")
	}

	if r.findProject(req.Name) != nil {
		return protocol.NewErrorResponse(env.RequestID, http.StatusConflict,
			fmt.Sprintf("project %q already exists", req.Name))
	}

	dir := storage.NormalizeDirectory(req.Directory)
	if r.store != nil {
		err := r.store.AddProject(storage.Project{Name: req.Name, Directory: dir, Port: req.Port})
		if err == storage.ErrProjectExists {
			return protocol.NewErrorResponse(env.RequestID, http.StatusConflict,
				fmt.Sprintf("project %q already exists", req.Name))
		}
		if err != nil {
			return protocol.NewErrorResponse(env.RequestID, http.StatusInternalServerError, "persisting project failed")
		}
	}

	r.mu.Lock()
	r.projects = append(r.projects, &Project{
		Name:      req.Name,
		Directory: dir,
		BaseURL:   BaseURLForPort(req.Port),
	})
	r.mu.Unlock()

	return protocol.NewResponse(env.RequestID, http.StatusCreated,
		[]byte(fmt.Sprintf(`{"name":%q}`, req.Name)))
}

func (r *Router) removeProjectResponse(requestID, name string) protocol.Envelope {
	if r.findProject(name) == nil {
		return protocol.NewErrorResponse(requestID, http.StatusNotFound,
			fmt.Sprintf("unknown project %q", name))
	}

	if r.store != nil {
		if err := r.store.RemoveProject(name); err != nil && err != storage.ErrProjectNotFound {
			return protocol.NewErrorResponse(requestID, http.StatusInternalServerError, "removing project failed")
		}
	}

	r.mu.Lock()
	kept := r.projects[:0]
	for _, p := range r.projects {
		if !strings.EqualFold(p.Name, name) {
			kept = append(kept, p)
		}
	}
	r.projects = kept
	for id, owner := range r.sessions {
		if strings.EqualFold(owner, name) {
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	return protocol.NewResponse(requestID, http.StatusOK, []byte(`{"ok":true}`))
}

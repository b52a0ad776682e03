// Package httpapi wires the project, pairing, and push packages
// together behind the HTTP/WS surface in spec §6. Built on
// net/http.ServeMux, grounded on getfinn-finn's internal/auth/oauth.go
// server bring-up idiom (http.Server, ListenAndServe in a goroutine,
// Shutdown(ctx) on drain).
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/pairdaemon/pairdaemon/internal/pairing"
	"github.com/pairdaemon/pairdaemon/internal/project"
	"github.com/pairdaemon/pairdaemon/internal/store"
)

// Projects is the subset of project.Registry the API needs.
type Projects interface {
	List() []project.Project
	Get(id string) (project.Project, bool)
	CreateWorktree(parent project.Project, branch string) (project.Project, error)
	RemoveWorktree(proj project.Project) error
}

// Conversations is the subset of the store's conversation handle the
// API needs.
type Conversations interface {
	Load(projectID string) (store.Conversation, error)
}

// PullRequests looks up pull-request metadata for a project, or false
// if none exists. The agent CLI itself is expected to populate this
// out of band (e.g. by shelling out to `gh`); left as an interface so
// the lookup strategy can vary without touching the router.
type PullRequests func(proj project.Project) (PullRequestInfo, bool)

// PullRequestInfo is the response shape for GET /api/projects/{id}/pr.
type PullRequestInfo struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
}

// VAPIDSource exposes the server's VAPID public key and accepts new
// subscriptions for the push subscribe handshake.
type VAPIDSource interface {
	VAPIDPublicKey() string
	Subscribe(deviceID, endpoint string, keys map[string]string) error
}

// Router builds the full HTTP mux: pairing, REST project endpoints,
// push VAPID/subscribe, and the WebSocket upgrade.
type Router struct {
	Projects      Projects
	Conversations Conversations
	PRs           PullRequests
	VAPID         VAPIDSource
	WS            http.Handler
	Pairing       *pairing.Handler
}

// NewMux assembles the ServeMux for the whole HTTP/WS surface.
func (rt *Router) NewMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/pair/", rt.Pairing)
	mux.HandleFunc("/api/projects", rt.handleProjects)
	mux.HandleFunc("/api/projects/", rt.handleProjectSubroute)
	mux.HandleFunc("/api/push/vapid", rt.handleVAPIDPublicKey)
	mux.HandleFunc("/api/push/subscribe", rt.handlePushSubscribe)
	mux.Handle("/ws", rt.WS)

	return mux
}

func (rt *Router) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": rt.Projects.List()})
}

// handleProjectSubroute dispatches /api/projects/{id}/{rest...} by hand
// rather than a Go 1.22 pattern mux, since the depth (git, conversation,
// pr, worktrees) and method (GET/POST/DELETE) both vary per suffix.
func (rt *Router) handleProjectSubroute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	proj, ok := rt.Projects.Get(id)
	if !ok {
		http.Error(w, "no such project", http.StatusNotFound)
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch sub {
	case "git":
		rt.handleGit(w, r, proj)
	case "conversation":
		rt.handleConversation(w, r, proj)
	case "pr":
		rt.handlePR(w, r, proj)
	case "worktrees":
		rt.handleWorktrees(w, r, proj)
	default:
		http.NotFound(w, r)
	}
}

func (rt *Router) handleGit(w http.ResponseWriter, r *http.Request, proj project.Project) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status, err := project.Status(proj)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (rt *Router) handleConversation(w http.ResponseWriter, r *http.Request, proj project.Project) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conv, err := rt.Conversations.Load(proj.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": conv.Messages})
}

func (rt *Router) handlePR(w http.ResponseWriter, r *http.Request, proj project.Project) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if rt.PRs == nil {
		http.NotFound(w, r)
		return
	}
	info, ok := rt.PRs(proj)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (rt *Router) handleWorktrees(w http.ResponseWriter, r *http.Request, proj project.Project) {
	switch r.Method {
	case http.MethodGet:
		entries, err := project.ListWorktrees(proj)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"worktrees": entries})

	case http.MethodPost:
		var req struct {
			Branch string `json:"branch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Branch == "" {
			http.Error(w, "missing branch", http.StatusBadRequest)
			return
		}
		created, err := rt.Projects.CreateWorktree(proj, req.Branch)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"project": created})

	case http.MethodDelete:
		if err := rt.Projects.RemoveWorktree(proj); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (rt *Router) handleVAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": rt.VAPID.VAPIDPublicKey()})
}

func (rt *Router) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Endpoint string            `json:"endpoint"`
		Keys     map[string]string `json:"keys"`
		DeviceID string            `json:"deviceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" || req.Endpoint == "" {
		http.Error(w, "missing deviceId or endpoint", http.StatusBadRequest)
		return
	}
	if err := rt.VAPID.Subscribe(req.DeviceID, req.Endpoint, req.Keys); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

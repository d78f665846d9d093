package api

import (
	"net/http"
	"time"

	"mcphub/internal/apierrors"
)

// healthResponse is the body of GET /api/health.
type healthResponse struct {
	State       string           `json:"state"`
	Servers     []serverStatus   `json:"servers"`
	Connections int              `json:"connections"`
	Workspaces  interface{}      `json:"workspaces,omitempty"`
}

type serverStatus struct {
	Name string `json:"name"`
	// Info embeds connection.Info, whose fields are already JSON tagged.
	Info interface{} `json:"info"`
}

func (s *Server) serverStatuses() []serverStatus {
	conns := s.coordinator.Connections()
	out := make([]serverStatus, 0, len(conns))
	for _, conn := range conns {
		out = append(out, serverStatus{Name: conn.Name(), Info: conn.Info()})
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	var workspaces interface{}
	if s.registry != nil {
		if entries, err := s.registry.Entries(); err == nil {
			workspaces = entries
		}
	}

	writeResult(w, healthResponse{
		State:       string(s.coordinator.State()),
		Servers:     s.serverStatuses(),
		Connections: len(s.coordinator.Connections()),
		Workspaces:  workspaces,
	})
}

func (s *Server) handleServersList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeResult(w, s.serverStatuses())
}

type serverNameRequest struct {
	ServerName string `json:"server_name"`
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req serverNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ServerName == "" {
		writeValidationError(w, "server_name is required")
		return
	}
	conn := s.coordinator.Connection(req.ServerName)
	if conn == nil {
		writeError(w, apierrors.ServerNotFound(req.ServerName))
		return
	}
	writeResult(w, serverStatus{Name: conn.Name(), Info: conn.Info()})
}

func (s *Server) handleServerStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req serverNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ServerName == "" {
		writeValidationError(w, "server_name is required")
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	if err := s.coordinator.StartServer(ctx, req.ServerName); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]string{"status": "started"})
}

func (s *Server) handleServerStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req serverNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ServerName == "" {
		writeValidationError(w, "server_name is required")
		return
	}
	disable := r.URL.Query().Get("disable") == "true"
	if err := s.coordinator.StopServer(req.ServerName, disable); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]string{"status": "stopped"})
}

func (s *Server) handleServerRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req serverNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ServerName == "" {
		writeValidationError(w, "server_name is required")
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	if err := s.coordinator.RefreshServer(ctx, req.ServerName); err != nil {
		writeError(w, err)
		return
	}
	conn := s.coordinator.Connection(req.ServerName)
	writeResult(w, serverStatus{Name: req.ServerName, Info: conn.Info()})
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	s.coordinator.RefreshAll(ctx)
	writeResult(w, s.serverStatuses())
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()
	if err := s.coordinator.Restart(ctx); err != nil {
		writeError(w, err)
		return
	}
	s.aggregator.Rebuild()
	writeResult(w, map[string]string{"status": "restarted"})
}

// handleHardRestart terminates the process so a supervisor (systemd,
// launchd, a parent watcher) restarts it with a fresh environment. Unlike
// /api/restart, which only reconciles in-process state, this is the only
// way to pick up changes to MCP_HUB_ENV or other inherited env vars.
func (s *Server) handleHardRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	writeResult(w, map[string]string{"status": "restarting"})
	go func() {
		time.Sleep(200 * time.Millisecond)
		s.triggerShutdown()
	}()
}

func (s *Server) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	entries, err := s.registry.Entries()
	if err != nil {
		writeError(w, apierrors.WorkspaceError("workspace_read_failed", err.Error()))
		return
	}
	writeResult(w, entries)
}

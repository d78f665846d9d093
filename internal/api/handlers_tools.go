package api

import (
	"context"
	"net/http"
	"time"
)

// requestOptions mirrors the optional per-call override accepted by the
// tool/resource/prompt invocation routes.
type requestOptions struct {
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

func (o requestOptions) timeout() time.Duration {
	if o.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

func (s *Server) callContext(r *http.Request, opts requestOptions) (context.Context, context.CancelFunc) {
	timeout := opts.timeout()
	if timeout <= 0 {
		timeout = s.cfg.CallToolTimeout.Duration()
	}
	return context.WithTimeout(r.Context(), timeout)
}

type callToolRequest struct {
	ServerName      string                 `json:"server_name"`
	Tool            string                 `json:"tool"`
	Arguments       map[string]interface{} `json:"arguments"`
	RequestOptions  requestOptions         `json:"request_options"`
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req callToolRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ServerName == "" || req.Tool == "" {
		writeValidationError(w, "server_name and tool are required")
		return
	}

	ctx, cancel := s.callContext(r, req.RequestOptions)
	defer cancel()

	result, err := s.coordinator.CallTool(ctx, req.ServerName, req.Tool, req.Arguments)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, result)
}

type readResourceRequest struct {
	ServerName     string         `json:"server_name"`
	URI            string         `json:"uri"`
	RequestOptions requestOptions `json:"request_options"`
}

func (s *Server) handleReadResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req readResourceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ServerName == "" || req.URI == "" {
		writeValidationError(w, "server_name and uri are required")
		return
	}

	ctx, cancel := s.callContext(r, req.RequestOptions)
	defer cancel()

	result, err := s.coordinator.ReadResource(ctx, req.ServerName, req.URI)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, result)
}

type getPromptRequest struct {
	ServerName     string                 `json:"server_name"`
	Prompt         string                 `json:"prompt"`
	Arguments      map[string]interface{} `json:"arguments"`
	RequestOptions requestOptions         `json:"request_options"`
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req getPromptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ServerName == "" || req.Prompt == "" {
		writeValidationError(w, "server_name and prompt are required")
		return
	}

	ctx, cancel := s.callContext(r, req.RequestOptions)
	defer cancel()

	result, err := s.coordinator.GetPrompt(ctx, req.ServerName, req.Prompt, req.Arguments)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, result)
}

package api

import (
	"net/http"
	"net/url"
)

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
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

	authURL, err := s.coordinator.Authorize(req.ServerName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]string{"authorization_url": authURL})
}

// handleOAuthCallback is the browser redirect landing page: the
// authorization server appends ?code=...&state=.... The server name is read
// from the server_name query parameter as given; StartAuthorization does
// not add it to the redirect URI or the state.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	s.completeOAuth(w, r, r.URL.Query().Get("server_name"), r.URL.Query().Get("state"), r.URL.Query().Get("code"))
}

type manualCallbackRequest struct {
	URL string `json:"url"`
}

// handleOAuthManualCallback supports headless environments where the
// browser redirect can't reach the hub directly: the caller pastes the
// full redirected URL and the hub extracts code/state from it itself.
func (s *Server) handleOAuthManualCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req manualCallbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeValidationError(w, "url is required")
		return
	}
	parsed, err := url.Parse(req.URL)
	if err != nil {
		writeValidationError(w, "url is not a valid URL: "+err.Error())
		return
	}
	q := parsed.Query()
	s.completeOAuth(w, r, q.Get("server_name"), q.Get("state"), q.Get("code"))
}

func (s *Server) completeOAuth(w http.ResponseWriter, r *http.Request, serverName, state, code string) {
	if state == "" || code == "" {
		writeValidationError(w, "state and code are required")
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	if err := s.coordinator.CompleteAuthorization(ctx, serverName, state, code, requestClientID(serverName)); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, map[string]string{"status": "authorized"})
}

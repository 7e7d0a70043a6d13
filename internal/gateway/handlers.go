package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HealthResponse is returned by health endpoints. The public HTTP endpoint
// only populates Status; the authenticated RPC handler fills in the rest.
type HealthResponse struct {
	Status   string          `json:"status"`
	Version  string          `json:"version,omitempty"`
	Uptime   string          `json:"uptime,omitempty"`
	Clients  int             `json:"clients,omitempty"`
	Channels map[string]bool `json:"channels,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// health reports "degraded" while the store is unreachable.
func (s *Server) health(ctx context.Context) (HealthResponse, error) {
	h := HealthResponse{Status: "ok"}
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			h.Status = "degraded"
			return h, err
		}
	}
	return h, nil
}

// handleHealth returns the server health status. Details are only
// available through the authenticated RPC health method.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.health(r.Context())
	status := http.StatusOK
	if err != nil {
		s.log.Warn().Err(err).Msg("health check failed")
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// handleNotFound returns a 404 for unknown routes.
func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequestHandler processes an incoming RPC request frame from a client.
type RequestHandler func(rc *RequestContext)

// RequestContext carries everything a handler needs.
type RequestContext struct {
	Context context.Context
	Client  *Client
	Frame   Frame
	Server  *Server
}

// Respond sends a success response.
func (rc *RequestContext) Respond(payload any) {
	if err := rc.Client.Respond(rc.Frame.ID, payload); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send response")
	}
}

// RespondError sends an error response.
func (rc *RequestContext) RespondError(code, message string) {
	rc.Client.RespondError(rc.Frame.ID, ErrorShape{Code: code, Message: message})
}

// Params unmarshals the request params into the given target.
func (rc *RequestContext) Params(target any) error {
	if len(rc.Frame.Params) == 0 || string(rc.Frame.Params) == "null" {
		return nil
	}
	return json.Unmarshal(rc.Frame.Params, target)
}

// Package api is the local HTTP control surface for the tunnel. Its routes
// live under the same /api/tunnel prefix the tunnel's security filter blocks,
// so they are reachable only on the loopback listener.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/jpillora/requestlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/towerhq/towerd/internal/creds"
	"github.com/towerhq/towerd/internal/tunnel"
)

// Server exposes tunnel management endpoints. The client and credentials are
// read through accessors because credential rotation swaps in a new client.
type Server struct {
	client func() *tunnel.Client
	creds  func() *creds.Credentials
	log    *zap.Logger
}

func NewServer(client func() *tunnel.Client, credentials func() *creds.Credentials, log *zap.Logger) *Server {
	return &Server{
		client: client,
		creds:  credentials,
		log:    log.With(zap.String("component", "api")),
	}
}

// Handler builds the route table, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tunnel/connect", s.handleConnect)
	mux.HandleFunc("POST /api/tunnel/disconnect", s.handleDisconnect)
	mux.HandleFunc("POST /api/tunnel/reset", s.handleReset)
	mux.HandleFunc("GET /api/tunnel/status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	return requestlog.Wrap(mux)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	t := s.client()
	switch t.State() {
	case tunnel.StateConnected:
		writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
	case tunnel.StateAuthFailed:
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "credentials were rejected; reset the circuit breaker or re-register",
		})
	default:
		t.Connect()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "connecting"})
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	t := s.client()
	t.Disconnect()
	writeJSON(w, http.StatusOK, map[string]string{"status": string(t.State())})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	t := s.client()
	t.ResetCircuitBreaker()
	writeJSON(w, http.StatusOK, map[string]string{"status": string(t.State())})
}

type statusResponse struct {
	State               string `json:"state"`
	UptimeMs            *int64 `json:"uptimeMs"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	PublicURL           string `json:"publicUrl,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	t := s.client()
	resp := statusResponse{
		State:               string(t.State()),
		ConsecutiveFailures: t.Failures(),
	}
	if up, ok := t.Uptime(); ok {
		ms := up.Milliseconds()
		resp.UptimeMs = &ms
	}
	if c := s.creds(); c != nil {
		resp.PublicURL = c.PublicURL()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/op15/bridge/internal/bridge"
	"github.com/op15/bridge/internal/protocol"
	"github.com/op15/bridge/internal/tools"
)

// httpServer is the bridge server's HTTP surface: the agent channel
// endpoint, a small orchestrator-facing REST API, and metrics.
type httpServer struct {
	manager  *bridge.Manager
	surface  *tools.Surface
	apiToken string
	logger   zerolog.Logger
	server   *http.Server
}

func newHTTPServer(addr string, manager *bridge.Manager, surface *tools.Surface, apiToken string, logger zerolog.Logger) *httpServer {
	h := &httpServer{
		manager:  manager,
		surface:  surface,
		apiToken: apiToken,
		logger:   logger.With().Str("component", "http").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/bridge", manager.HandleBridge)
	mux.HandleFunc("GET /api/agents/{userId}", h.requireToken(h.handleAgentStatus))
	mux.HandleFunc("POST /api/agents/{userId}/permissions", h.requireToken(h.handlePermissions))
	mux.HandleFunc("POST /api/tools/call", h.requireToken(h.handleToolCall))

	h.server = &http.Server{
		Addr:              addr,
		Handler:           h.logRequests(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h
}

func (h *httpServer) ListenAndServe() error {
	return h.server.ListenAndServe()
}

func (h *httpServer) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// requireToken guards orchestrator routes with the configured bearer
// token. An empty token leaves the routes open, for local deployments
// behind their own perimeter.
func (h *httpServer) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.apiToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.apiToken)) != 1 {
				sendJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (h *httpServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (h *httpServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *httpServer) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	status, ok := h.manager.Status(userID)
	if !ok {
		sendJSONError(w, http.StatusNotFound, "no agent session for user "+userID)
		return
	}
	sendJSON(w, http.StatusOK, status)
}

func (h *httpServer) handlePermissions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")

	var update protocol.PermissionUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := h.manager.UpdatePermissions(ctx, userID, &update); err != nil {
		sendJSONError(w, errStatus(err), err.Error())
		return
	}
	sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// toolCallRequest is the orchestrator's tool invocation payload.
type toolCallRequest struct {
	UserID     string                 `json:"userId"`
	Operation  string                 `json:"operation"`
	Args       map[string]interface{} `json:"args"`
	ViaBrowser bool                   `json:"viaBrowser"`
	TimeoutMs  int                    `json:"timeoutMs"`
}

func (h *httpServer) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Operation == "" {
		sendJSONError(w, http.StatusBadRequest, "userId and operation are required")
		return
	}

	opts := bridge.CallOptions{ViaBrowser: req.ViaBrowser}
	if req.TimeoutMs > 0 {
		opts.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	data, err := h.surface.Call(r.Context(), req.UserID, req.Operation, req.Args, opts)
	if err != nil {
		sendJSONError(w, errStatus(err), err.Error())
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"data": json.RawMessage(data)})
}

// errStatus maps protocol error kinds onto HTTP statuses for the REST
// surface. Agent-side denials stay 403 so callers can tell policy from
// transport.
func errStatus(err error) int {
	switch protocol.KindOf(err) {
	case protocol.KindMalformedFrame, protocol.KindUnknownOperation, protocol.KindInvalidCwd:
		return http.StatusBadRequest
	case protocol.KindPermissionDenied, protocol.KindPlanViolation, protocol.KindForbidden:
		return http.StatusForbidden
	case protocol.KindNotFound:
		return http.StatusNotFound
	case protocol.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case protocol.KindAgentNotConnected, protocol.KindAgentDisconnected, protocol.KindAgentUnreachable:
		return http.StatusServiceUnavailable
	case protocol.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func sendJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func sendJSONError(w http.ResponseWriter, statusCode int, message string) {
	sendJSON(w, statusCode, map[string]interface{}{"error": message})
}

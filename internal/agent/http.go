package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/op15/bridge/internal/protocol"
)

// secretHeader authenticates loopback calls. Only /health is open.
const secretHeader = "x-agent-secret"

// serveHTTP runs the loopback listener until ctx is cancelled. The
// listener is bound to 127.0.0.1 only; anything else refuses to start.
func (a *Agent) serveHTTP(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", a.cfg.HTTPPort)
	if err := ensureLoopback(addr); err != nil {
		return err
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      a.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // long-running /execute calls
		IdleTimeout:  120 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	a.logger.Info().Str("addr", addr).Msg("loopback API listening")

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// ensureLoopback rejects any listen address outside 127.0.0.0/8 or ::1.
// Binding the daemon API to a reachable interface is a programming error.
func ensureLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("refusing to bind loopback API to non-loopback address %q", host)
	}
	return nil
}

// routes builds the loopback handler tree.
func (a *Agent) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/execute", a.requireSecret(a.handleExecute))
	mux.HandleFunc("/fs/list", a.requireSecret(a.handleFSList))
	mux.HandleFunc("/fs/read", a.requireSecret(a.handleFSRead))
	mux.HandleFunc("/fs/write", a.requireSecret(a.handleFSBody(protocol.OpFSWrite)))
	mux.HandleFunc("/fs/delete", a.requireSecret(a.handleFSBody(protocol.OpFSDelete)))
	mux.HandleFunc("/fs/move", a.requireSecret(a.handleFSBody(protocol.OpFSMove)))
	mux.HandleFunc("/status", a.requireSecret(a.handleStatus))
	mux.HandleFunc("/logs", a.requireSecret(a.handleLogs))
	mux.HandleFunc("/plan/approve", a.requireSecret(a.handlePlanApprove))
	mux.HandleFunc("/kill", a.requireSecret(a.handleKill))
	return mux
}

// requireSecret gates an endpoint behind the shared secret header with a
// constant-time comparison.
func (a *Agent) requireSecret(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get(secretHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(a.cfg.SharedSecret)) != 1 {
			a.logger.Warn().
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Msg("loopback request with missing or invalid secret")
			sendJSONError(w, http.StatusForbidden, protocol.KindForbidden)
			return
		}
		next(w, r)
	}
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

func (a *Agent) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	args, err := decodeArgs(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.dispatchHTTP(w, r, protocol.OpExecRun, args)
}

func (a *Agent) handleFSList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	args := map[string]interface{}{"path": r.URL.Query().Get("path")}
	if d := r.URL.Query().Get("depth"); d != "" {
		depth, err := strconv.Atoi(d)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid depth %q", d))
			return
		}
		args["depth"] = depth
	}
	a.dispatchHTTP(w, r, protocol.OpFSList, args)
}

func (a *Agent) handleFSRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	args := map[string]interface{}{"path": r.URL.Query().Get("path")}
	if enc := r.URL.Query().Get("encoding"); enc != "" {
		args["encoding"] = enc
	}
	a.dispatchHTTP(w, r, protocol.OpFSRead, args)
}

// handleFSBody serves the POST filesystem endpoints whose arguments
// arrive as a JSON body in wire-request field names.
func (a *Agent) handleFSBody(operation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		args, err := decodeArgs(r)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.dispatchHTTP(w, r, operation, args)
	}
}

func (a *Agent) dispatchHTTP(w http.ResponseWriter, r *http.Request, operation string, args map[string]interface{}) {
	op, err := protocol.OperationFromArgs(operation, args)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := a.Dispatch(r.Context(), op)
	if err != nil {
		sendJSONError(w, kindStatus(err), err.Error())
		return
	}
	sendJSON(w, http.StatusOK, result)
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := a.upstream.Status()
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"userId":      a.cfg.UserID,
		"connected":   status.Connected,
		"connectedAt": status.ConnectedAt,
		"lastError":   status.LastError,
		"permissions": a.perms.Snapshot(),
	})
}

func (a *Agent) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  a.actions.Recent(limit),
		"total": a.actions.Total(),
	})
}

func (a *Agent) handlePlanApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var update protocol.PermissionUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if err := a.perms.Apply(&update, a.home); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.logger.Info().
		Str("mode", update.Mode).
		Int("planSteps", len(update.ApprovedPlan)).
		Msg("permissions replaced via loopback API")
	sendJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (a *Agent) handleKill(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	a.Kill()
}

// decodeArgs reads a JSON object body into a wire-style args map.
func decodeArgs(r *http.Request) (map[string]interface{}, error) {
	args := map[string]interface{}{}
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		return nil, fmt.Errorf("invalid body: %v", err)
	}
	return args, nil
}

// kindStatus maps a dispatch error to an HTTP status: 4xx for validation
// and permission failures, 5xx for executor-side failures.
func kindStatus(err error) int {
	switch protocol.KindOf(err) {
	case protocol.KindMalformedFrame, protocol.KindUnknownOperation, protocol.KindInvalidCwd:
		return http.StatusBadRequest
	case protocol.KindPermissionDenied, protocol.KindPlanViolation, protocol.KindForbidden:
		return http.StatusForbidden
	case protocol.KindNotFound:
		return http.StatusNotFound
	case protocol.KindTooLarge:
		return http.StatusRequestEntityTooLarge
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

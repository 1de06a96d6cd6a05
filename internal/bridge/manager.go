// Package bridge is the cloud side of the trusted path: a process-wide
// registry of connected agent sessions, the pending-RPC correlation map
// that multiplexes concurrent tool calls over each session's channel, and
// the transport dispatcher that prefers loopback HTTP when the caller can
// tunnel to the user's machine.
package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/op15/bridge/internal/protocol"
)

// DefaultRPCTimeout applies when a caller supplies no deadline.
const DefaultRPCTimeout = 60 * time.Second

const handshakeReadWait = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // agents dial in from anywhere
	},
}

// Deps are the collaborator hooks the manager needs: the install registry
// that knows each user's shared secret, and the optional loopback
// endpoint the browser can tunnel to.
type Deps struct {
	// SecretFor returns the shared secret installed for a user. A false
	// return refuses the handshake.
	SecretFor func(userID string) (string, bool)
	// LoopbackEndpoint returns the agent's loopback base URL for a user,
	// or empty when unknown.
	LoopbackEndpoint func(userID string) string
}

// Manager is the process-wide session registry. At most one session per
// user; a newer handshake supersedes the older one.
type Manager struct {
	deps   Deps
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session    // userID -> session
	pendings map[string]*pendingRPC // requestID -> pending
	ackCh    map[string]chan bool   // userID -> permission ack waiter
}

type pendingRPC struct {
	id        string
	userID    string
	createdAt time.Time
	ch        chan rpcOutcome // buffered(1); receives exactly once
}

type rpcOutcome struct {
	data json.RawMessage
	err  error
}

// NewManager builds the registry.
func NewManager(deps Deps, logger zerolog.Logger) *Manager {
	return &Manager{
		deps:     deps,
		logger:   logger.With().Str("component", "bridge").Logger(),
		sessions: make(map[string]*Session),
		pendings: make(map[string]*pendingRPC),
		ackCh:    make(map[string]chan bool),
	}
}

// HandleBridge upgrades an agent channel at /api/bridge?userId=&type=agent
// and runs its read loop until the channel closes.
func (m *Manager) HandleBridge(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	connType := r.URL.Query().Get("type")

	// Authenticate before upgrading so a bad secret surfaces as an HTTP
	// status the agent treats as fatal.
	if userID != "" {
		secret, ok := m.deps.SecretFor(userID)
		if !ok || subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Agent-Secret")), []byte(secret)) != 1 {
			m.logger.Warn().Str("userId", userID).Msg("agent dial with invalid shared secret")
			http.Error(w, "invalid agent credentials", http.StatusUnauthorized)
			return
		}
	}

	// Clear server deadlines before the upgrade so they cannot fire on the
	// long-lived connection.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error().Err(err).Msg("channel upgrade failed")
		return
	}

	if userID == "" || connType != "agent" {
		msg := websocket.FormatCloseMessage(protocol.ClosePolicy, "userId and type=agent required")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		conn.Close()
		return
	}

	session := newSession(userID, conn, m.logger)

	// Handshake: the first frame must be agent-metadata for the same user
	// the channel was dialed for.
	conn.SetReadDeadline(time.Now().Add(handshakeReadWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		m.logger.Debug().Err(err).Str("userId", userID).Msg("handshake read failed")
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		session.close(protocol.ClosePolicy, protocol.CloseReasonPolicy)
		return
	}
	metadata, ok := frame.(*protocol.AgentMetadata)
	if !ok || metadata.UserID != userID {
		session.close(protocol.ClosePolicy, "handshake must carry agent-metadata for the dialing user")
		return
	}

	session.HomeDirectory = metadata.HomeDirectory
	session.Platform = metadata.Platform
	session.Index = metadata.FilesystemIndex
	if secret, ok := m.deps.SecretFor(userID); ok {
		session.SharedSecret = secret
	}
	if m.deps.LoopbackEndpoint != nil {
		session.LoopbackEndpoint = m.deps.LoopbackEndpoint(userID)
	}
	session.setState(StateReady)

	m.register(session)

	go session.writePump()
	go m.pingLoop(session)

	if err := session.enqueue(&protocol.Connected{UserID: userID}); err != nil {
		m.logger.Warn().Err(err).Str("userId", userID).Msg("failed to ack handshake")
	}

	m.logger.Info().
		Str("userId", userID).
		Str("platform", metadata.Platform).
		Str("home", metadata.HomeDirectory).
		Msg("agent session established")

	// Blocking: returning from the handler tears down the connection.
	m.readLoop(session)
}

// register installs the session, superseding any predecessor: the old
// channel is closed with the superseded reason and its pendings fail.
func (m *Manager) register(session *Session) {
	m.mu.Lock()
	previous := m.sessions[session.UserID]
	m.sessions[session.UserID] = session
	// Snapshot the predecessor's pendings in the same critical section as
	// the swap: a pending registered once the lock is released belongs to
	// the new session and must not be failed here.
	var doomed []*pendingRPC
	if previous != nil {
		for id, pending := range m.pendings {
			if pending.userID == session.UserID {
				doomed = append(doomed, pending)
				delete(m.pendings, id)
			}
		}
	}
	m.mu.Unlock()

	if previous != nil {
		m.logger.Info().
			Str("userId", session.UserID).
			Str("old", previous.ID).
			Str("new", session.ID).
			Msg("session superseded by newer handshake")
		previous.close(protocol.CloseSuperseded, protocol.CloseReasonSuperseded)
		err := protocol.NewError(protocol.KindAgentDisconnected,
			"session replaced by a newer handshake")
		for _, pending := range doomed {
			pending.ch <- rpcOutcome{err: err}
			metricRPCTotal.WithLabelValues(outcomeDisconnected).Inc()
			metricRPCInFlight.Dec()
		}
		metricSessionsSuperseded.Inc()
	} else {
		metricConnectedAgents.Inc()
	}
}

// unregister removes the session if it is still the registered one and
// fails its surviving pendings.
func (m *Manager) unregister(session *Session) {
	m.mu.Lock()
	current, ok := m.sessions[session.UserID]
	if ok && current == session {
		delete(m.sessions, session.UserID)
	} else {
		ok = false
	}
	m.mu.Unlock()

	if ok {
		metricConnectedAgents.Dec()
		m.failPendings(session.UserID, protocol.NewError(protocol.KindAgentDisconnected,
			"agent channel closed"))
	}
}

func (m *Manager) readLoop(session *Session) {
	defer func() {
		session.close(websocket.CloseAbnormalClosure, "channel closed")
		m.unregister(session)
	}()

	for {
		select {
		case <-session.done:
			return
		default:
		}

		_, data, err := session.conn.ReadMessage()
		if err != nil {
			return
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			session.logger.Warn().Err(err).Msg("malformed frame from agent, closing channel")
			session.close(protocol.ClosePolicy, protocol.CloseReasonPolicy)
			return
		}

		switch f := frame.(type) {
		case *protocol.Response:
			m.completeRPC(f)

		case *protocol.Pong:
			session.markPong()

		case *protocol.Ping:
			if err := session.enqueue(&protocol.Pong{Timestamp: f.Timestamp}); err != nil {
				session.logger.Debug().Err(err).Msg("dropping pong")
			}

		case *protocol.PermissionAck:
			m.deliverAck(session.UserID, f.Success)

		default:
			session.logger.Debug().Type("frame", frame).Msg("ignoring unexpected frame")
		}
	}
}

// pingLoop drives the application-level heartbeat: a ping every interval,
// degraded after two silent intervals, closed after four.
func (m *Manager) pingLoop(session *Session) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-session.done:
			return
		case <-ticker.C:
			degrade, expire := session.tickHeartbeat()
			if expire {
				session.logger.Warn().Msg("heartbeat expired, closing session")
				session.close(websocket.CloseGoingAway, "heartbeat timeout")
				return
			}
			if degrade {
				session.logger.Warn().Msg("session degraded: no pong from agent")
			}
			if err := session.enqueue(&protocol.Ping{Timestamp: time.Now().UnixMilli()}); err != nil {
				session.logger.Debug().Err(err).Msg("heartbeat enqueue failed")
			}
		}
	}
}

// completeRPC routes an agent response to its pending caller. Unknown ids
// are discarded; the caller timed out or the session was replaced.
func (m *Manager) completeRPC(resp *protocol.Response) {
	pending := m.takePending(resp.ID)
	if pending == nil {
		m.logger.Debug().Str("id", resp.ID).Msg("discarding response with no pending request")
		return
	}
	if resp.Err != "" {
		pending.ch <- rpcOutcome{err: protocol.ParseWireError(resp.Err)}
		return
	}
	pending.ch <- rpcOutcome{data: resp.Data}
}

// takePending removes and returns the pending for id. Removal under the
// lock makes completion exactly-once across response, timeout, and
// session-loss paths.
func (m *Manager) takePending(id string) *pendingRPC {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending, ok := m.pendings[id]
	if !ok {
		return nil
	}
	delete(m.pendings, id)
	return pending
}

// failPendings completes every pending for a user with err.
func (m *Manager) failPendings(userID string, err error) {
	m.mu.Lock()
	var failed []*pendingRPC
	for id, pending := range m.pendings {
		if pending.userID == userID {
			failed = append(failed, pending)
			delete(m.pendings, id)
		}
	}
	m.mu.Unlock()

	for _, pending := range failed {
		pending.ch <- rpcOutcome{err: err}
		metricRPCTotal.WithLabelValues(outcomeDisconnected).Inc()
		metricRPCInFlight.Dec()
	}
}

// Lookup returns the current session for a user.
func (m *Manager) Lookup(userID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[userID]
	return session, ok
}

// IsConnected reports whether the user has a session whose channel is
// open. A degraded session still counts as connected; it just refuses new
// RPCs until it recovers.
func (m *Manager) IsConnected(userID string) bool {
	session, ok := m.Lookup(userID)
	if !ok {
		return false
	}
	state := session.State()
	return state == StateReady || state == StateDegraded
}

// Push sends one operation over the channel and waits for the correlated
// response, the context deadline, or session loss.
func (m *Manager) Push(ctx context.Context, userID string, op protocol.Operation) (json.RawMessage, error) {
	session, ok := m.Lookup(userID)
	if !ok {
		return nil, protocol.NewError(protocol.KindAgentNotConnected, "no session for user %s", userID)
	}
	switch session.State() {
	case StateReady:
	case StateDegraded:
		return nil, protocol.NewError(protocol.KindAgentUnreachable,
			"session for user %s is degraded", userID)
	default:
		return nil, protocol.NewError(protocol.KindAgentDisconnected,
			"session for user %s is not ready", userID)
	}

	pending := &pendingRPC{
		id:        uuid.NewString(),
		userID:    userID,
		createdAt: time.Now(),
		ch:        make(chan rpcOutcome, 1),
	}

	m.mu.Lock()
	m.pendings[pending.id] = pending
	m.mu.Unlock()
	metricRPCInFlight.Inc()

	if err := session.enqueue(&protocol.Request{ID: pending.id, Op: op}); err != nil {
		if m.takePending(pending.id) != nil {
			metricRPCInFlight.Dec()
			metricRPCTotal.WithLabelValues(outcomeBackpressure).Inc()
		}
		return nil, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRPCTimeout)
		defer cancel()
	}

	select {
	case outcome := <-pending.ch:
		if outcome.err != nil {
			metricRPCTotal.WithLabelValues(outcomeError).Inc()
			metricRPCInFlight.Dec()
			return nil, outcome.err
		}
		metricRPCTotal.WithLabelValues(outcomeSuccess).Inc()
		metricRPCInFlight.Dec()
		return outcome.data, nil
	case <-ctx.Done():
		// The agent may still answer; its late response is discarded.
		if m.takePending(pending.id) != nil {
			metricRPCTotal.WithLabelValues(outcomeTimeout).Inc()
			metricRPCInFlight.Dec()
			return nil, protocol.NewError(protocol.KindTimeout,
				"operation %s did not complete before the deadline", op.Name())
		}
		// Completed concurrently with the deadline: drain the outcome.
		outcome := <-pending.ch
		metricRPCInFlight.Dec()
		if outcome.err != nil {
			metricRPCTotal.WithLabelValues(outcomeError).Inc()
			return nil, outcome.err
		}
		metricRPCTotal.WithLabelValues(outcomeSuccess).Inc()
		return outcome.data, nil
	}
}

// UpdatePermissions forwards an authoritative permission update to the
// agent and waits for its plan-approved ack.
func (m *Manager) UpdatePermissions(ctx context.Context, userID string, update *protocol.PermissionUpdate) error {
	session, ok := m.Lookup(userID)
	if !ok || session.State() == StateClosed {
		return protocol.NewError(protocol.KindAgentNotConnected, "no session for user %s", userID)
	}

	ack := make(chan bool, 1)
	m.mu.Lock()
	m.ackCh[userID] = ack
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.ackCh[userID] == ack {
			delete(m.ackCh, userID)
		}
		m.mu.Unlock()
	}()

	if err := session.enqueue(update); err != nil {
		return err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRPCTimeout)
		defer cancel()
	}

	select {
	case ok := <-ack:
		if !ok {
			return fmt.Errorf("agent rejected the permission update")
		}
		return nil
	case <-session.done:
		return protocol.NewError(protocol.KindAgentDisconnected,
			"session closed before the permission ack")
	case <-ctx.Done():
		return protocol.NewError(protocol.KindTimeout, "no permission ack before the deadline")
	}
}

func (m *Manager) deliverAck(userID string, success bool) {
	m.mu.RLock()
	ack := m.ackCh[userID]
	m.mu.RUnlock()
	if ack == nil {
		m.logger.Debug().Str("userId", userID).Msg("discarding unsolicited permission ack")
		return
	}
	select {
	case ack <- success:
	default:
	}
}

// AgentStatus is the REST view of a session.
type AgentStatus struct {
	UserID      string    `json:"userId"`
	SessionID   string    `json:"sessionId"`
	State       State     `json:"state"`
	ConnectedAt time.Time `json:"connectedAt"`
	Platform    string    `json:"platform"`
	Home        string    `json:"homeDirectory"`
}

// Status reports the session view for one user.
func (m *Manager) Status(userID string) (AgentStatus, bool) {
	session, ok := m.Lookup(userID)
	if !ok {
		return AgentStatus{}, false
	}
	return AgentStatus{
		UserID:      session.UserID,
		SessionID:   session.ID,
		State:       session.State(),
		ConnectedAt: session.ConnectedAt,
		Platform:    session.Platform,
		Home:        session.HomeDirectory,
	}, true
}

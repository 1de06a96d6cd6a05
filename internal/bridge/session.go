package bridge

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/op15/bridge/internal/protocol"
)

// Session lifecycle states from the cloud's perspective.
type State string

const (
	// StateDiscovered: channel upgraded, awaiting the handshake metadata.
	StateDiscovered State = "discovered"
	// StateReady: metadata received and index cached; accepts RPCs.
	StateReady State = "ready"
	// StateDegraded: heartbeat misses; no new RPCs, pendings run to deadline.
	StateDegraded State = "degraded"
	// StateClosed: channel closed; surviving pendings fail.
	StateClosed State = "closed"
)

const (
	sessionSendBuffer = 64
	sessionWriteWait  = 10 * time.Second

	degradeMissedPongs = 2
	closeMissedPongs   = 4
)

// heartbeatEvery is a var so tests can shrink the interval.
var heartbeatEvery = 30 * time.Second

// Session is one live agent channel and its handshake metadata. The send
// channel is the single serialization point for outgoing frames; a full
// channel surfaces as backpressure to callers.
type Session struct {
	ID               string
	UserID           string
	ConnectedAt      time.Time
	HomeDirectory    string
	Platform         string
	LoopbackEndpoint string
	SharedSecret     string
	Index            protocol.FSIndex

	conn    *websocket.Conn
	writeMu sync.Mutex // guards all conn writes
	sendCh  chan []byte
	logger  zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}

	mu          sync.Mutex
	state       State
	missedPongs int
}

func newSession(userID string, conn *websocket.Conn, logger zerolog.Logger) *Session {
	id := ulid.Make().String()
	return &Session{
		ID:          id,
		UserID:      userID,
		ConnectedAt: time.Now(),
		conn:        conn,
		sendCh:      make(chan []byte, sessionSendBuffer),
		logger:      logger.With().Str("session", id).Str("userId", userID).Logger(),
		done:        make(chan struct{}),
		state:       StateDiscovered,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// markPong resets the heartbeat miss counter; a degraded session that
// resumes answering recovers to ready.
func (s *Session) markPong() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missedPongs = 0
	if s.state == StateDegraded {
		s.state = StateReady
		s.logger.Info().Msg("session recovered from degraded state")
	}
}

// tickHeartbeat advances the miss counter and returns the action owed:
// whether the session should degrade, and whether it must be closed.
func (s *Session) tickHeartbeat() (degrade, expire bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missedPongs++
	if s.missedPongs >= closeMissedPongs {
		return false, true
	}
	if s.missedPongs >= degradeMissedPongs && s.state == StateReady {
		s.state = StateDegraded
		return true, false
	}
	return false, false
}

// enqueue serializes a frame onto the outgoing channel without blocking.
// A full buffer means the agent has stopped draining; callers fail fast.
func (s *Session) enqueue(f protocol.Frame) error {
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return protocol.NewError(protocol.KindAgentDisconnected, "session %s closed", s.ID)
	default:
	}
	select {
	case s.sendCh <- data:
		return nil
	default:
		return protocol.NewError(protocol.KindAgentBackpressure,
			"outgoing queue full for user %s", s.UserID)
	}
}

// writePump owns the socket writer. It exits when the session closes.
func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.sendCh:
			if err := s.write(websocket.TextMessage, data); err != nil {
				s.logger.Debug().Err(err).Msg("channel write failed")
				s.close(websocket.CloseAbnormalClosure, "write failure")
				return
			}
		}
	}
}

func (s *Session) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
	return s.conn.WriteMessage(messageType, data)
}

// close shuts the channel down once, sending the close frame best-effort.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.write(websocket.CloseMessage, msg)
		_ = s.conn.Close()
		s.logger.Info().Str("reason", reason).Msg("session closed")
	})
}

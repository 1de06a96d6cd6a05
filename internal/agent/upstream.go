package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/host"

	"github.com/op15/bridge/internal/fsindex"
	"github.com/op15/bridge/internal/protocol"
)

const (
	baseReconnectDelay = 1 * time.Second
	maxReconnectDelay  = 30 * time.Second

	heartbeatInterval = 30 * time.Second
	missedPongLimit   = 4

	wsWriteWait     = 10 * time.Second
	wsHandshakeWait = 15 * time.Second

	sendBufferSize = 64
)

// UpstreamStatus is the connectivity view reported on /status.
type UpstreamStatus struct {
	Connected   bool       `json:"connected"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Upstream maintains the long-lived channel to the cloud: dial, handshake,
// dispatch incoming requests, heartbeat, reconnect with backoff.
type Upstream struct {
	agent  *Agent
	logger zerolog.Logger

	mu          sync.RWMutex
	connected   bool
	connectedAt time.Time
	lastError   string
	lastPong    time.Time
}

func newUpstream(a *Agent) *Upstream {
	return &Upstream{
		agent:  a,
		logger: a.logger.With().Str("component", "upstream").Logger(),
	}
}

// Status returns the current connectivity snapshot.
func (u *Upstream) Status() UpstreamStatus {
	u.mu.RLock()
	defer u.mu.RUnlock()
	s := UpstreamStatus{Connected: u.connected, LastError: u.lastError}
	if !u.connectedAt.IsZero() {
		t := u.connectedAt
		s.ConnectedAt = &t
	}
	return s
}

// Run drives the reconnect loop until ctx is cancelled. Each reconnect is
// a fresh handshake with fresh metadata and a fresh filesystem index. An
// auth rejection from the cloud is fatal, not retried.
func (u *Upstream) Run(ctx context.Context) error {
	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		handshook, err := u.connectAndHandle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			u.logger.Error().Msg("cloud rejected agent credentials, giving up")
			return err
		}
		if handshook {
			consecutiveFailures = 0
		} else {
			consecutiveFailures++
		}

		u.mu.Lock()
		u.connected = false
		if err != nil {
			u.lastError = err.Error()
		}
		u.mu.Unlock()

		delay := backoffDelay(consecutiveFailures)
		u.logger.Info().
			Err(err).
			Dur("retry_in", delay).
			Msg("upstream channel closed, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoffDelay grows 1s, 2s, 4s, ... capped at 30s.
func backoffDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := baseReconnectDelay << (failures - 1)
	if delay > maxReconnectDelay || delay <= 0 {
		delay = maxReconnectDelay
	}
	return delay
}

// dialURL derives the channel URL from the configured server URL.
func (u *Upstream) dialURL() (string, error) {
	parsed, err := url.Parse(u.agent.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", parsed.Scheme)
	}
	parsed.Path = "/api/bridge"
	q := url.Values{}
	q.Set("userId", u.agent.cfg.UserID)
	q.Set("type", "agent")
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

func (u *Upstream) connectAndHandle(ctx context.Context) (handshook bool, err error) {
	target, err := u.dialURL()
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeWait}
	header := http.Header{}
	header.Set("X-Agent-Secret", u.agent.cfg.SharedSecret)

	u.logger.Debug().Str("url", target).Msg("dialing bridge")

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, ErrAuthRejected
		}
		return false, fmt.Errorf("dial bridge: %w", err)
	}
	defer conn.Close()

	if err := u.sendMetadata(conn); err != nil {
		return false, fmt.Errorf("handshake: %w", err)
	}

	// Per-connection send channel; the write pump owns the socket writer.
	sendCh := make(chan []byte, sendBufferSize)

	now := time.Now()
	u.mu.Lock()
	u.connected = true
	u.connectedAt = now
	u.lastError = ""
	u.lastPong = now
	u.mu.Unlock()

	u.logger.Info().Str("userId", u.agent.cfg.UserID).Msg("bridge channel established")

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	go u.writePump(connCtx, conn, sendCh)

	return true, u.readLoop(connCtx, conn, sendCh)
}

// sendMetadata ships the handshake frame: identity, home, platform, and a
// freshly computed shallow filesystem index.
func (u *Upstream) sendMetadata(conn *websocket.Conn) error {
	platform := runtime.GOOS
	if info, err := host.Info(); err == nil && info.OS != "" {
		platform = info.OS
	}

	metadata := &protocol.AgentMetadata{
		UserID:          u.agent.cfg.UserID,
		HomeDirectory:   u.agent.home,
		Platform:        platform,
		FilesystemIndex: fsindex.Build(u.agent.home),
	}
	data, err := protocol.EncodeFrame(metadata)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (u *Upstream) readLoop(ctx context.Context, conn *websocket.Conn, sendCh chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read channel: %w", err)
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			// A malformed frame is a protocol violation: close with the
			// policy code and reconnect with a clean slate.
			u.logger.Warn().Err(err).Msg("malformed frame from cloud, closing channel")
			msg := websocket.FormatCloseMessage(protocol.ClosePolicy, protocol.CloseReasonPolicy)
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
			return err
		}

		switch f := frame.(type) {
		case *protocol.Request:
			// Handled concurrently; the send channel serializes replies.
			go u.handleRequest(ctx, f, sendCh)

		case *protocol.Ping:
			u.queueFrame(sendCh, &protocol.Pong{Timestamp: f.Timestamp})

		case *protocol.Pong:
			u.mu.Lock()
			u.lastPong = time.Now()
			u.mu.Unlock()

		case *protocol.Connected:
			u.logger.Debug().Str("userId", f.UserID).Msg("handshake acknowledged")

		case *protocol.PermissionUpdate:
			err := u.agent.perms.Apply(f, u.agent.home)
			if err != nil {
				u.logger.Warn().Err(err).Msg("rejected permission update")
			} else {
				u.logger.Info().
					Str("mode", f.Mode).
					Int("planSteps", len(f.ApprovedPlan)).
					Msg("permissions replaced via channel")
			}
			u.queueFrame(sendCh, &protocol.PermissionAck{Success: err == nil})

		default:
			u.logger.Debug().Type("frame", frame).Msg("ignoring unexpected frame")
		}
	}
}

func (u *Upstream) handleRequest(ctx context.Context, req *protocol.Request, sendCh chan []byte) {
	result, err := u.agent.Dispatch(ctx, req.Op)

	var resp *protocol.Response
	if err != nil {
		resp = protocol.NewErrorResponse(req.ID, err)
	} else {
		resp, err = protocol.NewDataResponse(req.ID, result)
		if err != nil {
			resp = protocol.NewErrorResponse(req.ID, err)
		}
	}
	u.queueFrame(sendCh, resp)
}

// writePump owns the socket writer: it serializes frames from sendCh and
// drives the application-level heartbeat. Closing the socket on exit
// unblocks the read loop and triggers a reconnect.
func (u *Upstream) writePump(ctx context.Context, conn *websocket.Conn, sendCh <-chan []byte) {
	defer conn.Close()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data, ok := <-sendCh:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				u.logger.Debug().Err(err).Msg("channel write failed")
				return
			}

		case <-ticker.C:
			u.mu.RLock()
			silent := time.Since(u.lastPong)
			u.mu.RUnlock()
			if silent > time.Duration(missedPongLimit)*heartbeatInterval {
				u.logger.Warn().Dur("silent", silent).Msg("no pong from cloud, closing channel")
				return
			}
			data, err := protocol.EncodeFrame(&protocol.Ping{Timestamp: time.Now().UnixMilli()})
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				u.logger.Debug().Err(err).Msg("heartbeat write failed")
				return
			}
		}
	}
}

// queueFrame encodes and enqueues a frame without blocking the caller.
func (u *Upstream) queueFrame(sendCh chan<- []byte, f protocol.Frame) {
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		u.logger.Warn().Err(err).Msg("failed to encode outgoing frame")
		return
	}
	select {
	case sendCh <- data:
	default:
		u.logger.Warn().Msg("send buffer full, dropping frame")
	}
}

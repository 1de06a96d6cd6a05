package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/op15/bridge/internal/protocol"
)

// Dispatcher chooses the transport for each operation: direct HTTP to the
// agent's loopback endpoint when the caller can tunnel to it, the
// long-lived channel otherwise or when HTTP fails without a definitive
// agent-side answer.
type Dispatcher struct {
	manager *Manager
	client  *http.Client
	logger  zerolog.Logger
}

// NewDispatcher wires the dispatcher over the session registry.
func NewDispatcher(manager *Manager, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		manager: manager,
		client:  &http.Client{Timeout: 5 * time.Minute},
		logger:  logger.With().Str("component", "dispatch").Logger(),
	}
}

// IsConnected reports whether the user's agent session is live.
func (d *Dispatcher) IsConnected(userID string) bool {
	return d.manager.IsConnected(userID)
}

// Index returns the filesystem index cached at the user's last handshake.
func (d *Dispatcher) Index(userID string) (protocol.FSIndex, bool) {
	session, ok := d.manager.Lookup(userID)
	if !ok {
		return protocol.FSIndex{}, false
	}
	return session.Index, true
}

// CallOptions qualify one dispatch.
type CallOptions struct {
	// ViaBrowser marks a user-agent context: the caller runs on the same
	// host as the agent and can reach its loopback endpoint.
	ViaBrowser bool
	// Timeout bounds the RPC; zero uses the default.
	Timeout time.Duration
}

// Dispatch routes one operation to the user's agent and returns the raw
// result payload.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, op protocol.Operation, opts CallOptions) (json.RawMessage, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	session, ok := d.manager.Lookup(userID)
	if !ok {
		return nil, protocol.NewError(protocol.KindAgentNotConnected, "no session for user %s", userID)
	}

	httpAttempted := false
	if opts.ViaBrowser && session.LoopbackEndpoint != "" {
		httpAttempted = true
		data, err, definitive := d.viaHTTP(ctx, session, op)
		if err == nil {
			return data, nil
		}
		if definitive {
			// The agent answered; there is nothing to retry over the channel.
			return nil, err
		}
		d.logger.Debug().Err(err).
			Str("userId", userID).
			Str("operation", op.Name()).
			Msg("loopback transport failed, falling back to channel")
	}

	data, err := d.manager.Push(ctx, userID, op)
	if err == nil {
		return data, nil
	}
	if protocol.KindOf(err) == "" {
		err = protocol.NewError(protocol.KindAgentUnreachable, "%v", err)
	}
	if httpAttempted {
		switch protocol.KindOf(err) {
		case protocol.KindAgentDisconnected, protocol.KindAgentNotConnected, protocol.KindTimeout:
			// Both transports failed without an agent answer.
			return nil, protocol.NewError(protocol.KindAgentUnreachable,
				"agent for user %s unreachable over loopback and channel", userID)
		}
	}
	return nil, err
}

// viaHTTP performs the operation against the agent's loopback API. The
// definitive flag reports whether the agent itself produced the failure;
// transport errors are not definitive and fall back to the channel.
func (d *Dispatcher) viaHTTP(ctx context.Context, session *Session, op protocol.Operation) (json.RawMessage, error, bool) {
	req, err := d.buildRequest(ctx, session, op)
	if err != nil {
		return nil, err, true
	}
	req.Header.Set("x-agent-secret", session.SharedSecret)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loopback request: %w", err), false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read loopback response: %w", err), false
	}

	if resp.StatusCode != http.StatusOK {
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
			return nil, fmt.Errorf("loopback status %d", resp.StatusCode), false
		}
		return nil, protocol.ParseWireError(payload.Error), true
	}

	return json.RawMessage(body), nil, true
}

func (d *Dispatcher) buildRequest(ctx context.Context, session *Session, op protocol.Operation) (*http.Request, error) {
	base := session.LoopbackEndpoint

	switch o := op.(type) {
	case protocol.ListOp:
		q := url.Values{}
		q.Set("path", o.Path)
		q.Set("depth", strconv.Itoa(o.Depth))
		return http.NewRequestWithContext(ctx, http.MethodGet, base+"/fs/list?"+q.Encode(), nil)
	case protocol.ReadOp:
		q := url.Values{}
		q.Set("path", o.Path)
		if o.Encoding != "" {
			q.Set("encoding", o.Encoding)
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, base+"/fs/read?"+q.Encode(), nil)
	case protocol.WriteOp:
		return d.postJSON(ctx, base+"/fs/write", op)
	case protocol.DeleteOp:
		return d.postJSON(ctx, base+"/fs/delete", op)
	case protocol.MoveOp:
		return d.postJSON(ctx, base+"/fs/move", op)
	case protocol.ExecOp:
		return d.postJSON(ctx, base+"/execute", op)
	default:
		return nil, protocol.NewError(protocol.KindUnknownOperation, "%s", op.Name())
	}
}

func (d *Dispatcher) postJSON(ctx context.Context, target string, op protocol.Operation) (*http.Request, error) {
	body, err := json.Marshal(op.Args())
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

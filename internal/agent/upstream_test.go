package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/op15/bridge/internal/protocol"
)

func TestDialURL(t *testing.T) {
	tests := []struct {
		serverURL string
		want      string
	}{
		{"http://bridge.example.com", "ws://bridge.example.com/api/bridge?type=agent&userId=u1"},
		{"https://bridge.example.com", "wss://bridge.example.com/api/bridge?type=agent&userId=u1"},
		{"ws://bridge.example.com:8080", "ws://bridge.example.com:8080/api/bridge?type=agent&userId=u1"},
		{"wss://bridge.example.com", "wss://bridge.example.com/api/bridge?type=agent&userId=u1"},
	}
	for _, tt := range tests {
		a := newTestAgent(t)
		a.cfg.ServerURL = tt.serverURL
		got, err := a.upstream.dialURL()
		if err != nil {
			t.Fatalf("dialURL(%q) error = %v", tt.serverURL, err)
		}
		if got != tt.want {
			t.Fatalf("dialURL(%q) = %q, want %q", tt.serverURL, got, tt.want)
		}
	}

	a := newTestAgent(t)
	a.cfg.ServerURL = "ftp://bridge.example.com"
	if _, err := a.upstream.dialURL(); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.failures); got != tt.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

// bridgeHarness upgrades one websocket and exposes decoded frames.
type bridgeHarness struct {
	srv    *httptest.Server
	frames chan protocol.Frame
	conn   chan *websocket.Conn
}

func newBridgeHarness(t *testing.T) *bridgeHarness {
	t.Helper()
	h := &bridgeHarness{
		frames: make(chan protocol.Frame, 16),
		conn:   make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/bridge" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("userId") == "" || r.URL.Query().Get("type") != "agent" {
			http.Error(w, "missing parameters", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.conn <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := protocol.DecodeFrame(data)
			if err != nil {
				continue
			}
			h.frames <- frame
		}
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *bridgeHarness) nextFrame(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case f := <-h.frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame from agent")
		return nil
	}
}

func (h *bridgeHarness) send(t *testing.T, f protocol.Frame) {
	t.Helper()
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case conn := <-h.conn:
		h.conn <- conn
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no agent connection")
	}
}

func TestUpstream_HandshakeDispatchAndControl(t *testing.T) {
	h := newBridgeHarness(t)
	a := newTestAgent(t)
	a.cfg.ServerURL = h.srv.URL

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = a.upstream.connectAndHandle(ctx)
	}()

	// First frame is the handshake metadata with a fresh index.
	md, ok := h.nextFrame(t).(*protocol.AgentMetadata)
	if !ok || md.UserID != "u1" || md.HomeDirectory != a.home {
		t.Fatalf("metadata = %#v", md)
	}
	if len(md.FilesystemIndex.MainDirectories) == 0 || md.FilesystemIndex.MainDirectories[0].Name != "Home" {
		t.Fatalf("index = %#v", md.FilesystemIndex)
	}

	// A read request dispatches through permissions and the executor.
	h.send(t, &protocol.Request{ID: "r1", Op: protocol.ListOp{Path: a.home}})
	resp, ok := h.nextFrame(t).(*protocol.Response)
	if !ok || resp.ID != "r1" || resp.Err != "" {
		t.Fatalf("response = %#v", resp)
	}
	var listed protocol.ListResult
	if err := json.Unmarshal(resp.Data, &listed); err != nil {
		t.Fatalf("decode data: %v", err)
	}

	// Safe mode denies a write; the error travels in the response.
	h.send(t, &protocol.Request{ID: "r2", Op: protocol.WriteOp{Path: a.home + "/x", Content: "y", CreateDirs: true, Encoding: "utf8"}})
	resp, ok = h.nextFrame(t).(*protocol.Response)
	if !ok || resp.ID != "r2" {
		t.Fatalf("response = %#v", resp)
	}
	if !strings.Contains(resp.Err, protocol.KindPermissionDenied) {
		t.Fatalf("error = %q", resp.Err)
	}

	// Heartbeat: ping is answered with pong.
	h.send(t, &protocol.Ping{Timestamp: 12345})
	pong, ok := h.nextFrame(t).(*protocol.Pong)
	if !ok || pong.Timestamp != 12345 {
		t.Fatalf("pong = %#v", pong)
	}

	// Permission update over the channel is acked.
	h.send(t, &protocol.PermissionUpdate{
		Mode:              protocol.ModeUnrestricted,
		AllowedOperations: []string{protocol.CapRead, protocol.CapWrite},
	})
	ack, ok := h.nextFrame(t).(*protocol.PermissionAck)
	if !ok || !ack.Success {
		t.Fatalf("ack = %#v", ack)
	}
	if got := a.perms.Snapshot(); got.Mode != protocol.ModeUnrestricted {
		t.Fatalf("mode = %q after update", got.Mode)
	}

	if !a.upstream.Status().Connected {
		t.Fatal("status should report connected")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connectAndHandle did not return after cancel")
	}
}

func TestUpstream_MalformedFrameClosesChannel(t *testing.T) {
	h := newBridgeHarness(t)
	a := newTestAgent(t)
	a.cfg.ServerURL = h.srv.URL

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := a.upstream.connectAndHandle(ctx)
		errCh <- err
	}()

	h.nextFrame(t) // metadata

	select {
	case conn := <-h.conn:
		h.conn <- conn
		if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no agent connection")
	}

	select {
	case err := <-errCh:
		if !protocol.IsKind(err, protocol.KindMalformedFrame) {
			t.Fatalf("error = %v, want malformed-frame", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not close on malformed frame")
	}
}

func TestUpstream_AuthRejectionIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown agent", http.StatusForbidden)
	}))
	defer srv.Close()

	a := newTestAgent(t)
	a.cfg.ServerURL = srv.URL

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := a.upstream.Run(ctx)
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Run() = %v, want ErrAuthRejected", err)
	}
}

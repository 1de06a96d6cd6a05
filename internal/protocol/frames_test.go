package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeFrame_RequestDefaults(t *testing.T) {
	tests := []struct {
		name string
		json string
		want Operation
	}{
		{
			name: "list with default depth",
			json: `{"id":"r1","operation":"fs.list","path":"/tmp"}`,
			want: ListOp{Path: "/tmp", Depth: 0},
		},
		{
			name: "list with explicit depth",
			json: `{"id":"r1","operation":"fs.list","path":"/tmp","depth":2}`,
			want: ListOp{Path: "/tmp", Depth: 2},
		},
		{
			name: "read defaults to utf8",
			json: `{"id":"r2","operation":"fs.read","path":"/tmp/a"}`,
			want: ReadOp{Path: "/tmp/a", Encoding: "utf8"},
		},
		{
			name: "write defaults createDirs true",
			json: `{"id":"r3","operation":"fs.write","path":"/tmp/a","content":"x"}`,
			want: WriteOp{Path: "/tmp/a", Content: "x", CreateDirs: true, Encoding: "utf8"},
		},
		{
			name: "write empty content is valid",
			json: `{"id":"r3","operation":"fs.write","path":"/tmp/a","content":"","createDirs":false}`,
			want: WriteOp{Path: "/tmp/a", Content: "", CreateDirs: false, Encoding: "utf8"},
		},
		{
			name: "delete non-recursive",
			json: `{"id":"r4","operation":"fs.delete","path":"/tmp/a"}`,
			want: DeleteOp{Path: "/tmp/a"},
		},
		{
			name: "move",
			json: `{"id":"r5","operation":"fs.move","source":"/a","destination":"/b","createDestDirs":true}`,
			want: MoveOp{Source: "/a", Destination: "/b", CreateDestDirs: true},
		},
		{
			name: "exec defaults timeout",
			json: `{"id":"r6","operation":"exec.run","command":"git status"}`,
			want: ExecOp{Command: "git status", TimeoutMs: 60000},
		},
		{
			name: "exec with cwd and timeout",
			json: `{"id":"r6","operation":"exec.run","command":"ls","cwd":"/tmp","timeoutMs":100}`,
			want: ExecOp{Command: "ls", Cwd: "/tmp", TimeoutMs: 100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := DecodeFrame([]byte(tt.json))
			if err != nil {
				t.Fatalf("DecodeFrame() error = %v", err)
			}
			req, ok := frame.(*Request)
			if !ok {
				t.Fatalf("frame type = %T, want *Request", frame)
			}
			if req.Op != tt.want {
				t.Fatalf("op = %#v, want %#v", req.Op, tt.want)
			}
		})
	}
}

func TestDecodeFrame_MalformedRequests(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"invalid json", `{"id":`},
		{"missing id", `{"operation":"fs.list","path":"/tmp"}`},
		{"list missing path", `{"id":"r1","operation":"fs.list"}`},
		{"write missing content", `{"id":"r1","operation":"fs.write","path":"/tmp/a"}`},
		{"move missing destination", `{"id":"r1","operation":"fs.move","source":"/a"}`},
		{"exec missing command", `{"id":"r1","operation":"exec.run"}`},
		{"empty object", `{}`},
		{"unknown control type", `{"type":"nonsense"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(tt.json))
			if !IsKind(err, KindMalformedFrame) {
				t.Fatalf("DecodeFrame() error = %v, want kind %s", err, KindMalformedFrame)
			}
		})
	}
}

func TestDecodeFrame_ReservedOperationsStayUnknown(t *testing.T) {
	for _, op := range []string{OpFSCopy, OpFSCreate, "fs.nonsense"} {
		frame, err := DecodeFrame([]byte(`{"id":"r1","operation":"` + op + `"}`))
		if err != nil {
			t.Fatalf("DecodeFrame(%s) error = %v", op, err)
		}
		req := frame.(*Request)
		unknown, ok := req.Op.(UnknownOp)
		if !ok || unknown.Name() != op {
			t.Fatalf("op = %#v, want UnknownOp %q", req.Op, op)
		}
	}
}

func TestEncodeFrame_RequestRoundTrip(t *testing.T) {
	orig := &Request{ID: "r9", Op: WriteOp{Path: "/tmp/x", Content: "y", CreateDirs: true, Encoding: "utf8"}}
	data, err := EncodeFrame(orig)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	// The envelope must be flat: op fields at the top level.
	var flat map[string]interface{}
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if flat["id"] != "r9" || flat["operation"] != "fs.write" || flat["path"] != "/tmp/x" {
		t.Fatalf("unexpected envelope: %s", data)
	}

	frame, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if got := frame.(*Request); got.ID != orig.ID || got.Op != orig.Op {
		t.Fatalf("round trip = %#v, want %#v", got, orig)
	}
}

func TestEncodeFrame_ControlRoundTrip(t *testing.T) {
	md := &AgentMetadata{
		UserID:        "u1",
		HomeDirectory: "/home/u1",
		Platform:      "linux",
	}
	data, err := EncodeFrame(md)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	if !strings.Contains(string(data), `"type":"agent-metadata"`) {
		t.Fatalf("missing type tag: %s", data)
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	got, ok := frame.(*AgentMetadata)
	if !ok || got.UserID != "u1" || got.Platform != "linux" {
		t.Fatalf("round trip = %#v", frame)
	}
}

func TestDecodeFrame_Responses(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"id":"r1","data":{"entries":[]}}`))
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	resp := frame.(*Response)
	if resp.ID != "r1" || resp.Err != "" || resp.Data == nil {
		t.Fatalf("resp = %#v", resp)
	}

	frame, err = DecodeFrame([]byte(`{"id":"r2","error":"not-found: no such file"}`))
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	resp = frame.(*Response)
	if resp.Err != "not-found: no such file" {
		t.Fatalf("resp = %#v", resp)
	}
}

func TestOperationFromArgs(t *testing.T) {
	op, err := OperationFromArgs("exec.run", map[string]interface{}{"command": "git status"})
	if err != nil {
		t.Fatalf("OperationFromArgs() error = %v", err)
	}
	exec, ok := op.(ExecOp)
	if !ok || exec.Command != "git status" || exec.TimeoutMs != DefaultExecTimeoutMs {
		t.Fatalf("op = %#v", op)
	}

	if _, err := OperationFromArgs("fs.read", map[string]interface{}{}); !IsKind(err, KindMalformedFrame) {
		t.Fatalf("error = %v, want malformed-frame", err)
	}
}

func TestKindOf(t *testing.T) {
	err := NewError(KindPermissionDenied, "capability: write not granted")
	if KindOf(err) != KindPermissionDenied {
		t.Fatalf("KindOf() = %q", KindOf(err))
	}
	if KindOf(json.Unmarshal([]byte("{"), &struct{}{})) != "" {
		t.Fatalf("expected empty kind for foreign error")
	}
}

// Package tools is the narrow typed API the orchestrator calls. Every
// operation is routed to the user's agent; nothing here touches the
// cloud host's filesystem or process table on a user's behalf.
package tools

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/op15/bridge/internal/bridge"
	"github.com/op15/bridge/internal/fsindex"
	"github.com/op15/bridge/internal/protocol"
)

// Transport is what the surface needs from the bridge layer. Satisfied
// by *bridge.Dispatcher.
type Transport interface {
	IsConnected(userID string) bool
	Index(userID string) (protocol.FSIndex, bool)
	Dispatch(ctx context.Context, userID string, op protocol.Operation, opts bridge.CallOptions) (json.RawMessage, error)
}

// Surface exposes the six tool operations.
type Surface struct {
	transport Transport
	logger    zerolog.Logger
}

// New builds the tool surface over a transport.
func New(transport Transport, logger zerolog.Logger) *Surface {
	return &Surface{
		transport: transport,
		logger:    logger.With().Str("component", "tools").Logger(),
	}
}

// notConnected carries the remediation text UIs surface verbatim.
func notConnected(userID string) error {
	return protocol.NewError(protocol.KindAgentNotConnected,
		"no agent is connected for user %s; install the agent on the user's machine and make sure it is running, then retry", userID)
}

// Call invokes an operation by wire name with loosely typed arguments.
// The REST surface uses this; the typed methods below are for in-process
// callers.
func (s *Surface) Call(ctx context.Context, userID, operation string, args map[string]interface{}, opts bridge.CallOptions) (json.RawMessage, error) {
	if !s.transport.IsConnected(userID) {
		return nil, notConnected(userID)
	}
	op, err := protocol.OperationFromArgs(operation, args)
	if err != nil {
		return nil, err
	}
	return s.transport.Dispatch(ctx, userID, s.qualify(userID, op), opts)
}

// List returns the directory entries at path, directories before files in
// case-insensitive name order.
func (s *Surface) List(ctx context.Context, userID, path string, depth int, opts bridge.CallOptions) (*protocol.ListResult, error) {
	if !s.transport.IsConnected(userID) {
		return nil, notConnected(userID)
	}
	op := protocol.ListOp{Path: s.resolvePath(userID, path), Depth: depth}
	data, err := s.transport.Dispatch(ctx, userID, op, opts)
	if err != nil {
		return nil, err
	}
	var result protocol.ListResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, protocol.NewError(protocol.KindMalformedFrame, "decode list result: %v", err)
	}
	sortEntries(result.Entries)
	return &result, nil
}

// Read returns the file content in the requested encoding.
func (s *Surface) Read(ctx context.Context, userID, path, encoding string, opts bridge.CallOptions) (*protocol.ReadResult, error) {
	if !s.transport.IsConnected(userID) {
		return nil, notConnected(userID)
	}
	if encoding == "" {
		encoding = protocol.DefaultEncoding
	}
	op := protocol.ReadOp{Path: s.resolvePath(userID, path), Encoding: encoding}
	data, err := s.transport.Dispatch(ctx, userID, op, opts)
	if err != nil {
		return nil, err
	}
	var result protocol.ReadResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, protocol.NewError(protocol.KindMalformedFrame, "decode read result: %v", err)
	}
	return &result, nil
}

// Write creates or overwrites a file on the user's machine.
func (s *Surface) Write(ctx context.Context, userID string, op protocol.WriteOp, opts bridge.CallOptions) (*protocol.WriteResult, error) {
	if !s.transport.IsConnected(userID) {
		return nil, notConnected(userID)
	}
	op.Path = s.resolvePath(userID, op.Path)
	if op.Encoding == "" {
		op.Encoding = protocol.DefaultEncoding
	}
	data, err := s.transport.Dispatch(ctx, userID, op, opts)
	if err != nil {
		return nil, err
	}
	var result protocol.WriteResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, protocol.NewError(protocol.KindMalformedFrame, "decode write result: %v", err)
	}
	return &result, nil
}

// Delete removes a file or directory.
func (s *Surface) Delete(ctx context.Context, userID string, op protocol.DeleteOp, opts bridge.CallOptions) (*protocol.DeleteResult, error) {
	if !s.transport.IsConnected(userID) {
		return nil, notConnected(userID)
	}
	op.Path = s.resolvePath(userID, op.Path)
	data, err := s.transport.Dispatch(ctx, userID, op, opts)
	if err != nil {
		return nil, err
	}
	var result protocol.DeleteResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, protocol.NewError(protocol.KindMalformedFrame, "decode delete result: %v", err)
	}
	return &result, nil
}

// Move renames source to destination.
func (s *Surface) Move(ctx context.Context, userID string, op protocol.MoveOp, opts bridge.CallOptions) (*protocol.MoveResult, error) {
	if !s.transport.IsConnected(userID) {
		return nil, notConnected(userID)
	}
	op.Source = s.resolvePath(userID, op.Source)
	op.Destination = s.resolvePath(userID, op.Destination)
	data, err := s.transport.Dispatch(ctx, userID, op, opts)
	if err != nil {
		return nil, err
	}
	var result protocol.MoveResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, protocol.NewError(protocol.KindMalformedFrame, "decode move result: %v", err)
	}
	return &result, nil
}

// Exec runs a shell command on the user's machine. The command string is
// interpreted by the host shell, so pipes and redirection work.
func (s *Surface) Exec(ctx context.Context, userID string, op protocol.ExecOp, opts bridge.CallOptions) (*protocol.ExecResult, error) {
	if !s.transport.IsConnected(userID) {
		return nil, notConnected(userID)
	}
	if op.Cwd != "" {
		op.Cwd = s.resolvePath(userID, op.Cwd)
	}
	if op.TimeoutMs <= 0 {
		op.TimeoutMs = protocol.DefaultExecTimeoutMs
	}
	data, err := s.transport.Dispatch(ctx, userID, op, opts)
	if err != nil {
		return nil, err
	}
	var result protocol.ExecResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, protocol.NewError(protocol.KindMalformedFrame, "decode exec result: %v", err)
	}
	return &result, nil
}

// qualify rewrites user-relative path arguments on a decoded operation.
func (s *Surface) qualify(userID string, op protocol.Operation) protocol.Operation {
	switch o := op.(type) {
	case protocol.ListOp:
		o.Path = s.resolvePath(userID, o.Path)
		return o
	case protocol.ReadOp:
		o.Path = s.resolvePath(userID, o.Path)
		return o
	case protocol.WriteOp:
		o.Path = s.resolvePath(userID, o.Path)
		return o
	case protocol.DeleteOp:
		o.Path = s.resolvePath(userID, o.Path)
		return o
	case protocol.MoveOp:
		o.Source = s.resolvePath(userID, o.Source)
		o.Destination = s.resolvePath(userID, o.Destination)
		return o
	case protocol.ExecOp:
		if o.Cwd != "" {
			o.Cwd = s.resolvePath(userID, o.Cwd)
		}
		return o
	default:
		return op
	}
}

// resolvePath maps user-relative names like "Desktop" or "Desktop/notes"
// through the session's filesystem index. Absolute paths and names the
// index does not know pass through; the agent resolves those against
// home.
func (s *Surface) resolvePath(userID, path string) string {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") || hasDrivePrefix(path) {
		return path
	}
	idx, ok := s.transport.Index(userID)
	if !ok {
		return path
	}
	first, rest, cut := strings.Cut(path, "/")
	resolved, ok := fsindex.Resolve(idx, first)
	if !ok {
		return path
	}
	if !cut {
		return resolved
	}
	return resolved + "/" + rest
}

// hasDrivePrefix spots Windows absolute paths like C:\Users.
func hasDrivePrefix(path string) bool {
	return len(path) >= 3 && path[1] == ':' && (path[2] == '\\' || path[2] == '/')
}

// sortEntries orders directories before files, case-insensitive by name.
func sortEntries(entries []protocol.DirEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind == "directory"
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
}

// Package executor performs the real filesystem and process work on the
// user's machine. Every failure maps to a stable error kind; executor
// errors are returned to the caller, never allowed to crash the daemon.
package executor

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/op15/bridge/internal/protocol"
	"github.com/rs/zerolog"
)

// DefaultMaxReadBytes caps fs.read payloads (8 MiB).
const DefaultMaxReadBytes = 8 << 20

// Config controls an Executor.
type Config struct {
	Home          string
	WorkspaceRoot string // optional; used as the default exec cwd
	MaxReadBytes  int64
	Logger        zerolog.Logger
}

// Executor runs operations against the host filesystem and shell.
type Executor struct {
	home          string
	workspaceRoot string
	maxReadBytes  int64
	logger        zerolog.Logger
}

// New constructs an Executor rooted at the user's home directory.
func New(cfg Config) *Executor {
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = DefaultMaxReadBytes
	}
	return &Executor{
		home:          cfg.Home,
		workspaceRoot: cfg.WorkspaceRoot,
		maxReadBytes:  cfg.MaxReadBytes,
		logger:        cfg.Logger.With().Str("component", "executor").Logger(),
	}
}

// Execute dispatches one typed operation and returns its result payload.
func (e *Executor) Execute(ctx context.Context, op protocol.Operation) (interface{}, error) {
	switch o := op.(type) {
	case protocol.ListOp:
		return e.List(ctx, o)
	case protocol.ReadOp:
		return e.Read(o)
	case protocol.WriteOp:
		return e.Write(o)
	case protocol.DeleteOp:
		return e.Delete(o)
	case protocol.MoveOp:
		return e.Move(o)
	case protocol.ExecOp:
		return e.Run(ctx, o)
	default:
		return nil, protocol.NewError(protocol.KindUnknownOperation, "%s", op.Name())
	}
}

// resolve makes a path absolute against home.
func (e *Executor) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.home, path)
}

// List returns the entries under op.Path, descending op.Depth extra
// levels (0 = immediate children only). Children the process cannot stat
// are skipped; only a bad root argument fails the listing.
func (e *Executor) List(ctx context.Context, op protocol.ListOp) (*protocol.ListResult, error) {
	root := e.resolve(op.Path)

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, protocol.NewError(protocol.KindNotFound, "%s", op.Path)
		}
		if os.IsPermission(err) {
			return nil, protocol.NewError(protocol.KindPermissionDenied, "%s", op.Path)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, protocol.NewError(protocol.KindNotADirectory, "%s", op.Path)
	}

	result := &protocol.ListResult{Entries: []protocol.DirEntry{}}
	e.listInto(ctx, root, op.Depth, result)
	return result, nil
}

func (e *Executor) listInto(ctx context.Context, dir string, depth int, result *protocol.ListResult) {
	if ctx.Err() != nil {
		return
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		// Unreadable subdirectory below the root: skip silently.
		return
	}

	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			// Stat raced with a delete or hit EACCES; never abort the
			// listing for a single unreadable child.
			continue
		}

		kind := "file"
		if info.IsDir() {
			kind = "directory"
		}
		row := protocol.DirEntry{
			Name: entry.Name(),
			Path: full,
			Kind: kind,
		}
		if !info.IsDir() {
			row.Size = info.Size()
		}
		mtime := info.ModTime()
		row.ModTime = &mtime
		result.Entries = append(result.Entries, row)

		if info.IsDir() && depth > 0 {
			e.listInto(ctx, full, depth-1, result)
		}
	}
}

// Read returns the file content in the requested encoding (utf8 default,
// base64 for binary-safe transfer).
func (e *Executor) Read(op protocol.ReadOp) (*protocol.ReadResult, error) {
	path := e.resolve(op.Path)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, protocol.NewError(protocol.KindNotFound, "%s", op.Path)
		}
		if os.IsPermission(err) {
			return nil, protocol.NewError(protocol.KindPermissionDenied, "%s", op.Path)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, protocol.NewError(protocol.KindIsADirectory, "%s", op.Path)
	}
	if info.Size() > e.maxReadBytes {
		return nil, protocol.NewError(protocol.KindTooLarge,
			"%s is %d bytes, limit %d", op.Path, info.Size(), e.maxReadBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, protocol.NewError(protocol.KindPermissionDenied, "%s", op.Path)
		}
		return nil, err
	}

	switch op.Encoding {
	case "", "utf8", "utf-8":
		if !utf8.Valid(data) {
			// Not decodable as text; hand back base64 rather than mangling.
			return &protocol.ReadResult{
				Content:  base64.StdEncoding.EncodeToString(data),
				Encoding: "base64",
			}, nil
		}
		return &protocol.ReadResult{Content: string(data), Encoding: "utf8"}, nil
	case "base64":
		return &protocol.ReadResult{
			Content:  base64.StdEncoding.EncodeToString(data),
			Encoding: "base64",
		}, nil
	default:
		return nil, protocol.NewError(protocol.KindMalformedFrame, "unsupported encoding %q", op.Encoding)
	}
}

// Write overwrites (or creates) the file, creating parent directories iff
// op.CreateDirs.
func (e *Executor) Write(op protocol.WriteOp) (*protocol.WriteResult, error) {
	path := e.resolve(op.Path)

	var data []byte
	switch op.Encoding {
	case "", "utf8", "utf-8":
		data = []byte(op.Content)
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(op.Content)
		if err != nil {
			return nil, protocol.NewError(protocol.KindMalformedFrame, "invalid base64 content: %v", err)
		}
		data = decoded
	default:
		return nil, protocol.NewError(protocol.KindMalformedFrame, "unsupported encoding %q", op.Encoding)
	}

	if op.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			if os.IsPermission(err) {
				return nil, protocol.NewError(protocol.KindPermissionDenied, "%s", op.Path)
			}
			return nil, err
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		if os.IsPermission(err) {
			return nil, protocol.NewError(protocol.KindPermissionDenied, "%s", op.Path)
		}
		if os.IsNotExist(err) {
			return nil, protocol.NewError(protocol.KindNotFound, "parent of %s does not exist", op.Path)
		}
		return nil, err
	}
	return &protocol.WriteResult{Success: true}, nil
}

// Delete removes a file, or a directory iff op.Recursive. A non-empty
// directory without recursive fails with not-empty.
func (e *Executor) Delete(op protocol.DeleteOp) (*protocol.DeleteResult, error) {
	path := e.resolve(op.Path)

	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, protocol.NewError(protocol.KindNotFound, "%s", op.Path)
		}
		if os.IsPermission(err) {
			return nil, protocol.NewError(protocol.KindPermissionDenied, "%s", op.Path)
		}
		return nil, err
	}

	if info.IsDir() {
		if !op.Recursive {
			entries, err := os.ReadDir(path)
			if err == nil && len(entries) > 0 {
				return nil, protocol.NewError(protocol.KindNotEmpty, "%s", op.Path)
			}
			if err := os.Remove(path); err != nil {
				if os.IsPermission(err) {
					return nil, protocol.NewError(protocol.KindPermissionDenied, "%s", op.Path)
				}
				return nil, err
			}
			return &protocol.DeleteResult{Success: true}, nil
		}
		if err := os.RemoveAll(path); err != nil {
			if os.IsPermission(err) {
				return nil, protocol.NewError(protocol.KindPermissionDenied, "%s", op.Path)
			}
			return nil, err
		}
		return &protocol.DeleteResult{Success: true}, nil
	}

	if err := os.Remove(path); err != nil {
		if os.IsPermission(err) {
			return nil, protocol.NewError(protocol.KindPermissionDenied, "%s", op.Path)
		}
		return nil, err
	}
	return &protocol.DeleteResult{Success: true}, nil
}

// Move renames source to destination, creating the destination parent iff
// op.CreateDestDirs. Within one filesystem the rename is atomic; across
// devices a regular file falls back to copy+delete, anything else fails
// with cross-device.
func (e *Executor) Move(op protocol.MoveOp) (*protocol.MoveResult, error) {
	source := e.resolve(op.Source)
	dest := e.resolve(op.Destination)

	info, err := os.Lstat(source)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, protocol.NewError(protocol.KindNotFound, "%s", op.Source)
		}
		if os.IsPermission(err) {
			return nil, protocol.NewError(protocol.KindPermissionDenied, "%s", op.Source)
		}
		return nil, err
	}

	if op.CreateDestDirs {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			if os.IsPermission(err) {
				return nil, protocol.NewError(protocol.KindPermissionDenied, "%s", op.Destination)
			}
			return nil, err
		}
	}

	err = os.Rename(source, dest)
	if err == nil {
		return &protocol.MoveResult{Success: true}, nil
	}
	if os.IsPermission(err) {
		return nil, protocol.NewError(protocol.KindPermissionDenied, "%s", op.Destination)
	}
	if os.IsNotExist(err) {
		return nil, protocol.NewError(protocol.KindNotFound, "parent of %s does not exist", op.Destination)
	}

	if isCrossDevice(err) {
		if !info.Mode().IsRegular() {
			return nil, protocol.NewError(protocol.KindCrossDevice,
				"%s and %s are on different filesystems", op.Source, op.Destination)
		}
		if err := copyThenDelete(source, dest, info.Mode()); err != nil {
			return nil, protocol.NewError(protocol.KindCrossDevice, "%v", err)
		}
		return &protocol.MoveResult{Success: true}, nil
	}

	return nil, err
}

func copyThenDelete(source, dest string, mode os.FileMode) error {
	data, err := os.ReadFile(source)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, mode.Perm()); err != nil {
		return err
	}
	return os.Remove(source)
}

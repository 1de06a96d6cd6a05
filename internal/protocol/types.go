package protocol

import "time"

// Permission modes carried in plan-approve messages.
const (
	ModeSafe         = "safe"
	ModeBalanced     = "balanced"
	ModeUnrestricted = "unrestricted"
)

// Capability names carried in allowedOperations.
const (
	CapRead   = "read"
	CapWrite  = "write"
	CapDelete = "delete"
	CapExec   = "exec"
)

// PlanStep is one pre-approved operation in an ordered plan.
// Identity is the ID; Args is matched as a subset of the request args.
type PlanStep struct {
	ID        string                 `json:"id"`
	Operation string                 `json:"operation"`
	Args      map[string]interface{} `json:"args"`
}

// IndexedDirectory is a named conventional user directory (Desktop,
// Documents, ...) recorded in the handshake index.
type IndexedDirectory struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// FSIndex is the shallow home-layout snapshot taken at session start.
// Immutable after creation; a new index arrives only with a new session.
type FSIndex struct {
	MainDirectories []IndexedDirectory `json:"mainDirectories"`
	IndexedPaths    []string           `json:"indexedPaths"`
	IndexedAt       time.Time          `json:"indexedAt"`
}

// DirEntry is one result row of fs.list.
type DirEntry struct {
	Name    string     `json:"name"`
	Path    string     `json:"path"`
	Kind    string     `json:"kind"` // "file" or "directory"
	Size    int64      `json:"size,omitempty"`
	ModTime *time.Time `json:"mtime,omitempty"`
}

// Operation result payloads. These marshal into Response.Data.

type ListResult struct {
	Entries []DirEntry `json:"entries"`
}

type ReadResult struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

type WriteResult struct {
	Success bool `json:"success"`
}

type DeleteResult struct {
	Success bool `json:"success"`
}

type MoveResult struct {
	Success bool `json:"success"`
}

type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

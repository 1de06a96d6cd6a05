package protocol

import (
	"encoding/json"
)

// Wire operation names.
const (
	OpFSList  = "fs.list"
	OpFSRead  = "fs.read"
	OpFSWrite = "fs.write"
	OpFSDelete = "fs.delete"
	OpFSMove  = "fs.move"
	OpExecRun = "exec.run"

	// Reserved slots: the wire accepts them but no executor implements
	// them yet. Requests fail with unknown-operation.
	OpFSCopy   = "fs.copy"
	OpFSCreate = "fs.create"
)

// DefaultExecTimeoutMs applies when exec.run carries no timeoutMs.
const DefaultExecTimeoutMs = 60_000

// DefaultEncoding applies when fs.read / fs.write carry no encoding.
const DefaultEncoding = "utf8"

// Operation is the decoded, typed form of a wire request body. The wire
// itself is stringly typed; requests are lifted into this sum at the edge
// so dispatch stays exhaustive.
type Operation interface {
	Name() string
	// Args returns the operation fields under their wire names, defaults
	// applied. Used for plan-step subset matching and transport re-encoding.
	Args() map[string]interface{}
}

type ListOp struct {
	Path  string
	Depth int
}

func (o ListOp) Name() string { return OpFSList }

func (o ListOp) Args() map[string]interface{} {
	return map[string]interface{}{"path": o.Path, "depth": o.Depth}
}

type ReadOp struct {
	Path     string
	Encoding string
}

func (o ReadOp) Name() string { return OpFSRead }

func (o ReadOp) Args() map[string]interface{} {
	return map[string]interface{}{"path": o.Path, "encoding": o.Encoding}
}

type WriteOp struct {
	Path       string
	Content    string
	CreateDirs bool
	Encoding   string
}

func (o WriteOp) Name() string { return OpFSWrite }

func (o WriteOp) Args() map[string]interface{} {
	return map[string]interface{}{
		"path":       o.Path,
		"content":    o.Content,
		"createDirs": o.CreateDirs,
		"encoding":   o.Encoding,
	}
}

type DeleteOp struct {
	Path      string
	Recursive bool
}

func (o DeleteOp) Name() string { return OpFSDelete }

func (o DeleteOp) Args() map[string]interface{} {
	return map[string]interface{}{"path": o.Path, "recursive": o.Recursive}
}

type MoveOp struct {
	Source         string
	Destination    string
	CreateDestDirs bool
}

func (o MoveOp) Name() string { return OpFSMove }

func (o MoveOp) Args() map[string]interface{} {
	return map[string]interface{}{
		"source":         o.Source,
		"destination":    o.Destination,
		"createDestDirs": o.CreateDestDirs,
	}
}

type ExecOp struct {
	Command   string
	Cwd       string
	TimeoutMs int
}

func (o ExecOp) Name() string { return OpExecRun }

func (o ExecOp) Args() map[string]interface{} {
	args := map[string]interface{}{"command": o.Command, "timeoutMs": o.TimeoutMs}
	if o.Cwd != "" {
		args["cwd"] = o.Cwd
	}
	return args
}

// UnknownOp preserves an operation name the codec does not implement,
// including the reserved fs.copy / fs.create slots. The daemon answers
// these with unknown-operation rather than tearing down the channel.
type UnknownOp struct {
	Op string
}

func (o UnknownOp) Name() string { return o.Op }

func (o UnknownOp) Args() map[string]interface{} { return map[string]interface{}{} }

// rawRequest is the superset of all op-specific wire fields. Pointer
// fields distinguish "absent" from zero values so required-field checks
// and defaulting stay precise.
type rawRequest struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`

	Path           *string `json:"path,omitempty"`
	Depth          *int    `json:"depth,omitempty"`
	Encoding       *string `json:"encoding,omitempty"`
	Content        *string `json:"content,omitempty"`
	CreateDirs     *bool   `json:"createDirs,omitempty"`
	Recursive      *bool   `json:"recursive,omitempty"`
	Source         *string `json:"source,omitempty"`
	Destination    *string `json:"destination,omitempty"`
	CreateDestDirs *bool   `json:"createDestDirs,omitempty"`
	Command        *string `json:"command,omitempty"`
	Cwd            *string `json:"cwd,omitempty"`
	TimeoutMs      *int    `json:"timeoutMs,omitempty"`
}

func decodeOperation(raw rawRequest) (Operation, error) {
	switch raw.Operation {
	case OpFSList:
		if raw.Path == nil {
			return nil, NewError(KindMalformedFrame, "%s requires path", OpFSList)
		}
		op := ListOp{Path: *raw.Path}
		if raw.Depth != nil {
			op.Depth = *raw.Depth
		}
		return op, nil

	case OpFSRead:
		if raw.Path == nil {
			return nil, NewError(KindMalformedFrame, "%s requires path", OpFSRead)
		}
		op := ReadOp{Path: *raw.Path, Encoding: DefaultEncoding}
		if raw.Encoding != nil {
			op.Encoding = *raw.Encoding
		}
		return op, nil

	case OpFSWrite:
		if raw.Path == nil || raw.Content == nil {
			return nil, NewError(KindMalformedFrame, "%s requires path and content", OpFSWrite)
		}
		op := WriteOp{Path: *raw.Path, Content: *raw.Content, CreateDirs: true, Encoding: DefaultEncoding}
		if raw.CreateDirs != nil {
			op.CreateDirs = *raw.CreateDirs
		}
		if raw.Encoding != nil {
			op.Encoding = *raw.Encoding
		}
		return op, nil

	case OpFSDelete:
		if raw.Path == nil {
			return nil, NewError(KindMalformedFrame, "%s requires path", OpFSDelete)
		}
		op := DeleteOp{Path: *raw.Path}
		if raw.Recursive != nil {
			op.Recursive = *raw.Recursive
		}
		return op, nil

	case OpFSMove:
		if raw.Source == nil || raw.Destination == nil {
			return nil, NewError(KindMalformedFrame, "%s requires source and destination", OpFSMove)
		}
		op := MoveOp{Source: *raw.Source, Destination: *raw.Destination}
		if raw.CreateDestDirs != nil {
			op.CreateDestDirs = *raw.CreateDestDirs
		}
		return op, nil

	case OpExecRun:
		if raw.Command == nil {
			return nil, NewError(KindMalformedFrame, "%s requires command", OpExecRun)
		}
		op := ExecOp{Command: *raw.Command, TimeoutMs: DefaultExecTimeoutMs}
		if raw.Cwd != nil {
			op.Cwd = *raw.Cwd
		}
		if raw.TimeoutMs != nil && *raw.TimeoutMs > 0 {
			op.TimeoutMs = *raw.TimeoutMs
		}
		return op, nil

	default:
		return UnknownOp{Op: raw.Operation}, nil
	}
}

// encodeOperation flattens an operation into the given wire object.
func encodeOperation(dst map[string]interface{}, op Operation) {
	dst["operation"] = op.Name()
	for k, v := range op.Args() {
		dst[k] = v
	}
}

// OperationFromArgs rebuilds a typed operation from a name and a wire-style
// args map. The cloud side uses this to accept orchestrator calls that
// arrive as loosely typed JSON.
func OperationFromArgs(name string, args map[string]interface{}) (Operation, error) {
	obj := make(map[string]interface{}, len(args)+2)
	for k, v := range args {
		obj[k] = v
	}
	obj["id"] = "synthetic"
	obj["operation"] = name
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, NewError(KindMalformedFrame, "encode args: %v", err)
	}
	var raw rawRequest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, NewError(KindMalformedFrame, "decode args: %v", err)
	}
	return decodeOperation(raw)
}

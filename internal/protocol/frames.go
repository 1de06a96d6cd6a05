// Package protocol implements the wire codec for the bridge channel:
// length-framed JSON text payloads in two envelope shapes (request and
// response) plus a small family of uncorrelated control messages.
package protocol

import (
	"encoding/json"

	"github.com/gorilla/websocket"
)

// Control message type tags.
const (
	TypeAgentMetadata = "agent-metadata"
	TypeConnected     = "connected"
	TypePing          = "ping"
	TypePong          = "pong"
	TypePlanApprove   = "plan-approve"
	TypePlanApproved  = "plan-approved"
)

// Channel close codes. Malformed frames and refused upgrades close with
// ClosePolicy; a session replaced by a newer handshake closes with
// CloseSuperseded and the reason text "superseded".
const (
	ClosePolicy     = websocket.ClosePolicyViolation
	CloseSuperseded = websocket.CloseNormalClosure

	CloseReasonSuperseded = "superseded"
	CloseReasonPolicy     = "policy"
)

// Frame is any decodable channel message.
type Frame interface {
	frame()
}

// Request is a correlated cloud-to-agent operation envelope.
type Request struct {
	ID string
	Op Operation
}

func (*Request) frame() {}

func (r *Request) MarshalJSON() ([]byte, error) {
	obj := map[string]interface{}{"id": r.ID}
	encodeOperation(obj, r.Op)
	return json.Marshal(obj)
}

// Response is the correlated agent-to-cloud reply. Exactly one of Data
// and Err is set.
type Response struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
	Err  string          `json:"error,omitempty"`
}

func (*Response) frame() {}

// NewDataResponse marshals payload into a success response.
func NewDataResponse(id string, payload interface{}) (*Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Data: data}, nil
}

// NewErrorResponse carries the error text verbatim.
func NewErrorResponse(id string, err error) *Response {
	return &Response{ID: id, Err: err.Error()}
}

// AgentMetadata is the agent's handshake message, sent once per session.
type AgentMetadata struct {
	UserID          string  `json:"userId"`
	HomeDirectory   string  `json:"homeDirectory"`
	Platform        string  `json:"platform"`
	FilesystemIndex FSIndex `json:"filesystemIndex"`
}

func (*AgentMetadata) frame() {}

// Connected acknowledges a completed handshake (cloud to agent).
type Connected struct {
	UserID string `json:"userId"`
}

func (*Connected) frame() {}

// Ping and Pong carry the heartbeat described in the session lifecycle.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

func (*Ping) frame() {}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

func (*Pong) frame() {}

// PermissionUpdate replaces the session permissions (wire type
// "plan-approve"). Authoritative when sent from the cloud.
type PermissionUpdate struct {
	Mode               string     `json:"mode"`
	AllowedDirectories []string   `json:"allowedDirectories"`
	AllowedOperations  []string   `json:"allowedOperations"`
	ApprovedPlan       []PlanStep `json:"approvedPlan,omitempty"`
}

func (*PermissionUpdate) frame() {}

// PermissionAck acknowledges a permission update (wire type "plan-approved").
type PermissionAck struct {
	Success bool `json:"success"`
}

func (*PermissionAck) frame() {}

type controlEnvelope struct {
	Type string `json:"type"`
}

// probe distinguishes the three envelope shapes before full decode.
type probe struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data"`
	Error     *string         `json:"error"`
}

// DecodeFrame parses one channel payload. Parse failures and missing
// required fields yield a malformed-frame error; the caller is expected
// to close the channel with the policy code when that happens.
func DecodeFrame(data []byte) (Frame, error) {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, NewError(KindMalformedFrame, "invalid JSON: %v", err)
	}

	if p.Type != "" {
		return decodeControl(p.Type, data)
	}

	if p.Operation != "" {
		var raw rawRequest
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, NewError(KindMalformedFrame, "invalid request: %v", err)
		}
		if raw.ID == "" {
			return nil, NewError(KindMalformedFrame, "request missing id")
		}
		op, err := decodeOperation(raw)
		if err != nil {
			return nil, err
		}
		return &Request{ID: raw.ID, Op: op}, nil
	}

	if p.ID != "" && (p.Data != nil || p.Error != nil) {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, NewError(KindMalformedFrame, "invalid response: %v", err)
		}
		return &resp, nil
	}

	return nil, NewError(KindMalformedFrame, "unrecognized envelope")
}

func decodeControl(typ string, data []byte) (Frame, error) {
	var frame Frame
	switch typ {
	case TypeAgentMetadata:
		frame = &AgentMetadata{}
	case TypeConnected:
		frame = &Connected{}
	case TypePing:
		frame = &Ping{}
	case TypePong:
		frame = &Pong{}
	case TypePlanApprove:
		frame = &PermissionUpdate{}
	case TypePlanApproved:
		frame = &PermissionAck{}
	default:
		return nil, NewError(KindMalformedFrame, "unknown control type %q", typ)
	}
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, NewError(KindMalformedFrame, "invalid %s control: %v", typ, err)
	}
	if md, ok := frame.(*AgentMetadata); ok && md.UserID == "" {
		return nil, NewError(KindMalformedFrame, "agent-metadata missing userId")
	}
	return frame, nil
}

// EncodeFrame serializes a frame for the channel. Control messages gain
// their type tag; requests and responses marshal to their envelope shape.
func EncodeFrame(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case *Request:
		return json.Marshal(v)
	case *Response:
		return json.Marshal(v)
	case *AgentMetadata:
		return encodeControl(TypeAgentMetadata, v)
	case *Connected:
		return encodeControl(TypeConnected, v)
	case *Ping:
		return encodeControl(TypePing, v)
	case *Pong:
		return encodeControl(TypePong, v)
	case *PermissionUpdate:
		return encodeControl(TypePlanApprove, v)
	case *PermissionAck:
		return encodeControl(TypePlanApproved, v)
	default:
		return nil, NewError(KindMalformedFrame, "unencodable frame %T", f)
	}
}

func encodeControl(typ string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = map[string]interface{}{}
	}
	obj["type"] = typ
	return json.Marshal(obj)
}

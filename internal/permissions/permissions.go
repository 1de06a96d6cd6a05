// Package permissions enforces session-scoped capabilities between every
// incoming request and its effect. The model is three coarse modes (safe,
// balanced, unrestricted), a capability set, directory scopes, and an
// optional pre-approved plan consumed strictly in order.
package permissions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/op15/bridge/internal/protocol"
)

// Denial reasons, surfaced in the permission-denied message text.
const (
	ReasonCapability = "capability"
	ReasonScope      = "scope"
)

// Core holds the mutable permission state of one session. Reads are
// frequent (every request), updates rare. Authorization and plan-cursor
// advancement happen under one lock so a plan is consumed in order even
// with concurrent callers; an update never retroactively affects a request
// that already passed the check.
type Core struct {
	mu      sync.Mutex
	mode    string
	allowed map[string]struct{}
	dirs    []string // canonical absolute prefixes
	plan    []protocol.PlanStep
	cursor  int
}

// NewDefault returns the permissions of a brand-new session: safe mode,
// read capability only, no directory scopes, no plan.
func NewDefault() *Core {
	return &Core{
		mode:    protocol.ModeSafe,
		allowed: map[string]struct{}{protocol.CapRead: {}},
	}
}

// Apply replaces the whole permission state from an authoritative
// plan-approve message. Directory scopes are canonicalized against base
// (the home directory) so later prefix checks compare like with like.
func (c *Core) Apply(update *protocol.PermissionUpdate, base string) error {
	switch update.Mode {
	case protocol.ModeSafe, protocol.ModeBalanced, protocol.ModeUnrestricted:
	default:
		return fmt.Errorf("unknown permission mode %q", update.Mode)
	}

	allowed := make(map[string]struct{}, len(update.AllowedOperations))
	for _, cap := range update.AllowedOperations {
		switch cap {
		case protocol.CapRead, protocol.CapWrite, protocol.CapDelete, protocol.CapExec:
			allowed[cap] = struct{}{}
		default:
			return fmt.Errorf("unknown capability %q", cap)
		}
	}

	dirs := make([]string, 0, len(update.AllowedDirectories))
	for _, d := range update.AllowedDirectories {
		dirs = append(dirs, Canonicalize(d, base))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = update.Mode
	c.allowed = allowed
	c.dirs = dirs
	c.plan = append([]protocol.PlanStep(nil), update.ApprovedPlan...)
	c.cursor = 0
	return nil
}

// Snapshot is an immutable view for status reporting.
type Snapshot struct {
	Mode               string   `json:"mode"`
	AllowedOperations  []string `json:"allowedOperations"`
	AllowedDirectories []string `json:"allowedDirectories"`
	PlanSteps          int      `json:"planSteps,omitempty"`
	PlanCursor         int      `json:"planCursor,omitempty"`
	HasPlan            bool     `json:"hasPlan"`
}

// Snapshot returns the current state without holding the lock afterwards.
func (c *Core) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	ops := make([]string, 0, len(c.allowed))
	for cap := range c.allowed {
		ops = append(ops, cap)
	}
	sort.Strings(ops)

	return Snapshot{
		Mode:               c.mode,
		AllowedOperations:  ops,
		AllowedDirectories: append([]string(nil), c.dirs...),
		PlanSteps:          len(c.plan),
		PlanCursor:         c.cursor,
		HasPlan:            c.plan != nil,
	}
}

// pathCheck pairs a path argument with the capability its access requires.
type pathCheck struct {
	path string
	cap  string
}

// Authorize applies the permission algorithm to one operation. home is the
// base for canonicalizing relative paths. A nil return means the operation
// may dispatch; the decision is final for that request even if permissions
// change before the response lands.
func (c *Core) Authorize(op protocol.Operation, home string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// An approved plan takes over entirely: the only accepted sequence is
	// the plan itself, args included. A violation does not advance the
	// cursor and does not discard the plan; a fully consumed plan rejects
	// everything until new permissions arrive.
	if c.plan != nil {
		if c.cursor >= len(c.plan) {
			return protocol.NewError(protocol.KindPlanViolation, "approved plan already consumed")
		}
		step := c.plan[c.cursor]
		if step.Operation != op.Name() {
			return protocol.NewError(protocol.KindPlanViolation,
				"expected step %q (%s), got %s", step.ID, step.Operation, op.Name())
		}
		if !argsSubset(step.Args, op.Args()) {
			return protocol.NewError(protocol.KindPlanViolation,
				"arguments do not match approved step %q", step.ID)
		}
		c.cursor++
		return nil
	}

	cap, checks := requirements(op, home)

	if _, ok := c.allowed[cap]; !ok {
		return protocol.NewError(protocol.KindPermissionDenied,
			"%s: %s capability not granted for %s", ReasonCapability, cap, op.Name())
	}

	for _, check := range checks {
		if err := c.checkScope(check, home); err != nil {
			return err
		}
	}
	return nil
}

func (c *Core) checkScope(check pathCheck, home string) error {
	switch c.mode {
	case protocol.ModeUnrestricted:
		return nil
	case protocol.ModeSafe:
		if check.cap == protocol.CapRead {
			return nil
		}
		return protocol.NewError(protocol.KindPermissionDenied,
			"%s: %s access not permitted in safe mode", ReasonScope, check.cap)
	case protocol.ModeBalanced:
		canonical := Canonicalize(check.path, home)
		for _, prefix := range c.dirs {
			if ContainsPath(prefix, canonical) {
				return nil
			}
		}
		return protocol.NewError(protocol.KindPermissionDenied,
			"%s: %s is outside the allowed directories", ReasonScope, check.path)
	default:
		return protocol.NewError(protocol.KindPermissionDenied,
			"%s: unrecognized mode %q", ReasonScope, c.mode)
	}
}

// requirements maps an operation to its capability and the path arguments
// subject to scope checks. fs.move needs read on the source and write on
// the destination; exec.run is scoped on its effective working directory.
func requirements(op protocol.Operation, home string) (string, []pathCheck) {
	switch o := op.(type) {
	case protocol.ListOp:
		return protocol.CapRead, []pathCheck{{o.Path, protocol.CapRead}}
	case protocol.ReadOp:
		return protocol.CapRead, []pathCheck{{o.Path, protocol.CapRead}}
	case protocol.WriteOp:
		return protocol.CapWrite, []pathCheck{{o.Path, protocol.CapWrite}}
	case protocol.DeleteOp:
		return protocol.CapDelete, []pathCheck{{o.Path, protocol.CapDelete}}
	case protocol.MoveOp:
		return protocol.CapWrite, []pathCheck{
			{o.Source, protocol.CapRead},
			{o.Destination, protocol.CapWrite},
		}
	case protocol.ExecOp:
		cwd := o.Cwd
		if cwd == "" {
			cwd = home
		}
		return protocol.CapExec, []pathCheck{{cwd, protocol.CapExec}}
	default:
		// Unknown operations are rejected before authorization; treat any
		// straggler as requiring an impossible capability.
		return "none", nil
	}
}

// argsSubset reports whether every key of step is present in req with a
// JSON-equal value. Extra request keys (defaults such as depth) are
// allowed; this is the documented plan-matching choice.
func argsSubset(step, req map[string]interface{}) bool {
	for k, want := range step {
		got, ok := req[k]
		if !ok {
			return false
		}
		if !jsonEqual(want, got) {
			return false
		}
	}
	return true
}

// jsonEqual compares after a marshal round trip so int/float64 and other
// decode artifacts do not cause spurious mismatches.
func jsonEqual(a, b interface{}) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

package permissions

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/op15/bridge/internal/protocol"
)

func denyReason(t *testing.T, err error, kind, reason string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s denial, got nil", kind)
	}
	if protocol.KindOf(err) != kind {
		t.Fatalf("kind = %q, want %q (err %v)", protocol.KindOf(err), kind, err)
	}
	if reason != "" && !strings.Contains(err.Error(), reason) {
		t.Fatalf("error %q does not carry reason %q", err, reason)
	}
}

func TestDefaults_ReadOnlySafeMode(t *testing.T) {
	home := t.TempDir()
	c := NewDefault()

	if err := c.Authorize(protocol.ListOp{Path: "/tmp"}, home); err != nil {
		t.Fatalf("fs.list in safe mode: %v", err)
	}
	if err := c.Authorize(protocol.ReadOp{Path: "/tmp/x", Encoding: "utf8"}, home); err != nil {
		t.Fatalf("fs.read in safe mode: %v", err)
	}

	err := c.Authorize(protocol.WriteOp{Path: "/tmp/x", Content: "y", CreateDirs: true, Encoding: "utf8"}, home)
	denyReason(t, err, protocol.KindPermissionDenied, ReasonCapability)

	err = c.Authorize(protocol.ExecOp{Command: "ls", TimeoutMs: 1000}, home)
	denyReason(t, err, protocol.KindPermissionDenied, ReasonCapability)
}

func TestSafeMode_WriteCapStillScopedOut(t *testing.T) {
	// Safe mode permits reads only, even when the capability set was
	// widened without changing the mode.
	home := t.TempDir()
	c := NewDefault()
	err := c.Apply(&protocol.PermissionUpdate{
		Mode:              protocol.ModeSafe,
		AllowedOperations: []string{protocol.CapRead, protocol.CapWrite},
	}, home)
	if err != nil {
		t.Fatal(err)
	}

	err = c.Authorize(protocol.WriteOp{Path: filepath.Join(home, "x"), Content: "y"}, home)
	denyReason(t, err, protocol.KindPermissionDenied, ReasonScope)
}

func TestBalancedMode_PrefixContainment(t *testing.T) {
	home := t.TempDir()
	projects := filepath.Join(home, "projects")
	if err := os.MkdirAll(filepath.Join(projects, "a"), 0o755); err != nil {
		t.Fatal(err)
	}

	c := NewDefault()
	if err := c.Apply(&protocol.PermissionUpdate{
		Mode:               protocol.ModeBalanced,
		AllowedDirectories: []string{projects},
		AllowedOperations:  []string{protocol.CapRead, protocol.CapWrite},
	}, home); err != nil {
		t.Fatal(err)
	}

	if err := c.Authorize(protocol.WriteOp{Path: filepath.Join(projects, "a", "b.txt"), Content: "hi"}, home); err != nil {
		t.Fatalf("write inside scope: %v", err)
	}

	err := c.Authorize(protocol.WriteOp{Path: filepath.Join(home, "notes.txt"), Content: "hi"}, home)
	denyReason(t, err, protocol.KindPermissionDenied, ReasonScope)

	// Dot-dot escape must be caught by canonicalization.
	err = c.Authorize(protocol.WriteOp{Path: filepath.Join(projects, "..", "secret.txt"), Content: "hi"}, home)
	denyReason(t, err, protocol.KindPermissionDenied, ReasonScope)
}

func TestBalancedMode_SymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires privileges on windows")
	}
	home := t.TempDir()
	projects := filepath.Join(home, "projects")
	outside := filepath.Join(home, "outside")
	for _, d := range []string{projects, outside} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	// projects/link -> outside
	if err := os.Symlink(outside, filepath.Join(projects, "link")); err != nil {
		t.Fatal(err)
	}

	c := NewDefault()
	if err := c.Apply(&protocol.PermissionUpdate{
		Mode:               protocol.ModeBalanced,
		AllowedDirectories: []string{projects},
		AllowedOperations:  []string{protocol.CapRead, protocol.CapWrite},
	}, home); err != nil {
		t.Fatal(err)
	}

	err := c.Authorize(protocol.WriteOp{Path: filepath.Join(projects, "link", "x.txt"), Content: "hi"}, home)
	denyReason(t, err, protocol.KindPermissionDenied, ReasonScope)
}

func TestBalancedMode_MoveChecksBothEnds(t *testing.T) {
	home := t.TempDir()
	projects := filepath.Join(home, "projects")
	if err := os.Mkdir(projects, 0o755); err != nil {
		t.Fatal(err)
	}

	c := NewDefault()
	if err := c.Apply(&protocol.PermissionUpdate{
		Mode:               protocol.ModeBalanced,
		AllowedDirectories: []string{projects},
		AllowedOperations:  []string{protocol.CapRead, protocol.CapWrite},
	}, home); err != nil {
		t.Fatal(err)
	}

	if err := c.Authorize(protocol.MoveOp{
		Source:      filepath.Join(projects, "a.txt"),
		Destination: filepath.Join(projects, "b.txt"),
	}, home); err != nil {
		t.Fatalf("move inside scope: %v", err)
	}

	err := c.Authorize(protocol.MoveOp{
		Source:      filepath.Join(projects, "a.txt"),
		Destination: filepath.Join(home, "b.txt"),
	}, home)
	denyReason(t, err, protocol.KindPermissionDenied, ReasonScope)

	err = c.Authorize(protocol.MoveOp{
		Source:      filepath.Join(home, "a.txt"),
		Destination: filepath.Join(projects, "b.txt"),
	}, home)
	denyReason(t, err, protocol.KindPermissionDenied, ReasonScope)
}

func TestUnrestrictedMode(t *testing.T) {
	home := t.TempDir()
	c := NewDefault()
	if err := c.Apply(&protocol.PermissionUpdate{
		Mode:              protocol.ModeUnrestricted,
		AllowedOperations: []string{protocol.CapRead, protocol.CapWrite, protocol.CapDelete, protocol.CapExec},
	}, home); err != nil {
		t.Fatal(err)
	}

	ops := []protocol.Operation{
		protocol.WriteOp{Path: "/anywhere/x", Content: "y"},
		protocol.DeleteOp{Path: "/anywhere/x", Recursive: true},
		protocol.ExecOp{Command: "ls", Cwd: "/", TimeoutMs: 1000},
	}
	for _, op := range ops {
		if err := c.Authorize(op, home); err != nil {
			t.Fatalf("%s in unrestricted mode: %v", op.Name(), err)
		}
	}
}

func TestPlan_StrictOrdering(t *testing.T) {
	home := t.TempDir()
	c := NewDefault()
	if err := c.Apply(&protocol.PermissionUpdate{
		Mode:              protocol.ModeSafe,
		AllowedOperations: []string{protocol.CapRead},
		ApprovedPlan: []protocol.PlanStep{
			{ID: "a", Operation: "exec.run", Args: map[string]interface{}{"command": "git status"}},
			{ID: "b", Operation: "fs.read", Args: map[string]interface{}{"path": "/home/u/README.md"}},
		},
	}, home); err != nil {
		t.Fatal(err)
	}

	// (1) matching first step succeeds even though exec is otherwise
	// outside safe mode: the plan is the whole authority.
	if err := c.Authorize(protocol.ExecOp{Command: "git status", TimeoutMs: 60000}, home); err != nil {
		t.Fatalf("step a: %v", err)
	}

	// (2) wrong args: violation, cursor stays.
	err := c.Authorize(protocol.ReadOp{Path: "/home/u/OTHER.md", Encoding: "utf8"}, home)
	denyReason(t, err, protocol.KindPlanViolation, "")

	// (3) correct step b succeeds.
	if err := c.Authorize(protocol.ReadOp{Path: "/home/u/README.md", Encoding: "utf8"}, home); err != nil {
		t.Fatalf("step b: %v", err)
	}

	// (4) plan consumed: everything else is a violation.
	err = c.Authorize(protocol.ListOp{Path: "/"}, home)
	denyReason(t, err, protocol.KindPlanViolation, "consumed")
}

func TestPlan_WrongOperationName(t *testing.T) {
	home := t.TempDir()
	c := NewDefault()
	if err := c.Apply(&protocol.PermissionUpdate{
		Mode:              protocol.ModeSafe,
		AllowedOperations: []string{protocol.CapRead},
		ApprovedPlan: []protocol.PlanStep{
			{ID: "a", Operation: "fs.read", Args: map[string]interface{}{"path": "/x"}},
		},
	}, home); err != nil {
		t.Fatal(err)
	}

	err := c.Authorize(protocol.ListOp{Path: "/x"}, home)
	denyReason(t, err, protocol.KindPlanViolation, "")
}

func TestPlan_SubsetArgsAllowDefaults(t *testing.T) {
	home := t.TempDir()
	c := NewDefault()
	if err := c.Apply(&protocol.PermissionUpdate{
		Mode:              protocol.ModeSafe,
		AllowedOperations: []string{protocol.CapRead},
		ApprovedPlan: []protocol.PlanStep{
			{ID: "a", Operation: "fs.list", Args: map[string]interface{}{"path": "/tmp"}},
		},
	}, home); err != nil {
		t.Fatal(err)
	}

	// Request carries the defaulted depth field the step never named.
	if err := c.Authorize(protocol.ListOp{Path: "/tmp", Depth: 0}, home); err != nil {
		t.Fatalf("subset match: %v", err)
	}
}

func TestPlan_ReplacedByNewApproval(t *testing.T) {
	home := t.TempDir()
	c := NewDefault()
	if err := c.Apply(&protocol.PermissionUpdate{
		Mode:              protocol.ModeSafe,
		AllowedOperations: []string{protocol.CapRead},
		ApprovedPlan: []protocol.PlanStep{
			{ID: "a", Operation: "fs.read", Args: map[string]interface{}{"path": "/x"}},
		},
	}, home); err != nil {
		t.Fatal(err)
	}

	// Superseding approval without a plan restores capability checking.
	if err := c.Apply(&protocol.PermissionUpdate{
		Mode:              protocol.ModeSafe,
		AllowedOperations: []string{protocol.CapRead},
	}, home); err != nil {
		t.Fatal(err)
	}

	if err := c.Authorize(protocol.ListOp{Path: "/tmp"}, home); err != nil {
		t.Fatalf("after plan cleared: %v", err)
	}
}

func TestApply_RejectsUnknownModeAndCapability(t *testing.T) {
	home := t.TempDir()
	c := NewDefault()
	if err := c.Apply(&protocol.PermissionUpdate{Mode: "yolo"}, home); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
	if err := c.Apply(&protocol.PermissionUpdate{
		Mode:              protocol.ModeSafe,
		AllowedOperations: []string{"teleport"},
	}, home); err == nil {
		t.Fatalf("expected error for unknown capability")
	}
}

func TestSnapshot(t *testing.T) {
	home := t.TempDir()
	c := NewDefault()
	snap := c.Snapshot()
	if snap.Mode != protocol.ModeSafe || len(snap.AllowedOperations) != 1 || snap.HasPlan {
		t.Fatalf("default snapshot = %#v", snap)
	}

	if err := c.Apply(&protocol.PermissionUpdate{
		Mode:              protocol.ModeBalanced,
		AllowedOperations: []string{protocol.CapWrite, protocol.CapRead},
		ApprovedPlan:      []protocol.PlanStep{{ID: "a", Operation: "fs.read", Args: nil}},
	}, home); err != nil {
		t.Fatal(err)
	}
	snap = c.Snapshot()
	if !snap.HasPlan || snap.PlanSteps != 1 || snap.PlanCursor != 0 {
		t.Fatalf("snapshot = %#v", snap)
	}
	if snap.AllowedOperations[0] != protocol.CapRead {
		t.Fatalf("operations not sorted: %v", snap.AllowedOperations)
	}
}

func TestContainsPath(t *testing.T) {
	tests := []struct {
		prefix, path string
		want         bool
	}{
		{"/home/u/projects", "/home/u/projects", true},
		{"/home/u/projects", "/home/u/projects/a/b.txt", true},
		{"/home/u/projects", "/home/u/projectsx", false},
		{"/home/u/projects", "/home/u", false},
	}
	for _, tt := range tests {
		if got := ContainsPath(tt.prefix, tt.path); got != tt.want {
			t.Fatalf("ContainsPath(%q, %q) = %v, want %v", tt.prefix, tt.path, got, tt.want)
		}
	}
}

func TestCanonicalize_RelativeAgainstBase(t *testing.T) {
	base := t.TempDir()
	got := Canonicalize("sub/file.txt", base)
	if !filepath.IsAbs(got) || !strings.HasSuffix(got, filepath.Join("sub", "file.txt")) {
		t.Fatalf("Canonicalize = %q", got)
	}
}

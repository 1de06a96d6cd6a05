package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/op15/bridge/internal/protocol"
)

// TimeoutExitCode is reported when the child was killed at the deadline,
// mirroring the conventional timeout(1) exit status.
const TimeoutExitCode = 124

// killGrace bounds how long Run waits for output pipes after the kill.
// Children spawned by the shell inherit stdout/stderr; without this an
// orphan like `sleep 10` would hold the pipes open past the deadline.
const killGrace = 500 * time.Millisecond

// Run spawns op.Command through the host shell and waits for it to
// terminate. The shell interpretation (sh -c / cmd /C) is deliberate so
// users can pipe and redirect; the tool surface documents this. On
// timeout the child is killed and the partial buffers are returned with
// exit code 124 and a timeout marker on stderr.
func (e *Executor) Run(ctx context.Context, op protocol.ExecOp) (*protocol.ExecResult, error) {
	cwd, err := e.resolveCwd(op.Cwd)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(op.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(protocol.DefaultExecTimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(runCtx, "cmd", "/C", op.Command)
	} else {
		cmd = exec.CommandContext(runCtx, "sh", "-c", op.Command)
	}
	cmd.Dir = cwd
	cmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := &protocol.ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = TimeoutExitCode
		if result.Stderr != "" {
			result.Stderr += "\n"
		}
		result.Stderr += fmt.Sprintf("command timed out after %s", timeout)
		e.logger.Warn().
			Str("command", op.Command).
			Dur("timeout", timeout).
			Msg("command killed at deadline")
		return result, nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(runErr, exec.ErrWaitDelay):
			// The shell exited; a backgrounded child kept the pipes open
			// past the grace. The collected output stands.
		case errors.As(runErr, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			// The shell itself failed to start.
			return nil, fmt.Errorf("start command: %w", runErr)
		}
	}

	e.logger.Debug().
		Str("command", op.Command).
		Int("exitCode", result.ExitCode).
		Dur("elapsed", elapsed).
		Msg("command finished")

	return result, nil
}

// resolveCwd applies the working-directory precedence: explicit argument,
// then the session workspace root, then home.
func (e *Executor) resolveCwd(explicit string) (string, error) {
	if explicit != "" {
		cwd := e.resolve(explicit)
		info, err := os.Stat(cwd)
		if err != nil || !info.IsDir() {
			return "", protocol.NewError(protocol.KindInvalidCwd, "%s", explicit)
		}
		return cwd, nil
	}
	if e.workspaceRoot != "" {
		if info, err := os.Stat(e.workspaceRoot); err == nil && info.IsDir() {
			return e.workspaceRoot, nil
		}
	}
	return e.home, nil
}

// isCrossDevice reports whether a rename failed because source and
// destination live on different filesystems.
func isCrossDevice(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EXDEV
	}
	return false
}

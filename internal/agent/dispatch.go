package agent

import (
	"context"

	"github.com/op15/bridge/internal/actionlog"
	"github.com/op15/bridge/internal/protocol"
)

// Dispatch runs one operation through the permission check and the
// executor, recording the outcome in the action log. Every request —
// loopback HTTP or upstream channel — goes through here.
func (a *Agent) Dispatch(ctx context.Context, op protocol.Operation) (interface{}, error) {
	if _, unknown := op.(protocol.UnknownOp); unknown {
		return nil, protocol.NewError(protocol.KindUnknownOperation, "%s", op.Name())
	}

	if err := a.perms.Authorize(op, a.home); err != nil {
		a.record(op, actionlog.ResultDenied, err.Error())
		a.logger.Warn().
			Str("operation", op.Name()).
			Err(err).
			Msg("operation denied")
		return nil, err
	}

	result, err := a.exec.Execute(ctx, op)
	if err != nil {
		a.record(op, actionlog.ResultError, err.Error())
		return nil, err
	}

	a.record(op, actionlog.ResultSuccess, "")
	return result, nil
}

func (a *Agent) record(op protocol.Operation, result actionlog.Result, details string) {
	entry := actionlog.Entry{
		UserID:    a.cfg.UserID,
		Operation: op.Name(),
		Result:    result,
		Details:   details,
	}
	switch o := op.(type) {
	case protocol.ListOp:
		entry.Path = o.Path
	case protocol.ReadOp:
		entry.Path = o.Path
	case protocol.WriteOp:
		entry.Path = o.Path
	case protocol.DeleteOp:
		entry.Path = o.Path
	case protocol.MoveOp:
		entry.Path = o.Source
	case protocol.ExecOp:
		entry.Command = o.Command
	}
	a.actions.Append(entry)
}

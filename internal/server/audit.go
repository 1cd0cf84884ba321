package server

import (
	"context"
	"encoding/json"

	"github.com/nerrad567/devserver/internal/audit"
	"github.com/nerrad567/devserver/internal/fault"
)

// AuditRecorder stores admin commands that changed polling or device
// state. *audit.SQLiteRepository implements it.
type AuditRecorder interface {
	Create(ctx context.Context, e *audit.Entry) error
}

// record writes one audit entry. Failures are logged; they never fail the
// command itself.
func (r *Runtime) record(ctx context.Context, action, dev string, arg any, err error) {
	if r.audit == nil {
		return
	}
	e := &audit.Entry{
		Server:  r.server,
		Action:  action,
		Device:  dev,
		Outcome: audit.OutcomeOK,
	}
	if err != nil {
		reason := fault.ReasonOf(err)
		if reason == "" {
			reason = fault.Internal
		}
		e.Outcome = string(reason)
	}
	if arg != nil {
		if data, mErr := json.Marshal(arg); mErr == nil {
			e.Details = data
		}
	}
	if cErr := r.audit.Create(context.WithoutCancel(ctx), e); cErr != nil {
		r.logger.Warn("audit entry not stored", "action", action, "device", dev, "error", cErr)
	}
}

package engine

import (
	"context"

	"github.com/clawlets/clawlets/pkg/audit"
	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
)

// QueryAuditLog pages through the project's audit trail, newest first.
// Admin only: the log names users and records privileged actions.
func (e *Engine) QueryAuditLog(ctx context.Context, principal types.Principal, projectID string, cursor []byte, limit int) ([]*types.AuditEntry, []byte, error) {
	principal, err := e.resolvePrincipal(principal)
	if err != nil {
		return nil, nil, err
	}
	var (
		entries []*types.AuditEntry
		next    []byte
	)
	err = e.store.View(func(tx *storage.Tx) error {
		if _, err := e.gate.RequireProjectAdmin(tx, principal, projectID); err != nil {
			return err
		}
		entries, next, err = audit.Query(tx, projectID, cursor, limit)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return entries, next, nil
}

// RecordRepoAction appends an audit row for work that happened in the
// operator's repository rather than in the control plane. Only the
// operator-recordable actions pass; everything else is emitted by the
// engine itself and cannot be forged through this entrypoint.
func (e *Engine) RecordRepoAction(ctx context.Context, principal types.Principal, projectID, action string, target *types.AuditTarget, data map[string]interface{}) error {
	principal, err := e.resolvePrincipal(principal)
	if err != nil {
		return err
	}
	if !audit.RecordableByOperator(action) {
		return errdefs.Forbidden("action %q cannot be recorded by operators", action)
	}
	return e.store.Update(func(tx *storage.Tx) error {
		access, err := e.gate.RequireProjectAdmin(tx, principal, projectID)
		if err != nil {
			return err
		}
		if err := e.allow(ctx, "audit.record", access.Principal.UserID); err != nil {
			return err
		}
		return audit.Append(tx, e.now(), access.Principal.UserID, projectID, action, target, data)
	})
}

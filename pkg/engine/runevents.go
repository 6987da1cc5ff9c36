package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
	"github.com/clawlets/clawlets/pkg/validate"
)

// AppendRunEvents stores a runner-reported event batch against a run.
// The batch is sanitized as one unit: an invalid level, phase, or exit
// code anywhere rejects the whole call so runners notice broken
// reporting instead of losing lines silently.
func (e *Engine) AppendRunEvents(ctx context.Context, auth *RunnerAuth, runID string, batch []validate.RunEventInput) (int, error) {
	sanitized, err := validate.SanitizeRunEvents(batch)
	if err != nil {
		return 0, err
	}

	now := e.now()
	err = e.store.Update(func(tx *storage.Tx) error {
		run, err := projectRun(tx, auth.ProjectID(), runID)
		if err != nil {
			return err
		}
		for _, in := range sanitized {
			ts := in.TS
			if ts.IsZero() {
				ts = now
			}
			ev := &types.RunEvent{
				ID:        uuid.NewString(),
				ProjectID: run.ProjectID,
				RunID:     run.ID,
				TS:        ts,
				Level:     types.RunEventLevel(in.Level),
				Message:   in.Message,
			}
			if in.Phase != "" {
				ev.Meta = &types.RunEventMeta{Phase: types.RunPhase(in.Phase)}
			} else if in.ExitCode != nil {
				ev.Meta = &types.RunEventMeta{ExitCode: in.ExitCode}
			}
			if err := tx.AppendRunEvent(ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(sanitized), nil
}

// ListRunEvents pages through a run's events, oldest first.
func (e *Engine) ListRunEvents(ctx context.Context, principal types.Principal, projectID, runID string, cursor []byte, limit int) ([]*types.RunEvent, []byte, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var evts []*types.RunEvent
	var next []byte
	err := e.store.View(func(tx *storage.Tx) error {
		if _, err := e.gate.RequireProjectAccess(tx, principal, projectID); err != nil {
			return err
		}
		if _, err := projectRun(tx, projectID, runID); err != nil {
			return err
		}
		var err error
		evts, next, err = tx.ListRunEvents(runID, cursor, limit)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return evts, next, nil
}

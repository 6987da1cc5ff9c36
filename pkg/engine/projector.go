package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/clawlets/clawlets/pkg/events"
	"github.com/clawlets/clawlets/pkg/redact"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
)

// terminalEffects reports what a terminal job transition changed beyond
// the job row, so callers can publish events after the transaction
// commits.
type terminalEffects struct {
	run     *types.Run
	project *types.Project // non-nil when promoted out of creating
}

// applyTerminal mirrors a terminal job onto its run and, for the
// bootstrap run kinds, promotes the owning project out of creating:
// ready on success, error otherwise. A project that already left
// creating is never touched, so a late or replayed terminal transition
// cannot regress it.
func (e *Engine) applyTerminal(tx *storage.Tx, job *types.Job, now time.Time) (*terminalEffects, error) {
	run, err := tx.GetRun(job.RunID)
	if err != nil {
		return nil, fmt.Errorf("run %s for terminal job %s: %w", job.RunID, job.ID, err)
	}

	run.Status = runStatusFor(job.Status)
	run.FinishedAt = now
	run.ErrorMessage = ""
	if job.Status == types.JobStatusFailed {
		run.ErrorMessage = redact.Redact(job.ErrorMessage)
	}
	if err := tx.PutRun(run); err != nil {
		return nil, err
	}

	effects := &terminalEffects{run: run}
	if run.Kind != types.RunKindProjectInit && run.Kind != types.RunKindProjectImport {
		return effects, nil
	}

	project, err := tx.GetProject(job.ProjectID)
	if errors.Is(err, storage.ErrNotFound) {
		return effects, nil
	}
	if err != nil {
		return nil, err
	}
	if project.Status != types.ProjectStatusCreating {
		return effects, nil
	}

	if job.Status == types.JobStatusSucceeded {
		project.Status = types.ProjectStatusReady
	} else {
		project.Status = types.ProjectStatusError
	}
	project.UpdatedAt = now
	if err := tx.PutProject(project); err != nil {
		return nil, err
	}
	effects.project = project
	return effects, nil
}

func runStatusFor(status types.JobStatus) types.RunStatus {
	switch status {
	case types.JobStatusSucceeded:
		return types.RunStatusSucceeded
	case types.JobStatusCanceled:
		return types.RunStatusCanceled
	default:
		return types.RunStatusFailed
	}
}

// mirrorRunQueued resets a run to queued after its job re-entered the
// queue (finalize, lease-expiry requeue).
func (e *Engine) mirrorRunQueued(tx *storage.Tx, runID string) error {
	run, err := tx.GetRun(runID)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	run.Status = types.RunStatusQueued
	run.FinishedAt = time.Time{}
	run.ErrorMessage = ""
	return tx.PutRun(run)
}

// mirrorRunRunning marks a run as executing from now.
func (e *Engine) mirrorRunRunning(tx *storage.Tx, runID string, now time.Time) error {
	run, err := tx.GetRun(runID)
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	run.Status = types.RunStatusRunning
	run.StartedAt = now
	run.FinishedAt = time.Time{}
	run.ErrorMessage = ""
	return tx.PutRun(run)
}

// publishTerminal emits the post-commit events for a terminal job.
func (e *Engine) publishTerminal(job *types.Job, effects *terminalEffects) {
	var evType events.EventType
	switch job.Status {
	case types.JobStatusSucceeded:
		evType = events.EventJobSucceeded
	case types.JobStatusCanceled:
		evType = events.EventJobCanceled
	default:
		evType = events.EventJobFailed
	}
	e.publish(&events.Event{
		Type:      evType,
		ProjectID: job.ProjectID,
		Message:   "job " + job.Kind + " " + string(job.Status),
		Metadata:  map[string]string{"jobId": job.ID, "runId": job.RunID},
	})

	if effects == nil {
		return
	}
	if effects.run != nil && effects.run.Status.Terminal() {
		e.publish(&events.Event{
			Type:      events.EventRunFinished,
			ProjectID: job.ProjectID,
			Message:   "run " + effects.run.Kind + " " + string(effects.run.Status),
			Metadata:  map[string]string{"runId": effects.run.ID},
		})
	}
	if effects.project != nil {
		evType := events.EventProjectReady
		if effects.project.Status == types.ProjectStatusError {
			evType = events.EventProjectError
		}
		e.publish(&events.Event{
			Type:      evType,
			ProjectID: effects.project.ID,
			Message:   "project " + effects.project.Name + " " + string(effects.project.Status),
		})
	}
}

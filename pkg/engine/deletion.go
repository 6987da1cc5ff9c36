package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawlets/clawlets/pkg/audit"
	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/ratelimit"
	"github.com/clawlets/clawlets/pkg/security"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
)

// DeletionTokenTTL bounds how long a minted confirmation token stays
// usable.
const DeletionTokenTTL = 15 * time.Minute

// deletionStepDelay is the gap before the first erasure step runs after
// confirmation.
const deletionStepDelay = 500 * time.Millisecond

// DeleteTicket is the one-time confirmation material returned by
// DeleteStart. The token is never stored in plaintext.
type DeleteTicket struct {
	Token     string
	ExpiresAt time.Time
}

// DeleteStart mints a fresh confirmation token for erasing the project.
// Any prior token is replaced, so only the newest ticket confirms.
func (e *Engine) DeleteStart(ctx context.Context, principal types.Principal, projectID string) (*DeleteTicket, error) {
	principal, err := e.resolvePrincipal(principal)
	if err != nil {
		return nil, err
	}
	token, err := security.RandomToken()
	if err != nil {
		return nil, err
	}

	var ticket *DeleteTicket
	err = e.store.Update(func(tx *storage.Tx) error {
		access, err := e.gate.RequireProjectAdmin(tx, principal, projectID)
		if err != nil {
			return err
		}
		if err := e.allow(ctx, ratelimit.OpDeleteStart, access.Principal.UserID); err != nil {
			return err
		}
		job, err := tx.GetDeletionJob(projectID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err == nil && job.Status.Active() {
			return errdefs.Conflict("project deletion already in progress")
		}

		now := e.now()
		row := &types.DeletionToken{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			TokenHash: security.SHA256Hex(token),
			ExpiresAt: now.Add(DeletionTokenTTL),
			CreatedAt: now,
		}
		if err := tx.PutDeletionToken(row); err != nil {
			return err
		}
		ticket = &DeleteTicket{Token: token, ExpiresAt: row.ExpiresAt}

		return audit.Append(tx, now, access.Principal.UserID, projectID, audit.ActionProjectDeleteStart,
			&types.AuditTarget{Kind: types.AuditTargetProject, ID: projectID, Name: access.Project.Name}, nil)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("project_id", projectID).Msg("Project deletion token issued")
	return ticket, nil
}

// DeleteConfirm validates the confirmation phrase and token, creates the
// staged deletion job, and schedules its first step. The phrase is the
// literal "delete " plus the project name; the token is matched against
// its stored hash in constant time. Both failures share one message so
// the response does not reveal which half was wrong.
func (e *Engine) DeleteConfirm(ctx context.Context, principal types.Principal, projectID, token, confirmPhrase string) (*types.DeletionJob, error) {
	principal, err := e.resolvePrincipal(principal)
	if err != nil {
		return nil, err
	}

	var job *types.DeletionJob
	err = e.store.Update(func(tx *storage.Tx) error {
		access, err := e.gate.RequireProjectAdmin(tx, principal, projectID)
		if err != nil {
			return err
		}
		if err := e.allow(ctx, ratelimit.OpDeleteConfirm, access.Principal.UserID); err != nil {
			return err
		}
		if strings.TrimSpace(confirmPhrase) != "delete "+access.Project.Name {
			return errdefs.Conflict("confirmation phrase does not match")
		}

		now := e.now()
		stored, err := tx.GetDeletionToken(projectID)
		if errors.Is(err, storage.ErrNotFound) {
			return errdefs.Conflict("deletion token invalid or expired")
		}
		if err != nil {
			return err
		}
		if !now.Before(stored.ExpiresAt) || !security.ConstantTimeEqual(security.SHA256Hex(token), stored.TokenHash) {
			return errdefs.Conflict("deletion token invalid or expired")
		}

		if prior, err := tx.GetDeletionJob(projectID); err == nil {
			if prior.Status.Active() {
				return errdefs.Conflict("project deletion already in progress")
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		job = &types.DeletionJob{
			ID:                uuid.NewString(),
			ProjectID:         projectID,
			RequestedByUserID: access.Principal.UserID,
			Status:            types.DeletionStatusPending,
			Stage:             types.StageRunEvents,
			CreatedAt:         now,
		}
		if err := tx.PutDeletionJob(job); err != nil {
			return err
		}
		if err := tx.DeleteDeletionToken(projectID); err != nil {
			return err
		}

		return audit.Append(tx, now, access.Principal.UserID, projectID, audit.ActionProjectDeleteConfirm,
			&types.AuditTarget{Kind: types.AuditTargetProject, ID: projectID, Name: access.Project.Name}, nil)
	})
	if err != nil {
		return nil, err
	}

	if e.deletions != nil {
		e.deletions.ScheduleStep(job.ID, deletionStepDelay)
	}
	e.logger.Info().Str("project_id", projectID).Str("deletion_job_id", job.ID).Msg("Project deletion confirmed")
	return job, nil
}

// DeleteStatus reports the deletion job for a project. The requester may
// keep polling after erasure has destroyed their membership.
func (e *Engine) DeleteStatus(ctx context.Context, principal types.Principal, projectID string) (*types.DeletionJob, error) {
	principal, err := e.resolvePrincipal(principal)
	if err != nil {
		return nil, err
	}
	var job *types.DeletionJob
	err = e.store.View(func(tx *storage.Tx) error {
		if err := e.gate.RequireDeletionStatusAccess(tx, principal, projectID); err != nil {
			return err
		}
		j, err := tx.GetDeletionJob(projectID)
		if errors.Is(err, storage.ErrNotFound) {
			return errdefs.NotFound("no deletion job for this project")
		}
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

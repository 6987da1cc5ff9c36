package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/clawlets/clawlets/pkg/audit"
	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/events"
	"github.com/clawlets/clawlets/pkg/metrics"
	"github.com/clawlets/clawlets/pkg/ratelimit"
	"github.com/clawlets/clawlets/pkg/security"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
	"github.com/clawlets/clawlets/pkg/validate"
)

// SealedPendingTTL is how long a sealed-input reservation stays open
// before the operator must have finalized it.
const SealedPendingTTL = 5 * time.Minute

// PayloadPolicy inspects a job's payload metadata before insert. Policies
// are keyed on job kind; a rejection surfaces as conflict.
type PayloadPolicy func(meta map[string]interface{}) error

// defaultPayloadPolicies seeds the per-kind payload rules. Bootstrap
// kinds carry no payload: their inputs come from the project workspace
// reference, and anything else smuggled in would bypass review.
func defaultPayloadPolicies() map[string]PayloadPolicy {
	rejectPayload := func(kind string) PayloadPolicy {
		return func(meta map[string]interface{}) error {
			if len(meta) > 0 {
				return errdefs.Conflict("kind %q does not accept payload metadata", kind)
			}
			return nil
		}
	}
	return map[string]PayloadPolicy{
		types.RunKindProjectInit:   rejectPayload(types.RunKindProjectInit),
		types.RunKindProjectImport: rejectPayload(types.RunKindProjectImport),
	}
}

// RegisterPayloadPolicy installs or replaces the payload policy for a job
// kind. Must be called before the engine starts serving.
func (e *Engine) RegisterPayloadPolicy(kind string, policy PayloadPolicy) {
	e.payloadPolicies[kind] = policy
}

func (e *Engine) checkPayloadPolicy(kind string, meta map[string]interface{}) error {
	if policy, ok := e.payloadPolicies[kind]; ok {
		return policy(meta)
	}
	return nil
}

// EnqueueRequest carries the inputs for a job insert. RunID attaches the
// job to an existing run; empty creates a fresh one. TargetRunnerID pins
// the job to one runner; empty lets any project runner lease it.
type EnqueueRequest struct {
	Kind           string
	PayloadMeta    map[string]interface{}
	RunID          string
	Title          string
	Host           string
	TargetRunnerID string
}

// Enqueue inserts a queued job. Admin only, rate limited. Payload
// metadata must not smuggle secrets: any key in the banned set anywhere
// in the structure rejects the call, and the per-kind payload policy runs
// after that.
func (e *Engine) Enqueue(ctx context.Context, principal types.Principal, projectID string, req EnqueueRequest) (*types.Job, error) {
	kind, err := validate.EnsureJobKind(req.Kind)
	if err != nil {
		return nil, err
	}
	if err := e.validateJobInputs(kind, req); err != nil {
		return nil, err
	}

	now := e.now()
	var job *types.Job
	err = e.store.Update(func(tx *storage.Tx) error {
		access, err := e.gate.RequireProjectAdmin(tx, principal, projectID)
		if err != nil {
			return err
		}
		if err := e.allow(ctx, ratelimit.OpEnqueue, access.Principal.UserID); err != nil {
			return err
		}

		if req.TargetRunnerID != "" {
			runner, err := projectRunner(tx, projectID, req.TargetRunnerID)
			if err != nil {
				return err
			}
			if runner.LastStatus != types.RunnerStatusOnline {
				return errdefs.Conflict("target runner %q is offline", runner.Name)
			}
		}

		run, err := e.resolveRun(tx, access.Principal.UserID, projectID, kind, req, now)
		if err != nil {
			return err
		}

		job = &types.Job{
			ID:             uuid.NewString(),
			ProjectID:      projectID,
			RunID:          run.ID,
			Kind:           kind,
			Status:         types.JobStatusQueued,
			PayloadMeta:    req.PayloadMeta,
			PayloadHash:    payloadHash(req.PayloadMeta),
			TargetRunnerID: req.TargetRunnerID,
			CreatedAt:      now,
		}
		return tx.PutJob(job)
	})
	if err != nil {
		return nil, err
	}

	metrics.JobsEnqueued.Inc()
	e.publish(&events.Event{
		Type:      events.EventJobEnqueued,
		ProjectID: projectID,
		Message:   "job " + kind + " enqueued",
		Metadata:  map[string]string{"jobId": job.ID, "runId": job.RunID, "kind": kind},
	})
	return job, nil
}

// validateJobInputs applies the shared enqueue/reserve hygiene checks.
func (e *Engine) validateJobInputs(kind string, req EnqueueRequest) error {
	if err := validate.EnsureOptionalBoundedString(req.Title, "title", 256); err != nil {
		return err
	}
	if err := validate.EnsureOptionalBoundedString(req.Host, "host", 128); err != nil {
		return err
	}
	if err := validate.AssertNoSecretLikeKeys(req.PayloadMeta); err != nil {
		return err
	}
	return e.checkPayloadPolicy(kind, req.PayloadMeta)
}

// resolveRun attaches the job to an existing run (resetting it to
// queued) or inserts a fresh one.
func (e *Engine) resolveRun(tx *storage.Tx, userID, projectID, kind string, req EnqueueRequest, now time.Time) (*types.Run, error) {
	if req.RunID != "" {
		run, err := projectRun(tx, projectID, req.RunID)
		if err != nil {
			return nil, err
		}
		run.Status = types.RunStatusQueued
		run.FinishedAt = time.Time{}
		run.ErrorMessage = ""
		if err := tx.PutRun(run); err != nil {
			return nil, err
		}
		return run, nil
	}

	run := &types.Run{
		ID:              uuid.NewString(),
		ProjectID:       projectID,
		Kind:            runKindFor(kind),
		Status:          types.RunStatusQueued,
		Title:           req.Title,
		Host:            req.Host,
		InitiatorUserID: userID,
		StartedAt:       now,
	}
	if err := tx.PutRun(run); err != nil {
		return nil, err
	}
	return run, nil
}

// runKindFor maps a job kind onto the run kind taxonomy: well-known
// bootstrap kinds pass through, everything else is custom.
func runKindFor(jobKind string) string {
	switch jobKind {
	case types.RunKindProjectInit, types.RunKindProjectImport:
		return jobKind
	}
	return types.RunKindCustom
}

func payloadHash(meta map[string]interface{}) string {
	if len(meta) == 0 {
		return ""
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return security.SHA256Hex(string(b))
}

// SealedReservation is the operator's half of a sealed enqueue: the
// runner's published key material plus the reserved job slot. The
// operator seals the payload client-side against this key and finalizes
// before ExpiresAt.
type SealedReservation struct {
	JobID         string
	RunID         string
	Alg           string
	KeyID         string
	PublicKeySPKI string
	ExpiresAt     time.Time
}

// ReserveSealedInput reserves a job slot whose payload will arrive as an
// opaque sealed envelope. The target runner must have published a
// complete sealed-input capability. The reservation expires after
// SealedPendingTTL if not finalized.
func (e *Engine) ReserveSealedInput(ctx context.Context, principal types.Principal, projectID string, req EnqueueRequest) (*SealedReservation, error) {
	kind, err := validate.EnsureJobKind(req.Kind)
	if err != nil {
		return nil, err
	}
	if err := e.validateJobInputs(kind, req); err != nil {
		return nil, err
	}
	if req.TargetRunnerID == "" {
		return nil, errdefs.Conflict("sealed-input jobs require a target runner")
	}

	now := e.now()
	var reservation *SealedReservation
	err = e.store.Update(func(tx *storage.Tx) error {
		access, err := e.gate.RequireProjectAdmin(tx, principal, projectID)
		if err != nil {
			return err
		}
		if err := e.allow(ctx, ratelimit.OpReserve, access.Principal.UserID); err != nil {
			return err
		}

		runner, err := projectRunner(tx, projectID, req.TargetRunnerID)
		if err != nil {
			return err
		}
		caps := runner.Capabilities
		if !caps.SupportsSealedInput {
			return errdefs.Conflict("runner %q does not support sealed input", runner.Name)
		}
		if caps.SealedInputAlg == "" || caps.SealedInputKeyID == "" || caps.SealedInputPublicKeySPKI == "" {
			return errdefs.Conflict("runner %q has not published a sealed-input key", runner.Name)
		}
		if caps.SealedInputAlg != types.SealedInputAlg {
			return errdefs.Conflict("unsupported sealed-input algorithm %q", caps.SealedInputAlg)
		}

		run, err := e.resolveRun(tx, access.Principal.UserID, projectID, kind, req, now)
		if err != nil {
			return err
		}

		job := &types.Job{
			ID:                     uuid.NewString(),
			ProjectID:              projectID,
			RunID:                  run.ID,
			Kind:                   kind,
			Status:                 types.JobStatusSealedPending,
			PayloadMeta:            req.PayloadMeta,
			PayloadHash:            payloadHash(req.PayloadMeta),
			TargetRunnerID:         req.TargetRunnerID,
			SealedInputRequired:    true,
			SealedInputAlg:         caps.SealedInputAlg,
			SealedInputKeyID:       caps.SealedInputKeyID,
			SealedPendingExpiresAt: now.Add(SealedPendingTTL),
			CreatedAt:              now,
		}
		if err := tx.PutJob(job); err != nil {
			return err
		}
		reservation = &SealedReservation{
			JobID:         job.ID,
			RunID:         run.ID,
			Alg:           caps.SealedInputAlg,
			KeyID:         caps.SealedInputKeyID,
			PublicKeySPKI: caps.SealedInputPublicKeySPKI,
			ExpiresAt:     job.SealedPendingExpiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

// FinalizeRequest completes a sealed reservation with the ciphertext.
type FinalizeRequest struct {
	JobID          string
	Kind           string
	SealedInputB64 string
	Alg            string
	KeyID          string
}

// FinalizeSealedEnqueue attaches the sealed envelope to a reserved job
// and moves it to queued. The kind, algorithm, and key id must match the
// reservation exactly; a rotated runner key means the ciphertext is for
// the wrong key, and the only safe way out is a fresh reserve.
func (e *Engine) FinalizeSealedEnqueue(ctx context.Context, principal types.Principal, projectID string, req FinalizeRequest) (*types.Job, error) {
	kind, err := validate.EnsureJobKind(req.Kind)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var job *types.Job
	err = e.store.Update(func(tx *storage.Tx) error {
		access, err := e.gate.RequireProjectAdmin(tx, principal, projectID)
		if err != nil {
			return err
		}
		if err := e.allow(ctx, "jobs.finalize", access.Principal.UserID); err != nil {
			return err
		}

		job, err = projectJob(tx, projectID, req.JobID)
		if err != nil {
			return err
		}
		if job.Status != types.JobStatusSealedPending {
			return errdefs.Conflict("job %s is not awaiting sealed input", req.JobID)
		}
		if !job.SealedPendingExpiresAt.After(now) {
			return errdefs.Conflict("reservation expired")
		}
		if kind != job.Kind {
			return errdefs.Conflict("kind %q does not match the reservation", kind)
		}
		if req.Alg != types.SealedInputAlg {
			return errdefs.Conflict("unsupported sealed-input algorithm %q", req.Alg)
		}
		if (job.SealedInputAlg != "" && job.SealedInputAlg != req.Alg) ||
			(job.SealedInputKeyID != "" && job.SealedInputKeyID != req.KeyID) {
			return errdefs.Conflict("sealed-input key changed, retry reserve/finalize")
		}
		if err := validate.EnsureSealedEnvelopeB64(req.SealedInputB64); err != nil {
			return err
		}

		job.Status = types.JobStatusQueued
		job.SealedInputB64 = req.SealedInputB64
		job.SealedInputAlg = req.Alg
		job.SealedInputKeyID = req.KeyID
		job.SealedPendingExpiresAt = time.Time{}
		if err := tx.PutJob(job); err != nil {
			return err
		}
		return e.mirrorRunQueued(tx, job.RunID)
	})
	if err != nil {
		return nil, err
	}

	metrics.JobsEnqueued.Inc()
	e.publish(&events.Event{
		Type:      events.EventJobEnqueued,
		ProjectID: projectID,
		Message:   "sealed job " + kind + " finalized",
		Metadata:  map[string]string{"jobId": job.ID, "runId": job.RunID, "kind": kind},
	})
	return job, nil
}

// CancelJob terminates a non-terminal job. The job's payload, sealed
// ciphertext, and lease are dropped; a runner still holding the lease
// learns on its next heartbeat.
func (e *Engine) CancelJob(ctx context.Context, principal types.Principal, projectID, jobID string) (*types.Job, error) {
	now := e.now()
	var job *types.Job
	var effects *terminalEffects
	err := e.store.Update(func(tx *storage.Tx) error {
		access, err := e.gate.RequireProjectAdmin(tx, principal, projectID)
		if err != nil {
			return err
		}
		if err := e.allow(ctx, "jobs.cancel", access.Principal.UserID); err != nil {
			return err
		}

		job, err = projectJob(tx, projectID, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return errdefs.Conflict("job %s already %s", jobID, job.Status)
		}

		job.Status = types.JobStatusCanceled
		job.FinishedAt = now
		job.ErrorMessage = ""
		clearJobPayload(job)
		clearJobLease(job)
		if err := tx.PutJob(job); err != nil {
			return err
		}
		effects, err = e.applyTerminal(tx, job, now)
		if err != nil {
			return err
		}
		return audit.Append(tx, now, access.Principal.UserID, projectID, audit.ActionJobCancel,
			&types.AuditTarget{Kind: types.AuditTargetJob, ID: jobID},
			map[string]interface{}{"kind": job.Kind})
	})
	if err != nil {
		return nil, err
	}

	metrics.JobsCompleted.WithLabelValues(string(types.JobStatusCanceled)).Inc()
	e.publishTerminal(job, effects)
	return job, nil
}

// clearJobPayload drops everything an executed or abandoned job no
// longer needs: the payload metadata and the sealed ciphertext. The
// payload hash stays as provenance.
func clearJobPayload(job *types.Job) {
	job.PayloadMeta = nil
	job.SealedInputB64 = ""
	job.SealedPendingExpiresAt = time.Time{}
}

func clearJobLease(job *types.Job) {
	job.LeaseID = ""
	job.LeaseExpiresAt = time.Time{}
}

// GetJob returns one job in the project.
func (e *Engine) GetJob(ctx context.Context, principal types.Principal, projectID, jobID string) (*types.Job, error) {
	var job *types.Job
	err := e.store.View(func(tx *storage.Tx) error {
		if _, err := e.gate.RequireProjectAccess(tx, principal, projectID); err != nil {
			return err
		}
		var err error
		job, err = projectJob(tx, projectID, jobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs pages through the project's jobs, newest first. A status
// filter is applied within each page, so a filtered page may come back
// short while the cursor still advances.
func (e *Engine) ListJobs(ctx context.Context, principal types.Principal, projectID string, status types.JobStatus, cursor []byte, limit int) ([]*types.Job, []byte, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var jobs []*types.Job
	var next []byte
	err := e.store.View(func(tx *storage.Tx) error {
		if _, err := e.gate.RequireProjectAccess(tx, principal, projectID); err != nil {
			return err
		}
		page, n, err := tx.ListJobsByProject(projectID, cursor, limit)
		if err != nil {
			return err
		}
		next = n
		for _, job := range page {
			if status == "" || job.Status == status {
				jobs = append(jobs, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return jobs, next, nil
}

// GetRun returns one run in the project.
func (e *Engine) GetRun(ctx context.Context, principal types.Principal, projectID, runID string) (*types.Run, error) {
	var run *types.Run
	err := e.store.View(func(tx *storage.Tx) error {
		if _, err := e.gate.RequireProjectAccess(tx, principal, projectID); err != nil {
			return err
		}
		var err error
		run, err = projectRun(tx, projectID, runID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns pages through the project's runs, newest first.
func (e *Engine) ListRuns(ctx context.Context, principal types.Principal, projectID string, cursor []byte, limit int) ([]*types.Run, []byte, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var runs []*types.Run
	var next []byte
	err := e.store.View(func(tx *storage.Tx) error {
		if _, err := e.gate.RequireProjectAccess(tx, principal, projectID); err != nil {
			return err
		}
		var err error
		runs, next, err = tx.ListRunsByProject(projectID, cursor, limit)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return runs, next, nil
}

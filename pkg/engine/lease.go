package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/events"
	"github.com/clawlets/clawlets/pkg/metrics"
	"github.com/clawlets/clawlets/pkg/redact"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
)

// Lease TTL bounds in milliseconds. A zero request takes the default.
const (
	minLeaseTTLMS     = 5000
	maxLeaseTTLMS     = 120000
	defaultLeaseTTLMS = 30000
)

// sweepBatch bounds each lazy sweep class per lease-next call;
// candidateWindow bounds each candidate class in the selection step.
const (
	sweepBatch      = 50
	candidateWindow = 100
)

const sealedExpiredMessage = "sealed-input reservation expired before finalize"

const maxErrorMessageLen = 4096

func clampLeaseTTL(ms int64) time.Duration {
	if ms == 0 {
		ms = defaultLeaseTTLMS
	}
	if ms < minLeaseTTLMS {
		ms = minLeaseTTLMS
	}
	if ms > maxLeaseTTLMS {
		ms = maxLeaseTTLMS
	}
	return time.Duration(ms) * time.Millisecond
}

// LeaseNext hands the authenticated runner its next job, or nil when the
// project queue has nothing for it.
//
// Each call first performs the project's lazy maintenance: expired
// sealed-input reservations fail, and expired leases requeue (attempt
// unchanged, a fresh lease will rotate the lease id). Then two bounded
// candidate windows are merged oldest-first, jobs targeted at this
// runner winning created-at ties, and the first leasable candidate gets
// a fresh lease with attempt+1.
func (e *Engine) LeaseNext(ctx context.Context, auth *RunnerAuth, leaseTTLMS int64) (*types.Job, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LeaseNextDuration)

	now := e.now()
	ttl := clampLeaseTTL(leaseTTLMS)
	projectID := auth.ProjectID()
	runnerID := auth.Runner.ID

	var leased *types.Job
	var published []*events.Event
	err := e.store.Update(func(tx *storage.Tx) error {
		leased = nil
		published = published[:0]

		// Step 1: fail reservations that were never finalized.
		expired, err := tx.SealedPendingExpired(projectID, now, sweepBatch)
		if err != nil {
			return err
		}
		for _, job := range expired {
			ev, err := e.failSealedExpired(tx, job, now)
			if err != nil {
				return err
			}
			published = append(published, ev...)
		}

		// Step 2: reclaim expired leases back into the queue.
		for _, status := range []types.JobStatus{types.JobStatusLeased, types.JobStatusRunning} {
			stale, err := tx.LeaseExpiredJobs(projectID, status, now, sweepBatch)
			if err != nil {
				return err
			}
			for _, job := range stale {
				job.Status = types.JobStatusQueued
				job.LeasedByRunnerID = ""
				clearJobLease(job)
				if err := tx.PutJob(job); err != nil {
					return err
				}
				if err := e.mirrorRunQueued(tx, job.RunID); err != nil {
					return err
				}
				metrics.JobsRequeued.Inc()
				published = append(published, &events.Event{
					Type:      events.EventJobRequeued,
					ProjectID: projectID,
					Message:   "job " + job.Kind + " lease expired, requeued",
					Metadata:  map[string]string{"jobId": job.ID},
				})
			}
		}

		// Steps 3 and 4: merge the targeted and untargeted windows
		// oldest-first and lease the first viable candidate.
		targeted, err := tx.QueuedJobsForRunner(runnerID, candidateWindow)
		if err != nil {
			return err
		}
		untargeted, err := tx.QueuedJobsForProject(projectID, candidateWindow)
		if err != nil {
			return err
		}

		i, j := 0, 0
		for i < len(targeted) || j < len(untargeted) {
			var job *types.Job
			switch {
			case i >= len(targeted):
				job = untargeted[j]
				j++
			case j >= len(untargeted):
				job = targeted[i]
				i++
			case targeted[i].CreatedAt.After(untargeted[j].CreatedAt):
				job = untargeted[j]
				j++
			default:
				// Ties go to the targeted side.
				job = targeted[i]
				i++
			}

			if job.TargetRunnerID != "" && job.TargetRunnerID != runnerID {
				continue
			}
			if job.SealedInputRequired && job.SealedInputB64 == "" {
				// Queued without ciphertext: the reservation leaked past
				// its index. Same outcome as an expired reservation.
				ev, err := e.failSealedExpired(tx, job, now)
				if err != nil {
					return err
				}
				published = append(published, ev...)
				continue
			}
			if job.Attempt >= types.MaxJobAttempts {
				ev, err := e.failJob(tx, job, now,
					fmt.Sprintf("attempt cap exceeded (%d/%d)", job.Attempt, types.MaxJobAttempts))
				if err != nil {
					return err
				}
				published = append(published, ev...)
				continue
			}

			job.Status = types.JobStatusLeased
			job.LeaseID = uuid.NewString()
			job.LeasedByRunnerID = runnerID
			job.LeaseExpiresAt = now.Add(ttl)
			job.Attempt++
			if job.StartedAt.IsZero() {
				job.StartedAt = now
			}
			if err := tx.PutJob(job); err != nil {
				return err
			}
			if err := e.mirrorRunRunning(tx, job.RunID, now); err != nil {
				return err
			}
			leased = job
			published = append(published, &events.Event{
				Type:      events.EventJobLeased,
				ProjectID: projectID,
				Message:   "job " + job.Kind + " leased",
				Metadata:  map[string]string{"jobId": job.ID, "runnerId": runnerID, "attempt": fmt.Sprintf("%d", job.Attempt)},
			})
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ev := range published {
		e.publish(ev)
	}
	return leased, nil
}

// failSealedExpired terminates a job whose sealed-input reservation ran
// out before the operator finalized it.
func (e *Engine) failSealedExpired(tx *storage.Tx, job *types.Job, now time.Time) ([]*events.Event, error) {
	metrics.SealedReservationsExpired.Inc()
	return e.failJob(tx, job, now, sealedExpiredMessage)
}

// failJob transitions a job to failed inside the caller's transaction
// and returns the events to publish after commit.
func (e *Engine) failJob(tx *storage.Tx, job *types.Job, now time.Time, message string) ([]*events.Event, error) {
	job.Status = types.JobStatusFailed
	job.ErrorMessage = message
	job.FinishedAt = now
	clearJobPayload(job)
	clearJobLease(job)
	if err := tx.PutJob(job); err != nil {
		return nil, err
	}
	effects, err := e.applyTerminal(tx, job, now)
	if err != nil {
		return nil, err
	}
	metrics.JobsCompleted.WithLabelValues(string(types.JobStatusFailed)).Inc()

	evts := []*events.Event{{
		Type:      events.EventJobFailed,
		ProjectID: job.ProjectID,
		Message:   "job " + job.Kind + " failed: " + message,
		Metadata:  map[string]string{"jobId": job.ID, "runId": job.RunID},
	}}
	if effects.run != nil && effects.run.Status.Terminal() {
		evts = append(evts, &events.Event{
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
		evts = append(evts, &events.Event{
			Type:      evType,
			ProjectID: effects.project.ID,
			Message:   "project " + effects.project.Name + " " + string(effects.project.Status),
		})
	}
	return evts, nil
}

// LeaseAck is the runner's view of a heartbeat or complete call. OK
// false means the lease is gone; Status carries what the engine
// observed so the runner can decide whether to drop the work.
type LeaseAck struct {
	OK     bool
	Status types.JobStatus
}

// canComplete reports whether the caller still owns the job: the job is
// held (leased or running), the lease id matches, and a lease deadline
// exists. The deadline may be in the past; a matching lease id on a
// just-expired lease is honored to absorb network blips, and the
// reclaim sweep rotates the id so there is never a second owner.
func canComplete(job *types.Job, projectID, leaseID string) bool {
	if job == nil || job.ProjectID != projectID {
		return false
	}
	if job.Status != types.JobStatusLeased && job.Status != types.JobStatusRunning {
		return false
	}
	if leaseID == "" || job.LeaseID != leaseID {
		return false
	}
	return !job.LeaseExpiresAt.IsZero()
}

func observedStatus(job *types.Job, projectID string) types.JobStatus {
	if job == nil || job.ProjectID != projectID {
		return types.JobStatusFailed
	}
	return job.Status
}

// JobHeartbeat extends the runner's lease and moves the job to running.
// A stale lease is reported, never an error: the runner drops its work
// and calls LeaseNext again.
func (e *Engine) JobHeartbeat(ctx context.Context, auth *RunnerAuth, jobID, leaseID string, leaseTTLMS int64) (*LeaseAck, error) {
	now := e.now()
	ttl := clampLeaseTTL(leaseTTLMS)

	var ack *LeaseAck
	err := e.store.Update(func(tx *storage.Tx) error {
		job, err := tx.GetJob(jobID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if !canComplete(job, auth.ProjectID(), leaseID) {
			ack = &LeaseAck{OK: false, Status: observedStatus(job, auth.ProjectID())}
			return nil
		}
		job.Status = types.JobStatusRunning
		job.LeaseExpiresAt = now.Add(ttl)
		if err := tx.PutJob(job); err != nil {
			return err
		}
		ack = &LeaseAck{OK: true, Status: types.JobStatusRunning}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// CompleteRequest reports the outcome of a leased job. At most one of
// ResultJSON and ResultStorageID may be set; a storage id needs the
// uploaded size.
type CompleteRequest struct {
	JobID   string
	LeaseID string
	Status  types.JobStatus

	ErrorMessage string

	ResultJSON      string
	ResultStorageID string
	ResultSize      int64
}

// Complete finishes a leased job. On success with a result attached,
// expired result rows are purged and the result becomes takeable for
// its TTL. The job sheds its payload, ciphertext, and lease whatever
// the outcome; failed outcomes keep a redacted error message.
func (e *Engine) Complete(ctx context.Context, auth *RunnerAuth, req CompleteRequest) (*LeaseAck, error) {
	switch req.Status {
	case types.JobStatusSucceeded, types.JobStatusFailed, types.JobStatusCanceled:
	default:
		return nil, errdefs.Conflict("status must be succeeded, failed, or canceled")
	}
	if req.ResultJSON != "" && req.ResultStorageID != "" {
		return nil, errdefs.Conflict("provide either resultJson or resultStorageId, not both")
	}
	if req.ResultStorageID != "" && req.ResultSize <= 0 {
		return nil, errdefs.Conflict("result size is required with resultStorageId")
	}
	if len(req.ResultJSON) > types.MaxResultJSONBytes {
		return nil, errdefs.Conflict("result exceeds %d bytes", types.MaxResultJSONBytes)
	}
	if req.ResultSize > types.MaxResultBlobBytes {
		return nil, errdefs.Conflict("result blob exceeds %d bytes", types.MaxResultBlobBytes)
	}

	now := e.now()
	var ack *LeaseAck
	var job *types.Job
	var effects *terminalEffects
	err := e.store.Update(func(tx *storage.Tx) error {
		var err error
		job, err = tx.GetJob(req.JobID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if !canComplete(job, auth.ProjectID(), req.LeaseID) {
			ack = &LeaseAck{OK: false, Status: observedStatus(job, auth.ProjectID())}
			job = nil
			return nil
		}

		job.Status = req.Status
		job.FinishedAt = now
		job.ErrorMessage = ""
		if req.Status == types.JobStatusFailed {
			job.ErrorMessage = clampMessage(redact.Redact(strings.TrimSpace(req.ErrorMessage)))
		}
		clearJobPayload(job)
		clearJobLease(job)
		if err := tx.PutJob(job); err != nil {
			return err
		}

		if req.Status == types.JobStatusSucceeded && (req.ResultJSON != "" || req.ResultStorageID != "") {
			if err := e.storeResult(tx, job, req, now); err != nil {
				// The job and run transitions are the source of truth;
				// a rejected result is logged and dropped.
				if errdefs.IsConflict(err) {
					e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Dropping rejected job result")
				} else {
					return err
				}
			}
		}

		effects, err = e.applyTerminal(tx, job, now)
		if err != nil {
			return err
		}
		ack = &LeaseAck{OK: true, Status: req.Status}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if job != nil {
		metrics.JobsCompleted.WithLabelValues(string(job.Status)).Inc()
		e.publishTerminal(job, effects)
	}
	return ack, nil
}

func clampMessage(msg string) string {
	if len(msg) > maxErrorMessageLen {
		return msg[:maxErrorMessageLen]
	}
	return msg
}

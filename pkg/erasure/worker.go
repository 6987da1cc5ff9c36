package erasure

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clawlets/clawlets/pkg/clock"
	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/events"
	"github.com/clawlets/clawlets/pkg/log"
	"github.com/clawlets/clawlets/pkg/redact"
	"github.com/clawlets/clawlets/pkg/scheduler"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
)

const (
	// stageBatchSize caps rows deleted per step so each step stays one
	// short storage transaction.
	stageBatchSize = 200

	// stepDelay spaces chained steps.
	stepDelay = 500 * time.Millisecond

	// leaseTTL bounds how long a worker may sit on a job before a peer
	// (or a restart) takes over.
	leaseTTL = 60 * time.Second
)

// Config holds the worker dependencies.
type Config struct {
	Store storage.Store

	// Blobs backs the result-blob stage; nil skips backing deletion.
	Blobs storage.BlobStore

	// Sched chains steps; required for ScheduleStep, unused by Purge.
	Sched scheduler.Scheduler

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Broker receives project.deleted events; nil disables publishing.
	Broker *events.Broker
}

// Worker executes confirmed project erasures stage by stage. Each step
// claims the job under a 60 second lease, deletes one bounded batch from
// the current stage's table, advances the stage when the batch comes up
// short, and chains the next step half a second later. Steps re-read all
// state from storage, so a crashed chain resumes from the persisted job
// row.
type Worker struct {
	store  storage.Store
	blobs  storage.BlobStore
	sched  scheduler.Scheduler
	clock  clock.Clock
	broker *events.Broker
	logger zerolog.Logger
}

// New creates a worker from its dependencies.
func New(cfg Config) *Worker {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &Worker{
		store:  cfg.Store,
		blobs:  cfg.Blobs,
		sched:  cfg.Sched,
		clock:  cfg.Clock,
		broker: cfg.Broker,
		logger: log.WithComponent("erasure"),
	}
}

// ScheduleStep queues one erasure step for the job. Implements the
// engine's deletion hook.
func (w *Worker) ScheduleStep(jobID string, delay time.Duration) {
	w.sched.RunAfter(delay, "erasure.step", func() { w.step(jobID, "") })
}

// Resume re-arms the step chain for every live deletion job whose lease
// has lapsed. Called once at server start.
func (w *Worker) Resume() error {
	var jobs []*types.DeletionJob
	err := w.store.View(func(tx *storage.Tx) error {
		var err error
		jobs, err = tx.ListDeletionJobs()
		return err
	})
	if err != nil {
		return err
	}
	now := w.clock.Now()
	resumed := 0
	for _, job := range jobs {
		if !job.Status.Active() {
			continue
		}
		if job.LeaseID != "" && job.LeaseExpiresAt.After(now) {
			continue
		}
		w.ScheduleStep(job.ID, 0)
		resumed++
	}
	if resumed > 0 {
		w.logger.Info().Int("jobs", resumed).Msg("Resumed interrupted erasures")
	}
	return nil
}

// Purge drives one project's erasure to completion synchronously. A
// missing job row is created on the spot and a failed one is restarted
// from its recorded stage; an erasure another worker is actively
// stepping is refused with conflict.
func (w *Worker) Purge(projectID string) (*types.DeletionJob, error) {
	now := w.clock.Now()
	var jobID string
	err := w.store.Update(func(tx *storage.Tx) error {
		job, err := tx.GetDeletionJob(projectID)
		if errors.Is(err, storage.ErrNotFound) {
			job = &types.DeletionJob{
				ID:        uuid.NewString(),
				ProjectID: projectID,
				Status:    types.DeletionStatusPending,
				Stage:     types.StageRunEvents,
				CreatedAt: now,
			}
			return tx.PutDeletionJob(job)
		}
		if err != nil {
			return err
		}
		if job.Status == types.DeletionStatusCompleted {
			return errdefs.Conflict("project already erased")
		}
		if job.LeaseID != "" && job.LeaseExpiresAt.After(now) {
			return errdefs.Conflict("erasure step in progress")
		}
		if job.Status == types.DeletionStatusFailed {
			job.Status = types.DeletionStatusPending
			job.LastError = ""
			return tx.PutDeletionJob(job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = w.store.View(func(tx *storage.Tx) error {
		job, err := tx.GetDeletionJob(projectID)
		if err != nil {
			return err
		}
		jobID = job.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	lease := ""
	for {
		terminal, next, err := w.advance(jobID, lease)
		if err != nil {
			return nil, err
		}
		if terminal {
			break
		}
		lease = next
	}

	var job *types.DeletionJob
	err = w.store.View(func(tx *storage.Tx) error {
		var err error
		job, err = tx.GetDeletionJob(projectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// step runs one asynchronous erasure step and chains the next. Prior
// carries the lease along a chain so claims do not fight themselves.
func (w *Worker) step(jobID, prior string) {
	terminal, lease, err := w.advance(jobID, prior)
	if err != nil {
		w.fail(jobID, lease, err)
		return
	}
	if terminal {
		return
	}
	w.sched.RunAfter(stepDelay, "erasure.step", func() { w.step(jobID, lease) })
}

// advance claims the job, verifies the claim, and runs one stage batch.
// Terminal means the chain should stop: the job finished, or someone
// else holds it.
func (w *Worker) advance(jobID, prior string) (bool, string, error) {
	job, lease, ok, err := w.claim(jobID, prior)
	if err != nil {
		return false, prior, err
	}
	if !ok {
		return true, lease, nil
	}

	verified, err := w.verifyLease(jobID, lease)
	if err != nil {
		return false, lease, err
	}
	if !verified {
		w.logger.Debug().Str("job_id", jobID).Msg("Erasure claim lost to a peer")
		return true, lease, nil
	}

	done, err := w.runBatch(job.ProjectID, lease)
	if err != nil {
		return false, lease, err
	}
	return done, lease, nil
}

// claim stamps the lease on a live job. Not ok when the job is gone,
// settled, or actively held by another worker.
func (w *Worker) claim(jobID, prior string) (*types.DeletionJob, string, bool, error) {
	now := w.clock.Now()
	lease := prior
	if lease == "" {
		lease = uuid.NewString()
	}
	var claimed *types.DeletionJob
	err := w.store.Update(func(tx *storage.Tx) error {
		job, err := findJob(tx, jobID)
		if err != nil {
			return err
		}
		if job == nil || !job.Status.Active() {
			return nil
		}
		if job.LeaseID != "" && job.LeaseID != lease && job.LeaseExpiresAt.After(now) {
			return nil
		}
		job.Status = types.DeletionStatusRunning
		job.LeaseID = lease
		job.LeaseExpiresAt = now.Add(leaseTTL)
		if err := tx.PutDeletionJob(job); err != nil {
			return err
		}
		claimed = job
		return nil
	})
	if err != nil {
		return nil, lease, false, err
	}
	if claimed == nil {
		return nil, lease, false, nil
	}
	return claimed, lease, true, nil
}

// verifyLease reads the claim back before any destructive work.
func (w *Worker) verifyLease(jobID, lease string) (bool, error) {
	var verified bool
	err := w.store.View(func(tx *storage.Tx) error {
		job, err := findJob(tx, jobID)
		if err != nil {
			return err
		}
		verified = job != nil && job.LeaseID == lease
		return nil
	})
	return verified, err
}

// runBatch deletes one bounded batch from the job's current stage and
// advances the stage when the batch comes up short. Done reports that
// the job reached its terminal stage.
func (w *Worker) runBatch(projectID, lease string) (bool, error) {
	now := w.clock.Now()
	var done bool
	var orphaned []*types.CommandResultBlob
	err := w.store.Update(func(tx *storage.Tx) error {
		job, err := tx.GetDeletionJob(projectID)
		if err != nil {
			return err
		}
		if job.LeaseID != lease {
			done = true
			return nil
		}

		n, blobs, err := deleteStageBatch(tx, job.Stage, projectID)
		if err != nil {
			return err
		}
		orphaned = blobs
		job.Processed += int64(n)
		if n < stageBatchSize {
			job.Stage = job.Stage.Next()
		}
		if job.Stage == types.StageDone {
			job.Status = types.DeletionStatusCompleted
			job.CompletedAt = now
			job.LeaseID = ""
			job.LeaseExpiresAt = time.Time{}
			done = true
		} else {
			job.LeaseExpiresAt = now.Add(leaseTTL)
		}
		return tx.PutDeletionJob(job)
	})
	if err != nil {
		return false, err
	}

	// Blob backings go after the rows commit; a crash between the two
	// leaves unreferenced files, never dangling rows.
	if w.blobs != nil {
		for _, blob := range orphaned {
			if err := w.blobs.Delete(blob.StorageID); err != nil {
				w.logger.Warn().Err(err).Str("storage_id", blob.StorageID).Msg("Result blob backing not deleted")
			}
		}
	}

	if done {
		w.logger.Info().Str("project_id", projectID).Msg("Project erasure finished")
		if w.broker != nil {
			w.broker.Publish(&events.Event{
				Type:      events.EventProjectDeleted,
				ProjectID: projectID,
				Timestamp: now,
				Message:   "project erased",
			})
		}
	}
	return done, nil
}

// fail marks the job failed and releases the lease so a later purge can
// restart it from the recorded stage.
func (w *Worker) fail(jobID, lease string, cause error) {
	w.logger.Error().Err(cause).Str("job_id", jobID).Msg("Erasure step failed")
	err := w.store.Update(func(tx *storage.Tx) error {
		job, err := findJob(tx, jobID)
		if err != nil || job == nil {
			return err
		}
		if job.LeaseID != lease && job.LeaseID != "" {
			return nil
		}
		job.Status = types.DeletionStatusFailed
		job.LastError = redact.Redact(cause.Error())
		job.LeaseID = ""
		job.LeaseExpiresAt = time.Time{}
		return tx.PutDeletionJob(job)
	})
	if err != nil {
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("Erasure failure not recorded")
	}
}

// findJob resolves a deletion job by its ID. Jobs are keyed by project,
// so this walks the (small) job table; nil means no such job.
func findJob(tx *storage.Tx, jobID string) (*types.DeletionJob, error) {
	jobs, err := tx.ListDeletionJobs()
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if job.ID == jobID {
			return job, nil
		}
	}
	return nil, nil
}

// deleteStageBatch removes up to stageBatchSize rows from the stage's
// table. The result-blob stage also reports the rows it removed so the
// caller can drop their backings after commit.
func deleteStageBatch(tx *storage.Tx, stage types.DeletionStage, projectID string) (int, []*types.CommandResultBlob, error) {
	switch stage {
	case types.StageRunEvents:
		n, err := tx.DeleteRunEventsByProject(projectID, stageBatchSize)
		return n, nil, err
	case types.StageRuns:
		n, err := tx.DeleteRunsByProject(projectID, stageBatchSize)
		return n, nil, err
	case types.StageProviders:
		n, err := tx.DeleteProvidersByProject(projectID, stageBatchSize)
		return n, nil, err
	case types.StageProjectConfigs:
		n, err := tx.DeleteProjectConfigsByProject(projectID, stageBatchSize)
		return n, nil, err
	case types.StageHosts:
		n, err := tx.DeleteHostsByProject(projectID, stageBatchSize)
		return n, nil, err
	case types.StageGateways:
		n, err := tx.DeleteGatewaysByProject(projectID, stageBatchSize)
		return n, nil, err
	case types.StageSecretWiring:
		n, err := tx.DeleteSecretWiringByProject(projectID, stageBatchSize)
		return n, nil, err
	case types.StageSetupDrafts:
		n, err := tx.DeleteSetupDraftsByProject(projectID, stageBatchSize)
		return n, nil, err
	case types.StageJobs:
		n, err := tx.DeleteJobsByProject(projectID, stageBatchSize)
		return n, nil, err
	case types.StageResultBlobs:
		blobs, err := tx.DeleteResultBlobsByProject(projectID, stageBatchSize)
		return len(blobs), blobs, err
	case types.StageResults:
		n, err := tx.DeleteCommandResultsByProject(projectID, stageBatchSize)
		return n, nil, err
	case types.StageRunnerTokens:
		n, err := tx.DeleteRunnerTokensByProject(projectID, stageBatchSize)
		return n, nil, err
	case types.StageRunners:
		n, err := tx.DeleteRunnersByProject(projectID, stageBatchSize)
		return n, nil, err
	case types.StageCredentials:
		n, err := tx.DeleteProjectCredentialsByProject(projectID, stageBatchSize)
		return n, nil, err
	case types.StageMembers:
		n, err := tx.DeleteProjectMembersByProject(projectID, stageBatchSize)
		return n, nil, err
	case types.StageAuditLogs:
		n, err := tx.DeleteAuditByProject(projectID, stageBatchSize)
		return n, nil, err
	case types.StagePolicies:
		if _, err := tx.GetProjectPolicy(projectID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return 0, nil, nil
			}
			return 0, nil, err
		}
		return 1, nil, tx.DeleteProjectPolicy(projectID)
	case types.StageDeletionTokens:
		if _, err := tx.GetDeletionToken(projectID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return 0, nil, nil
			}
			return 0, nil, err
		}
		return 1, nil, tx.DeleteDeletionToken(projectID)
	case types.StageProject:
		if _, err := tx.GetProject(projectID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return 0, nil, nil
			}
			return 0, nil, err
		}
		return 1, nil, tx.DeleteProject(projectID)
	default:
		return 0, nil, fmt.Errorf("unknown erasure stage %q", stage)
	}
}

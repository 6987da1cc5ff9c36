package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/clawlets/clawlets/pkg/types"
)

// jobIndexEntries returns the index rows a job occupies in its current
// state. Queued jobs land in the target or untargeted queue, reserved
// jobs in the reservation-expiry index, held jobs in the lease-expiry
// index. Every job is in the per-project index.
func jobIndexEntries(job *types.Job) [][2][]byte {
	id := []byte(job.ID)
	created := tsKey(job.CreatedAt)
	entries := [][2][]byte{
		{bucketIdxJobsProject, compositeKey([]byte(job.ProjectID), created, id)},
	}
	switch job.Status {
	case types.JobStatusQueued:
		if job.TargetRunnerID != "" {
			entries = append(entries, [2][]byte{bucketIdxJobsTarget, compositeKey([]byte(job.TargetRunnerID), created, id)})
		} else {
			entries = append(entries, [2][]byte{bucketIdxJobsQueued, compositeKey([]byte(job.ProjectID), created, id)})
		}
	case types.JobStatusSealedPending:
		entries = append(entries, [2][]byte{bucketIdxJobsSealed, compositeKey([]byte(job.ProjectID), tsKey(job.SealedPendingExpiresAt), id)})
	case types.JobStatusLeased, types.JobStatusRunning:
		entries = append(entries, [2][]byte{bucketIdxJobsLease, compositeKey([]byte(job.ProjectID), []byte(job.Status), tsKey(job.LeaseExpiresAt), id)})
	}
	return entries
}

// Job operations

func (tx *Tx) PutJob(job *types.Job) error {
	old, err := tx.getJob(job.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if old != nil {
		for _, e := range jobIndexEntries(old) {
			if err := tx.bucket(e[0]).Delete(e[1]); err != nil {
				return err
			}
		}
	}
	if err := putJSON(tx.bucket(bucketJobs), []byte(job.ID), job); err != nil {
		return err
	}
	for _, e := range jobIndexEntries(job) {
		if err := tx.bucket(e[0]).Put(e[1], []byte(job.ID)); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) getJob(id string) (*types.Job, error) {
	var job types.Job
	if err := getJSON(tx.bucket(bucketJobs), []byte(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (tx *Tx) GetJob(id string) (*types.Job, error) {
	job, err := tx.getJob(id)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	return job, nil
}

func (tx *Tx) DeleteJob(id string) error {
	job, err := tx.getJob(id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range jobIndexEntries(job) {
		if err := tx.bucket(e[0]).Delete(e[1]); err != nil {
			return err
		}
	}
	return tx.bucket(bucketJobs).Delete([]byte(id))
}

// ForEachJob walks every job row. Cold path, used by the metrics collector
// and the migrate tool.
func (tx *Tx) ForEachJob(fn func(*types.Job) error) error {
	return tx.bucket(bucketJobs).ForEach(func(k, v []byte) error {
		var job types.Job
		if err := json.Unmarshal(v, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job %s: %w", k, err)
		}
		return fn(&job)
	})
}

// ListJobsByProject pages through a project's jobs, newest first. A nil
// cursor starts from the newest. The returned cursor is the last key
// handed out; passing it back resumes strictly below it. Nil means the
// page was short and the scan is done.
func (tx *Tx) ListJobsByProject(projectID string, cursor []byte, limit int) ([]*types.Job, []byte, error) {
	var jobs []*types.Job
	var next []byte
	prefix := compositeKey([]byte(projectID), nil)
	err := scanPrefixReverse(tx.bucket(bucketIdxJobsProject), prefix, cursor, func(k, v []byte) (bool, error) {
		job, err := tx.getJob(string(v))
		if err != nil {
			return false, err
		}
		jobs = append(jobs, job)
		if len(jobs) == limit {
			next = make([]byte, len(k))
			copy(next, k)
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return jobs, next, nil
}

// QueuedJobsForRunner returns up to max queued jobs targeted at the
// runner, oldest first.
func (tx *Tx) QueuedJobsForRunner(runnerID string, max int) ([]*types.Job, error) {
	return tx.scanJobIndex(bucketIdxJobsTarget, compositeKey([]byte(runnerID), nil), max)
}

// QueuedJobsForProject returns up to max untargeted queued jobs in the
// project, oldest first.
func (tx *Tx) QueuedJobsForProject(projectID string, max int) ([]*types.Job, error) {
	return tx.scanJobIndex(bucketIdxJobsQueued, compositeKey([]byte(projectID), nil), max)
}

// SealedPendingExpired returns up to max of the project's sealed_pending
// jobs whose reservation deadline passed at or before cutoff, oldest
// deadline first.
func (tx *Tx) SealedPendingExpired(projectID string, cutoff time.Time, max int) ([]*types.Job, error) {
	var jobs []*types.Job
	prefix := compositeKey([]byte(projectID), nil)
	err := scanPrefix(tx.bucket(bucketIdxJobsSealed), prefix, func(k, v []byte) (bool, error) {
		parts := splitKey(k)
		if tsFromKey(parts[1]).After(cutoff) {
			return false, nil
		}
		job, err := tx.getJob(string(v))
		if err != nil {
			return false, err
		}
		jobs = append(jobs, job)
		return len(jobs) < max, nil
	})
	return jobs, err
}

// LeaseExpiredJobs returns up to max of the project's jobs in the given
// held status (leased or running) whose lease expired at or before
// cutoff, oldest expiry first.
func (tx *Tx) LeaseExpiredJobs(projectID string, status types.JobStatus, cutoff time.Time, max int) ([]*types.Job, error) {
	var jobs []*types.Job
	prefix := compositeKey([]byte(projectID), []byte(status), nil)
	err := scanPrefix(tx.bucket(bucketIdxJobsLease), prefix, func(k, v []byte) (bool, error) {
		parts := splitKey(k)
		if tsFromKey(parts[2]).After(cutoff) {
			return false, nil
		}
		job, err := tx.getJob(string(v))
		if err != nil {
			return false, err
		}
		jobs = append(jobs, job)
		return len(jobs) < max, nil
	})
	return jobs, err
}

func (tx *Tx) scanJobIndex(bucket, prefix []byte, max int) ([]*types.Job, error) {
	var jobs []*types.Job
	err := scanPrefix(tx.bucket(bucket), prefix, func(k, v []byte) (bool, error) {
		job, err := tx.getJob(string(v))
		if err != nil {
			return false, err
		}
		jobs = append(jobs, job)
		return len(jobs) < max, nil
	})
	return jobs, err
}

// DeleteJobsByProject removes up to max of the project's jobs with their
// index entries.
func (tx *Tx) DeleteJobsByProject(projectID string, max int) (int, error) {
	var ids []string
	prefix := compositeKey([]byte(projectID), nil)
	err := scanPrefix(tx.bucket(bucketIdxJobsProject), prefix, func(k, v []byte) (bool, error) {
		ids = append(ids, string(v))
		return len(ids) < max, nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := tx.DeleteJob(id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Command result operations. One row per job, keyed by job ID, with an
// expiry index feeding the purge loop.

func (tx *Tx) PutCommandResult(result *types.CommandResult) error {
	old, err := tx.getCommandResult(result.JobID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if old != nil {
		key := compositeKey(tsKey(old.ExpiresAt), []byte(old.JobID))
		if err := tx.bucket(bucketIdxResultsExpiry).Delete(key); err != nil {
			return err
		}
	}
	if err := putJSON(tx.bucket(bucketCommandResults), []byte(result.JobID), result); err != nil {
		return err
	}
	key := compositeKey(tsKey(result.ExpiresAt), []byte(result.JobID))
	return tx.bucket(bucketIdxResultsExpiry).Put(key, []byte(result.JobID))
}

func (tx *Tx) getCommandResult(jobID string) (*types.CommandResult, error) {
	var result types.CommandResult
	if err := getJSON(tx.bucket(bucketCommandResults), []byte(jobID), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (tx *Tx) GetCommandResult(jobID string) (*types.CommandResult, error) {
	result, err := tx.getCommandResult(jobID)
	if err != nil {
		return nil, fmt.Errorf("result for job %s: %w", jobID, err)
	}
	return result, nil
}

func (tx *Tx) DeleteCommandResult(jobID string) error {
	result, err := tx.getCommandResult(jobID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	key := compositeKey(tsKey(result.ExpiresAt), []byte(result.JobID))
	if err := tx.bucket(bucketIdxResultsExpiry).Delete(key); err != nil {
		return err
	}
	return tx.bucket(bucketCommandResults).Delete([]byte(jobID))
}

// ExpiredCommandResults returns up to max results that expired before
// cutoff.
func (tx *Tx) ExpiredCommandResults(cutoff time.Time, max int) ([]*types.CommandResult, error) {
	var results []*types.CommandResult
	err := scanPrefix(tx.bucket(bucketIdxResultsExpiry), nil, func(k, v []byte) (bool, error) {
		parts := splitKey(k)
		if !tsFromKey(parts[0]).Before(cutoff) {
			return false, nil
		}
		result, err := tx.getCommandResult(string(v))
		if err != nil {
			return false, err
		}
		results = append(results, result)
		return len(results) < max, nil
	})
	return results, err
}

func (tx *Tx) DeleteCommandResultsByProject(projectID string, max int) (int, error) {
	var ids []string
	err := tx.bucket(bucketCommandResults).ForEach(func(k, v []byte) error {
		var result types.CommandResult
		if err := json.Unmarshal(v, &result); err != nil {
			return err
		}
		if result.ProjectID == projectID && len(ids) < max {
			ids = append(ids, result.JobID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := tx.DeleteCommandResult(id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Result blob metadata operations. The bytes live in the blob store on
// disk; these rows carry ownership and expiry.

func (tx *Tx) PutResultBlob(blob *types.CommandResultBlob) error {
	old, err := tx.getResultBlob(blob.JobID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if old != nil {
		key := compositeKey(tsKey(old.ExpiresAt), []byte(old.JobID))
		if err := tx.bucket(bucketIdxBlobsExpiry).Delete(key); err != nil {
			return err
		}
	}
	if err := putJSON(tx.bucket(bucketCommandResultBlobs), []byte(blob.JobID), blob); err != nil {
		return err
	}
	key := compositeKey(tsKey(blob.ExpiresAt), []byte(blob.JobID))
	return tx.bucket(bucketIdxBlobsExpiry).Put(key, []byte(blob.JobID))
}

func (tx *Tx) getResultBlob(jobID string) (*types.CommandResultBlob, error) {
	var blob types.CommandResultBlob
	if err := getJSON(tx.bucket(bucketCommandResultBlobs), []byte(jobID), &blob); err != nil {
		return nil, err
	}
	return &blob, nil
}

func (tx *Tx) GetResultBlob(jobID string) (*types.CommandResultBlob, error) {
	blob, err := tx.getResultBlob(jobID)
	if err != nil {
		return nil, fmt.Errorf("result blob for job %s: %w", jobID, err)
	}
	return blob, nil
}

func (tx *Tx) DeleteResultBlob(jobID string) error {
	blob, err := tx.getResultBlob(jobID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	key := compositeKey(tsKey(blob.ExpiresAt), []byte(blob.JobID))
	if err := tx.bucket(bucketIdxBlobsExpiry).Delete(key); err != nil {
		return err
	}
	return tx.bucket(bucketCommandResultBlobs).Delete([]byte(jobID))
}

// ExpiredResultBlobs returns up to max blob rows that expired before
// cutoff.
func (tx *Tx) ExpiredResultBlobs(cutoff time.Time, max int) ([]*types.CommandResultBlob, error) {
	var blobs []*types.CommandResultBlob
	err := scanPrefix(tx.bucket(bucketIdxBlobsExpiry), nil, func(k, v []byte) (bool, error) {
		parts := splitKey(k)
		if !tsFromKey(parts[0]).Before(cutoff) {
			return false, nil
		}
		blob, err := tx.getResultBlob(string(v))
		if err != nil {
			return false, err
		}
		blobs = append(blobs, blob)
		return len(blobs) < max, nil
	})
	return blobs, err
}

func (tx *Tx) DeleteResultBlobsByProject(projectID string, max int) ([]*types.CommandResultBlob, error) {
	var blobs []*types.CommandResultBlob
	err := tx.bucket(bucketCommandResultBlobs).ForEach(func(k, v []byte) error {
		var blob types.CommandResultBlob
		if err := json.Unmarshal(v, &blob); err != nil {
			return err
		}
		if blob.ProjectID == projectID && len(blobs) < max {
			blobs = append(blobs, &blob)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, blob := range blobs {
		if err := tx.DeleteResultBlob(blob.JobID); err != nil {
			return nil, err
		}
	}
	return blobs, nil
}

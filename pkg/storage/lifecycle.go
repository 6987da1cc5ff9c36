package storage

import (
	"encoding/json"
	"fmt"

	"github.com/clawlets/clawlets/pkg/types"
)

// Deletion job operations. One row per project; the row for a finished
// erasure is kept as its record.

func (tx *Tx) PutDeletionJob(job *types.DeletionJob) error {
	return putJSON(tx.bucket(bucketDeletionJobs), []byte(job.ProjectID), job)
}

func (tx *Tx) GetDeletionJob(projectID string) (*types.DeletionJob, error) {
	var job types.DeletionJob
	if err := getJSON(tx.bucket(bucketDeletionJobs), []byte(projectID), &job); err != nil {
		return nil, fmt.Errorf("deletion job for %s: %w", projectID, err)
	}
	return &job, nil
}

func (tx *Tx) ListDeletionJobs() ([]*types.DeletionJob, error) {
	var jobs []*types.DeletionJob
	err := tx.bucket(bucketDeletionJobs).ForEach(func(k, v []byte) error {
		var job types.DeletionJob
		if err := json.Unmarshal(v, &job); err != nil {
			return err
		}
		jobs = append(jobs, &job)
		return nil
	})
	return jobs, err
}

// Deletion token operations. One pending token per project; starting a
// new delete replaces it.

func (tx *Tx) PutDeletionToken(token *types.DeletionToken) error {
	return putJSON(tx.bucket(bucketDeletionTokens), []byte(token.ProjectID), token)
}

func (tx *Tx) GetDeletionToken(projectID string) (*types.DeletionToken, error) {
	var token types.DeletionToken
	if err := getJSON(tx.bucket(bucketDeletionTokens), []byte(projectID), &token); err != nil {
		return nil, fmt.Errorf("deletion token for %s: %w", projectID, err)
	}
	return &token, nil
}

func (tx *Tx) DeleteDeletionToken(projectID string) error {
	return tx.bucket(bucketDeletionTokens).Delete([]byte(projectID))
}

// Retention sweep cursor. A single row shared by all replicas; the lease
// fields inside arbitrate who may sweep.

func (tx *Tx) PutRetentionSweep(sweep *types.RetentionSweep) error {
	return putJSON(tx.bucket(bucketRetentionSweeps), []byte(sweep.Key), sweep)
}

func (tx *Tx) GetRetentionSweep(key string) (*types.RetentionSweep, error) {
	var sweep types.RetentionSweep
	if err := getJSON(tx.bucket(bucketRetentionSweeps), []byte(key), &sweep); err != nil {
		return nil, fmt.Errorf("retention sweep %s: %w", key, err)
	}
	return &sweep, nil
}

package storage

import (
	"encoding/json"
	"fmt"

	"github.com/clawlets/clawlets/pkg/types"
)

// IndexBackfill counts the primary rows reindexed by BackfillIndexes.
type IndexBackfill struct {
	Jobs      int
	Runs      int
	RunEvents int
	Audit     int
	Results   int
	Blobs     int
	Tokens    int
}

// indexBuckets are the derived buckets BackfillIndexes rebuilds.
var indexBuckets = [][]byte{
	bucketIdxJobsTarget,
	bucketIdxJobsQueued,
	bucketIdxJobsSealed,
	bucketIdxJobsLease,
	bucketIdxJobsProject,
	bucketIdxRunsProject,
	bucketIdxEventsProject,
	bucketIdxAuditProject,
	bucketIdxResultsExpiry,
	bucketIdxBlobsExpiry,
	bucketIdxTokensHash,
}

// BackfillIndexes drops every index bucket and rebuilds it from the
// primary rows. Run it after restoring a database from backup, or when an
// older build wrote rows before an index existed. The rebuild happens in
// the calling transaction, so readers never see a half-built index.
func (tx *Tx) BackfillIndexes() (*IndexBackfill, error) {
	for _, name := range indexBuckets {
		if err := tx.btx.DeleteBucket(name); err != nil {
			return nil, fmt.Errorf("failed to drop index %s: %w", name, err)
		}
		if _, err := tx.btx.CreateBucket(name); err != nil {
			return nil, fmt.Errorf("failed to recreate index %s: %w", name, err)
		}
	}

	counts := &IndexBackfill{}

	err := tx.ForEachJob(func(job *types.Job) error {
		for _, e := range jobIndexEntries(job) {
			if err := tx.bucket(e[0]).Put(e[1], []byte(job.ID)); err != nil {
				return err
			}
		}
		counts.Jobs++
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = tx.bucket(bucketRuns).ForEach(func(k, v []byte) error {
		var run types.Run
		if err := json.Unmarshal(v, &run); err != nil {
			return fmt.Errorf("failed to unmarshal run %s: %w", k, err)
		}
		counts.Runs++
		return tx.bucket(bucketIdxRunsProject).Put(runIndexKey(&run), []byte(run.ID))
	})
	if err != nil {
		return nil, err
	}

	err = tx.bucket(bucketRunEvents).ForEach(func(k, v []byte) error {
		var event types.RunEvent
		if err := json.Unmarshal(v, &event); err != nil {
			return fmt.Errorf("failed to unmarshal run event %s: %w", k, err)
		}
		primary := compositeKey([]byte(event.RunID), tsKey(event.TS), []byte(event.ID))
		idx := compositeKey([]byte(event.ProjectID), tsKey(event.TS), []byte(event.RunID), []byte(event.ID))
		counts.RunEvents++
		return tx.bucket(bucketIdxEventsProject).Put(idx, primary)
	})
	if err != nil {
		return nil, err
	}

	err = tx.bucket(bucketAuditLogs).ForEach(func(k, v []byte) error {
		var entry types.AuditEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("failed to unmarshal audit entry %s: %w", k, err)
		}
		counts.Audit++
		if entry.ProjectID == "" {
			return nil
		}
		idx := compositeKey([]byte(entry.ProjectID), tsKey(entry.TS), []byte(entry.ID))
		return tx.bucket(bucketIdxAuditProject).Put(idx, auditPrimaryKey(&entry))
	})
	if err != nil {
		return nil, err
	}

	err = tx.bucket(bucketCommandResults).ForEach(func(k, v []byte) error {
		var result types.CommandResult
		if err := json.Unmarshal(v, &result); err != nil {
			return fmt.Errorf("failed to unmarshal result %s: %w", k, err)
		}
		counts.Results++
		key := compositeKey(tsKey(result.ExpiresAt), []byte(result.JobID))
		return tx.bucket(bucketIdxResultsExpiry).Put(key, []byte(result.JobID))
	})
	if err != nil {
		return nil, err
	}

	err = tx.bucket(bucketCommandResultBlobs).ForEach(func(k, v []byte) error {
		var blob types.CommandResultBlob
		if err := json.Unmarshal(v, &blob); err != nil {
			return fmt.Errorf("failed to unmarshal result blob %s: %w", k, err)
		}
		counts.Blobs++
		key := compositeKey(tsKey(blob.ExpiresAt), []byte(blob.JobID))
		return tx.bucket(bucketIdxBlobsExpiry).Put(key, []byte(blob.JobID))
	})
	if err != nil {
		return nil, err
	}

	err = tx.bucket(bucketRunnerTokens).ForEach(func(k, v []byte) error {
		var token types.RunnerToken
		if err := json.Unmarshal(v, &token); err != nil {
			return fmt.Errorf("failed to unmarshal runner token %s: %w", k, err)
		}
		counts.Tokens++
		return tx.bucket(bucketIdxTokensHash).Put([]byte(token.TokenHash), []byte(token.ID))
	})
	if err != nil {
		return nil, err
	}

	return counts, nil
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
)

// ResultTTL is how long a job result stays takeable.
const ResultTTL = 5 * time.Minute

// resultPurgeBatch bounds the inline expiry purge that runs before each
// result insert.
const resultPurgeBatch = 100

// storeResult persists a completed job's result, small JSON or blob
// reference, after purging whatever already expired. Prior rows for the
// same job are replaced.
func (e *Engine) storeResult(tx *storage.Tx, job *types.Job, req CompleteRequest, now time.Time) error {
	if _, err := e.purgeExpiredResults(tx, now, resultPurgeBatch); err != nil {
		return err
	}
	if req.ResultStorageID != "" {
		return e.putBlobResult(tx, job, req.ResultStorageID, req.ResultSize, now)
	}
	return e.putSmallResult(tx, job, req.ResultJSON, now)
}

// putSmallResult canonicalizes and stores a small JSON result. Only JSON
// objects are accepted; arrays and primitives reject so takers always
// get a key-value document.
func (e *Engine) putSmallResult(tx *storage.Tx, job *types.Job, resultJSON string, now time.Time) error {
	var v interface{}
	if err := json.Unmarshal([]byte(resultJSON), &v); err != nil {
		return errdefs.Conflict("result must be valid JSON")
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return errdefs.Conflict("result must be a JSON object")
	}
	canonical, err := json.Marshal(obj)
	if err != nil {
		return errdefs.Conflict("result cannot be re-encoded: %v", err)
	}
	if len(canonical) > types.MaxResultJSONBytes {
		return errdefs.Conflict("result exceeds %d bytes", types.MaxResultJSONBytes)
	}

	if err := e.dropPriorResults(tx, job.ID); err != nil {
		return err
	}
	return tx.PutCommandResult(&types.CommandResult{
		ID:         uuid.NewString(),
		ProjectID:  job.ProjectID,
		RunID:      job.RunID,
		JobID:      job.ID,
		ResultJSON: string(canonical),
		CreatedAt:  now,
		ExpiresAt:  now.Add(ResultTTL),
	})
}

// putBlobResult stores a reference to an already-uploaded result blob.
func (e *Engine) putBlobResult(tx *storage.Tx, job *types.Job, storageID string, size int64, now time.Time) error {
	if size <= 0 || size > types.MaxResultBlobBytes {
		return errdefs.Conflict("result blob size must be in (0, %d]", types.MaxResultBlobBytes)
	}
	if err := e.dropPriorResults(tx, job.ID); err != nil {
		return err
	}
	return tx.PutResultBlob(&types.CommandResultBlob{
		ID:        uuid.NewString(),
		ProjectID: job.ProjectID,
		RunID:     job.RunID,
		JobID:     job.ID,
		StorageID: storageID,
		Size:      size,
		CreatedAt: now,
		ExpiresAt: now.Add(ResultTTL),
	})
}

// dropPriorResults removes any earlier result rows for the job, deleting
// blob backings best-effort.
func (e *Engine) dropPriorResults(tx *storage.Tx, jobID string) error {
	if err := tx.DeleteCommandResult(jobID); err != nil {
		return err
	}
	blob, err := tx.GetResultBlob(jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := tx.DeleteResultBlob(jobID); err != nil {
		return err
	}
	e.deleteBlobBestEffort(blob.StorageID)
	return nil
}

// deleteBlobBestEffort removes blob bytes from the backing store. The
// database row is authoritative; an orphaned blob is logged and left for
// a later purge or manual cleanup.
func (e *Engine) deleteBlobBestEffort(storageID string) {
	if e.blobs == nil || storageID == "" {
		return
	}
	if err := e.blobs.Delete(storageID); err != nil {
		e.logger.Warn().Err(err).Str("storage_id", storageID).Msg("Failed to delete result blob")
	}
}

// TakenResult is one consumed job result: small canonical JSON or the
// blob bytes, never both.
type TakenResult struct {
	ResultJSON string
	Blob       []byte
	Size       int64
}

// TakeResult consumes the job's result: the newest unexpired row
// matching (project, run) wins, everything else for the job is dropped,
// and the winner is gone for the next caller. Nil without error means
// nothing is available.
func (e *Engine) TakeResult(ctx context.Context, principal types.Principal, projectID, runID, jobID string) (*TakenResult, error) {
	now := e.now()
	var taken *TakenResult
	err := e.store.Update(func(tx *storage.Tx) error {
		if _, err := e.gate.RequireProjectAccess(tx, principal, projectID); err != nil {
			return err
		}

		small, err := tx.GetCommandResult(jobID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		blob, err := tx.GetResultBlob(jobID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		// Rows from another project are invisible here, and never deleted.
		if small != nil && small.ProjectID != projectID {
			small = nil
		}
		if blob != nil && blob.ProjectID != projectID {
			blob = nil
		}

		smallOK := small != nil && small.RunID == runID && small.ExpiresAt.After(now)
		blobOK := blob != nil && blob.RunID == runID &&
			blob.ExpiresAt.After(now) && blob.ConsumedAt.IsZero()

		// Both present: the newer insert wins, the loser is dropped.
		if smallOK && blobOK {
			if blob.CreatedAt.After(small.CreatedAt) {
				smallOK = false
			} else {
				blobOK = false
			}
		}

		switch {
		case smallOK:
			taken = &TakenResult{ResultJSON: small.ResultJSON}
			if err := tx.DeleteCommandResult(jobID); err != nil {
				return err
			}
			if blob != nil {
				if err := tx.DeleteResultBlob(jobID); err != nil {
					return err
				}
				e.deleteBlobBestEffort(blob.StorageID)
			}
		case blobOK:
			data, err := e.blobs.Read(blob.StorageID)
			if err != nil {
				return errdefs.NotFound("result blob %s is gone", blob.StorageID)
			}
			taken = &TakenResult{Blob: data, Size: blob.Size}
			blob.ConsumedAt = now
			if err := tx.PutResultBlob(blob); err != nil {
				return err
			}
			if small != nil {
				if err := tx.DeleteCommandResult(jobID); err != nil {
					return err
				}
			}
		default:
			// No usable row. Read-once still consumes: stale and
			// mismatched leftovers go away now rather than at purge time.
			if small != nil {
				if err := tx.DeleteCommandResult(jobID); err != nil {
					return err
				}
			}
			if blob != nil {
				if err := tx.DeleteResultBlob(jobID); err != nil {
					return err
				}
				e.deleteBlobBestEffort(blob.StorageID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return taken, nil
}

// purgeExpiredResults deletes expired result rows of both kinds inside
// the caller's transaction, up to limit of each, returning how many rows
// went away. Blob backings are deleted best-effort.
func (e *Engine) purgeExpiredResults(tx *storage.Tx, now time.Time, limit int) (int, error) {
	deleted := 0

	expired, err := tx.ExpiredCommandResults(now, limit)
	if err != nil {
		return deleted, err
	}
	for _, r := range expired {
		if err := tx.DeleteCommandResult(r.JobID); err != nil {
			return deleted, err
		}
		deleted++
	}

	blobs, err := tx.ExpiredResultBlobs(now, limit)
	if err != nil {
		return deleted, err
	}
	for _, b := range blobs {
		if err := tx.DeleteResultBlob(b.JobID); err != nil {
			return deleted, err
		}
		e.deleteBlobBestEffort(b.StorageID)
		deleted++
	}
	return deleted, nil
}

// PurgeExpiredResults removes expired result rows in one bounded pass.
// Driven by the server's maintenance loop.
func (e *Engine) PurgeExpiredResults(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = resultPurgeBatch
	}
	now := e.now()
	var deleted int
	err := e.store.Update(func(tx *storage.Tx) error {
		var err error
		deleted, err = e.purgeExpiredResults(tx, now, limit)
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// UploadResultBlob stores result bytes ahead of job completion and
// returns the storage reference the runner reports in Complete.
func (e *Engine) UploadResultBlob(ctx context.Context, auth *RunnerAuth, data []byte) (string, int64, error) {
	if len(data) == 0 {
		return "", 0, errdefs.Conflict("result blob is empty")
	}
	if len(data) > types.MaxResultBlobBytes {
		return "", 0, errdefs.Conflict("result blob exceeds %d bytes", types.MaxResultBlobBytes)
	}
	if e.blobs == nil {
		return "", 0, errdefs.Conflict("blob storage is not configured")
	}
	id := uuid.NewString()
	if err := e.blobs.Write(id, data); err != nil {
		return "", 0, err
	}
	return id, int64(len(data)), nil
}

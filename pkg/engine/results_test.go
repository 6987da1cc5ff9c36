package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
)

func enqueueAndLease(t *testing.T, te *testEngine, auth *RunnerAuth, projectID string) *types.Job {
	t.Helper()
	job, err := te.Enqueue(context.Background(), alice, projectID, EnqueueRequest{Kind: "deploy"})
	require.NoError(t, err)
	leased, err := te.LeaseNext(context.Background(), auth, 30000)
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.Equal(t, job.ID, leased.ID)
	return leased
}

func TestResultCanonicalizedAndReadOnce(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")
	_, auth := te.registerOnlineRunner(t, project.ID, "runner-1")

	job := enqueueAndLease(t, te, auth, project.ID)
	_, err := te.Complete(ctx, auth, CompleteRequest{
		JobID:   job.ID,
		LeaseID: job.LeaseID,
		Status:  types.JobStatusSucceeded,
		ResultJSON: `{
			"b": 2,
			"a": 1
		}`,
	})
	require.NoError(t, err)

	taken, err := te.TakeResult(ctx, alice, project.ID, job.RunID, job.ID)
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.Equal(t, `{"a":1,"b":2}`, taken.ResultJSON)

	// Read-once: the row is gone.
	taken, err = te.TakeResult(ctx, alice, project.ID, job.RunID, job.ID)
	require.NoError(t, err)
	assert.Nil(t, taken)
}

func TestResultRejectedShapesDropQuietly(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")
	_, auth := te.registerOnlineRunner(t, project.ID, "runner-1")

	tests := []struct {
		name       string
		resultJSON string
	}{
		{name: "array not object", resultJSON: `[1, 2, 3]`},
		{name: "bare string", resultJSON: `"done"`},
		{name: "invalid json", resultJSON: `{oops`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := enqueueAndLease(t, te, auth, project.ID)
			ack, err := te.Complete(ctx, auth, CompleteRequest{
				JobID:      job.ID,
				LeaseID:    job.LeaseID,
				Status:     types.JobStatusSucceeded,
				ResultJSON: tt.resultJSON,
			})
			require.NoError(t, err)
			assert.True(t, ack.OK)

			// The job still succeeded; only the result was dropped.
			got := te.getJob(t, project.ID, job.ID)
			assert.Equal(t, types.JobStatusSucceeded, got.Status)
			taken, err := te.TakeResult(ctx, alice, project.ID, job.RunID, job.ID)
			require.NoError(t, err)
			assert.Nil(t, taken)
		})
	}
}

func TestResultBlobFlow(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")
	_, auth := te.registerOnlineRunner(t, project.ID, "runner-1")

	data := []byte("big deploy transcript")
	storageID, size, err := te.UploadResultBlob(ctx, auth, data)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)

	job := enqueueAndLease(t, te, auth, project.ID)
	_, err = te.Complete(ctx, auth, CompleteRequest{
		JobID:           job.ID,
		LeaseID:         job.LeaseID,
		Status:          types.JobStatusSucceeded,
		ResultStorageID: storageID,
		ResultSize:      size,
	})
	require.NoError(t, err)

	taken, err := te.TakeResult(ctx, alice, project.ID, job.RunID, job.ID)
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.Equal(t, data, taken.Blob)
	assert.Equal(t, size, taken.Size)

	// Consumed blobs are not served twice.
	taken, err = te.TakeResult(ctx, alice, project.ID, job.RunID, job.ID)
	require.NoError(t, err)
	assert.Nil(t, taken)
}

func TestUploadResultBlobValidation(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")
	_, auth := te.registerOnlineRunner(t, project.ID, "runner-1")

	_, _, err := te.UploadResultBlob(ctx, auth, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "result blob is empty")

	_, _, err = te.UploadResultBlob(ctx, auth, make([]byte, types.MaxResultBlobBytes+1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "result blob exceeds")
}

func TestResultNewestInsertWins(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")

	data := []byte("blob-result")
	require.NoError(t, te.blobs.Write("seed-blob", data))
	require.NoError(t, te.Store().Update(func(tx *storage.Tx) error {
		if err := tx.PutCommandResult(&types.CommandResult{
			ID: "res-1", ProjectID: project.ID, RunID: "run-x", JobID: "job-x",
			ResultJSON: `{"ok":true}`,
			CreatedAt:  testStart, ExpiresAt: testStart.Add(ResultTTL),
		}); err != nil {
			return err
		}
		return tx.PutResultBlob(&types.CommandResultBlob{
			ID: "blob-1", ProjectID: project.ID, RunID: "run-x", JobID: "job-x",
			StorageID: "seed-blob", Size: int64(len(data)),
			CreatedAt: testStart.Add(time.Second), ExpiresAt: testStart.Add(ResultTTL),
		})
	}))

	// The blob row is newer, so it wins and the small row is dropped.
	taken, err := te.TakeResult(ctx, alice, project.ID, "run-x", "job-x")
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.Equal(t, data, taken.Blob)
	assert.Empty(t, taken.ResultJSON)

	taken, err = te.TakeResult(ctx, alice, project.ID, "run-x", "job-x")
	require.NoError(t, err)
	assert.Nil(t, taken)
}

func TestResultLoserBlobDeleted(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")

	require.NoError(t, te.blobs.Write("seed-blob", []byte("stale")))
	require.NoError(t, te.Store().Update(func(tx *storage.Tx) error {
		if err := tx.PutResultBlob(&types.CommandResultBlob{
			ID: "blob-1", ProjectID: project.ID, RunID: "run-x", JobID: "job-x",
			StorageID: "seed-blob", Size: 5,
			CreatedAt: testStart, ExpiresAt: testStart.Add(ResultTTL),
		}); err != nil {
			return err
		}
		return tx.PutCommandResult(&types.CommandResult{
			ID: "res-1", ProjectID: project.ID, RunID: "run-x", JobID: "job-x",
			ResultJSON: `{"fresh":true}`,
			CreatedAt:  testStart.Add(time.Second), ExpiresAt: testStart.Add(ResultTTL),
		})
	}))

	taken, err := te.TakeResult(ctx, alice, project.ID, "run-x", "job-x")
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.Equal(t, `{"fresh":true}`, taken.ResultJSON)

	// The losing blob's backing bytes are gone too.
	_, err = te.blobs.Read("seed-blob")
	assert.Error(t, err)
}

func TestResultExpiryPurge(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")
	_, auth := te.registerOnlineRunner(t, project.ID, "runner-1")

	small := enqueueAndLease(t, te, auth, project.ID)
	_, err := te.Complete(ctx, auth, CompleteRequest{
		JobID: small.ID, LeaseID: small.LeaseID,
		Status: types.JobStatusSucceeded, ResultJSON: `{"n":1}`,
	})
	require.NoError(t, err)

	storageID, size, err := te.UploadResultBlob(ctx, auth, []byte("expired-bytes"))
	require.NoError(t, err)
	blob := enqueueAndLease(t, te, auth, project.ID)
	_, err = te.Complete(ctx, auth, CompleteRequest{
		JobID: blob.ID, LeaseID: blob.LeaseID,
		Status: types.JobStatusSucceeded, ResultStorageID: storageID, ResultSize: size,
	})
	require.NoError(t, err)

	te.clock.Advance(ResultTTL + time.Minute)
	deleted, err := te.PurgeExpiredResults(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, err = te.blobs.Read(storageID)
	assert.Error(t, err)

	taken, err := te.TakeResult(ctx, alice, project.ID, small.RunID, small.ID)
	require.NoError(t, err)
	assert.Nil(t, taken)
}

func TestTakeResultWrongRunConsumes(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	project := te.createProject(t, "alpha")
	_, auth := te.registerOnlineRunner(t, project.ID, "runner-1")

	job := enqueueAndLease(t, te, auth, project.ID)
	_, err := te.Complete(ctx, auth, CompleteRequest{
		JobID: job.ID, LeaseID: job.LeaseID,
		Status: types.JobStatusSucceeded, ResultJSON: `{"n":1}`,
	})
	require.NoError(t, err)

	// A take under the wrong run finds nothing and clears the leftover.
	taken, err := te.TakeResult(ctx, alice, project.ID, "some-other-run", job.ID)
	require.NoError(t, err)
	assert.Nil(t, taken)

	taken, err = te.TakeResult(ctx, alice, project.ID, job.RunID, job.ID)
	require.NoError(t, err)
	assert.Nil(t, taken)
}

func TestTakeResultTenantIsolation(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	alpha := te.createProject(t, "alpha")
	beta := te.createProject(t, "beta")
	_, auth := te.registerOnlineRunner(t, alpha.ID, "runner-1")

	job := enqueueAndLease(t, te, auth, alpha.ID)
	_, err := te.Complete(ctx, auth, CompleteRequest{
		JobID: job.ID, LeaseID: job.LeaseID,
		Status: types.JobStatusSucceeded, ResultJSON: `{"n":1}`,
	})
	require.NoError(t, err)

	// A foreign-project take neither sees nor destroys the row.
	taken, err := te.TakeResult(ctx, alice, beta.ID, job.RunID, job.ID)
	require.NoError(t, err)
	assert.Nil(t, taken)

	taken, err = te.TakeResult(ctx, alice, alpha.ID, job.RunID, job.ID)
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.Equal(t, `{"n":1}`, taken.ResultJSON)
}

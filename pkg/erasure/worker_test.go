package erasure

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawlets/clawlets/pkg/clock"
	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/scheduler"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
)

var testStart = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

type testWorker struct {
	*Worker
	store storage.Store
	blobs storage.BlobStore
	clock *clock.Fake
	sched *scheduler.Fake
}

func newTestWorker(t *testing.T) *testWorker {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	blobs, err := storage.NewFileBlobStore(t.TempDir())
	require.NoError(t, err)

	clk := clock.NewFake(testStart)
	sched := scheduler.NewFake()
	w := New(Config{Store: store, Blobs: blobs, Sched: sched, Clock: clk})
	return &testWorker{Worker: w, store: store, blobs: blobs, clock: clk, sched: sched}
}

// seedTenant populates every project-scoped table with a few rows and
// returns the total row count, the project row included.
func seedTenant(t *testing.T, tw *testWorker, projectID string) int {
	t.Helper()
	rows := 0
	require.NoError(t, tw.store.Update(func(tx *storage.Tx) error {
		put := func(err error) error {
			if err == nil {
				rows++
			}
			return err
		}
		if err := put(tx.PutProject(&types.Project{ID: projectID, Name: projectID, OwnerUserID: "u-alice", CreatedAt: testStart})); err != nil {
			return err
		}
		for i, user := range []string{"u-alice", "u-bob"} {
			member := &types.ProjectMember{ID: fmt.Sprintf("m-%d", i), ProjectID: projectID, UserID: user, Role: types.RoleAdmin, CreatedAt: testStart}
			if err := put(tx.PutProjectMember(member)); err != nil {
				return err
			}
		}
		if err := put(tx.PutProjectPolicy(&types.ProjectPolicy{ID: "pol-1", ProjectID: projectID, RetentionDays: 30, UpdatedAt: testStart})); err != nil {
			return err
		}
		if err := put(tx.PutProvider(&types.Provider{ID: "prov-1", ProjectID: projectID, Name: "hetzner", Kind: "cloud", CreatedAt: testStart})); err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			cfg := &types.ProjectConfigRow{ID: fmt.Sprintf("cfg-%d", i), ProjectID: projectID, Key: fmt.Sprintf("key-%d", i), Value: "v", ReportedAt: testStart}
			if err := put(tx.PutProjectConfig(cfg)); err != nil {
				return err
			}
		}
		if err := put(tx.PutHost(&types.HostRow{ID: "h-1", ProjectID: projectID, HostName: "web-1", ReportedAt: testStart})); err != nil {
			return err
		}
		if err := put(tx.PutGateway(&types.GatewayRow{ID: "gw-1", ProjectID: projectID, HostName: "web-1", GatewayID: "traefik", ReportedAt: testStart})); err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			wiring := &types.SecretWiringRow{ID: fmt.Sprintf("w-%d", i), ProjectID: projectID, HostName: "web-1", SecretName: fmt.Sprintf("s-%d", i), Target: "secrets/web-1.yaml", ReportedAt: testStart}
			if err := put(tx.PutSecretWiring(wiring)); err != nil {
				return err
			}
		}
		if err := put(tx.PutSetupDraft(&types.SetupDraft{ID: "d-1", ProjectID: projectID, Host: "web-1", Status: types.DraftStatusDraft, CreatedAt: testStart})); err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			run := &types.Run{ID: fmt.Sprintf("run-%d", i), ProjectID: projectID, Kind: "deploy", Status: types.RunStatusSucceeded, StartedAt: testStart}
			if err := put(tx.PutRun(run)); err != nil {
				return err
			}
		}
		for i := 0; i < 3; i++ {
			event := &types.RunEvent{ID: fmt.Sprintf("ev-%d", i), ProjectID: projectID, RunID: "run-0", TS: testStart.Add(time.Duration(i) * time.Second), Level: types.RunEventInfo, Message: "step"}
			if err := put(tx.AppendRunEvent(event)); err != nil {
				return err
			}
		}
		for i := 0; i < 2; i++ {
			job := &types.Job{ID: fmt.Sprintf("job-%d", i), ProjectID: projectID, RunID: "run-0", Kind: "deploy", Status: types.JobStatusSucceeded, CreatedAt: testStart}
			if err := put(tx.PutJob(job)); err != nil {
				return err
			}
		}
		result := &types.CommandResult{ID: "res-1", ProjectID: projectID, RunID: "run-0", JobID: "job-0", ResultJSON: `{"ok":true}`, CreatedAt: testStart, ExpiresAt: testStart.Add(5 * time.Minute)}
		if err := put(tx.PutCommandResult(result)); err != nil {
			return err
		}
		blob := &types.CommandResultBlob{ID: "blob-1", ProjectID: projectID, RunID: "run-0", JobID: "job-1", StorageID: "stor-1", Size: 4, CreatedAt: testStart, ExpiresAt: testStart.Add(5 * time.Minute)}
		if err := put(tx.PutResultBlob(blob)); err != nil {
			return err
		}
		if err := put(tx.PutRunner(&types.Runner{ID: "rn-1", ProjectID: projectID, Name: "runner-1", LastStatus: types.RunnerStatusOffline, CreatedAt: testStart})); err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			token := &types.RunnerToken{ID: fmt.Sprintf("tok-%d", i), ProjectID: projectID, RunnerID: "rn-1", TokenHash: fmt.Sprintf("%064d", i), CreatedAt: testStart}
			if err := put(tx.PutRunnerToken(token)); err != nil {
				return err
			}
		}
		if err := put(tx.PutProjectCredential(&types.ProjectCredential{ID: "cred-1", ProjectID: projectID, Name: "deploy-key", CredentialHash: "abc", CreatedAt: testStart})); err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			entry := &types.AuditEntry{ID: fmt.Sprintf("au-%d", i), ProjectID: projectID, TS: testStart.Add(time.Duration(i) * time.Second), UserID: "u-alice", Action: "project.create"}
			if err := put(tx.AppendAuditEntry(entry)); err != nil {
				return err
			}
		}
		return put(tx.PutDeletionToken(&types.DeletionToken{ID: "dt-1", ProjectID: projectID, TokenHash: "feed", ExpiresAt: testStart.Add(15 * time.Minute), CreatedAt: testStart}))
	}))
	require.NoError(t, tw.blobs.Write("stor-1", []byte("data")))
	return rows
}

func seedJob(t *testing.T, tw *testWorker, job *types.DeletionJob) {
	t.Helper()
	require.NoError(t, tw.store.Update(func(tx *storage.Tx) error {
		return tx.PutDeletionJob(job)
	}))
}

func getJob(t *testing.T, tw *testWorker, projectID string) *types.DeletionJob {
	t.Helper()
	var job *types.DeletionJob
	require.NoError(t, tw.store.View(func(tx *storage.Tx) error {
		var err error
		job, err = tx.GetDeletionJob(projectID)
		return err
	}))
	return job
}

func TestErasureWalksAllStages(t *testing.T) {
	tw := newTestWorker(t)
	total := seedTenant(t, tw, "p1")
	seedJob(t, tw, &types.DeletionJob{
		ID:        "del-1",
		ProjectID: "p1",
		Status:    types.DeletionStatusPending,
		Stage:     types.StageRunEvents,
		CreatedAt: testStart,
	})

	tw.ScheduleStep("del-1", 0)
	steps := tw.sched.RunAll(100)
	require.Greater(t, steps, len(types.DeletionStages)-2, "every stage takes at least one step")

	job := getJob(t, tw, "p1")
	assert.Equal(t, types.DeletionStatusCompleted, job.Status)
	assert.Equal(t, types.StageDone, job.Stage)
	assert.Equal(t, int64(total), job.Processed)
	assert.True(t, job.CompletedAt.Equal(testStart))
	assert.Empty(t, job.LeaseID)

	require.NoError(t, tw.store.View(func(tx *storage.Tx) error {
		_, err := tx.GetProject("p1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		members, err := tx.ListProjectMembers("p1")
		require.NoError(t, err)
		assert.Empty(t, members)
		runners, err := tx.ListRunnersByProject("p1")
		require.NoError(t, err)
		assert.Empty(t, runners)
		events, _, err := tx.ListRunEvents("run-0", nil, 50)
		require.NoError(t, err)
		assert.Empty(t, events)
		entries, _, err := tx.ListAuditEntries("p1", nil, 50)
		require.NoError(t, err)
		assert.Empty(t, entries)
		_, err = tx.GetProjectPolicy("p1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = tx.GetDeletionToken("p1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	}))

	_, err := tw.blobs.Read("stor-1")
	assert.Error(t, err, "blob backing removed with its row")
}

func TestErasureBatchesOversizedStage(t *testing.T) {
	tw := newTestWorker(t)
	require.NoError(t, tw.store.Update(func(tx *storage.Tx) error {
		if err := tx.PutProject(&types.Project{ID: "p1", Name: "p1", CreatedAt: testStart}); err != nil {
			return err
		}
		for i := 0; i < 250; i++ {
			event := &types.RunEvent{
				ID:        fmt.Sprintf("ev-%03d", i),
				ProjectID: "p1",
				RunID:     "r1",
				TS:        testStart.Add(time.Duration(i) * time.Second),
				Level:     types.RunEventInfo,
				Message:   "step",
			}
			if err := tx.AppendRunEvent(event); err != nil {
				return err
			}
		}
		return nil
	}))
	seedJob(t, tw, &types.DeletionJob{
		ID:        "del-1",
		ProjectID: "p1",
		Status:    types.DeletionStatusPending,
		Stage:     types.StageRunEvents,
		CreatedAt: testStart,
	})

	tw.ScheduleStep("del-1", 0)
	require.True(t, tw.sched.RunNext())

	job := getJob(t, tw, "p1")
	assert.Equal(t, types.DeletionStatusRunning, job.Status)
	assert.Equal(t, types.StageRunEvents, job.Stage, "full batch leaves the stage in place")
	assert.Equal(t, int64(200), job.Processed)
	assert.NotEmpty(t, job.LeaseID)
	assert.Equal(t, []string{"erasure.step"}, tw.sched.Pending())

	require.True(t, tw.sched.RunNext())
	job = getJob(t, tw, "p1")
	assert.Equal(t, types.StageRuns, job.Stage, "short batch advances")
	assert.Equal(t, int64(250), job.Processed)

	tw.sched.RunAll(100)
	job = getJob(t, tw, "p1")
	assert.Equal(t, types.DeletionStatusCompleted, job.Status)
}

func TestErasureLeaseExcludesPeer(t *testing.T) {
	tw := newTestWorker(t)
	seedTenant(t, tw, "p1")
	seedJob(t, tw, &types.DeletionJob{
		ID:             "del-1",
		ProjectID:      "p1",
		Status:         types.DeletionStatusRunning,
		Stage:          types.StageRunEvents,
		LeaseID:        "peer-lease",
		LeaseExpiresAt: testStart.Add(30 * time.Second),
		CreatedAt:      testStart,
	})

	tw.ScheduleStep("del-1", 0)
	require.True(t, tw.sched.RunNext())

	job := getJob(t, tw, "p1")
	assert.Equal(t, "peer-lease", job.LeaseID, "held job is left alone")
	assert.Equal(t, int64(0), job.Processed)
	assert.Empty(t, tw.sched.Pending(), "refused claim does not chain")

	tw.clock.Advance(61 * time.Second)
	tw.ScheduleStep("del-1", 0)
	tw.sched.RunAll(100)
	assert.Equal(t, types.DeletionStatusCompleted, getJob(t, tw, "p1").Status)
}

func TestErasureUnknownStageFails(t *testing.T) {
	tw := newTestWorker(t)
	seedTenant(t, tw, "p1")
	seedJob(t, tw, &types.DeletionJob{
		ID:        "del-1",
		ProjectID: "p1",
		Status:    types.DeletionStatusPending,
		Stage:     types.DeletionStage("bogus"),
		CreatedAt: testStart,
	})

	tw.ScheduleStep("del-1", 0)
	require.True(t, tw.sched.RunNext())

	job := getJob(t, tw, "p1")
	assert.Equal(t, types.DeletionStatusFailed, job.Status)
	assert.Contains(t, job.LastError, "unknown erasure stage")
	assert.Empty(t, job.LeaseID, "failure releases the lease")
	assert.Empty(t, tw.sched.Pending())
}

func TestPurgeRunsSynchronously(t *testing.T) {
	tw := newTestWorker(t)
	total := seedTenant(t, tw, "p1")

	job, err := tw.Purge("p1")
	require.NoError(t, err)
	assert.Equal(t, types.DeletionStatusCompleted, job.Status)
	assert.Equal(t, int64(total), job.Processed)
	assert.Empty(t, tw.sched.Pending(), "purge never touches the scheduler")

	require.NoError(t, tw.store.View(func(tx *storage.Tx) error {
		_, err := tx.GetProject("p1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	}))

	_, err = tw.Purge("p1")
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))
	assert.Contains(t, err.Error(), "already erased")
}

func TestPurgeResumesFromRecordedStage(t *testing.T) {
	tw := newTestWorker(t)
	require.NoError(t, tw.store.Update(func(tx *storage.Tx) error {
		if err := tx.PutProject(&types.Project{ID: "p1", Name: "p1", CreatedAt: testStart}); err != nil {
			return err
		}
		// A leftover event sits in a stage behind the recorded one; a
		// restart must not rewind to collect it.
		event := &types.RunEvent{ID: "ev-1", ProjectID: "p1", RunID: "r1", TS: testStart, Level: types.RunEventInfo, Message: "step"}
		if err := tx.AppendRunEvent(event); err != nil {
			return err
		}
		if err := tx.PutHost(&types.HostRow{ID: "h-1", ProjectID: "p1", HostName: "web-1", ReportedAt: testStart}); err != nil {
			return err
		}
		return tx.PutRunner(&types.Runner{ID: "rn-1", ProjectID: "p1", Name: "runner-1", LastStatus: types.RunnerStatusOffline, CreatedAt: testStart})
	}))
	seedJob(t, tw, &types.DeletionJob{
		ID:        "del-1",
		ProjectID: "p1",
		Status:    types.DeletionStatusFailed,
		Stage:     types.StageHosts,
		LastError: "boom",
		CreatedAt: testStart,
	})

	job, err := tw.Purge("p1")
	require.NoError(t, err)
	assert.Equal(t, types.DeletionStatusCompleted, job.Status)
	assert.Empty(t, job.LastError)

	require.NoError(t, tw.store.View(func(tx *storage.Tx) error {
		_, err := tx.GetProject("p1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		hosts, err := tx.ListHostsByProject("p1")
		require.NoError(t, err)
		assert.Empty(t, hosts)
		runners, err := tx.ListRunnersByProject("p1")
		require.NoError(t, err)
		assert.Empty(t, runners)
		events, _, err := tx.ListRunEvents("r1", nil, 10)
		require.NoError(t, err)
		assert.Len(t, events, 1, "stages before the recorded one are not rerun")
		return nil
	}))
}

func TestResumeReArmsLapsedJobs(t *testing.T) {
	tw := newTestWorker(t)
	seedTenant(t, tw, "p1")
	seedJob(t, tw, &types.DeletionJob{
		ID:             "del-1",
		ProjectID:      "p1",
		Status:         types.DeletionStatusRunning,
		Stage:          types.StageRunEvents,
		LeaseID:        "stale-lease",
		LeaseExpiresAt: testStart.Add(-time.Second),
		CreatedAt:      testStart.Add(-time.Hour),
	})
	seedJob(t, tw, &types.DeletionJob{
		ID:             "del-2",
		ProjectID:      "p2",
		Status:         types.DeletionStatusRunning,
		Stage:          types.StageRuns,
		LeaseID:        "live-lease",
		LeaseExpiresAt: testStart.Add(50 * time.Second),
		CreatedAt:      testStart,
	})
	seedJob(t, tw, &types.DeletionJob{
		ID:          "del-3",
		ProjectID:   "p3",
		Status:      types.DeletionStatusCompleted,
		Stage:       types.StageDone,
		CreatedAt:   testStart.Add(-2 * time.Hour),
		CompletedAt: testStart.Add(-time.Hour),
	})

	require.NoError(t, tw.Resume())
	assert.Equal(t, []string{"erasure.step"}, tw.sched.Pending(), "only the lapsed job is re-armed")

	tw.sched.RunAll(100)
	assert.Equal(t, types.DeletionStatusCompleted, getJob(t, tw, "p1").Status)
	assert.Equal(t, types.StageRuns, getJob(t, tw, "p2").Stage, "held job untouched")
}

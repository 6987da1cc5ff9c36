package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawlets/clawlets/pkg/types"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestProjectCRUD(t *testing.T) {
	store := openTestStore(t)

	project := &types.Project{
		ID:        "proj-1",
		Name:      "edge-fleet",
		CreatedAt: testBase,
	}
	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.PutProject(project)
	}))

	err := store.View(func(tx *Tx) error {
		got, err := tx.GetProject("proj-1")
		require.NoError(t, err)
		assert.Equal(t, "edge-fleet", got.Name)
		assert.True(t, got.CreatedAt.Equal(testBase))

		byName, err := tx.GetProjectByName("edge-fleet")
		require.NoError(t, err)
		assert.Equal(t, "proj-1", byName.ID)

		_, err = tx.GetProject("missing")
		assert.True(t, errors.Is(err, ErrNotFound))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.DeleteProject("proj-1")
	}))
	err = store.View(func(tx *Tx) error {
		_, err := tx.GetProject("proj-1")
		assert.True(t, errors.Is(err, ErrNotFound))
		return nil
	})
	require.NoError(t, err)
}

func TestProjectMembersScopedByProject(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Update(func(tx *Tx) error {
		for _, m := range []*types.ProjectMember{
			{ProjectID: "p1", UserID: "alice", Role: types.RoleAdmin},
			{ProjectID: "p1", UserID: "bob", Role: types.RoleViewer},
			{ProjectID: "p2", UserID: "alice", Role: types.RoleViewer},
		} {
			if err := tx.PutProjectMember(m); err != nil {
				return err
			}
		}
		return nil
	}))

	err := store.View(func(tx *Tx) error {
		members, err := tx.ListProjectMembers("p1")
		require.NoError(t, err)
		assert.Len(t, members, 2)

		m, err := tx.GetProjectMember("p2", "alice")
		require.NoError(t, err)
		assert.Equal(t, types.RoleViewer, m.Role)

		_, err = tx.GetProjectMember("p2", "bob")
		assert.True(t, errors.Is(err, ErrNotFound))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.Update(func(tx *Tx) error {
		n, err := tx.DeleteProjectMembersByProject("p1", 10)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	}))

	err = store.View(func(tx *Tx) error {
		members, err := tx.ListProjectMembers("p1")
		require.NoError(t, err)
		assert.Empty(t, members)

		// p2 untouched.
		members, err = tx.ListProjectMembers("p2")
		require.NoError(t, err)
		assert.Len(t, members, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestRunnerTokenHashIndex(t *testing.T) {
	store := openTestStore(t)

	token := &types.RunnerToken{
		ID:        "tok-1",
		ProjectID: "p1",
		RunnerID:  "run-1",
		TokenHash: "aaaa",
		CreatedAt: testBase,
	}
	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.PutRunnerToken(token)
	}))

	err := store.View(func(tx *Tx) error {
		got, err := tx.GetRunnerTokenByHash("aaaa")
		require.NoError(t, err)
		assert.Equal(t, "tok-1", got.ID)
		return nil
	})
	require.NoError(t, err)

	// Rotating the hash must retire the old index entry.
	token.TokenHash = "bbbb"
	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.PutRunnerToken(token)
	}))
	err = store.View(func(tx *Tx) error {
		_, err := tx.GetRunnerTokenByHash("aaaa")
		assert.True(t, errors.Is(err, ErrNotFound))
		got, err := tx.GetRunnerTokenByHash("bbbb")
		require.NoError(t, err)
		assert.Equal(t, "tok-1", got.ID)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.DeleteRunnerToken("tok-1")
	}))
	err = store.View(func(tx *Tx) error {
		_, err := tx.GetRunnerTokenByHash("bbbb")
		assert.True(t, errors.Is(err, ErrNotFound))
		return nil
	})
	require.NoError(t, err)
}

func testJob(id, projectID string, created time.Time) *types.Job {
	return &types.Job{
		ID:        id,
		ProjectID: projectID,
		Kind:      "host.reboot",
		Status:    types.JobStatusQueued,
		CreatedAt: created,
	}
}

func TestJobQueueIndexes(t *testing.T) {
	store := openTestStore(t)

	targeted := testJob("job-t", "p1", testBase)
	targeted.TargetRunnerID = "runner-1"
	untargetedOld := testJob("job-u1", "p1", testBase.Add(-time.Minute))
	untargetedNew := testJob("job-u2", "p1", testBase.Add(time.Minute))
	otherProject := testJob("job-x", "p2", testBase)

	require.NoError(t, store.Update(func(tx *Tx) error {
		for _, j := range []*types.Job{targeted, untargetedOld, untargetedNew, otherProject} {
			if err := tx.PutJob(j); err != nil {
				return err
			}
		}
		return nil
	}))

	err := store.View(func(tx *Tx) error {
		forRunner, err := tx.QueuedJobsForRunner("runner-1", 10)
		require.NoError(t, err)
		require.Len(t, forRunner, 1)
		assert.Equal(t, "job-t", forRunner[0].ID)

		forProject, err := tx.QueuedJobsForProject("p1", 10)
		require.NoError(t, err)
		require.Len(t, forProject, 2)
		// Oldest first.
		assert.Equal(t, "job-u1", forProject[0].ID)
		assert.Equal(t, "job-u2", forProject[1].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestJobStatusTransitionMovesIndexes(t *testing.T) {
	store := openTestStore(t)

	job := testJob("job-1", "p1", testBase)
	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.PutJob(job)
	}))

	// Lease it.
	job.Status = types.JobStatusLeased
	job.LeaseExpiresAt = testBase.Add(30 * time.Second)
	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.PutJob(job)
	}))

	err := store.View(func(tx *Tx) error {
		queued, err := tx.QueuedJobsForProject("p1", 10)
		require.NoError(t, err)
		assert.Empty(t, queued)

		expired, err := tx.LeaseExpiredJobs("p1", types.JobStatusLeased, testBase.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "job-1", expired[0].ID)

		// The running index is separate from the leased one.
		expired, err = tx.LeaseExpiredJobs("p1", types.JobStatusRunning, testBase.Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, expired)

		// Not yet expired at a cutoff before the lease deadline.
		expired, err = tx.LeaseExpiredJobs("p1", types.JobStatusLeased, testBase.Add(10*time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, expired)
		return nil
	})
	require.NoError(t, err)

	// Back to queued clears the lease index.
	job.Status = types.JobStatusQueued
	job.LeaseExpiresAt = time.Time{}
	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.PutJob(job)
	}))
	err = store.View(func(tx *Tx) error {
		expired, err := tx.LeaseExpiredJobs("p1", types.JobStatusLeased, testBase.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, expired)

		queued, err := tx.QueuedJobsForProject("p1", 10)
		require.NoError(t, err)
		assert.Len(t, queued, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestSealedPendingExpired(t *testing.T) {
	store := openTestStore(t)

	stale := testJob("job-stale", "p1", testBase)
	stale.Status = types.JobStatusSealedPending
	stale.SealedPendingExpiresAt = testBase.Add(5 * time.Minute)
	fresh := testJob("job-fresh", "p1", testBase)
	fresh.Status = types.JobStatusSealedPending
	fresh.SealedPendingExpiresAt = testBase.Add(9 * time.Minute)

	require.NoError(t, store.Update(func(tx *Tx) error {
		if err := tx.PutJob(stale); err != nil {
			return err
		}
		return tx.PutJob(fresh)
	}))

	err := store.View(func(tx *Tx) error {
		got, err := tx.SealedPendingExpired("p1", testBase.Add(7*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "job-stale", got[0].ID)

		// Scoped to the project.
		got, err = tx.SealedPendingExpired("p2", testBase.Add(7*time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, got)
		return nil
	})
	require.NoError(t, err)
}

func TestListJobsByProjectPagination(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Update(func(tx *Tx) error {
		for i := 0; i < 5; i++ {
			j := testJob("job-"+string(rune('a'+i)), "p1", testBase.Add(time.Duration(i)*time.Minute))
			if err := tx.PutJob(j); err != nil {
				return err
			}
		}
		return nil
	}))

	var all []string
	var cursor []byte
	err := store.View(func(tx *Tx) error {
		for {
			jobs, next, err := tx.ListJobsByProject("p1", cursor, 2)
			require.NoError(t, err)
			for _, j := range jobs {
				all = append(all, j.ID)
			}
			if next == nil {
				return nil
			}
			cursor = next
		}
	})
	require.NoError(t, err)

	// Newest first, no duplicates, no gaps.
	assert.Equal(t, []string{"job-e", "job-d", "job-c", "job-b", "job-a"}, all)
}

func TestDeleteJobsByProjectBounded(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Update(func(tx *Tx) error {
		for i := 0; i < 5; i++ {
			j := testJob("job-"+string(rune('a'+i)), "p1", testBase.Add(time.Duration(i)*time.Second))
			if err := tx.PutJob(j); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, store.Update(func(tx *Tx) error {
		n, err := tx.DeleteJobsByProject("p1", 3)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		return nil
	}))
	require.NoError(t, store.Update(func(tx *Tx) error {
		n, err := tx.DeleteJobsByProject("p1", 3)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	}))

	err := store.View(func(tx *Tx) error {
		jobs, _, err := tx.ListJobsByProject("p1", nil, 10)
		require.NoError(t, err)
		assert.Empty(t, jobs)
		// Queue index followed the rows out.
		queued, err := tx.QueuedJobsForProject("p1", 10)
		require.NoError(t, err)
		assert.Empty(t, queued)
		return nil
	})
	require.NoError(t, err)
}

func TestCommandResultExpiry(t *testing.T) {
	store := openTestStore(t)

	expired := &types.CommandResult{
		JobID:     "job-1",
		ProjectID: "p1",
		CreatedAt: testBase,
		ExpiresAt: testBase.Add(5 * time.Minute),
	}
	live := &types.CommandResult{
		JobID:     "job-2",
		ProjectID: "p1",
		CreatedAt: testBase.Add(10 * time.Minute),
		ExpiresAt: testBase.Add(15 * time.Minute),
	}
	require.NoError(t, store.Update(func(tx *Tx) error {
		if err := tx.PutCommandResult(expired); err != nil {
			return err
		}
		return tx.PutCommandResult(live)
	}))

	err := store.View(func(tx *Tx) error {
		got, err := tx.ExpiredCommandResults(testBase.Add(6*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "job-1", got[0].JobID)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.DeleteCommandResult("job-1")
	}))
	err = store.View(func(tx *Tx) error {
		got, err := tx.ExpiredCommandResults(testBase.Add(6*time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, got)
		_, err = tx.GetCommandResult("job-1")
		assert.True(t, errors.Is(err, ErrNotFound))
		return nil
	})
	require.NoError(t, err)
}

func TestRunEventsCursorAndDeletion(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Update(func(tx *Tx) error {
		run := &types.Run{ID: "run-1", ProjectID: "p1", StartedAt: testBase}
		if err := tx.PutRun(run); err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			e := &types.RunEvent{
				ID:        "ev-" + string(rune('a'+i)),
				RunID:     "run-1",
				ProjectID: "p1",
				TS:        testBase.Add(time.Duration(i) * time.Second),
				Level:     types.RunEventInfo,
				Message:   "step",
			}
			if err := tx.AppendRunEvent(e); err != nil {
				return err
			}
		}
		return nil
	}))

	var got []string
	var cursor []byte
	err := store.View(func(tx *Tx) error {
		for {
			events, next, err := tx.ListRunEvents("run-1", cursor, 2)
			require.NoError(t, err)
			for _, e := range events {
				got = append(got, e.ID)
			}
			if next == nil {
				return nil
			}
			cursor = next
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-a", "ev-b", "ev-c"}, got)

	// Age-based deletion only takes events before the cutoff.
	require.NoError(t, store.Update(func(tx *Tx) error {
		n, err := tx.DeleteRunEventsByProjectBefore("p1", testBase.Add(1500*time.Millisecond), 10)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	}))
	// Full project wipe takes the rest.
	require.NoError(t, store.Update(func(tx *Tx) error {
		n, err := tx.DeleteRunEventsByProject("p1", 10)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	}))

	err = store.View(func(tx *Tx) error {
		events, _, err := tx.ListRunEvents("run-1", nil, 10)
		require.NoError(t, err)
		assert.Empty(t, events)
		return nil
	})
	require.NoError(t, err)
}

func TestAuditLogOrderAndProjectFilter(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Update(func(tx *Tx) error {
		entries := []*types.AuditEntry{
			{ID: "a1", ProjectID: "p1", Action: "jobs.enqueue", TS: testBase},
			{ID: "a2", ProjectID: "p2", Action: "jobs.enqueue", TS: testBase.Add(time.Second)},
			{ID: "a3", ProjectID: "p1", Action: "jobs.cancel", TS: testBase.Add(2 * time.Second)},
		}
		for _, e := range entries {
			if err := tx.AppendAuditEntry(e); err != nil {
				return err
			}
		}
		return nil
	}))

	err := store.View(func(tx *Tx) error {
		all, _, err := tx.ListAuditEntries("", nil, 10)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "a3", all[0].ID)
		assert.Equal(t, "a1", all[2].ID)

		p1, _, err := tx.ListAuditEntries("p1", nil, 10)
		require.NoError(t, err)
		require.Len(t, p1, 2)
		assert.Equal(t, "a3", p1[0].ID)
		assert.Equal(t, "a1", p1[1].ID)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.Update(func(tx *Tx) error {
		n, err := tx.DeleteAuditByProjectBefore("p1", testBase.Add(time.Second), 10)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	}))
	err = store.View(func(tx *Tx) error {
		p1, _, err := tx.ListAuditEntries("p1", nil, 10)
		require.NoError(t, err)
		require.Len(t, p1, 1)
		assert.Equal(t, "a3", p1[0].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestHostUpsertByName(t *testing.T) {
	store := openTestStore(t)

	host := &types.HostRow{
		ID:         "host-1",
		ProjectID:  "p1",
		HostName:   "edge-01",
		Summary:    types.HostSummary{ServiceCount: 3},
		ReportedAt: testBase,
	}
	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.PutHost(host)
	}))

	// Upsert replaces in place.
	host.Summary.ServiceCount = 5
	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.PutHost(host)
	}))

	err := store.View(func(tx *Tx) error {
		hosts, err := tx.ListHostsByProject("p1")
		require.NoError(t, err)
		require.Len(t, hosts, 1)
		assert.Equal(t, 5, hosts[0].Summary.ServiceCount)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.Update(func(tx *Tx) error {
		n, err := tx.DeleteHostsByProject("p1", 10)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	}))
}

func TestDeletionLifecycleRows(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Update(func(tx *Tx) error {
		if err := tx.PutDeletionToken(&types.DeletionToken{
			ProjectID: "p1",
			TokenHash: "abcd",
			ExpiresAt: testBase.Add(15 * time.Minute),
		}); err != nil {
			return err
		}
		return tx.PutDeletionJob(&types.DeletionJob{
			ProjectID: "p1",
			Status:    types.DeletionStatusRunning,
			Stage:     types.StageRunEvents,
		})
	}))

	err := store.View(func(tx *Tx) error {
		token, err := tx.GetDeletionToken("p1")
		require.NoError(t, err)
		assert.Equal(t, "abcd", token.TokenHash)

		job, err := tx.GetDeletionJob("p1")
		require.NoError(t, err)
		assert.Equal(t, types.StageRunEvents, job.Stage)

		jobs, err := tx.ListDeletionJobs()
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.DeleteDeletionToken("p1")
	}))
	err = store.View(func(tx *Tx) error {
		_, err := tx.GetDeletionToken("p1")
		assert.True(t, errors.Is(err, ErrNotFound))
		return nil
	})
	require.NoError(t, err)
}

func TestRetentionSweepSingleton(t *testing.T) {
	store := openTestStore(t)

	err := store.View(func(tx *Tx) error {
		_, err := tx.GetRetentionSweep("default")
		assert.True(t, errors.Is(err, ErrNotFound))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.PutRetentionSweep(&types.RetentionSweep{
			Key:            "default",
			Cursor:         "p3",
			LeaseExpiresAt: testBase.Add(time.Minute),
		})
	}))

	err = store.View(func(tx *Tx) error {
		sweep, err := tx.GetRetentionSweep("default")
		require.NoError(t, err)
		assert.Equal(t, "p3", sweep.Cursor)
		return nil
	})
	require.NoError(t, err)
}

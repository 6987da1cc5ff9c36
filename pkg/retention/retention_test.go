package retention

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

type testSweeper struct {
	*Sweeper
	store storage.Store
	clock *clock.Fake
	sched *scheduler.Fake
}

func newTestSweeper(t *testing.T) *testSweeper {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewFake(testStart)
	sched := scheduler.NewFake()
	s := New(Config{Store: store, Clock: clk, Sched: sched})
	return &testSweeper{Sweeper: s, store: store, clock: clk, sched: sched}
}

func seedPolicy(t *testing.T, ts *testSweeper, projectID string, days int) {
	t.Helper()
	require.NoError(t, ts.store.Update(func(tx *storage.Tx) error {
		return tx.PutProjectPolicy(&types.ProjectPolicy{
			ID:            projectID + "-policy",
			ProjectID:     projectID,
			RetentionDays: days,
			UpdatedAt:     testStart,
		})
	}))
}

func seedEvent(tx *storage.Tx, projectID, runID, id string, ts time.Time) error {
	return tx.AppendRunEvent(&types.RunEvent{
		ID:        id,
		ProjectID: projectID,
		RunID:     runID,
		TS:        ts,
		Level:     types.RunEventInfo,
		Message:   "step",
	})
}

func seedAudit(tx *storage.Tx, projectID, id string, ts time.Time) error {
	return tx.AppendAuditEntry(&types.AuditEntry{
		ID:        id,
		ProjectID: projectID,
		TS:        ts,
		UserID:    "u-ops",
		Action:    "project.create",
	})
}

func seedRun(tx *storage.Tx, projectID, id string, status types.RunStatus, startedAt time.Time) error {
	return tx.PutRun(&types.Run{
		ID:        id,
		ProjectID: projectID,
		Kind:      "deploy",
		Status:    status,
		StartedAt: startedAt,
	})
}

func countEvents(t *testing.T, ts *testSweeper, runID string) int {
	t.Helper()
	var n int
	require.NoError(t, ts.store.View(func(tx *storage.Tx) error {
		events, _, err := tx.ListRunEvents(runID, nil, 500)
		n = len(events)
		return err
	}))
	return n
}

func sweepRow(t *testing.T, ts *testSweeper) *types.RetentionSweep {
	t.Helper()
	var row *types.RetentionSweep
	require.NoError(t, ts.store.View(func(tx *storage.Tx) error {
		var err error
		row, err = tx.GetRetentionSweep(sweepKey)
		return err
	}))
	return row
}

func TestSweepDeletesAgedRows(t *testing.T) {
	ts := newTestSweeper(t)
	seedPolicy(t, ts, "p1", 30)

	aged := testStart.Add(-35 * 24 * time.Hour)
	fresh := testStart.Add(-time.Hour)
	require.NoError(t, ts.store.Update(func(tx *storage.Tx) error {
		// Two settled runs past the window, one of them with events the
		// window itself would keep.
		if err := seedRun(tx, "p1", "run-a", types.RunStatusSucceeded, aged); err != nil {
			return err
		}
		if err := seedRun(tx, "p1", "run-b", types.RunStatusFailed, aged); err != nil {
			return err
		}
		if err := seedRun(tx, "p1", "run-stuck", types.RunStatusRunning, testStart.Add(-40*24*time.Hour)); err != nil {
			return err
		}
		if err := seedRun(tx, "p1", "run-fresh", types.RunStatusSucceeded, testStart.Add(-24*time.Hour)); err != nil {
			return err
		}
		if err := seedEvent(tx, "p1", "run-a", "ev-1", aged); err != nil {
			return err
		}
		if err := seedEvent(tx, "p1", "run-a", "ev-2", aged.Add(time.Second)); err != nil {
			return err
		}
		if err := seedEvent(tx, "p1", "run-b", "ev-3", aged); err != nil {
			return err
		}
		if err := seedEvent(tx, "p1", "run-b", "ev-4", fresh); err != nil {
			return err
		}
		if err := seedEvent(tx, "p1", "run-b", "ev-5", fresh.Add(time.Second)); err != nil {
			return err
		}
		if err := seedEvent(tx, "p1", "run-stuck", "ev-6", testStart.Add(-40*24*time.Hour)); err != nil {
			return err
		}
		if err := seedEvent(tx, "p1", "run-fresh", "ev-7", fresh); err != nil {
			return err
		}
		if err := seedAudit(tx, "p1", "au-1", aged); err != nil {
			return err
		}
		if err := seedAudit(tx, "p1", "au-2", aged.Add(time.Second)); err != nil {
			return err
		}
		return seedAudit(tx, "p1", "au-3", fresh)
	}))

	report, err := ts.Sweep("test")
	require.NoError(t, err)

	assert.Equal(t, 1, report.ProjectsScanned)
	assert.Equal(t, 6, report.RunEventsDeleted, "four aged events plus run-b's drained survivors")
	assert.Equal(t, 2, report.AuditLogsDeleted)
	assert.Equal(t, 2, report.RunsDeleted)
	assert.False(t, report.Continued)
	assert.Empty(t, ts.sched.Pending())

	require.NoError(t, ts.store.View(func(tx *storage.Tx) error {
		_, err := tx.GetRun("run-stuck")
		require.NoError(t, err, "non-terminal runs survive whatever their age")
		_, err = tx.GetRun("run-fresh")
		require.NoError(t, err)
		_, err = tx.GetRun("run-a")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = tx.GetRun("run-b")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		entries, _, err := tx.ListAuditEntries("p1", nil, 50)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "au-3", entries[0].ID)
		return nil
	}))
	assert.Equal(t, 1, countEvents(t, ts, "run-fresh"))
	assert.Equal(t, 0, countEvents(t, ts, "run-b"))

	row := sweepRow(t, ts)
	assert.Empty(t, row.Cursor)
	assert.Empty(t, row.LeaseID, "finished pass releases the lease")
}

func TestSweepClampsRetentionDays(t *testing.T) {
	ts := newTestSweeper(t)
	seedPolicy(t, ts, "p1", 0)
	seedPolicy(t, ts, "p2", 100000)

	require.NoError(t, ts.store.Update(func(tx *storage.Tx) error {
		// Days 0 clamps to the 1-day floor, not "keep forever".
		if err := seedEvent(tx, "p1", "r1", "ev-old", testStart.Add(-2*24*time.Hour)); err != nil {
			return err
		}
		if err := seedEvent(tx, "p1", "r1", "ev-new", testStart.Add(-time.Hour)); err != nil {
			return err
		}
		if err := seedEvent(tx, "p2", "r2", "ev-ancient", testStart.Add(-366*24*time.Hour)); err != nil {
			return err
		}
		return seedEvent(tx, "p2", "r2", "ev-mid", testStart.Add(-100*24*time.Hour))
	}))

	report, err := ts.Sweep("test")
	require.NoError(t, err)

	assert.Equal(t, 2, report.ProjectsScanned)
	assert.Equal(t, 2, report.RunEventsDeleted)
	assert.Equal(t, 1, countEvents(t, ts, "r1"))
	assert.Equal(t, 1, countEvents(t, ts, "r2"))
}

func TestSweepBudgetContinuation(t *testing.T) {
	ts := newTestSweeper(t)
	seedPolicy(t, ts, "p1", 30)

	aged := testStart.Add(-31 * 24 * time.Hour)
	require.NoError(t, ts.store.Update(func(tx *storage.Tx) error {
		for i := 0; i < 250; i++ {
			id := fmt.Sprintf("ev-%03d", i)
			if err := seedEvent(tx, "p1", "r1", id, aged.Add(time.Duration(i)*time.Second)); err != nil {
				return err
			}
		}
		return nil
	}))

	report, err := ts.Sweep("test")
	require.NoError(t, err)
	assert.Equal(t, 200, report.RunEventsDeleted, "per-project budget caps the pass")
	assert.True(t, report.Continued)
	assert.Equal(t, []string{"retention.continue"}, ts.sched.Pending())

	row := sweepRow(t, ts)
	assert.Empty(t, row.Cursor, "unfinished project stays ahead of the cursor")
	assert.NotEmpty(t, row.LeaseID, "continuation keeps the lease")

	require.True(t, ts.sched.RunNext())
	assert.Equal(t, 0, countEvents(t, ts, "r1"))
	row = sweepRow(t, ts)
	assert.Empty(t, row.Cursor)
	assert.Empty(t, row.LeaseID)
	assert.Empty(t, ts.sched.Pending())
}

func TestSweepPassBudgetSpansProjects(t *testing.T) {
	ts := newTestSweeper(t)

	aged := testStart.Add(-31 * 24 * time.Hour)
	projects := []string{"p1", "p2", "p3", "p4", "p5", "p6", "p7", "p8"}
	for _, p := range projects {
		seedPolicy(t, ts, p, 30)
	}
	require.NoError(t, ts.store.Update(func(tx *storage.Tx) error {
		for _, p := range projects {
			for i := 0; i < 150; i++ {
				id := fmt.Sprintf("%s-ev-%03d", p, i)
				if err := seedEvent(tx, p, "r-"+p, id, aged.Add(time.Duration(i)*time.Second)); err != nil {
					return err
				}
			}
		}
		return nil
	}))

	report, err := ts.Sweep("test")
	require.NoError(t, err)
	assert.Equal(t, 7, report.ProjectsScanned)
	assert.Equal(t, 1000, report.RunEventsDeleted, "pass budget binds across projects")
	assert.True(t, report.Continued)
	assert.Equal(t, "p6", sweepRow(t, ts).Cursor, "cursor sits before the project the budget cut off")

	require.True(t, ts.sched.RunNext())
	for _, p := range projects {
		assert.Equal(t, 0, countEvents(t, ts, "r-"+p), "project %s", p)
	}
	row := sweepRow(t, ts)
	assert.Empty(t, row.Cursor)
	assert.Empty(t, row.LeaseID)
}

func TestSweepPolicyPageSentinel(t *testing.T) {
	ts := newTestSweeper(t)
	for i := 0; i < 26; i++ {
		seedPolicy(t, ts, fmt.Sprintf("p-%02d", i), 30)
	}

	report, err := ts.Sweep("test")
	require.NoError(t, err)
	assert.Equal(t, 25, report.ProjectsScanned)
	assert.True(t, report.Continued, "a 26th policy means the pass is not done")
	assert.Equal(t, "p-24", sweepRow(t, ts).Cursor)

	require.True(t, ts.sched.RunNext())
	row := sweepRow(t, ts)
	assert.Empty(t, row.Cursor)
	assert.Empty(t, row.LeaseID)
}

func TestSweepLeaseExcludesConcurrentPass(t *testing.T) {
	ts := newTestSweeper(t)
	seedPolicy(t, ts, "p1", 30)

	require.NoError(t, ts.store.Update(func(tx *storage.Tx) error {
		return tx.PutRetentionSweep(&types.RetentionSweep{
			Key:            sweepKey,
			LeaseID:        "peer-lease",
			LeaseExpiresAt: testStart.Add(30 * time.Second),
			UpdatedAt:      testStart,
		})
	}))

	_, err := ts.Sweep("test")
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))
	assert.Contains(t, err.Error(), "retention sweep already running")

	// An expired peer lease is taken over.
	ts.clock.Advance(61 * time.Second)
	report, err := ts.Sweep("test")
	require.NoError(t, err)
	assert.Equal(t, 1, report.ProjectsScanned)
	assert.Empty(t, sweepRow(t, ts).LeaseID)
}

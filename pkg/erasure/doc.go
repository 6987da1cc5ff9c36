/*
Package erasure executes confirmed project deletions as a staged,
resumable background job.

A tenant is never deleted in one transaction. The engine's two-phase
confirmation creates a DeletionJob row; this worker then walks a fixed
stage order, one table per stage, deleting at most 200 rows per step and
chaining the next step 500 ms later. Child tables drain before the rows
they reference and the project row goes last, so a half-finished erasure
is always a consistent database: every surviving row still resolves.

# Stage Order

	runEvents → runs → providers → projectConfigs → hosts → gateways →
	secretWiring → setupDrafts → jobs → runnerCommandResultBlobs →
	runnerCommandResults → runnerTokens → runners → projectCredentials →
	projectMembers → auditLogs → projectPolicies → projectDeletionTokens →
	project → done

The result-blob stage additionally deletes file backings from the blob
store after its batch commits. The job row itself survives completion as
the erasure's record.

# Crash Safety

Each step claims the job under a 60 second lease and reads the claim
back before deleting anything. All progress (stage, processed count)
persists with the batch in one transaction, so a killed process loses at
most one uncommitted batch. Resume re-arms the chain for any live job
whose lease has lapsed; a step failure records LastError on the job and
stops the chain until an operator purge restarts it.

# Entry Points

	worker := erasure.New(erasure.Config{Store: store, Blobs: blobs, Sched: sched, Broker: broker})
	engine.New(engine.Config{..., Deletions: worker})   // DeleteConfirm schedules the first step
	worker.Resume()                                     // at boot
	worker.Purge(projectID)                             // maintenance: run all stages synchronously
*/
package erasure

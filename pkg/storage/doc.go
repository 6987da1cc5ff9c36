/*
Package storage provides BoltDB-backed state persistence for the control
plane.

All durable state lives in one BoltDB file: projects, memberships,
policies, runners, tokens, runs, run events, jobs, command results, setup
drafts, synced metadata, audit entries, and the lifecycle rows driving
retention and erasure. Rows are JSON-serialized Go structs in one bucket
per table, with a set of index buckets maintained alongside writes so the
hot scans (job leasing, expiry sweeps, paginated lists) never walk a full
table.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │            BoltStore                       │           │
	│  │  - File: <dataDir>/clawlets.db             │           │
	│  │  - Format: B+tree with MVCC                │           │
	│  │  - Transactions: ACID with fsync           │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │              Row Buckets                   │           │
	│  │  ┌──────────────────────────────────────┐  │           │
	│  │  │ projects             (project ID)    │  │           │
	│  │  │ project_members      (proj/user)     │  │           │
	│  │  │ project_policies     (project ID)    │  │           │
	│  │  │ runners              (runner ID)     │  │           │
	│  │  │ runner_tokens        (token ID)      │  │           │
	│  │  │ runs                 (run ID)        │  │           │
	│  │  │ run_events           (run/ts/id)     │  │           │
	│  │  │ jobs                 (job ID)        │  │           │
	│  │  │ command_results      (job ID)        │  │           │
	│  │  │ command_result_blobs (job ID)        │  │           │
	│  │  │ setup_drafts         (draft ID)      │  │           │
	│  │  │ providers            (provider ID)   │  │           │
	│  │  │ project_credentials  (cred ID)       │  │           │
	│  │  │ hosts                (proj/name)     │  │           │
	│  │  │ gateways             (proj/name)     │  │           │
	│  │  │ project_configs      (proj/name)     │  │           │
	│  │  │ secret_wiring        (proj/name)     │  │           │
	│  │  │ audit_logs           (ts/id)         │  │           │
	│  │  │ deletion_jobs        (project ID)    │  │           │
	│  │  │ deletion_tokens      (project ID)    │  │           │
	│  │  │ retention_sweeps     (fixed key)     │  │           │
	│  │  └──────────────────────────────────────┘  │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │             Index Buckets                  │           │
	│  │  idx_jobs_target    runner/created/job     │           │
	│  │  idx_jobs_queued    proj/created/job       │           │
	│  │  idx_jobs_sealed    proj/sealedExp/job     │           │
	│  │  idx_jobs_lease     proj/status/exp/job    │           │
	│  │  idx_jobs_project   proj/created/job       │           │
	│  │  idx_runs_project   proj/started/run       │           │
	│  │  idx_events_project proj/ts/run/event      │           │
	│  │  idx_audit_project  proj/ts/entry          │           │
	│  │  idx_results_expiry expires/job            │           │
	│  │  idx_blobs_expiry   expires/job            │           │
	│  │  idx_tokens_hash    hash -> token ID       │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │        Transaction Management              │           │
	│  │  - Read: View() - Concurrent reads         │           │
	│  │  - Write: Update() - Serialized writes     │           │
	│  │  - Rollback: Automatic on error            │           │
	│  │  - Commit: Automatic on success + fsync    │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Transactions

Every engine operation runs inside a single Update transaction. Job
leasing reads candidates, sweeps expired leases, and writes the winner in
one commit; an erasure step deletes its batch and advances the stage
cursor in one commit. BoltDB serializes writers, so within a process
there is exactly one mutation in flight and readers see consistent
snapshots via MVCC.

The Tx type wraps the raw transaction with typed row access. Index
buckets are an implementation detail of Tx: PutJob, DeleteJob,
PutCommandResult, AppendRunEvent, and friends keep every index entry in
step with the row inside the same transaction, so an index can never
refer to a missing row after a commit.

# Key Encoding

Composite keys join their parts with a zero byte. Timestamps are encoded
as 8 big-endian bytes of Unix milliseconds, which makes byte order equal
to time order, so ordered scans are plain cursor walks:

	queued jobs for runner R:    idx_jobs_target  prefix R
	P's expired leases at T:     idx_jobs_lease   prefix P/status, ts <= T
	project P's newest runs:     idx_runs_project prefix P, reverse

IDs are UUIDs and names pass validation that rejects control characters,
so no key part ever contains the separator.

# Job Index Maintenance

A job occupies different indexes depending on its status:

	queued + targeted    -> idx_jobs_target  (runner, createdAt)
	queued + untargeted  -> idx_jobs_queued  (project, createdAt)
	sealed_pending       -> idx_jobs_sealed  (project, sealedPendingExpiresAt)
	leased / running     -> idx_jobs_lease   (project, status, leaseExpiresAt)
	any status           -> idx_jobs_project (project, createdAt)

PutJob reads the previous row, removes the entries for its old state,
writes the new row, and inserts the entries for the new state. Status
transitions therefore move the job between queues atomically with the
row update.

# Pagination

List methods that page return (rows, cursor, error). The cursor is the
raw key of the last row handed out; passing it back resumes the scan
strictly past it. A nil cursor from a call means the scan is complete.
Callers encode the cursor opaquely (base64) before it crosses the API.

# Blob Store

Result payloads above the inline row limit live outside BoltDB as flat
files managed by FileBlobStore. The command_result_blobs bucket carries
ownership, sizes, and expiry; the blob store itself only reads, writes,
and deletes by ID. Deleting a missing blob is not an error, so crash
recovery can re-run deletions safely.

# Usage Example

	store, err := storage.Open("/var/lib/clawlets")
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.Update(func(tx *storage.Tx) error {
		job, err := tx.GetJob(jobID)
		if err != nil {
			return err
		}
		job.Status = types.JobStatusCanceled
		return tx.PutJob(job)
	})

# Error Handling

Missing rows surface as wrapped ErrNotFound:

	job, err := tx.GetJob(id)
	if errors.Is(err, storage.ErrNotFound) {
		// translate to the API's not_found
	}

Storage never returns API error codes; the engine owns that mapping.

# Best Practices

 1. Do all reads and writes of one logical operation in one Update
 2. Never hold row slices across transaction boundaries without copying
 3. Use the ByProject deleters with a batch cap; they are the erasure
    primitives and must stay bounded
 4. Treat index buckets as private to this package
*/
package storage

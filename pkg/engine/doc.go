/*
Package engine implements the transactional core of the control plane:
every operator- and runner-facing operation over projects, runners, jobs,
runs, results, setup drafts, erasure, and the audit trail.

The engine owns no goroutines and keeps no state of its own. Each
operation resolves the caller, applies the rate limit, and runs exactly
one storage transaction; lifecycle events and metrics are emitted only
after that transaction commits. Background behavior (retention sweeps,
erasure steps, runner liveness) lives in sibling packages that call back
into the engine or the store on their own schedules.

# Architecture

	┌─────────────────────── ENGINE ────────────────────────────┐
	│                                                           │
	│  Operator call                     Runner call            │
	│  ┌─────────────┐                  ┌──────────────┐        │
	│  │ authz.Gate  │                  │ RunnerAuth   │        │
	│  │ access/admin│                  │ bearer→SHA256│        │
	│  └──────┬──────┘                  └──────┬───────┘        │
	│         │                                │                │
	│  ┌──────▼────────────────────────────────▼───────┐        │
	│  │              ratelimit.Limiter                │        │
	│  │        fixed window per (op, principal)       │        │
	│  └──────────────────────┬────────────────────────┘        │
	│                         │                                 │
	│  ┌──────────────────────▼────────────────────────┐        │
	│  │            one storage.Update / View          │        │
	│  │                                               │        │
	│  │   registry: projects, members, policies,      │        │
	│  │             runners, tokens, capabilities     │        │
	│  │   queue:    enqueue -> sealed_pending ->      │        │
	│  │             queued -> leased -> running ->    │        │
	│  │             terminal (projector -> run)       │        │
	│  │   results:  read-once rows + blob handles     │        │
	│  │   drafts:   versioned sealed scratchpads      │        │
	│  │   erasure:  token mint/confirm -> job row     │        │
	│  │   audit:    taxonomy-checked append           │        │
	│  └──────────────────────┬────────────────────────┘        │
	│                         │ commit                          │
	│        ┌────────────────┼────────────────┐                │
	│  ┌─────▼─────┐   ┌──────▼──────┐  ┌──────▼──────┐         │
	│  │ events.   │   │ metrics     │  │ Deletion    │         │
	│  │ Broker    │   │ counters    │  │ Scheduler   │         │
	│  └───────────┘   └─────────────┘  └─────────────┘         │
	└───────────────────────────────────────────────────────────┘

# Job Lifecycle

A job is a single executable step of a run. Plain jobs enter queued
directly from Enqueue. Sealed jobs take a detour: ReserveSealedInput
pins the target runner's published key and parks the job in
sealed_pending for five minutes; FinalizeSealedEnqueue attaches the
ciphertext and releases it to queued. The reservation expiring, or the
runner's key changing underneath it, fails the handoff rather than
delivering a payload the runner cannot open.

LeaseNext is the scheduler. Inside one transaction it first settles the
past: expired sealed reservations fail their jobs, expired leases
requeue theirs with the attempt count unchanged. Then it merges the
runner-targeted and untargeted queues in creation order (ties go to the
targeted side), skips work targeted at other runners, fails jobs that
have exhausted their 25 attempts, and leases the first survivor with a
fresh lease id and a clamped TTL.

JobHeartbeat extends a live lease and flips the job to running.
Complete finishes it, but only for the holder of the current lease id;
a raced-out runner gets {ok:false} and the observed status instead of
an error, so its retry loop terminates quietly. Terminal transitions
clear payload, sealed ciphertext, and lease fields, and the projector
folds the outcome into the run and, for bootstrap runs, the project
status.

# Tenancy

Every row is project-scoped. Lookups fold foreign-project rows into
not_found so ids never confirm another tenant's existence, and results
handed to runners are filtered the same way. Erasure is asynchronous:
DeleteConfirm only creates the deletion job; the staged worker in
pkg/erasure drains the tables.

# Time

The engine reads time exclusively through its clock dependency. Tests
inject clock.NewFake and drive lease expiry, reservation TTLs, and
result expiry deterministically; production wiring passes nothing and
gets the system clock.
*/
package engine

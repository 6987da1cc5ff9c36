/*
Package types defines the core data structures used throughout the Clawlets
control plane.

This package contains all fundamental types that represent the domain model:
projects, members, runners, runs, jobs, command results, setup drafts,
retention and erasure bookkeeping, audit entries, and runner-reported
metadata rows. These types are used by every other package for state
management, API communication, and scheduling logic.

# Architecture

The types package is the foundation of the data model. It defines:

  - Tenancy (projects, members, roles, policies)
  - Runner identity and credentials (runners, runner tokens, capabilities)
  - Work (runs, jobs, lease fields, sealed-input fields)
  - Results (small JSON rows and storage-backed blob rows with TTLs)
  - Maintenance state (retention sweep cursor, deletion jobs and tokens)
  - History (audit entries, run events)
  - Fleet metadata (hosts, gateways, project configs, secret wiring)

All timestamps are time.Time with the zero value meaning "unset". The
storage layer serializes these structs as JSON; wire DTOs live in pkg/api.

# Job Lifecycle

Jobs follow a state machine enforced by pkg/engine:

	queued ──lease──▶ leased ──heartbeat──▶ running
	   ▲                │                      │
	   │expired-sweep   │complete              │complete
	   │                ▼                      ▼
	   └── (requeue)  succeeded/failed/canceled (absorbing)

	sealed_pending ──finalize──▶ queued
	        │
	        └── expired-sweep ──▶ failed

Lease fields (LeaseID, LeasedByRunnerID, LeaseExpiresAt) are present iff the
job is leased or running. Attempt counts lease grants and never exceeds
MaxJobAttempts. Terminal transitions clear payload, sealed ciphertext, and
lease fields.

# Erasure Order

DeletionStages fixes the order in which staged erasure drains a project's
tables. Child tables go before the rows they reference and the project row
goes last, so a crash mid-erasure never leaves orphans pointing at deleted
parents. DeletionStage.Next walks the list.

# Design Patterns

Enumeration pattern:

	All enums use typed string constants:
	  type JobStatus string
	  const (
	      JobStatusQueued JobStatus = "queued"
	      JobStatusLeased JobStatus = "leased"
	  )

Optional fields:

	Optional sub-records use pointers (*DraftSection, *RunEventMeta,
	*AuditTarget); optional scalars use zero values (empty string, zero
	time.Time).

Variant shapes:

	Where a shape depends on a tag the tag is explicit: WorkspaceRef.Kind,
	AuditTarget.Kind, RunEventMeta (phase or exit code, never both).

# Thread Safety

Types are plain data. The storage layer serializes access through bbolt
transactions; in-memory holders must synchronize themselves.

# See Also

  - pkg/storage for persistence and index layout
  - pkg/engine for lifecycle semantics
  - pkg/validate for the sanitizers that bound these shapes
*/
package types

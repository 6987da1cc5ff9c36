/*
Package api implements the Clawlets HTTP control-plane API.

The api package is the single external surface of the control plane. It
serves three audiences on one listener: operators (CLI and automation)
under /v1, runner agents under /runner, and platform tooling on the
system endpoints (/health, /ready, /metrics, /ws/events). Every request
body and response body is JSON except the result blob upload, which is
raw bytes.

# Architecture

The server is a thin translation layer over the engine:

	┌────────── OPERATOR (CLI / automation) ──────────┐   ┌──── RUNNER ────┐
	│                                                  │   │                │
	│  Bearer <operator token>                         │   │  Bearer <runner│
	│  /v1/projects/...                                │   │  token>        │
	└───────────────────────┬─────────────────────────┘   └───────┬────────┘
	                        │ HTTP/JSON                            │
	┌───────────────────────▼──────────────────────────────────────▼────────┐
	│                        HTTP API Server (pkg/api)                       │
	│  - gorilla/mux routing                                                 │
	│  - request decoding + wire DTOs                                        │
	│  - bearer auth (operators) / engine token auth (runners)               │
	│  - error envelope + metrics instrumentation                            │
	└───────────────────────────────────┬────────────────────────────────────┘
	                                    │
	┌───────────────────────────────────▼────────────────────────────────────┐
	│                              Engine                                    │
	│  - access checks, validation, state transitions                        │
	│  - one storage transaction per operation                               │
	└────────────────────────────────────────────────────────────────────────┘

The API holds no state of its own beyond the listener and its start
time. All authorization beyond token recognition lives in the engine;
the API only resolves "who is calling" into a principal or runner
identity.

# Routes

Runner surface (token auth resolved per request, project ID travels in
the body):

	POST /runner/heartbeat               Announce liveness and capabilities
	POST /runner/jobs/lease-next         Lease the next eligible job
	POST /runner/jobs/heartbeat          Extend a held lease
	POST /runner/jobs/complete           Report terminal job status
	POST /runner/run-events/append-batch Append run log events
	POST /runner/metadata/sync           Upload fleet metadata snapshot
	POST /runner/results/upload          Upload a large result blob

Operator surface (bearer token auth, project scope in the path):

	POST   /v1/projects                          Create project
	GET    /v1/projects                          List member projects
	GET    /v1/projects/{id}                     Get project
	POST   /v1/projects/{id}/members             Add member (admin)
	GET    /v1/projects/{id}/members             List members
	DELETE /v1/projects/{id}/members/{user}      Remove member (admin)
	PUT    /v1/projects/{id}/policy              Set retention policy (admin)
	GET    /v1/projects/{id}/policy              Get retention policy
	GET    /v1/projects/{id}/audit               Query audit log (admin)
	POST   /v1/projects/{id}/runners             Register runner (admin)
	GET    /v1/projects/{id}/runners             List runners
	POST   /v1/projects/{id}/runners/{rid}/tokens  Issue runner token (admin)
	GET    /v1/projects/{id}/runners/{rid}/tokens  List token metadata
	DELETE /v1/projects/{id}/tokens/{tid}        Revoke runner token (admin)
	POST   /v1/projects/{id}/jobs                Enqueue job
	GET    /v1/projects/{id}/jobs                List jobs (status filter, cursor)
	POST   /v1/projects/{id}/jobs/reserve-sealed Reserve sealed-input job
	POST   /v1/projects/{id}/jobs/{jid}/finalize-sealed  Attach ciphertext
	POST   /v1/projects/{id}/jobs/{jid}/cancel   Cancel job
	GET    /v1/projects/{id}/jobs/{jid}          Get job
	GET    /v1/projects/{id}/hosts               List synced host rows
	GET    /v1/projects/{id}/gateways            List synced gateway rows
	GET    /v1/projects/{id}/runs                List runs (cursor)
	GET    /v1/projects/{id}/runs/{rid}          Get run
	GET    /v1/projects/{id}/runs/{rid}/events   List run events (cursor)
	POST   /v1/projects/{id}/runs/{rid}/jobs/{jid}/result/take  Consume result
	POST   /v1/projects/{id}/delete/start        Issue deletion ticket (admin)
	POST   /v1/projects/{id}/delete/confirm      Confirm deletion (admin)
	GET    /v1/projects/{id}/delete/status       Deletion progress
	PUT    /v1/projects/{id}/drafts/{host}/{section}  Stage sealed draft section
	GET    /v1/projects/{id}/drafts/{host}       Get draft (expired sections elided)
	DELETE /v1/projects/{id}/drafts/{host}       Discard draft
	POST   /v1/projects/{id}/drafts/{host}/commit    Mark draft committing
	POST   /v1/projects/{id}/drafts/{host}/complete  Finish draft commit

System surface (no auth):

	GET /health     Liveness: status, version, uptime
	GET /ready      Readiness: storage check, 503 until it passes
	GET /metrics    Prometheus exposition
	GET /ws/events  Websocket event stream (?projectId= filter)

Maintenance surface (admin-gated, hidden unless enabled in config):

	POST /maintenance/results/purge     Purge expired results now
	POST /maintenance/retention/sweep   Run a retention sweep now
	POST /maintenance/tenant/purge      Force-resume a tenant erasure
	POST /maintenance/indexes/backfill  Rebuild derived indexes

When maintenance is disabled the whole subtree answers 404 with the
standard not-found envelope, so probing it looks no different from any
unknown path.

# Error Envelope

Every error response carries one JSON object:

	{"error": {"code": "not_found", "message": "job abc123: not found"}}

Codes map to status:

	unauthorized  401   missing/unknown token
	forbidden     403   caller lacks the role
	not_found     404   missing row, or masked to hide existence
	conflict      409   validation failure or state conflict
	rate_limited  429   per-tenant limiter engaged
	bad_request   400   malformed JSON, bad cursor, bad limit
	internal      500   anything uncoded; detail goes to the log, not the wire

Stale runner calls (lease lost, job finished elsewhere) are not errors:
heartbeat and complete answer {"ok": false, "status": ...} with 200 so
runners can converge without special-casing status codes.

# Usage

	srv := api.NewServer(api.Config{
		Engine:         eng,
		Store:          store,
		Broker:         broker,
		Sweeper:        sweeper,
		Eraser:         eraser,
		OperatorTokens: cfg.Auth.TokenTable(),
		Version:        version,
	})
	if err := srv.Start(cfg.Server.ListenAddr); err != nil {
		log.Fatal().Err(err).Msg("api server failed")
	}

Handler() returns the routed http.Handler directly, which is what the
tests and any embedding process use.

# Wire Types

Internal types carry no JSON tags; storage encodes them by Go field
name. The wire speaks camelCase, so wire.go declares a DTO per exposed
type plus a converter. Zero timestamps are elided rather than sent as
year-one strings. Runner token hashes never leave the server; issued
token plaintext appears exactly once, in the issue response.

# Metrics Instrumentation

Every non-websocket request increments clawlets_api_requests_total
{method, status} and observes clawlets_api_request_duration_seconds
{method}. The websocket route is skipped: wrapping its ResponseWriter
would hide http.Hijacker from the upgrader, and a connection that lives
for hours would poison the duration histogram anyway.

# Integration Points

This package integrates with:

  - pkg/engine: every operation
  - pkg/storage: readiness probe and index backfill
  - pkg/events: websocket fan-out
  - pkg/retention, pkg/erasure: maintenance triggers
  - pkg/errdefs: error code vocabulary
  - pkg/metrics: request instrumentation

# See Also

  - pkg/engine for operation semantics and access rules
  - pkg/client for the Go client the CLI uses
  - pkg/config for listener, auth table, and maintenance gate settings
*/
package api

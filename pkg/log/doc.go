/*
Package log provides structured logging for the control plane using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │            Global Logger                   │           │
	│  │  - Zerolog instance                        │           │
	│  │  - Initialized via log.Init()              │           │
	│  │  - Thread-safe for concurrent use          │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Configuration                    │           │
	│  │  - Level: debug/info/warn/error            │           │
	│  │  - Format: JSON or console (human)         │           │
	│  │  - Output: stdout, file, or custom writer  │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │         Context Loggers                    │           │
	│  │  - WithComponent("engine")                 │           │
	│  │  - WithProject("proj-abc123")              │           │
	│  │  - WithRunner("runner-xyz")                │           │
	│  │  - WithJob("job-def456")                   │           │
	│  │  - WithRun("run-789")                      │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: per-transition detail (state changes, validation rejections)
  - Info: lease grants, terminal transitions, sweep and erasure progress
  - Warn: recoverable oddities (stale lease reclaimed, fallback taken)
  - Error: operation failed
  - Fatal: unrecoverable startup errors (process exits)

Context Loggers:
  - WithComponent: engine, retention, erasure, api, reconciler, ...
  - WithProject / WithRunner / WithJob / WithRun: entity-scoped children

# Usage

Initialize once at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Use component loggers in long-lived components:

	logger := log.WithComponent("engine")
	logger.Info().
		Str("job_id", job.ID).
		Str("runner_id", runner.ID).
		Int("attempt", job.Attempt).
		Msg("job leased")

Secret hygiene: never log tokens, sealed envelopes, or payloads. Error
messages that may carry user content pass pkg/redact before they are
persisted or logged.

# Log Levels

Production runs at info. Debug enables per-candidate lease tracing and
validator rejections; it is verbose and meant for development stores.
*/
package log

/*
Package scheduler provides the cooperative delayed-work queue the control
plane uses for everything that must happen "a bit later": erasure job steps
(+500 ms), retention sweep continuations (+5 s), and expired-result purges.

Components never hold in-memory timers of their own. They hand the scheduler
a named callback and a delay, and the callback re-reads all state from
storage when it fires. Dropped callbacks are therefore never fatal: every
deferred chain is re-entrant and resumable from its persisted cursor or
lease, and a restart simply re-arms the chain on the next periodic pass.

# Architecture

	RunAfter(d, name, fn)
	        │
	        ▼
	┌──────────────────────────────┐
	│  min-heap, ordered by due    │
	│  time (insertion order on    │
	│  ties)                       │
	└──────────────┬───────────────┘
	               │ timer fires / new head
	               ▼
	┌──────────────────────────────┐
	│  dispatcher goroutine        │
	│  runs due tasks serially     │
	└──────────────────────────────┘

Tasks run one at a time on the dispatcher goroutine. That is deliberate:
every scheduled task in this codebase is a single storage transaction, and
serial dispatch means deferred work never races itself.

# Usage

	sched := scheduler.NewQueue()
	sched.Start()
	defer sched.Stop()

	sched.RunAfter(500*time.Millisecond, "deletion.step", func() {
		worker.Step(jobID)
	})

# Testing

Fake implements the same interface but captures tasks instead of timing
them. Tests step through deferred chains explicitly:

	sched := scheduler.NewFake()
	engine.DeleteConfirm(...)        // schedules the first erasure step
	sched.RunAll(100)                // drains the chain deterministically

# See Also

  - pkg/erasure - staged tenant erasure stepped through this queue
  - pkg/retention - sweep continuations
*/
package scheduler

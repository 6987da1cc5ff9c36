/*
Package retention implements the metered garbage collector for aged
project history: run events, audit entries, and terminal runs older than
each project's retention window.

A sweep is not a table scan. Each pass walks project policies from a
persisted cursor, deletes under a per-project and per-pass row budget,
and stops the moment the budget runs out. The cursor row records where
the pass ended; a continuation resumes five seconds later and keeps the
same lease, so a large backlog drains in small transactions instead of
one long stall.

# Lease Protocol

One RetentionSweep row (key "default") is shared by every instance.
A sweeper stamps a fresh lease ID with a 60 second expiry, then reads
the row back to confirm the stamp survived. A stamp that is held and
unexpired refuses the pass with conflict; callers treat that as "someone
else is sweeping" and move on.

# Deletion Order

Per project, oldest rows first:

 1. run events older than the cutoff
 2. audit entries older than the cutoff
 3. terminal runs started before the cutoff, each run's surviving
    events drained before the run row itself

Non-terminal runs are never collected, whatever their age. Retention
days clamp to [1, 365] at sweep time; the stored policy value is left
untouched.

# Usage

	sweeper := retention.New(retention.Config{
		Store:  store,
		Sched:  sched,
		Broker: broker,
	})
	report, err := sweeper.Sweep("interval")

The server runs Sweep on a timer (default every five minutes) and the
maintenance API exposes a forced pass. Reports carry per-class deletion
counts and whether a continuation was scheduled.
*/
package retention

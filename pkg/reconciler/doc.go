/*
Package reconciler provides runner liveness detection.

Runners report themselves through heartbeats; nothing reports their
absence. The reconciler closes that gap: every 30 seconds it scans the
runner table and flips any runner to offline whose last heartbeat is
more than 90 seconds old. That is its entire write surface. Job leases
held by a dead runner are not touched here; lease expiry requeues them
on its own clock.

# Timing

	heartbeat interval (runner side)    ~30 s
	sweep interval                       30 s
	offline threshold                    90 s

A runner flips offline after missing roughly three heartbeats, and the
transition is observed at worst one sweep late. Coming back online is
instant: the next authenticated heartbeat flips the status directly.

# Usage

	rec := reconciler.New(reconciler.Config{Store: store, Broker: broker})
	rec.Start()
	defer rec.Stop()

Each flip publishes a runner.offline event and increments the offline
counter metric.
*/
package reconciler

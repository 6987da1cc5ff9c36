package retention

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clawlets/clawlets/pkg/clock"
	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/events"
	"github.com/clawlets/clawlets/pkg/log"
	"github.com/clawlets/clawlets/pkg/metrics"
	"github.com/clawlets/clawlets/pkg/scheduler"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
)

const (
	// sweepKey is the fixed key of the singleton cursor row.
	sweepKey = "default"

	// leaseTTL bounds how long one sweeper instance may hold the
	// singleton before a peer can take over.
	leaseTTL = 60 * time.Second

	// policyPageSize is how many project policies one pass scans. One
	// extra row is read as a sentinel to detect unfinished ground.
	policyPageSize = 25

	// projectBudget caps deletions per project per pass; passBudget caps
	// the whole pass. Both keep the sweep transaction short.
	projectBudget = 200
	passBudget    = 1000

	// continueDelay is the backoff before a partial pass resumes.
	continueDelay = 5 * time.Second

	// Retention days clamp to this range at sweep time, whatever the
	// stored policy says.
	minRetentionDays = 1
	maxRetentionDays = 365
)

// Config holds the sweeper dependencies.
type Config struct {
	Store storage.Store

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Sched resumes partial passes; nil leaves resumption to the next
	// periodic sweep.
	Sched scheduler.Scheduler

	// Broker receives retention.swept events; nil disables publishing.
	Broker *events.Broker
}

// Sweeper deletes aged run events, audit entries, and terminal runs
// according to each project's retention policy. One singleton lease row
// serializes sweeps across instances; a persisted cursor lets a pass
// stop at its row budget and resume where it left off.
type Sweeper struct {
	store  storage.Store
	clock  clock.Clock
	sched  scheduler.Scheduler
	broker *events.Broker
	logger zerolog.Logger
}

// New creates a sweeper from its dependencies.
func New(cfg Config) *Sweeper {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &Sweeper{
		store:  cfg.Store,
		clock:  cfg.Clock,
		sched:  cfg.Sched,
		broker: cfg.Broker,
		logger: log.WithComponent("retention"),
	}
}

// Sweep runs one bounded pass. Reason is logging-only ("interval",
// "maintenance"). Returns conflict when another sweeper holds the lease.
func (s *Sweeper) Sweep(reason string) (*types.RetentionReport, error) {
	return s.sweep(reason, "")
}

// sweep acquires (or renews, for continuations) the singleton lease and
// runs the pass. A continuation passes the lease it already holds.
func (s *Sweeper) sweep(reason, prior string) (*types.RetentionReport, error) {
	timer := metrics.NewTimer()
	lease, err := s.acquire(prior)
	if err != nil {
		return nil, err
	}

	report, err := s.pass(lease)
	if err != nil {
		s.release(lease)
		return nil, err
	}

	timer.ObserveDuration(metrics.RetentionSweepDuration)
	metrics.RetentionRowsDeleted.WithLabelValues("runEvents").Add(float64(report.RunEventsDeleted))
	metrics.RetentionRowsDeleted.WithLabelValues("auditLogs").Add(float64(report.AuditLogsDeleted))
	metrics.RetentionRowsDeleted.WithLabelValues("runs").Add(float64(report.RunsDeleted))

	s.logger.Info().
		Str("reason", reason).
		Int("projects", report.ProjectsScanned).
		Int("run_events", report.RunEventsDeleted).
		Int("audit_logs", report.AuditLogsDeleted).
		Int("runs", report.RunsDeleted).
		Bool("continued", report.Continued).
		Msg("Retention sweep finished")

	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:      events.EventRetentionSwept,
			Timestamp: s.clock.Now(),
			Message:   fmt.Sprintf("retention sweep deleted %d rows", report.RunEventsDeleted+report.AuditLogsDeleted+report.RunsDeleted),
			Metadata: map[string]string{
				"reason":    reason,
				"projects":  fmt.Sprintf("%d", report.ProjectsScanned),
				"continued": fmt.Sprintf("%t", report.Continued),
			},
		})
	}

	if report.Continued && s.sched != nil {
		s.sched.RunAfter(continueDelay, "retention.continue", func() {
			if _, err := s.sweep("continue", lease); err != nil {
				s.logger.Warn().Err(err).Msg("Retention continuation failed")
			}
		})
	}
	return report, nil
}

// acquire stamps the singleton lease and verifies the stamp with a
// read-back. Prior renews a lease a continuation already holds; a lease
// held by anyone else and not yet expired wins.
func (s *Sweeper) acquire(prior string) (string, error) {
	now := s.clock.Now()
	lease := prior
	if lease == "" {
		lease = uuid.NewString()
	}
	err := s.store.Update(func(tx *storage.Tx) error {
		sweep, err := tx.GetRetentionSweep(sweepKey)
		if errors.Is(err, storage.ErrNotFound) {
			sweep = &types.RetentionSweep{Key: sweepKey}
		} else if err != nil {
			return err
		}
		held := sweep.LeaseID != "" && sweep.LeaseID != lease && sweep.LeaseExpiresAt.After(now)
		if held {
			return errdefs.Conflict("retention sweep already running")
		}
		sweep.LeaseID = lease
		sweep.LeaseExpiresAt = now.Add(leaseTTL)
		sweep.UpdatedAt = now
		return tx.PutRetentionSweep(sweep)
	})
	if err != nil {
		return "", err
	}

	var verified bool
	err = s.store.View(func(tx *storage.Tx) error {
		sweep, err := tx.GetRetentionSweep(sweepKey)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		verified = sweep.LeaseID == lease
		return nil
	})
	if err != nil {
		return "", err
	}
	if !verified {
		return "", errdefs.Conflict("retention sweep already running")
	}
	return lease, nil
}

// release clears the lease if it is still ours. Best effort: a failed
// release just means the lease runs out its TTL.
func (s *Sweeper) release(lease string) {
	err := s.store.Update(func(tx *storage.Tx) error {
		sweep, err := tx.GetRetentionSweep(sweepKey)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil || sweep.LeaseID != lease {
			return err
		}
		sweep.LeaseID = ""
		sweep.LeaseExpiresAt = time.Time{}
		return tx.PutRetentionSweep(sweep)
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Retention lease release failed")
	}
}

// pass runs one budgeted sweep transaction under lease. The cursor
// advances past a project only once it finished under budget, so a
// project cut off mid-sweep is rescanned by the continuation.
func (s *Sweeper) pass(lease string) (*types.RetentionReport, error) {
	now := s.clock.Now()
	report := &types.RetentionReport{}

	err := s.store.Update(func(tx *storage.Tx) error {
		sweep, err := tx.GetRetentionSweep(sweepKey)
		if errors.Is(err, storage.ErrNotFound) {
			return errdefs.Conflict("retention sweep lease lost")
		}
		if err != nil {
			return err
		}
		if sweep.LeaseID != lease {
			return errdefs.Conflict("retention sweep lease lost")
		}

		policies, err := tx.ListProjectPoliciesAfter(sweep.Cursor, policyPageSize+1)
		if err != nil {
			return err
		}
		more := len(policies) > policyPageSize
		if more {
			policies = policies[:policyPageSize]
		}

		budget := passBudget
		cursor := sweep.Cursor
		continued := false
		for _, policy := range policies {
			if budget <= 0 {
				continued = true
				break
			}
			allot := projectBudget
			if allot > budget {
				allot = budget
			}
			counts, full, err := s.sweepProject(tx, policy, now, allot)
			if err != nil {
				return err
			}
			report.ProjectsScanned++
			report.RunEventsDeleted += counts.events
			report.AuditLogsDeleted += counts.audits
			report.RunsDeleted += counts.runs
			budget -= counts.events + counts.audits + counts.runs
			if full {
				continued = true
				break
			}
			cursor = policy.ProjectID
		}
		if more {
			continued = true
		}
		if !continued {
			cursor = ""
		}

		sweep.Cursor = cursor
		sweep.UpdatedAt = now
		if continued {
			sweep.LeaseExpiresAt = now.Add(leaseTTL)
		} else {
			sweep.LeaseID = ""
			sweep.LeaseExpiresAt = time.Time{}
		}
		report.Continued = continued
		return tx.PutRetentionSweep(sweep)
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

type sweepCounts struct {
	events int
	audits int
	runs   int
}

func (c sweepCounts) total() int { return c.events + c.audits + c.runs }

// sweepProject deletes one project's aged rows within budget: run events
// first, then audit entries, then terminal runs with any leftover events
// drained per run before the run row goes. Full reports that the budget
// ran out with rows possibly remaining.
func (s *Sweeper) sweepProject(tx *storage.Tx, policy *types.ProjectPolicy, now time.Time, budget int) (sweepCounts, bool, error) {
	var counts sweepCounts

	days := policy.RetentionDays
	if days < minRetentionDays {
		days = minRetentionDays
	}
	if days > maxRetentionDays {
		days = maxRetentionDays
	}
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)

	n, err := tx.DeleteRunEventsByProjectBefore(policy.ProjectID, cutoff, budget-counts.total())
	if err != nil {
		return counts, false, err
	}
	counts.events += n
	if counts.total() >= budget {
		return counts, true, nil
	}

	n, err = tx.DeleteAuditByProjectBefore(policy.ProjectID, cutoff, budget-counts.total())
	if err != nil {
		return counts, false, err
	}
	counts.audits += n
	if counts.total() >= budget {
		return counts, true, nil
	}

	runs, err := tx.RunsOlderThan(policy.ProjectID, cutoff, budget-counts.total())
	if err != nil {
		return counts, false, err
	}
	for _, run := range runs {
		if !run.Status.Terminal() {
			continue
		}
		if counts.total() >= budget {
			return counts, true, nil
		}
		// Events younger than the cutoff can still hang off an old run.
		for {
			n, err := tx.DeleteRunEventsByRun(run.ID, budget-counts.total())
			if err != nil {
				return counts, false, err
			}
			counts.events += n
			if n == 0 {
				break
			}
			if counts.total() >= budget {
				return counts, true, nil
			}
		}
		if err := tx.DeleteRun(run.ID); err != nil {
			return counts, false, err
		}
		counts.runs++
	}
	return counts, counts.total() >= budget, nil
}

package reconciler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/clawlets/clawlets/pkg/clock"
	"github.com/clawlets/clawlets/pkg/events"
	"github.com/clawlets/clawlets/pkg/log"
	"github.com/clawlets/clawlets/pkg/metrics"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
)

const (
	// interval between liveness sweeps.
	interval = 30 * time.Second

	// offlineAfter is how stale a heartbeat may be before the runner
	// counts as offline.
	offlineAfter = 90 * time.Second
)

// Reconciler flips runners to offline when their heartbeats go stale.
// Liveness is the only thing it writes; every other runner field belongs
// to the heartbeat path.
type Reconciler struct {
	store  storage.Store
	clock  clock.Clock
	broker *events.Broker
	logger zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config holds the reconciler dependencies.
type Config struct {
	Store storage.Store

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Broker receives runner.offline events; nil disables publishing.
	Broker *events.Broker
}

// New creates a reconciler from its dependencies.
func New(cfg Config) *Reconciler {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &Reconciler{
		store:  cfg.Store,
		clock:  cfg.Clock,
		broker: cfg.Broker,
		logger: log.WithComponent("reconciler"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the liveness loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop halts the loop and waits for an in-flight sweep.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.reconcile(); err != nil {
				r.logger.Error().Err(err).Msg("Runner liveness sweep failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// reconcile runs one sweep and reports how many runners it flipped.
func (r *Reconciler) reconcile() (int, error) {
	now := r.clock.Now()
	var stale []*types.Runner
	err := r.store.Update(func(tx *storage.Tx) error {
		runners, err := tx.ListRunners()
		if err != nil {
			return err
		}
		stale = stale[:0]
		for _, runner := range runners {
			if runner.LastStatus != types.RunnerStatusOnline {
				continue
			}
			if now.Sub(runner.LastSeenAt) <= offlineAfter {
				continue
			}
			runner.LastStatus = types.RunnerStatusOffline
			if err := tx.PutRunner(runner); err != nil {
				return err
			}
			stale = append(stale, runner)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.ReconcileCycles.Inc()
	for _, runner := range stale {
		metrics.RunnersMarkedOffline.Inc()
		r.logger.Info().
			Str("runner_id", runner.ID).
			Str("project_id", runner.ProjectID).
			Time("last_seen", runner.LastSeenAt).
			Msg("Runner went offline")
		if r.broker != nil {
			r.broker.Publish(&events.Event{
				Type:      events.EventRunnerOffline,
				ProjectID: runner.ProjectID,
				Timestamp: now,
				Message:   "runner " + runner.Name + " offline",
				Metadata:  map[string]string{"runner_id": runner.ID},
			})
		}
	}
	return len(stale), nil
}

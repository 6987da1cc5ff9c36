package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/clawlets/clawlets/pkg/authz"
	"github.com/clawlets/clawlets/pkg/clock"
	"github.com/clawlets/clawlets/pkg/errdefs"
	"github.com/clawlets/clawlets/pkg/events"
	"github.com/clawlets/clawlets/pkg/log"
	"github.com/clawlets/clawlets/pkg/metrics"
	"github.com/clawlets/clawlets/pkg/ratelimit"
	"github.com/clawlets/clawlets/pkg/scheduler"
	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
)

// DeletionScheduler hands a confirmed project erasure to the step worker.
// The engine never deletes tenant data itself; it creates the deletion job
// row and schedules the first step through this hook.
type DeletionScheduler interface {
	ScheduleStep(jobID string, delay time.Duration)
}

// Config holds the engine dependencies.
type Config struct {
	Store   storage.Store
	Blobs   storage.BlobStore
	Gate    *authz.Gate
	Limiter *ratelimit.Limiter

	// Broker receives lifecycle events; nil disables publishing.
	Broker *events.Broker

	// Deletions drives confirmed erasures; nil leaves deletion jobs
	// pending until a worker picks them up on restart.
	Deletions DeletionScheduler

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Scheduler runs deferred engine work (result purge kicks). Optional.
	Scheduler scheduler.Scheduler
}

// Engine is the transactional core of the control plane: project and
// runner registry, the job lease state machine, sealed-input reservations,
// result handoff, metadata ingest, and the audit trail. Every operation
// runs as a single storage transaction; concurrency control is lease
// tokens and snapshot isolation, never in-memory locks.
type Engine struct {
	store     storage.Store
	blobs     storage.BlobStore
	gate      *authz.Gate
	limiter   *ratelimit.Limiter
	broker    *events.Broker
	deletions DeletionScheduler
	clock     clock.Clock
	sched     scheduler.Scheduler
	logger    zerolog.Logger

	payloadPolicies map[string]PayloadPolicy
}

// New creates an engine from its dependencies.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &Engine{
		store:           cfg.Store,
		blobs:           cfg.Blobs,
		gate:            cfg.Gate,
		limiter:         cfg.Limiter,
		broker:          cfg.Broker,
		deletions:       cfg.Deletions,
		clock:           cfg.Clock,
		sched:           cfg.Scheduler,
		logger:          log.WithComponent("engine"),
		payloadPolicies: defaultPayloadPolicies(),
	}
}

// Store exposes the underlying store for wiring (API status handlers,
// background workers constructed alongside the engine).
func (e *Engine) Store() storage.Store {
	return e.store
}

func (e *Engine) now() time.Time {
	return e.clock.Now()
}

// allow applies the per-operation rate limit for user. A nil limiter
// admits everything.
func (e *Engine) allow(ctx context.Context, op, user string) error {
	if e.limiter == nil {
		return nil
	}
	err := e.limiter.Allow(ctx, op, user, e.now())
	if errdefs.IsRateLimited(err) {
		metrics.RateLimitRejections.WithLabelValues(op).Inc()
	}
	return err
}

// publish emits a lifecycle event when a broker is attached.
func (e *Engine) publish(ev *events.Event) {
	if e.broker == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.broker.Publish(ev)
}

// resolvePrincipal applies the development-mode override for operations
// that are not scoped to a project and therefore bypass the gate.
func (e *Engine) resolvePrincipal(principal types.Principal) (types.Principal, error) {
	if e.gate.AuthDisabled() {
		return types.Principal{UserID: authz.DevUserID}, nil
	}
	if principal.UserID == "" {
		return types.Principal{}, errdefs.Unauthorized("authentication required")
	}
	return principal, nil
}

// Project-scoped fetch helpers. Rows belonging to another project are
// reported as not found so ids never leak across tenants; real storage
// failures pass through.

func projectJob(tx *storage.Tx, projectID, jobID string) (*types.Job, error) {
	job, err := tx.GetJob(jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errdefs.NotFound("job %s not found", jobID)
	}
	if err != nil {
		return nil, err
	}
	if job.ProjectID != projectID {
		return nil, errdefs.NotFound("job %s not found", jobID)
	}
	return job, nil
}

func projectRun(tx *storage.Tx, projectID, runID string) (*types.Run, error) {
	run, err := tx.GetRun(runID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errdefs.NotFound("run %s not found", runID)
	}
	if err != nil {
		return nil, err
	}
	if run.ProjectID != projectID {
		return nil, errdefs.NotFound("run %s not found", runID)
	}
	return run, nil
}

func projectRunner(tx *storage.Tx, projectID, runnerID string) (*types.Runner, error) {
	runner, err := tx.GetRunner(runnerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errdefs.NotFound("runner %s not found", runnerID)
	}
	if err != nil {
		return nil, err
	}
	if runner.ProjectID != projectID {
		return nil, errdefs.NotFound("runner %s not found", runnerID)
	}
	return runner, nil
}

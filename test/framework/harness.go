package framework

import (
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"

	"github.com/clawlets/clawlets/pkg/api"
	"github.com/clawlets/clawlets/pkg/authz"
	"github.com/clawlets/clawlets/pkg/client"
	"github.com/clawlets/clawlets/pkg/engine"
	"github.com/clawlets/clawlets/pkg/erasure"
	"github.com/clawlets/clawlets/pkg/events"
	"github.com/clawlets/clawlets/pkg/metrics"
	"github.com/clawlets/clawlets/pkg/ratelimit"
	"github.com/clawlets/clawlets/pkg/reconciler"
	"github.com/clawlets/clawlets/pkg/retention"
	"github.com/clawlets/clawlets/pkg/scheduler"
	"github.com/clawlets/clawlets/pkg/storage"
)

// Config defines the configuration for a test control plane
type Config struct {
	// DataDir holds the bolt file and blob tree; a temp dir is created
	// when empty and removed by Cleanup
	DataDir string
	// OperatorToken is the static bearer token OperatorClient sends
	OperatorToken string
	// OperatorUserID is the principal OperatorToken maps to
	OperatorUserID string
	// MaintenanceEnabled exposes the /maintenance routes
	MaintenanceEnabled bool
	// RateLimitRules overrides the default per-tenant budgets (nil keeps them)
	RateLimitRules map[string]ratelimit.Rule
	// KeepOnFailure keeps the data directory after Cleanup (for debugging)
	KeepOnFailure bool
}

// DefaultConfig returns a configuration suitable for most integration tests
func DefaultConfig() *Config {
	return &Config{
		OperatorToken:      "test-operator-token",
		OperatorUserID:     "operator-1",
		MaintenanceEnabled: true,
	}
}

// Harness runs the whole control plane in-process: storage, engine,
// background workers, and the HTTP surface on an ephemeral port.
type Harness struct {
	// Config is the harness configuration
	Config *Config
	// Store is the open bolt store
	Store *storage.BoltStore
	// Blobs is the file-backed blob store under DataDir/blobs
	Blobs *storage.FileBlobStore
	// Engine is the transactional core behind the HTTP surface
	Engine *engine.Engine
	// Broker is the event fan-out feeding /ws/events
	Broker *events.Broker
	// Eraser is the staged deletion worker
	Eraser *erasure.Worker
	// Sweeper is the retention sweep worker
	Sweeper *retention.Sweeper
	// HTTP is the test server bound to an ephemeral port
	HTTP *httptest.Server

	queue     *scheduler.Queue
	recon     *reconciler.Reconciler
	collector *metrics.Collector
	tempDir   bool
	running   bool
}

// NewHarness creates a harness with the given configuration. Nothing
// starts until Start is called.
func NewHarness(cfg *Config) (*Harness, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.OperatorToken == "" {
		return nil, fmt.Errorf("OperatorToken cannot be empty")
	}
	if cfg.OperatorUserID == "" {
		return nil, fmt.Errorf("OperatorUserID cannot be empty")
	}

	h := &Harness{Config: cfg}
	if cfg.DataDir == "" {
		dir, err := os.MkdirTemp("", "clawlets-test-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
		cfg.DataDir = dir
		h.tempDir = true
	}
	return h, nil
}

// Start wires every component the way the serve command does and binds
// the HTTP surface. It may be called again after Stop; state persists
// in DataDir across the restart.
func (h *Harness) Start() error {
	if h.running {
		return fmt.Errorf("harness already running")
	}

	store, err := storage.Open(h.Config.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	h.Store = store

	blobs, err := storage.NewFileBlobStore(filepath.Join(h.Config.DataDir, "blobs"))
	if err != nil {
		h.Store.Close()
		return fmt.Errorf("failed to open blob store: %w", err)
	}
	h.Blobs = blobs

	h.Broker = events.NewBroker()
	h.Broker.Start()

	h.queue = scheduler.NewQueue()
	h.queue.Start()

	h.Eraser = erasure.New(erasure.Config{
		Store:  h.Store,
		Blobs:  h.Blobs,
		Sched:  h.queue,
		Broker: h.Broker,
	})
	h.Sweeper = retention.New(retention.Config{
		Store:  h.Store,
		Sched:  h.queue,
		Broker: h.Broker,
	})

	h.Engine = engine.New(engine.Config{
		Store:     h.Store,
		Blobs:     h.Blobs,
		Gate:      authz.New(false),
		Limiter:   ratelimit.New(ratelimit.NewMemoryStore(), h.Config.RateLimitRules),
		Broker:    h.Broker,
		Deletions: h.Eraser,
		Scheduler: h.queue,
	})

	h.recon = reconciler.New(reconciler.Config{
		Store:  h.Store,
		Broker: h.Broker,
	})
	h.recon.Start()

	h.collector = metrics.NewCollector(h.Store)
	h.collector.Start()

	// Deletion jobs left by a previous run (or a Restart) pick up from
	// their persisted stage cursor.
	if err := h.Eraser.Resume(); err != nil {
		return fmt.Errorf("failed to resume deletion jobs: %w", err)
	}

	srv := api.NewServer(api.Config{
		Engine:             h.Engine,
		Store:              h.Store,
		Broker:             h.Broker,
		Sweeper:            h.Sweeper,
		Eraser:             h.Eraser,
		OperatorTokens:     map[string]string{h.Config.OperatorToken: h.Config.OperatorUserID},
		MaintenanceEnabled: h.Config.MaintenanceEnabled,
		Version:            "test",
	})
	h.HTTP = httptest.NewServer(srv.Handler())
	h.running = true

	return nil
}

// Stop shuts everything down in reverse start order. The data directory
// stays; Start brings the same state back up.
func (h *Harness) Stop() error {
	if !h.running {
		return nil
	}
	h.running = false

	h.HTTP.Close()
	h.collector.Stop()
	h.recon.Stop()
	h.queue.Stop()
	h.Broker.Stop()

	if err := h.Store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// Restart simulates a process restart: stop, then start again on the
// same data directory. The HTTP server comes back on a new port, so
// clients must be rebuilt from BaseURL afterwards.
func (h *Harness) Restart() error {
	if err := h.Stop(); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}
	return h.Start()
}

// Cleanup stops the harness and removes the data directory
func (h *Harness) Cleanup() error {
	if err := h.Stop(); err != nil {
		fmt.Printf("Warning: error during stop: %v\n", err)
	}
	if h.tempDir && !h.Config.KeepOnFailure {
		if err := os.RemoveAll(h.Config.DataDir); err != nil {
			return fmt.Errorf("failed to remove data dir: %w", err)
		}
	}
	return nil
}

// BaseURL returns the HTTP base URL of the running harness
func (h *Harness) BaseURL() string {
	return h.HTTP.URL
}

// OperatorClient returns a client authenticated with the operator token
func (h *Harness) OperatorClient() *client.Client {
	return client.NewClientWithToken(h.HTTP.URL, h.Config.OperatorToken)
}

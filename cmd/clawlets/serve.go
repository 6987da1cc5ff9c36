package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawlets/clawlets/pkg/api"
	"github.com/clawlets/clawlets/pkg/authz"
	"github.com/clawlets/clawlets/pkg/config"
	"github.com/clawlets/clawlets/pkg/engine"
	"github.com/clawlets/clawlets/pkg/erasure"
	"github.com/clawlets/clawlets/pkg/events"
	"github.com/clawlets/clawlets/pkg/log"
	"github.com/clawlets/clawlets/pkg/metrics"
	"github.com/clawlets/clawlets/pkg/ratelimit"
	"github.com/clawlets/clawlets/pkg/reconciler"
	"github.com/clawlets/clawlets/pkg/retention"
	"github.com/clawlets/clawlets/pkg/scheduler"
	"github.com/clawlets/clawlets/pkg/storage"
)

// resultPurgeInterval is how often expired results are swept out of
// storage; the batch bound keeps each pass to one short transaction.
const (
	resultPurgeInterval = time.Minute
	resultPurgeBatch    = 500
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane server",
	Long: `Run the control plane server: the HTTP API, the runner ingest routes,
and the background workers (retention sweeper, erasure worker, runner
liveness reconciler, result purge, metrics collector).

Configuration comes from a YAML file overlaid with CLAWLETS_* environment
variables; both are optional and defaults suit local development.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the YAML configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("main")
	logger.Info().Str("version", Version).Msg("starting control plane")

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	blobs, err := storage.NewFileBlobStore(filepath.Join(cfg.Storage.DataDir, "blobs"))
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}

	var limiterStore ratelimit.Store
	if cfg.RateLimit.RedisAddr != "" {
		redisStore, err := ratelimit.NewRedisStore(cmd.Context(), cfg.RateLimit.RedisAddr, cfg.RateLimit.RedisPassword, cfg.RateLimit.RedisDB)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisStore.Close()
		limiterStore = redisStore
		logger.Info().Str("addr", cfg.RateLimit.RedisAddr).Msg("rate limiting via redis")
	} else {
		limiterStore = ratelimit.NewMemoryStore()
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	queue := scheduler.NewQueue()
	queue.Start()
	defer queue.Stop()

	eraser := erasure.New(erasure.Config{
		Store:  store,
		Blobs:  blobs,
		Sched:  queue,
		Broker: broker,
	})
	sweeper := retention.New(retention.Config{
		Store:  store,
		Sched:  queue,
		Broker: broker,
	})

	eng := engine.New(engine.Config{
		Store:     store,
		Blobs:     blobs,
		Gate:      authz.New(cfg.Auth.Disabled),
		Limiter:   ratelimit.New(limiterStore, nil),
		Broker:    broker,
		Deletions: eraser,
		Scheduler: queue,
	})

	recon := reconciler.New(reconciler.Config{Store: store, Broker: broker})
	recon.Start()
	defer recon.Stop()

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	// Deletion jobs interrupted by the last shutdown pick up where
	// their persisted stage cursor left off.
	if err := eraser.Resume(); err != nil {
		logger.Error().Err(err).Msg("failed to resume deletion jobs")
	}

	stopTimers := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Retention.Interval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := sweeper.Sweep("interval"); err != nil {
					logger.Debug().Err(err).Msg("retention sweep skipped")
				}
			case <-stopTimers:
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(resultPurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := eng.PurgeExpiredResults(context.Background(), resultPurgeBatch); err != nil {
					logger.Error().Err(err).Msg("result purge failed")
				}
			case <-stopTimers:
				return
			}
		}
	}()
	defer close(stopTimers)

	tokens := make(map[string]string, len(cfg.Auth.Tokens))
	for _, t := range cfg.Auth.Tokens {
		tokens[t.Token] = t.UserID
	}
	if cfg.Auth.Disabled {
		logger.Warn().Msg("operator auth is DISABLED; all requests run as the development user")
	}

	srv := api.NewServer(api.Config{
		Engine:             eng,
		Store:              store,
		Broker:             broker,
		Sweeper:            sweeper,
		Eraser:             eraser,
		AuthDisabled:       cfg.Auth.Disabled,
		OperatorTokens:     tokens,
		MaintenanceEnabled: cfg.Maintenance.Enabled,
		Version:            Version,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Server.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown did not drain cleanly")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

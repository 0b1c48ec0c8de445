// Package daemon assembles the engine: configuration, logging, the
// conversation store, the provider registry, the run orchestrator, the
// recovery scheduler, and the optional websocket gateway.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/marcin/weft/internal/config"
	"github.com/marcin/weft/internal/logger"
	"github.com/marcin/weft/internal/metrics"
	"github.com/marcin/weft/pkg/gateway"
	"github.com/marcin/weft/pkg/orchestrator"
	"github.com/marcin/weft/pkg/protocol"
	"github.com/marcin/weft/pkg/provider"
	"github.com/marcin/weft/pkg/recovery"
	"github.com/marcin/weft/pkg/secret"
	"github.com/marcin/weft/pkg/store"
	"github.com/marcin/weft/pkg/toolexec"
)

// Daemon is the assembled engine process.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	store     *store.Store
	secrets   *secret.FileStore
	registry  *provider.Registry
	tools     *toolexec.Executor
	metrics   *metrics.Metrics
	runs      *orchestrator.Orchestrator
	scheduler *recovery.Scheduler
	gateway   *gateway.Server
}

// New assembles a daemon from configuration.
func New(cfg *config.Config) (*Daemon, error) {
	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	log := lg.GetZerolog()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	secrets, err := secret.NewFileStore(cfg.SecretsPath())
	if err != nil {
		db.Close()
		return nil, err
	}
	resolver := secret.Chain{secret.EnvStore{}, secrets}

	m := metrics.New()

	registry := provider.NewRegistry(cfg.Providers, resolver)

	tools, err := toolexec.New(toolexec.Config{
		Workspace:      cfg.Tools.Workspace,
		Timeout:        cfg.Tools.Timeout(),
		MaxOutputBytes: cfg.Tools.MaxOutputBytes,
		Metrics:        m,
	})
	if err != nil {
		secrets.Close()
		db.Close()
		return nil, err
	}

	interp := protocol.NewInterpreter(tools, log.With().Str("component", "protocol").Logger())

	d := &Daemon{
		config:  cfg,
		logger:  lg,
		log:     log,
		store:   db,
		secrets: secrets,
		tools:   tools,
		metrics: m,
	}
	d.registry = registry

	orchCfg := orchestrator.Config{
		Store:       db,
		Registry:    registry,
		Tools:       tools,
		Interpreter: interp,
		Metrics:     m,
		Logger:      log.With().Str("component", "orchestrator").Logger(),
	}

	if cfg.Gateway.Enabled {
		gw, err := gateway.NewServer(gateway.Config{
			Port:           cfg.Gateway.Port,
			SharedSecret:   cfg.Gateway.SharedSecret,
			Store:          db,
			Registry:       registry,
			Runs:           nil, // set below once the orchestrator exists
			MetricsHandler: m.Handler(),
			Logger:         log.With().Str("component", "gateway").Logger(),
		})
		if err != nil {
			secrets.Close()
			db.Close()
			return nil, err
		}
		d.gateway = gw
		orchCfg.Sink = gw.Broadcaster()
	}

	d.runs = orchestrator.New(orchCfg)
	if d.gateway != nil {
		d.gateway.SetRuns(d.runs)
	}

	d.scheduler = recovery.New(recovery.Config{
		Store:     db,
		Registry:  registry,
		Runs:      d.runs,
		Interval:  cfg.Scheduler.Interval(),
		BatchSize: cfg.Scheduler.BatchSize,
		Metrics:   m,
		Logger:    log.With().Str("component", "recovery").Logger(),
	})

	return d, nil
}

// Orchestrator exposes the run engine for embedding callers.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator {
	return d.runs
}

// Store exposes the conversation store for embedding callers.
func (d *Daemon) Store() *store.Store {
	return d.store
}

// Start brings up background services.
func (d *Daemon) Start() error {
	if err := d.scheduler.Start(); err != nil {
		return err
	}

	if d.gateway != nil {
		go func() {
			if err := d.gateway.Start(); err != nil {
				d.log.Error().Err(err).Msg("Gateway exited")
			}
		}()
	}

	d.log.Info().Str("dataDir", d.config.DataDir).Msg("Daemon started")
	return nil
}

// Run starts the daemon and blocks until the context ends or a
// termination signal arrives, then shuts down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		d.log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	return d.Stop()
}

// Stop shuts the daemon down in dependency order.
func (d *Daemon) Stop() error {
	d.scheduler.Stop()

	if d.gateway != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.gateway.Shutdown(ctx); err != nil {
			d.log.Warn().Err(err).Msg("Gateway shutdown failed")
		}
	}

	d.secrets.Close()

	if err := d.store.Close(); err != nil {
		d.log.Warn().Err(err).Msg("Store close failed")
	}

	d.log.Info().Msg("Daemon stopped")
	return d.logger.Close()
}

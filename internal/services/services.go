// Package services assembles the daemon. Every long-lived component is
// constructed once in New, started by Run, and drained in reverse order on
// shutdown. Handles live on the Services struct, never in package-level
// singletons, so tests can stand up a full daemon against a temp workspace.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meridian-obs/contimg/internal/assembler"
	"github.com/meridian-obs/contimg/internal/calibration"
	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/control"
	"github.com/meridian-obs/contimg/internal/kernel"
	"github.com/meridian-obs/contimg/internal/logging"
	"github.com/meridian-obs/contimg/internal/orchestrator"
	"github.com/meridian-obs/contimg/internal/products"
	"github.com/meridian-obs/contimg/internal/publish"
	"github.com/meridian-obs/contimg/internal/queue"
	"github.com/meridian-obs/contimg/internal/scheduler"
	"github.com/meridian-obs/contimg/internal/stages"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/storage/sqlite"
	"github.com/meridian-obs/contimg/internal/types"
	"github.com/meridian-obs/contimg/internal/watcher"
)

// metaKernelVersion pins the kernel version the workspace last ran with.
const metaKernelVersion = "kernel_version"

// serverReadyTimeout bounds how long Run waits for the control socket.
const serverReadyTimeout = 5 * time.Second

// Options override pieces of the default construction. Zero values build
// the production configuration.
type Options struct {
	// Log replaces the rotating file logger built from cfg.Logging.
	Log *slog.Logger
	// Kernel replaces the exec adapter built from the kernel manifest.
	// Tests inject kernel.NewFake here.
	Kernel kernel.Kernel
}

// Services holds every long-lived handle of a running daemon.
type Services struct {
	cfg *config.Config
	log *slog.Logger

	instance  *control.InstanceLock
	store     storage.Store
	queue     *queue.Queue
	kern      kernel.Kernel
	cal       *calibration.Registry
	products  *products.Registry
	assembler *assembler.Assembler
	watcher   *watcher.Watcher
	pool      *orchestrator.Pool
	publisher *publish.Manager
	pubWorker *publish.Worker
	scheduler *scheduler.Scheduler
	server    *control.Server

	logCloser io.Closer

	// baseCtx outlives Run's argument because the watcher handler carries
	// no context of its own; drain cancels it.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New builds the full daemon wiring against cfg's workspace. On error every
// handle acquired so far is released; on success the caller owns the
// Services and must Close it after Run returns.
func New(cfg *config.Config, opts Options) (*Services, error) {
	s := &Services{cfg: cfg, log: opts.Log}
	built := false
	defer func() {
		if !built {
			_ = s.Close()
		}
	}()

	if s.log == nil {
		log, closer, err := logging.Open(logging.Config{
			Level:      cfg.Logging.Level,
			File:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		})
		if err != nil {
			return nil, err
		}
		s.log, s.logCloser = log, closer
	}

	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	if err := ensureDirs(cfg); err != nil {
		return nil, err
	}
	instance, err := control.AcquireInstanceLock(cfg)
	if err != nil {
		return nil, err
	}
	s.instance = instance

	store, err := sqlite.New(s.baseCtx, cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	s.store = store
	s.queue = queue.New(s.store, cfg.Orchestrator.DefaultRetry, s.log)

	s.kern = opts.Kernel
	if s.kern == nil {
		manifest, err := kernel.LoadManifest(cfg.Kernel.ManifestPath)
		if err != nil {
			return nil, err
		}
		s.kern = kernel.NewExec(manifest, cfg.Kernel, cfg.ScratchDir(), s.log)
		if err := s.pinKernelVersion(manifest.Version); err != nil {
			return nil, err
		}
	}

	var catalog *calibration.Catalog
	if cfg.Calibration.CatalogPath != "" {
		catalog, err = calibration.LoadCatalog(cfg.Calibration.CatalogPath)
		if errors.Is(err, os.ErrNotExist) {
			s.log.Warn("calibrator catalog missing, matching disabled",
				"path", cfg.Calibration.CatalogPath)
			catalog, err = nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	s.cal = calibration.NewRegistry(s.store, cfg.Calibration, s.log)
	s.products = products.NewRegistry(s.store, s.log)

	plan, err := orchestrator.NewPlan(stages.Catalog(stages.Deps{
		Store:    s.store,
		Kernel:   s.kern,
		Cal:      s.cal,
		Products: s.products,
	}))
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateStageNames(plan.StageNames()); err != nil {
		return nil, err
	}
	runner := orchestrator.NewRunner(plan, cfg, s.store, s.log)
	processor := orchestrator.NewGroupProcessor(runner, s.store, cfg, s.log)

	s.publisher = publish.NewManager(s.store, s.products, cfg, s.log)
	s.pubWorker = publish.NewWorker(s.store, cfg, s.log)
	processor.SetFinalizer(s.finalizeGroup)

	s.pool = orchestrator.NewPool(s.queue, cfg.Orchestrator, 0, s.log)
	s.pool.Register(types.JobProcessGroup, processor.Handle)
	s.pool.Register(types.JobPublishProduct, s.pubWorker.Handle)

	s.assembler = assembler.New(s.store, s.kern, catalog, cfg, s.log)
	s.assembler.SetWake(s.pool.Wake)

	w, err := watcher.New(watcher.Options{
		Dir:          cfg.Paths.Raw,
		Patterns:     cfg.Ingest.Patterns,
		Quiescence:   cfg.Ingest.Quiescence,
		PollInterval: cfg.Ingest.PollInterval,
		Recorded:     s.assembler.Recorded,
		Log:          s.log,
	}, s.onIngest)
	if err != nil {
		return nil, err
	}
	s.watcher = w

	s.scheduler = scheduler.New(cfg.Scheduler, scheduler.Deps{
		Queue:     s.queue,
		Ingest:    s.watcher,
		Assembler: s.assembler,
		Publisher: s.publisher,
		Locks:     s.store,
		Wake:      s.pool.Wake,
	}, s.log)

	s.server = control.NewServer(cfg, s.store, s.queue, s.publisher, s.cal, s.log)
	built = true
	return s, nil
}

// Run starts every component and blocks until ctx ends, a terminating
// signal arrives, or a shutdown request comes over the control socket.
// Publish recovery runs before any worker starts, so a crash mid-rename is
// settled from filesystem evidence before new placements begin.
func (s *Services) Run(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	published, failed, err := s.pubWorker.Recover(s.baseCtx)
	if err != nil {
		return fmt.Errorf("publish recovery failed: %w", err)
	}
	if published+failed > 0 {
		s.log.Info("recovered in-flight publishes", "published", published, "failed", failed)
	}

	if err := s.watcher.Bootstrap(s.baseCtx); err != nil {
		return fmt.Errorf("ingest bootstrap failed: %w", err)
	}
	s.watcher.Start(s.baseCtx)
	s.pool.Start(s.baseCtx)
	go s.scheduler.Run(s.baseCtx)

	serverErr := make(chan error, 1)
	go func() { serverErr <- s.server.Start() }()
	if err := s.server.WaitReady(serverReadyTimeout); err != nil {
		s.drain()
		return err
	}

	s.log.Info("daemon ready",
		"version", control.ServerVersion,
		"workspace", s.cfg.Workspace,
		"socket", s.cfg.SocketPath(),
		"pid", os.Getpid())

	for {
		select {
		case <-ctx.Done():
			s.log.Info("shutting down", "reason", "context cancelled")
			s.drain()
			return nil
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				// Config is immutable for a run; reload means restart.
				s.log.Info("ignoring SIGHUP")
				continue
			}
			s.log.Info("shutting down", "reason", sig.String())
			s.drain()
			return nil
		case <-s.server.ShutdownRequested():
			s.log.Info("shutting down", "reason", "control socket request")
			s.drain()
			return nil
		case err := <-serverErr:
			s.drain()
			if err != nil {
				return fmt.Errorf("control server failed: %w", err)
			}
			return errors.New("control server stopped unexpectedly")
		}
	}
}

// drain stops intake first, then running work, then the control socket:
// watcher → scheduler and workers (via baseCtx) → pool → server. Workers
// observe cancellation mid-stage; their leases re-arm interrupted jobs on
// the next start.
func (s *Services) drain() {
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			s.log.Warn("failed to close watcher", "error", err)
		}
	}
	s.cancel()
	if s.pool != nil {
		s.pool.Close()
	}
	if s.server != nil {
		s.server.Stop()
	}
	s.log.Info("daemon stopped")
}

// Close releases what New acquired. Safe to call after a failed New.
func (s *Services) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	var errs []error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.instance != nil {
		if err := s.instance.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.logCloser != nil {
		if err := s.logCloser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// onIngest feeds settled files to the assembler. The watcher handler has no
// context parameter; baseCtx stands in and is cancelled at drain.
func (s *Services) onIngest(ev watcher.Event) {
	if err := s.assembler.HandleEvent(s.baseCtx, ev); err != nil {
		s.log.Error("failed to record subband",
			"path", ev.Path, "group_id", ev.GroupID, "error", err)
	}
}

// finalizeGroup marks a completed group's image product finalized, which
// promotes it into publication when the auto-publish gate holds. A group
// processed with the validation stage disabled has no image product; that
// is not an error.
func (s *Services) finalizeGroup(ctx context.Context, g *types.Group) error {
	_, err := s.publisher.Finalize(ctx, products.DataID(types.DataTypeImage, g.ID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// pinKernelVersion records the manifest version in meta and warns when it
// changed since the last run: images made across a kernel upgrade are
// comparable only through their recorded lineage.
func (s *Services) pinKernelVersion(version string) error {
	prev, err := s.store.GetMeta(s.baseCtx, metaKernelVersion)
	if err != nil {
		return err
	}
	if prev == version {
		return nil
	}
	if prev != "" {
		s.log.Warn("kernel version changed", "previous", prev, "current", version)
	}
	return s.store.SetMeta(s.baseCtx, metaKernelVersion, version)
}

// ensureDirs creates the pipeline directories a fresh workspace lacks.
func ensureDirs(cfg *config.Config) error {
	for _, dir := range []string{
		cfg.Paths.Raw,
		cfg.Paths.Staging,
		cfg.Paths.Published,
		cfg.Paths.CalTables,
		cfg.Paths.Logs,
		cfg.ScratchDir(),
	} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

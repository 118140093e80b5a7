// Package scheduler owns every timed state change in the daemon. A single
// goroutine ticks at a fixed interval and runs the sweep steps in a fixed
// order; steps run synchronously, so ticks never overlap. A failing step
// is logged and retried on the next tick, never fatal.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/logging"
)

// Queue reclaims expired work leases.
type Queue interface {
	ReclaimExpired(ctx context.Context) (reclaimed, deadLettered int, err error)
}

// Ingest reconciles the raw directory against the watcher's pending set.
type Ingest interface {
	CatchUp(ctx context.Context) error
}

// Assembler promotes semi-complete groups past their arrival delay.
type Assembler interface {
	PromoteSemiComplete(ctx context.Context) (int, error)
}

// Publisher re-arms failed publishes and promotes gated products.
type Publisher interface {
	RearmFailed(ctx context.Context) (int, error)
	Sweep(ctx context.Context) (int, error)
}

// LockStore expires stale measurement-set locks.
type LockStore interface {
	ExpireMSLocks(ctx context.Context) (int, error)
}

// Deps are the components the scheduler drives each tick. Any nil
// dependency skips its step; Wake may be nil.
type Deps struct {
	Queue     Queue
	Ingest    Ingest
	Assembler Assembler
	Publisher Publisher
	Locks     LockStore
	Wake      func()
}

// Scheduler runs the periodic sweeps.
type Scheduler struct {
	interval time.Duration
	deps     Deps
	log      *slog.Logger

	ticks int64
}

// New returns a scheduler ticking at cfg.TickInterval.
func New(cfg config.SchedulerConfig, deps Deps, log *slog.Logger) *Scheduler {
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{interval: interval, deps: deps, log: logging.OrDiscard(log)}
}

// Run ticks until the context ends. An immediate first tick catches up on
// state left over from the previous run; after that the interval governs.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started", "interval", s.interval)
	s.Tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped", "ticks", s.ticks)
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one full sweep: reclaim expired leases, catch up on ingest,
// promote semi-complete groups, drive the publish gate, expire stale MS
// locks, then wake the workers. The order matters: reclaimed and promoted
// work must exist before workers are woken to claim it.
func (s *Scheduler) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.ticks++

	if s.deps.Queue != nil {
		if reclaimed, dead, err := s.deps.Queue.ReclaimExpired(ctx); err != nil {
			s.log.Error("tick: lease reclaim failed", "error", err)
		} else if reclaimed > 0 || dead > 0 {
			s.log.Info("tick: reclaimed leases", "reclaimed", reclaimed, "dead_lettered", dead)
		}
	}

	if s.deps.Ingest != nil {
		if err := s.deps.Ingest.CatchUp(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("tick: ingest catch-up failed", "error", err)
		}
	}

	if s.deps.Assembler != nil {
		if promoted, err := s.deps.Assembler.PromoteSemiComplete(ctx); err != nil {
			s.log.Error("tick: semi-complete promotion failed", "error", err)
		} else if promoted > 0 {
			s.log.Info("tick: promoted semi-complete groups", "count", promoted)
		}
	}

	if s.deps.Publisher != nil {
		if rearmed, err := s.deps.Publisher.RearmFailed(ctx); err != nil {
			s.log.Error("tick: publish re-arm failed", "error", err)
		} else if rearmed > 0 {
			s.log.Info("tick: re-armed failed publishes", "count", rearmed)
		}
		if promoted, err := s.deps.Publisher.Sweep(ctx); err != nil {
			s.log.Error("tick: publish sweep failed", "error", err)
		} else if promoted > 0 {
			s.log.Info("tick: promoted publish candidates", "count", promoted)
		}
	}

	if s.deps.Locks != nil {
		if expired, err := s.deps.Locks.ExpireMSLocks(ctx); err != nil {
			s.log.Error("tick: ms lock expiry failed", "error", err)
		} else if expired > 0 {
			s.log.Warn("tick: expired stale ms locks", "count", expired)
		}
	}

	if s.deps.Wake != nil {
		s.deps.Wake()
	}
}

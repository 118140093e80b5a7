package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/logging"
	"github.com/meridian-obs/contimg/internal/queue"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

// Handler runs one claimed work item. The context is cancelled if the
// worker loses its lease mid-job.
type Handler func(ctx context.Context, item *types.WorkItem) error

// Pool runs worker goroutines over the queue. Idle workers block on a wake
// signal with a poll fallback, so a burst of enqueues starts work
// immediately and a missed signal costs at most one poll interval.
type Pool struct {
	queue *queue.Queue
	cfg   config.OrchestratorConfig
	poll  time.Duration
	log   *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler

	owner  string
	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool returns a pool of cfg.WorkerCount workers. poll bounds how long
// an idle worker waits between claim attempts without a wake signal.
func NewPool(q *queue.Queue, cfg config.OrchestratorConfig, poll time.Duration, log *slog.Logger) *Pool {
	if poll <= 0 {
		poll = 5 * time.Second
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Pool{
		queue:    q,
		cfg:      cfg,
		poll:     poll,
		log:      logging.OrDiscard(log),
		handlers: make(map[string]Handler),
		owner:    fmt.Sprintf("%s:%d", host, os.Getpid()),
		wake:     make(chan struct{}, 1),
	}
}

// Register binds a handler to a job type. Items of unregistered types are
// dead-lettered when claimed.
func (p *Pool) Register(jobType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

func (p *Pool) handlerFor(jobType string) Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[jobType]
}

// Wake nudges one idle worker. Safe to call from any goroutine; signals
// coalesce.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	count := p.cfg.WorkerCount
	if count < 1 {
		count = 1
	}
	for i := 0; i < count; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	p.log.Info("worker pool started", "workers", count, "lease", p.cfg.LeaseDuration)
}

// Close stops the workers and waits for in-flight jobs to wind down.
func (p *Pool) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	owner := fmt.Sprintf("%s/worker-%d", p.owner, id)
	for {
		if ctx.Err() != nil {
			return
		}

		item, err := p.queue.Claim(ctx, owner, p.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error("claim failed", "worker", owner, "error", err)
			_ = sleepCtx(ctx, time.Second)
			continue
		}
		if item == nil {
			t := time.NewTimer(p.poll)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-p.wake:
				t.Stop()
			case <-t.C:
			}
			continue
		}

		if p.runItem(ctx, owner, item) {
			p.log.Error("worker halted", "worker", owner)
			return
		}
	}
}

// runItem runs one claimed item under a heartbeat. It reports true when
// the worker must halt (fatal error).
func (p *Pool) runItem(ctx context.Context, owner string, item *types.WorkItem) bool {
	handler := p.handlerFor(item.JobType)
	if handler == nil {
		_, err := p.queue.Fail(ctx, item, owner, types.InputInvalidf("worker", "no handler for job type %s", item.JobType))
		if err != nil {
			p.log.Error("failed to dead-letter unhandled job", "id", item.ID, "error", err)
		}
		return false
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(jobCtx, cancel, owner, item)
	}()

	err := handler(jobCtx, item)
	cancel()
	<-hbDone

	// Outcome bookkeeping still runs during shutdown.
	ctx = context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if cerr := p.queue.Complete(ctx, item.ID, owner); cerr != nil {
			p.log.Error("failed to complete work item", "id", item.ID, "error", cerr)
		}
		return false
	case types.ClassOf(err) == types.ClassFatal:
		if perr := p.queue.Park(ctx, item.ID, err); perr != nil {
			p.log.Error("failed to park work item", "id", item.ID, "error", perr)
		}
		return true
	default:
		if _, ferr := p.queue.Fail(ctx, item, owner, err); ferr != nil {
			p.log.Error("failed to record job failure", "id", item.ID, "error", ferr)
		}
		return false
	}
}

// heartbeat renews the lease until the job context ends. Losing the lease
// cancels the job: another worker may already be re-running it.
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelFunc, owner string, item *types.WorkItem) {
	interval := p.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = p.cfg.LeaseDuration / 3
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := p.queue.Heartbeat(ctx, item.ID, owner, p.cfg.LeaseDuration)
			if err == nil {
				continue
			}
			if errors.Is(err, storage.ErrStaleLease) {
				p.log.Warn("lost lease mid-job", "id", item.ID, "worker", owner)
				cancel()
				return
			}
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("heartbeat failed", "id", item.ID, "error", err)
		}
	}
}

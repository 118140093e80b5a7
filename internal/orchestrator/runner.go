package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/logging"
	"github.com/meridian-obs/contimg/internal/queue"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

// Runner executes a plan for one job at a time. Per-stage events land in
// the journal; cancellation is checked before every stage and between
// retries.
type Runner struct {
	plan  *Plan
	cfg   *config.Config
	store storage.Store
	log   *slog.Logger

	sleep func(context.Context, time.Duration) error
	unit  func() float64
}

// NewRunner returns a runner for the plan.
func NewRunner(plan *Plan, cfg *config.Config, store storage.Store, log *slog.Logger) *Runner {
	return &Runner{
		plan:  plan,
		cfg:   cfg,
		store: store,
		log:   logging.OrDiscard(log),
		sleep: sleepCtx,
		unit:  rand.Float64,
	}
}

// Plan returns the runner's plan.
func (r *Runner) Plan() *Plan { return r.plan }

// Run walks the plan's waves. The returned context carries the outputs of
// every completed stage; on error it is the context as of the last
// successful wave. A cancelled job returns an error wrapping the context's
// cause, so callers can tell cancellation from failure.
func (r *Runner) Run(ctx context.Context, ec Context) (Context, error) {
	for _, wave := range r.plan.Waves() {
		if err := ctx.Err(); err != nil {
			return ec, fmt.Errorf("job cancelled: %w", err)
		}

		if len(wave) == 1 {
			out, err := r.runStage(ctx, ec, wave[0])
			if err != nil {
				return ec, err
			}
			if out != nil {
				ec = ec.merge(*out)
			}
			continue
		}

		outs := make([]*Context, len(wave))
		errs := make([]error, len(wave))
		var wg sync.WaitGroup
		for i, d := range wave {
			wg.Add(1)
			go func(i int, d *Definition) {
				defer wg.Done()
				outs[i], errs[i] = r.runStage(ctx, ec, d)
			}(i, d)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return ec, err
			}
		}
		var derived []Context
		for _, out := range outs {
			if out != nil {
				derived = append(derived, *out)
			}
		}
		ec = ec.merge(derived...)
	}
	return ec, nil
}

// runStage runs one stage to completion under its retry policy. A skipped
// stage returns (nil, nil).
func (r *Runner) runStage(ctx context.Context, ec Context, d *Definition) (*Context, error) {
	name := d.Stage.Name()
	if !r.cfg.StageEnabled(name) {
		r.journal(ctx, ec, name, types.EventStageSkipped, "disabled by configuration")
		r.log.Info("stage skipped", "job", ec.JobID, "stage", name)
		return nil, nil
	}

	r.journal(ctx, ec, name, types.EventStageStarted, "")
	r.log.Info("stage started", "job", ec.JobID, "stage", name)

	if err := d.Stage.Validate(ctx, ec); err != nil {
		r.journal(ctx, ec, name, types.EventStageFailed, "validate: "+err.Error())
		return nil, fmt.Errorf("stage %s validate: %w", name, err)
	}

	policy := r.policy(d)
	timeout := r.timeout(d)
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := queue.Backoff(policy, attempt-2, r.unit())
			r.journal(ctx, ec, name, types.EventStageRetried,
				fmt.Sprintf("attempt %d/%d in %s: %v", attempt, maxAttempts, delay.Round(time.Millisecond), lastErr))
			r.log.Warn("stage retrying", "job", ec.JobID, "stage", name,
				"attempt", attempt, "delay", delay, "error", lastErr)
			if err := r.sleep(ctx, delay); err != nil {
				return nil, r.cancelledStage(ctx, ec, name, err)
			}
		}

		out, err := r.attempt(ctx, ec, d, timeout)
		if err == nil {
			r.journal(ctx, ec, name, types.EventStageCompleted, fmt.Sprintf("attempt %d", attempt))
			r.log.Info("stage completed", "job", ec.JobID, "stage", name, "attempt", attempt)
			return &out, nil
		}
		lastErr = err

		if cerr := d.Stage.Cleanup(ctx, ec); cerr != nil {
			r.log.Warn("stage cleanup failed", "job", ec.JobID, "stage", name, "error", cerr)
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, r.cancelledStage(ctx, ec, name, err)
		}
		if !types.Retryable(err) {
			break
		}
	}

	r.journal(ctx, ec, name, types.EventStageFailed, lastErr.Error())
	r.log.Error("stage failed", "job", ec.JobID, "stage", name, "error", lastErr)
	return nil, fmt.Errorf("stage %s: %w", name, lastErr)
}

// attempt is one Execute + ValidateOutputs pass under the stage timeout.
func (r *Runner) attempt(parent context.Context, ec Context, d *Definition, timeout time.Duration) (Context, error) {
	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	out, err := d.Stage.Execute(ctx, ec)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
			return ec, types.Transientf(d.Stage.Name(), "timeout after %s", timeout)
		}
		return ec, err
	}
	if err := d.Stage.ValidateOutputs(ctx, out); err != nil {
		return ec, types.Contract(d.Stage.Name(), err)
	}
	return out, nil
}

func (r *Runner) cancelledStage(ctx context.Context, ec Context, name string, cause error) error {
	r.journal(ctx, ec, name, types.EventStageFailed, "cancelled")
	return fmt.Errorf("stage %s cancelled: %w", name, cause)
}

// policy resolves the stage retry policy: a Definition override beats the
// configured policy, which merges per-stage config over the orchestrator
// default.
func (r *Runner) policy(d *Definition) config.RetryConfig {
	if d.Retry != nil {
		return *d.Retry
	}
	return r.cfg.StageRetry(d.Stage.Name())
}

func (r *Runner) timeout(d *Definition) time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return r.cfg.StageTimeout(d.Stage.Name())
}

// journal appends a stage event. The write survives job cancellation; a
// failed append is logged, never fatal.
func (r *Runner) journal(ctx context.Context, ec Context, stage, eventType, detail string) {
	ev := &types.JobEvent{
		WorkItemID: ec.JobID,
		Stage:      stage,
		EventType:  eventType,
		Detail:     detail,
	}
	if ec.Inputs.Group != nil {
		ev.GroupID = ec.Inputs.Group.ID
	}
	if err := r.store.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		r.log.Warn("failed to journal event", "event", eventType, "stage", stage, "error", err)
	}
}

// sleepCtx sleeps for d or until the context ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

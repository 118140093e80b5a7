package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/logging"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

// GroupProcessor is the process_group job handler: it loads the group and
// its subbands, moves the group to in_progress, runs the stage plan, and
// transitions the group with the job's outcome.
type GroupProcessor struct {
	store    storage.Store
	runner   *Runner
	cfg      *config.Config
	log      *slog.Logger
	finalize func(ctx context.Context, g *types.Group) error
}

// NewGroupProcessor returns the handler.
func NewGroupProcessor(runner *Runner, store storage.Store, cfg *config.Config, log *slog.Logger) *GroupProcessor {
	return &GroupProcessor{store: store, runner: runner, cfg: cfg, log: logging.OrDiscard(log)}
}

// SetFinalizer installs a hook run after each successful job. The daemon
// wires it to the publish manager so a completed group's image product is
// finalized, and published when the gate holds, without operator action.
// A hook failure is logged, never fatal: the product stays visible in
// staging with finalization pending.
func (p *GroupProcessor) SetFinalizer(fn func(ctx context.Context, g *types.Group) error) {
	p.finalize = fn
}

// Handle implements the pool Handler contract.
func (p *GroupProcessor) Handle(ctx context.Context, item *types.WorkItem) error {
	var payload types.ProcessGroupPayload
	if err := item.DecodePayload(&payload); err != nil {
		return types.InputInvalid("process_group", err)
	}

	group, err := p.store.GetGroup(ctx, payload.GroupID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.InputInvalidf("process_group", "group %s does not exist", payload.GroupID)
		}
		return types.Transient("process_group", err)
	}
	subbands, err := p.store.ListSubbands(ctx, group.ID)
	if err != nil {
		return types.Transient("process_group", err)
	}

	moved, err := p.store.TransitionGroup(ctx, group.ID, types.GroupPending, types.GroupInProgress)
	if err != nil {
		return types.Transient("process_group", err)
	}
	if !moved {
		// A re-claimed item finds the group already in_progress and simply
		// re-runs it. Anything else means the group finished under an
		// earlier lease and this item is stale.
		current, err := p.store.GetGroup(ctx, group.ID)
		if err != nil {
			return types.Transient("process_group", err)
		}
		if current.State != types.GroupInProgress {
			p.log.Warn("group not runnable; completing stale item",
				"group", group.ID, "state", current.State, "item", item.ID)
			p.journal(ctx, item, group.ID, types.EventJobCompleted,
				fmt.Sprintf("stale item: group already %s", current.State))
			return nil
		}
		group = current
	} else {
		group.State = types.GroupInProgress
	}

	p.journal(ctx, item, group.ID, types.EventClaimed,
		fmt.Sprintf("attempt %d/%d by %s", item.RetryCount+1, item.MaxRetries+1, item.LeaseOwner))

	ec := NewContext(item.ID, p.cfg, Inputs{Group: group, Subbands: subbands})
	_, runErr := p.runner.Run(ctx, ec)

	// Stages lock measurement sets under the job ID; whatever the outcome,
	// the job's locks die with it.
	if n, err := p.store.ReleaseLocksByOwner(context.WithoutCancel(ctx), item.ID); err != nil {
		p.log.Warn("failed to release ms locks", "job", item.ID, "error", err)
	} else if n > 0 {
		p.log.Debug("released ms locks", "job", item.ID, "count", n)
	}

	if runErr == nil {
		if _, err := p.store.TransitionGroup(ctx, group.ID, types.GroupInProgress, types.GroupCompleted); err != nil {
			p.log.Error("failed to complete group", "group", group.ID, "error", err)
		}
		p.journal(ctx, item, group.ID, types.EventJobCompleted, "")
		if p.finalize != nil {
			if err := p.finalize(ctx, group); err != nil {
				p.log.Warn("failed to finalize products", "group", group.ID, "error", err)
			}
		}
		p.log.Info("group processed", "group", group.ID, "item", item.ID)
		return nil
	}

	// Bookkeeping survives cancellation.
	bctx := context.WithoutCancel(ctx)
	if err := p.store.IncrementGroupRetry(bctx, group.ID); err != nil {
		p.log.Warn("failed to bump group retry count", "group", group.ID, "error", err)
	}
	if err := p.store.SetGroupError(bctx, group.ID, runErr.Error()); err != nil {
		p.log.Warn("failed to record group error", "group", group.ID, "error", err)
	}

	if ctx.Err() != nil || errors.Is(runErr, context.Canceled) {
		p.journal(bctx, item, group.ID, types.EventJobCancelled, runErr.Error())
		return runErr
	}

	// The group flips to failed only when the queue will not retry: the
	// failure is non-retryable or this attempt exhausted the budget.
	if !types.Retryable(runErr) || item.RetryCount >= item.MaxRetries {
		if _, err := p.store.TransitionGroup(bctx, group.ID, types.GroupInProgress, types.GroupFailed); err != nil {
			p.log.Error("failed to fail group", "group", group.ID, "error", err)
		}
	}
	p.journal(bctx, item, group.ID, types.EventJobFailed, runErr.Error())
	return runErr
}

func (p *GroupProcessor) journal(ctx context.Context, item *types.WorkItem, groupID, eventType, detail string) {
	ev := &types.JobEvent{
		GroupID:    groupID,
		WorkItemID: item.ID,
		EventType:  eventType,
		Detail:     detail,
	}
	if err := p.store.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		p.log.Warn("failed to journal event", "event", eventType, "group", groupID, "error", err)
	}
}

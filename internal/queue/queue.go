// Package queue layers retry policy over the durable work queue.
//
// The store owns the queue rows and their transactional semantics; this
// package owns policy: how failures are classified, when the next attempt
// runs, and how lease renewal maps onto the configured lease duration.
// Workers and the scheduler talk to a Queue, not to the store directly.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/logging"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

// Queue wraps the store's work-item operations with retry policy.
type Queue struct {
	store  storage.Store
	policy config.RetryConfig
	log    *slog.Logger

	now  func() time.Time
	unit func() float64 // uniform [0,1); swapped in tests
}

// New returns a queue applying policy to failures. A zero-valued policy
// disables backoff (next attempt immediately), which is only sensible in
// tests.
func New(store storage.Store, policy config.RetryConfig, log *slog.Logger) *Queue {
	return &Queue{
		store:  store,
		policy: policy,
		log:    logging.OrDiscard(log),
		now:    time.Now,
		unit:   rand.Float64,
	}
}

// NewItem builds a pending work item with payload marshaled to JSON. The
// store assigns timing fields on insert; callers inside a transaction pass
// the result to Tx.EnqueueWork directly.
func NewItem(jobType string, payload interface{}, maxRetries int) (*types.WorkItem, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", jobType, err)
	}
	return &types.WorkItem{
		JobType:    jobType,
		Payload:    json.RawMessage(raw),
		MaxRetries: maxRetries,
	}, nil
}

// Enqueue inserts a pending item outside any caller transaction.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}, maxRetries int) (*types.WorkItem, error) {
	item, err := NewItem(jobType, payload, maxRetries)
	if err != nil {
		return nil, err
	}
	if err := q.store.EnqueueWork(ctx, item); err != nil {
		return nil, err
	}
	q.log.Info("enqueued work", "id", item.ID, "job_type", jobType)
	return item, nil
}

// Claim leases the next due item for owner. Returns (nil, nil) when the
// queue has nothing claimable.
func (q *Queue) Claim(ctx context.Context, owner string, lease time.Duration) (*types.WorkItem, error) {
	item, err := q.store.ClaimNextWork(ctx, owner, lease)
	if err != nil || item == nil {
		return nil, err
	}
	q.log.Debug("claimed work", "id", item.ID, "job_type", item.JobType, "owner", owner, "attempt", item.RetryCount)
	return item, nil
}

// Heartbeat extends the lease on id by the lease duration from now.
func (q *Queue) Heartbeat(ctx context.Context, id, owner string, lease time.Duration) error {
	return q.store.HeartbeatWork(ctx, id, owner, q.now().Add(lease))
}

// Complete marks id done under owner's lease.
func (q *Queue) Complete(ctx context.Context, id, owner string) error {
	return q.store.CompleteWork(ctx, id, owner)
}

// Fail records a failed attempt for item under owner's lease. The cause is
// classified: retryable failures with budget left re-arm at now plus the
// backoff for the attempt just finished; everything else dead-letters. The
// resulting state is returned.
func (q *Queue) Fail(ctx context.Context, item *types.WorkItem, owner string, cause error) (types.WorkState, error) {
	retryable := types.Retryable(cause)
	next := q.now().Add(q.backoff(item.RetryCount))
	state, err := q.store.FailWork(ctx, item.ID, owner, cause.Error(), retryable, next)
	if err != nil {
		return "", err
	}
	switch state {
	case types.WorkDead:
		q.log.Warn("work dead-lettered", "id", item.ID, "job_type", item.JobType,
			"class", types.ClassOf(cause), "error", cause)
	default:
		q.log.Info("work re-armed", "id", item.ID, "job_type", item.JobType,
			"attempt", item.RetryCount+1, "next_attempt_at", next.UTC().Format(time.RFC3339))
	}
	return state, nil
}

// Park moves id to the failed state for operator inspection, bypassing the
// retry budget. Used when a fatal error halts a worker mid-job.
func (q *Queue) Park(ctx context.Context, id string, cause error) error {
	q.log.Error("work parked", "id", id, "error", cause)
	return q.store.MarkWorkFailed(ctx, id, cause.Error())
}

// Requeue re-arms a dead or failed item with a fresh retry budget.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	if err := q.store.RequeueWork(ctx, id); err != nil {
		return err
	}
	q.log.Info("requeued work", "id", id)
	return nil
}

// ReclaimExpired reverts expired leases to pending and dead-letters items
// out of budget, returning both counts.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, int, error) {
	reclaimed, dead, err := q.store.ReclaimExpiredWork(ctx)
	if err != nil {
		return 0, 0, err
	}
	if reclaimed > 0 || dead > 0 {
		q.log.Warn("reclaimed expired leases", "reclaimed", reclaimed, "dead_lettered", dead)
	}
	return reclaimed, dead, nil
}

// Stats returns per-state counts and the oldest pending run time.
func (q *Queue) Stats(ctx context.Context) (*storage.QueueStats, error) {
	return q.store.GetQueueStats(ctx)
}

func (q *Queue) backoff(attempt int) time.Duration {
	return Backoff(q.policy, attempt, q.unit())
}

// Backoff returns the delay before the attempt following `attempt` prior
// failures: base_delay * multiplier^attempt capped at max_delay, spread by
// a uniform jitter of ±jitter_fraction. unit must be uniform in [0,1).
func Backoff(policy config.RetryConfig, attempt int, unit float64) time.Duration {
	if policy.BaseDelay <= 0 {
		return 0
	}
	mult := policy.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(policy.BaseDelay) * math.Pow(mult, float64(attempt))
	if policy.MaxDelay > 0 {
		d = math.Min(d, float64(policy.MaxDelay))
	}
	if policy.JitterFraction > 0 {
		d *= 1 + policy.JitterFraction*(2*unit-1)
	}
	if policy.MaxDelay > 0 {
		d = math.Min(d, float64(policy.MaxDelay))
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

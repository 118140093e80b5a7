// Package publish owns the product publication lifecycle: the staging →
// validated → publishing → published state machine, atomic placement into
// the published tree, failure re-arming, startup recovery, and retraction.
//
// Placement is crash-safe: payloads are copied to a hidden temp name,
// fsynced, and renamed into place, so a reader of the published tree never
// observes a partial file. The store is the recovery authority: a product
// found in publishing after a restart is settled by re-verifying its
// destination.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/logging"
	"github.com/meridian-obs/contimg/internal/products"
	"github.com/meridian-obs/contimg/internal/queue"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

// errAlreadyPromoted aborts a promotion transaction whose staging →
// validated transition was won by another caller. Swallowed by promote.
var errAlreadyPromoted = errors.New("product already promoted")

// Manager drives products toward publication: status updates, the
// finalize/gate evaluation, the scheduler sweeps, and retraction. The
// actual file placement happens in Worker.
type Manager struct {
	store storage.Store
	prod  *products.Registry
	pub   config.PublishConfig
	// itemRetries is the work-item retry budget for publish_product items.
	// Publish retries are product-state-driven; this budget only covers
	// infrastructure failures (decode, store outages) of the item itself.
	itemRetries int
	log         *slog.Logger
	now         func() time.Time
}

// NewManager returns a manager applying cfg's publish policy.
func NewManager(store storage.Store, prod *products.Registry, cfg *config.Config, log *slog.Logger) *Manager {
	return &Manager{
		store:       store,
		prod:        prod,
		pub:         cfg.Publish,
		itemRetries: cfg.Orchestrator.DefaultRetry.MaxAttempts,
		log:         logging.OrDiscard(log),
		now:         time.Now,
	}
}

// UpdateQA records QA and validation statuses in one write. The gate is
// not evaluated here; Finalize or the scheduler sweep picks the product up
// once every clause holds.
func (m *Manager) UpdateQA(ctx context.Context, dataID, qaStatus, validationStatus string) error {
	return m.prod.SetQA(ctx, dataID, qaStatus, validationStatus)
}

// Finalize marks the product finalized and, when the full auto-publish
// gate now holds, promotes it: staging → validated plus a publish_product
// work item. Promotion is idempotent; the state transition is the guard,
// so concurrent Finalize calls and sweep ticks enqueue at most one item.
// Returns whether this call promoted the product.
func (m *Manager) Finalize(ctx context.Context, dataID string) (bool, error) {
	if err := m.store.SetProductFinalization(ctx, dataID, types.FinalizationFinalized); err != nil {
		return false, err
	}
	p, err := m.store.GetProduct(ctx, dataID)
	if err != nil {
		return false, err
	}
	if !p.PublishGate() {
		m.log.Info("product finalized, gate not yet satisfied", "data_id", dataID,
			"qa", p.QAStatus, "validation", p.ValidationStatus, "auto_publish", p.AutoPublish)
		return false, nil
	}
	return m.promote(ctx, p)
}

// Sweep promotes every staged product passing the auto-publish gate.
// Returns the number promoted. Called from the scheduler tick.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	candidates, err := m.store.PublishCandidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list publish candidates: %w", err)
	}
	promoted := 0
	for _, p := range candidates {
		ok, err := m.promote(ctx, p)
		if err != nil {
			return promoted, fmt.Errorf("failed to promote product %s: %w", p.DataID, err)
		}
		if ok {
			promoted++
		}
	}
	return promoted, nil
}

// RearmFailed moves failed products whose retry delay has elapsed back to
// staging, where the next Sweep re-promotes them. Products out of attempt
// budget stay failed for the operator. Returns the number re-armed.
func (m *Manager) RearmFailed(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.pub.RetryDelay)
	candidates, err := m.store.PublishRetryCandidates(ctx, cutoff, m.pub.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to list publish retry candidates: %w", err)
	}
	rearmed := 0
	for _, p := range candidates {
		ok, err := m.store.TransitionProduct(ctx, p.DataID, types.ProductFailed, types.ProductStaging)
		if err != nil {
			return rearmed, fmt.Errorf("failed to re-arm product %s: %w", p.DataID, err)
		}
		if ok {
			rearmed++
			m.log.Info("re-armed failed publish", "data_id", p.DataID,
				"attempts", p.PublishAttempts, "max_attempts", m.pub.MaxAttempts)
		}
	}
	return rearmed, nil
}

// Retract withdraws a published product. Only published products retract;
// the state is terminal. The published file is renamed aside rather than
// deleted, leaving removal to retention tooling.
func (m *Manager) Retract(ctx context.Context, dataID string) error {
	p, err := m.store.GetProduct(ctx, dataID)
	if err != nil {
		return err
	}
	if err := m.store.SetProductRetracted(ctx, dataID, m.now().UTC()); err != nil {
		return err
	}
	m.journal(ctx, p, types.EventRetracted, p.PublishedPath)
	m.log.Info("product retracted", "data_id", dataID, "published_path", p.PublishedPath)

	if p.PublishedPath == "" {
		return nil
	}
	if err := os.Rename(p.PublishedPath, p.PublishedPath+".retracted"); err != nil && !errors.Is(err, os.ErrNotExist) {
		// The state flip is authoritative; the stray file needs an operator.
		return fmt.Errorf("product %s retracted but destination rename failed: %w", dataID, err)
	}
	return nil
}

// promote transitions staging → validated and enqueues the publish item in
// one transaction, so a crash never leaves a validated product without an
// item. Reports false when another caller already promoted the product.
func (m *Manager) promote(ctx context.Context, p *types.Product) (bool, error) {
	item, err := queue.NewItem(types.JobPublishProduct, types.PublishProductPayload{DataID: p.DataID}, m.itemRetries)
	if err != nil {
		return false, err
	}
	err = m.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		ok, err := tx.TransitionProduct(ctx, p.DataID, types.ProductStaging, types.ProductValidated)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyPromoted
		}
		if err := tx.EnqueueWork(ctx, item); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &types.JobEvent{
			GroupID:    p.GroupID,
			WorkItemID: item.ID,
			EventType:  types.EventPublishEnqueued,
			Detail:     p.DataID,
		})
	})
	if errors.Is(err, errAlreadyPromoted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.log.Info("publish enqueued", "data_id", p.DataID, "item", item.ID)
	return true, nil
}

func (m *Manager) journal(ctx context.Context, p *types.Product, eventType, detail string) {
	ev := &types.JobEvent{GroupID: p.GroupID, EventType: eventType, Detail: detail}
	if err := m.store.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		m.log.Warn("failed to journal event", "event", eventType, "data_id", p.DataID, "error", err)
	}
}

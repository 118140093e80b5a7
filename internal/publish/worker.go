package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/logging"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

// Worker is the publish_product handler: it places the staged payload into
// the published tree and settles the product's state. One publish item
// performs at most one attempt; failed attempts park the product in the
// failed state and the scheduler re-arms it after the retry delay.
type Worker struct {
	store storage.Store
	root  string
	log   *slog.Logger
	now   func() time.Time
}

// NewWorker returns a worker publishing under cfg.Paths.Published.
func NewWorker(store storage.Store, cfg *config.Config, log *slog.Logger) *Worker {
	return &Worker{
		store: store,
		root:  cfg.Paths.Published,
		log:   logging.OrDiscard(log),
		now:   time.Now,
	}
}

// Handle implements the pool Handler contract for publish_product items.
func (w *Worker) Handle(ctx context.Context, item *types.WorkItem) error {
	var payload types.PublishProductPayload
	if err := item.DecodePayload(&payload); err != nil {
		return types.InputInvalid("publish", err)
	}

	p, err := w.store.GetProduct(ctx, payload.DataID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.InputInvalidf("publish", "product %s does not exist", payload.DataID)
		}
		return types.Transient("publish", err)
	}

	switch p.State {
	case types.ProductValidated:
		// Normal path, below.
	case types.ProductPublishing:
		// A previous attempt died mid-placement; settle from the
		// destination, same as startup recovery.
		_, err := w.resolve(ctx, p)
		return err
	default:
		// Re-armed, retracted, or already published: the item outlived the
		// product's need for it.
		w.log.Debug("dropping stale publish item", "data_id", p.DataID, "state", p.State)
		return nil
	}

	ok, err := w.store.TransitionProduct(ctx, p.DataID, types.ProductValidated, types.ProductPublishing)
	if err != nil {
		return types.Transient("publish", err)
	}
	if !ok {
		return nil
	}

	dest, perr := w.place(p)
	if perr != nil {
		return w.fail(ctx, item.ID, p, perr)
	}

	at := w.now().UTC()
	if err := w.store.SetProductPublished(ctx, p.DataID, dest, at); err != nil {
		// The file is in place; if this write keeps failing the product
		// stays in publishing and startup recovery settles it.
		return types.Transient("publish", err)
	}
	w.journal(ctx, p, item.ID, types.EventPublished, dest)
	w.log.Info("product published", "data_id", p.DataID, "dest", dest)

	if p.DataType == types.DataTypeImage && p.GroupID != "" {
		w.writeReport(ctx, p, dest, at)
	}
	return nil
}

// fail records the attempt on the product and completes the item. Retry is
// product-state-driven via RearmFailed, not queue-driven, so two backoff
// clocks never fight over the same product.
func (w *Worker) fail(ctx context.Context, itemID string, p *types.Product, cause error) error {
	bctx := context.WithoutCancel(ctx)
	if err := w.store.SetProductPublishFailure(bctx, p.DataID, cause.Error(), w.now().UTC()); err != nil {
		return types.Transientf("publish", "failed to record publish failure for %s: %v (cause: %v)", p.DataID, err, cause)
	}
	w.journal(bctx, p, itemID, types.EventPublishFailed, cause.Error())
	w.log.Warn("publish failed", "data_id", p.DataID, "attempt", p.PublishAttempts+1, "error", cause)
	return nil
}

// place copies the staged payload to a hidden temp name under the
// published root, fsyncs the file and the directory, and renames it into
// place. The rename is atomic, so re-running a half-done placement just
// replaces the destination.
func (w *Worker) place(p *types.Product) (string, error) {
	info, err := os.Stat(p.StagePath)
	if err != nil {
		return "", fmt.Errorf("staged payload missing: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("staged payload %s is a directory; only file products publish", p.StagePath)
	}
	src, err := os.Open(p.StagePath)
	if err != nil {
		return "", fmt.Errorf("failed to open staged payload: %w", err)
	}
	defer func() { _ = src.Close() }()

	if err := os.MkdirAll(w.root, 0o750); err != nil {
		return "", fmt.Errorf("failed to create published root: %w", err)
	}
	tmp := filepath.Join(w.root, ".tmp-"+uuid.NewString())
	dst, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to copy payload: %w", err)
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to sync payload: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	dest := filepath.Join(w.root, filepath.Base(p.StagePath))
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to rename into place: %w", err)
	}
	if err := syncDir(w.root); err != nil {
		return "", fmt.Errorf("failed to sync published root: %w", err)
	}
	return dest, nil
}

// Recover settles every product left in publishing by a previous run.
// Called once at startup, before workers claim anything.
func (w *Worker) Recover(ctx context.Context) (published, failed int, err error) {
	stuck, err := w.store.ListProducts(ctx, storage.ProductFilter{
		States: []types.ProductState{types.ProductPublishing},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list interrupted publishes: %w", err)
	}
	for _, p := range stuck {
		state, rerr := w.resolve(ctx, p)
		if rerr != nil {
			return published, failed, rerr
		}
		switch state {
		case types.ProductPublished:
			published++
		case types.ProductFailed:
			failed++
		}
	}
	if published > 0 || failed > 0 {
		w.log.Info("recovered interrupted publishes", "published", published, "failed", failed)
	}
	return published, failed, nil
}

// resolve settles a product stuck in publishing by inspecting its
// destination: present and complete means the rename happened before the
// crash, so the product is published; anything else is a failed attempt.
func (w *Worker) resolve(ctx context.Context, p *types.Product) (types.ProductState, error) {
	dest := filepath.Join(w.root, filepath.Base(p.StagePath))
	complete, detail := w.destinationComplete(p, dest)
	if complete {
		if err := w.store.SetProductPublished(ctx, p.DataID, dest, w.now().UTC()); err != nil {
			return "", types.Transient("publish", err)
		}
		w.journal(ctx, p, "", types.EventPublished, dest+" (recovered)")
		w.log.Info("recovered published product", "data_id", p.DataID, "dest", dest)
		return types.ProductPublished, nil
	}
	if err := w.store.SetProductPublishFailure(ctx, p.DataID, "publish interrupted: "+detail, w.now().UTC()); err != nil {
		return "", types.Transient("publish", err)
	}
	w.journal(ctx, p, "", types.EventPublishFailed, detail)
	w.log.Warn("interrupted publish marked failed", "data_id", p.DataID, "detail", detail)
	return types.ProductFailed, nil
}

// destinationComplete verifies the published copy against the staged one.
// With the staged copy gone, existence of a non-empty destination is the
// best remaining evidence.
func (w *Worker) destinationComplete(p *types.Product, dest string) (bool, string) {
	di, err := os.Stat(dest)
	if err != nil {
		return false, "destination missing"
	}
	si, err := os.Stat(p.StagePath)
	if err != nil {
		return di.Size() > 0, "staged copy missing"
	}
	if di.Size() != si.Size() {
		return false, fmt.Sprintf("destination has %d of %d bytes", di.Size(), si.Size())
	}
	return true, ""
}

func (w *Worker) writeReport(ctx context.Context, p *types.Product, dest string, at time.Time) {
	events, err := w.store.ListEvents(ctx, storage.EventFilter{GroupID: p.GroupID})
	if err != nil {
		w.log.Warn("run report skipped", "group", p.GroupID, "error", err)
		return
	}
	// The journal lists newest first; the report reads top to bottom.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	path := filepath.Join(filepath.Dir(dest), p.GroupID+".report.md")
	if err := os.WriteFile(path, []byte(RunReport(p, dest, at, events)), 0o640); err != nil {
		w.log.Warn("run report write failed", "path", path, "error", err)
		return
	}
	w.log.Debug("run report written", "path", path)
}

func (w *Worker) journal(ctx context.Context, p *types.Product, itemID, eventType, detail string) {
	ev := &types.JobEvent{
		GroupID:    p.GroupID,
		WorkItemID: itemID,
		EventType:  eventType,
		Detail:     detail,
	}
	if err := w.store.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		w.log.Warn("failed to journal event", "event", eventType, "data_id", p.DataID, "error", err)
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}

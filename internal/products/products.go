// Package products is the data product registry service: registration
// with provenance, paginated queries, and status bookkeeping. The publish
// state machine lives in internal/publish; this package never moves a
// product between lifecycle states.
package products

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meridian-obs/contimg/internal/logging"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

// Registry wraps the store with validation and registration defaults.
type Registry struct {
	store storage.Store
	log   *slog.Logger
}

// NewRegistry returns a registry over the store.
func NewRegistry(store storage.Store, log *slog.Logger) *Registry {
	return &Registry{store: store, log: logging.OrDiscard(log)}
}

// DataID builds the canonical product identifier for a group's output of
// one data type, e.g. "image_2025-01-15T03:20:41".
func DataID(dataType, groupID string) string {
	return dataType + "_" + groupID
}

// Register records a product in the staging state. Re-registering an
// identical (data_id, stage_path) pair is a no-op; the same data_id under
// a different path is a conflict. Provenance parents are linked.
func (r *Registry) Register(ctx context.Context, p *types.Product) error {
	if p == nil {
		return types.InputInvalidf("products", "nil product")
	}
	if p.DataID == "" {
		return types.InputInvalidf("products", "product has no data_id")
	}
	if p.DataType == "" {
		return types.InputInvalidf("products", "product %s has no data_type", p.DataID)
	}
	if p.StagePath == "" {
		return types.InputInvalidf("products", "product %s has no stage_path", p.DataID)
	}
	if err := r.store.RegisterProduct(ctx, p); err != nil {
		return err
	}
	r.log.Info("product registered", "data_id", p.DataID, "type", p.DataType,
		"group", p.GroupID, "auto_publish", p.AutoPublish)
	return nil
}

// Get returns one product.
func (r *Registry) Get(ctx context.Context, dataID string) (*types.Product, error) {
	return r.store.GetProduct(ctx, dataID)
}

// List returns products matching the filter, newest first.
func (r *Registry) List(ctx context.Context, f storage.ProductFilter) ([]*types.Product, error) {
	return r.store.ListProducts(ctx, f)
}

// InSkyBox returns products whose pointing falls inside the box. A box
// wrapping RA=0 is handled by the store as two ranges.
func (r *Registry) InSkyBox(ctx context.Context, box types.SkyBox, limit int) ([]*types.Product, error) {
	if box.DecMin > box.DecMax {
		return nil, types.InputInvalidf("products", "sky box dec_min %.3f > dec_max %.3f", box.DecMin, box.DecMax)
	}
	return r.store.ProductsInSkyBox(ctx, box, limit)
}

// Ancestry returns the product and its provenance ancestors up to
// maxDepth, nearest first.
func (r *Registry) Ancestry(ctx context.Context, dataID string, maxDepth int) ([]*types.Product, error) {
	return r.store.ProductAncestry(ctx, dataID, maxDepth)
}

// Link records a provenance edge. Duplicate edges are ignored.
func (r *Registry) Link(ctx context.Context, parentID, childID string) error {
	if parentID == childID {
		return types.InputInvalidf("products", "product %s cannot be its own parent", parentID)
	}
	return r.store.LinkProducts(ctx, parentID, childID)
}

// Stats returns product counts by state.
func (r *Registry) Stats(ctx context.Context) (map[types.ProductState]int, error) {
	return r.store.ProductStats(ctx)
}

// SetQA records QA and validation statuses in one write.
func (r *Registry) SetQA(ctx context.Context, dataID, qaStatus, validationStatus string) error {
	if !validQA(qaStatus) {
		return types.InputInvalidf("products", "unknown qa status %q", qaStatus)
	}
	if !validValidation(validationStatus) {
		return types.InputInvalidf("products", "unknown validation status %q", validationStatus)
	}
	if err := r.store.SetProductQA(ctx, dataID, qaStatus, validationStatus); err != nil {
		return err
	}
	r.log.Info("product qa updated", "data_id", dataID, "qa", qaStatus, "validation", validationStatus)
	return nil
}

// SetPhotometry records the photometry outcome.
func (r *Registry) SetPhotometry(ctx context.Context, dataID, status string) error {
	if status != types.PhotometryCompleted && status != types.PhotometryFailed {
		return types.InputInvalidf("products", "unknown photometry status %q", status)
	}
	return r.store.SetProductPhotometry(ctx, dataID, status)
}

func validQA(s string) bool {
	switch s {
	case types.QAPending, types.QARunning, types.QAPassed, types.QAFailed, types.QAWarning:
		return true
	}
	return false
}

func validValidation(s string) bool {
	switch s {
	case types.ValidationPending, types.ValidationValidated, types.ValidationInvalid:
		return true
	}
	return false
}

// Describe renders a one-line human summary, used by CLI listings.
func Describe(p *types.Product) string {
	return fmt.Sprintf("%s [%s] %s qa=%s", p.DataID, p.State, p.DataType, p.QAStatus)
}

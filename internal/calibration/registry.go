// Package calibration manages the calibration artifact registry and the
// calibrator catalog.
//
// The store keeps the artifact rows; this package owns register-time
// policy: status defaults, validity windows derived from the table type,
// and the calibrator matching heuristic used when a group's field name or
// path mentions a known calibrator.
package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/logging"
	"github.com/meridian-obs/contimg/internal/mjd"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

// Registry registers and retires calibration artifacts.
type Registry struct {
	store storage.Store
	cfg   config.CalibrationConfig
	log   *slog.Logger
	now   func() time.Time
}

// NewRegistry returns a registry applying cfg's validity defaults.
func NewRegistry(store storage.Store, cfg config.CalibrationConfig, log *slog.Logger) *Registry {
	return &Registry{store: store, cfg: cfg, log: logging.OrDiscard(log), now: time.Now}
}

// Register inserts an artifact, defaulting status to active. A zero
// validity window is filled in: the start anchors at now, the end at start
// plus the configured validity for the table type (gain_validity for
// gain-like tables, bp_validity otherwise). Callers with a better anchor,
// such as the solve stage registering against the group's observation
// time, set ValidStartMJD themselves. A duplicate (order_index,
// created_at) insert returns storage.ErrConflict.
func (r *Registry) Register(ctx context.Context, a *types.CalArtifact) (int64, error) {
	if a.SetName == "" {
		return 0, types.InputInvalidf("cal.register", "artifact has no set name")
	}
	if a.Path == "" {
		return 0, types.InputInvalidf("cal.register", "artifact has no path")
	}
	if _, err := types.ParseCalTableType(string(a.Type)); err != nil {
		return 0, types.InputInvalid("cal.register", err)
	}
	if a.OrderIndex < 0 {
		return 0, types.InputInvalidf("cal.register", "order_index %d is negative", a.OrderIndex)
	}
	if a.Status == "" {
		a.Status = types.CalActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.now()
	}
	if a.ValidStartMJD == 0 {
		a.ValidStartMJD = mjd.FromTime(r.now())
	}
	if a.ValidEndMJD == 0 {
		a.ValidEndMJD = mjd.Add(a.ValidStartMJD, r.Validity(a.Type))
	}

	id, err := r.store.InsertCalArtifact(ctx, a)
	if err != nil {
		return 0, err
	}
	r.log.Info("registered calibration artifact",
		"id", id, "set", a.SetName, "type", a.Type, "order", a.OrderIndex,
		"valid_start_mjd", a.ValidStartMJD, "valid_end_mjd", a.ValidEndMJD)
	return id, nil
}

// Validity returns the configured default validity for a table type.
func (r *Registry) Validity(t types.CalTableType) time.Duration {
	if t.IsGainType() {
		return r.cfg.GainValidity
	}
	return r.cfg.BPValidity
}

// ApplyList returns the active artifacts covering the instant, ordered by
// order_index ascending then created_at descending. The ordering is
// deterministic so two calls at the same instant build the same list.
func (r *Registry) ApplyList(ctx context.Context, atMJD float64) ([]*types.CalArtifact, error) {
	return r.store.ApplyList(ctx, atMJD)
}

// Retire flips one active artifact to retired. Retiring an artifact that
// is not active returns storage.ErrConflict.
func (r *Registry) Retire(ctx context.Context, id int64) error {
	ok, err := r.store.SetCalStatus(ctx, id, types.CalActive, types.CalRetired)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("artifact %d is not active: %w", id, storage.ErrConflict)
	}
	r.log.Info("retired calibration artifact", "id", id)
	return nil
}

// RetireSet retires every active artifact in a set in one transaction and
// returns the number retired.
func (r *Registry) RetireSet(ctx context.Context, setName string) (int, error) {
	n, err := r.store.RetireCalSet(ctx, setName)
	if err != nil {
		return 0, err
	}
	r.log.Info("retired calibration set", "set", setName, "count", n)
	return n, nil
}

// List returns artifacts matching the filter.
func (r *Registry) List(ctx context.Context, f storage.CalFilter) ([]*types.CalArtifact, error) {
	return r.store.ListCalArtifacts(ctx, f)
}

// Get returns one artifact by id.
func (r *Registry) Get(ctx context.Context, id int64) (*types.CalArtifact, error) {
	return r.store.GetCalArtifact(ctx, id)
}

package stages

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/meridian-obs/contimg/internal/calibration"
	"github.com/meridian-obs/contimg/internal/orchestrator"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

// catalogSetup loads the calibrator catalog and, when ingest ran without
// one, retries the calibrator match against the group's ID and subband
// paths. A missing catalog degrades the job rather than failing it:
// calibration_apply then leans on the registry alone.
type catalogSetup struct {
	store storage.Store
}

func (s *catalogSetup) Name() string { return StageCatalogSetup }

func (s *catalogSetup) Validate(ctx context.Context, ec orchestrator.Context) error {
	if ec.Inputs.Group == nil {
		return types.InputInvalidf(StageCatalogSetup, "job %s has no group", ec.JobID)
	}
	return nil
}

func (s *catalogSetup) Execute(ctx context.Context, ec orchestrator.Context) (orchestrator.Context, error) {
	g := ec.Inputs.Group

	cat, err := calibration.LoadCatalog(ec.Config.Calibration.CatalogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ec.WithOutput(StageCatalogSetup, "no_catalog"), nil
		}
		return ec, types.InputInvalid(StageCatalogSetup, err)
	}

	if g.Calibrator == nil {
		if m := cat.Match(matchSource(ec), g.RADeg, g.DecDeg); m != nil {
			if err := s.store.SetGroupCalibrator(ctx, g.ID, m); err != nil {
				return ec, types.Transient(StageCatalogSetup, err)
			}
			g.Calibrator = m
		}
	}

	return ec.WithOutput(StageCatalogSetup, fmt.Sprintf("ok: %d calibrators", cat.Len())), nil
}

func (s *catalogSetup) Cleanup(ctx context.Context, ec orchestrator.Context) error { return nil }

func (s *catalogSetup) ValidateOutputs(ctx context.Context, ec orchestrator.Context) error {
	status, err := orchestrator.Output[string](ec, StageCatalogSetup)
	if err != nil {
		return err
	}
	if status == "" {
		return fmt.Errorf("empty catalog status")
	}
	return nil
}

// matchSource builds the string the calibrator heuristic scans: the group
// ID plus the subband file names, any of which may carry the calibrator
// designation the telescope scheduler embedded.
func matchSource(ec orchestrator.Context) string {
	src := ec.Inputs.Group.ID
	for _, sb := range ec.Inputs.Subbands {
		src += " " + sb.Path
	}
	return src
}

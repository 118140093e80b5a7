package stages

import (
	"context"

	"github.com/meridian-obs/contimg/internal/kernel"
	"github.com/meridian-obs/contimg/internal/orchestrator"
	"github.com/meridian-obs/contimg/internal/products"
	"github.com/meridian-obs/contimg/internal/types"
)

// crossMatch matches the image's detected sources against reference
// catalogs and registers the match table as a product descending from the
// image.
type crossMatch struct {
	kern kernel.Kernel
	prod *products.Registry
}

func (s *crossMatch) Name() string { return StageCrossMatch }

func (s *crossMatch) Validate(ctx context.Context, ec orchestrator.Context) error {
	img, ok := ec.Meta(MetaImagePath)
	if !ok || img == "" {
		return types.Contractf(StageCrossMatch, "no %s in context", MetaImagePath)
	}
	if err := requireFile(StageCrossMatch, img); err != nil {
		return types.InputInvalid(StageCrossMatch, err)
	}
	return nil
}

func (s *crossMatch) Execute(ctx context.Context, ec orchestrator.Context) (orchestrator.Context, error) {
	g := ec.Inputs.Group
	img, _ := ec.Meta(MetaImagePath)

	matches, err := s.kern.Crossmatch(ctx, img, nil)
	if err != nil {
		return ec, err
	}
	if matches == "" {
		return ec, types.Contractf(StageCrossMatch, "tool reported no match table for %s", img)
	}

	at, err := obsMJD(g)
	if err != nil {
		return ec, types.InputInvalid(StageCrossMatch, err)
	}
	p := &types.Product{
		DataID:    products.DataID(types.DataTypeCrossMatch, g.ID),
		DataType:  types.DataTypeCrossMatch,
		GroupID:   g.ID,
		StagePath: matches,
		Provenance: types.Provenance{
			Parents:      []string{products.DataID(types.DataTypeImage, g.ID)},
			CreatorStage: StageCrossMatch,
			JobID:        ec.JobID,
		},
		RADeg:       g.RADeg,
		DecDeg:      g.DecDeg,
		ObsStartMJD: at,
		ObsEndMJD:   at,
	}
	if err := s.prod.Register(ctx, p); err != nil {
		return ec, err
	}

	return ec.WithOutput(StageCrossMatch, matches), nil
}

func (s *crossMatch) Cleanup(ctx context.Context, ec orchestrator.Context) error { return nil }

func (s *crossMatch) ValidateOutputs(ctx context.Context, ec orchestrator.Context) error {
	matches, err := orchestrator.Output[string](ec, StageCrossMatch)
	if err != nil {
		return err
	}
	return requireFile(StageCrossMatch, matches)
}

// photometry measures source fluxes from the calibrated MS and records the
// outcome on the image product, whose publish gate waits on it. The
// measurement rows are registered as their own product so reprocessing can
// trace them.
type photometry struct {
	kern kernel.Kernel
	prod *products.Registry
}

func (s *photometry) Name() string { return StagePhotometry }

func (s *photometry) Validate(ctx context.Context, ec orchestrator.Context) error {
	ms, err := msPath(ec)
	if err != nil {
		return err
	}
	if err := requireFile(StagePhotometry, ms); err != nil {
		return types.InputInvalid(StagePhotometry, err)
	}
	return nil
}

func (s *photometry) Execute(ctx context.Context, ec orchestrator.Context) (orchestrator.Context, error) {
	g := ec.Inputs.Group
	ms, err := msPath(ec)
	if err != nil {
		return ec, err
	}
	img, _ := ec.Meta(MetaImagePath)
	imageID := products.DataID(types.DataTypeImage, g.ID)

	rows, kerr := s.kern.Photometry(ctx, ms, img, "")
	if kerr != nil {
		// The image product carries the outcome either way; a failed
		// status keeps the publish gate shut until an operator looks.
		bctx := context.WithoutCancel(ctx)
		_ = s.prod.SetPhotometry(bctx, imageID, types.PhotometryFailed)
		return ec, kerr
	}
	if rows == "" {
		return ec, types.Contractf(StagePhotometry, "tool reported no measurement rows for %s", ms)
	}

	at, err := obsMJD(g)
	if err != nil {
		return ec, types.InputInvalid(StagePhotometry, err)
	}
	p := &types.Product{
		DataID:    products.DataID(types.DataTypePhotometry, g.ID),
		DataType:  types.DataTypePhotometry,
		GroupID:   g.ID,
		StagePath: rows,
		Provenance: types.Provenance{
			Parents:      []string{imageID},
			CreatorStage: StagePhotometry,
			JobID:        ec.JobID,
		},
		RADeg:       g.RADeg,
		DecDeg:      g.DecDeg,
		ObsStartMJD: at,
		ObsEndMJD:   at,
	}
	if err := s.prod.Register(ctx, p); err != nil {
		return ec, err
	}
	if err := s.prod.SetPhotometry(ctx, imageID, types.PhotometryCompleted); err != nil {
		return ec, err
	}

	return ec.WithOutput(StagePhotometry, rows), nil
}

func (s *photometry) Cleanup(ctx context.Context, ec orchestrator.Context) error { return nil }

func (s *photometry) ValidateOutputs(ctx context.Context, ec orchestrator.Context) error {
	rows, err := orchestrator.Output[string](ec, StagePhotometry)
	if err != nil {
		return err
	}
	return requireFile(StagePhotometry, rows)
}

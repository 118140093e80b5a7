package stages

import (
	"context"
	"fmt"

	"github.com/meridian-obs/contimg/internal/kernel"
	"github.com/meridian-obs/contimg/internal/orchestrator"
	"github.com/meridian-obs/contimg/internal/products"
	"github.com/meridian-obs/contimg/internal/types"
)

// validation scores the image against reference catalogs and registers it
// as a product. The verdict drives the product's QA and validation
// statuses; a failing verdict does not fail the job, it parks the product
// outside the publish gate where an operator can see it.
type validation struct {
	kern kernel.Kernel
	prod *products.Registry
}

func (s *validation) Name() string { return StageValidation }

func (s *validation) Validate(ctx context.Context, ec orchestrator.Context) error {
	img, ok := ec.Meta(MetaImagePath)
	if !ok || img == "" {
		return types.Contractf(StageValidation, "no %s in context", MetaImagePath)
	}
	if err := requireFile(StageValidation, img); err != nil {
		return types.InputInvalid(StageValidation, err)
	}
	return nil
}

func (s *validation) Execute(ctx context.Context, ec orchestrator.Context) (orchestrator.Context, error) {
	g := ec.Inputs.Group
	img, _ := ec.Meta(MetaImagePath)

	verdict, err := s.kern.ValidateImage(ctx, img, nil)
	if err != nil {
		return ec, err
	}

	var qa, val string
	switch verdict.Status {
	case "passed":
		qa, val = types.QAPassed, types.ValidationValidated
	case "failed":
		qa, val = types.QAFailed, types.ValidationInvalid
	default:
		return ec, types.Contractf(StageValidation, "verdict status %q is not passed or failed", verdict.Status)
	}

	at, err := obsMJD(g)
	if err != nil {
		return ec, types.InputInvalid(StageValidation, err)
	}
	p := &types.Product{
		DataID:      products.DataID(types.DataTypeImage, g.ID),
		DataType:    types.DataTypeImage,
		GroupID:     g.ID,
		StagePath:   img,
		AutoPublish: ec.Config.Publish.AutoPublishDefault,
		Metadata:    verdict.Metrics,
		Provenance: types.Provenance{
			CreatorStage: StageValidation,
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
	// Registration is a no-op for a product that already exists, so the
	// verdict statuses are written explicitly: a re-run refreshes them.
	if err := s.prod.SetQA(ctx, p.DataID, qa, val); err != nil {
		return ec, err
	}

	return ec.WithOutput(StageValidation, verdict), nil
}

func (s *validation) Cleanup(ctx context.Context, ec orchestrator.Context) error { return nil }

func (s *validation) ValidateOutputs(ctx context.Context, ec orchestrator.Context) error {
	verdict, err := orchestrator.Output[*kernel.ValidationVerdict](ec, StageValidation)
	if err != nil {
		return err
	}
	if verdict.Status != "passed" && verdict.Status != "failed" {
		return fmt.Errorf("verdict status %q", verdict.Status)
	}
	if verdict.ReportPath != "" {
		return requireFile(StageValidation, verdict.ReportPath)
	}
	return nil
}

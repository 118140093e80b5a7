package stages

import (
	"context"

	"github.com/meridian-obs/contimg/internal/kernel"
	"github.com/meridian-obs/contimg/internal/orchestrator"
	"github.com/meridian-obs/contimg/internal/types"
)

// imaging produces the continuum image from the calibrated MS.
type imaging struct {
	kern kernel.Kernel
}

func (s *imaging) Name() string { return StageImaging }

func (s *imaging) Validate(ctx context.Context, ec orchestrator.Context) error {
	ms, err := msPath(ec)
	if err != nil {
		return err
	}
	if err := requireFile(StageImaging, ms); err != nil {
		return types.InputInvalid(StageImaging, err)
	}
	return nil
}

func (s *imaging) Execute(ctx context.Context, ec orchestrator.Context) (orchestrator.Context, error) {
	ms, err := msPath(ec)
	if err != nil {
		return ec, err
	}
	img, err := s.kern.Image(ctx, ms, map[string]interface{}{
		"group_id": ec.Inputs.Group.ID,
	})
	if err != nil {
		return ec, err
	}
	return ec.WithOutput(StageImaging, img).WithMeta(MetaImagePath, img), nil
}

func (s *imaging) Cleanup(ctx context.Context, ec orchestrator.Context) error {
	// The kernel writes the image under its scratch and renames on
	// success; a failed call leaves nothing at the reported path.
	return nil
}

func (s *imaging) ValidateOutputs(ctx context.Context, ec orchestrator.Context) error {
	img, err := orchestrator.Output[string](ec, StageImaging)
	if err != nil {
		return err
	}
	return requireFile(StageImaging, img)
}

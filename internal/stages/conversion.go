package stages

import (
	"context"
	"errors"
	"os"
	"sort"

	"github.com/meridian-obs/contimg/internal/kernel"
	"github.com/meridian-obs/contimg/internal/orchestrator"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

// conversion builds the measurement set from the group's subband files and
// takes the advisory lock on it. The kernel guarantees no partial MS
// remains when convert_group fails; conversion extends that guarantee to
// its own post-steps by removing the MS before surfacing any error that
// follows a successful convert.
type conversion struct {
	store storage.Store
	kern  kernel.Kernel
}

func (s *conversion) Name() string { return StageConversion }

func (s *conversion) Validate(ctx context.Context, ec orchestrator.Context) error {
	if len(ec.Inputs.Subbands) == 0 {
		return types.InputInvalidf(StageConversion, "group %s has no recorded subbands", ec.Inputs.Group.ID)
	}
	for _, sb := range ec.Inputs.Subbands {
		if err := requireFile(StageConversion, sb.Path); err != nil {
			return types.InputInvalid(StageConversion, err)
		}
	}
	return nil
}

func (s *conversion) Execute(ctx context.Context, ec orchestrator.Context) (orchestrator.Context, error) {
	g := ec.Inputs.Group

	subbands := append([]*types.Subband(nil), ec.Inputs.Subbands...)
	sort.Slice(subbands, func(i, j int) bool { return subbands[i].Index < subbands[j].Index })
	paths := make([]string, len(subbands))
	for i, sb := range subbands {
		paths[i] = sb.Path
	}

	ms, err := s.kern.ConvertGroup(ctx, g.ID, paths)
	if err != nil {
		return ec, err
	}
	if err := requireFile(StageConversion, ms); err != nil {
		_ = os.RemoveAll(ms)
		return ec, types.KernelFailure(StageConversion, err, true)
	}

	if err := s.store.AcquireMSLock(ctx, ms, ec.JobID, ec.Config.Resources.MSLockTimeout); err != nil {
		_ = os.RemoveAll(ms)
		if errors.Is(err, storage.ErrLockHeld) {
			return ec, types.Transient(StageConversion, err)
		}
		return ec, err
	}

	return ec.WithOutput(StageConversion, ms).WithMeta(MetaMSPath, ms), nil
}

func (s *conversion) Cleanup(ctx context.Context, ec orchestrator.Context) error {
	// Execute removes its own partial effects before returning an error,
	// and the kernel owns cleanup of a failed convert, so there is nothing
	// left to undo here.
	return nil
}

func (s *conversion) ValidateOutputs(ctx context.Context, ec orchestrator.Context) error {
	ms, err := orchestrator.Output[string](ec, StageConversion)
	if err != nil {
		return err
	}
	return requireFile(StageConversion, ms)
}

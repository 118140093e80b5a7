package stages

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/meridian-obs/contimg/internal/orchestrator"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

// organization moves the measurement set from the kernel's output location
// into the staging layout, one directory per observation date. The
// advisory lock follows the rename: the destination is locked before the
// move and the source lock released after, so no instant exists where the
// MS is reachable unlocked.
type organization struct {
	store storage.Store
}

func (s *organization) Name() string { return StageOrganization }

func (s *organization) Validate(ctx context.Context, ec orchestrator.Context) error {
	src, err := msPath(ec)
	if err != nil {
		return err
	}
	// A retry may find the MS already moved; existence of either endpoint
	// satisfies the precondition.
	if _, serr := os.Stat(src); serr == nil {
		return nil
	}
	dst, derr := s.target(ec, src)
	if derr != nil {
		return types.InputInvalid(StageOrganization, derr)
	}
	if _, derr := os.Stat(dst); derr == nil {
		return nil
	}
	return types.InputInvalidf(StageOrganization, "measurement set missing: %s", src)
}

func (s *organization) Execute(ctx context.Context, ec orchestrator.Context) (orchestrator.Context, error) {
	src, err := msPath(ec)
	if err != nil {
		return ec, err
	}
	dst, err := s.target(ec, src)
	if err != nil {
		return ec, types.InputInvalid(StageOrganization, err)
	}
	if dst == src {
		return ec.WithOutput(StageOrganization, dst), nil
	}

	ttl := ec.Config.Resources.MSLockTimeout
	if err := s.store.AcquireMSLock(ctx, dst, ec.JobID, ttl); err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			return ec, types.Transient(StageOrganization, err)
		}
		return ec, err
	}

	if _, err := os.Stat(src); errors.Is(err, os.ErrNotExist) {
		// An earlier attempt moved the MS and failed afterwards.
		if _, derr := os.Stat(dst); derr == nil {
			return ec.WithOutput(StageOrganization, dst).WithMeta(MetaMSPath, dst), nil
		}
		_ = s.store.ReleaseMSLock(ctx, dst, ec.JobID)
		return ec, types.InputInvalidf(StageOrganization, "measurement set missing: %s", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		_ = s.store.ReleaseMSLock(ctx, dst, ec.JobID)
		return ec, types.Transient(StageOrganization, err)
	}
	if err := os.Rename(src, dst); err != nil {
		_ = s.store.ReleaseMSLock(ctx, dst, ec.JobID)
		return ec, types.Transient(StageOrganization, err)
	}
	_ = s.store.ReleaseMSLock(ctx, src, ec.JobID)

	return ec.WithOutput(StageOrganization, dst).WithMeta(MetaMSPath, dst), nil
}

func (s *organization) Cleanup(ctx context.Context, ec orchestrator.Context) error {
	// The rename is the only effect and it is atomic; a retry adopts
	// whichever endpoint the MS sits at.
	return nil
}

func (s *organization) ValidateOutputs(ctx context.Context, ec orchestrator.Context) error {
	dst, err := orchestrator.Output[string](ec, StageOrganization)
	if err != nil {
		return err
	}
	return requireFile(StageOrganization, dst)
}

// target computes the staging-layout path: <staging>/<obs date>/<ms name>.
func (s *organization) target(ec orchestrator.Context, src string) (string, error) {
	obs, err := ec.Inputs.Group.ObsTime()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(ec.Config.Paths.Staging, obs.UTC().Format("2006-01-02"))
	return filepath.Join(dir, filepath.Base(src)), nil
}

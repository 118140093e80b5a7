package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/meridian-obs/contimg/internal/calibration"
	"github.com/meridian-obs/contimg/internal/kernel"
	"github.com/meridian-obs/contimg/internal/orchestrator"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

// calibrationSolve derives calibration tables from calibrator groups and
// registers them under set_name = group ID, anchored at the group's
// observation time. Non-calibrator groups pass through with an empty table
// list; science targets are calibrated from the registry alone.
type calibrationSolve struct {
	reg  *calibration.Registry
	kern kernel.Kernel
}

func (s *calibrationSolve) Name() string { return StageCalibrationSolve }

func (s *calibrationSolve) Validate(ctx context.Context, ec orchestrator.Context) error {
	if ec.Inputs.Group.Calibrator == nil {
		return nil
	}
	ms, err := msPath(ec)
	if err != nil {
		return err
	}
	if err := requireFile(StageCalibrationSolve, ms); err != nil {
		return types.InputInvalid(StageCalibrationSolve, err)
	}
	return nil
}

func (s *calibrationSolve) Execute(ctx context.Context, ec orchestrator.Context) (orchestrator.Context, error) {
	g := ec.Inputs.Group
	if g.Calibrator == nil {
		return ec.WithOutput(StageCalibrationSolve, []kernel.SolvedTable{}), nil
	}

	ms, err := msPath(ec)
	if err != nil {
		return ec, err
	}
	tables, err := s.kern.SolveCalibration(ctx, ms, "", g.Calibrator.Name)
	if err != nil {
		return ec, err
	}
	if len(tables) == 0 {
		return ec, types.KernelFailure(StageCalibrationSolve,
			fmt.Errorf("solver produced no tables for calibrator %s", g.Calibrator.Name), false)
	}

	start, err := obsMJD(g)
	if err != nil {
		return ec, types.InputInvalid(StageCalibrationSolve, err)
	}
	for _, t := range tables {
		a := &types.CalArtifact{
			SetName:        g.ID,
			Path:           t.Path,
			Type:           t.Type,
			OrderIndex:     t.OrderIndex,
			CalField:       g.Calibrator.Name,
			ValidStartMJD:  start,
			QualityMetrics: t.Quality,
		}
		if _, err := s.reg.Register(ctx, a); err != nil {
			return ec, err
		}
	}

	return ec.WithOutput(StageCalibrationSolve, tables), nil
}

// Cleanup retires whatever part of the set a failed attempt registered, so
// the retry rebuilds it from scratch instead of stacking duplicates.
func (s *calibrationSolve) Cleanup(ctx context.Context, ec orchestrator.Context) error {
	if ec.Inputs.Group.Calibrator == nil {
		return nil
	}
	_, err := s.reg.RetireSet(ctx, ec.Inputs.Group.ID)
	return err
}

func (s *calibrationSolve) ValidateOutputs(ctx context.Context, ec orchestrator.Context) error {
	tables, err := orchestrator.Output[[]kernel.SolvedTable](ec, StageCalibrationSolve)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if err := requireFile(StageCalibrationSolve, t.Path); err != nil {
			return err
		}
	}
	return nil
}

// calibrationApply applies the active calibration to the measurement set
// in place, under the MS advisory lock. The table list is the registry's
// apply list at the group's observation instant, unioned with the tables
// this job just solved (which covers the window between registration and
// the registry read). A science group with nothing applicable fails
// transiently: the job backs off until a calibrator has been processed.
type calibrationApply struct {
	store storage.Store
	reg   *calibration.Registry
	kern  kernel.Kernel
}

func (s *calibrationApply) Name() string { return StageCalibrationApply }

func (s *calibrationApply) Validate(ctx context.Context, ec orchestrator.Context) error {
	ms, err := msPath(ec)
	if err != nil {
		return err
	}
	if err := requireFile(StageCalibrationApply, ms); err != nil {
		return types.InputInvalid(StageCalibrationApply, err)
	}
	return nil
}

func (s *calibrationApply) Execute(ctx context.Context, ec orchestrator.Context) (orchestrator.Context, error) {
	g := ec.Inputs.Group
	ms, err := msPath(ec)
	if err != nil {
		return ec, err
	}
	at, err := obsMJD(g)
	if err != nil {
		return ec, types.InputInvalid(StageCalibrationApply, err)
	}

	active, err := s.reg.ApplyList(ctx, at)
	if err != nil {
		return ec, types.Transient(StageCalibrationApply, err)
	}
	paths := make([]string, 0, len(active))
	seen := make(map[string]bool, len(active))
	for _, a := range active {
		if !seen[a.Path] {
			seen[a.Path] = true
			paths = append(paths, a.Path)
		}
	}
	if raw, ok := ec.RawOutput(StageCalibrationSolve); ok {
		if solved, ok := raw.([]kernel.SolvedTable); ok {
			for _, t := range solved {
				if !seen[t.Path] {
					seen[t.Path] = true
					paths = append(paths, t.Path)
				}
			}
		}
	}

	if len(paths) == 0 {
		if g.Calibrator != nil {
			return ec, types.Contractf(StageCalibrationApply,
				"calibrator group %s has no applicable tables after solve", g.ID)
		}
		return ec, types.Transientf(StageCalibrationApply,
			"no active calibration covers MJD %.5f; waiting for a calibrator", at)
	}

	if err := s.store.AcquireMSLock(ctx, ms, ec.JobID, ec.Config.Resources.MSLockTimeout); err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			return ec, types.Transient(StageCalibrationApply, err)
		}
		return ec, err
	}
	if err := s.kern.ApplyCalibration(ctx, ms, paths); err != nil {
		return ec, err
	}

	return ec.WithOutput(StageCalibrationApply, paths), nil
}

func (s *calibrationApply) Cleanup(ctx context.Context, ec orchestrator.Context) error {
	// The apply mutates the MS inside the tool's own transaction; a failed
	// call leaves the data column untouched.
	return nil
}

func (s *calibrationApply) ValidateOutputs(ctx context.Context, ec orchestrator.Context) error {
	paths, err := orchestrator.Output[[]string](ec, StageCalibrationApply)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("empty applied table list")
	}
	ms, err := msPath(ec)
	if err != nil {
		return err
	}
	return requireFile(StageCalibrationApply, ms)
}

// Package stages implements the standard processing catalog run for every
// observation group: catalog setup, conversion, organization, calibration
// solve and apply, imaging, validation, and the post-imaging pair of
// crossmatch and photometry.
//
// Stage values hold collaborators only, never job state: the same catalog
// serves every worker concurrently. Everything a stage learns travels in
// the execution context: large payloads as typed outputs keyed by stage
// name, the working measurement-set path as metadata because organization
// rewrites it.
package stages

import (
	"fmt"
	"os"

	"github.com/meridian-obs/contimg/internal/calibration"
	"github.com/meridian-obs/contimg/internal/kernel"
	"github.com/meridian-obs/contimg/internal/mjd"
	"github.com/meridian-obs/contimg/internal/orchestrator"
	"github.com/meridian-obs/contimg/internal/products"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

// Stage names, as they appear in plans, journals, and stages.* config keys.
const (
	StageCatalogSetup     = "catalog_setup"
	StageConversion       = "conversion"
	StageOrganization     = "organization"
	StageCalibrationSolve = "calibration_solve"
	StageCalibrationApply = "calibration_apply"
	StageImaging          = "imaging"
	StageValidation       = "validation"
	StageCrossMatch       = "crossmatch"
	StagePhotometry       = "photometry"
)

// Context metadata keys. These hold the current working paths, which later
// stages rewrite (organization moves the MS; imaging introduces the image).
const (
	MetaMSPath    = "ms_path"
	MetaImagePath = "image_path"
)

// Deps are the collaborators the catalog stages share.
type Deps struct {
	Store    storage.Store
	Kernel   kernel.Kernel
	Cal      *calibration.Registry
	Products *products.Registry
}

// Catalog returns the standard stage definitions in dependency order.
// CrossMatch and Photometry only read the calibrated MS and the image and
// write disjoint registry rows, so they are flagged safe to run in one
// concurrent wave.
func Catalog(d Deps) []orchestrator.Definition {
	return []orchestrator.Definition{
		{Stage: &catalogSetup{store: d.Store}},
		{Stage: &conversion{store: d.Store, kern: d.Kernel}, DependsOn: []string{StageCatalogSetup}},
		{Stage: &organization{store: d.Store}, DependsOn: []string{StageConversion}},
		{Stage: &calibrationSolve{reg: d.Cal, kern: d.Kernel}, DependsOn: []string{StageOrganization}},
		{Stage: &calibrationApply{store: d.Store, reg: d.Cal, kern: d.Kernel}, DependsOn: []string{StageCalibrationSolve}},
		{Stage: &imaging{kern: d.Kernel}, DependsOn: []string{StageCalibrationApply}},
		{Stage: &validation{kern: d.Kernel, prod: d.Products}, DependsOn: []string{StageImaging}},
		{Stage: &crossMatch{kern: d.Kernel, prod: d.Products}, DependsOn: []string{StageValidation}, Concurrent: true},
		{Stage: &photometry{kern: d.Kernel, prod: d.Products}, DependsOn: []string{StageValidation}, Concurrent: true},
	}
}

// Names lists the catalog stage names, for config validation.
func Names() []string {
	return []string{
		StageCatalogSetup, StageConversion, StageOrganization,
		StageCalibrationSolve, StageCalibrationApply, StageImaging,
		StageValidation, StageCrossMatch, StagePhotometry,
	}
}

// msPath returns the working measurement-set path from context metadata.
func msPath(ec orchestrator.Context) (string, error) {
	p, ok := ec.Meta(MetaMSPath)
	if !ok || p == "" {
		return "", types.Contractf("stages", "no %s in context", MetaMSPath)
	}
	return p, nil
}

// obsMJD returns the group's observation instant, falling back to the
// group ID timestamp when subband 0 was never probed.
func obsMJD(g *types.Group) (float64, error) {
	if g.ObsMJD != 0 {
		return g.ObsMJD, nil
	}
	t, err := g.ObsTime()
	if err != nil {
		return 0, err
	}
	return mjd.FromTime(t), nil
}

// requireFile fails unless path names an existing, non-empty file.
// Directories pass on existence alone: some kernels materialize
// measurement sets as directories.
func requireFile(op, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !fi.IsDir() && fi.Size() == 0 {
		return fmt.Errorf("%s: %s is empty", op, path)
	}
	return nil
}

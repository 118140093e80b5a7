// Package kernel is the boundary to the numerical processing tools.
//
// The pipeline never links against the solvers. Each operation shells out
// to an external tool described by a TOML manifest: the tool reads an
// inputs JSON, does its numerics, writes a result JSON, and signals the
// outcome through its exit code. This package owns argv construction,
// scratch directories, exit-code mapping, and result decoding; the tools
// own numerical correctness.
package kernel

import (
	"context"
	"encoding/json"

	"github.com/meridian-obs/contimg/internal/types"
)

// ProbeResult is the header metadata read from a subband file or
// measurement set: pointing, observation time, and the field name the
// scheduler recorded.
type ProbeResult struct {
	RADeg  float64 `json:"ra_deg"`
	DecDeg float64 `json:"dec_deg"`
	ObsMJD float64 `json:"obs_mjd"`
	Field  string  `json:"field,omitempty"`
}

// SolvedTable is one calibration table produced by a solve.
type SolvedTable struct {
	Type       types.CalTableType `json:"table_type"`
	OrderIndex int                `json:"order_index"`
	Path       string             `json:"path"`
	Quality    json.RawMessage    `json:"quality,omitempty"`
}

// ValidationVerdict is the outcome of image validation.
type ValidationVerdict struct {
	Status     string          `json:"status"` // passed | failed
	Metrics    json.RawMessage `json:"metrics,omitempty"`
	ReportPath string          `json:"report_path,omitempty"`
}

// Kernel is the synchronous operation surface. Every call blocks until the
// tool exits and honors context cancellation by killing the process.
// Errors come back classified: violated preconditions as input_invalid,
// tool failures as kernel_failure with the tool's retryability declaration.
type Kernel interface {
	// ConvertGroup builds a measurement set from the group's subband
	// files. On failure no partial MS remains at the returned path.
	ConvertGroup(ctx context.Context, groupID string, subbandPaths []string) (string, error)

	// SolveCalibration derives calibration tables from a calibrator MS.
	SolveCalibration(ctx context.Context, msPath, refant, calField string) ([]SolvedTable, error)

	// ApplyCalibration applies tables to the MS in place. Callers hold the
	// MS advisory lock across the call.
	ApplyCalibration(ctx context.Context, msPath string, tablePaths []string) error

	// Image produces a continuum image from a calibrated MS.
	Image(ctx context.Context, msPath string, params map[string]interface{}) (string, error)

	// ValidateImage scores an image against reference catalogs.
	ValidateImage(ctx context.Context, imagePath string, catalogRefs []string) (*ValidationVerdict, error)

	// Crossmatch matches detected sources against catalogs, returning the
	// path of the match table.
	Crossmatch(ctx context.Context, sourcesPath string, catalogs []string) (string, error)

	// Photometry measures fluxes, returning the path of the measurement
	// rows. imagePath and sourceList may be empty.
	Photometry(ctx context.Context, msPath, imagePath, sourceList string) (string, error)

	// Probe reads header metadata without touching the data payload.
	Probe(ctx context.Context, path string) (*ProbeResult, error)
}

// Operation names as they appear in the manifest.
const (
	OpConvertGroup     = "convert_group"
	OpSolveCalibration = "solve_calibration"
	OpApplyCalibration = "apply_calibration"
	OpImage            = "image"
	OpValidateImage    = "validate_image"
	OpCrossmatch       = "crossmatch"
	OpPhotometry       = "photometry"
	OpProbe            = "probe"
)

package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/logging"
	"github.com/meridian-obs/contimg/internal/types"
)

// Exit codes of the kernel tool contract. Exit 2 marks violated
// preconditions and is never retried; exit 3 is the tool declaring the
// call safe to re-run; anything else nonzero is a non-retryable kernel
// failure.
const (
	exitInputInvalid = 2
	exitRetryable    = 3
)

// stderrTail bounds how much tool stderr ends up in error messages.
const stderrTail = 4096

// ExecKernel runs manifest-described tools as subprocesses.
type ExecKernel struct {
	manifest *Manifest
	binDir   string
	scratch  string
	log      *slog.Logger
}

// NewExec returns a kernel invoking tools per the manifest. Each call gets
// a fresh work directory under scratch; the directory is removed on
// success and kept for inspection on failure.
func NewExec(m *Manifest, cfg config.KernelConfig, scratch string, log *slog.Logger) *ExecKernel {
	return &ExecKernel{
		manifest: m,
		binDir:   cfg.BinDir,
		scratch:  scratch,
		log:      logging.OrDiscard(log),
	}
}

// Manifest returns the loaded manifest, for status reporting.
func (k *ExecKernel) Manifest() *Manifest { return k.manifest }

type convertInputs struct {
	GroupID      string   `json:"group_id"`
	SubbandPaths []string `json:"subband_paths"`
}

type convertResult struct {
	MSPath string `json:"ms_path"`
}

func (k *ExecKernel) ConvertGroup(ctx context.Context, groupID string, subbandPaths []string) (string, error) {
	if len(subbandPaths) == 0 {
		return "", types.InputInvalidf(OpConvertGroup, "group %s has no subband paths", groupID)
	}
	for _, p := range subbandPaths {
		if _, err := os.Stat(p); err != nil {
			return "", types.InputInvalidf(OpConvertGroup, "subband file missing: %s", p)
		}
	}
	var res convertResult
	if err := k.run(ctx, OpConvertGroup, convertInputs{GroupID: groupID, SubbandPaths: subbandPaths}, &res); err != nil {
		return "", err
	}
	if res.MSPath == "" {
		return "", types.KernelFailure(OpConvertGroup, errors.New("tool reported no ms_path"), false)
	}
	return res.MSPath, nil
}

type solveInputs struct {
	MSPath   string `json:"ms_path"`
	Refant   string `json:"refant,omitempty"`
	CalField string `json:"cal_field,omitempty"`
}

type solveResult struct {
	Tables []SolvedTable `json:"tables"`
}

func (k *ExecKernel) SolveCalibration(ctx context.Context, msPath, refant, calField string) ([]SolvedTable, error) {
	var res solveResult
	err := k.run(ctx, OpSolveCalibration, solveInputs{MSPath: msPath, Refant: refant, CalField: calField}, &res)
	if err != nil {
		return nil, err
	}
	return res.Tables, nil
}

type applyInputs struct {
	MSPath     string   `json:"ms_path"`
	TablePaths []string `json:"table_paths"`
}

func (k *ExecKernel) ApplyCalibration(ctx context.Context, msPath string, tablePaths []string) error {
	if len(tablePaths) == 0 {
		return types.InputInvalidf(OpApplyCalibration, "empty apply list for %s", msPath)
	}
	return k.run(ctx, OpApplyCalibration, applyInputs{MSPath: msPath, TablePaths: tablePaths}, nil)
}

type imageInputs struct {
	MSPath string                 `json:"ms_path"`
	Params map[string]interface{} `json:"params,omitempty"`
}

type imageResult struct {
	ImagePath string `json:"image_path"`
}

func (k *ExecKernel) Image(ctx context.Context, msPath string, params map[string]interface{}) (string, error) {
	var res imageResult
	if err := k.run(ctx, OpImage, imageInputs{MSPath: msPath, Params: params}, &res); err != nil {
		return "", err
	}
	if res.ImagePath == "" {
		return "", types.KernelFailure(OpImage, errors.New("tool reported no image_path"), false)
	}
	return res.ImagePath, nil
}

type validateInputs struct {
	ImagePath   string   `json:"image_path"`
	CatalogRefs []string `json:"catalog_refs,omitempty"`
}

func (k *ExecKernel) ValidateImage(ctx context.Context, imagePath string, catalogRefs []string) (*ValidationVerdict, error) {
	var res ValidationVerdict
	if err := k.run(ctx, OpValidateImage, validateInputs{ImagePath: imagePath, CatalogRefs: catalogRefs}, &res); err != nil {
		return nil, err
	}
	if res.Status == "" {
		return nil, types.KernelFailure(OpValidateImage, errors.New("tool reported no status"), false)
	}
	return &res, nil
}

type crossmatchInputs struct {
	SourcesPath string   `json:"sources_path"`
	Catalogs    []string `json:"catalogs,omitempty"`
}

type crossmatchResult struct {
	MatchesPath string `json:"matches_path"`
}

func (k *ExecKernel) Crossmatch(ctx context.Context, sourcesPath string, catalogs []string) (string, error) {
	var res crossmatchResult
	if err := k.run(ctx, OpCrossmatch, crossmatchInputs{SourcesPath: sourcesPath, Catalogs: catalogs}, &res); err != nil {
		return "", err
	}
	return res.MatchesPath, nil
}

type photometryInputs struct {
	MSPath     string `json:"ms_path"`
	ImagePath  string `json:"image_path,omitempty"`
	SourceList string `json:"source_list,omitempty"`
}

type photometryResult struct {
	RowsPath string `json:"rows_path"`
}

func (k *ExecKernel) Photometry(ctx context.Context, msPath, imagePath, sourceList string) (string, error) {
	var res photometryResult
	err := k.run(ctx, OpPhotometry, photometryInputs{MSPath: msPath, ImagePath: imagePath, SourceList: sourceList}, &res)
	if err != nil {
		return "", err
	}
	return res.RowsPath, nil
}

type probeInputs struct {
	Path string `json:"path"`
}

func (k *ExecKernel) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	var res ProbeResult
	if err := k.run(ctx, OpProbe, probeInputs{Path: path}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// run executes one manifest op: work directory, inputs file, argv
// expansion, exit-code mapping, result decode.
func (k *ExecKernel) run(ctx context.Context, op string, inputs, result interface{}) error {
	spec, err := k.manifest.Op(op)
	if err != nil {
		return types.Fatal(op, err)
	}

	workDir, err := os.MkdirTemp(k.scratch, op+"-")
	if err != nil {
		return types.Transient(op, fmt.Errorf("failed to create work directory: %w", err))
	}

	inputsPath := filepath.Join(workDir, "inputs.json")
	resultPath := filepath.Join(workDir, spec.Result)
	raw, err := json.Marshal(inputs)
	if err != nil {
		return types.Fatal(op, fmt.Errorf("failed to marshal inputs: %w", err))
	}
	if err := os.WriteFile(inputsPath, raw, 0o600); err != nil {
		return types.Transient(op, fmt.Errorf("failed to write inputs: %w", err))
	}

	bin := spec.Bin
	if !filepath.IsAbs(bin) && k.binDir != "" {
		bin = filepath.Join(k.binDir, bin)
	}
	args := expandArgs(spec.Args, map[string]string{
		"inputs":  inputsPath,
		"result":  resultPath,
		"workdir": workDir,
	})

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = workDir
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr
	// Tools may fork; don't hang on a grandchild holding stderr open.
	cmd.WaitDelay = 10 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		k.log.Warn("kernel op cancelled", "op", op, "elapsed", elapsed, "workdir", workDir)
		return ctx.Err()
	}
	if runErr != nil {
		k.log.Warn("kernel op failed", "op", op, "elapsed", elapsed, "workdir", workDir, "error", runErr)
		return k.mapRunError(op, runErr, stderr.String())
	}

	if result != nil {
		raw, err := os.ReadFile(resultPath)
		if err != nil {
			return types.KernelFailure(op, fmt.Errorf("tool exited 0 but wrote no result: %w", err), false)
		}
		if err := json.Unmarshal(raw, result); err != nil {
			return types.KernelFailure(op, fmt.Errorf("undecodable result file: %w", err), false)
		}
	}

	k.log.Debug("kernel op completed", "op", op, "elapsed", elapsed)
	_ = os.RemoveAll(workDir)
	return nil
}

// mapRunError classifies a subprocess failure per the exit-code contract.
func (k *ExecKernel) mapRunError(op string, runErr error, stderr string) error {
	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		// Could not start at all: missing binary or bad permissions is an
		// installation problem, not a job problem.
		return types.Fatal(op, fmt.Errorf("failed to start kernel tool: %w", runErr))
	}

	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = "no stderr output"
	}
	code := exitErr.ExitCode()
	switch code {
	case exitInputInvalid:
		return types.InputInvalidf(op, "exit %d: %s", code, msg)
	case exitRetryable:
		return types.KernelFailure(op, fmt.Errorf("exit %d: %s", code, msg), true)
	default:
		return types.KernelFailure(op, fmt.Errorf("exit %d: %s", code, msg), false)
	}
}

// expandArgs substitutes {inputs}, {result}, and {workdir} placeholders.
func expandArgs(args []string, subs map[string]string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		for key, val := range subs {
			a = strings.ReplaceAll(a, "{"+key+"}", val)
		}
		out[i] = a
	}
	return out
}

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }

package kernel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/meridian-obs/contimg/internal/types"
)

// Call records one fake invocation.
type Call struct {
	Op     string
	Target string
}

type failurePlan struct {
	err   error
	times int // <0 fails forever
}

// Fake is an in-process Kernel for tests. Default behaviors synthesize
// plausible outputs under a base directory, writing real files so
// downstream filesystem checks hold; per-op failures are programmable.
type Fake struct {
	mu       sync.Mutex
	dir      string
	calls    []Call
	failures map[string]*failurePlan
	probes   map[string]*ProbeResult

	// DefaultProbe is returned by Probe for paths without a programmed
	// result. Nil means Probe fails as input_invalid.
	DefaultProbe *ProbeResult

	// Verdict overrides the ValidateImage outcome; nil means passed.
	Verdict *ValidationVerdict
}

// NewFake returns a fake writing synthesized outputs under dir.
func NewFake(dir string) *Fake {
	return &Fake{
		dir:      dir,
		failures: make(map[string]*failurePlan),
		probes:   make(map[string]*ProbeResult),
	}
}

// FailWith makes every future call to op return err.
func (f *Fake) FailWith(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = &failurePlan{err: err, times: -1}
}

// FailTimes makes the next n calls to op return err, then succeed.
func (f *Fake) FailTimes(op string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = &failurePlan{err: err, times: n}
}

// SetProbe programs the probe result for one path.
func (f *Fake) SetProbe(path string, r *ProbeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes[path] = r
}

// Calls returns a copy of the invocation log.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many times op was invoked.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// enter records the call and consumes one failure, if planned.
func (f *Fake) enter(ctx context.Context, op, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Target: target})
	plan, ok := f.failures[op]
	if !ok {
		return nil
	}
	if plan.times < 0 {
		return plan.err
	}
	if plan.times > 0 {
		plan.times--
		return plan.err
	}
	return nil
}

func (f *Fake) write(path, content string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func (f *Fake) ConvertGroup(ctx context.Context, groupID string, subbandPaths []string) (string, error) {
	if err := f.enter(ctx, OpConvertGroup, groupID); err != nil {
		return "", err
	}
	if len(subbandPaths) == 0 {
		return "", types.InputInvalidf(OpConvertGroup, "group %s has no subband paths", groupID)
	}
	return f.write(filepath.Join(f.dir, "ms", groupID+".ms"), "ms:"+groupID)
}

func (f *Fake) SolveCalibration(ctx context.Context, msPath, refant, calField string) ([]SolvedTable, error) {
	if err := f.enter(ctx, OpSolveCalibration, msPath); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(msPath), ".ms")
	var tables []SolvedTable
	for i, tt := range []types.CalTableType{types.CalK, types.CalBA, types.CalBP, types.CalGP} {
		path, err := f.write(filepath.Join(f.dir, "cal", fmt.Sprintf("%s_%s.tbl", base, tt)), "tbl")
		if err != nil {
			return nil, err
		}
		tables = append(tables, SolvedTable{Type: tt, OrderIndex: i, Path: path})
	}
	return tables, nil
}

func (f *Fake) ApplyCalibration(ctx context.Context, msPath string, tablePaths []string) error {
	if err := f.enter(ctx, OpApplyCalibration, msPath); err != nil {
		return err
	}
	if len(tablePaths) == 0 {
		return types.InputInvalidf(OpApplyCalibration, "empty apply list for %s", msPath)
	}
	return nil
}

func (f *Fake) Image(ctx context.Context, msPath string, params map[string]interface{}) (string, error) {
	if err := f.enter(ctx, OpImage, msPath); err != nil {
		return "", err
	}
	base := strings.TrimSuffix(filepath.Base(msPath), ".ms")
	return f.write(filepath.Join(f.dir, "images", base+".fits"), "fits:"+base)
}

func (f *Fake) ValidateImage(ctx context.Context, imagePath string, catalogRefs []string) (*ValidationVerdict, error) {
	if err := f.enter(ctx, OpValidateImage, imagePath); err != nil {
		return nil, err
	}
	if f.Verdict != nil {
		return f.Verdict, nil
	}
	report, err := f.write(filepath.Join(f.dir, "reports", filepath.Base(imagePath)+".report.json"), "{}")
	if err != nil {
		return nil, err
	}
	return &ValidationVerdict{Status: "passed", ReportPath: report}, nil
}

func (f *Fake) Crossmatch(ctx context.Context, sourcesPath string, catalogs []string) (string, error) {
	if err := f.enter(ctx, OpCrossmatch, sourcesPath); err != nil {
		return "", err
	}
	return f.write(filepath.Join(f.dir, "crossmatch", filepath.Base(sourcesPath)+".matches"), "matches")
}

func (f *Fake) Photometry(ctx context.Context, msPath, imagePath, sourceList string) (string, error) {
	if err := f.enter(ctx, OpPhotometry, msPath); err != nil {
		return "", err
	}
	base := strings.TrimSuffix(filepath.Base(msPath), ".ms")
	return f.write(filepath.Join(f.dir, "photometry", base+".rows"), "rows")
}

func (f *Fake) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	if err := f.enter(ctx, OpProbe, path); err != nil {
		return nil, err
	}
	f.mu.Lock()
	r, ok := f.probes[path]
	f.mu.Unlock()
	if ok {
		return r, nil
	}
	if f.DefaultProbe != nil {
		return f.DefaultProbe, nil
	}
	return nil, types.InputInvalidf(OpProbe, "unreadable header: %s", path)
}

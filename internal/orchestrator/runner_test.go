package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/storage/sqlite"
	"github.com/meridian-obs/contimg/internal/types"
)

// scriptedStage is a stage with programmable behavior for runner tests.
// Execute consumes one error from failures per call, then succeeds.
type scriptedStage struct {
	name        string
	validateErr error
	outputsErr  error
	output      interface{}
	block       time.Duration

	mu       sync.Mutex
	failures []error
	runs     int
	cleanups int
	onRun    func(name string)
}

func (s *scriptedStage) Name() string { return s.name }

func (s *scriptedStage) Validate(context.Context, Context) error { return s.validateErr }

func (s *scriptedStage) Execute(ctx context.Context, ec Context) (Context, error) {
	s.mu.Lock()
	s.runs++
	var err error
	if len(s.failures) > 0 {
		err = s.failures[0]
		s.failures = s.failures[1:]
	}
	onRun := s.onRun
	s.mu.Unlock()

	if onRun != nil {
		onRun(s.name)
	}
	if s.block > 0 {
		select {
		case <-ctx.Done():
			return ec, ctx.Err()
		case <-time.After(s.block):
		}
	}
	if err != nil {
		return ec, err
	}
	if s.output != nil {
		ec = ec.WithOutput(s.name, s.output)
	}
	return ec, nil
}

func (s *scriptedStage) Cleanup(context.Context, Context) error {
	s.mu.Lock()
	s.cleanups++
	s.mu.Unlock()
	return nil
}

func (s *scriptedStage) ValidateOutputs(context.Context, Context) error { return s.outputsErr }

func (s *scriptedStage) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *scriptedStage) cleanupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanups
}

func testConfig() *config.Config {
	return &config.Config{
		Orchestrator: config.OrchestratorConfig{
			DefaultRetry: config.RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   time.Millisecond,
				MaxDelay:    5 * time.Millisecond,
				Multiplier:  2.0,
			},
		},
	}
}

func newTestRunner(t *testing.T, cfg *config.Config, defs ...Definition) (*Runner, storage.Store) {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	plan, err := NewPlan(defs)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	r := NewRunner(plan, cfg, store, nil)
	r.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	r.unit = func() float64 { return 0.5 }
	return r, store
}

// eventTypes returns the job's journal event types in chronological order.
func eventTypes(t *testing.T, store storage.Store, jobID string) []string {
	t.Helper()
	evs, err := store.ListEvents(context.Background(), storage.EventFilter{WorkItemID: jobID})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[len(evs)-1-i] = ev.EventType
	}
	return out
}

func TestRunnerRunsStagesInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	a := &scriptedStage{name: "a", output: "out-a", onRun: record}
	b := &scriptedStage{name: "b", output: "out-b", onRun: record}
	c := &scriptedStage{name: "c", output: "out-c", onRun: record}

	r, store := newTestRunner(t, testConfig(),
		Definition{Stage: c, DependsOn: []string{"b"}},
		Definition{Stage: a},
		Definition{Stage: b, DependsOn: []string{"a"}},
	)

	ec, err := r.Run(context.Background(), NewContext("job-1", testConfig(), Inputs{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := strings.Join(order, ","); got != "a,b,c" {
		t.Errorf("execution order = %s, want a,b,c", got)
	}
	for _, name := range []string{"a", "b", "c"} {
		if _, ok := ec.RawOutput(name); !ok {
			t.Errorf("final context missing output of %s", name)
		}
	}

	want := []string{
		types.EventStageStarted, types.EventStageCompleted,
		types.EventStageStarted, types.EventStageCompleted,
		types.EventStageStarted, types.EventStageCompleted,
	}
	got := eventTypes(t, store, "job-1")
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("journal = %v, want %v", got, want)
	}
}

func TestRunnerRetriesTransientFailure(t *testing.T) {
	s := &scriptedStage{
		name: "conversion",
		failures: []error{
			types.Transientf("conversion", "disk hiccup"),
			types.Transientf("conversion", "disk hiccup"),
		},
		output: "ok",
	}
	r, store := newTestRunner(t, testConfig(), Definition{Stage: s})

	_, err := r.Run(context.Background(), NewContext("job-1", testConfig(), Inputs{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.runCount() != 3 {
		t.Errorf("runs = %d, want 3", s.runCount())
	}
	if s.cleanupCount() != 2 {
		t.Errorf("cleanups = %d, want 2 (one per failed attempt)", s.cleanupCount())
	}

	got := eventTypes(t, store, "job-1")
	want := []string{
		types.EventStageStarted,
		types.EventStageRetried, types.EventStageRetried,
		types.EventStageCompleted,
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("journal = %v, want %v", got, want)
	}
}

func TestRunnerDoesNotRetryInvalidInput(t *testing.T) {
	s := &scriptedStage{
		name:     "conversion",
		failures: []error{types.InputInvalidf("conversion", "subband 3 truncated")},
	}
	r, store := newTestRunner(t, testConfig(), Definition{Stage: s})

	_, err := r.Run(context.Background(), NewContext("job-1", testConfig(), Inputs{}))
	if err == nil {
		t.Fatal("expected the run to fail")
	}
	if s.runCount() != 1 {
		t.Errorf("runs = %d, want 1 (no retries for invalid input)", s.runCount())
	}
	if types.ClassOf(err) != types.ClassInputInvalid {
		t.Errorf("class = %s, want input_invalid", types.ClassOf(err))
	}

	got := eventTypes(t, store, "job-1")
	if len(got) == 0 || got[len(got)-1] != types.EventStageFailed {
		t.Errorf("journal = %v, want trailing stage_failed", got)
	}
}

func TestRunnerExhaustsRetryBudget(t *testing.T) {
	s := &scriptedStage{
		name: "imaging",
		failures: []error{
			types.Transientf("imaging", "oom"),
			types.Transientf("imaging", "oom"),
			types.Transientf("imaging", "oom"),
		},
	}
	r, _ := newTestRunner(t, testConfig(), Definition{Stage: s})

	_, err := r.Run(context.Background(), NewContext("job-1", testConfig(), Inputs{}))
	if err == nil {
		t.Fatal("expected the run to fail after the budget")
	}
	if s.runCount() != 3 {
		t.Errorf("runs = %d, want 3 (MaxAttempts)", s.runCount())
	}
	if !strings.Contains(err.Error(), "stage imaging") {
		t.Errorf("error %q does not name the stage", err)
	}
}

func TestRunnerDefinitionRetryOverridesConfig(t *testing.T) {
	s := &scriptedStage{
		name:     "conversion",
		failures: []error{types.Transientf("conversion", "hiccup")},
	}
	// Config allows 3 attempts; the definition pins 1.
	r, _ := newTestRunner(t, testConfig(), Definition{
		Stage: s,
		Retry: &config.RetryConfig{MaxAttempts: 1},
	})

	_, err := r.Run(context.Background(), NewContext("job-1", testConfig(), Inputs{}))
	if err == nil {
		t.Fatal("expected the run to fail")
	}
	if s.runCount() != 1 {
		t.Errorf("runs = %d, want 1 (definition override)", s.runCount())
	}
}

func TestRunnerValidateFailureSkipsExecute(t *testing.T) {
	s := &scriptedStage{
		name:        "calibration_solve",
		validateErr: types.InputInvalidf("calibration_solve", "no calibrator match"),
	}
	r, _ := newTestRunner(t, testConfig(), Definition{Stage: s})

	_, err := r.Run(context.Background(), NewContext("job-1", testConfig(), Inputs{}))
	if err == nil {
		t.Fatal("expected a validate error")
	}
	if s.runCount() != 0 {
		t.Errorf("runs = %d, want 0 (validate failed)", s.runCount())
	}
	if !strings.Contains(err.Error(), "validate") {
		t.Errorf("error %q does not mention validate", err)
	}
}

func TestRunnerOutputValidationIsContract(t *testing.T) {
	s := &scriptedStage{
		name:       "imaging",
		output:     "img.fits",
		outputsErr: fmt.Errorf("fits file empty"),
	}
	r, _ := newTestRunner(t, testConfig(), Definition{
		Stage: s,
		Retry: &config.RetryConfig{MaxAttempts: 1},
	})

	_, err := r.Run(context.Background(), NewContext("job-1", testConfig(), Inputs{}))
	if err == nil {
		t.Fatal("expected an output validation error")
	}
	if types.ClassOf(err) != types.ClassContract {
		t.Errorf("class = %s, want contract", types.ClassOf(err))
	}
	if s.cleanupCount() != 1 {
		t.Errorf("cleanups = %d, want 1", s.cleanupCount())
	}
}

func TestRunnerStageTimeoutIsTransient(t *testing.T) {
	s := &scriptedStage{name: "imaging", block: 30 * time.Second}
	r, _ := newTestRunner(t, testConfig(), Definition{
		Stage:   s,
		Timeout: 20 * time.Millisecond,
		Retry:   &config.RetryConfig{MaxAttempts: 1},
	})

	_, err := r.Run(context.Background(), NewContext("job-1", testConfig(), Inputs{}))
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if types.ClassOf(err) != types.ClassTransient {
		t.Errorf("class = %s, want transient", types.ClassOf(err))
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("error %q does not mention the timeout", err)
	}
}

func TestRunnerSkipsDisabledStage(t *testing.T) {
	validation := &scriptedStage{name: "validation", output: "report"}
	photometry := &scriptedStage{name: "photometry"}

	cfg := testConfig()
	off := false
	cfg.Stages = map[string]config.StageConfig{
		"photometry": {Enabled: &off},
	}

	r, store := newTestRunner(t, cfg,
		Definition{Stage: validation},
		Definition{Stage: photometry, DependsOn: []string{"validation"}},
	)

	_, err := r.Run(context.Background(), NewContext("job-1", cfg, Inputs{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if photometry.runCount() != 0 {
		t.Errorf("disabled stage ran %d times", photometry.runCount())
	}

	got := eventTypes(t, store, "job-1")
	found := false
	for _, ev := range got {
		if ev == types.EventStageSkipped {
			found = true
		}
	}
	if !found {
		t.Errorf("journal = %v, want a stage_skipped event", got)
	}
}

func TestRunnerConcurrentWaveMergesOutputs(t *testing.T) {
	validation := &scriptedStage{name: "validation", output: "report"}
	crossmatch := &scriptedStage{name: "crossmatch", output: "xm.json"}
	photometry := &scriptedStage{name: "photometry", output: "phot.json"}

	r, _ := newTestRunner(t, testConfig(),
		Definition{Stage: validation},
		Definition{Stage: crossmatch, DependsOn: []string{"validation"}, Concurrent: true},
		Definition{Stage: photometry, DependsOn: []string{"validation"}, Concurrent: true},
	)

	ec, err := r.Run(context.Background(), NewContext("job-1", testConfig(), Inputs{}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, name := range []string{"validation", "crossmatch", "photometry"} {
		if _, ok := ec.RawOutput(name); !ok {
			t.Errorf("final context missing output of %s", name)
		}
	}
	if crossmatch.runCount() != 1 || photometry.runCount() != 1 {
		t.Errorf("concurrent stages ran %d/%d times, want 1/1",
			crossmatch.runCount(), photometry.runCount())
	}
}

func TestRunnerConcurrentWaveFailureFailsJob(t *testing.T) {
	crossmatch := &scriptedStage{name: "crossmatch", output: "xm.json"}
	photometry := &scriptedStage{
		name:     "photometry",
		failures: []error{types.InputInvalidf("photometry", "no sources")},
	}

	r, _ := newTestRunner(t, testConfig(),
		Definition{Stage: crossmatch, Concurrent: true},
		Definition{Stage: photometry, Concurrent: true},
	)

	_, err := r.Run(context.Background(), NewContext("job-1", testConfig(), Inputs{}))
	if err == nil {
		t.Fatal("expected the wave failure to fail the job")
	}
	if !strings.Contains(err.Error(), "photometry") {
		t.Errorf("error %q does not name the failed stage", err)
	}
}

func TestRunnerCancellationStopsPlan(t *testing.T) {
	a := &scriptedStage{name: "a", output: "out"}
	b := &scriptedStage{name: "b"}

	r, _ := newTestRunner(t, testConfig(),
		Definition{Stage: a},
		Definition{Stage: b, DependsOn: []string{"a"}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	a.onRun = func(string) { cancel() }

	_, err := r.Run(ctx, NewContext("job-1", testConfig(), Inputs{}))
	if err == nil {
		t.Fatal("expected cancellation to surface")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled in the chain", err)
	}
	if b.runCount() != 0 {
		t.Errorf("stage b ran %d times after cancellation", b.runCount())
	}
}

package types

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestGroupStateTransitions(t *testing.T) {
	allowed := []struct{ from, to GroupState }{
		{GroupCollecting, GroupPending},
		{GroupPending, GroupInProgress},
		{GroupInProgress, GroupCompleted},
		{GroupInProgress, GroupFailed},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransition(tr.to) {
			t.Errorf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}

	forbidden := []struct{ from, to GroupState }{
		{GroupCollecting, GroupInProgress},
		{GroupCollecting, GroupCompleted},
		{GroupPending, GroupCollecting},
		{GroupCompleted, GroupFailed},
		{GroupFailed, GroupPending},
	}
	for _, tr := range forbidden {
		if tr.from.CanTransition(tr.to) {
			t.Errorf("%s -> %s should be forbidden", tr.from, tr.to)
		}
	}
}

func TestCalArtifactCovers(t *testing.T) {
	a := CalArtifact{ValidStartMJD: 60000.0, ValidEndMJD: 60001.0}

	tests := []struct {
		name string
		mjd  float64
		want bool
	}{
		{"before window", 59999.9, false},
		{"at valid_start is included", 60000.0, true},
		{"inside window", 60000.5, true},
		{"at valid_end is excluded", 60001.0, false},
		{"after window", 60001.1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Covers(tt.mjd); got != tt.want {
				t.Errorf("Covers(%v) = %v, want %v", tt.mjd, got, tt.want)
			}
		})
	}

	// valid_end = valid_start is an empty window.
	empty := CalArtifact{ValidStartMJD: 60000.0, ValidEndMJD: 60000.0}
	if empty.Covers(60000.0) {
		t.Error("empty window should cover nothing")
	}

	open := CalArtifact{ValidStartMJD: 60000.0, ValidEndMJD: math.Inf(1)}
	if !open.Covers(99999.0) {
		t.Error("open-ended window should cover any later instant")
	}
	if !open.OpenEnded() {
		t.Error("OpenEnded should report true for +Inf end")
	}
}

func TestParseCalTableType(t *testing.T) {
	for _, valid := range []string{"K", "BA", "BP", "GA", "GP", "2G", "FLUX"} {
		if _, err := ParseCalTableType(valid); err != nil {
			t.Errorf("ParseCalTableType(%q) unexpected error: %v", valid, err)
		}
	}
	for _, invalid := range []string{"", "k", "BPX", "flux"} {
		if _, err := ParseCalTableType(invalid); err == nil {
			t.Errorf("ParseCalTableType(%q) expected error, got nil", invalid)
		}
	}
}

func TestIsGainType(t *testing.T) {
	gains := map[CalTableType]bool{
		CalK: false, CalBA: false, CalBP: false,
		CalGA: true, CalGP: true, Cal2G: true, CalFLUX: false,
	}
	for typ, want := range gains {
		if got := typ.IsGainType(); got != want {
			t.Errorf("%s.IsGainType() = %v, want %v", typ, got, want)
		}
	}
}

func TestGroupObsTime(t *testing.T) {
	g := Group{ID: "2025-03-14T09:26:53"}
	got, err := g.ObsTime()
	if err != nil {
		t.Fatalf("ObsTime failed: %v", err)
	}
	want := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ObsTime = %v, want %v", got, want)
	}

	bad := Group{ID: "not-a-timestamp"}
	if _, err := bad.ObsTime(); err == nil {
		t.Error("ObsTime on malformed ID expected error, got nil")
	}
}

func TestPublishGate(t *testing.T) {
	ready := Product{
		State:              ProductStaging,
		AutoPublish:        true,
		QAStatus:           QAPassed,
		ValidationStatus:   ValidationValidated,
		FinalizationStatus: FinalizationFinalized,
	}
	if !ready.PublishGate() {
		t.Error("gate should pass with all six clauses satisfied")
	}

	withPhotometry := ready
	withPhotometry.PhotometryStatus = PhotometryCompleted
	if !withPhotometry.PublishGate() {
		t.Error("gate should pass with photometry completed")
	}

	mutations := []struct {
		name   string
		mutate func(*Product)
	}{
		{"wrong state", func(p *Product) { p.State = ProductValidated }},
		{"auto publish off", func(p *Product) { p.AutoPublish = false }},
		{"qa not passed", func(p *Product) { p.QAStatus = QAWarning }},
		{"validation pending", func(p *Product) { p.ValidationStatus = ValidationPending }},
		{"not finalized", func(p *Product) { p.FinalizationStatus = FinalizationPending }},
		{"photometry failed", func(p *Product) { p.PhotometryStatus = PhotometryFailed }},
	}
	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			p := ready
			tt.mutate(&p)
			if p.PublishGate() {
				t.Error("gate should fail")
			}
		})
	}
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("disk full")

	tests := []struct {
		name      string
		err       error
		wantClass ErrorClass
		wantRetry bool
	}{
		{"transient", Transient("copy subband", base), ClassTransient, true},
		{"retryable kernel failure", KernelFailure("image", base, true), ClassKernelFailure, true},
		{"non-retryable kernel failure", KernelFailure("image", base, false), ClassKernelFailure, false},
		{"input invalid", InputInvalid("parse ms", base), ClassInputInvalid, false},
		{"contract retried", Contractf("imaging", "empty output"), ClassContract, true},
		{"fatal", Fatal("open store", base), ClassFatal, false},
		{"unclassified defaults transient", base, ClassTransient, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.wantClass {
				t.Errorf("ClassOf = %v, want %v", got, tt.wantClass)
			}
			if got := Retryable(tt.err); got != tt.wantRetry {
				t.Errorf("Retryable = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	wrapped := KernelFailure("solve", base, false)
	if !errors.Is(wrapped, base) {
		t.Error("errors.Is should find the wrapped cause")
	}
	var pe *PipelineError
	if !errors.As(wrapped, &pe) {
		t.Fatal("errors.As should extract *PipelineError")
	}
	if pe.Op != "solve" {
		t.Errorf("Op = %q, want %q", pe.Op, "solve")
	}
}

func TestSkyBoxWraps(t *testing.T) {
	if (SkyBox{RAMin: 10, RAMax: 20}).Wraps() {
		t.Error("non-wrapping box reported as wrapping")
	}
	if !(SkyBox{RAMin: 350, RAMax: 5}).Wraps() {
		t.Error("box crossing RA=0 not reported as wrapping")
	}
}

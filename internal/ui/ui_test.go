package ui

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/meridian-obs/contimg/internal/types"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-10", 10, "exactly-10"},
		{"longer-than-allowed", 10, "longer-..."},
		{"tiny", 2, "..."}, // floor keeps at least the ellipsis budget
		{"", 5, ""},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestAgeZeroTime(t *testing.T) {
	if got := Age(time.Time{}); got != "-" {
		t.Errorf("Age(zero) = %q, want -", got)
	}
	if got := Age(time.Now().Add(-time.Minute)); !strings.Contains(got, "ago") {
		t.Errorf("Age(1m ago) = %q, want relative form", got)
	}
}

func TestValidityWindows(t *testing.T) {
	a := &types.CalArtifact{ValidStartMJD: 60000.5, ValidEndMJD: 60001.5}
	if got := validity(a); got != "[60000.50000, 60001.50000)" {
		t.Errorf("validity = %q", got)
	}
	open := &types.CalArtifact{ValidStartMJD: 60000.5, ValidEndMJD: math.Inf(1)}
	if got := validity(open); got != "[60000.50000, open)" {
		t.Errorf("open validity = %q", got)
	}
}

func TestRenderGroupsTable(t *testing.T) {
	g := &types.Group{
		ID:               "2025-01-15T03:20:41",
		State:            types.GroupCompleted,
		SubbandsPresent:  16,
		ExpectedSubbands: 16,
		ReceivedAt:       time.Now(),
		RADeg:            180.5,
		DecDeg:           -30.25,
	}
	out := RenderGroupsTable([]*types.Group{g}, 120)
	for _, want := range []string{"2025-01-15T03:20:41", "completed", "16/16", "180.500"} {
		if !strings.Contains(out, want) {
			t.Errorf("groups table missing %q:\n%s", want, out)
		}
	}

	if empty := RenderGroupsTable(nil, 120); !strings.Contains(empty, "No groups") {
		t.Errorf("empty table = %q", empty)
	}
}

func TestRenderQueueTable(t *testing.T) {
	item := &types.WorkItem{
		ID:         "0194e7a2-1111-7000-8000-abcdef012345",
		JobType:    types.JobProcessGroup,
		State:      types.WorkPending,
		RetryCount: 1,
		MaxRetries: 3,
		CreatedAt:  time.Now(),
		LastError:  "conversion: tool exited 1",
	}
	out := RenderQueueTable([]*types.WorkItem{item}, 120)
	for _, want := range []string{"process_group", "pending", "1/4", "conversion"} {
		if !strings.Contains(out, want) {
			t.Errorf("queue table missing %q:\n%s", want, out)
		}
	}
}

func TestRenderAncestryTree(t *testing.T) {
	img := &types.Product{DataID: "image_2025-01-15T03:20:41", State: types.ProductPublished}
	phot := &types.Product{
		DataID: "photometry_2025-01-15T03:20:41",
		State:  types.ProductStaging,
		Provenance: types.Provenance{
			Parents:      []string{img.DataID},
			CreatorStage: "photometry",
		},
	}

	out := RenderAncestryTree(phot, []*types.Product{img})
	if !strings.Contains(out, phot.DataID) || !strings.Contains(out, img.DataID) {
		t.Errorf("ancestry tree missing nodes:\n%s", out)
	}
	// The parent renders below and indented relative to the target.
	if strings.Index(out, phot.DataID) > strings.Index(out, img.DataID) {
		t.Errorf("target not at root:\n%s", out)
	}

	if solo := RenderAncestryTree(img, nil); !strings.Contains(solo, "No recorded lineage") {
		t.Errorf("solo render = %q", solo)
	}
}

package products

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/storage/sqlite"
	"github.com/meridian-obs/contimg/internal/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewRegistry(store, nil)
}

// product builds a minimal valid product; CreatedAt is spread out so the
// newest-first list ordering is deterministic across inserts.
var prodSeq int

func product(dataType, groupID string) *types.Product {
	prodSeq++
	return &types.Product{
		DataID:    DataID(dataType, groupID),
		DataType:  dataType,
		GroupID:   groupID,
		StagePath: "/staging/" + groupID + "/" + dataType,
		CreatedAt: time.Date(2025, 1, 15, 4, 0, 0, 0, time.UTC).Add(time.Duration(prodSeq) * time.Second),
	}
}

func TestDataID(t *testing.T) {
	got := DataID(types.DataTypeImage, "2025-01-15T03:20:41")
	if got != "image_2025-01-15T03:20:41" {
		t.Errorf("DataID = %q, want image_2025-01-15T03:20:41", got)
	}
}

func TestRegisterDefaults(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p := product(types.DataTypeImage, "2025-01-15T03:20:41")
	if err := r.Register(ctx, p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := r.Get(ctx, p.DataID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != types.ProductStaging {
		t.Errorf("state = %s, want staging", got.State)
	}
	if got.QAStatus != types.QAPending {
		t.Errorf("qa_status = %s, want pending", got.QAStatus)
	}
	if got.ValidationStatus != types.ValidationPending {
		t.Errorf("validation_status = %s, want pending", got.ValidationStatus)
	}
	if got.FinalizationStatus != types.FinalizationPending {
		t.Errorf("finalization_status = %s, want pending", got.FinalizationStatus)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*types.Product)
	}{
		{"no data_id", func(p *types.Product) { p.DataID = "" }},
		{"no data_type", func(p *types.Product) { p.DataType = "" }},
		{"no stage_path", func(p *types.Product) { p.StagePath = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := product(types.DataTypeImage, "g1")
			tt.mutate(p)
			if err := r.Register(ctx, p); types.ClassOf(err) != types.ClassInputInvalid {
				t.Errorf("error = %v, want input_invalid", err)
			}
		})
	}

	if err := r.Register(ctx, nil); types.ClassOf(err) != types.ClassInputInvalid {
		t.Errorf("nil product error = %v, want input_invalid", err)
	}
}

func TestRegisterIdempotentSamePath(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p := product(types.DataTypeImage, "g1")
	if err := r.Register(ctx, p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	again := &types.Product{
		DataID:    p.DataID,
		DataType:  p.DataType,
		GroupID:   p.GroupID,
		StagePath: p.StagePath,
	}
	if err := r.Register(ctx, again); err != nil {
		t.Fatalf("re-register same path: %v, want no-op", err)
	}

	list, err := r.List(ctx, storage.ProductFilter{GroupID: "g1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("products after re-register = %d, want 1", len(list))
	}
}

func TestRegisterConflictOnNewPath(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p := product(types.DataTypeImage, "g1")
	if err := r.Register(ctx, p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	moved := product(types.DataTypeImage, "g1")
	moved.StagePath = "/staging/elsewhere/image"
	if err := r.Register(ctx, moved); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("register under new path error = %v, want ErrConflict", err)
	}
}

func TestRegisterLinksParents(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	ms := product(types.DataTypeMeasurementSet, "g1")
	if err := r.Register(ctx, ms); err != nil {
		t.Fatalf("Register ms: %v", err)
	}
	img := product(types.DataTypeImage, "g1")
	img.Provenance.Parents = []string{ms.DataID}
	if err := r.Register(ctx, img); err != nil {
		t.Fatalf("Register image: %v", err)
	}

	got, err := r.Get(ctx, img.DataID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Provenance.Parents) != 1 || got.Provenance.Parents[0] != ms.DataID {
		t.Errorf("parents = %v, want [%s]", got.Provenance.Parents, ms.DataID)
	}
}

func TestListFilters(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for _, spec := range []struct {
		dataType string
		group    string
	}{
		{types.DataTypeMeasurementSet, "g1"},
		{types.DataTypeImage, "g1"},
		{types.DataTypeImage, "g2"},
	} {
		if err := r.Register(ctx, product(spec.dataType, spec.group)); err != nil {
			t.Fatalf("Register %s/%s: %v", spec.dataType, spec.group, err)
		}
	}

	images, err := r.List(ctx, storage.ProductFilter{DataType: types.DataTypeImage})
	if err != nil {
		t.Fatalf("List by type: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("images = %d, want 2", len(images))
	}
	// Newest first.
	if images[0].GroupID != "g2" || images[1].GroupID != "g1" {
		t.Errorf("order = [%s, %s], want [g2, g1]", images[0].GroupID, images[1].GroupID)
	}

	g1, err := r.List(ctx, storage.ProductFilter{GroupID: "g1"})
	if err != nil {
		t.Fatalf("List by group: %v", err)
	}
	if len(g1) != 2 {
		t.Errorf("g1 products = %d, want 2", len(g1))
	}

	limited, err := r.List(ctx, storage.ProductFilter{Limit: 1})
	if err != nil {
		t.Fatalf("List with limit: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited = %d, want 1", len(limited))
	}
}

func TestInSkyBox(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	place := func(groupID string, ra, dec float64) {
		p := product(types.DataTypeImage, groupID)
		p.RADeg, p.DecDeg = ra, dec
		if err := r.Register(ctx, p); err != nil {
			t.Fatalf("Register %s: %v", groupID, err)
		}
	}
	place("low-ra", 10, 45)
	place("high-ra", 350, 45)
	place("far", 180, 45)

	inside, err := r.InSkyBox(ctx, types.SkyBox{RAMin: 5, RAMax: 15, DecMin: 40, DecMax: 50}, 0)
	if err != nil {
		t.Fatalf("InSkyBox: %v", err)
	}
	if len(inside) != 1 || inside[0].GroupID != "low-ra" {
		t.Fatalf("plain box = %+v, want only low-ra", inside)
	}

	// RA is half-open: a product at exactly RAMax is outside.
	edge, err := r.InSkyBox(ctx, types.SkyBox{RAMin: 5, RAMax: 10, DecMin: 40, DecMax: 50}, 0)
	if err != nil {
		t.Fatalf("InSkyBox edge: %v", err)
	}
	if len(edge) != 0 {
		t.Errorf("half-open box caught %d products, want 0", len(edge))
	}

	// RAMin > RAMax wraps through RA=0.
	wrapped, err := r.InSkyBox(ctx, types.SkyBox{RAMin: 340, RAMax: 20, DecMin: 40, DecMax: 50}, 0)
	if err != nil {
		t.Fatalf("InSkyBox wrap: %v", err)
	}
	if len(wrapped) != 2 {
		t.Fatalf("wrapped box = %d products, want low-ra and high-ra", len(wrapped))
	}
	for _, p := range wrapped {
		if p.GroupID == "far" {
			t.Errorf("wrapped box caught %s", p.GroupID)
		}
	}

	if _, err := r.InSkyBox(ctx, types.SkyBox{RAMin: 0, RAMax: 10, DecMin: 50, DecMax: 40}, 0); types.ClassOf(err) != types.ClassInputInvalid {
		t.Errorf("inverted dec error = %v, want input_invalid", err)
	}
}

func TestAncestryNearestFirst(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	ms := product(types.DataTypeMeasurementSet, "g1")
	if err := r.Register(ctx, ms); err != nil {
		t.Fatalf("Register ms: %v", err)
	}
	img := product(types.DataTypeImage, "g1")
	img.Provenance.Parents = []string{ms.DataID}
	if err := r.Register(ctx, img); err != nil {
		t.Fatalf("Register image: %v", err)
	}
	phot := product(types.DataTypePhotometry, "g1")
	phot.Provenance.Parents = []string{img.DataID}
	if err := r.Register(ctx, phot); err != nil {
		t.Fatalf("Register photometry: %v", err)
	}

	chain, err := r.Ancestry(ctx, phot.DataID, 0)
	if err != nil {
		t.Fatalf("Ancestry: %v", err)
	}
	if len(chain) != 2 || chain[0].DataID != img.DataID || chain[1].DataID != ms.DataID {
		ids := make([]string, len(chain))
		for i, p := range chain {
			ids[i] = p.DataID
		}
		t.Fatalf("ancestry = %v, want [%s %s]", ids, img.DataID, ms.DataID)
	}

	shallow, err := r.Ancestry(ctx, phot.DataID, 1)
	if err != nil {
		t.Fatalf("Ancestry depth 1: %v", err)
	}
	if len(shallow) != 1 || shallow[0].DataID != img.DataID {
		t.Fatalf("depth-1 ancestry = %d products, want only the image", len(shallow))
	}
}

func TestAncestryToleratesCycles(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := product(types.DataTypeImage, "cyc-a")
	b := product(types.DataTypeMosaic, "cyc-b")
	for _, p := range []*types.Product{a, b} {
		if err := r.Register(ctx, p); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if err := r.Link(ctx, a.DataID, b.DataID); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if err := r.Link(ctx, b.DataID, a.DataID); err != nil {
		t.Fatalf("Link reverse: %v", err)
	}

	chain, err := r.Ancestry(ctx, a.DataID, 0)
	if err != nil {
		t.Fatalf("Ancestry with cycle: %v", err)
	}
	ids := make([]string, len(chain))
	for i, p := range chain {
		ids[i] = p.DataID
	}
	if len(chain) != 2 || chain[0].DataID != b.DataID {
		t.Errorf("cyclic ancestry = %v, want [%s %s]", ids, b.DataID, a.DataID)
	}
}

func TestLinkSelfParent(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Link(context.Background(), "x", "x"); types.ClassOf(err) != types.ClassInputInvalid {
		t.Errorf("self link error = %v, want input_invalid", err)
	}
}

func TestSetQA(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p := product(types.DataTypeImage, "g1")
	if err := r.Register(ctx, p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.SetQA(ctx, p.DataID, types.QAPassed, types.ValidationValidated); err != nil {
		t.Fatalf("SetQA: %v", err)
	}
	got, err := r.Get(ctx, p.DataID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.QAStatus != types.QAPassed || got.ValidationStatus != types.ValidationValidated {
		t.Errorf("qa/validation = %s/%s, want passed/validated", got.QAStatus, got.ValidationStatus)
	}

	if err := r.SetQA(ctx, p.DataID, "bogus", types.ValidationValidated); types.ClassOf(err) != types.ClassInputInvalid {
		t.Errorf("bad qa status error = %v, want input_invalid", err)
	}
	if err := r.SetQA(ctx, p.DataID, types.QAPassed, "bogus"); types.ClassOf(err) != types.ClassInputInvalid {
		t.Errorf("bad validation status error = %v, want input_invalid", err)
	}
	if err := r.SetQA(ctx, "missing", types.QAPassed, types.ValidationValidated); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing product error = %v, want ErrNotFound", err)
	}
}

func TestSetPhotometry(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	p := product(types.DataTypePhotometry, "g1")
	if err := r.Register(ctx, p); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.SetPhotometry(ctx, p.DataID, "running"); types.ClassOf(err) != types.ClassInputInvalid {
		t.Errorf("bad photometry status error = %v, want input_invalid", err)
	}
	if err := r.SetPhotometry(ctx, p.DataID, types.PhotometryCompleted); err != nil {
		t.Fatalf("SetPhotometry: %v", err)
	}
	got, err := r.Get(ctx, p.DataID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PhotometryStatus != types.PhotometryCompleted {
		t.Errorf("photometry_status = %s, want completed", got.PhotometryStatus)
	}
}

func TestStats(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for _, g := range []string{"g1", "g2"} {
		if err := r.Register(ctx, product(types.DataTypeImage, g)); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	stats, err := r.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[types.ProductStaging] != 2 {
		t.Errorf("staging count = %d, want 2", stats[types.ProductStaging])
	}
}

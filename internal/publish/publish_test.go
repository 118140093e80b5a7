package publish

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/products"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/storage/sqlite"
	"github.com/meridian-obs/contimg/internal/types"
)

const testGroup = "2025-02-01T10:00:00"

type publishEnv struct {
	ctx   context.Context
	cfg   *config.Config
	store storage.Store
	prod  *products.Registry
	mgr   *Manager
	wk    *Worker
}

func newPublishEnv(t *testing.T) *publishEnv {
	t.Helper()
	ctx := context.Background()
	base := t.TempDir()

	cfg := &config.Config{
		Paths: config.PathsConfig{
			Raw:       filepath.Join(base, "raw"),
			Staging:   filepath.Join(base, "staging"),
			Published: filepath.Join(base, "published"),
			StateDir:  filepath.Join(base, ".contimg"),
		},
		Orchestrator: config.OrchestratorConfig{
			DefaultRetry: config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0},
		},
		Publish: config.PublishConfig{AutoPublishDefault: true, MaxAttempts: 3, RetryDelay: time.Minute},
	}
	for _, dir := range []string{cfg.Paths.Staging, cfg.Paths.Published, cfg.Paths.StateDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatalf("MkdirAll(%s): %v", dir, err)
		}
	}

	store, err := sqlite.New(ctx, filepath.Join(cfg.Paths.StateDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	prod := products.NewRegistry(store, nil)
	return &publishEnv{
		ctx:   ctx,
		cfg:   cfg,
		store: store,
		prod:  prod,
		mgr:   NewManager(store, prod, cfg, nil),
		wk:    NewWorker(store, cfg, nil),
	}
}

// seedProduct registers an image product with a real staged file. With
// gate set, every publish-gate clause except state is satisfied.
func (e *publishEnv) seedProduct(t *testing.T, dataID string, gate bool) *types.Product {
	t.Helper()
	staged := filepath.Join(e.cfg.Paths.Staging, dataID+".fits")
	if err := os.WriteFile(staged, []byte("payload-"+dataID), 0o600); err != nil {
		t.Fatalf("write staged file: %v", err)
	}
	p := &types.Product{
		DataID:      dataID,
		DataType:    types.DataTypeImage,
		GroupID:     testGroup,
		StagePath:   staged,
		AutoPublish: true,
		RADeg:       150.1,
		DecDeg:      2.2,
	}
	if err := e.prod.Register(e.ctx, p); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if gate {
		if err := e.store.SetProductQA(e.ctx, dataID, types.QAPassed, types.ValidationValidated); err != nil {
			t.Fatalf("SetProductQA: %v", err)
		}
		if err := e.store.SetProductFinalization(e.ctx, dataID, types.FinalizationFinalized); err != nil {
			t.Fatalf("SetProductFinalization: %v", err)
		}
		if err := e.store.SetProductPhotometry(e.ctx, dataID, types.PhotometryCompleted); err != nil {
			t.Fatalf("SetProductPhotometry: %v", err)
		}
	}
	return p
}

func (e *publishEnv) mustGet(t *testing.T, dataID string) *types.Product {
	t.Helper()
	p, err := e.store.GetProduct(e.ctx, dataID)
	if err != nil {
		t.Fatalf("GetProduct(%s): %v", dataID, err)
	}
	return p
}

func (e *publishEnv) pendingItems(t *testing.T) []*types.WorkItem {
	t.Helper()
	items, err := e.store.ListWork(e.ctx, storage.WorkFilter{
		States:  []types.WorkState{types.WorkPending},
		JobType: types.JobPublishProduct,
	})
	if err != nil {
		t.Fatalf("ListWork: %v", err)
	}
	return items
}

// claimAndHandle runs the publish worker over the single pending item.
func (e *publishEnv) claimAndHandle(t *testing.T) error {
	t.Helper()
	item, err := e.store.ClaimNextWork(e.ctx, "test-worker", time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextWork: %v", err)
	}
	if item == nil {
		t.Fatal("no claimable publish item")
	}
	return e.wk.Handle(e.ctx, item)
}

func TestFinalizePromotesGatedProduct(t *testing.T) {
	env := newPublishEnv(t)
	p := env.seedProduct(t, "image_"+testGroup, false)
	if err := env.store.SetProductQA(env.ctx, p.DataID, types.QAPassed, types.ValidationValidated); err != nil {
		t.Fatalf("SetProductQA: %v", err)
	}

	promoted, err := env.mgr.Finalize(env.ctx, p.DataID)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !promoted {
		t.Fatal("gated product was not promoted")
	}
	if got := env.mustGet(t, p.DataID); got.State != types.ProductValidated {
		t.Errorf("state = %s, want validated", got.State)
	}
	items := env.pendingItems(t)
	if len(items) != 1 {
		t.Fatalf("%d pending publish items, want 1", len(items))
	}
	var payload types.PublishProductPayload
	if err := items[0].DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.DataID != p.DataID {
		t.Errorf("payload data_id = %q, want %q", payload.DataID, p.DataID)
	}

	// Finalize again: the state transition guard makes it a no-op.
	promoted, err = env.mgr.Finalize(env.ctx, p.DataID)
	if err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	if promoted {
		t.Error("second Finalize promoted again")
	}
	if n := len(env.pendingItems(t)); n != 1 {
		t.Errorf("%d pending publish items after second Finalize, want 1", n)
	}

	evs, err := env.store.ListEvents(env.ctx, storage.EventFilter{GroupID: testGroup, EventType: types.EventPublishEnqueued})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(evs) != 1 {
		t.Errorf("%d publish_enqueued events, want 1", len(evs))
	}
}

func TestFinalizeGateNotSatisfied(t *testing.T) {
	env := newPublishEnv(t)
	// QA never ran; finalization alone must not publish.
	p := env.seedProduct(t, "image_"+testGroup, false)

	promoted, err := env.mgr.Finalize(env.ctx, p.DataID)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if promoted {
		t.Fatal("product promoted with pending QA")
	}
	got := env.mustGet(t, p.DataID)
	if got.State != types.ProductStaging {
		t.Errorf("state = %s, want staging", got.State)
	}
	if got.FinalizationStatus != types.FinalizationFinalized {
		t.Errorf("finalization = %s, want finalized", got.FinalizationStatus)
	}
	if n := len(env.pendingItems(t)); n != 0 {
		t.Errorf("%d pending publish items, want 0", n)
	}
}

func TestSweepPromotesWithoutFinalizeCall(t *testing.T) {
	env := newPublishEnv(t)
	p := env.seedProduct(t, "image_"+testGroup, true)

	n, err := env.mgr.Sweep(env.ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("Sweep promoted %d, want 1", n)
	}
	if got := env.mustGet(t, p.DataID); got.State != types.ProductValidated {
		t.Errorf("state = %s, want validated", got.State)
	}

	n, err = env.mgr.Sweep(env.ctx)
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("second Sweep promoted %d, want 0", n)
	}
}

func TestSweepSkipsUngatedProducts(t *testing.T) {
	env := newPublishEnv(t)
	p := env.seedProduct(t, "image_"+testGroup, true)
	// Disqualify on photometry.
	if err := env.store.SetProductPhotometry(env.ctx, p.DataID, types.PhotometryFailed); err != nil {
		t.Fatalf("SetProductPhotometry: %v", err)
	}

	n, err := env.mgr.Sweep(env.ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("Sweep promoted %d, want 0", n)
	}
}

func TestWorkerPublishesProduct(t *testing.T) {
	env := newPublishEnv(t)
	p := env.seedProduct(t, "image_"+testGroup, true)
	if _, err := env.mgr.Finalize(env.ctx, p.DataID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if err := env.claimAndHandle(t); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got := env.mustGet(t, p.DataID)
	if got.State != types.ProductPublished {
		t.Fatalf("state = %s, want published", got.State)
	}
	if got.PublishedAt == nil {
		t.Error("published_at not set")
	}
	wantDest := filepath.Join(env.cfg.Paths.Published, filepath.Base(p.StagePath))
	if got.PublishedPath != wantDest {
		t.Errorf("published_path = %q, want %q", got.PublishedPath, wantDest)
	}
	data, err := os.ReadFile(wantDest)
	if err != nil {
		t.Fatalf("read published file: %v", err)
	}
	if string(data) != "payload-"+p.DataID {
		t.Errorf("published content = %q", data)
	}

	// No temp litter in the published tree.
	entries, err := os.ReadDir(env.cfg.Paths.Published)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}

	// The run report sits beside the image.
	report := filepath.Join(env.cfg.Paths.Published, testGroup+".report.md")
	text, err := os.ReadFile(report)
	if err != nil {
		t.Fatalf("read run report: %v", err)
	}
	if !strings.Contains(string(text), p.DataID) {
		t.Errorf("run report does not mention the product:\n%s", text)
	}
}

func TestWorkerFailureParksProduct(t *testing.T) {
	env := newPublishEnv(t)
	p := env.seedProduct(t, "image_"+testGroup, true)
	if _, err := env.mgr.Finalize(env.ctx, p.DataID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := os.Remove(p.StagePath); err != nil {
		t.Fatalf("remove staged file: %v", err)
	}

	// The attempt fails on the product, not on the work item.
	if err := env.claimAndHandle(t); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got := env.mustGet(t, p.DataID)
	if got.State != types.ProductFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if got.PublishAttempts != 1 {
		t.Errorf("publish_attempts = %d, want 1", got.PublishAttempts)
	}
	if got.PublishError == "" {
		t.Error("publish_error not recorded")
	}
}

func TestWorkerDropsStaleItem(t *testing.T) {
	env := newPublishEnv(t)
	p := env.seedProduct(t, "image_"+testGroup, true)
	if _, err := env.mgr.Finalize(env.ctx, p.DataID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	// The product moves on without the item: validated → publishing →
	// published by some other path.
	if _, err := env.store.TransitionProduct(env.ctx, p.DataID, types.ProductValidated, types.ProductPublishing); err != nil {
		t.Fatalf("TransitionProduct: %v", err)
	}
	if err := env.store.SetProductPublished(env.ctx, p.DataID, p.StagePath, time.Now()); err != nil {
		t.Fatalf("SetProductPublished: %v", err)
	}

	if err := env.claimAndHandle(t); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := env.mustGet(t, p.DataID); got.State != types.ProductPublished {
		t.Errorf("state = %s, want published (unchanged)", got.State)
	}
}

func TestRearmFailedAfterDelay(t *testing.T) {
	env := newPublishEnv(t)
	ready := env.seedProduct(t, "image_"+testGroup, true)
	exhausted := env.seedProduct(t, "crossmatch_"+testGroup, true)

	// Both products failed once; "ready" long enough ago to re-arm.
	old := time.Now().Add(-2 * env.cfg.Publish.RetryDelay)
	for _, p := range []*types.Product{ready, exhausted} {
		if _, err := env.store.TransitionProduct(env.ctx, p.DataID, types.ProductStaging, types.ProductValidated); err != nil {
			t.Fatalf("TransitionProduct: %v", err)
		}
		if err := env.store.SetProductPublishFailure(env.ctx, p.DataID, "disk full", old); err != nil {
			t.Fatalf("SetProductPublishFailure: %v", err)
		}
	}
	// Burn the rest of the exhausted product's budget.
	for i := 1; i < env.cfg.Publish.MaxAttempts; i++ {
		if _, err := env.store.TransitionProduct(env.ctx, exhausted.DataID, types.ProductFailed, types.ProductStaging); err != nil {
			t.Fatalf("TransitionProduct: %v", err)
		}
		if _, err := env.store.TransitionProduct(env.ctx, exhausted.DataID, types.ProductStaging, types.ProductValidated); err != nil {
			t.Fatalf("TransitionProduct: %v", err)
		}
		if err := env.store.SetProductPublishFailure(env.ctx, exhausted.DataID, "disk full", old); err != nil {
			t.Fatalf("SetProductPublishFailure: %v", err)
		}
	}

	n, err := env.mgr.RearmFailed(env.ctx)
	if err != nil {
		t.Fatalf("RearmFailed: %v", err)
	}
	if n != 1 {
		t.Fatalf("re-armed %d products, want 1", n)
	}
	if got := env.mustGet(t, ready.DataID); got.State != types.ProductStaging {
		t.Errorf("ready product state = %s, want staging", got.State)
	}
	if got := env.mustGet(t, exhausted.DataID); got.State != types.ProductFailed {
		t.Errorf("exhausted product state = %s, want failed", got.State)
	}

	// Error history survives the re-arm.
	if got := env.mustGet(t, ready.DataID); got.PublishError != "disk full" {
		t.Errorf("publish_error = %q, want retained", got.PublishError)
	}
}

func TestRearmRespectsRetryDelay(t *testing.T) {
	env := newPublishEnv(t)
	p := env.seedProduct(t, "image_"+testGroup, true)
	if _, err := env.store.TransitionProduct(env.ctx, p.DataID, types.ProductStaging, types.ProductValidated); err != nil {
		t.Fatalf("TransitionProduct: %v", err)
	}
	// Failed just now: inside the retry delay.
	if err := env.store.SetProductPublishFailure(env.ctx, p.DataID, "disk full", time.Now()); err != nil {
		t.Fatalf("SetProductPublishFailure: %v", err)
	}

	n, err := env.mgr.RearmFailed(env.ctx)
	if err != nil {
		t.Fatalf("RearmFailed: %v", err)
	}
	if n != 0 {
		t.Errorf("re-armed %d products inside the retry delay, want 0", n)
	}
}

func TestRecoverSettlesInterruptedPublishes(t *testing.T) {
	env := newPublishEnv(t)

	done := env.seedProduct(t, "image_"+testGroup, true)
	torn := env.seedProduct(t, "crossmatch_"+testGroup, true)
	for _, p := range []*types.Product{done, torn} {
		if _, err := env.store.TransitionProduct(env.ctx, p.DataID, types.ProductStaging, types.ProductValidated); err != nil {
			t.Fatalf("TransitionProduct: %v", err)
		}
		if _, err := env.store.TransitionProduct(env.ctx, p.DataID, types.ProductValidated, types.ProductPublishing); err != nil {
			t.Fatalf("TransitionProduct: %v", err)
		}
	}

	// "done" crashed after its rename: a complete destination exists.
	doneDest := filepath.Join(env.cfg.Paths.Published, filepath.Base(done.StagePath))
	data, err := os.ReadFile(done.StagePath)
	if err != nil {
		t.Fatalf("read staged file: %v", err)
	}
	if err := os.WriteFile(doneDest, data, 0o640); err != nil {
		t.Fatalf("write destination: %v", err)
	}

	published, failed, err := env.wk.Recover(env.ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if published != 1 || failed != 1 {
		t.Fatalf("Recover = (%d published, %d failed), want (1, 1)", published, failed)
	}
	if got := env.mustGet(t, done.DataID); got.State != types.ProductPublished {
		t.Errorf("done state = %s, want published", got.State)
	}
	got := env.mustGet(t, torn.DataID)
	if got.State != types.ProductFailed {
		t.Errorf("torn state = %s, want failed", got.State)
	}
	if !strings.Contains(got.PublishError, "interrupted") {
		t.Errorf("publish_error = %q, want interruption recorded", got.PublishError)
	}
}

func TestRetract(t *testing.T) {
	env := newPublishEnv(t)
	p := env.seedProduct(t, "image_"+testGroup, true)
	if _, err := env.mgr.Finalize(env.ctx, p.DataID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := env.claimAndHandle(t); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	dest := env.mustGet(t, p.DataID).PublishedPath

	if err := env.mgr.Retract(env.ctx, p.DataID); err != nil {
		t.Fatalf("Retract: %v", err)
	}
	got := env.mustGet(t, p.DataID)
	if got.State != types.ProductRetracted {
		t.Fatalf("state = %s, want retracted", got.State)
	}
	if got.RetractedAt == nil {
		t.Error("retracted_at not set")
	}
	if _, err := os.Stat(dest); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("published file still in place at %s", dest)
	}
	if _, err := os.Stat(dest + ".retracted"); err != nil {
		t.Errorf("retracted copy missing: %v", err)
	}

	// Terminal: a second retract conflicts.
	if err := env.mgr.Retract(env.ctx, p.DataID); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("second Retract = %v, want ErrConflict", err)
	}
}

func TestRetractRequiresPublished(t *testing.T) {
	env := newPublishEnv(t)
	p := env.seedProduct(t, "image_"+testGroup, false)
	if err := env.mgr.Retract(env.ctx, p.DataID); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("Retract of staging product = %v, want ErrConflict", err)
	}
}

func TestRunReportRendering(t *testing.T) {
	now := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	p := &types.Product{
		DataID:             "image_" + testGroup,
		DataType:           types.DataTypeImage,
		GroupID:            testGroup,
		QAStatus:           types.QAPassed,
		ValidationStatus:   types.ValidationValidated,
		FinalizationStatus: types.FinalizationFinalized,
		PhotometryStatus:   types.PhotometryCompleted,
		PublishAttempts:    1,
		PublishError:       "disk full",
	}
	events := []*types.JobEvent{
		{EventType: types.EventStageStarted, Stage: "conversion", CreatedAt: now.Add(-3 * time.Minute)},
		{EventType: types.EventStageRetried, Stage: "conversion", Detail: "attempt 1 failed", CreatedAt: now.Add(-2 * time.Minute)},
		{EventType: types.EventStageCompleted, Stage: "conversion", CreatedAt: now.Add(-time.Minute)},
	}

	text := RunReport(p, "/data/published/x.fits", now, events)
	for _, want := range []string{
		"# Run report: " + testGroup,
		"image_" + testGroup,
		"qa: passed, validation: validated, finalization: finalized",
		"photometry: completed",
		"failed publish attempts before this one: 1",
		"conversion: 1",
		"| 2025-02-01 11:57:00 | stage_started | conversion |",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("report missing %q:\n%s", want, text)
		}
	}
}

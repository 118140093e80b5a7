package sqlite

import (
	"errors"
	"testing"

	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

func TestUpsertGroupDefaults(t *testing.T) {
	env := newTestEnv(t)
	env.CreateGroup("2025-01-15T03:20:41")

	g, err := env.Store.GetGroup(env.Ctx, "2025-01-15T03:20:41")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if g.State != types.GroupCollecting {
		t.Errorf("state = %s, want collecting", g.State)
	}
	if g.ExpectedSubbands != types.DefaultExpectedSubbands {
		t.Errorf("expected_subbands = %d, want %d", g.ExpectedSubbands, types.DefaultExpectedSubbands)
	}
	if g.SubbandsPresent != 0 {
		t.Errorf("subbands_present = %d, want 0", g.SubbandsPresent)
	}
}

func TestUpsertGroupDoesNotResetState(t *testing.T) {
	env := newTestEnv(t)
	env.CreateGroupWith("2025-01-15T03:20:41", types.GroupPending)

	// A repeat upsert (late watcher event) must not move the group back.
	g := &types.Group{ID: "2025-01-15T03:20:41", State: types.GroupCollecting}
	if err := env.Store.UpsertGroup(env.Ctx, g); err != nil {
		t.Fatalf("UpsertGroup failed: %v", err)
	}
	env.AssertGroupState("2025-01-15T03:20:41", types.GroupPending)
}

func TestGetGroupNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Store.GetGroup(env.Ctx, "2099-01-01T00:00:00")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestTransitionGroup(t *testing.T) {
	env := newTestEnv(t)
	env.CreateGroup("2025-01-15T03:20:41")

	ok, err := env.Store.TransitionGroup(env.Ctx, "2025-01-15T03:20:41", types.GroupCollecting, types.GroupPending)
	if err != nil {
		t.Fatalf("TransitionGroup failed: %v", err)
	}
	if !ok {
		t.Fatal("transition collecting→pending reported false")
	}
	env.AssertGroupState("2025-01-15T03:20:41", types.GroupPending)

	// Losing a transition race is reported, not an error.
	ok, err = env.Store.TransitionGroup(env.Ctx, "2025-01-15T03:20:41", types.GroupCollecting, types.GroupPending)
	if err != nil {
		t.Fatalf("second TransitionGroup failed: %v", err)
	}
	if ok {
		t.Error("transition from wrong state reported true")
	}
}

func TestTransitionGroupRejectsIllegalEdge(t *testing.T) {
	env := newTestEnv(t)
	env.CreateGroup("2025-01-15T03:20:41")

	// collecting → completed is not in the state graph.
	_, err := env.Store.TransitionGroup(env.Ctx, "2025-01-15T03:20:41", types.GroupCollecting, types.GroupCompleted)
	if err == nil {
		t.Fatal("illegal transition accepted")
	}
}

func TestListGroupsFilters(t *testing.T) {
	env := newTestEnv(t)
	env.CreateGroup("2025-01-15T03:20:41")
	env.CreateGroupWith("2025-01-15T04:20:41", types.GroupPending)
	env.CreateGroupWith("2025-01-15T05:20:41", types.GroupPending)

	pending, err := env.Store.ListGroups(env.Ctx, storage.GroupFilter{
		States: []types.GroupState{types.GroupPending},
	})
	if err != nil {
		t.Fatalf("ListGroups failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("got %d pending groups, want 2", len(pending))
	}

	all, err := env.Store.ListGroups(env.Ctx, storage.GroupFilter{})
	if err != nil {
		t.Fatalf("ListGroups(all) failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d groups, want 3", len(all))
	}

	limited, err := env.Store.ListGroups(env.Ctx, storage.GroupFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListGroups(limit) failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("got %d groups with limit 1, want 1", len(limited))
	}
}

func TestGroupStats(t *testing.T) {
	env := newTestEnv(t)
	env.CreateGroup("2025-01-15T03:20:41")
	env.CreateGroupWith("2025-01-15T04:20:41", types.GroupPending)
	env.CreateGroupWith("2025-01-15T05:20:41", types.GroupPending)

	stats, err := env.Store.GroupStats(env.Ctx)
	if err != nil {
		t.Fatalf("GroupStats failed: %v", err)
	}
	if stats[types.GroupCollecting] != 1 {
		t.Errorf("collecting = %d, want 1", stats[types.GroupCollecting])
	}
	if stats[types.GroupPending] != 2 {
		t.Errorf("pending = %d, want 2", stats[types.GroupPending])
	}
}

func TestSetGroupPointingAndCalibrator(t *testing.T) {
	env := newTestEnv(t)
	env.CreateGroup("2025-01-15T03:20:41")

	if err := env.Store.SetGroupPointing(env.Ctx, "2025-01-15T03:20:41", 128.5, -26.7, 60690.14); err != nil {
		t.Fatalf("SetGroupPointing failed: %v", err)
	}
	if err := env.Store.SetGroupCalibrator(env.Ctx, "2025-01-15T03:20:41", &types.CalibratorMatch{
		Name: "3C286", FluxJy: 14.9, SeparationDeg: 2.1,
	}); err != nil {
		t.Fatalf("SetGroupCalibrator failed: %v", err)
	}

	g, err := env.Store.GetGroup(env.Ctx, "2025-01-15T03:20:41")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if g.RADeg != 128.5 || g.DecDeg != -26.7 {
		t.Errorf("pointing = (%v, %v), want (128.5, -26.7)", g.RADeg, g.DecDeg)
	}
	if g.ObsMJD != 60690.14 {
		t.Errorf("obs_mjd = %v, want 60690.14", g.ObsMJD)
	}
	if g.Calibrator == nil || g.Calibrator.Name != "3C286" {
		t.Errorf("calibrator = %+v, want 3C286", g.Calibrator)
	}
}

func TestSubbandUpsertAndCount(t *testing.T) {
	env := newTestEnv(t)
	env.CreateGroup("2025-01-15T03:20:41")

	if created := env.AddSubband("2025-01-15T03:20:41", 0); !created {
		t.Error("first upsert of subband 0 reported existing")
	}
	if created := env.AddSubband("2025-01-15T03:20:41", 0); created {
		t.Error("second upsert of subband 0 reported new")
	}
	env.AddSubband("2025-01-15T03:20:41", 5)
	env.AddSubband("2025-01-15T03:20:41", 15)

	n, err := env.Store.RefreshSubbandCount(env.Ctx, "2025-01-15T03:20:41")
	if err != nil {
		t.Fatalf("RefreshSubbandCount failed: %v", err)
	}
	if n != 3 {
		t.Errorf("subband count = %d, want 3", n)
	}

	subbands, err := env.Store.ListSubbands(env.Ctx, "2025-01-15T03:20:41")
	if err != nil {
		t.Fatalf("ListSubbands failed: %v", err)
	}
	if len(subbands) != 3 {
		t.Fatalf("got %d subbands, want 3", len(subbands))
	}
	// Ordered by index.
	if subbands[0].Index != 0 || subbands[1].Index != 5 || subbands[2].Index != 15 {
		t.Errorf("subband order = [%d %d %d], want [0 5 15]",
			subbands[0].Index, subbands[1].Index, subbands[2].Index)
	}
}

func TestGroupErrorAndRetryBookkeeping(t *testing.T) {
	env := newTestEnv(t)
	env.CreateGroupWith("2025-01-15T03:20:41", types.GroupInProgress)

	if err := env.Store.SetGroupError(env.Ctx, "2025-01-15T03:20:41", "imaging kernel crashed"); err != nil {
		t.Fatalf("SetGroupError failed: %v", err)
	}
	if err := env.Store.IncrementGroupRetry(env.Ctx, "2025-01-15T03:20:41"); err != nil {
		t.Fatalf("IncrementGroupRetry failed: %v", err)
	}

	g, err := env.Store.GetGroup(env.Ctx, "2025-01-15T03:20:41")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if g.ErrorMessage != "imaging kernel crashed" {
		t.Errorf("error_message = %q", g.ErrorMessage)
	}
	if g.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", g.RetryCount)
	}
}

func TestResetGroupForRetry(t *testing.T) {
	env := newTestEnv(t)
	env.CreateGroupWith("2025-01-15T03:20:41", types.GroupFailed)

	if err := env.Store.ResetGroupForRetry(env.Ctx, "2025-01-15T03:20:41"); err != nil {
		t.Fatalf("ResetGroupForRetry failed: %v", err)
	}
	env.AssertGroupState("2025-01-15T03:20:41", types.GroupPending)

	g, err := env.Store.GetGroup(env.Ctx, "2025-01-15T03:20:41")
	if err != nil {
		t.Fatalf("GetGroup failed: %v", err)
	}
	if g.ErrorMessage != "" {
		t.Errorf("error_message = %q, want cleared", g.ErrorMessage)
	}
}

package sqlite

import (
	"testing"

	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

func TestAppendAndListEvents(t *testing.T) {
	env := newTestEnv(t)

	evs := []*types.JobEvent{
		{GroupID: "2025-01-15T03:20:41", EventType: types.EventGroupEnqueued},
		{GroupID: "2025-01-15T03:20:41", WorkItemID: "job-1", EventType: types.EventClaimed},
		{GroupID: "2025-01-15T03:20:41", WorkItemID: "job-1", Stage: "conversion", EventType: types.EventStageStarted},
		{GroupID: "2025-01-15T04:20:41", EventType: types.EventGroupEnqueued},
	}
	for _, ev := range evs {
		if err := env.Store.AppendEvent(env.Ctx, ev); err != nil {
			t.Fatalf("AppendEvent(%s) failed: %v", ev.EventType, err)
		}
	}

	byGroup := env.Events(storage.EventFilter{GroupID: "2025-01-15T03:20:41"})
	if len(byGroup) != 3 {
		t.Errorf("got %d events for group, want 3", len(byGroup))
	}

	byItem := env.Events(storage.EventFilter{WorkItemID: "job-1"})
	if len(byItem) != 2 {
		t.Errorf("got %d events for work item, want 2", len(byItem))
	}

	byType := env.Events(storage.EventFilter{EventType: types.EventGroupEnqueued})
	if len(byType) != 2 {
		t.Errorf("got %d enqueued events, want 2", len(byType))
	}
}

func TestListEventsNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	for _, typ := range []string{types.EventGroupEnqueued, types.EventClaimed, types.EventJobCompleted} {
		if err := env.Store.AppendEvent(env.Ctx, &types.JobEvent{
			GroupID:   "2025-01-15T03:20:41",
			EventType: typ,
		}); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	got := env.Events(storage.EventFilter{GroupID: "2025-01-15T03:20:41"})
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[0].EventType != types.EventJobCompleted {
		t.Errorf("first event = %s, want job_completed (newest first)", got[0].EventType)
	}
	if got[2].EventType != types.EventGroupEnqueued {
		t.Errorf("last event = %s, want group_enqueued", got[2].EventType)
	}
}

func TestListEventsLimit(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 10; i++ {
		if err := env.Store.AppendEvent(env.Ctx, &types.JobEvent{
			GroupID:   "2025-01-15T03:20:41",
			EventType: types.EventStageCompleted,
		}); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	got := env.Events(storage.EventFilter{Limit: 4})
	if len(got) != 4 {
		t.Errorf("got %d events with limit 4, want 4", len(got))
	}
}

func TestEventDetailRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Store.AppendEvent(env.Ctx, &types.JobEvent{
		GroupID:   "2025-01-15T03:20:41",
		Stage:     "imaging",
		EventType: types.EventStageFailed,
		Detail:    "kernel exit 1: deconvolution diverged",
	}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	got := env.Events(storage.EventFilter{GroupID: "2025-01-15T03:20:41"})
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Detail != "kernel exit 1: deconvolution diverged" {
		t.Errorf("detail = %q", got[0].Detail)
	}
	if got[0].Stage != "imaging" {
		t.Errorf("stage = %q, want imaging", got[0].Stage)
	}
	if got[0].ID == 0 {
		t.Error("event id not assigned")
	}
}

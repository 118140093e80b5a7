package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/storage/sqlite"
	"github.com/meridian-obs/contimg/internal/types"
)

var testPolicy = config.RetryConfig{
	MaxAttempts:    3,
	BaseDelay:      10 * time.Second,
	MaxDelay:       10 * time.Minute,
	Multiplier:     2.0,
	JitterFraction: 0.2,
}

func newTestQueue(t *testing.T) (*Queue, storage.Store) {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	q := New(store, testPolicy, nil)
	q.unit = func() float64 { return 0.5 } // jitter term vanishes
	return q, store
}

func TestBackoff(t *testing.T) {
	flat := config.RetryConfig{BaseDelay: 10 * time.Second, MaxDelay: 10 * time.Minute, Multiplier: 2.0}

	tests := []struct {
		name    string
		policy  config.RetryConfig
		attempt int
		unit    float64
		want    time.Duration
	}{
		{"first attempt", flat, 0, 0.5, 10 * time.Second},
		{"doubles", flat, 1, 0.5, 20 * time.Second},
		{"third", flat, 2, 0.5, 40 * time.Second},
		{"capped", flat, 20, 0.5, 10 * time.Minute},
		{"zero base", config.RetryConfig{}, 3, 0.5, 0},
		{"multiplier below one treated as flat", config.RetryConfig{BaseDelay: time.Second, Multiplier: 0.1}, 5, 0.5, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Backoff(tt.policy, tt.attempt, tt.unit); got != tt.want {
				t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	policy := testPolicy // jitter 0.2

	low := Backoff(policy, 0, 0)      // unit 0 -> -20%
	high := Backoff(policy, 0, 0.999) // unit ~1 -> +20%

	if low != 8*time.Second {
		t.Errorf("lower jitter bound = %v, want 8s", low)
	}
	if high < 11900*time.Millisecond || high > 12*time.Second {
		t.Errorf("upper jitter bound = %v, want ~12s", high)
	}

	// Jitter never pushes past the cap.
	capped := Backoff(policy, 20, 0.999)
	if capped > policy.MaxDelay {
		t.Errorf("jittered backoff %v exceeds max delay %v", capped, policy.MaxDelay)
	}
}

func TestEnqueueAndClaim(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, types.JobProcessGroup, types.ProcessGroupPayload{GroupID: "2025-01-15T06:00:00"}, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if item.ID == "" {
		t.Fatal("expected enqueue to assign an id")
	}

	claimed, err := q.Claim(ctx, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed == nil || claimed.ID != item.ID {
		t.Fatalf("claimed = %+v, want item %s", claimed, item.ID)
	}
	if claimed.State != types.WorkInProgress {
		t.Errorf("state = %s, want in_progress", claimed.State)
	}

	var payload types.ProcessGroupPayload
	if err := claimed.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.GroupID != "2025-01-15T06:00:00" {
		t.Errorf("payload group = %q", payload.GroupID)
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)

	item, err := q.Claim(context.Background(), "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item from empty queue, got %+v", item)
	}
}

func TestHeartbeatAndComplete(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, types.JobProcessGroup, types.ProcessGroupPayload{GroupID: "g"}, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := q.Claim(ctx, "worker-1", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("Claim: %v (%+v)", err, claimed)
	}

	if err := q.Heartbeat(ctx, item.ID, "worker-1", time.Minute); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := q.Heartbeat(ctx, item.ID, "worker-2", time.Minute); !errors.Is(err, storage.ErrStaleLease) {
		t.Fatalf("foreign heartbeat error = %v, want ErrStaleLease", err)
	}

	if err := q.Complete(ctx, item.ID, "worker-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err := store.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetWorkItem: %v", err)
	}
	if got.State != types.WorkCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
}

func TestFailTransientReArms(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	item, _ := q.Enqueue(ctx, types.JobProcessGroup, types.ProcessGroupPayload{GroupID: "g"}, 3)
	claimed, _ := q.Claim(ctx, "worker-1", time.Minute)
	if claimed == nil {
		t.Fatal("expected a claim")
	}

	before := time.Now()
	state, err := q.Fail(ctx, claimed, "worker-1", types.Transientf("imaging", "scratch disk full"))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if state != types.WorkPending {
		t.Fatalf("state = %s, want pending", state)
	}

	got, err := store.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetWorkItem: %v", err)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
	// First failure backs off by base_delay (jitter pinned to zero).
	wantNext := before.Add(testPolicy.BaseDelay)
	if got.NextAttemptAt.Before(wantNext.Add(-2*time.Second)) || got.NextAttemptAt.After(wantNext.Add(2*time.Second)) {
		t.Errorf("next_attempt_at = %v, want about %v", got.NextAttemptAt, wantNext)
	}
	if got.LastError == "" {
		t.Error("expected last_error recorded")
	}
}

func TestFailInputInvalidDeadLetters(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	item, _ := q.Enqueue(ctx, types.JobProcessGroup, types.ProcessGroupPayload{GroupID: "g"}, 3)
	claimed, _ := q.Claim(ctx, "worker-1", time.Minute)
	if claimed == nil {
		t.Fatal("expected a claim")
	}

	state, err := q.Fail(ctx, claimed, "worker-1", types.InputInvalidf("conversion", "subband 07 missing"))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if state != types.WorkDead {
		t.Fatalf("state = %s, want dead", state)
	}
	got, _ := store.GetWorkItem(ctx, item.ID)
	if got.State != types.WorkDead {
		t.Errorf("stored state = %s, want dead", got.State)
	}
}

func TestFailExhaustsBudget(t *testing.T) {
	q, store := newTestQueue(t)
	q.policy.BaseDelay = 0 // immediate re-arm so the next claim succeeds
	ctx := context.Background()

	item, _ := q.Enqueue(ctx, types.JobProcessGroup, types.ProcessGroupPayload{GroupID: "g"}, 1)

	for attempt := 0; ; attempt++ {
		claimed, err := q.Claim(ctx, "worker-1", time.Minute)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if claimed == nil {
			break
		}
		if attempt > 5 {
			t.Fatal("item never dead-lettered")
		}
		if _, err := q.Fail(ctx, claimed, "worker-1", types.Transientf("imaging", "flaky")); err != nil {
			t.Fatalf("Fail: %v", err)
		}
	}

	got, _ := store.GetWorkItem(ctx, item.ID)
	if got.State != types.WorkDead {
		t.Fatalf("state = %s, want dead", got.State)
	}
	if got.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2 (budget of 1 retry plus the final failure)", got.RetryCount)
	}
}

func TestUnclassifiedErrorIsRetried(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, types.JobProcessGroup, types.ProcessGroupPayload{GroupID: "g"}, 3)
	claimed, _ := q.Claim(ctx, "worker-1", time.Minute)
	if claimed == nil {
		t.Fatal("expected a claim")
	}

	state, err := q.Fail(ctx, claimed, "worker-1", errors.New("connection reset"))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if state != types.WorkPending {
		t.Errorf("state = %s, want pending (unclassified errors retry)", state)
	}
}

func TestParkAndRequeue(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	item, _ := q.Enqueue(ctx, types.JobProcessGroup, types.ProcessGroupPayload{GroupID: "g"}, 3)
	claimed, _ := q.Claim(ctx, "worker-1", time.Minute)
	if claimed == nil {
		t.Fatal("expected a claim")
	}

	if err := q.Park(ctx, item.ID, types.Fatal("worker", errors.New("store corrupt"))); err != nil {
		t.Fatalf("Park: %v", err)
	}
	got, _ := store.GetWorkItem(ctx, item.ID)
	if got.State != types.WorkFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}

	if err := q.Requeue(ctx, item.ID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	got, _ = store.GetWorkItem(ctx, item.ID)
	if got.State != types.WorkPending {
		t.Errorf("state = %s, want pending", got.State)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0 after requeue", got.RetryCount)
	}
}

func TestStats(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, types.JobProcessGroup, types.ProcessGroupPayload{GroupID: "a"}, 3)
	q.Enqueue(ctx, types.JobPublishProduct, types.PublishProductPayload{DataID: "img-001"}, 3)
	if _, err := q.Claim(ctx, "worker-1", time.Minute); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ByState[types.WorkPending] != 1 || stats.ByState[types.WorkInProgress] != 1 {
		t.Errorf("stats = %+v, want one pending and one in_progress", stats.ByState)
	}
}

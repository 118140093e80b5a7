package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meridian-obs/contimg/internal/config"
	"github.com/meridian-obs/contimg/internal/queue"
	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/storage/sqlite"
	"github.com/meridian-obs/contimg/internal/types"
)

func newTestPool(t *testing.T, workers int, poll time.Duration) (*Pool, *queue.Queue, storage.Store) {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	q := queue.New(store, config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}, nil)
	cfg := config.OrchestratorConfig{
		WorkerCount:       workers,
		LeaseDuration:     time.Minute,
		HeartbeatInterval: 20 * time.Millisecond,
	}
	p := NewPool(q, cfg, poll, nil)
	return p, q, store
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func itemState(t *testing.T, store storage.Store, id string) types.WorkState {
	t.Helper()
	item, err := store.GetWorkItem(context.Background(), id)
	if err != nil {
		t.Fatalf("GetWorkItem: %v", err)
	}
	return item.State
}

func TestPoolRunsClaimedItem(t *testing.T) {
	p, q, store := newTestPool(t, 1, 50*time.Millisecond)

	handled := make(chan string, 1)
	p.Register("process_group", func(_ context.Context, item *types.WorkItem) error {
		var payload types.ProcessGroupPayload
		if err := item.DecodePayload(&payload); err != nil {
			return err
		}
		handled <- payload.GroupID
		return nil
	})

	item, err := q.Enqueue(context.Background(), "process_group",
		types.ProcessGroupPayload{GroupID: "2025-01-15T03:20:41"}, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	p.Start(context.Background())
	defer p.Close()

	select {
	case gid := <-handled:
		if gid != "2025-01-15T03:20:41" {
			t.Errorf("handler got group %s", gid)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}

	waitFor(t, 5*time.Second, "item completion", func() bool {
		return itemState(t, store, item.ID) == types.WorkCompleted
	})
}

func TestPoolDeadLettersUnhandledJobType(t *testing.T) {
	p, q, store := newTestPool(t, 1, 50*time.Millisecond)

	item, err := q.Enqueue(context.Background(), "mystery", map[string]string{"k": "v"}, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	p.Start(context.Background())
	defer p.Close()

	waitFor(t, 5*time.Second, "dead-letter", func() bool {
		return itemState(t, store, item.ID) == types.WorkDead
	})

	got, err := store.GetWorkItem(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("GetWorkItem: %v", err)
	}
	if !strings.Contains(got.LastError, "no handler") {
		t.Errorf("last_error = %q, want a no-handler message", got.LastError)
	}
}

func TestPoolRetriesTransientFailureUntilDead(t *testing.T) {
	p, q, store := newTestPool(t, 1, 30*time.Millisecond)

	var calls atomic.Int32
	p.Register("process_group", func(context.Context, *types.WorkItem) error {
		calls.Add(1)
		return types.Transientf("test", "flaky")
	})

	item, err := q.Enqueue(context.Background(), "process_group",
		types.ProcessGroupPayload{GroupID: "g"}, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	p.Start(context.Background())
	defer p.Close()

	// Initial attempt plus three retries, then the item is dead-lettered.
	waitFor(t, 10*time.Second, "retry exhaustion", func() bool {
		return itemState(t, store, item.ID) == types.WorkDead
	})
	if got := calls.Load(); got != 4 {
		t.Errorf("handler ran %d times, want 4", got)
	}
}

func TestPoolParksFatalAndHaltsWorker(t *testing.T) {
	p, q, store := newTestPool(t, 1, 30*time.Millisecond)

	p.Register("process_group", func(context.Context, *types.WorkItem) error {
		return types.Fatal("test", context.DeadlineExceeded)
	})

	first, err := q.Enqueue(context.Background(), "process_group", types.ProcessGroupPayload{GroupID: "a"}, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	p.Start(context.Background())
	defer p.Close()

	waitFor(t, 5*time.Second, "park", func() bool {
		return itemState(t, store, first.ID) == types.WorkFailed
	})

	// The lone worker halted, so a second item is never claimed.
	second, err := q.Enqueue(context.Background(), "process_group", types.ProcessGroupPayload{GroupID: "b"}, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	p.Wake()
	time.Sleep(200 * time.Millisecond)
	if got := itemState(t, store, second.ID); got != types.WorkPending {
		t.Errorf("second item state = %s, want pending (worker halted)", got)
	}
}

func TestPoolWakeBeatsPollInterval(t *testing.T) {
	p, q, store := newTestPool(t, 1, time.Hour)

	p.Register("process_group", func(context.Context, *types.WorkItem) error { return nil })

	p.Start(context.Background())
	defer p.Close()

	// Let the worker go idle on the hour-long poll, then wake it.
	time.Sleep(100 * time.Millisecond)
	item, err := q.Enqueue(context.Background(), "process_group", types.ProcessGroupPayload{GroupID: "g"}, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	p.Wake()

	waitFor(t, 3*time.Second, "wake-driven claim", func() bool {
		return itemState(t, store, item.ID) == types.WorkCompleted
	})
}

func TestPoolLostLeaseCancelsJob(t *testing.T) {
	p, q, store := newTestPool(t, 1, 50*time.Millisecond)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	p.Register("process_group", func(ctx context.Context, _ *types.WorkItem) error {
		close(started)
		select {
		case <-ctx.Done():
			close(cancelled)
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return nil
		}
	})

	if _, err := q.Enqueue(context.Background(), "process_group", types.ProcessGroupPayload{GroupID: "g"}, 3); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	p.Start(context.Background())
	defer p.Close()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	// Steal the lease out from under the worker; the next heartbeat must
	// notice and cancel the job.
	if _, err := store.UnderlyingDB().Exec(`UPDATE work_items SET lease_owner = 'thief'`); err != nil {
		t.Fatalf("failed to steal lease: %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not cancelled after losing its lease")
	}
}

func TestPoolCloseWaitsForInflightJob(t *testing.T) {
	p, q, store := newTestPool(t, 1, 50*time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	p.Register("process_group", func(context.Context, *types.WorkItem) error {
		close(started)
		<-release
		return nil
	})

	item, err := q.Enqueue(context.Background(), "process_group", types.ProcessGroupPayload{GroupID: "g"}, 3)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	p.Start(context.Background())

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Close returned while a job was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close never returned")
	}

	// Completion bookkeeping ran despite the shutdown.
	if got := itemState(t, store, item.ID); got != types.WorkCompleted {
		t.Errorf("item state = %s, want completed", got)
	}
}

package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/meridian-obs/contimg/internal/storage"
	"github.com/meridian-obs/contimg/internal/types"
)

func TestNewCreatesDatabaseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state", "contimg.db")

	store, err := New(context.Background(), path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
	if store.Path() != path {
		t.Errorf("Path() = %q, want %q", store.Path(), path)
	}
}

func TestNewIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contimg.db")
	ctx := context.Background()

	store, err := New(ctx, path)
	if err != nil {
		t.Fatalf("first New failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopening must re-apply schema and migrations without error.
	store2, err := New(ctx, path)
	if err != nil {
		t.Fatalf("second New failed: %v", err)
	}
	defer func() { _ = store2.Close() }()
}

func TestMetaRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	if err := env.Store.SetMeta(env.Ctx, "instance_id", "node-a"); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}
	got, err := env.Store.GetMeta(env.Ctx, "instance_id")
	if err != nil {
		t.Fatalf("GetMeta failed: %v", err)
	}
	if got != "node-a" {
		t.Errorf("GetMeta = %q, want %q", got, "node-a")
	}

	// Overwrite.
	if err := env.Store.SetMeta(env.Ctx, "instance_id", "node-b"); err != nil {
		t.Fatalf("SetMeta overwrite failed: %v", err)
	}
	got, err = env.Store.GetMeta(env.Ctx, "instance_id")
	if err != nil {
		t.Fatalf("GetMeta after overwrite failed: %v", err)
	}
	if got != "node-b" {
		t.Errorf("GetMeta = %q, want %q", got, "node-b")
	}

	if _, err := env.Store.GetMeta(env.Ctx, "no_such_key"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetMeta(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRunInTransactionCommit(t *testing.T) {
	env := newTestEnv(t)

	err := env.Store.RunInTransaction(env.Ctx, func(tx storage.Tx) error {
		g := &types.Group{ID: "2025-01-15T03:20:41", ExpectedSubbands: 16}
		if err := tx.UpsertGroup(env.Ctx, g); err != nil {
			return err
		}
		return tx.AppendEvent(env.Ctx, &types.JobEvent{
			GroupID:   g.ID,
			EventType: types.EventGroupEnqueued,
		})
	})
	if err != nil {
		t.Fatalf("RunInTransaction failed: %v", err)
	}

	if _, err := env.Store.GetGroup(env.Ctx, "2025-01-15T03:20:41"); err != nil {
		t.Errorf("committed group not visible: %v", err)
	}
	evs := env.Events(storage.EventFilter{GroupID: "2025-01-15T03:20:41"})
	if len(evs) != 1 {
		t.Errorf("got %d events, want 1", len(evs))
	}
}

func TestRunInTransactionRollback(t *testing.T) {
	env := newTestEnv(t)
	sentinel := errors.New("boom")

	err := env.Store.RunInTransaction(env.Ctx, func(tx storage.Tx) error {
		g := &types.Group{ID: "2025-01-15T03:20:41", ExpectedSubbands: 16}
		if err := tx.UpsertGroup(env.Ctx, g); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("RunInTransaction error = %v, want sentinel", err)
	}

	if _, err := env.Store.GetGroup(env.Ctx, "2025-01-15T03:20:41"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("rolled-back group still visible, err = %v", err)
	}
}

func TestRunInTransactionSeesOwnWrites(t *testing.T) {
	env := newTestEnv(t)

	err := env.Store.RunInTransaction(env.Ctx, func(tx storage.Tx) error {
		g := &types.Group{ID: "2025-02-01T00:00:00", ExpectedSubbands: 16}
		if err := tx.UpsertGroup(env.Ctx, g); err != nil {
			return err
		}
		got, err := tx.GetGroup(env.Ctx, g.ID)
		if err != nil {
			return err
		}
		if got.State != types.GroupCollecting {
			t.Errorf("in-tx state = %s, want collecting", got.State)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunInTransaction failed: %v", err)
	}
}

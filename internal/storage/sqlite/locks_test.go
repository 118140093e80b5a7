package sqlite

import (
	"errors"
	"testing"
	"time"

	"github.com/meridian-obs/contimg/internal/storage"
)

const msPath = "/data/staging/2025-01-15T03:20:41.ms"

func TestAcquireMSLock(t *testing.T) {
	env := newTestEnv(t)

	if err := env.Store.AcquireMSLock(env.Ctx, msPath, "job-1", time.Minute); err != nil {
		t.Fatalf("AcquireMSLock failed: %v", err)
	}

	// Another job is shut out while the lease holds.
	err := env.Store.AcquireMSLock(env.Ctx, msPath, "job-2", time.Minute)
	if !errors.Is(err, storage.ErrLockHeld) {
		t.Errorf("second acquire = %v, want ErrLockHeld", err)
	}

	// The holder can refresh its own lease.
	if err := env.Store.AcquireMSLock(env.Ctx, msPath, "job-1", time.Minute); err != nil {
		t.Errorf("holder refresh failed: %v", err)
	}
}

func TestAcquireMSLockTakesOverExpiredLease(t *testing.T) {
	env := newTestEnv(t)

	// A lease with a TTL in the past is immediately stealable.
	if err := env.Store.AcquireMSLock(env.Ctx, msPath, "job-crashed", -time.Second); err != nil {
		t.Fatalf("AcquireMSLock failed: %v", err)
	}
	if err := env.Store.AcquireMSLock(env.Ctx, msPath, "job-2", time.Minute); err != nil {
		t.Errorf("takeover of expired lease failed: %v", err)
	}

	locks, err := env.Store.ListMSLocks(env.Ctx)
	if err != nil {
		t.Fatalf("ListMSLocks failed: %v", err)
	}
	if len(locks) != 1 || locks[0].OwnerJob != "job-2" {
		t.Errorf("locks = %v, want single lock owned by job-2", locks)
	}
}

func TestReleaseMSLock(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Store.AcquireMSLock(env.Ctx, msPath, "job-1", time.Minute); err != nil {
		t.Fatalf("AcquireMSLock failed: %v", err)
	}

	// Releasing someone else's lock is a silent no-op.
	if err := env.Store.ReleaseMSLock(env.Ctx, msPath, "job-2"); err != nil {
		t.Fatalf("foreign release errored: %v", err)
	}
	locks, _ := env.Store.ListMSLocks(env.Ctx)
	if len(locks) != 1 {
		t.Fatalf("foreign release dropped the lock")
	}

	if err := env.Store.ReleaseMSLock(env.Ctx, msPath, "job-1"); err != nil {
		t.Fatalf("ReleaseMSLock failed: %v", err)
	}
	locks, _ = env.Store.ListMSLocks(env.Ctx)
	if len(locks) != 0 {
		t.Errorf("lock still present after release")
	}
}

func TestReleaseLocksByOwner(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Store.AcquireMSLock(env.Ctx, "/data/a.ms", "job-1", time.Minute); err != nil {
		t.Fatalf("acquire a failed: %v", err)
	}
	if err := env.Store.AcquireMSLock(env.Ctx, "/data/b.ms", "job-1", time.Minute); err != nil {
		t.Fatalf("acquire b failed: %v", err)
	}
	if err := env.Store.AcquireMSLock(env.Ctx, "/data/c.ms", "job-2", time.Minute); err != nil {
		t.Fatalf("acquire c failed: %v", err)
	}

	n, err := env.Store.ReleaseLocksByOwner(env.Ctx, "job-1")
	if err != nil {
		t.Fatalf("ReleaseLocksByOwner failed: %v", err)
	}
	if n != 2 {
		t.Errorf("released %d locks, want 2", n)
	}
	locks, _ := env.Store.ListMSLocks(env.Ctx)
	if len(locks) != 1 || locks[0].OwnerJob != "job-2" {
		t.Errorf("remaining locks = %v, want job-2's only", locks)
	}
}

func TestExpireMSLocks(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Store.AcquireMSLock(env.Ctx, "/data/a.ms", "job-1", -time.Second); err != nil {
		t.Fatalf("acquire a failed: %v", err)
	}
	if err := env.Store.AcquireMSLock(env.Ctx, "/data/b.ms", "job-2", time.Minute); err != nil {
		t.Fatalf("acquire b failed: %v", err)
	}

	n, err := env.Store.ExpireMSLocks(env.Ctx)
	if err != nil {
		t.Fatalf("ExpireMSLocks failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d locks, want 1", n)
	}
	locks, _ := env.Store.ListMSLocks(env.Ctx)
	if len(locks) != 1 || locks[0].Path != "/data/b.ms" {
		t.Errorf("remaining locks = %v, want /data/b.ms", locks)
	}
}

package lock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "vpnonboard/internal/errors"
)

func testLockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "store.lock")
}

func TestAcquireRelease_CreatesAndRemovesFile(t *testing.T) {
	path := testLockPath(t)
	l := NewManager().ForPath(path)

	if err := l.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	info, err := readLockFile(path)
	if err != nil {
		t.Fatalf("lock file unreadable while held: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("lock file pid = %d, want %d", info.PID, os.Getpid())
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file still present after release")
	}
}

// TestAcquire_TimesOutOnHeldLock: a lock file held by a live process blocks
// acquisition until the wait bound, then fails with ErrLockTimeout.
func TestAcquire_TimesOutOnHeldLock(t *testing.T) {
	path := testLockPath(t)

	// Simulate another live holder by writing our own pid through a separate
	// manager; the second manager's lock must treat it as held.
	holder := NewManager().ForPath(path)
	if err := holder.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("holder Acquire: %v", err)
	}
	defer holder.Release()

	waiter := NewManager().ForPath(path)
	start := time.Now()
	err := waiter.Acquire(context.Background(), 500*time.Millisecond)
	if !errors.Is(err, apperrors.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("gave up too early: %v", elapsed)
	}
}

func TestAcquire_ContendersSerializeInProcess(t *testing.T) {
	path := testLockPath(t)
	l := NewManager().ForPath(path)

	if err := l.Acquire(context.Background(), time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- l.Acquire(context.Background(), 5*time.Second)
	}()

	// The goroutine must block until release, then get the lock.
	select {
	case err := <-acquired:
		t.Fatalf("second acquire returned while lock held: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("second acquire after release: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second acquire never completed")
	}
	l.Release()
}

// TestAcquire_RecoversStaleLock: a lock file whose holder pid is dead is
// removed and the lock acquired within the wait bound.
func TestAcquire_RecoversStaleLock(t *testing.T) {
	path := testLockPath(t)

	stale := LockInfo{PID: 1 << 28, StartedAt: time.Now().Format(time.RFC3339)}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}

	l := NewManager().ForPath(path)
	if err := l.Acquire(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Acquire over stale lock: %v", err)
	}
	defer l.Release()

	info, err := readLockFile(path)
	if err != nil {
		t.Fatalf("lock file: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("stale lock not replaced: pid %d", info.PID)
	}
}

// TestAcquire_RecoversCorruptLockFile: a lock file left by a crash mid-write
// is removed rather than wedging every future acquisition.
func TestAcquire_RecoversCorruptLockFile(t *testing.T) {
	path := testLockPath(t)
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write corrupt lock: %v", err)
	}

	l := NewManager().ForPath(path)
	if err := l.Acquire(context.Background(), 2*time.Second); err != nil {
		t.Fatalf("Acquire over corrupt lock: %v", err)
	}
	l.Release()
}

// TestStaleRemoval_SkipsReplacedLock: between judging a lock stale and
// removing it, another contender may have recovered it and written its own.
// The removal must re-check the file and leave the new holder's lock alone.
func TestStaleRemoval_SkipsReplacedLock(t *testing.T) {
	path := testLockPath(t)
	l := NewManager().ForPath(path)

	stale := LockInfo{PID: 1 << 28, StartedAt: "2026-01-01T00:00:00Z"}
	live := LockInfo{PID: os.Getpid(), StartedAt: time.Now().Format(time.RFC3339)}
	data, _ := json.Marshal(live)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write live lock: %v", err)
	}

	// The stale info no longer matches the file: nothing may be removed.
	l.removeIfStillHeldBy(&stale)
	info, err := readLockFile(path)
	if err != nil {
		t.Fatalf("replaced lock was deleted: %v", err)
	}
	if info.PID != live.PID {
		t.Errorf("wrong lock file survived: %+v", info)
	}

	// With the file still naming the dead holder, removal proceeds.
	data, _ = json.Marshal(stale)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}
	l.removeIfStillHeldBy(&stale)
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("stale lock file not removed")
	}
}

func TestRelease_LeavesForeignLockAlone(t *testing.T) {
	path := testLockPath(t)

	foreign := LockInfo{PID: 1 << 28, StartedAt: time.Now().Format(time.RFC3339)}
	data, _ := json.Marshal(foreign)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write foreign lock: %v", err)
	}

	l := NewManager().ForPath(path)
	l.Release()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("release removed a lock file it does not own: %v", err)
	}
}

func TestManager_SamePathSameLock(t *testing.T) {
	m := NewManager()
	a := m.ForPath("/tmp/a.lock")
	b := m.ForPath("/tmp/a.lock")
	c := m.ForPath("/tmp/c.lock")
	if a != b {
		t.Error("same path must yield the same lock")
	}
	if a == c {
		t.Error("different paths must yield different locks")
	}
}

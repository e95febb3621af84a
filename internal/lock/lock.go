// Package lock serializes provisioning against a credential store across
// processes. One advisory lock file guards each store path; acquisition waits
// up to a configurable bound and then fails instead of queuing indefinitely.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	apperrors "vpnonboard/internal/errors"
)

// retryInterval is how often a blocked acquisition re-checks the lock file.
const retryInterval = 200 * time.Millisecond

// LockInfo contains information about the lock holder.
type LockInfo struct {
	PID       int    `json:"pid"`
	StartedAt string `json:"started_at"`
}

// FileLock is a cross-process advisory lock backed by a lock file. Within a
// process, a semaphore serializes goroutines ahead of the file, so goroutines
// contending for different stores never block each other.
type FileLock struct {
	path string
	sem  chan struct{}
}

// Manager hands out one FileLock per lock-file path. It is created at service
// start and injected wherever provisioning happens; tests substitute their own
// manager with temp paths.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*FileLock
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*FileLock)}
}

// ForPath returns the process-wide FileLock for a lock-file path.
func (m *Manager) ForPath(path string) *FileLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[path]; ok {
		return l
	}
	l := &FileLock{path: path, sem: make(chan struct{}, 1)}
	m.locks[path] = l
	return l
}

// Acquire takes the lock, waiting up to wait. A deadline or context
// cancellation yields ErrLockTimeout; the caller surfaces it for a manual
// retry rather than re-queuing.
func (l *FileLock) Acquire(ctx context.Context, wait time.Duration) error {
	deadline := time.Now().Add(wait)

	// In-process turn first.
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case l.sem <- struct{}{}:
	case <-timer.C:
		return fmt.Errorf("lock %s: %w", l.path, apperrors.ErrLockTimeout)
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %w", l.path, apperrors.ErrLockTimeout)
	}

	// Then the cross-process file.
	for {
		ok, err := l.tryAcquireFile()
		if err != nil {
			<-l.sem
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			<-l.sem
			return fmt.Errorf("lock %s: %w", l.path, apperrors.ErrLockTimeout)
		}
		time.Sleep(retryInterval)
	}
}

// Release removes the lock file (only if it is ours) and frees the in-process
// slot. Safe to call on every exit path.
func (l *FileLock) Release() error {
	var err error
	if info, rerr := readLockFile(l.path); rerr == nil && info.PID == os.Getpid() {
		err = os.Remove(l.path)
	}
	select {
	case <-l.sem:
	default:
	}
	return err
}

// tryAcquireFile attempts one exclusive create of the lock file. A lock held
// by a process that is no longer running is stale and removed.
func (l *FileLock) tryAcquireFile() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, err
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err == nil {
		info := LockInfo{PID: os.Getpid(), StartedAt: time.Now().Format(time.RFC3339)}
		data, merr := json.Marshal(info)
		if merr == nil {
			_, merr = f.Write(data)
		}
		f.Close()
		if merr != nil {
			os.Remove(l.path)
			return false, merr
		}
		return true, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return false, err
	}

	// Lock file exists: stale if the holder died.
	if info, rerr := readLockFile(l.path); rerr == nil {
		if info.PID != os.Getpid() && !isProcessRunning(info.PID) {
			l.removeIfStillHeldBy(info)
		}
	} else {
		// Unreadable lock file (crash mid-write): remove and retry.
		os.Remove(l.path)
	}
	return false, nil
}

// removeIfStillHeldBy deletes the lock file only while it still names the
// same dead holder. Between the staleness check and the removal another
// contender may have recovered the lock and written its own; deleting that
// file would let two processes hold the lock at once.
func (l *FileLock) removeIfStillHeldBy(stale *LockInfo) {
	cur, err := readLockFile(l.path)
	if err != nil || cur.PID != stale.PID || cur.StartedAt != stale.StartedAt {
		return
	}
	os.Remove(l.path)
}

func readLockFile(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	if info.PID == 0 {
		return nil, fmt.Errorf("lock file %s has no pid", path)
	}
	return &info, nil
}

func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds. Send signal 0 to check if process exists.
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

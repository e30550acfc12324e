// Package lock provides cross-process advisory file locks used to
// coordinate token refresh across every gateway worker sharing a
// credential store.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultDir is used when no LOCK_DIR override is configured.
const DefaultDir = "/tmp/kiroq-gateway-locks"

// StaleAfter is how long an unreleased lock file is tolerated before a
// sweep treats it as abandoned (e.g. the holder crashed mid-refresh).
const StaleAfter = 5 * time.Minute

// Handle is a held advisory lock. Release must be called exactly once.
type Handle struct {
	file *os.File
}

// FileLock acquires and releases POSIX advisory locks under dir, one
// file per name, via flock(2) so that multiple processes (not just
// goroutines within one process) coordinate correctly.
type FileLock struct {
	dir     string
	timeout time.Duration
}

// New constructs a FileLock rooted at dir, creating it if necessary.
// acquireTimeout bounds how long TryAcquire will poll before giving up.
func New(dir string, acquireTimeout time.Duration) (*FileLock, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("lock: create dir %s: %w", dir, err)
	}
	return &FileLock{dir: dir, timeout: acquireTimeout}, nil
}

func (l *FileLock) path(name string) string {
	return filepath.Join(l.dir, name+".lock")
}

// Acquire blocks (polling every 100ms) until the named lock is held or
// the configured timeout elapses. It sweeps stale locks older than
// StaleAfter before each attempt.
func (l *FileLock) Acquire(name string) (*Handle, error) {
	deadline := time.Now().Add(l.timeout)
	path := l.path(name)

	for {
		l.sweepIfStale(path)

		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return nil, fmt.Errorf("lock: open %s: %w", path, err)
		}

		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			now := time.Now()
			_ = f.Truncate(0)
			_, _ = f.WriteAt([]byte(now.Format(time.RFC3339Nano)), 0)
			return &Handle{file: f}, nil
		}
		_ = f.Close()

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock: timed out acquiring %q after %s", name, l.timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// TryAcquire attempts the lock once, non-blocking, returning (nil, nil)
// if it is currently held by someone else.
func (l *FileLock) TryAcquire(name string) (*Handle, error) {
	path := l.path(name)
	l.sweepIfStale(path)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, fmt.Errorf("lock: flock %s: %w", path, err)
	}

	now := time.Now()
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(now.Format(time.RFC3339Nano)), 0)
	return &Handle{file: f}, nil
}

// sweepIfStale removes a lock file whose mtime is older than
// StaleAfter, under the assumption its holder died without releasing
// it. Flock itself is released automatically when a process dies, but
// the file staying behind with a stale mtime is used by callers as a
// "last refreshed at" marker (see refresh debounce window), so it is
// swept rather than left to grow unbounded.
func (l *FileLock) sweepIfStale(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if time.Since(info.ModTime()) > StaleAfter {
		_ = os.Remove(path)
	}
}

// Release unlocks and closes the handle.
func (h *Handle) Release() error {
	if h == nil || h.file == nil {
		return nil
	}
	_ = unix.Flock(int(h.file.Fd()), unix.LOCK_UN)
	return h.file.Close()
}

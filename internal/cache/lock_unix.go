//go:build unix

package cache

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// locker serializes index writers.
type locker interface {
	Lock() error
	Unlock() error
	Close() error
}

// fileLock is an exclusive flock on a lock file, shared with other sitesnap
// processes using the same cache directory. The mutex serializes goroutines
// of this process, which would otherwise share one flock.
type fileLock struct {
	mu sync.Mutex
	f  *os.File
}

func newFileLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) Lock() error {
	l.mu.Lock()
	for {
		err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			l.mu.Unlock()
			return fmt.Errorf("locking cache: %w", err)
		}
		return nil
	}
}

func (l *fileLock) Unlock() error {
	defer l.mu.Unlock()
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("unlocking cache: %w", err)
	}
	return nil
}

func (l *fileLock) Close() error { return l.f.Close() }

// mutexLock is the in-process lock used by memory caches.
type mutexLock struct {
	mu sync.Mutex
}

func (l *mutexLock) Lock() error   { l.mu.Lock(); return nil }
func (l *mutexLock) Unlock() error { l.mu.Unlock(); return nil }
func (l *mutexLock) Close() error  { return nil }

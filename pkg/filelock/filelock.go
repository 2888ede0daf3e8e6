// Package filelock implements the cross-process, pathname-based advisory
// locking primitive ("C1 FileLock" in the cache engine design): a lock
// object identified by a path rather than an open handle, supporting both
// shared (read) and exclusive (write) acquisition, composing correctly with
// concurrent acquirers both within this process and in other processes.
//
// It is grounded on mutagen's filesystem.Locker (a single-mode, POSIX
// fcntl-based advisory lock keyed to one already-open *os.File), generalized
// to the pathname-keyed, two-mode contract the cache engine requires.
package filelock

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Mode selects the kind of lock to acquire.
type Mode int

const (
	// Shared permits any number of concurrent shared holders, but excludes
	// any exclusive holder.
	Shared Mode = iota
	// Exclusive excludes every other holder, shared or exclusive.
	Exclusive
)

// intraProcess holds one *sync.RWMutex per lock file path so that goroutines
// within this process serialize the same way independent processes do.
// POSIX fcntl record locks are scoped to (process, inode), not (fd, inode),
// so two file descriptors opened by the same process would otherwise not
// block each other at all; this registry closes that gap.
var intraProcess sync.Map // string -> *sync.RWMutex

func muFor(path string) *sync.RWMutex {
	mu, _ := intraProcess.LoadOrStore(path, &sync.RWMutex{})
	return mu.(*sync.RWMutex)
}

// FileLock is a pathname-identified advisory lock.
type FileLock struct {
	path        string
	permissions os.FileMode
}

// New creates (if necessary) the lock file at path with the given
// permissions and returns a FileLock bound to it. Creation is race-free:
// the file is opened with O_CREATE, never truncated if it already exists.
func New(path string, permissions os.FileMode) (*FileLock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, permissions)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create lock file")
	}
	if info, err := file.Stat(); err == nil && info.Mode().Perm() != permissions {
		if err := file.Chmod(permissions); err != nil {
			file.Close()
			return nil, errors.Wrap(err, "unable to set lock file permissions")
		}
	}
	if err := file.Close(); err != nil {
		return nil, errors.Wrap(err, "unable to close lock file after creation")
	}
	return &FileLock{path: path, permissions: permissions}, nil
}

// Token represents one acquired lock; it is released with Release.
type Token struct {
	file *os.File
	mode Mode
	mu   *sync.RWMutex

	releaseOnce sync.Once
}

// Acquire blocks until the lock is held in the given mode and returns a
// token representing that hold. Acquisition never times out; a lock that
// cannot be obtained blocks forever, by design (see the core spec's
// concurrency model: "Lock acquisition never times out").
func (l *FileLock) Acquire(mode Mode) (*Token, error) {
	mu := muFor(l.path)
	if mode == Exclusive {
		mu.Lock()
	} else {
		mu.RLock()
	}

	flag := os.O_RDONLY
	if mode == Exclusive {
		flag = os.O_RDWR
	}
	file, err := os.OpenFile(l.path, flag, l.permissions)
	if err != nil {
		if mode == Exclusive {
			mu.Unlock()
		} else {
			mu.RUnlock()
		}
		return nil, errors.Wrap(err, "unable to open lock file")
	}

	lockType := int16(unix.F_RDLCK)
	if mode == Exclusive {
		lockType = unix.F_WRLCK
	}
	spec := unix.Flock_t{
		Type:   lockType,
		Whence: int16(os.SEEK_SET),
		Start:  0,
		Len:    0,
	}
	if err := unix.FcntlFlock(file.Fd(), unix.F_SETLKW, &spec); err != nil {
		file.Close()
		if mode == Exclusive {
			mu.Unlock()
		} else {
			mu.RUnlock()
		}
		return nil, errors.Wrap(err, "unable to acquire advisory file lock")
	}

	return &Token{file: file, mode: mode, mu: mu}, nil
}

// Release releases the lock represented by this token. It is idempotent:
// calling it more than once is a no-op after the first call.
func (t *Token) Release() error {
	var releaseErr error
	t.releaseOnce.Do(func() {
		spec := unix.Flock_t{
			Type:   unix.F_UNLCK,
			Whence: int16(os.SEEK_SET),
		}
		if err := unix.FcntlFlock(t.file.Fd(), unix.F_SETLK, &spec); err != nil {
			releaseErr = errors.Wrap(err, "unable to release advisory file lock")
		}
		if err := t.file.Close(); err != nil && releaseErr == nil {
			releaseErr = errors.Wrap(err, "unable to close lock file")
		}
		if t.mode == Exclusive {
			t.mu.Unlock()
		} else {
			t.mu.RUnlock()
		}
	})
	return releaseErr
}

// Path returns the path of the file backing this lock.
func (l *FileLock) Path() string {
	return l.path
}

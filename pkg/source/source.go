// Package source implements LockedSource ("C2" in the cache engine design):
// a scoped, lock-held view of one source file, exposing the metadata and
// byte stream the cache needs to decide whether a cached transformation is
// still valid and, if not, to re-run the transformer.
//
// It is grounded on takeshitakenji/wikiserv's filestuff.py (File /
// LockedFile / ExclusivelyLockedFile) and on mutagen's POSIX fcntl locking
// idiom in filesystem/locker_posix.go.
package source

import (
	"hash"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/takeshitakenji/wikiserv/pkg/filelock"
	"github.com/takeshitakenji/wikiserv/pkg/relpath"
)

const blockSize = 4096

// intraProcess mirrors pkg/filelock's same-path mutex registry: POSIX fcntl
// record locks don't serialize two descriptors opened by the same process,
// so goroutines within one process need an explicit mutex alongside the OS
// lock.
var intraProcess sync.Map // string -> *sync.RWMutex

func muFor(path string) *sync.RWMutex {
	mu, _ := intraProcess.LoadOrStore(path, &sync.RWMutex{})
	return mu.(*sync.RWMutex)
}

// Source is a locked handle on one source file. It must be released with
// Close on every exit path, including errors.
type Source struct {
	file *os.File
	mode filelock.Mode
	mu   *sync.RWMutex
	path string
}

// Open validates path (rejecting any "."-prefixed component), then opens
// and locks it in the requested mode relative to root. Shared mode opens
// read-only; Exclusive mode opens read-write, for use by scrub when it
// needs to rewrite or remove entries out from under concurrent readers.
func Open(root, path string, mode filelock.Mode) (*Source, error) {
	cleaned, err := relpath.Validate(path)
	if err != nil {
		return nil, err
	}
	full := root
	if cleaned != "." {
		full = root + string(os.PathSeparator) + cleaned
	}

	mu := muFor(full)
	if mode == filelock.Exclusive {
		mu.Lock()
	} else {
		mu.RLock()
	}

	flag := os.O_RDONLY
	if mode == filelock.Exclusive {
		flag = os.O_RDWR
	}
	file, err := os.OpenFile(full, flag, 0)
	if err != nil {
		if mode == filelock.Exclusive {
			mu.Unlock()
		} else {
			mu.RUnlock()
		}
		return nil, err
	}

	lockType := int16(unix.F_RDLCK)
	if mode == filelock.Exclusive {
		lockType = unix.F_WRLCK
	}
	spec := unix.Flock_t{Type: lockType, Whence: int16(os.SEEK_SET)}
	if err := unix.FcntlFlock(file.Fd(), unix.F_SETLKW, &spec); err != nil {
		file.Close()
		if mode == filelock.Exclusive {
			mu.Unlock()
		} else {
			mu.RUnlock()
		}
		return nil, errors.Wrap(err, "unable to lock source file")
	}

	return &Source{file: file, mode: mode, mu: mu, path: full}, nil
}

// Close releases the lock and closes the underlying handle. It is safe to
// call at most once; a second call is a programming error, matching the
// single-use, non-shareable lifecycle of the other scoped resources in this
// system.
func (s *Source) Close() error {
	spec := unix.Flock_t{Type: unix.F_UNLCK, Whence: int16(os.SEEK_SET)}
	unlockErr := unix.FcntlFlock(s.file.Fd(), unix.F_SETLK, &spec)
	closeErr := s.file.Close()
	if s.mode == filelock.Exclusive {
		s.mu.Unlock()
	} else {
		s.mu.RUnlock()
	}
	if unlockErr != nil {
		return errors.Wrap(unlockErr, "unable to unlock source file")
	}
	return closeErr
}

// Name returns the path this source was opened from.
func (s *Source) Name() string {
	return s.file.Name()
}

// Modified returns the file's modification time in UTC, with microsecond
// resolution (matching EntryHeader's on-disk timestamp precision).
func (s *Source) Modified() (time.Time, error) {
	info, err := s.file.Stat()
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime().UTC().Truncate(time.Microsecond), nil
}

// Size returns the file's current size in bytes.
func (s *Source) Size() (int64, error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Checksum streams the file through newHasher in blockSize chunks and
// returns the resulting digest, restoring the file's read position
// afterward regardless of success or failure.
func (s *Source) Checksum(newHasher func() hash.Hash) ([]byte, error) {
	origin, err := s.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	defer s.file.Seek(origin, io.SeekStart)

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	hasher := newHasher()
	buffer := make([]byte, blockSize)
	if _, err := io.CopyBuffer(hasher, s.file, buffer); err != nil {
		return nil, err
	}
	return hasher.Sum(nil), nil
}

// Handle returns the underlying file, positioned wherever the last
// operation left it (callers reading content should Seek(0, io.SeekStart)
// first if they need the whole file).
func (s *Source) Handle() *os.File {
	return s.file
}

// Read implements io.Reader by delegating to the underlying file, so a
// Source can be passed anywhere an io.Reader is expected.
func (s *Source) Read(p []byte) (int, error) {
	return s.file.Read(p)
}

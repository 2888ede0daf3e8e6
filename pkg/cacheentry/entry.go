package cacheentry

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// intraProcess mirrors pkg/filelock's and pkg/source's same-path mutex
// registry: POSIX fcntl record locks are scoped to (process, inode), not
// (fd, inode), so two goroutines in this process opening separate handles
// to the same cache file both succeed in locking it. Open/Close take and
// release this mutex alongside the OS lock to close that gap.
var intraProcess sync.Map // string -> *sync.Mutex

func muFor(path string) *sync.Mutex {
	mu, _ := intraProcess.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Entry is one cache file: a locked handle plus its parsed header and a
// cursor into the payload region that follows it. It is non-shareable —
// exactly one goroutine holds an Entry at a time — and must be closed on
// every exit path, including error paths.
type Entry struct {
	handle       *os.File
	mu           *sync.Mutex
	header       *Header
	payloadStart int64
	active       bool
	closed       bool
}

// Open takes an exclusive advisory lock on handle, then inspects it: if it
// is at least MinSize bytes, its header is parsed. A header that fails to
// parse (bad magic or truncated) does not return an error — the Entry is
// simply marked inactive, so the caller treats it as if it had no header
// and rebuilds it. This is the self-healing behavior the core spec requires
// for InvalidFormat/Truncated.
func Open(handle *os.File) (*Entry, error) {
	mu := muFor(handle.Name())
	mu.Lock()

	spec := unix.Flock_t{Type: unix.F_WRLCK, Whence: int16(os.SEEK_SET)}
	if err := unix.FcntlFlock(handle.Fd(), unix.F_SETLKW, &spec); err != nil {
		mu.Unlock()
		return nil, errors.Wrap(err, "unable to lock cache entry")
	}

	info, err := handle.Stat()
	if err != nil {
		unlock(handle)
		mu.Unlock()
		return nil, err
	}

	entry := &Entry{handle: handle, mu: mu}
	if info.Size() >= int64(MinSize) {
		if _, err := handle.Seek(0, os.SEEK_SET); err != nil {
			unlock(handle)
			mu.Unlock()
			return nil, err
		}
		header, err := ReadFrom(handle)
		if err == nil {
			entry.header = &header
			entry.active = true
			pos, err := handle.Seek(0, os.SEEK_CUR)
			if err != nil {
				unlock(handle)
				mu.Unlock()
				return nil, err
			}
			entry.payloadStart = pos
		}
		// ErrInvalidFormat / ErrTruncated: leave entry inactive, header nil.
	}

	return entry, nil
}

func unlock(handle *os.File) {
	spec := unix.Flock_t{Type: unix.F_UNLCK, Whence: int16(os.SEEK_SET)}
	unix.FcntlFlock(handle.Fd(), unix.F_SETLK, &spec)
}

// Active reports whether this entry currently has a valid header.
func (e *Entry) Active() bool {
	return e.active
}

// Header returns the entry's current header, or nil if the entry is
// inactive.
func (e *Entry) Header() *Header {
	return e.header
}

// SetHeader truncates the entry and rewrites it with header, marking the
// entry active and positioning the payload cursor right after the new
// header. This discards any existing payload: callers that want to keep
// writing must do so again after calling SetHeader.
func (e *Entry) SetHeader(header Header) error {
	if _, err := e.handle.Seek(0, os.SEEK_SET); err != nil {
		return err
	}
	if err := e.handle.Truncate(0); err != nil {
		return err
	}
	if _, err := header.WriteTo(e.handle); err != nil {
		return err
	}
	if err := e.handle.Sync(); err != nil {
		return err
	}
	pos, err := e.handle.Seek(0, os.SEEK_CUR)
	if err != nil {
		return err
	}
	e.header = &header
	e.payloadStart = pos
	e.active = true
	return nil
}

// ErrNotActive is returned by Seek/Read when the entry has no valid header.
var ErrNotActive = errors.New("cache entry is not available for seeking or reading")

// Seek moves the payload cursor to pos bytes past the start of the payload
// region (i.e. past the header).
func (e *Entry) Seek(pos int64) error {
	if !e.active {
		return ErrNotActive
	}
	_, err := e.handle.Seek(e.payloadStart+pos, os.SEEK_SET)
	return err
}

// Read reads from the current payload cursor position, implementing
// io.Reader.
func (e *Entry) Read(p []byte) (int, error) {
	if !e.active {
		return 0, ErrNotActive
	}
	return e.handle.Read(p)
}

// Write appends to the current cursor position, implementing io.Writer.
func (e *Entry) Write(p []byte) (int, error) {
	return e.handle.Write(p)
}

// Name returns the path of the underlying cache file.
func (e *Entry) Name() string {
	return e.handle.Name()
}

// Truncate resets the entry to header-only: it rewrites header with the
// existing payload discarded. Used for the NotImplemented transformer
// outcome.
func (e *Entry) Truncate(header Header) error {
	return e.SetHeader(header)
}

// Close updates the file's access time, re-asserts the exclusive lock
// (idempotent if already held), releases it, and closes the handle. It is
// safe to call more than once.
func (e *Entry) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true

	if info, err := e.handle.Stat(); err == nil {
		now := time.Now()
		os.Chtimes(e.handle.Name(), now, info.ModTime())
	}

	spec := unix.Flock_t{Type: unix.F_WRLCK, Whence: int16(os.SEEK_SET)}
	unix.FcntlFlock(e.handle.Fd(), unix.F_SETLKW, &spec)
	unlock(e.handle)
	e.mu.Unlock()

	return e.handle.Close()
}

// Package wikicache implements the transformation cache engine ("C6 Cache"
// and "C7 DispatcherCache"): a write-back, content-addressed map from
// source-relative paths to transformed Entries, with TTL+LRU scrubbing and
// a no-cache bypass for transformer output that should stream straight
// through instead of being persisted.
//
// Grounded on takeshitakenji/wikiserv's cache.py (Cache, DispatcherCache)
// and on the locking idioms already established in pkg/filelock and
// pkg/source.
package wikicache

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/takeshitakenji/wikiserv/pkg/cacheentry"
	"github.com/takeshitakenji/wikiserv/pkg/filelock"
	"github.com/takeshitakenji/wikiserv/pkg/hashing"
	"github.com/takeshitakenji/wikiserv/pkg/logging"
	"github.com/takeshitakenji/wikiserv/pkg/relpath"
	"github.com/takeshitakenji/wikiserv/pkg/source"
)

// Sentinel errors a Transformer can return, and that Lookup can surface.
var (
	ErrNotFound       = errors.New("source file not found")
	ErrNoCache        = errors.New("transformer declined to cache its output")
	ErrNotImplemented = errors.New("transformer does not support this input")
)

const (
	dirPerm  os.FileMode = 0700
	filePerm os.FileMode = 0600
)

// Transformer reads src and writes its transformed representation to dst.
// Returning ErrNoCache tells the Cache the output must not be persisted;
// returning ErrNotImplemented tells it this transformer has nothing to say
// about src (the resulting entry is left header-only); any other error
// aborts the lookup and discards the half-written cache file.
type Transformer func(src *source.Source, dst io.Writer) error

// Options holds the three knobs from the core spec's data model. A nil
// MaxAge or MaxEntries means "unset" (no age-based or count-based eviction).
type Options struct {
	MaxAge     *time.Duration
	MaxEntries *int
	AutoScrub  bool
}

// scheduler decides how an internally-triggered scrub actually runs:
// synchronously on the caller's goroutine (the plain Cache), or handed off
// to a dedicated worker (DispatcherCache).
type scheduler interface {
	ScheduleScrub(tentative bool)
}

// Cache is the main filter cache: source-relative path -> transformed
// Entry, backed by one file per entry under root, mirroring the source
// tree's layout.
type Cache struct {
	root       string
	sourceRoot string
	newHasher  hashing.Factory
	transform  Transformer
	options    Options
	poolLock   *filelock.FileLock
	logger     *logging.Logger

	scheduler scheduler

	mu              sync.Mutex
	knownEntryCount int
}

// New creates (if necessary) root and its pool-lock file, and returns a
// Cache ready for Lookup and Scrub. newHasher is called once per checksum
// computation, never shared across goroutines.
func New(root, sourceRoot string, newHasher hashing.Factory, transform Transformer, options Options, logger *logging.Logger) (*Cache, error) {
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, errors.Wrap(err, "unable to create cache root")
	}
	lock, err := filelock.New(filepath.Join(root, ".lock"), filePerm)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		root:       root,
		sourceRoot: sourceRoot,
		newHasher:  newHasher,
		transform:  transform,
		options:    options,
		poolLock:   lock,
		logger:     logger.Sublogger("cache"),
	}
	c.scheduler = syncScheduler{c}
	return c, nil
}

type syncScheduler struct{ cache *Cache }

func (s syncScheduler) ScheduleScrub(tentative bool) {
	if _, err := s.cache.Scrub(tentative); err != nil {
		s.cache.logger.Warn(err)
	}
}

func (c *Cache) entryPath(relPath string) string {
	if relPath == "." {
		return c.root
	}
	return filepath.Join(c.root, relPath)
}

// Lookup is the main filter-cache map operation described in the core
// spec's §4.6. It returns a scoped *cacheentry.Entry positioned at its
// payload start on a cache hit or a freshly-populated miss, or an
// *AutoProcess when the transformer declined to cache this input.
func (c *Cache) Lookup(relPath string) (entry *cacheentry.Entry, auto *AutoProcess, err error) {
	cleaned, err := relpath.Validate(relPath)
	if err != nil {
		return nil, nil, err
	}

	if c.options.AutoScrub && c.options.MaxEntries != nil {
		c.scheduler.ScheduleScrub(true)
	}

	poolToken, err := c.poolLock.Acquire(filelock.Shared)
	if err != nil {
		return nil, nil, err
	}
	releasePool := true
	defer func() {
		if releasePool {
			poolToken.Release()
		}
	}()

	src, err := source.Open(c.sourceRoot, cleaned, filelock.Shared)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	releaseSource := true
	defer func() {
		if releaseSource {
			src.Close()
		}
	}()

	cachePath := c.entryPath(cleaned)
	if err := os.MkdirAll(filepath.Dir(cachePath), dirPerm); err != nil {
		return nil, nil, err
	}
	handle, err := os.OpenFile(cachePath, os.O_RDWR|os.O_CREATE, filePerm)
	if err != nil {
		return nil, nil, err
	}
	info, err := handle.Stat()
	if err != nil {
		handle.Close()
		return nil, nil, err
	}
	wasNew := info.Size() == 0

	cacheEntry, err := cacheentry.Open(handle)
	if err != nil {
		handle.Close()
		return nil, nil, err
	}

	modified, err := src.Modified()
	if err != nil {
		cacheEntry.Close()
		return nil, nil, err
	}
	size, err := src.Size()
	if err != nil {
		cacheEntry.Close()
		return nil, nil, err
	}
	checksum, err := src.Checksum(c.newHasher)
	if err != nil {
		cacheEntry.Close()
		return nil, nil, err
	}
	newHeader, err := cacheentry.New(size, true, modified, checksum)
	if err != nil {
		cacheEntry.Close()
		return nil, nil, err
	}

	previous := cacheEntry.Header()

	switch {
	case previous != nil && !previous.Cached:
		// Tombstone: refresh it in place (it stays Cached=false) and hand
		// back an AutoProcess; the transformer runs outside the cache,
		// against the source opened above, when the caller invokes it.
		refreshed := newHeader
		refreshed.Cached = false
		if err := cacheEntry.SetHeader(refreshed); err != nil {
			cacheEntry.Close()
			return nil, nil, err
		}
		if err := cacheEntry.Close(); err != nil {
			return nil, nil, err
		}
		releaseSource = false
		releasePool = false
		return nil, &AutoProcess{
			sourceRoot: c.sourceRoot,
			relPath:    cleaned,
			transform:  c.transform,
			poolLock:   c.poolLock,
			poolToken:  poolToken,
			srcToken:   src,
			Header:     refreshed,
		}, nil

	case previous == nil || !previous.Equal(newHeader):
		if err := cacheEntry.SetHeader(newHeader); err != nil {
			cacheEntry.Close()
			return nil, nil, err
		}
		runErr := c.transform(src, cacheEntry)
		switch errors.Cause(runErr) {
		case nil:
			// fall through to success path below
		case ErrNoCache:
			tombstone, err := cacheentry.New(0, false, modified, nil)
			if err != nil {
				cacheEntry.Close()
				return nil, nil, err
			}
			if err := cacheEntry.SetHeader(tombstone); err != nil {
				cacheEntry.Close()
				return nil, nil, err
			}
			if err := cacheEntry.Close(); err != nil {
				return nil, nil, err
			}
			releaseSource = false
			releasePool = false
			return nil, &AutoProcess{
				sourceRoot: c.sourceRoot,
				relPath:    cleaned,
				transform:  c.transform,
				poolLock:   c.poolLock,
				poolToken:  poolToken,
				srcToken:   src,
				Header:     tombstone,
			}, nil
		case ErrNotImplemented:
			if err := cacheEntry.Truncate(newHeader); err != nil {
				cacheEntry.Close()
				return nil, nil, err
			}
		default:
			cacheEntry.Close()
			os.Remove(cachePath)
			return nil, nil, runErr
		}

	default:
		// Hit: previous header already matches newHeader.
	}

	if err := cacheEntry.Seek(0); err != nil {
		cacheEntry.Close()
		return nil, nil, err
	}
	if wasNew {
		c.mu.Lock()
		c.knownEntryCount++
		c.mu.Unlock()
	}
	return cacheEntry, nil, nil
}

// KnownEntryCount returns the cache's approximate entry count. It is
// authoritative only immediately after a successful Scrub or while the
// pool-lock is held.
func (c *Cache) KnownEntryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.knownEntryCount
}

func (c *Cache) setKnownEntryCount(n int) {
	c.mu.Lock()
	c.knownEntryCount = n
	c.mu.Unlock()
}

// Close releases resources held by this Cache. The plain Cache holds
// nothing beyond its pool-lock file (closed per-acquisition), so this is a
// no-op; it exists so Cache and DispatcherCache satisfy the same
// lifecycle interface from the Server's point of view.
func (c *Cache) Close() {}

// Root returns the cache's root directory.
func (c *Cache) Root() string {
	return c.root
}

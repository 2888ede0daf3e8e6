package search

import (
	"context"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"

	"github.com/takeshitakenji/wikiserv/pkg/filelock"
)

// SearchCache is the contract shared by the persistent and in-memory
// implementations: a filter-string-keyed cache of sorted FileInfo lists,
// invalidated by the source tree's latest modification time. Grounded on
// takeshitakenji/wikiserv's search.py BaseSearchCache.
type SearchCache interface {
	Query(f Filter) ([]FileInfo, error)
	Scrub(tentative bool) (bool, error)
	Len() (int, error)
	Close() error
}

// record is one filter's cached result plus the date-key timestamp from
// the core spec's data model, collapsed into a single persisted value
// instead of two parallel key spaces (see DESIGN.md): this keeps the
// "every result has exactly one timestamp" invariant true by construction
// rather than by convention.
type record struct {
	Files     []FileInfo `yaml:"files"`
	Timestamp time.Time  `yaml:"timestamp"`
}

// ScanFunc performs the actual source-tree walk for a cache miss. It is
// always Search.FilterFiles in practice, passed in rather than held as a
// *Search reference to avoid a constructor cycle between Search and
// SearchCache.
type ScanFunc func(f Filter) ([]FileInfo, error)

// sharedCacheLogic implements the Query/Scrub algorithm from the core
// spec's §4.8 against an in-memory map; both PersistentSearchCache and
// TemporarySearchCache embed it and differ only in how they guard
// concurrent access and whether that map is flushed to disk.
type sharedCacheLogic struct {
	scan       ScanFunc
	mtime      MtimeStore
	maxAge     *time.Duration
	maxEntries *int
	entries    map[string]record
}

func newSharedCacheLogic(scan ScanFunc, mtime MtimeStore, maxAge *time.Duration, maxEntries *int) sharedCacheLogic {
	return sharedCacheLogic{scan: scan, mtime: mtime, maxAge: maxAge, maxEntries: maxEntries, entries: make(map[string]record)}
}

// queryLocked implements one Query call under the caller's exclusive lock.
// It calls unlock before a miss's scan and relock after it, so a caller
// whose callbacks really release the lock lets other readers and writers
// proceed during a slow scan; a caller that passes no-ops keeps its lock
// for the whole call.
func (c *sharedCacheLogic) queryLocked(f Filter, unlock, relock func()) ([]FileInfo, error) {
	key := f.String()
	mtime := c.latestMtime()

	if existing, ok := c.entries[key]; ok {
		if mtime.IsZero() || !existing.Timestamp.Before(mtime) {
			existing.Timestamp = time.Now()
			c.entries[key] = existing
			return existing.Files, nil
		}
	}

	unlock()
	newTs := time.Now()
	files, err := c.scan(f)
	relock()
	if err != nil {
		return nil, err
	}

	if existing, ok := c.entries[key]; ok && existing.Timestamp.After(newTs) {
		// Someone else already stored a fresher result while we were
		// scanning unlocked; keep theirs.
		return existing.Files, nil
	}

	c.entries[key] = record{Files: files, Timestamp: newTs}
	return files, nil
}

func (c *sharedCacheLogic) latestMtime() time.Time {
	if c.mtime == nil {
		return time.Time{}
	}
	return c.mtime.Get()
}

// scrubLocked implements Scrub's locked body (the caller has already
// handled the tentative short-circuit and taken its lock).
func (c *sharedCacheLogic) scrubLocked(forceMtime func() (time.Time, error)) error {
	mtime, err := forceMtime()
	if err != nil {
		return err
	}

	for key, rec := range c.entries {
		if mtime.IsZero() || rec.Timestamp.Before(mtime) {
			delete(c.entries, key)
			continue
		}
		if c.maxAge != nil && rec.Timestamp.Before(time.Now().Add(-*c.maxAge)) {
			delete(c.entries, key)
		}
	}

	if c.maxEntries != nil && len(c.entries) > *c.maxEntries {
		type keyed struct {
			key string
			ts  time.Time
		}
		all := make([]keyed, 0, len(c.entries))
		for k, rec := range c.entries {
			all = append(all, keyed{k, rec.Timestamp})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].ts.Before(all[j].ts) })
		for _, kv := range all[:len(all)-*c.maxEntries] {
			delete(c.entries, kv.key)
		}
	}
	return nil
}

func (c *sharedCacheLogic) tentativeShortCircuit(tentative bool) bool {
	return tentative && c.maxEntries != nil && len(c.entries) < *c.maxEntries
}

// PersistentSearchCache is the YAML-file-backed SearchCache, guarded by a
// FileLock so multiple processes can share it safely. It replaces the
// original's shelve+pickle database with a typed, inspectable format (see
// SPEC_FULL.md §3).
type PersistentSearchCache struct {
	logic sharedCacheLogic
	lock  *filelock.FileLock
	path  string
}

// OpenPersistentSearchCache opens (creating if necessary) the database
// file at path.
func OpenPersistentSearchCache(path string, scan ScanFunc, mtime MtimeStore, maxAge *time.Duration, maxEntries *int) (*PersistentSearchCache, error) {
	lock, err := filelock.New(path+".lock", 0600)
	if err != nil {
		return nil, err
	}
	c := &PersistentSearchCache{
		logic: newSharedCacheLogic(scan, mtime, maxAge, maxEntries),
		lock:  lock,
		path:  path,
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *PersistentSearchCache) load() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	entries := make(map[string]record)
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return err
	}
	c.logic.entries = entries
	return nil
}

func (c *PersistentSearchCache) save() error {
	data, err := yaml.Marshal(c.logic.entries)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0600)
}

// Query holds the database's exclusive FileLock for the whole call: on a
// miss the scan runs with the lock still held, so concurrent queries from
// this or other processes wait until it finishes.
func (c *PersistentSearchCache) Query(f Filter) ([]FileInfo, error) {
	token, err := c.lock.Acquire(filelock.Exclusive)
	if err != nil {
		return nil, err
	}
	defer token.Release()

	if err := c.load(); err != nil {
		return nil, err
	}

	files, err := c.logic.queryLocked(f, func() {}, func() {})
	if err != nil {
		return nil, err
	}
	if err := c.save(); err != nil {
		return nil, err
	}
	return files, nil
}

func (c *PersistentSearchCache) Scrub(tentative bool) (bool, error) {
	if tentative {
		token, err := c.lock.Acquire(filelock.Shared)
		if err != nil {
			return false, err
		}
		err = c.load()
		short := err == nil && c.logic.tentativeShortCircuit(true)
		token.Release()
		if err != nil {
			return false, err
		}
		if short {
			return false, nil
		}
	}

	token, err := c.lock.Acquire(filelock.Exclusive)
	if err != nil {
		return false, err
	}
	defer token.Release()

	if err := c.load(); err != nil {
		return false, err
	}
	if err := c.logic.scrubLocked(func() (time.Time, error) {
		// A walk with a never-matching filter refreshes LATEST_MTIME.
		if _, err := c.logic.scan(alwaysFalse{}); err != nil {
			return time.Time{}, err
		}
		return c.logic.latestMtime(), nil
	}); err != nil {
		return false, err
	}
	if err := c.save(); err != nil {
		return false, err
	}
	return true, nil
}

func (c *PersistentSearchCache) Len() (int, error) {
	token, err := c.lock.Acquire(filelock.Shared)
	if err != nil {
		return 0, err
	}
	defer token.Release()
	if err := c.load(); err != nil {
		return 0, err
	}
	return len(c.logic.entries), nil
}

func (c *PersistentSearchCache) Close() error {
	return nil
}

// TemporarySearchCache is the in-memory SearchCache variant, guarded by a
// counting semaphore of weight 1 (a mutex expressed through
// golang.org/x/sync/semaphore, matching the original's
// threading.Semaphore-guarded in-memory cache) instead of a FileLock.
type TemporarySearchCache struct {
	logic sharedCacheLogic
	sem   *semaphore.Weighted
}

// NewTemporarySearchCache builds an in-process-only SearchCache.
func NewTemporarySearchCache(scan ScanFunc, mtime MtimeStore, maxAge *time.Duration, maxEntries *int) *TemporarySearchCache {
	return &TemporarySearchCache{
		logic: newSharedCacheLogic(scan, mtime, maxAge, maxEntries),
		sem:   semaphore.NewWeighted(1),
	}
}

func (c *TemporarySearchCache) Query(f Filter) ([]FileInfo, error) {
	ctx := context.Background()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	return c.logic.queryLocked(f,
		func() { c.sem.Release(1) },
		func() { c.sem.Acquire(ctx, 1) },
	)
}

func (c *TemporarySearchCache) Scrub(tentative bool) (bool, error) {
	ctx := context.Background()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer c.sem.Release(1)

	if tentative && c.logic.tentativeShortCircuit(true) {
		return false, nil
	}

	if err := c.logic.scrubLocked(func() (time.Time, error) {
		// A walk with a never-matching filter refreshes LATEST_MTIME.
		if _, err := c.logic.scan(alwaysFalse{}); err != nil {
			return time.Time{}, err
		}
		return c.logic.latestMtime(), nil
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (c *TemporarySearchCache) Len() (int, error) {
	ctx := context.Background()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer c.sem.Release(1)
	return len(c.logic.entries), nil
}

func (c *TemporarySearchCache) Close() error {
	return nil
}

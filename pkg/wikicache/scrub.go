package wikicache

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/takeshitakenji/wikiserv/pkg/cacheentry"
	"github.com/takeshitakenji/wikiserv/pkg/filelock"
	"github.com/takeshitakenji/wikiserv/pkg/relpath"
)

type scrubCandidate struct {
	path    string // absolute path under c.root
	relPath string
	mtime   time.Time
}

// Scrub walks the cache tree, removing entries whose source no longer
// exists or that have aged out, then (if MaxEntries is set) evicting the
// oldest surviving entries until fewer than MaxEntries remain. tentative
// short-circuits under the same strict-less-than rule the core spec requires for the
// schedule-before-insert case, returning false without taking the
// exclusive pool-lock when there is obviously no work to do.
func (c *Cache) Scrub(tentative bool) (bool, error) {
	if tentative && c.options.MaxEntries != nil {
		token, err := c.poolLock.Acquire(filelock.Shared)
		if err != nil {
			return false, err
		}
		known := c.KnownEntryCount()
		token.Release()
		if known < *c.options.MaxEntries {
			return false, nil
		}
	}

	token, err := c.poolLock.Acquire(filelock.Exclusive)
	if err != nil {
		return false, err
	}
	defer token.Release()

	var kept []scrubCandidate

	err = filepath.Walk(c.root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == c.root {
			return nil
		}
		rel, relErr := filepath.Rel(c.root, path)
		if relErr != nil {
			return relErr
		}
		if relpath.HasHiddenComponent(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}

		keep, mtime, err := c.scrubEvaluate(rel)
		if err != nil {
			return err
		}
		if keep {
			kept = append(kept, scrubCandidate{path: path, relPath: rel, mtime: mtime})
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if c.options.MaxEntries != nil && len(kept) >= *c.options.MaxEntries {
		kept = c.evictOldest(kept, *c.options.MaxEntries)
	}

	removeEmptyDirs(c.root)

	c.setKnownEntryCount(len(kept))
	return true, nil
}

// scrubEvaluate decides whether the cache file at rel should be kept,
// taking its exclusive lock for the duration of the check so a concurrent
// Lookup cannot observe a half-evaluated entry.
func (c *Cache) scrubEvaluate(rel string) (keep bool, mtime time.Time, err error) {
	full := filepath.Join(c.root, rel)
	handle, err := os.OpenFile(full, os.O_RDWR, filePerm)
	if err != nil {
		if os.IsNotExist(err) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, err
	}

	entry, err := cacheentry.Open(handle)
	if err != nil {
		handle.Close()
		return false, time.Time{}, err
	}
	defer entry.Close()

	sourcePath := filepath.Join(c.sourceRoot, rel)
	if _, statErr := os.Stat(sourcePath); os.IsNotExist(statErr) {
		os.Remove(full)
		return false, time.Time{}, nil
	} else if statErr != nil {
		return false, time.Time{}, statErr
	}

	info, err := handle.Stat()
	if err != nil {
		return false, time.Time{}, err
	}
	fileMtime := info.ModTime()

	if c.options.MaxAge != nil {
		cutoff := time.Now().Add(-*c.options.MaxAge)
		if fileMtime.Before(cutoff) {
			os.Remove(full)
			return false, time.Time{}, nil
		}
	}

	return true, fileMtime, nil
}

// evictOldest sorts kept by mtime ascending and removes the oldest entries
// until fewer than maxEntries remain, re-checking each file's mtime
// immediately before removing it in case a concurrent write touched it
// since the initial walk — if so, the entry is pushed to the tail instead
// of removed, matching the core spec's re-verification step.
func (c *Cache) evictOldest(kept []scrubCandidate, maxEntries int) []scrubCandidate {
	sort.Slice(kept, func(i, j int) bool { return kept[i].mtime.Before(kept[j].mtime) })

	queue := append([]scrubCandidate(nil), kept...)
	survivors := make([]scrubCandidate, 0, len(kept))

	for len(queue) > 0 && len(queue)+len(survivors) >= maxEntries {
		head := queue[0]
		queue = queue[1:]

		info, err := os.Stat(head.path)
		if err != nil {
			continue // already gone
		}
		if !info.ModTime().Equal(head.mtime) {
			head.mtime = info.ModTime()
			queue = append(queue, head)
			continue
		}
		os.Remove(head.path)
	}

	survivors = append(survivors, queue...)
	return survivors
}

// removeEmptyDirs removes now-empty subdirectories of root, deepest first.
func removeEmptyDirs(root string) {
	var dirs []string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || path == root {
			return nil
		}
		if info.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		os.Remove(dir) // no-op (ENOTEMPTY) if not actually empty
	}
}

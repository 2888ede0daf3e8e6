package search

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/takeshitakenji/wikiserv/pkg/relpath"
)

// FileInfo is the metadata recorded for one matching file, produced only
// while its source file is shared-locked (its Modified/Size are therefore
// a consistent snapshot, not independently-racy stat calls).
type FileInfo struct {
	RelPath  string    `yaml:"rel_path"`
	Modified time.Time `yaml:"modified"`
	Size     int64     `yaml:"size"`
}

// MtimeStore is the process-wide "LATEST_MTIME" variable: the newest
// modification time observed anywhere under the source tree, used by
// SearchCache as its sole invalidation signal. Search updates it as a side
// effect of every walk; SearchCache only ever reads it.
type MtimeStore interface {
	Get() time.Time
	Set(time.Time)
}

// Search walks one source tree, applying a Filter and optionally
// consulting a SearchCache to avoid repeating the walk.
type Search struct {
	sourceRoot  string
	mtime       MtimeStore
	cache       SearchCache // nil disables caching
	ignoreGlobs []string
}

// NewSearch builds a Search rooted at sourceRoot, recording the latest
// mtime it observes into mtime and optionally consulting cache. ignoreGlobs
// are doublestar patterns (matched against the slash-separated relative
// path) for files that should never appear in results, e.g. "**/*.tmp".
func NewSearch(sourceRoot string, mtime MtimeStore, cache SearchCache, ignoreGlobs []string) *Search {
	return &Search{sourceRoot: sourceRoot, mtime: mtime, cache: cache, ignoreGlobs: ignoreGlobs}
}

// ignored reports whether rel (OS-native, already relative to sourceRoot)
// matches any configured ignore glob.
func (s *Search) ignored(rel string) bool {
	if len(s.ignoreGlobs) == 0 {
		return false
	}
	slashed := filepath.ToSlash(rel)
	for _, pattern := range s.ignoreGlobs {
		if ok, err := doublestar.Match(pattern, slashed); err == nil && ok {
			return true
		}
	}
	return false
}

// SetCache attaches (or replaces) the SearchCache this Search consults from
// FindByPath. It exists separately from NewSearch because a SearchCache's
// constructor needs a scan callback that is exactly s.FilterFiles, creating
// an unavoidable construction-order dependency between the two.
func (s *Search) SetCache(cache SearchCache) {
	s.cache = cache
}

// FilterFiles walks sourceRoot (skipping dot-prefixed components), applies
// f to every regular file, and returns the matches sorted by relative
// path. As a side effect it tracks the maximum mtime observed and stores
// it via the configured MtimeStore.
func (s *Search) FilterFiles(f Filter) ([]FileInfo, error) {
	var matches []FileInfo
	var latest time.Time

	err := filepath.Walk(s.sourceRoot, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == s.sourceRoot {
			return nil
		}
		rel, err := filepath.Rel(s.sourceRoot, path)
		if err != nil {
			return err
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
		if !info.Mode().IsRegular() {
			return nil
		}
		if s.ignored(rel) {
			return nil
		}

		mtime := info.ModTime().UTC()
		if mtime.After(latest) {
			latest = mtime
		}

		ok, err := f.Match(s.sourceRoot, rel)
		if err != nil {
			return err
		}
		if ok {
			matches = append(matches, FileInfo{RelPath: rel, Modified: mtime, Size: info.Size()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.mtime != nil && latest.After(s.mtime.Get()) {
		s.mtime.Set(latest)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].RelPath < matches[j].RelPath })
	return matches, nil
}

// GetLatestMtime returns the tracked LATEST_MTIME value, optionally forcing
// a fresh full walk first. SearchCache.Scrub does not call it; it forces the
// same walk through its scan callback.
func (s *Search) GetLatestMtime(force bool) (time.Time, error) {
	if force {
		if _, err := s.FilterFiles(alwaysFalse{}); err != nil {
			return time.Time{}, err
		}
	}
	if s.mtime == nil {
		return time.Time{}, nil
	}
	return s.mtime.Get(), nil
}

type alwaysFalse struct{}

func (alwaysFalse) String() string                     { return "" }
func (alwaysFalse) Match(string, string) (bool, error) { return false, nil }

// FindByPath returns the slice of FileInfo matching f within [start, end),
// plus whether there are earlier and later results beyond that window. If
// f is nil or no SearchCache is attached, it scans directly; otherwise it
// consults the cache.
func (s *Search) FindByPath(start, end int, f Filter) ([]FileInfo, bool, bool, error) {
	var all []FileInfo
	var err error

	if f == nil {
		all, err = s.FilterFiles(alwaysTrue{})
	} else if s.cache == nil {
		all, err = s.FilterFiles(f)
	} else {
		all, err = s.cache.Query(f)
	}
	if err != nil {
		return nil, false, false, err
	}

	if start < 0 {
		start = 0
	}
	if end > len(all) {
		end = len(all)
	}
	if start > end {
		start = end
	}

	hasPrevious := start > 0
	hasMore := end < len(all)
	return append([]FileInfo(nil), all[start:end]...), hasPrevious, hasMore, nil
}

type alwaysTrue struct{}

func (alwaysTrue) String() string                    { return "" }
func (alwaysTrue) Match(string, string) (bool, error) { return true, nil }

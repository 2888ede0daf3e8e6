package search

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memMtime is a trivial in-process MtimeStore for tests.
type memMtime struct {
	mu sync.Mutex
	t  time.Time
}

func (m *memMtime) Get() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *memMtime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = t
}

func relPaths(infos []FileInfo) []string {
	out := make([]string, len(infos))
	for i, fi := range infos {
		out[i] = fi.RelPath
	}
	return out
}

func TestFilterFilesSortsAndTracksLatestMtime(t *testing.T) {
	root := t.TempDir()
	writeFixtureFile(t, root, "foo", "x")
	writeFixtureFile(t, root, "bar", "x")
	writeFixtureFile(t, root, "baz", "x")

	mtime := &memMtime{}
	s := NewSearch(root, mtime, nil, nil)

	matches, err := s.FilterFiles(NewPathFilter("a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"bar", "baz"}, relPaths(matches))
	assert.False(t, mtime.Get().IsZero())
}

func TestFilterFilesSkipsHiddenComponents(t *testing.T) {
	root := t.TempDir()
	writeFixtureFile(t, root, "visible.txt", "a")
	writeFixtureFile(t, root, ".hidden/file.txt", "a")

	s := NewSearch(root, &memMtime{}, nil, nil)
	matches, err := s.FilterFiles(NewPathFilter("file"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFilterFilesHonorsIgnoreGlobs(t *testing.T) {
	root := t.TempDir()
	writeFixtureFile(t, root, "keep.txt", "a")
	writeFixtureFile(t, root, "drafts/skip.tmp", "a")

	s := NewSearch(root, &memMtime{}, nil, []string{"**/*.tmp"})

	all, _, _, err := s.FindByPath(0, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep.txt"}, relPaths(all))
}

func TestFindByPathPagination(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"1.txt", "2.txt", "3.txt", "4.txt", "5.txt"} {
		writeFixtureFile(t, root, name, "a")
	}

	s := NewSearch(root, &memMtime{}, nil, nil)
	page, hasPrev, hasMore, err := s.FindByPath(1, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"2.txt", "3.txt"}, relPaths(page))
	assert.True(t, hasPrev)
	assert.True(t, hasMore)
}

// S6 — SearchCache invalidation: results stay identical across repeated
// queries while the tracked mtime doesn't advance, and the cache revalidates
// (re-scanning) once it does.
func TestTemporarySearchCacheInvalidatesOnMtimeChange(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"foo", "bar", "baz", "x/y/z", "x/y/a", "x/a/z", "1/4/6/12"} {
		writeFixtureFile(t, root, name, "a")
	}

	mtime := &memMtime{}
	s := NewSearch(root, mtime, nil, nil)

	var scanCount int
	scan := func(f Filter) ([]FileInfo, error) {
		scanCount++
		return s.FilterFiles(f)
	}
	cache := NewTemporarySearchCache(scan, mtime, nil, nil)
	s.SetCache(cache)

	want := []string{"bar", "baz", "x/a/z", "x/y/a"}

	first, err := cache.Query(NewPathFilter("a"))
	require.NoError(t, err)
	assert.Equal(t, want, relPaths(first))
	assert.Equal(t, 1, scanCount)

	second, err := cache.Query(NewPathFilter("a"))
	require.NoError(t, err)
	assert.Equal(t, want, relPaths(second))
	assert.Equal(t, 1, scanCount, "unchanged mtime must be served from cache")

	// Advance the tracked mtime past the cached entry's timestamp.
	time.Sleep(5 * time.Millisecond)
	mtime.Set(time.Now().Add(time.Hour))

	third, err := cache.Query(NewPathFilter("a"))
	require.NoError(t, err)
	assert.Equal(t, want, relPaths(third))
	assert.Equal(t, 2, scanCount, "advanced mtime must force a re-scan")
}

func TestPersistentSearchCachePersistsAcrossReopen(t *testing.T) {
	root := t.TempDir()
	writeFixtureFile(t, root, "alpha.txt", "a")

	mtime := &memMtime{}
	s := NewSearch(root, mtime, nil, nil)
	scan := s.FilterFiles

	dbPath := t.TempDir() + "/searchcache.yaml"
	cache, err := OpenPersistentSearchCache(dbPath, scan, mtime, nil, nil)
	require.NoError(t, err)

	_, err = cache.Query(NewPathFilter("alpha"))
	require.NoError(t, err)

	n, err := cache.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reopened, err := OpenPersistentSearchCache(dbPath, scan, mtime, nil, nil)
	require.NoError(t, err)
	n2, err := reopened.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n2)
}

func TestSearchCacheScrubEvictsStaleEntries(t *testing.T) {
	root := t.TempDir()
	writeFixtureFile(t, root, "alpha.txt", "a")

	mtime := &memMtime{}
	s := NewSearch(root, mtime, nil, nil)
	cache := NewTemporarySearchCache(s.FilterFiles, mtime, nil, nil)
	s.SetCache(cache)

	_, err := cache.Query(NewPathFilter("alpha"))
	require.NoError(t, err)
	n, err := cache.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mtime.Set(time.Now().Add(time.Hour))
	ran, err := cache.Scrub(false)
	require.NoError(t, err)
	assert.True(t, ran)

	n2, err := cache.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n2, "an entry timestamped before the latest mtime must be scrubbed")
}

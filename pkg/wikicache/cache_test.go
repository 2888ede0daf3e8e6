package wikicache

import (
	"bytes"
	"crypto/sha256"
	"hash"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takeshitakenji/wikiserv/pkg/logging"
	"github.com/takeshitakenji/wikiserv/pkg/relpath"
	"github.com/takeshitakenji/wikiserv/pkg/source"
)

func sha256Factory() hash.Hash { return sha256.New() }

func discardLogger() *logging.Logger {
	return logging.NewRoot(logging.LevelDisabled)
}

func writeSource(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0700))
	require.NoError(t, os.WriteFile(full, []byte(content), 0600))
}

func readEntryPayload(t *testing.T, entry io.Reader) string {
	t.Helper()
	data, err := ioutil.ReadAll(entry)
	require.NoError(t, err)
	return string(data)
}

// touchTransformer prepends "TOUCHED\n" and counts invocations.
func touchTransformer(count *int32) Transformer {
	return func(src *source.Source, dst io.Writer) error {
		atomic.AddInt32(count, 1)
		if _, err := io.WriteString(dst, "TOUCHED\n"); err != nil {
			return err
		}
		_, err := io.Copy(dst, src)
		return err
	}
}

// S1 — first miss, then hit.
func TestLookupMissThenHit(t *testing.T) {
	sourceRoot := t.TempDir()
	cacheRoot := t.TempDir()
	writeSource(t, sourceRoot, "test.txt", "foobar")

	var invocations int32
	c, err := New(cacheRoot, sourceRoot, sha256Factory, touchTransformer(&invocations), Options{}, discardLogger())
	require.NoError(t, err)

	entry, auto, err := c.Lookup("test.txt")
	require.NoError(t, err)
	require.Nil(t, auto)
	require.NotNil(t, entry)
	assert.Equal(t, "TOUCHED\nfoobar", readEntryPayload(t, entry))
	require.NoError(t, entry.Close())
	assert.EqualValues(t, 1, invocations)

	entry2, auto2, err := c.Lookup("test.txt")
	require.NoError(t, err)
	require.Nil(t, auto2)
	assert.Equal(t, "TOUCHED\nfoobar", readEntryPayload(t, entry2))
	require.NoError(t, entry2.Close())
	assert.EqualValues(t, 1, invocations, "second lookup must be a cache hit")
}

// S2 — source updated.
func TestLookupRebuildsOnSourceChange(t *testing.T) {
	sourceRoot := t.TempDir()
	cacheRoot := t.TempDir()
	writeSource(t, sourceRoot, "test.txt", "foobar")

	var invocations int32
	c, err := New(cacheRoot, sourceRoot, sha256Factory, touchTransformer(&invocations), Options{}, discardLogger())
	require.NoError(t, err)

	entry, _, err := c.Lookup("test.txt")
	require.NoError(t, err)
	entry.Close()
	assert.EqualValues(t, 1, invocations)

	// Force a detectable mtime change even on fast filesystems.
	time.Sleep(10 * time.Millisecond)
	writeSource(t, sourceRoot, "test.txt", "foobarfoobar")

	entry2, _, err := c.Lookup("test.txt")
	require.NoError(t, err)
	defer entry2.Close()
	assert.Equal(t, "TOUCHED\nfoobarfoobar", readEntryPayload(t, entry2))
	assert.EqualValues(t, 2, invocations)
}

// S4-style TTL eviction, scaled down (TTL=50ms).
func TestScrubEvictsExpiredEntries(t *testing.T) {
	sourceRoot := t.TempDir()
	cacheRoot := t.TempDir()
	writeSource(t, sourceRoot, "test.txt", "foobar")

	var invocations int32
	maxAge := 50 * time.Millisecond
	c, err := New(cacheRoot, sourceRoot, sha256Factory, touchTransformer(&invocations), Options{MaxAge: &maxAge}, discardLogger())
	require.NoError(t, err)

	entry, _, err := c.Lookup("test.txt")
	require.NoError(t, err)
	entry.Close()
	assert.EqualValues(t, 1, invocations)

	time.Sleep(150 * time.Millisecond)
	ran, err := c.Scrub(false)
	require.NoError(t, err)
	assert.True(t, ran)

	entry2, _, err := c.Lookup("test.txt")
	require.NoError(t, err)
	entry2.Close()
	assert.EqualValues(t, 2, invocations, "expired entry must be rebuilt after scrub")
}

// S5 — subdirectory.
func TestLookupSubdirectoryMirrorsCacheTree(t *testing.T) {
	sourceRoot := t.TempDir()
	cacheRoot := t.TempDir()
	writeSource(t, sourceRoot, "parent/test.txt", "foobar")

	var invocations int32
	c, err := New(cacheRoot, sourceRoot, sha256Factory, touchTransformer(&invocations), Options{}, discardLogger())
	require.NoError(t, err)

	entry, _, err := c.Lookup("parent/test.txt")
	require.NoError(t, err)
	defer entry.Close()
	assert.Equal(t, "TOUCHED\nfoobar", readEntryPayload(t, entry))

	cachedFile := filepath.Join(cacheRoot, "parent", "test.txt")
	_, statErr := os.Stat(cachedFile)
	assert.NoError(t, statErr)

	rootEntries, err := os.ReadDir(cacheRoot)
	require.NoError(t, err)
	for _, e := range rootEntries {
		if relpath.HasHiddenComponent(e.Name()) {
			assert.Equal(t, ".lock", e.Name())
		}
	}
}

// NoCache passthrough: exactly one tombstone entry, transformer invoked
// again on every subsequent lookup.
func TestLookupNoCacheProducesTombstoneAndAutoProcess(t *testing.T) {
	sourceRoot := t.TempDir()
	cacheRoot := t.TempDir()
	writeSource(t, sourceRoot, "binary.dat", "foobar")

	var invocations int32
	transform := func(src *source.Source, dst io.Writer) error {
		atomic.AddInt32(&invocations, 1)
		io.WriteString(dst, "uncached")
		return ErrNoCache
	}
	c, err := New(cacheRoot, sourceRoot, sha256Factory, transform, Options{}, discardLogger())
	require.NoError(t, err)

	entry, auto, err := c.Lookup("binary.dat")
	require.NoError(t, err)
	assert.Nil(t, entry)
	require.NotNil(t, auto)
	assert.False(t, auto.Header.Cached)

	var buf bytes.Buffer
	require.NoError(t, auto.Run(&buf))
	assert.Equal(t, "uncached", buf.String())
	assert.EqualValues(t, 1, invocations)

	entry2, auto2, err := c.Lookup("binary.dat")
	require.NoError(t, err)
	assert.Nil(t, entry2)
	require.NotNil(t, auto2)
	var buf2 bytes.Buffer
	require.NoError(t, auto2.Run(&buf2))
	assert.EqualValues(t, 2, invocations, "a tombstone must run the transformer on every lookup")

	cachedFile := filepath.Join(cacheRoot, "binary.dat")
	info, statErr := os.Stat(cachedFile)
	require.NoError(t, statErr)
	assert.True(t, info.Size() > 0, "exactly one tombstone file must exist at the cache path")
}

// Path safety: dot-prefixed components are rejected before any I/O.
func TestLookupRejectsHiddenPathComponents(t *testing.T) {
	sourceRoot := t.TempDir()
	cacheRoot := t.TempDir()

	c, err := New(cacheRoot, sourceRoot, sha256Factory, func(*source.Source, io.Writer) error {
		t.Fatal("transformer must not run for a rejected path")
		return nil
	}, Options{}, discardLogger())
	require.NoError(t, err)

	_, _, err = c.Lookup(".git/config")
	assert.ErrorIs(t, err, relpath.ErrInvalid)
}

func TestLookupMissingSourceReturnsNotFound(t *testing.T) {
	sourceRoot := t.TempDir()
	cacheRoot := t.TempDir()

	c, err := New(cacheRoot, sourceRoot, sha256Factory, touchTransformer(new(int32)), Options{}, discardLogger())
	require.NoError(t, err)

	_, _, err = c.Lookup("missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Concurrency: K parallel lookups of the same stale key invoke the
// transformer exactly once and return identical bytes. This exercises the
// per-entry lock taken by cacheentry.Open, not a dedicated singleflight
// layer.
func TestLookupConcurrentCallsAreSerialized(t *testing.T) {
	sourceRoot := t.TempDir()
	cacheRoot := t.TempDir()
	writeSource(t, sourceRoot, "test.txt", "foobar")

	var invocations int32
	c, err := New(cacheRoot, sourceRoot, sha256Factory, touchTransformer(&invocations), Options{}, discardLogger())
	require.NoError(t, err)

	const workers = 8
	results := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			entry, _, err := c.Lookup("test.txt")
			require.NoError(t, err)
			defer entry.Close()
			results[idx] = readEntryPayload(t, entry)
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "TOUCHED\nfoobar", r)
	}
	assert.EqualValues(t, 1, invocations)
}

// LRU bound (S3-style, scaled down): after more than max_entries lookups of
// distinct paths, scrub leaves at most max_entries, evicting the oldest.
func TestScrubEnforcesMaxEntries(t *testing.T) {
	sourceRoot := t.TempDir()
	cacheRoot := t.TempDir()

	maxEntries := 3
	var invocations int32
	c, err := New(cacheRoot, sourceRoot, sha256Factory, touchTransformer(&invocations), Options{MaxEntries: &maxEntries}, discardLogger())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		name := string(rune('1'+i)) + ".txt"
		writeSource(t, sourceRoot, name, "foobar")
		entry, _, err := c.Lookup(name)
		require.NoError(t, err)
		entry.Close()
		time.Sleep(20 * time.Millisecond)
	}

	ran, err := c.Scrub(false)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.LessOrEqual(t, c.KnownEntryCount(), maxEntries)

	_, err = os.Stat(filepath.Join(cacheRoot, "1.txt"))
	assert.True(t, os.IsNotExist(err), "the oldest entry must be evicted")

	_, err = os.Stat(filepath.Join(cacheRoot, "5.txt"))
	assert.NoError(t, err, "the newest entry must survive")
}

package server

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takeshitakenji/wikiserv/pkg/config"
	"github.com/takeshitakenji/wikiserv/pkg/logging"
	"github.com/takeshitakenji/wikiserv/pkg/search"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	sourceDir := t.TempDir()
	cacheDir := t.TempDir()

	doc := `<configuration>
  <cache>
    <cache-dir>` + cacheDir + `</cache-dir>
    <source-dir>` + sourceDir + `</source-dir>
    <checksum-function>sha256</checksum-function>
  </cache>
  <processors>
    <processor>raw</processor>
  </processors>
  <server>
    <worker-threads>2</worker-threads>
  </server>
</configuration>`

	cfg, err := config.Load(strings.NewReader(doc))
	require.NoError(t, err)

	s, err := New(cfg, logging.NewRoot(logging.LevelDisabled))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s, sourceDir
}

func TestServerLookupServesRawContent(t *testing.T) {
	s, sourceDir := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "hello.txt"), []byte("hello world"), 0600))

	entry, auto, err := s.Lookup("hello.txt")
	require.NoError(t, err)
	assert.Nil(t, auto)
	require.NotNil(t, entry)
	defer entry.Close()

	data, err := ioutil.ReadAll(entry)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello world")
}

func TestServerLookupMissingFile(t *testing.T) {
	s, _ := newTestServer(t)

	_, _, err := s.Lookup("missing.txt")
	assert.Error(t, err)
}

func TestServerSearchFindsMatchingFiles(t *testing.T) {
	s, sourceDir := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "apple.txt"), []byte("x"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "banana.txt"), []byte("x"), 0600))

	results, _, _, err := s.Search(search.NewPathFilter("apple"), 0, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "apple.txt", results[0].RelPath)
}

func TestServerScrubAllRunsWithoutError(t *testing.T) {
	s, sourceDir := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "a.txt"), []byte("x"), 0600))

	_, _, err := s.Lookup("a.txt")
	require.NoError(t, err)

	assert.NoError(t, s.ScrubAll())
}

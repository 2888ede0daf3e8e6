package transform

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takeshitakenji/wikiserv/pkg/filelock"
	"github.com/takeshitakenji/wikiserv/pkg/source"
	"github.com/takeshitakenji/wikiserv/pkg/wikicache"
)

func openFixture(t *testing.T, name, content string) *source.Source {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0600))
	src, err := source.Open(root, name, filelock.Shared)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	return src
}

func TestRawCopiesTextWithHeaderLine(t *testing.T) {
	// ".json" resolves to a fixed MIME type with no embedded charset
	// parameter (unlike ".txt", whose system mime.types entry varies by
	// platform), so the expected header line below is deterministic.
	src := openFixture(t, "doc.json", "hello world")

	var buf bytes.Buffer
	err := Raw(src, &buf)
	require.NoError(t, err)
	assert.Equal(t, "Content-Type: application/json; charset=utf-8\nhello world", buf.String())
}

func TestRawSignalsNoCacheForUndetectableEncoding(t *testing.T) {
	// No byte-order mark up front, and not valid UTF-8.
	binary := string([]byte{0x00, 0x01, 0x02, 0xfc, 0xfb, 0xfa, 0xff, 0xfe, 0x00, 0x00})
	src := openFixture(t, "blob.bin", binary)

	var buf bytes.Buffer
	err := Raw(src, &buf)
	assert.ErrorIs(t, err, wikicache.ErrNoCache)
	assert.Equal(t, binary, buf.String())
}

func TestMarkdownRendersHeadersAndLists(t *testing.T) {
	src := openFixture(t, "doc.md", "# Title\n\nSome text\n\n- one\n- two\n")

	var buf bytes.Buffer
	require.NoError(t, Markdown(src, &buf))

	out := buf.String()
	assert.Contains(t, out, "<h1>Title</h1>")
	assert.Contains(t, out, "<p>Some text</p>")
	assert.Contains(t, out, "<ul>")
	assert.Contains(t, out, "<li>one</li>")
	assert.Contains(t, out, "<li>two</li>")
	assert.Contains(t, out, "</ul>")
}

func TestMarkdownEscapesHTML(t *testing.T) {
	src := openFixture(t, "doc.md", "<script>alert(1)</script>\n")

	var buf bytes.Buffer
	require.NoError(t, Markdown(src, &buf))
	assert.Contains(t, buf.String(), "&lt;script&gt;")
	assert.NotContains(t, buf.String(), "<script>alert")
}

func TestByNameFallsBackToRaw(t *testing.T) {
	assert.NotNil(t, ByName("markdown"))
	assert.NotNil(t, ByName("unknown-processor"))
}

func TestRegisterAddsProcessor(t *testing.T) {
	var called bool
	Register("custom-test-processor", func(src *source.Source, dst io.Writer) error {
		called = true
		return nil
	})
	t.Cleanup(func() { delete(registry, "custom-test-processor") })

	got := ByName("custom-test-processor")
	require.NotNil(t, got)
	require.NoError(t, got(openFixture(t, "x.txt", "x"), io.Discard))
	assert.True(t, called)
}

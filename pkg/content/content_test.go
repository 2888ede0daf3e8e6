package content

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectUsesExtensionWhenAvailable(t *testing.T) {
	info, head, err := Detect("page.html", strings.NewReader("<html><body>hi</body></html>"))
	require.NoError(t, err)
	assert.Contains(t, info.MIMEType, "html")
	assert.Equal(t, "utf-8", info.Encoding)
	assert.NotEmpty(t, head)
}

func TestDetectFallsBackToSniffingWithoutExtension(t *testing.T) {
	info, _, err := Detect("noext", strings.NewReader("plain ascii text"))
	require.NoError(t, err)
	assert.NotEmpty(t, info.MIMEType)
	assert.Equal(t, "utf-8", info.Encoding)
}

func TestDetectHandlesShortInput(t *testing.T) {
	info, head, err := Detect("short.txt", strings.NewReader("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(head))
	assert.Equal(t, "utf-8", info.Encoding)
}

func TestDetectHandlesEmptyInput(t *testing.T) {
	info, head, err := Detect("empty.txt", strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, head)
	assert.Equal(t, "utf-8", info.Encoding)
}

func TestDecoderRoundTripsUTF8(t *testing.T) {
	dec, err := Decoder("utf-8")
	require.NoError(t, err)
	out, err := dec.Bytes([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestDecoderRejectsUnknownEncoding(t *testing.T) {
	_, err := Decoder("not-a-real-encoding")
	assert.Error(t, err)
}

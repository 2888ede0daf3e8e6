package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetKnownAlgorithms(t *testing.T) {
	for _, name := range []string{"adler32", "crc32", "md5", "sha1", "sha256", "sha512", "blake2b-256"} {
		factory, ok := Get(name)
		require.True(t, ok, "expected %s to be registered", name)
		h := factory()
		require.NotNil(t, h)
		h.Write([]byte("hello"))
		assert.NotEmpty(t, h.Sum(nil))
	}
}

func TestGetUnknownAlgorithm(t *testing.T) {
	_, ok := Get("does-not-exist")
	assert.False(t, ok)
}

func TestAvailableIsSortedAndComplete(t *testing.T) {
	names := Available()
	assert.Contains(t, names, "sha256")
	for i := 1; i < len(names); i++ {
		assert.LessOrEqual(t, names[i-1], names[i])
	}
}

func TestFactoryProducesIndependentHashers(t *testing.T) {
	factory, ok := Get("sha256")
	require.True(t, ok)

	a := factory()
	b := factory()
	a.Write([]byte("one"))
	b.Write([]byte("two"))
	assert.NotEqual(t, a.Sum(nil), b.Sum(nil))
}

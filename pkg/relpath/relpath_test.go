package relpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	cleaned, err := Validate("a/b/c.txt")
	require.NoError(t, err)
	assert.Contains(t, cleaned, "c.txt")
}

func TestValidateRejectsHiddenComponent(t *testing.T) {
	_, err := Validate(".git/config")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateRejectsTraversal(t *testing.T) {
	_, err := Validate("../outside")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateRejectsNestedTraversal(t *testing.T) {
	_, err := Validate("a/b/../../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestHasHiddenComponent(t *testing.T) {
	assert.True(t, HasHiddenComponent(".hidden/file.txt"))
	assert.True(t, HasHiddenComponent("dir/.hidden"))
	assert.False(t, HasHiddenComponent("dir/file.txt"))
}

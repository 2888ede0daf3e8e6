// Package relpath implements the path-safety rule shared by every component
// that accepts a source-tree-relative path from an untrusted caller: no
// path component may begin with ".", which rules out both hidden files and
// directory traversal ("..").
package relpath

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalid is returned by Validate when path contains a dot-prefixed
// component.
var ErrInvalid = errors.New("path entries cannot start with \".\"")

// Validate normalizes path and rejects it if any component begins with ".".
// It returns the normalized, OS-native form of path.
func Validate(path string) (string, error) {
	normalized := filepath.Clean(path)
	for _, part := range strings.Split(normalized, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") {
			return "", ErrInvalid
		}
	}
	return normalized, nil
}

// HasHiddenComponent reports whether any component of path begins with ".".
// Used by directory walks to skip dot-prefixed files and descend only into
// non-dot-prefixed directories.
func HasHiddenComponent(path string) bool {
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

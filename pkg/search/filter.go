// Package search implements the source-tree scanner and filter algebra
// ("C9 Search/Filter") and the filter-result cache ("C8 SearchCache") that
// sits in front of it. Grounded on takeshitakenji/wikiserv's search.py.
package search

import (
	"bufio"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/takeshitakenji/wikiserv/pkg/content"
	"github.com/takeshitakenji/wikiserv/pkg/filelock"
	"github.com/takeshitakenji/wikiserv/pkg/source"
)

// ErrNestedCompound is returned by NewCompoundFilter when asked to nest a
// CompoundFilter inside another one.
var ErrNestedCompound = errors.New("a CompoundFilter cannot contain another CompoundFilter")

// Filter is a predicate over one file under a source tree, with a
// canonical string form used as a cache key (SearchCache) and for
// equality/sorting.
type Filter interface {
	String() string
	// Match reports whether the file at relPath (rooted at sourceRoot)
	// satisfies this filter.
	Match(sourceRoot, relPath string) (bool, error)
}

func scrubTerms(raw string) []string {
	fields := strings.Fields(raw)
	seen := make(map[string]struct{}, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.ReplaceAll(f, "/", string(filepath.Separator)))
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	sort.Strings(terms)
	return terms
}

// PathFilter matches any file whose lower-cased relative path contains one
// of its terms as a substring.
type PathFilter struct {
	terms []string
}

// NewPathFilter parses raw (whitespace-separated) into a canonicalized,
// deduplicated, sorted term list, translating "/" to the host path
// separator.
func NewPathFilter(raw string) *PathFilter {
	return &PathFilter{terms: scrubTerms(raw)}
}

func (f *PathFilter) String() string {
	return "path=" + strings.Join(f.terms, "\t")
}

func (f *PathFilter) Match(sourceRoot, relPath string) (bool, error) {
	lower := strings.ToLower(relPath)
	for _, term := range f.terms {
		if strings.Contains(lower, term) {
			return true, nil
		}
	}
	return false, nil
}

// ContentFilter matches a file whose text content (after MIME/encoding
// detection) contains every one of its terms, each on some line.
type ContentFilter struct {
	terms []string
}

// NewContentFilter parses raw the same way NewPathFilter does.
func NewContentFilter(raw string) *ContentFilter {
	return &ContentFilter{terms: scrubTerms(raw)}
}

func (f *ContentFilter) String() string {
	return "content=" + strings.Join(f.terms, "\t")
}

func (f *ContentFilter) Match(sourceRoot, relPath string) (bool, error) {
	src, err := source.Open(sourceRoot, relPath, filelock.Shared)
	if err != nil {
		return false, err
	}
	defer src.Close()

	info, _, err := content.Detect(src.Name(), src.Handle())
	if err != nil {
		return false, err
	}
	if info.Encoding == "" {
		return false, nil
	}
	if _, err := src.Handle().Seek(0, 0); err != nil {
		return false, err
	}

	var reader = bufio.NewScanner(src)
	if info.Encoding != "utf-8" && info.Encoding != "" {
		if dec, err := content.Decoder(info.Encoding); err == nil {
			reader = bufio.NewScanner(dec.Reader(src))
		}
	}

	remaining := make(map[string]struct{}, len(f.terms))
	for _, term := range f.terms {
		remaining[term] = struct{}{}
	}
	if len(remaining) == 0 {
		return true, nil
	}

	for reader.Scan() {
		line := strings.ToLower(reader.Text())
		for term := range remaining {
			if strings.Contains(line, term) {
				delete(remaining, term)
			}
		}
		if len(remaining) == 0 {
			return true, nil
		}
	}
	return false, reader.Err()
}

// CompoundFilter is the conjunction of its subfilters. It rejects nested
// CompoundFilters; its canonical key is the sorted, tab-joined keys of its
// subfilters.
type CompoundFilter struct {
	subfilters []Filter
	key        string
}

// NewCompoundFilter builds a CompoundFilter from subfilters, returning
// ErrNestedCompound if any of them is itself a *CompoundFilter.
func NewCompoundFilter(subfilters ...Filter) (*CompoundFilter, error) {
	keys := make([]string, 0, len(subfilters))
	for _, sf := range subfilters {
		if _, ok := sf.(*CompoundFilter); ok {
			return nil, ErrNestedCompound
		}
		keys = append(keys, sf.String())
	}
	sort.Strings(keys)
	return &CompoundFilter{subfilters: subfilters, key: strings.Join(keys, "\t")}, nil
}

func (f *CompoundFilter) String() string {
	return f.key
}

func (f *CompoundFilter) Match(sourceRoot, relPath string) (bool, error) {
	for _, sf := range f.subfilters {
		ok, err := sf.Match(sourceRoot, relPath)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

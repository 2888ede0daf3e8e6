// Package content implements MIME type and character encoding detection for
// raw source bytes, used both by the raw-passthrough transformer and by
// ContentFilter's term search. Grounded on takeshitakenji/wikiserv's
// processors.py (auto_header) and expressed with the teacher pack's HTML
// charset-sniffing library instead of Python's cgi/mimetypes modules.
package content

import (
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// SniffSize is the number of leading bytes read to determine MIME type and
// encoding, matching the original's 2 KiB read-ahead.
const SniffSize = 2048

// Info is the result of detecting a file's MIME type and character
// encoding from its name and leading bytes.
type Info struct {
	MIMEType string
	Encoding string // canonical IANA name, or "" if undetectable
}

// Detect reads up to SniffSize bytes from r (which must support Seek back
// to its original position; callers pass a fresh *source.Source or file
// positioned at offset 0) and returns its MIME type and, for text-like
// content, its detected character encoding.
func Detect(name string, r io.Reader) (Info, []byte, error) {
	head := make([]byte, SniffSize)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Info{}, nil, err
	}
	head = head[:n]

	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = http.DetectContentType(head)
	}

	info := Info{MIMEType: mimeType}

	enc, _, certain := charset.DetermineEncoding(head, mimeType)
	if certain && enc != nil {
		if name, err := htmlindex.Name(enc); err == nil {
			info.Encoding = name
		}
	}
	if !certain && info.Encoding == "" {
		// Fall back to a plain UTF-8 assumption only if the bytes are valid
		// UTF-8; otherwise leave Encoding empty so ContentFilter treats this
		// file as undetectable, matching processors.py's behavior of
		// returning None rather than guessing wrong.
		if utf8.Valid(head) {
			info.Encoding = "utf-8"
		}
	}

	return info, head, nil
}

// Decoder returns a decoder for the named canonical encoding, for callers
// (ContentFilter) that need to transcode detected non-UTF-8 content to
// UTF-8 before doing a term search.
func Decoder(name string) (*encoding.Decoder, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, err
	}
	return enc.NewDecoder(), nil
}

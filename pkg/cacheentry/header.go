// Package cacheentry implements the on-disk cache entry format: the fixed
// EntryHeader ("C3") stamped at the front of every cache file, and Entry
// ("C4"), the runtime object that owns one locked cache file handle.
//
// Grounded on takeshitakenji/wikiserv's cache.py (EntryHeader, Entry) and
// on mutagen's advisory-locking idiom for the file-handle lifecycle.
package cacheentry

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
)

// Magic is the 4-byte signature at the front of every cache entry.
var Magic = [4]byte{0xCA, 0xCE, 0x30, 0x31}

// Sentinel errors for header decoding, per the core spec's error design.
var (
	ErrInvalidFormat   = errors.New("cache entry header has an invalid magic number")
	ErrTruncated       = errors.New("cache entry header is truncated")
	ErrSizeExceeded    = errors.New("cache entry size exceeds the maximum representable size")
	ErrChecksumTooLong = errors.New("checksum is longer than the maximum representable length")
)

// fixedFieldsSize is the size, in bytes, of everything in the header after
// the magic and before the checksum bytes: size(4) + cached(1) + seconds(8)
// + microseconds(4) + checksum_len(2).
const fixedFieldsSize = 4 + 1 + 8 + 4 + 2

// MinSize is the smallest possible on-disk header: magic plus the fixed
// fields, with a zero-length checksum.
const MinSize = len(Magic) + fixedFieldsSize

// Header is the fixed binary header stamped at the front of every cache
// file. Two headers are equal only if every field matches and both have
// Cached set to true: Cached=false headers (tombstones) are never equal to
// one another, which is what forces a tombstone to be regenerated on every
// lookup rather than compared against a prior tombstone.
type Header struct {
	Size     uint32
	Cached   bool
	Modified time.Time
	Checksum []byte
}

// New constructs a Header, validating that size and checksum length fit the
// wire format. size is accepted as int64 because callers typically derive
// it from os.FileInfo.Size(), and must be checked for overflow before being
// narrowed to the on-disk u32 field.
func New(size int64, cached bool, modified time.Time, checksum []byte) (Header, error) {
	if size < 0 || size > 0xFFFFFFFF {
		return Header{}, ErrSizeExceeded
	}
	if len(checksum) > 0xFFFF {
		return Header{}, ErrChecksumTooLong
	}
	return Header{Size: uint32(size), Cached: cached, Modified: modified, Checksum: checksum}, nil
}

// Equal implements the header equality rule described above.
func (h Header) Equal(other Header) bool {
	if !h.Cached || !other.Cached {
		return false
	}
	return h.Size == other.Size &&
		h.Modified.Equal(other.Modified) &&
		bytes.Equal(h.Checksum, other.Checksum)
}

// datetimeToFixedPoint splits t into the (seconds, microseconds) pair
// stored on disk. Go's time.Time already represents time with a
// non-negative nanosecond component regardless of sign, so no separate
// negative-second correction is required for an exact round trip (see
// SPEC_FULL.md §5.2 for why the original's truncation-based correction doesn't
// apply here).
func datetimeToFixedPoint(t time.Time) (int64, uint32) {
	return t.Unix(), uint32(t.Nanosecond() / 1000)
}

func fixedPointToDatetime(seconds int64, microseconds uint32) time.Time {
	return time.Unix(seconds, int64(microseconds)*1000).UTC()
}

// WriteTo encodes the header to w, returning the number of bytes written.
func (h Header) WriteTo(w io.Writer) (int64, error) {
	if len(h.Checksum) > 0xFFFF {
		return 0, ErrChecksumTooLong
	}
	seconds, microseconds := datetimeToFixedPoint(h.Modified)

	buffer := new(bytes.Buffer)
	buffer.Grow(MinSize + len(h.Checksum))
	buffer.Write(Magic[:])
	binary.Write(buffer, binary.BigEndian, h.Size)
	if h.Cached {
		buffer.WriteByte(1)
	} else {
		buffer.WriteByte(0)
	}
	binary.Write(buffer, binary.BigEndian, seconds)
	binary.Write(buffer, binary.BigEndian, microseconds)
	binary.Write(buffer, binary.BigEndian, uint16(len(h.Checksum)))
	buffer.Write(h.Checksum)

	n, err := w.Write(buffer.Bytes())
	return int64(n), err
}

// ReadFrom decodes a Header from r.
func ReadFrom(r io.Reader) (Header, error) {
	fixed := make([]byte, MinSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return Header{}, ErrTruncated
		}
		return Header{}, err
	}
	if !bytes.Equal(fixed[:len(Magic)], Magic[:]) {
		return Header{}, ErrInvalidFormat
	}
	rest := bytes.NewReader(fixed[len(Magic):])

	var size uint32
	binary.Read(rest, binary.BigEndian, &size)
	var cachedByte uint8
	binary.Read(rest, binary.BigEndian, &cachedByte)
	var seconds int64
	binary.Read(rest, binary.BigEndian, &seconds)
	var microseconds uint32
	binary.Read(rest, binary.BigEndian, &microseconds)
	var checksumLen uint16
	binary.Read(rest, binary.BigEndian, &checksumLen)

	var checksum []byte
	if checksumLen > 0 {
		checksum = make([]byte, checksumLen)
		if _, err := io.ReadFull(r, checksum); err != nil {
			return Header{}, ErrTruncated
		}
	}

	return Header{
		Size:     size,
		Cached:   cachedByte != 0,
		Modified: fixedPointToDatetime(seconds, microseconds),
		Checksum: checksum,
	}, nil
}

// EncodedSize returns the total on-disk size of h, including its checksum.
func (h Header) EncodedSize() int {
	return MinSize + len(h.Checksum)
}

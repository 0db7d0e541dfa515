package ans104

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Bundle header wire form: a 32-byte little-endian item count followed
// by one 64-byte entry per item, each entry a 32-byte little-endian
// size and the 32-byte item id. Items follow concatenated in entry
// order.

const (
	bundleCountLength = 32
	bundleEntryLength = 64
)

// ErrMalformedBundleHeader is returned when header bytes cannot be
// parsed.
var ErrMalformedBundleHeader = errors.New("ans104: malformed bundle header")

// BundleItemInfo describes one entry of a parsed bundle header.
type BundleItemInfo struct {
	ID   [32]byte
	Size int64
	// DataOffset is the byte offset of the item within the bundle.
	DataOffset int64
}

// BundleHeaderInfo is the parsed form of a bundle header.
type BundleHeaderInfo struct {
	NumItems int
	Items    []BundleItemInfo
}

// NewBundleHeader builds a header for the given (size, id) entries,
// resolving each entry's DataOffset against the header length and the
// sizes of the entries before it.
func NewBundleHeader(items []BundleItemInfo) *BundleHeaderInfo {
	resolved := make([]BundleItemInfo, len(items))
	offset := int64(bundleCountLength + bundleEntryLength*len(items))
	for i, it := range items {
		it.DataOffset = offset
		resolved[i] = it
		offset += it.Size
	}
	return &BundleHeaderInfo{NumItems: len(items), Items: resolved}
}

// TotalSize returns 32 + 64N + the summed item sizes.
func (h *BundleHeaderInfo) TotalSize() int64 {
	total := int64(bundleCountLength + bundleEntryLength*len(h.Items))
	for _, it := range h.Items {
		total += it.Size
	}
	return total
}

// HeaderSize returns the byte length of the serialized header alone.
func (h *BundleHeaderInfo) HeaderSize() int64 {
	return int64(bundleCountLength + bundleEntryLength*len(h.Items))
}

// SerializeBundleHeader renders the header for the given (size, id)
// entries.
func SerializeBundleHeader(items []BundleItemInfo) []byte {
	out := make([]byte, bundleCountLength+bundleEntryLength*len(items))
	putLong(out[:bundleCountLength], uint64(len(items)))
	off := bundleCountLength
	for _, it := range items {
		putLong(out[off:off+32], uint64(it.Size))
		copy(out[off+32:off+64], it.ID[:])
		off += bundleEntryLength
	}
	return out
}

// ParseBundleHeader consumes exactly the header bytes from r and
// returns the parsed entries with their data offsets resolved. The
// reader is left positioned at the first byte of the first item.
func ParseBundleHeader(r io.Reader) (*BundleHeaderInfo, error) {
	var countBuf [bundleCountLength]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, errors.Wrap(ErrMalformedBundleHeader, err.Error())
	}
	count, ok := getLong(countBuf[:])
	if !ok {
		return nil, errors.Wrap(ErrMalformedBundleHeader, "item count exceeds int64")
	}

	info := &BundleHeaderInfo{
		NumItems: int(count),
		Items:    make([]BundleItemInfo, 0, count),
	}
	offset := int64(bundleCountLength + bundleEntryLength*int64(count))
	var entry [bundleEntryLength]byte
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, entry[:]); err != nil {
			return nil, errors.Wrapf(ErrMalformedBundleHeader, "entry %d: %v", i, err)
		}
		size, ok := getLong(entry[:32])
		if !ok {
			return nil, errors.Wrapf(ErrMalformedBundleHeader, "entry %d size exceeds int64", i)
		}
		var id [32]byte
		copy(id[:], entry[32:])
		info.Items = append(info.Items, BundleItemInfo{
			ID:         id,
			Size:       int64(size),
			DataOffset: offset,
		})
		offset += int64(size)
	}
	return info, nil
}

// putLong writes v into a little-endian word of arbitrary width.
func putLong(dst []byte, v uint64) {
	for i := range dst {
		dst[i] = 0
	}
	binary.LittleEndian.PutUint64(dst[:8], v)
}

// getLong reads a little-endian word of arbitrary width, reporting
// false if it does not fit a non-negative int64.
func getLong(src []byte) (uint64, bool) {
	for _, b := range src[8:] {
		if b != 0 {
			return 0, false
		}
	}
	v := binary.LittleEndian.Uint64(src[:8])
	if v > 1<<62 {
		return 0, false
	}
	return v, true
}

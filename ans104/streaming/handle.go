package streaming

import (
	"io"
	"sync"

	"github.com/ar-io/uploader/ans104"
)

// cell is a single-assignment slot an accessor can block on. Repeated
// reads return the cached result.
type cell[T any] struct {
	done chan struct{}
	once sync.Once
	v    T
	err  error
}

func newCell[T any]() *cell[T] {
	return &cell[T]{done: make(chan struct{})}
}

func (c *cell[T]) resolve(v T) {
	c.once.Do(func() {
		c.v = v
		close(c.done)
	})
}

func (c *cell[T]) reject(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *cell[T]) get() (T, error) {
	<-c.done
	return c.v, c.err
}

// ItemHandle exposes the fields of a data item as they are parsed.
// Every accessor blocks until its region has arrived (or the parse
// failed) and is idempotent afterwards.
type ItemHandle struct {
	sigType      *cell[int]
	signature    *cell[[]byte]
	owner        *cell[[]byte]
	target       *cell[[]byte] // nil when absent
	anchor       *cell[[]byte]
	numTags      *cell[int]
	numTagsBytes *cell[int]
	tagsBytes    *cell[[]byte]
	tags         *cell[[]ans104.Tag]
	payloadStart *cell[int64]
	payloadSize  *cell[int64]
	rawSize      *cell[int64]
	valid        *cell[bool]

	payloadOnce sync.Once
	payloadR    *io.PipeReader
	payloadW    *io.PipeWriter
}

func newItemHandle() *ItemHandle {
	pr, pw := io.Pipe()
	return &ItemHandle{
		sigType:      newCell[int](),
		signature:    newCell[[]byte](),
		owner:        newCell[[]byte](),
		target:       newCell[[]byte](),
		anchor:       newCell[[]byte](),
		numTags:      newCell[int](),
		numTagsBytes: newCell[int](),
		tagsBytes:    newCell[[]byte](),
		tags:         newCell[[]ans104.Tag](),
		payloadStart: newCell[int64](),
		payloadSize:  newCell[int64](),
		rawSize:      newCell[int64](),
		valid:        newCell[bool](),
		payloadR:     pr,
		payloadW:     pw,
	}
}

// SignatureType blocks until the signature type is known.
func (h *ItemHandle) SignatureType() (int, error) { return h.sigType.get() }

// Signature blocks until the signature bytes are available.
func (h *ItemHandle) Signature() ([]byte, error) { return h.signature.get() }

// Owner blocks until the owner public key is available.
func (h *ItemHandle) Owner() ([]byte, error) { return h.owner.get() }

// OwnerAddress derives the base64url owner address.
func (h *ItemHandle) OwnerAddress() (string, error) {
	owner, err := h.owner.get()
	if err != nil {
		return "", err
	}
	return ans104.OwnerAddress(owner), nil
}

// Target returns the 32-byte target, or nil when absent.
func (h *ItemHandle) Target() ([]byte, error) { return h.target.get() }

// Anchor returns the 32-byte anchor, or nil when absent.
func (h *ItemHandle) Anchor() ([]byte, error) { return h.anchor.get() }

// NumTags blocks until the tag count word has arrived.
func (h *ItemHandle) NumTags() (int, error) { return h.numTags.get() }

// NumTagsBytes blocks until the tag byte-length word has arrived.
func (h *ItemHandle) NumTagsBytes() (int, error) { return h.numTagsBytes.get() }

// TagsBytes returns the raw Avro-packed tag bytes (nil when zero tags).
func (h *ItemHandle) TagsBytes() ([]byte, error) { return h.tagsBytes.get() }

// Tags returns the decoded tags.
func (h *ItemHandle) Tags() ([]ans104.Tag, error) { return h.tags.get() }

// ID derives sha256 over the signature bytes.
func (h *ItemHandle) ID() ([32]byte, error) {
	sig, err := h.signature.get()
	if err != nil {
		return [32]byte{}, err
	}
	return ans104.ItemID(sig), nil
}

// PayloadDataStart is the offset of the first payload byte within the
// raw item.
func (h *ItemHandle) PayloadDataStart() (int64, error) { return h.payloadStart.get() }

// Payload returns the downstream payload byte stream. The parser writes
// into it with backpressure; consume it fully (or call DiscardPayload)
// or the parse will not complete.
func (h *ItemHandle) Payload() io.Reader {
	return h.payloadR
}

// DiscardPayload drains the payload stream in the background for
// callers that only need header fields and validity.
func (h *ItemHandle) DiscardPayload() {
	h.payloadOnce.Do(func() {
		go func() {
			_, _ = io.Copy(io.Discard, h.payloadR)
		}()
	})
}

// PayloadSize blocks until the payload has been fully consumed.
func (h *ItemHandle) PayloadSize() (int64, error) { return h.payloadSize.get() }

// RawSize blocks until the item has been fully consumed and reports the
// total raw byte count.
func (h *ItemHandle) RawSize() (int64, error) { return h.rawSize.get() }

// IsValid blocks until the payload has been fully consumed and the
// signature checked. It returns false (with a nil error) when the item
// is well-formed but fails verification or the tag spec; it returns an
// error only for terminal stream or parse failures.
func (h *ItemHandle) IsValid() (bool, error) { return h.valid.get() }

// fail rejects every unresolved accessor with the terminal error.
func (h *ItemHandle) fail(err error) {
	h.sigType.reject(err)
	h.signature.reject(err)
	h.owner.reject(err)
	h.target.reject(err)
	h.anchor.reject(err)
	h.numTags.reject(err)
	h.numTagsBytes.reject(err)
	h.tagsBytes.reject(err)
	h.tags.reject(err)
	h.payloadStart.reject(err)
	h.payloadSize.reject(err)
	h.rawSize.reject(err)
	h.valid.reject(err)
	_ = h.payloadW.CloseWithError(err)
}

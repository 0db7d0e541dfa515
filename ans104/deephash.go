package ans104

import (
	"crypto/sha512"
	"hash"
	"strconv"
)

// The Arweave deep hash covers every header field and the payload with
// a recursive SHA-384 scheme: a blob hashes to
// sha384(sha384("blob"||decimalLength) || sha384(data)) and a list
// folds its elements into an accumulator seeded with
// sha384("list"||decimalLength).

func hashBlobTag(length uint64) []byte {
	h := sha512.New384()
	h.Write([]byte("blob"))
	h.Write([]byte(strconv.FormatUint(length, 10)))
	return h.Sum(nil)
}

// DeepHashBlob computes the deep hash of a single byte blob.
func DeepHashBlob(data []byte) []byte {
	inner := sha512.Sum384(data)
	h := sha512.New384()
	h.Write(hashBlobTag(uint64(len(data))))
	h.Write(inner[:])
	return h.Sum(nil)
}

// DeepHashList computes the deep hash of a list of blobs.
func DeepHashList(items ...[]byte) []byte {
	acc := listAccumulator(len(items))
	for _, item := range items {
		acc = foldHash(acc, DeepHashBlob(item))
	}
	return acc
}

func listAccumulator(n int) []byte {
	h := sha512.New384()
	h.Write([]byte("list"))
	h.Write([]byte(strconv.Itoa(n)))
	return h.Sum(nil)
}

func foldHash(acc, elem []byte) []byte {
	h := sha512.New384()
	h.Write(acc)
	h.Write(elem)
	return h.Sum(nil)
}

// SigningContext incrementally computes the deep hash a data-item
// signature covers. The seven header elements are folded up front; the
// payload blob streams through Write and the final hash is sealed once
// the payload length is known.
type SigningContext struct {
	acc         []byte
	payloadHash hash.Hash
	payloadLen  uint64
}

// NewSigningContext folds the header fields of the signing payload:
// deepHash(["dataitem", "1", sigType, owner, target, anchor, tags,
// payload]) with the payload still to come.
func NewSigningContext(sigType int, owner, target, anchor, tagsBytes []byte) *SigningContext {
	acc := listAccumulator(8)
	acc = foldHash(acc, DeepHashBlob([]byte("dataitem")))
	acc = foldHash(acc, DeepHashBlob([]byte("1")))
	acc = foldHash(acc, DeepHashBlob([]byte(strconv.Itoa(sigType))))
	acc = foldHash(acc, DeepHashBlob(owner))
	acc = foldHash(acc, DeepHashBlob(target))
	acc = foldHash(acc, DeepHashBlob(anchor))
	acc = foldHash(acc, DeepHashBlob(tagsBytes))
	return &SigningContext{acc: acc, payloadHash: sha512.New384()}
}

// Write folds payload bytes into the context. It never fails.
func (c *SigningContext) Write(p []byte) (int, error) {
	c.payloadHash.Write(p)
	c.payloadLen += uint64(len(p))
	return len(p), nil
}

// PayloadLength reports the number of payload bytes written so far.
func (c *SigningContext) PayloadLength() uint64 {
	return c.payloadLen
}

// Sum seals the context and returns the 48-byte message the signature
// covers.
func (c *SigningContext) Sum() []byte {
	inner := c.payloadHash.Sum(nil)
	h := sha512.New384()
	h.Write(hashBlobTag(c.payloadLen))
	h.Write(inner)
	return foldHash(c.acc, h.Sum(nil))
}

// SigningPayload computes the signature message for fully materialized
// item fields.
func SigningPayload(sigType int, owner, target, anchor, tagsBytes, payload []byte) []byte {
	ctx := NewSigningContext(sigType, owner, target, anchor, tagsBytes)
	_, _ = ctx.Write(payload)
	return ctx.Sum()
}

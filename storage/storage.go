// Package storage defines the ports and shared vocabulary of the tier
// fabric: the store interfaces each tier implements, the cache-entry
// forms, the key scheme, and the error taxonomy every tier maps its
// failures onto.
package storage

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// Error taxonomy. Tier implementations translate their native failures
// into these sentinels so the fabric can fall through, retry, or abort
// uniformly.
var (
	// ErrNotFound indicates the key does not exist in the tier.
	ErrNotFound = errors.New("storage: not found")
	// ErrUnavailable indicates the tier cannot be reached or its
	// circuit breaker is open.
	ErrUnavailable = errors.New("storage: tier unavailable")
	// ErrIntegrityMismatch indicates a byte-count or verification
	// disagreement between what was declared and what was stored.
	ErrIntegrityMismatch = errors.New("storage: integrity mismatch")
	// ErrConflict indicates a concurrent write collided on a key.
	ErrConflict = errors.New("storage: conflicting write in flight")
	// ErrTimeout indicates the tier operation exceeded its deadline.
	ErrTimeout = errors.New("storage: operation timed out")
	// ErrNoDurableStore indicates an ingest finished without at least
	// one durable tier committing the item.
	ErrNoDurableStore = errors.New("storage: no durable store committed")
	// ErrInvalidChunkSize indicates a multipart chunk outside the
	// configured size bounds.
	ErrInvalidChunkSize = errors.New("storage: invalid chunk size")
)

// EntryKind discriminates the cache-entry forms a tier key can hold.
type EntryKind int

const (
	// EntryRaw holds the raw data-item bytes.
	EntryRaw EntryKind = iota + 1
	// EntryMetadata holds the payload content type and offset.
	EntryMetadata
	// EntryOffsets locates a nested item inside its parent's payload.
	EntryOffsets
)

// Metadata is the metadata tuple cached beside raw bytes.
type Metadata struct {
	PayloadContentType string `json:"payloadContentType"`
	PayloadDataStart   int64  `json:"payloadDataStart"`
}

// NestedOffsets locates a data item nested in a parent bundle item.
type NestedOffsets struct {
	ParentID           string `json:"parentId"`
	ParentPayloadStart int64  `json:"parentPayloadDataStart"`
	StartInRawParent   int64  `json:"startOffsetInRawParent"`
	RawLength          int64  `json:"rawContentLength"`
	ContentType        string `json:"payloadContentType"`
	PayloadStart       int64  `json:"payloadDataStart"`
}

// Key scheme shared by the keyed tiers (remote cache, kv doc store).
const (
	RawKeyPrefix      = "raw"
	MetadataKeyPrefix = "metadata"
	OffsetsKeyPrefix  = "offsets"
	QuarantinePrefix  = "quarantine"
)

// RawKey is the remote-cache/kv key of an item's raw bytes.
func RawKey(id string) string { return RawKeyPrefix + "_" + id }

// MetadataKey is the key of an item's metadata tuple.
func MetadataKey(id string) string { return MetadataKeyPrefix + "_" + id }

// OffsetsKey is the key of a nested item's offsets tuple.
func OffsetsKey(id string) string { return OffsetsKeyPrefix + "_" + id }

// QuarantineKey maps a live key to its quarantined counterpart.
func QuarantineKey(key string) string { return QuarantinePrefix + "_" + key }

// Blob-store object key layout.
const (
	BlobRawPrefix        = "raw-data-item/"
	BlobQuarantinePrefix = "quarantine/raw-data-item/"
)

// BlobKey is the object key of an item's raw bytes in the blob store.
func BlobKey(id string) string { return BlobRawPrefix + id }

// BlobQuarantineKey is the quarantined object key.
func BlobQuarantineKey(id string) string { return BlobQuarantinePrefix + id }

// Op is one operation of a keyed-cache transaction.
type Op struct {
	Key   string
	Value []byte
	TTL   int64 // seconds; 0 = tier default
}

// OpResult reports the per-op outcome of a transaction. Atomicity is
// per key, never cross key.
type OpResult struct {
	Key string
	Err error
}

// CacheService is the remote key-value cache port.
type CacheService interface {
	Get(ctx context.Context, key string) ([]byte, error)
	GetRange(ctx context.Context, key string, start, end int64) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttlSecs int64) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Rename atomically moves a key, preserving the value under the
	// new name with the given TTL.
	Rename(ctx context.Context, oldKey, newKey string, ttlSecs int64) error
	Transaction(ctx context.Context, ops []Op) []OpResult
}

// KVStore is the document-store port used for small items.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Rename(ctx context.Context, oldKey, newKey string) error
}

// ObjectStore is the blob-store port. Ranged reads use inclusive end
// offsets; end < 0 reads to the end of the object.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string, start, end int64) (io.ReadCloser, error)
	Head(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
	// Move copies the object to newKey and removes the original.
	Move(ctx context.Context, oldKey, newKey string) error
}

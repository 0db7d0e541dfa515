package ingest

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/ar-io/uploader/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// uploadTTL bounds how long an unfinished multipart upload and any
// leftover chunk records stay around.
const uploadTTL = 30 * time.Minute

// ErrUploadNotFound indicates an unknown or expired upload id.
var ErrUploadNotFound = errors.New("ingest: upload not found")

type upload struct {
	mu     sync.Mutex
	chunks map[int64][]byte // keyed by byte offset
}

// CreateUpload opens a multipart upload and returns its id. Chunks may
// arrive in any order and are assembled by offset at finalize.
func (c *Coordinator) CreateUpload(_ context.Context) string {
	id := uuid.NewString()
	c.uploads.Set(id, &upload{chunks: map[int64][]byte{}}, uploadTTL)
	return id
}

// PutChunk stores one chunk of an open upload. Every chunk must be
// within the configured size bounds; a chunk re-sent at the same offset
// replaces the earlier one.
func (c *Coordinator) PutChunk(_ context.Context, uploadID string, offset int64, r io.Reader) error {
	if offset < 0 {
		return errors.Wrap(storage.ErrInvalidChunkSize, "negative offset")
	}
	u, err := c.upload(uploadID)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(r, c.chunkMax+1))
	if err != nil {
		return errors.Wrap(err, "ingest: reading chunk")
	}
	if int64(len(data)) < c.chunkMin || int64(len(data)) > c.chunkMax {
		return errors.Wrapf(storage.ErrInvalidChunkSize, "%d bytes, want %d..%d", len(data), c.chunkMin, c.chunkMax)
	}
	u.mu.Lock()
	u.chunks[offset] = data
	u.mu.Unlock()
	return nil
}

// FinalizeUpload assembles the contiguous chunk run starting at offset
// zero and ingests it as one data item. Consumed chunk records are
// deleted; records outside the contiguous run are left behind and age
// out with the upload.
func (c *Coordinator) FinalizeUpload(ctx context.Context, uploadID string, declaredLen int64) (*Receipt, error) {
	u, err := c.upload(uploadID)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	offsets := make([]int64, 0, len(u.chunks))
	for off := range u.chunks {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	var readers []io.Reader
	var consumed []int64
	next := int64(0)
	for _, off := range offsets {
		if off != next {
			break
		}
		readers = append(readers, bytes.NewReader(u.chunks[off]))
		consumed = append(consumed, off)
		next += int64(len(u.chunks[off]))
	}
	u.mu.Unlock()

	if len(readers) == 0 {
		return nil, errors.Wrap(storage.ErrIntegrityMismatch, "no chunk at offset zero")
	}
	if declaredLen > 0 && next != declaredLen {
		return nil, errors.Wrapf(storage.ErrIntegrityMismatch, "assembled %d bytes, declared %d", next, declaredLen)
	}

	receipt, err := c.Ingest(ctx, io.MultiReader(readers...), declaredLen)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	for _, off := range consumed {
		delete(u.chunks, off)
	}
	empty := len(u.chunks) == 0
	u.mu.Unlock()
	if empty {
		c.uploads.Delete(uploadID)
	}
	return receipt, nil
}

func (c *Coordinator) upload(id string) (*upload, error) {
	v, ok := c.uploads.Get(id)
	if !ok {
		return nil, errors.Wrap(ErrUploadNotFound, id)
	}
	return v.(*upload), nil
}

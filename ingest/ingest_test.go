package ingest

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	mrand "math/rand"
	"sync"
	"testing"

	"github.com/ar-io/uploader/ans104"
	"github.com/ar-io/uploader/config/params"
	"github.com/ar-io/uploader/storage"
	"github.com/ar-io/uploader/storage/fabric"
	"github.com/ar-io/uploader/storage/fsbackup"
	"github.com/ar-io/uploader/storage/kvdoc"
	"github.com/ar-io/uploader/storage/memlru"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newFakeRemote() *fakeRemote { return &fakeRemote{m: map[string][]byte{}} }

func (r *fakeRemote) Get(_ context.Context, key string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.m[key]
	if !ok {
		return nil, errors.Wrap(storage.ErrNotFound, key)
	}
	return b, nil
}

func (r *fakeRemote) GetRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	b, err := r.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if end < 0 || end >= int64(len(b)) {
		end = int64(len(b)) - 1
	}
	return b[start : end+1], nil
}

func (r *fakeRemote) Set(_ context.Context, key string, value []byte, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[key] = value
	return nil
}

func (r *fakeRemote) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, key)
	return nil
}

func (r *fakeRemote) Exists(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[key]
	return ok, nil
}

func (r *fakeRemote) Rename(_ context.Context, oldKey, newKey string, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.m[oldKey]
	if !ok {
		return errors.Wrap(storage.ErrNotFound, oldKey)
	}
	delete(r.m, oldKey)
	r.m[newKey] = b
	return nil
}

func (r *fakeRemote) Transaction(ctx context.Context, ops []storage.Op) []storage.OpResult {
	out := make([]storage.OpResult, len(ops))
	for i, op := range ops {
		out[i] = storage.OpResult{Key: op.Key, Err: r.Set(ctx, op.Key, op.Value, op.TTL)}
	}
	return out
}

type fakeBlob struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newFakeBlob() *fakeBlob { return &fakeBlob{m: map[string][]byte{}} }

func (b *fakeBlob) Put(_ context.Context, key string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[key] = data
	return nil
}

func (b *fakeBlob) Get(_ context.Context, key string, start, end int64) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.m[key]
	if !ok {
		return nil, errors.Wrap(storage.ErrNotFound, key)
	}
	if end < 0 || end >= int64(len(data)) {
		end = int64(len(data)) - 1
	}
	return io.NopCloser(bytes.NewReader(data[start : end+1])), nil
}

func (b *fakeBlob) Head(_ context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.m[key]
	if !ok {
		return 0, errors.Wrap(storage.ErrNotFound, key)
	}
	return int64(len(data)), nil
}

func (b *fakeBlob) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, key)
	return nil
}

func (b *fakeBlob) Move(_ context.Context, oldKey, newKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.m[oldKey]
	if !ok {
		return errors.Wrap(storage.ErrNotFound, oldKey)
	}
	delete(b.m, oldKey)
	b.m[newKey] = data
	return nil
}

type testRig struct {
	coord  *Coordinator
	fab    *fabric.Fabric
	fs     *fsbackup.Store
	remote *fakeRemote
	blob   *fakeBlob
}

func newTestRig(t *testing.T, p *params.Config) *testRig {
	t.Helper()
	mem, err := memlru.New(0, 0)
	require.NoError(t, err)
	fs, err := fsbackup.New(t.TempDir())
	require.NoError(t, err)
	kv, err := kvdoc.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, kv.Close()) })
	remote := newFakeRemote()
	blob := newFakeBlob()
	fab, err := fabric.New(fabric.Config{
		Mem:    mem,
		Remote: remote,
		FS:     fs,
		KV:     kv,
		Blob:   blob,
		Params: p,
		Rand:   mrand.New(mrand.NewSource(1)),
	})
	require.NoError(t, err)
	coord, err := NewCoordinator(Config{Fabric: fab, Params: p})
	require.NoError(t, err)
	return &testRig{coord: coord, fab: fab, fs: fs, remote: remote, blob: blob}
}

func signedItem(t *testing.T, item *ans104.DataItem) []byte {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, ans104.NewEd25519Signer(key).SignItem(item))
	raw, err := item.Serialize()
	require.NoError(t, err)
	return raw
}

func TestIngest_ValidItem(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)

	raw := signedItem(t, &ans104.DataItem{
		Tags:    []ans104.Tag{{Name: "Content-Type", Value: "text/plain"}},
		Payload: []byte("hello upload"),
	})

	receipt, err := rig.coord.Ingest(ctx, bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	assert.True(t, receipt.OK)
	assert.False(t, receipt.Duplicate)
	assert.Equal(t, int64(len(raw)), receipt.RawSize)
	assert.Equal(t, "text/plain", receipt.PayloadContentType)
	assert.Contains(t, receipt.StoresCommitted, fabric.TierFSBackup)
	assert.Contains(t, receipt.StoresCommitted, fabric.TierBlobStore)

	found, _ := rig.fab.Exists(ctx, receipt.ID)
	assert.True(t, found)

	rc, _, err := rig.fab.ReadRange(ctx, receipt.ID, 0, -1)
	require.NoError(t, err)
	stored, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, raw, stored)

	md, err := rig.fab.GetMetadata(ctx, receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", md.PayloadContentType)
	assert.Equal(t, receipt.RawSize-int64(len("hello upload")), md.PayloadDataStart)
}

func TestIngest_DefaultContentType(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)

	raw := signedItem(t, &ans104.DataItem{Payload: []byte("untyped")})
	receipt, err := rig.coord.Ingest(ctx, bytes.NewReader(raw), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultContentType, receipt.PayloadContentType)
}

func TestIngest_InvalidSignatureQuarantines(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)

	raw := signedItem(t, &ans104.DataItem{Payload: []byte("forged")})
	raw[2] ^= 0xff // first signature byte

	receipt, err := rig.coord.Ingest(ctx, bytes.NewReader(raw), 0)
	require.NoError(t, err)
	assert.False(t, receipt.OK)
	assert.Empty(t, receipt.StoresCommitted)

	found, _ := rig.fab.Exists(ctx, receipt.ID)
	assert.False(t, found)
	assert.False(t, rig.fs.HasRaw(ctx, receipt.ID))

	// The speculative blob copy is parked under the quarantine prefix.
	_, parked := rig.blob.m[storage.BlobQuarantineKey(receipt.ID)]
	assert.True(t, parked)

	// Small items keep a quarantined copy in the remote cache too.
	quarantined, ok := rig.remote.m[storage.QuarantineKey(storage.RawKey(receipt.ID))]
	require.True(t, ok)
	assert.Equal(t, raw, quarantined)
	_, live := rig.remote.m[storage.RawKey(receipt.ID)]
	assert.False(t, live)
}

func TestIngest_DeclaredLengthMismatch(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)

	raw := signedItem(t, &ans104.DataItem{Payload: []byte("short")})
	_, err := rig.coord.Ingest(ctx, bytes.NewReader(raw), int64(len(raw))+7)
	assert.ErrorIs(t, err, storage.ErrIntegrityMismatch)
}

func TestIngest_Duplicate(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)

	raw := signedItem(t, &ans104.DataItem{Payload: []byte("same bytes twice")})

	first, err := rig.coord.Ingest(ctx, bytes.NewReader(raw), 0)
	require.NoError(t, err)
	require.True(t, first.OK)

	second, err := rig.coord.Ingest(ctx, bytes.NewReader(raw), 0)
	require.NoError(t, err)
	assert.True(t, second.OK)
	assert.True(t, second.Duplicate)
	assert.Empty(t, second.StoresCommitted)
}

func TestIngest_ConflictWhileInFlight(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)

	raw := signedItem(t, &ans104.DataItem{Payload: []byte("raced")})
	sig := raw[2 : 2+64]
	id := ans104.EncodeID(ans104.ItemID(sig))

	require.NoError(t, rig.coord.acquire(id))
	defer rig.coord.release(id)

	_, err := rig.coord.Ingest(ctx, bytes.NewReader(raw), 0)
	assert.ErrorIs(t, err, storage.ErrConflict)

	err = rig.coord.Quarantine(ctx, id)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestMultipart_OutOfOrderChunks(t *testing.T) {
	ctx := context.Background()
	p := params.Defaults().With(params.MultipartChunkMinBytes, 1)
	rig := newTestRig(t, p)

	raw := signedItem(t, &ans104.DataItem{
		Tags:    []ans104.Tag{{Name: "Content-Type", Value: "application/json"}},
		Payload: bytes.Repeat([]byte("x"), 2000),
	})
	half := len(raw) / 2

	uploadID := rig.coord.CreateUpload(ctx)
	require.NoError(t, rig.coord.PutChunk(ctx, uploadID, int64(half), bytes.NewReader(raw[half:])))
	require.NoError(t, rig.coord.PutChunk(ctx, uploadID, 0, bytes.NewReader(raw[:half])))

	receipt, err := rig.coord.FinalizeUpload(ctx, uploadID, int64(len(raw)))
	require.NoError(t, err)
	assert.True(t, receipt.OK)
	assert.Equal(t, "application/json", receipt.PayloadContentType)

	// Fully consumed uploads are dropped.
	_, err = rig.coord.upload(uploadID)
	assert.ErrorIs(t, err, ErrUploadNotFound)
}

func TestMultipart_ChunkSizeBounds(t *testing.T) {
	ctx := context.Background()
	p := params.Defaults().
		With(params.MultipartChunkMinBytes, 10).
		With(params.MultipartChunkMaxBytes, 100)
	rig := newTestRig(t, p)

	uploadID := rig.coord.CreateUpload(ctx)
	err := rig.coord.PutChunk(ctx, uploadID, 0, bytes.NewReader([]byte("tiny")))
	assert.ErrorIs(t, err, storage.ErrInvalidChunkSize)

	err = rig.coord.PutChunk(ctx, uploadID, 0, bytes.NewReader(bytes.Repeat([]byte("y"), 101)))
	assert.ErrorIs(t, err, storage.ErrInvalidChunkSize)

	err = rig.coord.PutChunk(ctx, uploadID, -1, bytes.NewReader(bytes.Repeat([]byte("y"), 50)))
	assert.ErrorIs(t, err, storage.ErrInvalidChunkSize)
}

func TestMultipart_GapAndLeftoverRecords(t *testing.T) {
	ctx := context.Background()
	p := params.Defaults().With(params.MultipartChunkMinBytes, 1)
	rig := newTestRig(t, p)

	raw := signedItem(t, &ans104.DataItem{Payload: []byte("gapped upload body")})

	uploadID := rig.coord.CreateUpload(ctx)
	// No chunk at offset zero yet.
	require.NoError(t, rig.coord.PutChunk(ctx, uploadID, 100000, bytes.NewReader([]byte("stray"))))
	_, err := rig.coord.FinalizeUpload(ctx, uploadID, 0)
	assert.ErrorIs(t, err, storage.ErrIntegrityMismatch)

	require.NoError(t, rig.coord.PutChunk(ctx, uploadID, 0, bytes.NewReader(raw)))
	receipt, err := rig.coord.FinalizeUpload(ctx, uploadID, int64(len(raw)))
	require.NoError(t, err)
	assert.True(t, receipt.OK)

	// The stray record outside the contiguous run stays behind.
	u, err := rig.coord.upload(uploadID)
	require.NoError(t, err)
	assert.Len(t, u.chunks, 1)
}

func TestMultipart_UnknownUpload(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, nil)
	_, err := rig.coord.FinalizeUpload(ctx, "no-such-upload", 0)
	assert.ErrorIs(t, err, ErrUploadNotFound)
}

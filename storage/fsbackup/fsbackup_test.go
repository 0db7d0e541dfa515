package fsbackup_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/ar-io/uploader/storage"
	"github.com/ar-io/uploader/storage/fsbackup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_WriteCommitRead(t *testing.T) {
	ctx := context.Background()
	s, err := fsbackup.New(t.TempDir())
	require.NoError(t, err)

	commit, _, err := s.WriteRaw(ctx, "item1", bytes.NewReader([]byte("raw item bytes")))
	require.NoError(t, err)

	// Not visible until committed.
	assert.False(t, s.HasRaw(ctx, "item1"))
	require.NoError(t, commit())
	assert.True(t, s.HasRaw(ctx, "item1"))

	rc, err := s.ReadRaw(ctx, "item1", 0, -1)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, []byte("raw item bytes"), got)

	size, err := s.RawSize(ctx, "item1")
	require.NoError(t, err)
	assert.Equal(t, int64(14), size)
}

func TestStore_Abort(t *testing.T) {
	ctx := context.Background()
	s, err := fsbackup.New(t.TempDir())
	require.NoError(t, err)

	_, abort, err := s.WriteRaw(ctx, "item1", bytes.NewReader([]byte("bytes")))
	require.NoError(t, err)
	abort()
	assert.False(t, s.HasRaw(ctx, "item1"))
	_, err = s.ReadRaw(ctx, "item1", 0, -1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_RangedRead(t *testing.T) {
	ctx := context.Background()
	s, err := fsbackup.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.PutRaw(ctx, "item1", bytes.NewReader([]byte("0123456789"))))

	rc, err := s.ReadRaw(ctx, "item1", 2, 5) // inclusive end
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, []byte("2345"), got)

	// Covering ranges concatenate to the full read.
	var parts []byte
	for _, r := range [][2]int64{{0, 3}, {4, 7}, {8, -1}} {
		end := r[1]
		rc, err := s.ReadRaw(ctx, "item1", r[0], end)
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		parts = append(parts, b...)
	}
	assert.Equal(t, []byte("0123456789"), parts)
}

func TestStore_MetadataAndOffsets(t *testing.T) {
	ctx := context.Background()
	s, err := fsbackup.New(t.TempDir())
	require.NoError(t, err)

	md := storage.Metadata{PayloadContentType: "text/plain", PayloadDataStart: 1149}
	require.NoError(t, s.PutMetadata(ctx, "item1", md))
	got, err := s.GetMetadata(ctx, "item1")
	require.NoError(t, err)
	assert.Equal(t, md, got)

	off := storage.NestedOffsets{
		ParentID:           "parent1",
		ParentPayloadStart: 1110,
		StartInRawParent:   160,
		RawLength:          1115,
		ContentType:        "text/plain",
		PayloadStart:       1110,
	}
	require.NoError(t, s.PutOffsets(ctx, "nested1", off))
	gotOff, err := s.GetOffsets(ctx, "nested1")
	require.NoError(t, err)
	assert.Equal(t, off, gotOff)

	_, err = s.GetMetadata(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_Quarantine(t *testing.T) {
	ctx := context.Background()
	s, err := fsbackup.New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.PutRaw(ctx, "bad1", bytes.NewReader([]byte("suspect"))))
	require.NoError(t, s.PutMetadata(ctx, "bad1", storage.Metadata{PayloadContentType: "text/plain"}))

	require.NoError(t, s.Quarantine(ctx, "bad1"))
	assert.False(t, s.HasRaw(ctx, "bad1"))
	assert.True(t, s.IsQuarantined(ctx, "bad1"))
	_, err = s.GetMetadata(ctx, "bad1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Quarantining an id with no files present is a no-op.
	require.NoError(t, s.Quarantine(ctx, "ghost"))
}
